package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/wuwenbin0122/dalsi-gateway/internal/auth"
	"github.com/wuwenbin0122/dalsi-gateway/internal/db"
	"github.com/wuwenbin0122/dalsi-gateway/internal/models"
	"github.com/wuwenbin0122/dalsi-gateway/internal/utils"
)

// CLI manages gateway API keys directly in Postgres.
type CLI struct {
	DSN     string        `env:"POSTGRES_DSN" help:"Postgres connection string (defaults to the POSTGRES_* settings)"`
	Timeout time.Duration `default:"10s" help:"Timeout for each database operation"`

	Create CreateCmd `cmd:"" help:"Create a key for a user unless one is already active"`
	List   ListCmd   `cmd:"" help:"List the keys of a user"`
	Revoke RevokeCmd `cmd:"" help:"Deactivate a key"`
}

type CreateCmd struct {
	User  string `arg:"" help:"Owner user id"`
	Name  string `default:"Default API Key" help:"Display name"`
	Kind  string `default:"dalsi" enum:"dalsi,guest" help:"Key kind (dalsi or guest)"`
	Tier  string `default:"free" help:"Subscription tier"`
	Force bool   `help:"Create even when the user already has an active key"`
}

func (c *CreateCmd) Run(cli *CLI) error {
	return cli.withRepository(func(ctx context.Context, repo *db.APIKeyRepository) error {
		if !c.Force {
			existing, err := repo.ActiveKeyForUser(ctx, c.User)
			switch {
			case err == nil:
				fmt.Printf("user %s already has active key %s (%s); use --force to add another\n", c.User, existing.KeyPrefix, existing.ID)
				return nil
			case !errors.Is(err, db.ErrAPIKeyNotFound):
				return err
			}
		}

		generated, err := auth.GenerateAPIKey(c.Kind)
		if err != nil {
			return err
		}

		key := &models.APIKey{
			UserID:             c.User,
			KeyHash:            generated.Hash,
			KeyPrefix:          generated.Prefix,
			Name:               c.Name,
			IsActive:           true,
			Scopes:             append([]string(nil), auth.DefaultScopes...),
			SubscriptionTier:   c.Tier,
			RateLimitPerMinute: 60,
			RateLimitPerHour:   1000,
			RateLimitPerDay:    10000,
		}
		if err := repo.Create(ctx, key); err != nil {
			return err
		}

		fmt.Printf("created key %s for user %s\n", key.ID, c.User)
		fmt.Printf("  %s\n", generated.FullKey)
		fmt.Println("store it now; it cannot be shown again")
		return nil
	})
}

type ListCmd struct {
	User string `arg:"" help:"Owner user id"`
}

func (c *ListCmd) Run(cli *CLI) error {
	return cli.withRepository(func(ctx context.Context, repo *db.APIKeyRepository) error {
		keys, err := repo.ListForUser(ctx, c.User)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			fmt.Printf("no keys for user %s\n", c.User)
			return nil
		}
		for _, key := range keys {
			state := "active"
			if !key.IsActive {
				state = "revoked"
			}
			fmt.Printf("%s  %s...  %-8s %-6s requests=%d tokens=%d  %s\n",
				key.ID, key.KeyPrefix, state, key.SubscriptionTier,
				key.TotalRequests, key.TotalTokensUsed, strings.Join(key.Scopes, ","))
		}
		return nil
	})
}

type RevokeCmd struct {
	User string `arg:"" help:"Owner user id"`
	ID   string `arg:"" help:"Key id"`
}

func (c *RevokeCmd) Run(cli *CLI) error {
	return cli.withRepository(func(ctx context.Context, repo *db.APIKeyRepository) error {
		if err := repo.Deactivate(ctx, c.User, c.ID); err != nil {
			return err
		}
		fmt.Printf("revoked key %s\n", c.ID)
		return nil
	})
}

func (cli *CLI) withRepository(fn func(ctx context.Context, repo *db.APIKeyRepository) error) error {
	dsn := cli.DSN
	if dsn == "" {
		cfg, err := utils.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		dsn = cfg.Postgres.BuildDSN()
	}

	gormDB, err := db.NewGORM(dsn)
	if err != nil {
		return err
	}
	defer db.CloseGORM(gormDB)

	ctx, cancel := context.WithTimeout(context.Background(), cli.Timeout)
	defer cancel()

	repo := db.NewAPIKeyRepository(gormDB)
	if err := repo.AutoMigrate(ctx); err != nil {
		return err
	}
	return fn(ctx, repo)
}

func main() {
	_ = godotenv.Load()

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("apikeys"),
		kong.Description("Manage DalSi gateway API keys"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)

	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
