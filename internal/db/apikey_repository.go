package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/wuwenbin0122/dalsi-gateway/internal/models"
)

var (
	ErrAPIKeyNotFound  = errors.New("db: api key not found")
	ErrAPIKeyDuplicate = errors.New("db: api key already exists")
)

// APIKeyRepository stores hashed API keys through gorm.
type APIKeyRepository struct {
	db *gorm.DB
}

func NewAPIKeyRepository(gormDB *gorm.DB) *APIKeyRepository {
	return &APIKeyRepository{db: gormDB}
}

func (r *APIKeyRepository) AutoMigrate(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(&models.APIKey{}); err != nil {
		return fmt.Errorf("migrate api_keys: %w", err)
	}
	return nil
}

func (r *APIKeyRepository) Create(ctx context.Context, key *models.APIKey) error {
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if key.CreatedAt.IsZero() {
		key.CreatedAt = now
	}
	key.UpdatedAt = now

	if err := r.db.WithContext(ctx).Create(key).Error; err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return ErrAPIKeyDuplicate
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (r *APIKeyRepository) ListForUser(ctx context.Context, userID string) ([]models.APIKey, error) {
	var keys []models.APIKey
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&keys).Error
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return keys, nil
}

// ActiveKeyForUser returns the newest active key of userID.
func (r *APIKeyRepository) ActiveKeyForUser(ctx context.Context, userID string) (*models.APIKey, error) {
	var key models.APIKey
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Order("created_at DESC").
		First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAPIKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find active api key: %w", err)
	}
	return &key, nil
}

// FindByHash looks up an active key by the SHA-256 hash of its plaintext.
func (r *APIKeyRepository) FindByHash(ctx context.Context, hash string) (*models.APIKey, error) {
	var key models.APIKey
	err := r.db.WithContext(ctx).
		Where("key_hash = ? AND is_active = ?", hash, true).
		First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAPIKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find api key: %w", err)
	}
	return &key, nil
}

func (r *APIKeyRepository) Deactivate(ctx context.Context, userID, id string) error {
	result := r.db.WithContext(ctx).
		Model(&models.APIKey{}).
		Where("id = ? AND user_id = ?", id, userID).
		Updates(map[string]any{"is_active": false, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return fmt.Errorf("deactivate api key: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrAPIKeyNotFound
	}
	return nil
}

// RecordUsage adds one request and its token and cost totals to the key counters.
func (r *APIKeyRepository) RecordUsage(ctx context.Context, id string, tokens int, costUSD float64) error {
	err := r.db.WithContext(ctx).
		Model(&models.APIKey{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"total_requests":    gorm.Expr("total_requests + 1"),
			"total_tokens_used": gorm.Expr("total_tokens_used + ?", tokens),
			"total_cost_usd":    gorm.Expr("total_cost_usd + ?", costUSD),
			"updated_at":        time.Now().UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("record api key usage: %w", err)
	}
	return nil
}
