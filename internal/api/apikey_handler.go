package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/wuwenbin0122/dalsi-gateway/internal/auth"
	"github.com/wuwenbin0122/dalsi-gateway/internal/db"
	"github.com/wuwenbin0122/dalsi-gateway/internal/models"
)

const (
	defaultKeyTier      = "free"
	defaultKeyPerMinute = 60
	defaultKeyPerHour   = 1000
	defaultKeyPerDay    = 10000
)

var errAPIKeysDisabled = errors.New("api key storage is not configured")

type createAPIKeyRequest struct {
	Name string `json:"name"`
}

func (h *Handler) handleCreateAPIKey(c *gin.Context) {
	if h.apiKeys == nil {
		writeError(c, http.StatusServiceUnavailable, "api keys unavailable", errAPIKeysDisabled)
		return
	}

	var req createAPIKeyRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid payload", err)
			return
		}
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "Default API Key"
	}

	generated, err := auth.GenerateAPIKey(auth.KeyKindUser)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "failed to generate api key", err)
		return
	}

	key := &models.APIKey{
		UserID:             c.GetString(ctxUserKey),
		KeyHash:            generated.Hash,
		KeyPrefix:          generated.Prefix,
		Name:               name,
		IsActive:           true,
		Scopes:             append([]string(nil), auth.DefaultScopes...),
		SubscriptionTier:   defaultKeyTier,
		RateLimitPerMinute: defaultKeyPerMinute,
		RateLimitPerHour:   defaultKeyPerHour,
		RateLimitPerDay:    defaultKeyPerDay,
	}
	if err := h.apiKeys.Create(c.Request.Context(), key); err != nil {
		if errors.Is(err, db.ErrAPIKeyDuplicate) {
			writeError(c, http.StatusConflict, err.Error(), err)
			return
		}
		writeError(c, http.StatusInternalServerError, "failed to store api key", err)
		return
	}

	// The plaintext key is returned here and nowhere else.
	c.JSON(http.StatusCreated, gin.H{
		"key":     generated.FullKey,
		"api_key": key,
	})
}

func (h *Handler) handleListAPIKeys(c *gin.Context) {
	if h.apiKeys == nil {
		writeError(c, http.StatusServiceUnavailable, "api keys unavailable", errAPIKeysDisabled)
		return
	}

	keys, err := h.apiKeys.ListForUser(c.Request.Context(), c.GetString(ctxUserKey))
	if err != nil {
		writeError(c, http.StatusInternalServerError, "failed to list api keys", err)
		return
	}
	if keys == nil {
		keys = []models.APIKey{}
	}

	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

func (h *Handler) handleRevokeAPIKey(c *gin.Context) {
	if h.apiKeys == nil {
		writeError(c, http.StatusServiceUnavailable, "api keys unavailable", errAPIKeysDisabled)
		return
	}

	err := h.apiKeys.Deactivate(c.Request.Context(), c.GetString(ctxUserKey), c.Param("id"))
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, db.ErrAPIKeyNotFound):
		writeError(c, http.StatusNotFound, err.Error(), err)
	default:
		writeError(c, http.StatusInternalServerError, "failed to revoke api key", err)
	}
}
