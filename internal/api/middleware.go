package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/wuwenbin0122/dalsi-gateway/internal/auth"
	"github.com/wuwenbin0122/dalsi-gateway/internal/db"
	"github.com/wuwenbin0122/dalsi-gateway/internal/models"
)

const (
	headerRequestID = "X-Request-ID"
	headerSessionID = "X-Session-ID"
	headerAPIKey    = "X-API-Key"

	ctxRequestIDKey = "request_id"
	ctxSessionKey   = "session_id"
	ctxUserKey      = "user_id"
	ctxTokenKey     = "auth_token"
	ctxAPIKeyIDKey  = "api_key_id"
)

var errAuthRequired = errors.New("authentication required")

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(headerRequestID))
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(ctxRequestIDKey, id)
		c.Header(headerRequestID, id)
		c.Next()
	}
}

// resolveSession scopes continuation state. Authenticated callers get one
// session per user; guests are keyed by X-Session-ID, issued on first contact.
// Browsers opening a websocket can pass token and session_id as query values.
func (h *Handler) resolveSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := strings.TrimSpace(c.GetHeader(headerAPIKey)); raw != "" && h.apiKeys != nil {
			key, err := h.apiKeys.FindByHash(c.Request.Context(), auth.HashAPIKey(raw))
			switch {
			case errors.Is(err, db.ErrAPIKeyNotFound):
				writeError(c, http.StatusUnauthorized, "invalid api key", err)
				c.Abort()
				return
			case err != nil:
				h.logger.Warnw("api key lookup failed", "error", err)
				writeError(c, http.StatusServiceUnavailable, "api key verification unavailable", err)
				c.Abort()
				return
			}
			c.Set(ctxUserKey, key.UserID)
			c.Set(ctxAPIKeyIDKey, key.ID)
			c.Set(ctxSessionKey, userSession(key.UserID))
			c.Next()
			return
		}

		token := parseAuthorizationToken(c.GetHeader("Authorization"))
		if token == "" {
			token = strings.TrimSpace(c.Query("token"))
		}

		if token != "" {
			claims, err := h.authService.VerifyToken(token)
			if err != nil {
				writeError(c, http.StatusUnauthorized, "invalid token", err)
				c.Abort()
				return
			}
			c.Set(ctxUserKey, claims.Subject)
			c.Set(ctxTokenKey, token)
			c.Set(ctxSessionKey, userSession(claims.Subject))
			c.Next()
			return
		}

		guest := strings.TrimSpace(c.GetHeader(headerSessionID))
		if guest == "" {
			guest = strings.TrimSpace(c.Query("session_id"))
		}
		if guest == "" {
			guest = uuid.NewString()
		}
		c.Header(headerSessionID, guest)
		c.Set(ctxSessionKey, guestSessionPrefix+guest)
		c.Next()
	}
}

func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ctxUserKey) == "" {
			writeError(c, http.StatusUnauthorized, "authentication required", errAuthRequired)
			c.Abort()
			return
		}
		c.Next()
	}
}

const guestSessionPrefix = "guest:"

func userSession(userID string) string {
	return "user:" + userID
}

// IsGuestSession reports whether sessionID belongs to an anonymous caller.
func IsGuestSession(sessionID string) bool {
	return strings.HasPrefix(sessionID, guestSessionPrefix)
}

func sessionKey(c *gin.Context) string {
	return c.GetString(ctxSessionKey)
}

// rateLimitKey charges signed-in callers per user and guests per client
// address, since guest session ids are chosen by the client.
func rateLimitKey(c *gin.Context) string {
	if user := c.GetString(ctxUserKey); user != "" {
		return userSession(user)
	}
	return "ip:" + c.ClientIP()
}

// recordKeyUsage adds a finished turn to the counters of the API key that
// authenticated the request, if any.
func (h *Handler) recordKeyUsage(ctx context.Context, keyID string, meta models.ResponseMetadata) {
	if keyID == "" || h.apiKeys == nil {
		return
	}
	if err := h.apiKeys.RecordUsage(ctx, keyID, meta.TokensUsed, meta.CostUSD); err != nil {
		h.logger.Warnw("record api key usage", "key", keyID, "error", err)
	}
}
