package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/dalsi-gateway/internal/auth"
	"github.com/wuwenbin0122/dalsi-gateway/internal/chatstore"
	"github.com/wuwenbin0122/dalsi-gateway/internal/diagnostics"
	"github.com/wuwenbin0122/dalsi-gateway/internal/dispatch"
	"github.com/wuwenbin0122/dalsi-gateway/internal/models"
	"github.com/wuwenbin0122/dalsi-gateway/internal/ratelimit"
	"github.com/wuwenbin0122/dalsi-gateway/services"
)

const (
	defaultStreamTimeout = 2 * time.Minute
	healthProbeTimeout   = 3 * time.Second
)

// APIKeyStore is the subset of db.APIKeyRepository the handlers need.
type APIKeyStore interface {
	Create(ctx context.Context, key *models.APIKey) error
	ListForUser(ctx context.Context, userID string) ([]models.APIKey, error)
	Deactivate(ctx context.Context, userID, id string) error
	FindByHash(ctx context.Context, hash string) (*models.APIKey, error)
	RecordUsage(ctx context.Context, id string, tokens int, costUSD float64) error
}

// UpstreamChecker checks the generation backend.
type UpstreamChecker interface {
	HealthCheck(ctx context.Context) (*services.HealthStatus, error)
}

type Dependencies struct {
	Auth          *auth.Service
	Dispatcher    *dispatch.Dispatcher
	Store         chatstore.Store
	APIKeys       APIKeyStore
	Diagnostics   *diagnostics.Collector
	Limiter       ratelimit.Limiter
	Upstream      UpstreamChecker
	Logger        *zap.SugaredLogger
	StreamTimeout time.Duration
	ContextWindow int
	// DefaultMaxLength applies when a send does not name one.
	DefaultMaxLength int
}

type Handler struct {
	authService   *auth.Service
	dispatcher    *dispatch.Dispatcher
	store         chatstore.Store
	apiKeys       APIKeyStore
	diagnostics   *diagnostics.Collector
	limiter       ratelimit.Limiter
	upstream      UpstreamChecker
	logger        *zap.SugaredLogger
	streamTimeout time.Duration
	contextWindow int
	maxLength     int
}

func NewHandler(deps Dependencies) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	timeout := deps.StreamTimeout
	if timeout <= 0 {
		timeout = defaultStreamTimeout
	}
	window := deps.ContextWindow
	if window <= 0 {
		window = chatstore.DefaultContextWindow
	}

	return &Handler{
		authService:   deps.Auth,
		dispatcher:    deps.Dispatcher,
		store:         deps.Store,
		apiKeys:       deps.APIKeys,
		diagnostics:   deps.Diagnostics,
		limiter:       deps.Limiter,
		upstream:      deps.Upstream,
		logger:        logger,
		streamTimeout: timeout,
		contextWindow: window,
		maxLength:     deps.DefaultMaxLength,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.handleHealth)

	apiGroup := router.Group("/api")
	apiGroup.Use(requestID(), h.resolveSession())

	authGroup := apiGroup.Group("/auth")
	authGroup.POST("/register", h.handleRegister)
	authGroup.POST("/login", h.handleLogin)
	authGroup.POST("/logout", requireUser(), h.handleLogout)

	chatGroup := apiGroup.Group("/chat")
	chatGroup.Use(ratelimit.Middleware(h.limiter, rateLimitKey, h.logger))
	chatGroup.POST("/send", h.handleSend)
	chatGroup.GET("/ws", h.handleStream)
	chatGroup.GET("/:id/continuation", h.handleContinuationStats)
	chatGroup.DELETE("/:id/continuation", h.handleContinuationClear)
	chatGroup.GET("/:id/messages", h.handleMessages)
	chatGroup.GET("/:id/statistics", h.handleStatistics)

	apiGroup.POST("/messages/:id/feedback", h.handleFeedback)

	keyGroup := apiGroup.Group("/keys")
	keyGroup.Use(requireUser())
	keyGroup.POST("", h.handleCreateAPIKey)
	keyGroup.GET("", h.handleListAPIKeys)
	keyGroup.DELETE("/:id", h.handleRevokeAPIKey)

	diagGroup := apiGroup.Group("/diagnostics")
	diagGroup.GET("", h.handleDiagnostics)
	diagGroup.GET("/health", h.handleDiagnosticsHealth)
	diagGroup.POST("/reset", requireUser(), h.handleDiagnosticsReset)
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

func (h *Handler) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid payload", err)
		return
	}

	result, err := h.authService.Register(c.Request.Context(), auth.RegisterInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		switch err {
		case auth.ErrUsernameRequired, auth.ErrPasswordTooWeak:
			writeError(c, http.StatusBadRequest, err.Error(), err)
		case auth.ErrUserExists, auth.ErrEmailExists:
			writeError(c, http.StatusConflict, err.Error(), err)
		default:
			writeError(c, http.StatusInternalServerError, "failed to register user", err)
		}
		return
	}

	c.JSON(http.StatusCreated, newAuthResponse(result))
}

func (h *Handler) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid payload", err)
		return
	}

	if req.Identifier == "" || req.Password == "" {
		writeError(c, http.StatusBadRequest, "identifier and password are required", auth.ErrInvalidCredentials)
		return
	}

	result, err := h.authService.Login(c.Request.Context(), auth.LoginInput{
		Identifier: req.Identifier,
		Password:   req.Password,
	})
	if err != nil {
		switch err {
		case auth.ErrInvalidCredentials:
			writeError(c, http.StatusUnauthorized, err.Error(), err)
		default:
			writeError(c, http.StatusInternalServerError, "failed to login", err)
		}
		return
	}

	c.JSON(http.StatusOK, newAuthResponse(result))
}

// handleLogout revokes the bearer token and forgets the continuation state of
// the user's session.
func (h *Handler) handleLogout(c *gin.Context) {
	token := c.GetString(ctxTokenKey)
	claims, err := h.authService.Logout(token)
	if err != nil {
		writeError(c, http.StatusUnauthorized, "invalid token", err)
		return
	}

	session := userSession(claims.Subject)
	h.dispatcher.DropSession(session)
	h.logger.Infow("session signed out", "session", session)

	c.Status(http.StatusNoContent)
}

func (h *Handler) handleHealth(c *gin.Context) {
	response := gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if h.upstream != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthProbeTimeout)
		defer cancel()

		status, err := h.upstream.HealthCheck(ctx)
		if err != nil {
			response["status"] = "degraded"
			response["upstream"] = gin.H{"status": "unreachable", "error": err.Error()}
		} else {
			response["upstream"] = gin.H{"status": status.Status, "latency_ms": status.LatencyMs}
		}
	}

	c.JSON(http.StatusOK, response)
}

func newAuthResponse(result *auth.AuthResult) gin.H {
	return gin.H{
		"token":     result.Token,
		"expiresAt": result.ExpiresAt.Format(time.RFC3339),
		"user": gin.H{
			"id":        result.User.ID,
			"username":  result.User.Username,
			"email":     result.User.Email,
			"createdAt": result.User.CreatedAt.Format(time.RFC3339),
			"updatedAt": result.User.UpdatedAt.Format(time.RFC3339),
		},
	}
}

func writeError(c *gin.Context, status int, message string, err error) {
	c.JSON(status, gin.H{
		"error":   message,
		"details": err.Error(),
	})
}

// statusFromError maps a dispatch failure to the HTTP status reported to clients.
func statusFromError(err error) int {
	if err == nil {
		return http.StatusOK
	}

	var apiErr *services.APIError
	switch {
	case errors.Is(err, dispatch.ErrMessageRequired), errors.Is(err, dispatch.ErrConversationRequired):
		return http.StatusBadRequest
	case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests:
		return http.StatusTooManyRequests
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), errors.Is(err, services.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func parseAuthorizationToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}

	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[7:])
	}

	return ""
}

func (h *Handler) contextWithTimeout(parent context.Context, timeoutMS int) (context.Context, context.CancelFunc) {
	if timeoutMS > 0 {
		return context.WithTimeout(parent, time.Duration(timeoutMS)*time.Millisecond)
	}
	return context.WithTimeout(parent, h.streamTimeout)
}
