package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/wuwenbin0122/dalsi-gateway/internal/chatstore"
	"github.com/wuwenbin0122/dalsi-gateway/internal/dispatch"
	"github.com/wuwenbin0122/dalsi-gateway/internal/models"
)

var errStoreDisabled = errors.New("persistence is not configured")

type sendRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
	ModelID        string `json:"model_id"`
	ServiceType    string `json:"service_type"`
	MaxLength      int    `json:"max_length"`
	ImageDataURL   string `json:"image_data_url"`
	GradeLevel     string `json:"grade_level"`
	TimeoutMS      int    `json:"timeout_ms"`
}

func (r sendRequest) validate() error {
	if strings.TrimSpace(r.Message) == "" && strings.TrimSpace(r.ImageDataURL) == "" {
		return dispatch.ErrMessageRequired
	}
	if strings.TrimSpace(r.ConversationID) == "" {
		return dispatch.ErrConversationRequired
	}
	return nil
}

func (r sendRequest) toDispatch(userID string, defaultMaxLength int) dispatch.Request {
	if r.MaxLength <= 0 {
		r.MaxLength = defaultMaxLength
	}
	return dispatch.Request{
		Message:        r.Message,
		ConversationID: r.ConversationID,
		ModelID:        r.ModelID,
		ServiceType:    r.ServiceType,
		MaxLength:      r.MaxLength,
		ImageDataURL:   r.ImageDataURL,
		GradeLevel:     r.GradeLevel,
		UserID:         userID,
	}
}

func completePayload(content string, sources []models.Source, full *models.GenerationResult) gin.H {
	payload := gin.H{
		"content": content,
		"sources": sources,
	}
	if full != nil {
		payload["metadata"] = full.Metadata
	}
	return payload
}

func errorPayload(err error) gin.H {
	return gin.H{
		"error":  err.Error(),
		"status": statusFromError(err),
	}
}

// handleSend streams one turn as server-sent events: token frames while the
// backend produces content, then a single complete or error frame.
func (h *Handler) handleSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid payload", err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(c, http.StatusBadRequest, err.Error(), err)
		return
	}

	ctx, cancel := h.contextWithTimeout(c.Request.Context(), req.TimeoutMS)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	orchestrator := h.dispatcher.ForSession(sessionKey(c))
	result, err := orchestrator.Send(ctx, req.toDispatch(c.GetString(ctxUserKey), h.maxLength), dispatch.Callbacks{
		OnToken: func(token string) {
			c.SSEvent("token", gin.H{"token": token})
			c.Writer.Flush()
		},
		OnComplete: func(content string, sources []models.Source, full *models.GenerationResult) {
			c.SSEvent("complete", completePayload(content, sources, full))
			c.Writer.Flush()
		},
		OnError: func(err error) {
			c.SSEvent("error", errorPayload(err))
			c.Writer.Flush()
		},
	})
	if err != nil {
		h.logger.Warnw("chat send failed",
			"request_id", c.GetString(ctxRequestIDKey),
			"conversation", req.ConversationID,
			"error", err,
		)
		return
	}

	h.recordKeyUsage(c.Request.Context(), c.GetString(ctxAPIKeyIDKey), result.Metadata)
}

func (h *Handler) handleContinuationStats(c *gin.Context) {
	conversationID := c.Param("id")
	stats := dispatch.Stats{ConversationID: conversationID}
	if orchestrator, ok := h.dispatcher.Lookup(sessionKey(c)); ok {
		stats = orchestrator.Stats(conversationID)
	}

	response := gin.H{"session": stats}
	if h.store != nil {
		token, err := h.store.ContinuationToken(c.Request.Context(), conversationID)
		switch {
		case err == nil:
			response["persisted_chat_id"] = token
		case errors.Is(err, chatstore.ErrConversationNotFound):
		default:
			h.logger.Warnw("read persisted continuation token", "conversation", conversationID, "error", err)
		}
	}

	c.JSON(http.StatusOK, response)
}

func (h *Handler) handleContinuationClear(c *gin.Context) {
	if orchestrator, ok := h.dispatcher.Lookup(sessionKey(c)); ok {
		orchestrator.Clear(c.Param("id"))
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) handleMessages(c *gin.Context) {
	if h.store == nil {
		writeError(c, http.StatusServiceUnavailable, "history unavailable", errStoreDisabled)
		return
	}

	limit := h.contextWindow
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(c, http.StatusBadRequest, "limit must be a positive integer", errors.New("invalid limit"))
			return
		}
		limit = parsed
	}

	records, err := h.store.ReadRecentMessages(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		writeStoreError(c, "failed to load messages", err)
		return
	}
	if records == nil {
		records = []models.MessageRecord{}
	}

	c.JSON(http.StatusOK, gin.H{"messages": records})
}

func (h *Handler) handleStatistics(c *gin.Context) {
	if h.store == nil {
		writeError(c, http.StatusServiceUnavailable, "statistics unavailable", errStoreDisabled)
		return
	}

	stats, err := h.store.ConversationStatistics(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeStoreError(c, "failed to compute statistics", err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

func (h *Handler) handleFeedback(c *gin.Context) {
	if h.store == nil {
		writeError(c, http.StatusServiceUnavailable, "feedback unavailable", errStoreDisabled)
		return
	}

	var feedback models.Feedback
	if err := c.ShouldBindJSON(&feedback); err != nil {
		writeError(c, http.StatusBadRequest, "invalid payload", err)
		return
	}

	if err := h.store.RecordFeedback(c.Request.Context(), c.Param("id"), feedback); err != nil {
		writeStoreError(c, "failed to record feedback", err)
		return
	}

	c.Status(http.StatusNoContent)
}

func writeStoreError(c *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, chatstore.ErrInvalidFeedback), errors.Is(err, chatstore.ErrConversationRequired):
		writeError(c, http.StatusBadRequest, err.Error(), err)
	case errors.Is(err, chatstore.ErrMessageNotFound), errors.Is(err, chatstore.ErrConversationNotFound):
		writeError(c, http.StatusNotFound, err.Error(), err)
	default:
		writeError(c, http.StatusInternalServerError, message, err)
	}
}
