// Package dispatch drives one chat turn: it decides whether the turn continues a
// server-side exchange, calls the generation backend, relays tokens and keeps the
// continuation cache and chat history up to date.
package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/wuwenbin0122/dalsi-gateway/internal/continuation"
	"github.com/wuwenbin0122/dalsi-gateway/internal/models"
)

const (
	defaultModelID     = "general"
	defaultServiceType = "general"
	defaultMaxLength   = 2048
	logPreviewRunes    = 50
)

var (
	ErrMessageRequired      = errors.New("dispatch: message is required")
	ErrConversationRequired = errors.New("dispatch: conversation id is required")
	ErrEmptyResponse        = errors.New("dispatch: transport returned no result")
)

// Transport performs one generation call. onToken receives content fragments in
// the order the backend produced them and is never called after Generate returns.
type Transport interface {
	Generate(ctx context.Context, req models.GenerateRequest, onToken func(string)) (*models.GenerationResult, error)
}

type Request struct {
	Message        string
	ConversationID string
	ModelID        string
	ServiceType    string
	MaxLength      int
	ImageDataURL   string
	GradeLevel     string
	// UserID is recorded on usage logs only.
	UserID string
}

func (r Request) withDefaults() Request {
	if strings.TrimSpace(r.ModelID) == "" {
		r.ModelID = defaultModelID
	}
	if strings.TrimSpace(r.ServiceType) == "" {
		r.ServiceType = defaultServiceType
	}
	if r.MaxLength <= 0 {
		r.MaxLength = defaultMaxLength
	}
	r.ConversationID = strings.TrimSpace(r.ConversationID)
	return r
}

// Callbacks observe one Send. Exactly one of OnComplete and OnError fires, once;
// OnToken only fires before it. Nil callbacks are skipped.
type Callbacks struct {
	OnToken    func(token string)
	OnComplete func(content string, sources []models.Source, full *models.GenerationResult)
	OnError    func(err error)
}

// Stats is a read-only view of the cached continuation state of a conversation.
type Stats struct {
	ConversationID    string  `json:"conversation_id"`
	HasToken          bool    `json:"has_chat_id"`
	Token             string  `json:"chat_id,omitempty"`
	LastModel         string  `json:"last_model,omitempty"`
	LastService       string  `json:"last_service,omitempty"`
	LastResponseTime  string  `json:"last_response_time,omitempty"`
	IsComplete        bool    `json:"is_complete"`
	CompletenessScore float64 `json:"completeness_score"`
}

// Orchestrator owns the continuation cache of one session.
type Orchestrator struct {
	cache     *continuation.Cache
	transport Transport
	side      *SideChannel
	logger    *zap.SugaredLogger
}

func NewOrchestrator(cache *continuation.Cache, transport Transport, side *SideChannel, logger *zap.SugaredLogger) *Orchestrator {
	if cache == nil {
		cache = continuation.NewCache()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Orchestrator{cache: cache, transport: transport, side: side, logger: logger}
}

// Send runs one turn. The returned result and error are those of the transport;
// persistence outcomes never change them.
func (o *Orchestrator) Send(ctx context.Context, req Request, cb Callbacks) (*models.GenerationResult, error) {
	req = req.withDefaults()

	var settled atomic.Bool
	fail := func(err error) (*models.GenerationResult, error) {
		if settled.CompareAndSwap(false, true) && cb.OnError != nil {
			cb.OnError(err)
		}
		return nil, err
	}

	if req.ConversationID == "" {
		return fail(ErrConversationRequired)
	}
	if strings.TrimSpace(req.Message) == "" && req.ImageDataURL == "" {
		return fail(ErrMessageRequired)
	}

	_, hasToken := o.cache.Get(req.ConversationID)
	decision, reason := continuation.Explain(req.Message)

	token := ""
	if decision == continuation.Continuation {
		token, _ = o.cache.Get(req.ConversationID)
	}

	o.logger.Infow("dispatch turn",
		"conversation", req.ConversationID,
		"service", req.ServiceType,
		"decision", decision.String(),
		"reason", string(reason),
		"has_cached_token", hasToken,
		"sends_token", token != "",
		"message", truncateRunes(req.Message, logPreviewRunes),
	)

	o.persistUserMessage(req, token != "")

	onToken := func(fragment string) {
		if settled.Load() || cb.OnToken == nil {
			return
		}
		cb.OnToken(fragment)
	}

	started := time.Now()
	result, err := o.transport.Generate(ctx, models.GenerateRequest{
		Message:           req.Message,
		ImageDataURL:      req.ImageDataURL,
		ModelID:           req.ModelID,
		ServiceType:       req.ServiceType,
		MaxLength:         req.MaxLength,
		ContinuationToken: token,
		GradeLevel:        req.GradeLevel,
	}, onToken)
	elapsed := time.Since(started)

	if err == nil && result == nil {
		err = ErrEmptyResponse
	}
	if err != nil {
		o.logger.Warnw("dispatch failed", "conversation", req.ConversationID, "error", err)
		o.persistUsage(req, token, nil, err)
		return fail(err)
	}

	if newToken := result.Metadata.ContinuationToken; newToken != "" {
		o.cache.Set(req.ConversationID, newToken, result.Metadata)
		o.persistContinuationMetadata(req, newToken)
	}

	o.persistAssistantMessage(req, result, elapsed)
	o.persistUsage(req, token, result, nil)

	if settled.CompareAndSwap(false, true) && cb.OnComplete != nil {
		cb.OnComplete(result.Content, result.Sources, result)
	}

	return result, nil
}

func (o *Orchestrator) PeekToken(conversationID string) (string, bool) {
	return o.cache.Get(conversationID)
}

func (o *Orchestrator) PeekLastResponse(conversationID string) (models.ResponseMetadata, bool) {
	return o.cache.LastResponse(conversationID)
}

func (o *Orchestrator) Clear(conversationID string) {
	o.cache.Clear(conversationID)
	o.logger.Debugw("cleared continuation", "conversation", conversationID)
}

func (o *Orchestrator) ClearAll() {
	o.cache.ClearAll()
}

func (o *Orchestrator) Stats(conversationID string) Stats {
	stats := Stats{ConversationID: conversationID}
	token, ok := o.cache.Get(conversationID)
	if !ok {
		return stats
	}

	stats.HasToken = true
	stats.Token = token
	if last, ok := o.cache.LastResponse(conversationID); ok {
		stats.LastModel = last.Model
		stats.LastService = last.Service
		stats.LastResponseTime = last.Timestamp
		stats.IsComplete = last.IsComplete
		stats.CompletenessScore = last.CompletenessScore
	}
	return stats
}

func truncateRunes(input string, max int) string {
	if max <= 0 || utf8.RuneCountInString(input) <= max {
		return input
	}

	var builder strings.Builder
	count := 0
	for _, r := range input {
		if count >= max {
			builder.WriteString("...")
			break
		}
		builder.WriteRune(r)
		count++
	}
	return builder.String()
}
