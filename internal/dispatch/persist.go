package dispatch

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/wuwenbin0122/dalsi-gateway/internal/chatstore"
	"github.com/wuwenbin0122/dalsi-gateway/internal/models"
	"github.com/wuwenbin0122/dalsi-gateway/services"
)

// Operation names reported to diagnostics.
const (
	OpSaveUserMessage      = "save_user_message"
	OpSaveAssistantMessage = "save_assistant_message"
	OpStoreChatMetadata    = "store_chat_metadata"
	OpLogAPICall           = "log_api_call"
)

func (o *Orchestrator) persistUserMessage(req Request, continuing bool) {
	record := chatstore.BuildMessageRecord(req.ConversationID, models.SenderUser, req.Message, models.ResponseMetadata{
		IsContinuation: continuing,
	})
	record.ServiceType = req.ServiceType

	o.side.Submit(Job{
		Operation: OpSaveUserMessage,
		Fields:    map[string]string{"conversation": req.ConversationID},
		Run: func(ctx context.Context, store chatstore.Store) error {
			_, err := store.AppendMessage(ctx, record)
			return err
		},
	})
}

func (o *Orchestrator) persistAssistantMessage(req Request, result *models.GenerationResult, elapsed time.Duration) {
	meta := result.Metadata
	if meta.Service == "" {
		meta.Service = req.ServiceType
	}
	record := chatstore.BuildMessageRecord(req.ConversationID, models.SenderAssistant, result.Content, meta)
	record.ResponseTimeMs = int(elapsed.Milliseconds())

	o.side.Submit(Job{
		Operation: OpSaveAssistantMessage,
		Fields:    map[string]string{"conversation": req.ConversationID, "chat_id": meta.ContinuationToken},
		Run: func(ctx context.Context, store chatstore.Store) error {
			_, err := store.AppendMessage(ctx, record)
			return err
		},
	})
}

func (o *Orchestrator) persistContinuationMetadata(req Request, token string) {
	endpoint := services.EndpointForService(req.ServiceType)
	o.side.Submit(Job{
		Operation: OpStoreChatMetadata,
		Fields:    map[string]string{"conversation": req.ConversationID, "chat_id": token},
		Run: func(ctx context.Context, store chatstore.Store) error {
			return store.UpdateConversationContinuationMetadata(ctx, req.ConversationID, token, req.ServiceType, endpoint)
		},
	})
}

func (o *Orchestrator) persistUsage(req Request, sentToken string, result *models.GenerationResult, callErr error) {
	entry := models.APIUsageLog{
		UserID:     req.UserID,
		Endpoint:   services.EndpointForService(req.ServiceType),
		Method:     http.MethodPost,
		StatusCode: http.StatusOK,
		RequestMetadata: models.RequestMetadata{
			ChatID:         sentToken,
			MessageLength:  len(req.Message),
			IsContinuation: sentToken != "",
		},
	}

	if result != nil {
		entry.ResponseMetadata = models.UsageResponseMeta{
			APIChatID:      result.Metadata.ContinuationToken,
			IsContinuation: result.Metadata.IsContinuation,
			Model:          result.Metadata.Model,
			Service:        result.Metadata.Service,
		}
		entry.TokensUsed = result.Metadata.TokensUsed
		entry.CostUSD = result.Metadata.CostUSD
	}
	if callErr != nil {
		entry.StatusCode = statusForError(callErr)
	}

	o.side.Submit(Job{
		Operation: OpLogAPICall,
		Fields:    map[string]string{"conversation": req.ConversationID, "status": strconv.Itoa(entry.StatusCode)},
		Run: func(ctx context.Context, store chatstore.Store) error {
			return store.LogAPICall(ctx, entry)
		},
	})
}

func statusForError(err error) int {
	var apiErr *services.APIError
	switch {
	case errors.As(err, &apiErr) && apiErr.StatusCode > 0:
		return apiErr.StatusCode
	case errors.Is(err, context.Canceled):
		return 499
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, services.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
