package chatstore

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wuwenbin0122/dalsi-gateway/internal/models"
)

const (
	defaultModelUsed   = "DalsiAI"
	defaultServiceType = "general"
)

// ContinuationKeywords is stored with each message as context for later analysis.
var ContinuationKeywords = []string{"continue", "next", "more", "go on", "keep going"}

// BuildMessageRecord fills a message row from content and the backend metadata of
// the turn that produced it. User messages pass a zero meta.
func BuildMessageRecord(conversationID string, sender models.Sender, content string, meta models.ResponseMetadata) models.MessageRecord {
	model := strings.TrimSpace(meta.Model)
	if model == "" {
		model = defaultModelUsed
	}
	service := strings.TrimSpace(meta.Service)
	if service == "" {
		service = defaultServiceType
	}

	record := models.MessageRecord{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Sender:         sender,
		Content:        content,
		ContentType:    "text",
		MessageType:    "text",
		Timestamp:      time.Now().UTC(),
		Metadata: models.MessageMetadata{
			APIChatID:         meta.ContinuationToken,
			IsContinuation:    meta.IsContinuation,
			CompletenessScore: meta.CompletenessScore,
			IsComplete:        meta.IsComplete,
			MissingElements:   nonNil(meta.MissingElements),
			Model:             meta.Model,
			Service:           meta.Service,
			ResponseTimestamp: meta.Timestamp,
			FollowupQuestions: nonNil(meta.FollowupQuestions),
			References:        meta.References,
		},
		ContextData: models.ContextData{
			ConversationFlow:     "active",
			ContinuationKeywords: ContinuationKeywords,
			LastAPIResponse:      meta.ContinuationToken != "",
		},
		TokensUsed:       meta.TokensUsed,
		ProcessingTimeMs: meta.ProcessingTimeMs,
		ModelUsed:        model,
		ServiceType:      service,
	}

	if record.Metadata.References == nil {
		record.Metadata.References = []models.Source{}
	}
	if meta.Service != "" {
		record.ContextData.Endpoint = "/api/" + meta.Service + "/generate"
	}

	return record
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
