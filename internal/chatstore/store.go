// Package chatstore persists chat messages, per-conversation continuation metadata
// and API usage logs.
package chatstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wuwenbin0122/dalsi-gateway/internal/models"
)

// DefaultContextWindow is the number of messages read back when no limit is given.
const DefaultContextWindow = 10

var (
	ErrConversationRequired = errors.New("chatstore: conversation id is required")
	ErrConversationNotFound = errors.New("chatstore: conversation not found")
	ErrMessageNotFound      = errors.New("chatstore: message not found")
	ErrDuplicateMessage     = errors.New("chatstore: duplicate message id")
	ErrInvalidFeedback      = errors.New("chatstore: invalid feedback")
)

// Store is the persistence port used by the dispatcher and the HTTP layer.
type Store interface {
	AppendMessage(ctx context.Context, record models.MessageRecord) (*models.MessageRecord, error)
	// ReadRecentMessages returns at most limit messages, oldest first.
	ReadRecentMessages(ctx context.Context, conversationID string, limit int) ([]models.MessageRecord, error)
	// UpdateConversationContinuationMetadata is idempotent: writing the same
	// token, service and endpoint twice leaves the stored blob unchanged.
	UpdateConversationContinuationMetadata(ctx context.Context, conversationID, token, serviceType, endpoint string) error
	RecordFeedback(ctx context.Context, messageID string, feedback models.Feedback) error
	ConversationStatistics(ctx context.Context, conversationID string) (*models.ConversationStats, error)
	LogAPICall(ctx context.Context, entry models.APIUsageLog) error
	ContinuationToken(ctx context.Context, conversationID string) (string, error)
}

// ValidateFeedback checks score is one of -1, 0, 1 and rating is unset or 1..5.
func ValidateFeedback(feedback models.Feedback) error {
	if feedback.Score < -1 || feedback.Score > 1 {
		return fmt.Errorf("%w: score must be -1, 0 or 1", ErrInvalidFeedback)
	}
	if feedback.Rating < 0 || feedback.Rating > 5 {
		return fmt.Errorf("%w: rating must be between 1 and 5", ErrInvalidFeedback)
	}
	return nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultContextWindow
	}
	return limit
}

func requireConversation(conversationID string) (string, error) {
	id := strings.TrimSpace(conversationID)
	if id == "" {
		return "", ErrConversationRequired
	}
	return id, nil
}

func reverseMessages(records []models.MessageRecord) {
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
}

func feedbackColumns(feedback models.Feedback) (score *int, rating *int, text *string) {
	s := feedback.Score
	score = &s
	if feedback.Rating > 0 {
		r := feedback.Rating
		rating = &r
	}
	if t := strings.TrimSpace(feedback.Text); t != "" {
		text = &t
	}
	return score, rating, text
}
