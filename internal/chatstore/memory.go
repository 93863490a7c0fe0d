package chatstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wuwenbin0122/dalsi-gateway/internal/models"
)

// MemoryStore keeps everything in process. Used when no database is configured
// and in tests.
type MemoryStore struct {
	mu       sync.RWMutex
	chats    map[string]models.ChatMetadata
	messages map[string][]models.MessageRecord
	index    map[string]string
	usage    []models.APIUsageLog
	writes   int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats:    make(map[string]models.ChatMetadata),
		messages: make(map[string][]models.MessageRecord),
		index:    make(map[string]string),
	}
}

func (s *MemoryStore) AppendMessage(_ context.Context, record models.MessageRecord) (*models.MessageRecord, error) {
	conversationID, err := requireConversation(record.ConversationID)
	if err != nil {
		return nil, err
	}
	record.ConversationID = conversationID
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.index[record.ID]; exists {
		return nil, ErrDuplicateMessage
	}
	s.index[record.ID] = conversationID
	s.messages[conversationID] = append(s.messages[conversationID], record)

	saved := record
	return &saved, nil
}

func (s *MemoryStore) ReadRecentMessages(_ context.Context, conversationID string, limit int) ([]models.MessageRecord, error) {
	conversationID, err := requireConversation(conversationID)
	if err != nil {
		return nil, err
	}
	limit = normalizeLimit(limit)

	s.mu.RLock()
	all := append([]models.MessageRecord(nil), s.messages[conversationID]...)
	s.mu.RUnlock()

	// Equal timestamps keep insertion order.
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Timestamp.Before(all[j].Timestamp)
	})
	if len(all) > limit {
		all = all[len(all)-limit:]
	}

	return all, nil
}

func (s *MemoryStore) UpdateConversationContinuationMetadata(_ context.Context, conversationID, token, serviceType, endpoint string) error {
	conversationID, err := requireConversation(conversationID)
	if err != nil {
		return err
	}

	next := models.ChatMetadata{
		APIChatID:   token,
		Endpoint:    endpoint,
		ServiceType: serviceType,
		LastUpdated: time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.chats[conversationID]; ok && current.SameContinuation(next) {
		return nil
	}
	s.chats[conversationID] = next
	s.writes++
	return nil
}

func (s *MemoryStore) RecordFeedback(_ context.Context, messageID string, feedback models.Feedback) error {
	if err := ValidateFeedback(feedback); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conversationID, ok := s.index[strings.TrimSpace(messageID)]
	if !ok {
		return ErrMessageNotFound
	}

	score, rating, text := feedbackColumns(feedback)
	records := s.messages[conversationID]
	for i := range records {
		if records[i].ID != messageID {
			continue
		}
		records[i].FeedbackScore = score
		records[i].UserRating = rating
		records[i].FeedbackText = text
		records[i].IsFlagged = feedback.Flagged
		return nil
	}
	return ErrMessageNotFound
}

func (s *MemoryStore) ConversationStatistics(_ context.Context, conversationID string) (*models.ConversationStats, error) {
	conversationID, err := requireConversation(conversationID)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return summarize(s.messages[conversationID]), nil
}

func (s *MemoryStore) LogAPICall(_ context.Context, entry models.APIUsageLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, entry)
	return nil
}

func (s *MemoryStore) ContinuationToken(_ context.Context, conversationID string) (string, error) {
	conversationID, err := requireConversation(conversationID)
	if err != nil {
		return "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, ok := s.chats[conversationID]
	if !ok {
		return "", ErrConversationNotFound
	}
	return meta.APIChatID, nil
}

// UsageLogs returns a copy of the recorded usage entries.
func (s *MemoryStore) UsageLogs() []models.APIUsageLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.APIUsageLog(nil), s.usage...)
}

// MetadataWrites counts the continuation metadata writes that changed state.
func (s *MemoryStore) MetadataWrites() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

func summarize(records []models.MessageRecord) *models.ConversationStats {
	stats := &models.ConversationStats{ServicesUsed: []string{}}
	if len(records) == 0 {
		return stats
	}

	seen := make(map[string]struct{})
	totalResponse := 0
	for _, record := range records {
		stats.TotalMessages++
		stats.TotalTokens += record.TokensUsed
		totalResponse += record.ResponseTimeMs
		if _, ok := seen[record.ServiceType]; !ok {
			seen[record.ServiceType] = struct{}{}
			stats.ServicesUsed = append(stats.ServicesUsed, record.ServiceType)
		}
	}
	stats.AvgResponseTimeMs = float64(totalResponse) / float64(stats.TotalMessages)

	return stats
}
