package chatstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wuwenbin0122/dalsi-gateway/internal/models"
)

// PostgresStore persists chats, messages and usage logs in the tables created by
// db.Postgres.EnsureSchema.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const insertMessageSQL = `
INSERT INTO messages (
    id, chat_id, sender, content, content_type, message_type, timestamp,
    metadata, context_data, tokens_used, processing_time_ms, response_time_ms,
    model_used, service_type, feedback_score, user_rating, feedback_text,
    is_flagged, is_edited, edited_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`

const selectMessageColumns = `
    id, chat_id, sender, content, content_type, message_type, timestamp,
    metadata, context_data, tokens_used, processing_time_ms, response_time_ms,
    model_used, service_type, feedback_score, user_rating, feedback_text,
    is_flagged, is_edited, edited_at`

func (s *PostgresStore) AppendMessage(ctx context.Context, record models.MessageRecord) (*models.MessageRecord, error) {
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

	_, err = s.pool.Exec(ctx, insertMessageSQL,
		record.ID, record.ConversationID, string(record.Sender), record.Content, record.ContentType, record.MessageType, record.Timestamp,
		record.Metadata, record.ContextData, record.TokensUsed, record.ProcessingTimeMs, record.ResponseTimeMs,
		record.ModelUsed, record.ServiceType, record.FeedbackScore, record.UserRating, record.FeedbackText,
		record.IsFlagged, record.IsEdited, record.EditedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, ErrDuplicateMessage
		}
		return nil, fmt.Errorf("chatstore: insert message: %w", err)
	}

	return &record, nil
}

func (s *PostgresStore) ReadRecentMessages(ctx context.Context, conversationID string, limit int) ([]models.MessageRecord, error) {
	conversationID, err := requireConversation(conversationID)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT`+selectMessageColumns+` FROM messages WHERE chat_id = $1 ORDER BY timestamp DESC LIMIT $2`,
		conversationID, normalizeLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("chatstore: query messages: %w", err)
	}
	defer rows.Close()

	records := make([]models.MessageRecord, 0)
	for rows.Next() {
		record, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatstore: iterate messages: %w", err)
	}

	reverseMessages(records)
	return records, nil
}

func scanMessage(row pgx.Row) (models.MessageRecord, error) {
	var (
		record models.MessageRecord
		sender string
	)
	err := row.Scan(
		&record.ID, &record.ConversationID, &sender, &record.Content, &record.ContentType, &record.MessageType, &record.Timestamp,
		&record.Metadata, &record.ContextData, &record.TokensUsed, &record.ProcessingTimeMs, &record.ResponseTimeMs,
		&record.ModelUsed, &record.ServiceType, &record.FeedbackScore, &record.UserRating, &record.FeedbackText,
		&record.IsFlagged, &record.IsEdited, &record.EditedAt,
	)
	if err != nil {
		return models.MessageRecord{}, fmt.Errorf("chatstore: scan message: %w", err)
	}
	record.Sender = models.Sender(sender)
	return record, nil
}

// The WHERE clause on the conflict branch skips the write when nothing changed,
// which keeps repeated updates from touching last_updated.
const upsertChatMetadataSQL = `
INSERT INTO chats (id, metadata, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (id) DO UPDATE
SET metadata = EXCLUDED.metadata, updated_at = NOW()
WHERE chats.metadata->>'api_chat_id' IS DISTINCT FROM EXCLUDED.metadata->>'api_chat_id'
   OR chats.metadata->>'endpoint' IS DISTINCT FROM EXCLUDED.metadata->>'endpoint'
   OR chats.metadata->>'service_type' IS DISTINCT FROM EXCLUDED.metadata->>'service_type'`

func (s *PostgresStore) UpdateConversationContinuationMetadata(ctx context.Context, conversationID, token, serviceType, endpoint string) error {
	conversationID, err := requireConversation(conversationID)
	if err != nil {
		return err
	}

	meta := models.ChatMetadata{
		APIChatID:   token,
		Endpoint:    endpoint,
		ServiceType: serviceType,
		LastUpdated: time.Now().UTC(),
	}

	if _, err := s.pool.Exec(ctx, upsertChatMetadataSQL, conversationID, meta); err != nil {
		return fmt.Errorf("chatstore: upsert chat metadata: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordFeedback(ctx context.Context, messageID string, feedback models.Feedback) error {
	if err := ValidateFeedback(feedback); err != nil {
		return err
	}

	score, rating, text := feedbackColumns(feedback)
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET feedback_score = $2, user_rating = $3, feedback_text = $4, is_flagged = $5 WHERE id = $1`,
		messageID, score, rating, text, feedback.Flagged,
	)
	if err != nil {
		return fmt.Errorf("chatstore: update feedback: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	return nil
}

func (s *PostgresStore) ConversationStatistics(ctx context.Context, conversationID string) (*models.ConversationStats, error) {
	conversationID, err := requireConversation(conversationID)
	if err != nil {
		return nil, err
	}

	stats := &models.ConversationStats{ServicesUsed: []string{}}
	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(tokens_used), 0), COALESCE(AVG(response_time_ms), 0)::float8
         FROM messages WHERE chat_id = $1`,
		conversationID,
	).Scan(&stats.TotalMessages, &stats.TotalTokens, &stats.AvgResponseTimeMs)
	if err != nil {
		return nil, fmt.Errorf("chatstore: aggregate messages: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT service_type FROM messages WHERE chat_id = $1 GROUP BY service_type ORDER BY MIN(timestamp)`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("chatstore: query services: %w", err)
	}
	services, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("chatstore: collect services: %w", err)
	}
	stats.ServicesUsed = append(stats.ServicesUsed, services...)

	return stats, nil
}

const insertUsageSQL = `
INSERT INTO api_usage_logs (
    id, user_id, endpoint, method, status_code, request_metadata, response_metadata,
    tokens_used, cost_usd, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

func (s *PostgresStore) LogAPICall(ctx context.Context, entry models.APIUsageLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, insertUsageSQL,
		entry.ID, entry.UserID, entry.Endpoint, entry.Method, entry.StatusCode,
		entry.RequestMetadata, entry.ResponseMetadata, entry.TokensUsed, entry.CostUSD, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("chatstore: insert usage log: %w", err)
	}
	return nil
}

func (s *PostgresStore) ContinuationToken(ctx context.Context, conversationID string) (string, error) {
	conversationID, err := requireConversation(conversationID)
	if err != nil {
		return "", err
	}

	var token *string
	err = s.pool.QueryRow(ctx, `SELECT metadata->>'api_chat_id' FROM chats WHERE id = $1`, conversationID).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrConversationNotFound
	}
	if err != nil {
		return "", fmt.Errorf("chatstore: read chat metadata: %w", err)
	}
	if token == nil {
		return "", nil
	}
	return *token, nil
}
