package chatstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/wuwenbin0122/dalsi-gateway/internal/models"
)

// MongoStore keeps the same records as PostgresStore in three collections.
type MongoStore struct {
	chats     *mongo.Collection
	messages  *mongo.Collection
	usageLogs *mongo.Collection
}

func NewMongoStore(chats, messages, usageLogs *mongo.Collection) *MongoStore {
	return &MongoStore{chats: chats, messages: messages, usageLogs: usageLogs}
}

type chatDocument struct {
	ID        string              `bson:"_id"`
	Metadata  models.ChatMetadata `bson:"metadata"`
	UpdatedAt time.Time           `bson:"updated_at"`
}

func (s *MongoStore) AppendMessage(ctx context.Context, record models.MessageRecord) (*models.MessageRecord, error) {
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

	if _, err := s.messages.InsertOne(ctx, record); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, ErrDuplicateMessage
		}
		return nil, fmt.Errorf("chatstore: insert message: %w", err)
	}

	return &record, nil
}

func (s *MongoStore) ReadRecentMessages(ctx context.Context, conversationID string, limit int) ([]models.MessageRecord, error) {
	conversationID, err := requireConversation(conversationID)
	if err != nil {
		return nil, err
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetLimit(int64(normalizeLimit(limit)))

	cursor, err := s.messages.Find(ctx, bson.M{"chat_id": conversationID}, opts)
	if err != nil {
		return nil, fmt.Errorf("chatstore: find messages: %w", err)
	}
	defer cursor.Close(ctx)

	records := make([]models.MessageRecord, 0)
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("chatstore: decode messages: %w", err)
	}

	reverseMessages(records)
	return records, nil
}

func (s *MongoStore) UpdateConversationContinuationMetadata(ctx context.Context, conversationID, token, serviceType, endpoint string) error {
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

	var current chatDocument
	err = s.chats.FindOne(ctx, bson.M{"_id": conversationID}).Decode(&current)
	switch {
	case err == nil:
		if current.Metadata.SameContinuation(next) {
			return nil
		}
	case errors.Is(err, mongo.ErrNoDocuments):
	default:
		return fmt.Errorf("chatstore: read chat metadata: %w", err)
	}

	_, err = s.chats.UpdateOne(ctx,
		bson.M{"_id": conversationID},
		bson.M{"$set": bson.M{"metadata": next, "updated_at": next.LastUpdated}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("chatstore: upsert chat metadata: %w", err)
	}
	return nil
}

func (s *MongoStore) RecordFeedback(ctx context.Context, messageID string, feedback models.Feedback) error {
	if err := ValidateFeedback(feedback); err != nil {
		return err
	}

	score, rating, text := feedbackColumns(feedback)
	result, err := s.messages.UpdateOne(ctx,
		bson.M{"_id": messageID},
		bson.M{"$set": bson.M{
			"feedback_score": score,
			"user_rating":    rating,
			"feedback_text":  text,
			"is_flagged":     feedback.Flagged,
		}},
	)
	if err != nil {
		return fmt.Errorf("chatstore: update feedback: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrMessageNotFound
	}
	return nil
}

func (s *MongoStore) ConversationStatistics(ctx context.Context, conversationID string) (*models.ConversationStats, error) {
	conversationID, err := requireConversation(conversationID)
	if err != nil {
		return nil, err
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: 1}}).
		SetProjection(bson.M{"tokens_used": 1, "response_time_ms": 1, "service_type": 1})

	cursor, err := s.messages.Find(ctx, bson.M{"chat_id": conversationID}, opts)
	if err != nil {
		return nil, fmt.Errorf("chatstore: find messages: %w", err)
	}
	defer cursor.Close(ctx)

	var records []models.MessageRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("chatstore: decode messages: %w", err)
	}

	return summarize(records), nil
}

func (s *MongoStore) LogAPICall(ctx context.Context, entry models.APIUsageLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	if _, err := s.usageLogs.InsertOne(ctx, entry); err != nil {
		return fmt.Errorf("chatstore: insert usage log: %w", err)
	}
	return nil
}

func (s *MongoStore) ContinuationToken(ctx context.Context, conversationID string) (string, error) {
	conversationID, err := requireConversation(conversationID)
	if err != nil {
		return "", err
	}

	var doc chatDocument
	err = s.chats.FindOne(ctx, bson.M{"_id": conversationID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", ErrConversationNotFound
	}
	if err != nil {
		return "", fmt.Errorf("chatstore: read chat metadata: %w", err)
	}
	return doc.Metadata.APIChatID, nil
}
