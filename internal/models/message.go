package models

import "time"

type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// MessageRecord is one persisted chat message together with the backend metadata
// that produced it.
type MessageRecord struct {
	ID             string    `json:"id" bson:"_id"`
	ConversationID string    `json:"chat_id" bson:"chat_id"`
	Sender         Sender    `json:"sender" bson:"sender"`
	Content        string    `json:"content" bson:"content"`
	ContentType    string    `json:"content_type" bson:"content_type"`
	MessageType    string    `json:"message_type" bson:"message_type"`
	Timestamp      time.Time `json:"timestamp" bson:"timestamp"`

	Metadata    MessageMetadata `json:"metadata" bson:"metadata"`
	ContextData ContextData     `json:"context_data" bson:"context_data"`

	TokensUsed       int    `json:"tokens_used" bson:"tokens_used"`
	ProcessingTimeMs int    `json:"processing_time_ms" bson:"processing_time_ms"`
	ResponseTimeMs   int    `json:"response_time_ms" bson:"response_time_ms"`
	ModelUsed        string `json:"model_used" bson:"model_used"`
	ServiceType      string `json:"service_type" bson:"service_type"`

	FeedbackScore *int    `json:"feedback_score" bson:"feedback_score"`
	UserRating    *int    `json:"user_rating" bson:"user_rating"`
	FeedbackText  *string `json:"feedback_text" bson:"feedback_text"`
	IsFlagged     bool    `json:"is_flagged" bson:"is_flagged"`

	IsEdited bool       `json:"is_edited" bson:"is_edited"`
	EditedAt *time.Time `json:"edited_at" bson:"edited_at"`
}

// MessageMetadata mirrors the response metadata persisted next to a message.
type MessageMetadata struct {
	APIChatID         string   `json:"api_chat_id,omitempty" bson:"api_chat_id,omitempty"`
	IsContinuation    bool     `json:"is_continuation" bson:"is_continuation"`
	CompletenessScore float64  `json:"completeness_score" bson:"completeness_score"`
	IsComplete        bool     `json:"is_complete" bson:"is_complete"`
	MissingElements   []string `json:"missing_elements" bson:"missing_elements"`
	Model             string   `json:"model,omitempty" bson:"model,omitempty"`
	Service           string   `json:"service,omitempty" bson:"service,omitempty"`
	ResponseTimestamp string   `json:"response_timestamp,omitempty" bson:"response_timestamp,omitempty"`
	FollowupQuestions []string `json:"followup_questions" bson:"followup_questions"`
	References        []Source `json:"references" bson:"references"`
}

// ContextData tracks the conversation flow around a message.
type ContextData struct {
	ConversationFlow     string   `json:"conversation_flow" bson:"conversation_flow"`
	ContinuationKeywords []string `json:"continuation_keywords" bson:"continuation_keywords"`
	LastAPIResponse      bool     `json:"last_api_response" bson:"last_api_response"`
	Endpoint             string   `json:"endpoint,omitempty" bson:"endpoint,omitempty"`
}

// Feedback is the user rating applied to a message after the fact.
type Feedback struct {
	Score   int    `json:"score"`
	Rating  int    `json:"rating"`
	Text    string `json:"text"`
	Flagged bool   `json:"flagged"`
}
