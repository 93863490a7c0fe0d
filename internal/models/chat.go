package models

import "time"

// ChatMetadata is the per-conversation continuation blob stored on the chat row.
type ChatMetadata struct {
	APIChatID   string    `json:"api_chat_id" bson:"api_chat_id"`
	Endpoint    string    `json:"endpoint" bson:"endpoint"`
	ServiceType string    `json:"service_type" bson:"service_type"`
	LastUpdated time.Time `json:"last_updated" bson:"last_updated"`
}

// SameContinuation reports whether two blobs point at the same server-side exchange.
func (m ChatMetadata) SameContinuation(other ChatMetadata) bool {
	return m.APIChatID == other.APIChatID && m.Endpoint == other.Endpoint && m.ServiceType == other.ServiceType
}

type ConversationStats struct {
	TotalMessages     int      `json:"total_messages"`
	TotalTokens       int      `json:"total_tokens"`
	AvgResponseTimeMs float64  `json:"avg_response_time"`
	ServicesUsed      []string `json:"services_used"`
}

// APIUsageLog records one call to the generation backend.
type APIUsageLog struct {
	ID               string            `json:"id" bson:"_id"`
	UserID           string            `json:"user_id" bson:"user_id"`
	Endpoint         string            `json:"endpoint" bson:"endpoint"`
	Method           string            `json:"method" bson:"method"`
	StatusCode       int               `json:"status_code" bson:"status_code"`
	RequestMetadata  RequestMetadata   `json:"request_metadata" bson:"request_metadata"`
	ResponseMetadata UsageResponseMeta `json:"response_metadata" bson:"response_metadata"`
	TokensUsed       int               `json:"tokens_used" bson:"tokens_used"`
	CostUSD          float64           `json:"cost_usd" bson:"cost_usd"`
	CreatedAt        time.Time         `json:"created_at" bson:"created_at"`
}

type RequestMetadata struct {
	ChatID         string `json:"chat_id,omitempty" bson:"chat_id,omitempty"`
	MessageLength  int    `json:"message_length" bson:"message_length"`
	IsContinuation bool   `json:"is_continuation" bson:"is_continuation"`
}

type UsageResponseMeta struct {
	APIChatID      string `json:"api_chat_id,omitempty" bson:"api_chat_id,omitempty"`
	IsContinuation bool   `json:"is_continuation" bson:"is_continuation"`
	Model          string `json:"model,omitempty" bson:"model,omitempty"`
	Service        string `json:"service,omitempty" bson:"service,omitempty"`
}
