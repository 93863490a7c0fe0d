package models

import "encoding/json"

// Source is a citation returned alongside generated content.
type Source struct {
	Title   string `json:"title,omitempty" bson:"title,omitempty"`
	URL     string `json:"url,omitempty" bson:"url,omitempty"`
	Snippet string `json:"snippet,omitempty" bson:"snippet,omitempty"`
}

// ResponseMetadata is the bookkeeping the generation backend attaches to a final answer.
type ResponseMetadata struct {
	ContinuationToken string   `json:"chat_id,omitempty" bson:"api_chat_id,omitempty"`
	IsContinuation    bool     `json:"is_continuation" bson:"is_continuation"`
	IsComplete        bool     `json:"is_complete" bson:"is_complete"`
	CompletenessScore float64  `json:"completeness_score" bson:"completeness_score"`
	MissingElements   []string `json:"missing_elements,omitempty" bson:"missing_elements,omitempty"`
	FollowupQuestions []string `json:"followup_questions,omitempty" bson:"followup_questions,omitempty"`
	References        []Source `json:"references,omitempty" bson:"references,omitempty"`
	Model             string   `json:"model,omitempty" bson:"model,omitempty"`
	Service           string   `json:"service,omitempty" bson:"service,omitempty"`
	Timestamp         string   `json:"timestamp,omitempty" bson:"response_timestamp,omitempty"`
	TokensUsed        int      `json:"tokens_used,omitempty" bson:"tokens_used,omitempty"`
	ProcessingTimeMs  int      `json:"processing_time_ms,omitempty" bson:"processing_time_ms,omitempty"`
	CostUSD           float64  `json:"cost_usd,omitempty" bson:"cost_usd,omitempty"`
}

// GenerateRequest is what the dispatcher hands to the generation transport.
// An empty ContinuationToken means the request is a fresh turn and no chat id is sent.
type GenerateRequest struct {
	Message           string
	ImageDataURL      string
	ModelID           string
	ServiceType       string
	MaxLength         int
	ContinuationToken string
	GradeLevel        string
}

// GenerationResult is the settled value of one generation call.
type GenerationResult struct {
	Content  string           `json:"content"`
	Sources  []Source         `json:"sources,omitempty"`
	Metadata ResponseMetadata `json:"metadata"`
	Raw      json.RawMessage  `json:"raw,omitempty"`
}
