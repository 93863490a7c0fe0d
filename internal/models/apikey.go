package models

import (
	"time"

	"github.com/lib/pq"
)

// APIKey is a hashed credential for programmatic access to the generation endpoints.
// The plaintext key is only ever shown once, at creation time.
type APIKey struct {
	ID                 string         `json:"id" gorm:"primaryKey;type:text"`
	UserID             string         `json:"user_id" gorm:"type:text;index;not null"`
	KeyHash            string         `json:"-" gorm:"type:text;uniqueIndex;not null"`
	KeyPrefix          string         `json:"key_prefix" gorm:"type:text;not null"`
	Name               string         `json:"name" gorm:"type:text;not null;default:''"`
	IsActive           bool           `json:"is_active" gorm:"not null;default:true"`
	Scopes             pq.StringArray `json:"scopes" gorm:"type:text[]"`
	SubscriptionTier   string         `json:"subscription_tier" gorm:"type:text;not null;default:'free'"`
	RateLimitPerMinute int            `json:"rate_limit_per_minute"`
	RateLimitPerHour   int            `json:"rate_limit_per_hour"`
	RateLimitPerDay    int            `json:"rate_limit_per_day"`
	TotalRequests      int64          `json:"total_requests"`
	TotalTokensUsed    int64          `json:"total_tokens_used"`
	TotalCostUSD       float64        `json:"total_cost_usd"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

func (APIKey) TableName() string {
	return "api_keys"
}
