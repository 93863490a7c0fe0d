package services

import (
	"regexp"
	"strings"

	"github.com/wuwenbin0122/dalsi-gateway/internal/models"
)

const (
	defaultModel     = "general"
	defaultMaxTokens = 2048
)

var cityPattern = regexp.MustCompile(`(?i)in\s+(\w+)`)

// EndpointForService maps a service type to its DalSi generate path.
func EndpointForService(serviceType string) string {
	switch strings.ToLower(strings.TrimSpace(serviceType)) {
	case "healthcare":
		return "/dalsiai/healthcare/generate"
	case "edu", "education":
		return "/dalsiai/edu/generate"
	case "supercoder", "code":
		return "/dalsiai/supercoder/generate"
	case "weathersense", "weather":
		return "/dalsiai/weathersense/generate"
	default:
		return "/dalsiai/generate"
	}
}

// GeneratePayload is the JSON body of a DalSi generate call.
type GeneratePayload struct {
	Prompt     string `json:"prompt"`
	Model      string `json:"model"`
	MaxTokens  int    `json:"max_tokens"`
	Mode       string `json:"mode"`
	UseHistory bool   `json:"use_history"`
	ChatID     string `json:"chat_id,omitempty"`
	Image      string `json:"image,omitempty"`
	GradeLevel string `json:"grade_level,omitempty"`
	City       string `json:"city,omitempty"`
}

// BuildGeneratePayload shapes req for the endpoint of its service. The chat id
// is carried only for continuation turns.
func BuildGeneratePayload(req models.GenerateRequest) GeneratePayload {
	model := strings.TrimSpace(req.ModelID)
	if model == "" {
		model = defaultModel
	}
	maxTokens := req.MaxLength
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	payload := GeneratePayload{
		Prompt:     req.Message,
		Model:      model,
		MaxTokens:  maxTokens,
		Mode:       "chat",
		UseHistory: true,
		ChatID:     strings.TrimSpace(req.ContinuationToken),
		Image:      req.ImageDataURL,
	}

	switch EndpointForService(req.ServiceType) {
	case "/dalsiai/edu/generate":
		payload.GradeLevel = strings.TrimSpace(req.GradeLevel)
	case "/dalsiai/weathersense/generate":
		payload.City = extractCity(req.Message)
	}

	return payload
}

func extractCity(message string) string {
	match := cityPattern.FindStringSubmatch(message)
	if len(match) < 2 {
		return ""
	}
	return match[1]
}
