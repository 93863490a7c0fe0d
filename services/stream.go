package services

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/wuwenbin0122/dalsi-gateway/internal/models"
)

const (
	sseDataPrefix  = "data:"
	sseDoneMarker  = "[DONE]"
	maxStreamFrame = 1 << 20
)

// wireResponse covers both the streamed frames and the plain JSON answer.
type wireResponse struct {
	Token             string          `json:"token,omitempty"`
	Done              bool            `json:"done,omitempty"`
	Content           string          `json:"content,omitempty"`
	Response          string          `json:"response,omitempty"`
	Text              string          `json:"text,omitempty"`
	Error             string          `json:"error,omitempty"`
	Code              string          `json:"code,omitempty"`
	ChatID            string          `json:"chat_id,omitempty"`
	IsContinuation    bool            `json:"is_continuation,omitempty"`
	IsComplete        *bool           `json:"is_complete,omitempty"`
	CompletenessScore float64         `json:"completeness_score,omitempty"`
	MissingElements   []string        `json:"missing_elements,omitempty"`
	FollowupQuestions []string        `json:"followup_questions,omitempty"`
	References        []models.Source `json:"references,omitempty"`
	Sources           []models.Source `json:"sources,omitempty"`
	Model             string          `json:"model,omitempty"`
	Service           string          `json:"service,omitempty"`
	Timestamp         string          `json:"timestamp,omitempty"`
	TokensUsed        int             `json:"tokens_used,omitempty"`
	ProcessingTimeMs  int             `json:"processing_time_ms,omitempty"`
	CostUSD           float64         `json:"cost_usd,omitempty"`
	Metadata          *struct {
		APIChatID string `json:"api_chat_id,omitempty"`
	} `json:"metadata,omitempty"`
}

func (w wireResponse) text() string {
	switch {
	case w.Content != "":
		return w.Content
	case w.Response != "":
		return w.Response
	default:
		return w.Text
	}
}

// continuationToken reads chat_id, falling back to metadata.api_chat_id.
func (w wireResponse) continuationToken() string {
	if token := strings.TrimSpace(w.ChatID); token != "" {
		return token
	}
	if w.Metadata != nil {
		return strings.TrimSpace(w.Metadata.APIChatID)
	}
	return ""
}

func (w wireResponse) toResult(content string, raw []byte) *models.GenerationResult {
	sources := w.Sources
	if len(sources) == 0 {
		sources = w.References
	}

	isComplete := true
	if w.IsComplete != nil {
		isComplete = *w.IsComplete
	}

	return &models.GenerationResult{
		Content: content,
		Sources: sources,
		Metadata: models.ResponseMetadata{
			ContinuationToken: w.continuationToken(),
			IsContinuation:    w.IsContinuation,
			IsComplete:        isComplete,
			CompletenessScore: w.CompletenessScore,
			MissingElements:   w.MissingElements,
			FollowupQuestions: w.FollowupQuestions,
			References:        w.References,
			Model:             w.Model,
			Service:           w.Service,
			Timestamp:         w.Timestamp,
			TokensUsed:        w.TokensUsed,
			ProcessingTimeMs:  w.ProcessingTimeMs,
			CostUSD:           w.CostUSD,
		},
		Raw: json.RawMessage(raw),
	}
}

// readEventStream consumes "data:" frames until the terminator, handing each
// token to onToken in arrival order. A stream that ends without a done frame or
// the [DONE] marker was cut off and is an error.
func readEventStream(body io.Reader, onToken func(string)) (*models.GenerationResult, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamFrame)

	var (
		content    strings.Builder
		final      *wireResponse
		raw        []byte
		terminated bool
	)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, sseDataPrefix) {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, sseDataPrefix))
		if data == "" {
			continue
		}
		if data == sseDoneMarker {
			terminated = true
			break
		}

		var frame wireResponse
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			return nil, fmt.Errorf("decode stream frame: %w", err)
		}

		if frame.Error != "" {
			code := frame.Code
			if code == "" {
				code = "STREAM_ERROR"
			}
			return nil, &APIError{StatusCode: 0, Code: code, Message: frame.Error}
		}

		if frame.Token != "" {
			content.WriteString(frame.Token)
			if onToken != nil {
				onToken(frame.Token)
			}
		}

		if frame.Done {
			f := frame
			final = &f
			raw = bytes.Clone([]byte(data))
			terminated = true
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if !terminated {
		return nil, fmt.Errorf("dalsi: stream ended before completion: %w", io.ErrUnexpectedEOF)
	}

	if final == nil {
		final = &wireResponse{}
	}

	text := final.text()
	if text == "" {
		text = content.String()
	}

	return final.toResult(text, raw), nil
}

// decodeJSONResponse handles servers that answer a generate call without streaming.
// The whole content is delivered to onToken as a single token.
func decodeJSONResponse(body []byte, onToken func(string)) (*models.GenerationResult, error) {
	var resp wireResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode generate response: %w", err)
	}

	text := resp.text()
	if text != "" && onToken != nil {
		onToken(text)
	}

	return resp.toResult(text, body), nil
}
