package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/wuwenbin0122/dalsi-gateway/internal/models"
	"github.com/wuwenbin0122/dalsi-gateway/internal/utils"
	"go.uber.org/zap"
)

const healthEndpoint = "/dalsiai/health"

// DalsiClient calls the DalSi generation API and streams its answer.
type DalsiClient struct {
	baseURL      string
	apiKey       string
	client       httpDoer
	streamClient httpDoer
	logger       *zap.SugaredLogger
}

// HealthStatus is the decoded body of the upstream health endpoint.
type HealthStatus struct {
	Status    string          `json:"status"`
	LatencyMs int64           `json:"latency_ms"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

func NewDalsiClient(cfg utils.DalsiAPIConfig, logger *zap.SugaredLogger) *DalsiClient {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = "https://api.neodalsi.com"
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = dalsiHTTPTimeout
	}

	// Streams may outlive the plain request timeout; the caller's context bounds
	// them, and only the wait for response headers is capped here.
	streamTransport := http.DefaultTransport.(*http.Transport).Clone()
	streamTransport.ResponseHeaderTimeout = timeout

	return &DalsiClient{
		baseURL:      base,
		apiKey:       strings.TrimSpace(cfg.APIKey),
		client:       newHTTPClientWithTimeout(timeout),
		streamClient: &http.Client{Transport: streamTransport},
		logger:       logger,
	}
}

// WithHTTPClient replaces both underlying clients. Used by tests.
func (c *DalsiClient) WithHTTPClient(doer httpDoer) *DalsiClient {
	c.client = doer
	c.streamClient = doer
	return c
}

// Generate sends req to the endpoint of its service and relays streamed tokens to
// onToken in order. The returned result carries the continuation token, if any.
func (c *DalsiClient) Generate(ctx context.Context, req models.GenerateRequest, onToken func(string)) (*models.GenerationResult, error) {
	if strings.TrimSpace(req.Message) == "" && req.ImageDataURL == "" {
		return nil, fmt.Errorf("message cannot be empty")
	}

	payload := BuildGeneratePayload(req)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal generate payload: %w", err)
	}

	endpoint := c.baseURL + EndpointForService(req.ServiceType)
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create generate request: %w", err)
	}

	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "text/event-stream, application/json")
	c.setAuth(request)

	c.logger.Debugw("dalsi generate", "endpoint", endpoint, "model", payload.Model, "continuation", payload.ChatID != "")

	response, err := c.streamClient.Do(request)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(response.Body, 64*1024))
		return nil, buildDalsiAPIError(response.StatusCode, respBody)
	}

	var result *models.GenerationResult
	if isEventStream(response.Header.Get("Content-Type")) {
		result, err = readEventStream(response.Body, onToken)
	} else {
		var respBody []byte
		respBody, err = io.ReadAll(response.Body)
		if err == nil {
			result, err = decodeJSONResponse(respBody, onToken)
		}
	}
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}

	if result.Metadata.Service == "" {
		result.Metadata.Service = strings.TrimSpace(req.ServiceType)
	}
	if result.Metadata.Model == "" {
		result.Metadata.Model = payload.Model
	}

	return result, nil
}

// HealthCheck calls the upstream health endpoint.
func (c *DalsiClient) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create health request: %w", err)
	}
	c.setAuth(request)

	started := time.Now()
	response, err := c.client.Do(request)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer response.Body.Close()

	respBody, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("read health response: %w", err)
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return nil, buildDalsiAPIError(response.StatusCode, respBody)
	}

	status := &HealthStatus{Status: "ok", LatencyMs: time.Since(started).Milliseconds()}
	var decoded struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(respBody, &decoded); err == nil {
		if s := strings.TrimSpace(decoded.Status); s != "" {
			status.Status = s
		}
		status.Raw = json.RawMessage(respBody)
	}

	return status, nil
}

func (c *DalsiClient) setAuth(request *http.Request) {
	if c.apiKey != "" {
		request.Header.Set("X-API-Key", c.apiKey)
	}
}

func isEventStream(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "text/event-stream"
}

// classifyTransportError keeps caller cancellation as is and tags timeouts.
func classifyTransportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", ErrTimeout, ctxErr)
		}
		return ctxErr
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}

	return fmt.Errorf("call dalsi api: %w", err)
}
