package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/wuwenbin0122/dalsi-gateway/internal/auth"
	"github.com/wuwenbin0122/dalsi-gateway/internal/chatstore"
	"github.com/wuwenbin0122/dalsi-gateway/internal/continuation"
	"github.com/wuwenbin0122/dalsi-gateway/internal/db"
	"github.com/wuwenbin0122/dalsi-gateway/internal/diagnostics"
	"github.com/wuwenbin0122/dalsi-gateway/internal/dispatch"
	"github.com/wuwenbin0122/dalsi-gateway/internal/models"
	"github.com/wuwenbin0122/dalsi-gateway/internal/ratelimit"
	"github.com/wuwenbin0122/dalsi-gateway/services"
)

type stubTransport struct {
	mu       sync.Mutex
	requests []models.GenerateRequest
	err      error
}

func (s *stubTransport) Generate(ctx context.Context, req models.GenerateRequest, onToken func(string)) (*models.GenerationResult, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	err := s.err
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}

	onToken("Hel")
	onToken("lo")
	return &models.GenerationResult{
		Content: "Hello",
		Metadata: models.ResponseMetadata{
			ContinuationToken: "upstream-chat-1",
			IsComplete:        true,
			Model:             req.ModelID,
			Service:           req.ServiceType,
		},
	}, nil
}

func (s *stubTransport) last() models.GenerateRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

type stubUpstream struct {
	err error
}

func (s stubUpstream) HealthCheck(context.Context) (*services.HealthStatus, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &services.HealthStatus{Status: "healthy", LatencyMs: 12}, nil
}

type stubKeys struct {
	mu      sync.Mutex
	keys    []models.APIKey
	findErr error
}

func (s *stubKeys) Create(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key.ID = "key-" + key.KeyPrefix
	s.keys = append(s.keys, *key)
	return nil
}

func (s *stubKeys) ListForUser(_ context.Context, userID string) ([]models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.APIKey
	for _, key := range s.keys {
		if key.UserID == userID {
			out = append(out, key)
		}
	}
	return out, nil
}

func (s *stubKeys) Deactivate(_ context.Context, userID, id string) error {
	return errors.New("not implemented")
}

func (s *stubKeys) FindByHash(_ context.Context, hash string) (*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	for i := range s.keys {
		if s.keys[i].KeyHash == hash && s.keys[i].IsActive {
			key := s.keys[i]
			return &key, nil
		}
	}
	return nil, db.ErrAPIKeyNotFound
}

func (s *stubKeys) RecordUsage(_ context.Context, id string, tokens int, _ float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.keys {
		if s.keys[i].ID == id {
			s.keys[i].TotalRequests++
			s.keys[i].TotalTokensUsed += int64(tokens)
		}
	}
	return nil
}

func (s *stubKeys) requests(id string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range s.keys {
		if key.ID == id {
			return key.TotalRequests
		}
	}
	return -1
}

type testEnv struct {
	router     *gin.Engine
	transport  *stubTransport
	store      *chatstore.MemoryStore
	side       *dispatch.SideChannel
	auth       *auth.Service
	keys       *stubKeys
	dispatcher *dispatch.Dispatcher
}

func setupTestRouter(t *testing.T, limiter ratelimit.Limiter) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	authService, err := auth.NewService("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("failed to create auth service: %v", err)
	}

	store := chatstore.NewMemoryStore()
	collector := diagnostics.NewCollector(true, 50, 10)
	side := dispatch.NewSideChannel(store, collector, nil, dispatch.SideChannelOptions{QueueSize: 32, Workers: 1, Timeout: time.Second})
	t.Cleanup(func() { _ = side.Close(context.Background()) })

	transport := &stubTransport{}
	keys := &stubKeys{}
	dispatcher := dispatch.NewDispatcher(transport, continuation.NewRegistry(), side, nil)
	handler := NewHandler(Dependencies{
		Auth:        authService,
		Dispatcher:  dispatcher,
		Store:       store,
		APIKeys:     keys,
		Diagnostics: collector,
		Limiter:     limiter,
		Upstream:    stubUpstream{},
	})
	router := gin.New()
	handler.RegisterRoutes(router)

	return &testEnv{router: router, transport: transport, store: store, side: side, auth: authService, keys: keys, dispatcher: dispatcher}
}

func TestAuthRegisterAndLogin(t *testing.T) {
	env := setupTestRouter(t, nil)

	registerBody := map[string]string{
		"username": "alice",
		"email":    "alice@example.com",
		"password": "secret123",
	}

	rec := httptest.NewRecorder()
	req := newJSONRequest(t, http.MethodPost, "/api/auth/register", registerBody)
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", rec.Code)
	}

	var registerResp map[string]any
	decodeBody(t, rec.Body.Bytes(), &registerResp)
	if registerResp["token"] == "" {
		t.Fatalf("expected token in registration response")
	}

	rec = httptest.NewRecorder()
	req = newJSONRequest(t, http.MethodPost, "/api/auth/register", registerBody)
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected status 409 on duplicate, got %d", rec.Code)
	}

	loginBody := map[string]string{
		"identifier": "alice",
		"password":   "secret123",
	}

	rec = httptest.NewRecorder()
	req = newJSONRequest(t, http.MethodPost, "/api/auth/login", loginBody)
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var loginResp map[string]any
	decodeBody(t, rec.Body.Bytes(), &loginResp)
	if loginResp["token"] == "" {
		t.Fatalf("expected token in login response")
	}

	rec = httptest.NewRecorder()
	req = newJSONRequest(t, http.MethodPost, "/api/auth/login", map[string]string{"identifier": "alice", "password": "wrong"})
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 for bad password, got %d", rec.Code)
	}
}

func TestSendStreamsEvents(t *testing.T) {
	env := setupTestRouter(t, nil)

	body := map[string]any{
		"message":         "Explain photosynthesis",
		"conversation_id": "conv-1",
		"service_type":    "healthcare",
	}

	rec := httptest.NewRecorder()
	req := newJSONRequest(t, http.MethodPost, "/api/chat/send", body)
	req.Header.Set(headerSessionID, "guest-1")
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("expected event stream content type, got %q", ct)
	}

	stream := rec.Body.String()
	tokenAt := strings.Index(stream, "event:token")
	completeAt := strings.Index(stream, "event:complete")
	if tokenAt < 0 || completeAt < 0 || tokenAt > completeAt {
		t.Fatalf("expected token events before complete event, got %q", stream)
	}
	if strings.Contains(stream, "event:error") {
		t.Fatalf("unexpected error event in %q", stream)
	}
	if !strings.Contains(stream, "upstream-chat-1") {
		t.Fatalf("expected continuation token in complete metadata, got %q", stream)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/chat/conv-1/continuation", nil)
	req.Header.Set(headerSessionID, "guest-1")
	env.router.ServeHTTP(rec, req)

	var stats struct {
		Session dispatch.Stats `json:"session"`
	}
	decodeBody(t, rec.Body.Bytes(), &stats)
	if !stats.Session.HasToken || stats.Session.Token != "upstream-chat-1" {
		t.Fatalf("expected cached token, got %+v", stats.Session)
	}

	// A follow-up keyword in the same session reuses the cached token.
	body["message"] = "continue"
	rec = httptest.NewRecorder()
	req = newJSONRequest(t, http.MethodPost, "/api/chat/send", body)
	req.Header.Set(headerSessionID, "guest-1")
	env.router.ServeHTTP(rec, req)
	if got := env.transport.last().ContinuationToken; got != "upstream-chat-1" {
		t.Fatalf("expected continuation token on follow-up, got %q", got)
	}

	// Another guest session does not see it.
	rec = httptest.NewRecorder()
	req = newJSONRequest(t, http.MethodPost, "/api/chat/send", body)
	req.Header.Set(headerSessionID, "guest-2")
	env.router.ServeHTTP(rec, req)
	if got := env.transport.last().ContinuationToken; got != "" {
		t.Fatalf("expected no token for a different session, got %q", got)
	}
}

func TestSendValidationAndUpstreamError(t *testing.T) {
	env := setupTestRouter(t, nil)

	rec := httptest.NewRecorder()
	req := newJSONRequest(t, http.MethodPost, "/api/chat/send", map[string]any{"conversation_id": "conv-1"})
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for empty message, got %d", rec.Code)
	}

	env.transport.err = &services.APIError{StatusCode: http.StatusTooManyRequests}
	rec = httptest.NewRecorder()
	req = newJSONRequest(t, http.MethodPost, "/api/chat/send", map[string]any{"message": "hi", "conversation_id": "conv-1"})
	env.router.ServeHTTP(rec, req)

	stream := rec.Body.String()
	if !strings.Contains(stream, "event:error") || strings.Contains(stream, "event:complete") {
		t.Fatalf("expected a single error event, got %q", stream)
	}
	if !strings.Contains(stream, "429") {
		t.Fatalf("expected rate limit status in error event, got %q", stream)
	}
}

func TestHistoryAndFeedback(t *testing.T) {
	env := setupTestRouter(t, nil)

	rec := httptest.NewRecorder()
	req := newJSONRequest(t, http.MethodPost, "/api/chat/send", map[string]any{"message": "hi", "conversation_id": "conv-9"})
	env.router.ServeHTTP(rec, req)

	if err := env.side.Close(context.Background()); err != nil {
		t.Fatalf("drain side channel: %v", err)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/chat/conv-9/messages?limit=10", nil)
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var history struct {
		Messages []models.MessageRecord `json:"messages"`
	}
	decodeBody(t, rec.Body.Bytes(), &history)
	if len(history.Messages) != 2 {
		t.Fatalf("expected user and assistant messages, got %d", len(history.Messages))
	}
	if history.Messages[0].Sender != models.SenderUser || history.Messages[1].Sender != models.SenderAssistant {
		t.Fatalf("expected oldest-first order, got %s then %s", history.Messages[0].Sender, history.Messages[1].Sender)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/chat/conv-9/messages?limit=abc", nil)
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for bad limit, got %d", rec.Code)
	}

	path := "/api/messages/" + history.Messages[1].ID + "/feedback"
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, newJSONRequest(t, http.MethodPost, path, map[string]any{"score": 1, "rating": 5}))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, newJSONRequest(t, http.MethodPost, path, map[string]any{"score": 3}))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for invalid score, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, newJSONRequest(t, http.MethodPost, "/api/messages/missing/feedback", map[string]any{"score": 1}))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 for unknown message, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/chat/conv-9/statistics", nil))
	var stats models.ConversationStats
	decodeBody(t, rec.Body.Bytes(), &stats)
	if stats.TotalMessages != 2 {
		t.Fatalf("expected 2 messages in statistics, got %d", stats.TotalMessages)
	}
}

func TestLogoutDropsSessionState(t *testing.T) {
	env := setupTestRouter(t, nil)

	result, err := env.auth.Register(context.Background(), auth.RegisterInput{Username: "bob", Password: "secret123"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	bearer := "Bearer " + result.Token

	req := newJSONRequest(t, http.MethodPost, "/api/chat/send", map[string]any{"message": "hi", "conversation_id": "conv-1"})
	req.Header.Set("Authorization", bearer)
	env.router.ServeHTTP(httptest.NewRecorder(), req)

	rec := httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	req.Header.Set("Authorization", bearer)
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/chat/conv-1/continuation", nil)
	req.Header.Set("Authorization", bearer)
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected revoked token to be rejected, got %d", rec.Code)
	}

	second, err := env.auth.Login(context.Background(), auth.LoginInput{Identifier: "bob", Password: "secret123"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/chat/conv-1/continuation", nil)
	req.Header.Set("Authorization", "Bearer "+second.Token)
	env.router.ServeHTTP(rec, req)

	var stats struct {
		Session dispatch.Stats `json:"session"`
	}
	decodeBody(t, rec.Body.Bytes(), &stats)
	if stats.Session.HasToken {
		t.Fatalf("expected continuation state to be dropped on logout")
	}
}

func TestAPIKeysRequireUser(t *testing.T) {
	env := setupTestRouter(t, nil)

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, newJSONRequest(t, http.MethodPost, "/api/keys", map[string]string{"name": "ci"}))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 without token, got %d", rec.Code)
	}

	result, err := env.auth.Register(context.Background(), auth.RegisterInput{Username: "carol", Password: "secret123"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	rec = httptest.NewRecorder()
	req := newJSONRequest(t, http.MethodPost, "/api/keys", map[string]string{"name": "ci"})
	req.Header.Set("Authorization", "Bearer "+result.Token)
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", rec.Code)
	}

	var created map[string]any
	decodeBody(t, rec.Body.Bytes(), &created)
	key, _ := created["key"].(string)
	if !strings.HasPrefix(key, "sk-dalsi-") {
		t.Fatalf("expected plaintext key in response, got %q", key)
	}
	if strings.Contains(rec.Body.String(), auth.HashAPIKey(key)) {
		t.Fatalf("key hash must not be exposed")
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/keys", nil)
	req.Header.Set("Authorization", "Bearer "+result.Token)
	env.router.ServeHTTP(rec, req)

	var listed struct {
		Keys []models.APIKey `json:"keys"`
	}
	decodeBody(t, rec.Body.Bytes(), &listed)
	if len(listed.Keys) != 1 || listed.Keys[0].Name != "ci" {
		t.Fatalf("expected one listed key, got %+v", listed.Keys)
	}

	rec = httptest.NewRecorder()
	req = newJSONRequest(t, http.MethodPost, "/api/chat/send", map[string]any{"message": "hi", "conversation_id": "conv-k"})
	req.Header.Set(headerAPIKey, key)
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected api key to authenticate, got %d", rec.Code)
	}
	if got := env.keys.requests(listed.Keys[0].ID); got != 1 {
		t.Fatalf("expected one recorded request on the key, got %d", got)
	}

	rec = httptest.NewRecorder()
	req = newJSONRequest(t, http.MethodPost, "/api/chat/send", map[string]any{"message": "hi", "conversation_id": "conv-k"})
	req.Header.Set(headerAPIKey, "sk-dalsi-unknown")
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected unknown api key to be rejected, got %d", rec.Code)
	}
}

func TestChatRateLimit(t *testing.T) {
	env := setupTestRouter(t, ratelimit.NewMemoryLimiter(1, time.Minute))

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/chat/conv-1/continuation", nil)
		req.Header.Set(headerSessionID, "guest-1")
		env.router.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Fatalf("request %d: expected status %d, got %d", i, want, rec.Code)
		}
	}
}

func TestGuestsWithoutSessionShareAddressLimit(t *testing.T) {
	env := setupTestRouter(t, ratelimit.NewMemoryLimiter(2, time.Minute))

	limited := 0
	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/chat/x/continuation", nil))
		if rec.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	if limited != 8 {
		t.Fatalf("expected 8 limited requests from one address, got %d", limited)
	}
}

func TestReadOnlyRoutesDoNotCreateSessions(t *testing.T) {
	env := setupTestRouter(t, nil)

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/chat/x/continuation", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rec.Code)
		}
		rec = httptest.NewRecorder()
		env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/chat/x/continuation", nil))
		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected status 204, got %d", rec.Code)
		}
	}

	if got := env.dispatcher.ActiveSessions(); got != 0 {
		t.Fatalf("expected no sessions from read-only calls, got %d", got)
	}

	if dropped := env.dispatcher.PruneSessions(0, IsGuestSession); dropped != 0 {
		t.Fatalf("expected nothing to prune, got %d", dropped)
	}
}

func TestSendAcceptsImageWithoutText(t *testing.T) {
	env := setupTestRouter(t, nil)

	rec := httptest.NewRecorder()
	req := newJSONRequest(t, http.MethodPost, "/api/chat/send", map[string]any{
		"conversation_id": "conv-img",
		"image_data_url":  "data:image/png;base64,iVBORw0KGgo=",
	})
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "event:complete") {
		t.Fatalf("expected complete event, got %q", rec.Body.String())
	}
	if got := env.transport.last().ImageDataURL; got == "" {
		t.Fatalf("expected image to reach the transport")
	}
}

func TestAPIKeyLookupFailure(t *testing.T) {
	env := setupTestRouter(t, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/chat/x/continuation", nil)
	req.Header.Set(headerAPIKey, "sk-dalsi-unknown")
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 for unknown key, got %d", rec.Code)
	}

	env.keys.findErr = errors.New("connection refused")
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/chat/x/continuation", nil)
	req.Header.Set(headerAPIKey, "sk-dalsi-unknown")
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503 when the key store fails, got %d", rec.Code)
	}
}

func TestHealthAndDiagnostics(t *testing.T) {
	env := setupTestRouter(t, nil)

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var health map[string]any
	decodeBody(t, rec.Body.Bytes(), &health)
	if health["status"] != "ok" {
		t.Fatalf("expected ok status, got %v", health["status"])
	}

	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/diagnostics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if rec.Header().Get(headerRequestID) == "" {
		t.Fatalf("expected request id header")
	}

	var snapshot map[string]any
	decodeBody(t, rec.Body.Bytes(), &snapshot)
	if _, ok := snapshot["side_channel"]; !ok {
		t.Fatalf("expected side channel stats in diagnostics")
	}

	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/diagnostics/reset", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected reset to require a user, got %d", rec.Code)
	}
}

func TestStreamWebsocket(t *testing.T) {
	env := setupTestRouter(t, nil)
	server := httptest.NewServer(env.router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/chat/ws?session_id=ws-guest"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	var ready map[string]any
	if err := conn.ReadJSON(&ready); err != nil || ready["type"] != "ready" {
		t.Fatalf("expected ready event, got %v (%v)", ready, err)
	}

	if err := conn.WriteJSON(map[string]any{"type": "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	var pong map[string]any
	if err := conn.ReadJSON(&pong); err != nil || pong["type"] != "pong" {
		t.Fatalf("expected pong, got %v (%v)", pong, err)
	}

	err = conn.WriteJSON(map[string]any{
		"type":            "send",
		"request_id":      "r1",
		"message":         "hello",
		"conversation_id": "conv-ws",
	})
	if err != nil {
		t.Fatalf("write send: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var tokens []string
	for {
		var event map[string]any
		if err := conn.ReadJSON(&event); err != nil {
			t.Fatalf("read event: %v", err)
		}
		if event["request_id"] != "r1" {
			t.Fatalf("expected request id r1, got %v", event["request_id"])
		}
		if event["type"] == "token" {
			tokens = append(tokens, event["token"].(string))
			continue
		}
		if event["type"] != "complete" {
			t.Fatalf("expected complete event, got %v", event)
		}
		if event["content"] != "Hello" {
			t.Fatalf("expected final content Hello, got %v", event["content"])
		}
		break
	}
	if strings.Join(tokens, "") != "Hello" {
		t.Fatalf("expected tokens to concatenate to Hello, got %v", tokens)
	}
}

func TestStatusFromError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{dispatch.ErrMessageRequired, http.StatusBadRequest},
		{&services.APIError{StatusCode: http.StatusTooManyRequests}, http.StatusTooManyRequests},
		{&services.APIError{StatusCode: http.StatusInternalServerError}, http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{services.ErrTimeout, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusBadGateway},
	}
	for _, tc := range cases {
		if got := statusFromError(tc.err); got != tc.want {
			t.Errorf("statusFromError(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func newJSONRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal body: %v", err)
	}

	req, err := http.NewRequest(method, path, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeBody(t *testing.T, body []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(body, v); err != nil {
		t.Fatalf("failed to decode body: %v (%s)", err, string(body))
	}
}
