package dispatch_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wuwenbin0122/dalsi-gateway/internal/chatstore"
	"github.com/wuwenbin0122/dalsi-gateway/internal/continuation"
	"github.com/wuwenbin0122/dalsi-gateway/internal/diagnostics"
	"github.com/wuwenbin0122/dalsi-gateway/internal/dispatch"
	"github.com/wuwenbin0122/dalsi-gateway/internal/models"
)

type fakeTransport struct {
	mu       sync.Mutex
	requests []models.GenerateRequest
	tokens   []string
	result   *models.GenerationResult
	err      error
	block    bool
}

func (f *fakeTransport) Generate(ctx context.Context, req models.GenerateRequest, onToken func(string)) (*models.GenerationResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	tokens, result, err, block := f.tokens, f.result, f.err, f.block
	f.mu.Unlock()

	for _, tok := range tokens {
		onToken(tok)
	}
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return result, err
}

func (f *fakeTransport) last() models.GenerateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func (f *fakeTransport) respond(content, token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = nil
	f.result = &models.GenerationResult{
		Content: content,
		Sources: []models.Source{{Title: "ref"}},
		Metadata: models.ResponseMetadata{
			ContinuationToken: token,
			Model:             "general",
			Service:           "general",
			IsComplete:        true,
			CompletenessScore: 0.9,
			Timestamp:         "2024-01-01T00:00:00Z",
		},
	}
}

type recorder struct {
	tokens    []string
	completes int
	errs      []error
	content   string
}

func (r *recorder) callbacks() dispatch.Callbacks {
	return dispatch.Callbacks{
		OnToken: func(tok string) { r.tokens = append(r.tokens, tok) },
		OnComplete: func(content string, _ []models.Source, _ *models.GenerationResult) {
			r.completes++
			r.content = content
		},
		OnError: func(err error) { r.errs = append(r.errs, err) },
	}
}

func newOrchestrator(transport dispatch.Transport) (*dispatch.Orchestrator, *continuation.Cache) {
	cache := continuation.NewCache()
	return dispatch.NewOrchestrator(cache, transport, nil, nil), cache
}

func TestSendFreshTurnStoresToken(t *testing.T) {
	transport := &fakeTransport{tokens: []string{"Hel", "lo"}}
	transport.respond("Hello", "T1")
	orch, cache := newOrchestrator(transport)

	rec := &recorder{}
	result, err := orch.Send(context.Background(), dispatch.Request{Message: "What is photosynthesis?", ConversationID: "c1"}, rec.callbacks())
	if err != nil {
		t.Fatalf("send returned error: %v", err)
	}

	sent := transport.last()
	if sent.ContinuationToken != "" {
		t.Fatalf("expected no token on a fresh turn, got %q", sent.ContinuationToken)
	}
	if sent.ModelID != "general" || sent.ServiceType != "general" || sent.MaxLength != 2048 {
		t.Fatalf("expected defaults applied, got %+v", sent)
	}
	if strings.Join(rec.tokens, "") != "Hello" || rec.completes != 1 || len(rec.errs) != 0 {
		t.Fatalf("unexpected callbacks %+v", rec)
	}
	if result.Content != "Hello" {
		t.Fatalf("expected transport result to be returned")
	}
	if token, ok := cache.Get("c1"); !ok || token != "T1" {
		t.Fatalf("expected T1 cached, got %q", token)
	}
}

func TestSendContinuationUsesCachedToken(t *testing.T) {
	transport := &fakeTransport{}
	orch, cache := newOrchestrator(transport)
	cache.Set("c1", "T1", models.ResponseMetadata{})

	transport.respond("more text", "T2")
	rec := &recorder{}
	if _, err := orch.Send(context.Background(), dispatch.Request{Message: "continue", ConversationID: "c1"}, rec.callbacks()); err != nil {
		t.Fatalf("send returned error: %v", err)
	}

	if got := transport.last().ContinuationToken; got != "T1" {
		t.Fatalf("expected T1 sent, got %q", got)
	}
	if token, _ := orch.PeekToken("c1"); token != "T2" {
		t.Fatalf("expected T2 cached after continuation, got %q", token)
	}
}

func TestSendFreshQuestionWithCachedTokenOmitsToken(t *testing.T) {
	transport := &fakeTransport{}
	orch, cache := newOrchestrator(transport)
	cache.Set("c1", "T1", models.ResponseMetadata{})

	transport.respond("Paris", "T3")
	if _, err := orch.Send(context.Background(), dispatch.Request{Message: "What is the capital of France?", ConversationID: "c1"}, dispatch.Callbacks{}); err != nil {
		t.Fatalf("send returned error: %v", err)
	}

	if got := transport.last().ContinuationToken; got != "" {
		t.Fatalf("expected no token for a fresh question, got %q", got)
	}
	if token, _ := cache.Get("c1"); token != "T3" {
		t.Fatalf("expected T3 to overwrite the cache, got %q", token)
	}
}

func TestSendContinuationWithoutCachedToken(t *testing.T) {
	transport := &fakeTransport{}
	transport.respond("ok", "")
	orch, cache := newOrchestrator(transport)

	if _, err := orch.Send(context.Background(), dispatch.Request{Message: "tell me more", ConversationID: "c1"}, dispatch.Callbacks{}); err != nil {
		t.Fatalf("send returned error: %v", err)
	}
	if got := transport.last().ContinuationToken; got != "" {
		t.Fatalf("expected no token without a cached one, got %q", got)
	}
	if cache.Len() != 0 {
		t.Fatalf("expected response without token to leave cache empty")
	}
}

func TestSendErrorLeavesCacheUntouched(t *testing.T) {
	transport := &fakeTransport{tokens: []string{"partial"}, err: errors.New("upstream exploded")}
	orch, cache := newOrchestrator(transport)
	cache.Set("c1", "T1", models.ResponseMetadata{})

	rec := &recorder{}
	_, err := orch.Send(context.Background(), dispatch.Request{Message: "continue", ConversationID: "c1"}, rec.callbacks())
	if err == nil {
		t.Fatalf("expected error")
	}

	if len(rec.errs) != 1 || rec.completes != 0 {
		t.Fatalf("expected exactly one OnError and no OnComplete, got %+v", rec)
	}
	if len(rec.tokens) != 1 {
		t.Fatalf("expected tokens before the failure to be relayed, got %v", rec.tokens)
	}
	if token, _ := cache.Get("c1"); token != "T1" {
		t.Fatalf("expected cache untouched, got %q", token)
	}
	if len(transport.requests) != 1 {
		t.Fatalf("expected no retry, got %d calls", len(transport.requests))
	}
}

func TestSendNilResultIsAnError(t *testing.T) {
	orch, _ := newOrchestrator(&fakeTransport{})

	rec := &recorder{}
	_, err := orch.Send(context.Background(), dispatch.Request{Message: "hi", ConversationID: "c1"}, rec.callbacks())
	if !errors.Is(err, dispatch.ErrEmptyResponse) || len(rec.errs) != 1 {
		t.Fatalf("expected empty response error, got %v", err)
	}
}

func TestSendCancellation(t *testing.T) {
	transport := &fakeTransport{tokens: []string{"a"}, block: true}
	orch, _ := newOrchestrator(transport)

	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	done := make(chan error, 1)
	go func() {
		_, err := orch.Send(ctx, dispatch.Request{Message: "hi", ConversationID: "c1"}, rec.callbacks())
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("send did not observe cancellation")
	}
	if len(rec.errs) != 1 || rec.completes != 0 {
		t.Fatalf("expected a single OnError after cancel, got %+v", rec)
	}
}

func TestSendValidation(t *testing.T) {
	orch, _ := newOrchestrator(&fakeTransport{})

	rec := &recorder{}
	if _, err := orch.Send(context.Background(), dispatch.Request{Message: "hi"}, rec.callbacks()); !errors.Is(err, dispatch.ErrConversationRequired) {
		t.Fatalf("expected conversation required, got %v", err)
	}
	if _, err := orch.Send(context.Background(), dispatch.Request{Message: " ", ConversationID: "c1"}, rec.callbacks()); !errors.Is(err, dispatch.ErrMessageRequired) {
		t.Fatalf("expected message required, got %v", err)
	}
	if len(rec.errs) != 2 {
		t.Fatalf("expected OnError for each rejected request")
	}
}

func TestStatsAndClear(t *testing.T) {
	transport := &fakeTransport{}
	transport.respond("x", "T1")
	orch, _ := newOrchestrator(transport)

	if stats := orch.Stats("c1"); stats.HasToken {
		t.Fatalf("expected no token before any send")
	}

	if _, err := orch.Send(context.Background(), dispatch.Request{Message: "hi", ConversationID: "c1"}, dispatch.Callbacks{}); err != nil {
		t.Fatalf("send: %v", err)
	}

	stats := orch.Stats("c1")
	if !stats.HasToken || stats.Token != "T1" || stats.LastModel != "general" || !stats.IsComplete || stats.CompletenessScore != 0.9 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if last, ok := orch.PeekLastResponse("c1"); !ok || last.Timestamp == "" {
		t.Fatalf("expected last response metadata")
	}

	orch.Clear("c1")
	if _, ok := orch.PeekToken("c1"); ok {
		t.Fatalf("expected token cleared")
	}

	if _, err := orch.Send(context.Background(), dispatch.Request{Message: "hi", ConversationID: "c2"}, dispatch.Callbacks{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	orch.ClearAll()
	if _, ok := orch.PeekToken("c2"); ok {
		t.Fatalf("expected all tokens cleared")
	}
}

func TestDispatcherIsolatesSessions(t *testing.T) {
	transport := &fakeTransport{}
	transport.respond("x", "ALICE")
	d := dispatch.NewDispatcher(transport, nil, nil, nil)

	if _, err := d.ForSession("alice").Send(context.Background(), dispatch.Request{Message: "hi", ConversationID: "c1"}, dispatch.Callbacks{}); err != nil {
		t.Fatalf("send: %v", err)
	}

	transport.respond("y", "")
	if _, err := d.ForSession("bob").Send(context.Background(), dispatch.Request{Message: "continue", ConversationID: "c1"}, dispatch.Callbacks{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := transport.last().ContinuationToken; got != "" {
		t.Fatalf("expected bob not to reuse alice's token, got %q", got)
	}

	d.DropSession("alice")
	if _, ok := d.ForSession("alice").PeekToken("c1"); ok {
		t.Fatalf("expected alice's state dropped")
	}
}

func TestDispatcherLookupAndPrune(t *testing.T) {
	transport := &fakeTransport{}
	transport.respond("x", "T1")
	now := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	registry := continuation.NewRegistry().WithClock(func() time.Time { return now })
	d := dispatch.NewDispatcher(transport, registry, nil, nil)

	if _, ok := d.Lookup("guest:a"); ok {
		t.Fatalf("expected no orchestrator for an unknown session")
	}
	if d.ActiveSessions() != 0 {
		t.Fatalf("expected lookup not to create sessions, got %d", d.ActiveSessions())
	}

	if _, err := d.ForSession("guest:a").Send(context.Background(), dispatch.Request{Message: "hi", ConversationID: "c1"}, dispatch.Callbacks{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	orchestrator, ok := d.Lookup("guest:a")
	if !ok {
		t.Fatalf("expected existing session to be found")
	}
	if token, _ := orchestrator.PeekToken("c1"); token != "T1" {
		t.Fatalf("expected cached token T1, got %q", token)
	}

	if dropped := d.PruneSessions(time.Minute, nil); dropped != 0 {
		t.Fatalf("expected a fresh session to survive, got %d dropped", dropped)
	}
	now = now.Add(2 * time.Minute)
	if dropped := d.PruneSessions(time.Minute, nil); dropped != 1 {
		t.Fatalf("expected the session to be pruned, got %d", dropped)
	}
	if d.ActiveSessions() != 0 {
		t.Fatalf("expected no sessions left, got %d", d.ActiveSessions())
	}
}

func TestSendPersistsThroughSideChannel(t *testing.T) {
	store := chatstore.NewMemoryStore()
	collector := diagnostics.NewCollector(true, 0, 0)
	side := dispatch.NewSideChannel(store, collector, nil, dispatch.SideChannelOptions{QueueSize: 16})

	transport := &fakeTransport{}
	transport.respond("answer", "T1")
	orch := dispatch.NewOrchestrator(continuation.NewCache(), transport, side, nil)

	if _, err := orch.Send(context.Background(), dispatch.Request{Message: "hi", ConversationID: "c1", UserID: "u1"}, dispatch.Callbacks{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := side.Close(context.Background()); err != nil {
		t.Fatalf("close side channel: %v", err)
	}

	messages, err := store.ReadRecentMessages(context.Background(), "c1", 10)
	if err != nil {
		t.Fatalf("read messages: %v", err)
	}
	if len(messages) != 2 || messages[0].Sender != models.SenderUser || messages[1].Sender != models.SenderAssistant {
		t.Fatalf("expected user then assistant message, got %+v", messages)
	}
	if messages[1].Metadata.APIChatID != "T1" {
		t.Fatalf("expected assistant message to carry chat id")
	}

	token, err := store.ContinuationToken(context.Background(), "c1")
	if err != nil || token != "T1" {
		t.Fatalf("expected persisted continuation token T1, got %q (%v)", token, err)
	}

	logs := store.UsageLogs()
	if len(logs) != 1 || logs[0].UserID != "u1" || logs[0].Endpoint != "/dalsiai/generate" {
		t.Fatalf("unexpected usage logs %+v", logs)
	}

	stats := side.Stats()
	if stats.Completed != 4 || stats.Failed != 0 {
		t.Fatalf("expected four successful jobs, got %+v", stats)
	}
	if collector.SuccessRate() != 100 {
		t.Fatalf("expected diagnostics to see all successes, got %v", collector.SuccessRate())
	}
}

type failingStore struct {
	*chatstore.MemoryStore
}

func (failingStore) AppendMessage(context.Context, models.MessageRecord) (*models.MessageRecord, error) {
	return nil, errors.New("database unavailable")
}

func TestPersistenceFailureIsSwallowedAndLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	logger := zap.New(core).Sugar()

	collector := diagnostics.NewCollector(true, 0, 0)
	side := dispatch.NewSideChannel(failingStore{chatstore.NewMemoryStore()}, collector, logger, dispatch.SideChannelOptions{})

	transport := &fakeTransport{}
	transport.respond("answer", "T1")
	orch := dispatch.NewOrchestrator(continuation.NewCache(), transport, side, logger)

	rec := &recorder{}
	result, err := orch.Send(context.Background(), dispatch.Request{Message: "hi", ConversationID: "c1"}, rec.callbacks())
	if err != nil || result == nil || rec.completes != 1 {
		t.Fatalf("expected the response to succeed despite storage failure, err=%v", err)
	}
	if token, _ := orch.PeekToken("c1"); token != "T1" {
		t.Fatalf("expected cache updated regardless of storage")
	}

	if err := side.Close(context.Background()); err != nil {
		t.Fatalf("close side channel: %v", err)
	}

	if got := side.Stats().Failed; got != 2 {
		t.Fatalf("expected both message writes to fail, got %d", got)
	}
	if logs.FilterMessage("persistence failed").Len() != 2 {
		t.Fatalf("expected failures to be logged, got %d entries", logs.FilterMessage("persistence failed").Len())
	}
	if snapshot := collector.Snapshot(); snapshot.Counters.Failures != 2 {
		t.Fatalf("expected diagnostics to count failures, got %+v", snapshot.Counters)
	}
}

type blockingStore struct {
	*chatstore.MemoryStore
	release chan struct{}
}

func (b blockingStore) AppendMessage(ctx context.Context, record models.MessageRecord) (*models.MessageRecord, error) {
	<-b.release
	return b.MemoryStore.AppendMessage(ctx, record)
}

func TestSideChannelDropsWhenFull(t *testing.T) {
	store := blockingStore{MemoryStore: chatstore.NewMemoryStore(), release: make(chan struct{})}
	side := dispatch.NewSideChannel(store, nil, nil, dispatch.SideChannelOptions{QueueSize: 1, Workers: 1})

	job := dispatch.Job{Operation: "save", Run: func(ctx context.Context, s chatstore.Store) error {
		_, err := s.AppendMessage(ctx, models.MessageRecord{ConversationID: "c1"})
		return err
	}}

	accepted := 0
	for i := 0; i < 5; i++ {
		if side.Submit(job) {
			accepted++
		}
	}
	close(store.release)
	if err := side.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	stats := side.Stats()
	if accepted >= 5 || stats.Dropped == 0 {
		t.Fatalf("expected some jobs dropped with a full queue, got %+v", stats)
	}
	if stats.Dropped+stats.Submitted != 5 {
		t.Fatalf("expected every job either submitted or dropped, got %+v", stats)
	}
	if side.Submit(job) {
		t.Fatalf("expected submit after close to be rejected")
	}
}

func TestSideChannelCountsAttemptsBeforeOutcome(t *testing.T) {
	store := blockingStore{MemoryStore: chatstore.NewMemoryStore(), release: make(chan struct{})}
	collector := diagnostics.NewCollector(true, 0, 0)
	side := dispatch.NewSideChannel(store, collector, nil, dispatch.SideChannelOptions{QueueSize: 1, Workers: 1})

	job := dispatch.Job{Operation: "save", Run: func(ctx context.Context, s chatstore.Store) error {
		_, err := s.AppendMessage(ctx, models.MessageRecord{ConversationID: "c1"})
		return err
	}}

	for i := 0; i < 5; i++ {
		side.Submit(job)
	}
	close(store.release)
	if err := side.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	stats := side.Stats()
	counters := collector.Snapshot().Counters
	if counters.Pending != 0 {
		t.Fatalf("expected nothing pending after drain, got %+v", counters)
	}
	if int64(counters.Attempts) != stats.Submitted || int64(counters.Successes) != stats.Completed {
		t.Fatalf("expected collector to match side channel stats, got %+v vs %+v", counters, stats)
	}
}
