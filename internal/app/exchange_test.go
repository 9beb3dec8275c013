package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeService scripts the backend for lifecycle/exchange tests.
type fakeService struct {
	mu sync.Mutex

	answer     string
	requestID  string
	sessionIDs []string // consumed by CreateRemoteSession
	createErr  error
	exhaustErr error // returned once sessionIDs run out
	sendErr    error
	blockSend  chan struct{} // when set, SendMessage waits for ctx or release
	title      string

	sendCalls   int
	titleCalls  int
	cancelCalls []string
	statsResult *SessionStats
	statsExists bool
	statsErr    error
	syncResult  *SessionStats
	syncCalls   int
}

func (f *fakeService) CreateRemoteSession(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	if len(f.sessionIDs) == 0 {
		if f.exhaustErr != nil {
			return "", f.exhaustErr
		}
		return "remote-1", nil
	}
	id := f.sessionIDs[0]
	f.sessionIDs = f.sessionIDs[1:]
	return id, nil
}

func (f *fakeService) SendMessage(ctx context.Context, text string, history []Message, remoteID, correlationID string) (SendResult, error) {
	f.mu.Lock()
	f.sendCalls++
	block := f.blockSend
	sendErr := f.sendErr
	answer := f.answer
	requestID := f.requestID
	f.mu.Unlock()

	if block != nil {
		select {
		case <-ctx.Done():
			return SendResult{}, &AgentError{Kind: ErrCancelled, Message: ctx.Err().Error()}
		case <-block:
		}
	}
	if sendErr != nil {
		return SendResult{}, sendErr
	}
	if requestID == "" {
		requestID = correlationID
	}
	return SendResult{Answer: answer, RequestID: requestID, SessionID: "remote-echo"}, nil
}

func (f *fakeService) CancelRequest(ctx context.Context, requestID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls = append(f.cancelCalls, requestID)
	return true, nil
}

func (f *fakeService) GenerateTitle(ctx context.Context, seed string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titleCalls++
	if f.title == "" {
		return DefaultTitle
	}
	return f.title
}

func (f *fakeService) SessionStats(ctx context.Context, remoteID string) (*SessionStats, bool, error) {
	return f.statsResult, f.statsExists, f.statsErr
}

func (f *fakeService) SyncSession(ctx context.Context, remoteID string, sess Session) (*SessionStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncCalls++
	if f.syncResult != nil {
		return f.syncResult, nil
	}
	return &SessionStats{SessionID: remoteID, MessageCount: len(sess.Messages)}, nil
}

func (f *fakeService) ExportSession(ctx context.Context, remoteID, format string) ([]byte, string, error) {
	return nil, "", nil
}

func (f *fakeService) Status(ctx context.Context) error { return nil }

func newTestChat(t *testing.T, svc ChatService) *Chat {
	t.Helper()
	store := NewFileSessionStore(t.TempDir())
	return NewChat(store, svc, NewLogger(nil), DefaultConfig())
}

func mustCreate(t *testing.T, c *Chat) Session {
	t.Helper()
	sess, err := c.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func TestSendAppendsUserAndAssistantMessages(t *testing.T) {
	svc := &fakeService{answer: "SELECT * FROM clientes;"}
	c := newTestChat(t, svc)
	mustCreate(t, c)

	if err := c.Send(context.Background(), "listar clientes"); err != nil {
		t.Fatalf("send: %v", err)
	}

	sess, ok := c.ActiveSession()
	if !ok {
		t.Fatalf("expected active session")
	}
	if len(sess.Messages) != 3 {
		t.Fatalf("expected greeting+user+assistant, got %d messages", len(sess.Messages))
	}
	if sess.Messages[1].Role != RoleUser || sess.Messages[1].Content != "listar clientes" {
		t.Fatalf("unexpected user message: %+v", sess.Messages[1])
	}
	if sess.Messages[2].Role != RoleAssistant || sess.Messages[2].Content != "SELECT * FROM clientes;" {
		t.Fatalf("unexpected assistant message: %+v", sess.Messages[2])
	}
	if c.Busy() {
		t.Fatalf("busy flag should be cleared after send")
	}
}

func TestSendEmptyContentIsNoOp(t *testing.T) {
	svc := &fakeService{answer: "x"}
	c := newTestChat(t, svc)
	mustCreate(t, c)

	if err := c.Send(context.Background(), "   "); err != nil {
		t.Fatalf("send: %v", err)
	}
	sess, _ := c.ActiveSession()
	if len(sess.Messages) != 1 {
		t.Fatalf("expected only the greeting, got %d messages", len(sess.Messages))
	}
	if svc.sendCalls != 0 {
		t.Fatalf("no network call expected, got %d", svc.sendCalls)
	}
}

func TestSendEmptyAnswerUsesFallback(t *testing.T) {
	svc := &fakeService{answer: "  "}
	c := newTestChat(t, svc)
	mustCreate(t, c)

	if err := c.Send(context.Background(), "oi"); err != nil {
		t.Fatalf("send: %v", err)
	}
	sess, _ := c.ActiveSession()
	got := sess.Messages[len(sess.Messages)-1].Content
	if got != FallbackAnswer {
		t.Fatalf("expected fallback answer, got %q", got)
	}
}

func TestSendNetworkErrorAttachesToUserMessage(t *testing.T) {
	svc := &fakeService{sendErr: &AgentError{Kind: ErrNetwork, Message: "connection refused"}}
	c := newTestChat(t, svc)
	mustCreate(t, c)

	// Absorbed: a pure connectivity failure is not re-thrown.
	if err := c.Send(context.Background(), "listar pedidos"); err != nil {
		t.Fatalf("network error should be absorbed, got %v", err)
	}

	sess, _ := c.ActiveSession()
	if len(sess.Messages) != 2 {
		t.Fatalf("no new message expected beyond the user's, got %d", len(sess.Messages))
	}
	userMsg := sess.Messages[1]
	if userMsg.Error == nil {
		t.Fatalf("expected error attached to the user message")
	}
	if !userMsg.Error.CanRetry {
		t.Fatalf("network errors are retryable")
	}
}

func TestSendQuotaErrorIsAttachedAndRethrown(t *testing.T) {
	svc := &fakeService{sendErr: &AgentError{
		Kind:       ErrQuota,
		Code:       CodeRateLimit,
		RetryAfter: 90,
	}}
	c := newTestChat(t, svc)
	mustCreate(t, c)

	before := time.Now()
	err := c.Send(context.Background(), "relatório mensal")
	if err == nil {
		t.Fatalf("quota errors must be re-thrown")
	}
	var ae *AgentError
	if !errors.As(err, &ae) || ae.Kind != ErrQuota {
		t.Fatalf("expected quota AgentError, got %v", err)
	}

	sess, _ := c.ActiveSession()
	msgErr := sess.Messages[1].Error
	if msgErr == nil {
		t.Fatalf("expected error on user message")
	}
	if !msgErr.CanRetry {
		t.Fatalf("rate limit should be retryable")
	}
	if !strings.Contains(msgErr.Message, "2 minuto") {
		t.Fatalf("expected minutes in message, got %q", msgErr.Message)
	}
	want := before.Add(90 * time.Second)
	if msgErr.CanRetryAt.Before(want.Add(-2*time.Second)) || msgErr.CanRetryAt.After(want.Add(2*time.Second)) {
		t.Fatalf("canRetryAt %v not near %v", msgErr.CanRetryAt, want)
	}
}

func TestSendWhileBusyIsNoOp(t *testing.T) {
	release := make(chan struct{})
	svc := &fakeService{answer: "ok", blockSend: release}
	c := newTestChat(t, svc)
	mustCreate(t, c)

	done := make(chan error, 1)
	go func() { done <- c.Send(context.Background(), "primeira") }()

	waitBusy(t, c)

	if err := c.Send(context.Background(), "segunda"); err != nil {
		t.Fatalf("second send: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first send: %v", err)
	}

	sess, _ := c.ActiveSession()
	// greeting + one user + one assistant; the second send never dispatched.
	if len(sess.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(sess.Messages))
	}
	if svc.sendCalls != 1 {
		t.Fatalf("expected a single network call, got %d", svc.sendCalls)
	}
}

func TestAbortDuringSendMarksCancellation(t *testing.T) {
	svc := &fakeService{answer: "nunca chega", blockSend: make(chan struct{})}
	c := newTestChat(t, svc)
	mustCreate(t, c)

	done := make(chan error, 1)
	go func() { done <- c.Send(context.Background(), "consulta demorada") }()
	waitBusy(t, c)

	c.Abort(context.Background())
	if err := <-done; err != nil {
		t.Fatalf("cancellation must be absorbed, got %v", err)
	}

	if c.Busy() {
		t.Fatalf("busy flag should be false after abort")
	}
	sess, _ := c.ActiveSession()
	if len(sess.Messages) != 2 {
		t.Fatalf("no assistant message may be appended on abort, got %d messages", len(sess.Messages))
	}
	msgErr := sess.Messages[1].Error
	if msgErr == nil {
		t.Fatalf("expected cancellation error on the user message")
	}
	if msgErr.Message != "Requisição cancelada pelo usuário" {
		t.Fatalf("unexpected cancellation text: %q", msgErr.Message)
	}
	if !msgErr.CanRetry {
		t.Fatalf("cancelled sends must stay retryable")
	}
	if len(svc.cancelCalls) == 0 {
		t.Fatalf("expected best-effort backend cancellation")
	}
}

func TestRetryKeepsMessageIdentity(t *testing.T) {
	svc := &fakeService{sendErr: &AgentError{Kind: ErrNetwork, Message: "down"}}
	c := newTestChat(t, svc)
	mustCreate(t, c)

	if err := c.Send(context.Background(), "tentar de novo"); err != nil {
		t.Fatalf("send: %v", err)
	}
	sess, _ := c.ActiveSession()
	failed := sess.Messages[1]
	if failed.Error == nil {
		t.Fatalf("expected failed user message")
	}

	// Backend recovers.
	svc.mu.Lock()
	svc.sendErr = nil
	svc.answer = "agora foi"
	svc.mu.Unlock()

	if err := c.Retry(context.Background(), failed.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}

	sess, _ = c.ActiveSession()
	if len(sess.Messages) != 3 {
		t.Fatalf("retry must not duplicate the user message, got %d", len(sess.Messages))
	}
	retried := sess.FindMessage(failed.ID)
	if retried == nil {
		t.Fatalf("original message id must survive retry")
	}
	if retried.Error != nil {
		t.Fatalf("error should be cleared on successful retry")
	}
	if _, ok := retried.Metadata[MetadataRetrying]; ok {
		t.Fatalf("retrying flag must be cleared")
	}
	if sess.Messages[2].Content != "agora foi" {
		t.Fatalf("expected recovered answer, got %q", sess.Messages[2].Content)
	}
}

func TestRetryFailureReplacesError(t *testing.T) {
	svc := &fakeService{sendErr: &AgentError{Kind: ErrNetwork, Message: "down"}}
	c := newTestChat(t, svc)
	mustCreate(t, c)

	_ = c.Send(context.Background(), "pergunta")
	sess, _ := c.ActiveSession()
	failed := sess.Messages[1]

	svc.mu.Lock()
	svc.sendErr = &AgentError{Kind: ErrQuota, Code: CodeQuotaExceeded, RetryAfter: 120}
	svc.mu.Unlock()

	if err := c.Retry(context.Background(), failed.ID); err == nil {
		t.Fatalf("quota failure on retry must be re-thrown")
	}

	sess, _ = c.ActiveSession()
	if len(sess.Messages) != 2 {
		t.Fatalf("retry failure must not append messages, got %d", len(sess.Messages))
	}
	retried := sess.FindMessage(failed.ID)
	if retried.Error == nil || !strings.Contains(retried.Error.Message, "Limite de uso excedido") {
		t.Fatalf("expected replaced quota error, got %+v", retried.Error)
	}
	if _, ok := retried.Metadata[MetadataRetrying]; ok {
		t.Fatalf("retrying flag must be cleared on failure too")
	}
}

func TestRetryRejectsNonUserAndUnknownMessages(t *testing.T) {
	svc := &fakeService{answer: "ok"}
	c := newTestChat(t, svc)
	sess := mustCreate(t, c)

	// Greeting is assistant-authored; unknown ids are ignored too.
	if err := c.Retry(context.Background(), sess.Messages[0].ID); err != nil {
		t.Fatalf("retry greeting: %v", err)
	}
	if err := c.Retry(context.Background(), "no-such-id"); err != nil {
		t.Fatalf("retry unknown: %v", err)
	}
	if svc.sendCalls != 0 {
		t.Fatalf("no dispatch expected, got %d", svc.sendCalls)
	}
}

func TestAutoTitleOnlyOnFirstExchange(t *testing.T) {
	svc := &fakeService{answer: "resposta", title: "Vendas do trimestre"}
	c := newTestChat(t, svc)
	mustCreate(t, c)

	if err := c.Send(context.Background(), "vendas por trimestre"); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if svc.titleCalls != 1 {
		t.Fatalf("expected one title request, got %d", svc.titleCalls)
	}
	sess, _ := c.ActiveSession()
	if sess.Title != "Vendas do trimestre" {
		t.Fatalf("expected generated title applied, got %q", sess.Title)
	}

	if err := c.Send(context.Background(), "e por mês?"); err != nil {
		t.Fatalf("second send: %v", err)
	}
	if svc.titleCalls != 1 {
		t.Fatalf("title must not be requested again, got %d calls", svc.titleCalls)
	}
}

func TestAutoTitleNotRequestedOnRetry(t *testing.T) {
	svc := &fakeService{sendErr: &AgentError{Kind: ErrNetwork, Message: "down"}, title: "Título"}
	c := newTestChat(t, svc)
	mustCreate(t, c)

	_ = c.Send(context.Background(), "primeira pergunta")
	sess, _ := c.ActiveSession()
	failed := sess.Messages[1]

	svc.mu.Lock()
	svc.sendErr = nil
	svc.answer = "ok"
	svc.mu.Unlock()

	if err := c.Retry(context.Background(), failed.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if svc.titleCalls != 0 {
		t.Fatalf("retry must never trigger auto-title, got %d calls", svc.titleCalls)
	}
}

func TestActiveStatsWithoutMappingIsUnavailable(t *testing.T) {
	svc := &fakeService{createErr: errors.New("offline")}
	c := newTestChat(t, svc)
	mustCreate(t, c) // degraded local-only session, no mapping

	stats, available, err := c.ActiveStats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if available || stats != nil {
		t.Fatalf("expected unavailable stats without remote mapping")
	}
}

func TestActiveStatsFreshSessionFallsBackToSync(t *testing.T) {
	svc := &fakeService{
		statsResult: &SessionStats{SessionID: "remote-1", MessageCount: 0},
		statsExists: true,
		syncResult:  &SessionStats{SessionID: "remote-1", MessageCount: 5},
	}
	c := newTestChat(t, svc)
	mustCreate(t, c)

	stats, available, err := c.ActiveStats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !available {
		t.Fatalf("expected stats after sync fallback")
	}
	if stats.MessageCount != 5 {
		t.Fatalf("expected synced count, got %d", stats.MessageCount)
	}
	if svc.syncCalls != 1 {
		t.Fatalf("expected one sync call, got %d", svc.syncCalls)
	}
}

func waitBusy(t *testing.T, c *Chat) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Busy() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("send never became busy")
}
