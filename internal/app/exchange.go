package app

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FallbackAnswer is shown when the backend returns an empty answer body.
const FallbackAnswer = "Não consegui gerar uma resposta. Tente reformular a pergunta."

// outcome describes the reconciliation of one send/retry attempt into
// session state. Exactly one of reply/failure is set; clearRetry applies
// in either case.
type outcome struct {
	reply      *Message
	failure    *AgentError
	clearRetry bool
}

// applyOutcome is the pure reducer behind every send/retry/abort mutation.
// It returns a new session value; the input is never modified. When the
// target message is gone the failure is appended as a synthetic
// assistant-authored error bubble instead.
func applyOutcome(sess Session, messageID string, oc outcome) Session {
	out := sess.Clone()
	target := out.FindMessage(messageID)

	if oc.clearRetry && target != nil && target.Metadata != nil {
		delete(target.Metadata, MetadataRetrying)
		if len(target.Metadata) == 0 {
			target.Metadata = nil
		}
	}

	if oc.reply != nil {
		if target != nil {
			target.Error = nil
		}
		out.Messages = append(out.Messages, *oc.reply)
	}

	if oc.failure != nil {
		msgErr := buildMessageError(oc.failure, time.Now())
		if target != nil {
			target.Error = msgErr
		} else {
			out.Messages = append(out.Messages, Message{
				ID:        uuid.NewString(),
				Content:   msgErr.Message,
				Role:      RoleAssistant,
				Timestamp: time.Now(),
				Error:     msgErr,
			})
		}
	}

	touch(&out)
	return out
}

func buildMessageError(err *AgentError, now time.Time) *MessageError {
	msgErr := &MessageError{
		Message:    FormatUserError(err),
		RetryAfter: err.RetryAfter,
		CanRetry:   err.Retryable(),
	}
	if err.RetryAfter > 0 {
		msgErr.CanRetryAt = now.Add(time.Duration(err.RetryAfter) * time.Second)
	}
	return msgErr
}

// Busy reports whether a send or retry is in flight.
func (c *Chat) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// Send dispatches a user message to the backend and reconciles the reply or
// failure into session state.
//
// Cancellation and pure network failures are absorbed: the error lives only
// on the message. Quota/server/client errors are additionally returned so the
// caller can react beyond the inline annotation.
func (c *Chat) Send(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)

	c.mu.Lock()
	sess, ok := c.sessions[c.activeID]
	if !ok || content == "" || c.busy {
		c.mu.Unlock()
		return nil
	}
	firstExchange := isFirstExchange(sess)

	userMsg := Message{
		ID:        uuid.NewString(),
		Content:   content,
		Role:      RoleUser,
		Timestamp: time.Now(),
	}
	sess = sess.Clone()
	sess.Messages = append(sess.Messages, userMsg)
	touch(&sess)
	c.sessions[sess.ID] = sess

	sendCtx, cancel := context.WithCancel(ctx)
	c.busy = true
	c.flight = &inflight{
		cancel:    cancel,
		sessionID: sess.ID,
		messageID: userMsg.ID,
	}
	c.mu.Unlock()

	if err := c.store.SaveSession(sess); err != nil {
		c.logger.Error("persist session", map[string]any{"session": sess.ID, "error": err.Error()})
	}

	return c.dispatch(ctx, sendCtx, sess, userMsg.ID, content, firstExchange, false)
}

// Retry resends a previously failed user message, correlating on the same
// message id so the conversation never gains a duplicate.
func (c *Chat) Retry(ctx context.Context, messageID string) error {
	c.mu.Lock()
	sess, ok := c.sessions[c.activeID]
	if !ok || c.busy {
		c.mu.Unlock()
		return nil
	}
	target := sess.FindMessage(messageID)
	if target == nil || target.Role != RoleUser {
		c.mu.Unlock()
		return nil
	}
	content := target.Content

	sess = sess.Clone()
	msg := sess.FindMessage(messageID)
	msg.Error = nil
	if msg.Metadata == nil {
		msg.Metadata = map[string]any{}
	}
	msg.Metadata[MetadataRetrying] = true
	touch(&sess)
	c.sessions[sess.ID] = sess

	sendCtx, cancel := context.WithCancel(ctx)
	c.busy = true
	c.flight = &inflight{
		cancel:    cancel,
		sessionID: sess.ID,
		messageID: messageID,
	}
	c.mu.Unlock()

	if err := c.store.SaveSession(sess); err != nil {
		c.logger.Error("persist session", map[string]any{"session": sess.ID, "error": err.Error()})
	}

	return c.dispatch(ctx, sendCtx, sess, messageID, content, false, true)
}

// dispatch runs the network call and folds the result back into state. It is
// shared by Send and Retry; retrying differs only in the transient metadata
// flag and the suppressed auto-title.
func (c *Chat) dispatch(ctx, sendCtx context.Context, sess Session, messageID, content string, firstExchange, retrying bool) error {
	mapping, mapErr := c.store.RemoteMapping()
	if mapErr != nil {
		mapping = map[string]string{}
	}
	remoteID := mapping[sess.ID]

	res, err := c.client.SendMessage(sendCtx, content, sess.Messages, remoteID, messageID)

	c.mu.Lock()
	if c.flight != nil && c.flight.messageID == messageID {
		c.flight.requestID = res.RequestID
	}
	requestID := res.RequestID
	if requestID == "" && c.flight != nil {
		requestID = c.flight.messageID
	}
	c.mu.Unlock()

	defer c.clearFlight(messageID)

	if err != nil {
		return c.reconcileFailure(ctx, sess.ID, messageID, requestID, AsAgentError(err), retrying)
	}

	if remoteID == "" && res.SessionID != "" {
		mapping[sess.ID] = res.SessionID
		if err := c.store.SaveRemoteMapping(mapping); err != nil {
			c.logger.Error("persist remote mapping", map[string]any{"error": err.Error()})
		}
	}

	answer := res.Answer
	if strings.TrimSpace(answer) == "" {
		answer = FallbackAnswer
	}
	reply := Message{
		ID:        uuid.NewString(),
		Content:   answer,
		Role:      RoleAssistant,
		Timestamp: time.Now(),
	}

	updated := c.reconcile(sess.ID, messageID, outcome{reply: &reply, clearRetry: retrying})

	if firstExchange && c.autoTitle {
		// Title generation must not disrupt the already-delivered reply:
		// any failure falls back to the placeholder silently.
		title := c.client.GenerateTitle(ctx, content)
		if title != "" && title != DefaultTitle {
			if err := c.Rename(updated.ID, title); err != nil {
				c.logger.Warn("apply generated title", map[string]any{"session": updated.ID, "error": err.Error()})
			}
		}
	}
	return nil
}

// reconcileFailure classifies the failed attempt per the propagation policy.
func (c *Chat) reconcileFailure(ctx context.Context, sessionID, messageID, requestID string, agentErr *AgentError, retrying bool) error {
	c.reconcile(sessionID, messageID, outcome{failure: agentErr, clearRetry: retrying})

	switch agentErr.Kind {
	case ErrCancelled:
		c.notifyCancel(ctx, requestID)
		return nil
	case ErrNetwork:
		return nil
	}
	c.logger.Error("message send failed", map[string]any{
		"session": sessionID,
		"kind":    string(agentErr.Kind),
		"code":    agentErr.Code,
	})
	return agentErr
}

// reconcile applies the outcome to the current session value and persists it.
// The session may have been deleted while the call was in flight; the update
// is dropped in that case.
func (c *Chat) reconcile(sessionID, messageID string, oc outcome) Session {
	c.mu.Lock()
	sess, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return Session{}
	}
	sess = applyOutcome(sess, messageID, oc)
	c.sessions[sessionID] = sess
	c.mu.Unlock()

	if err := c.store.SaveSession(sess); err != nil {
		c.logger.Error("persist session", map[string]any{"session": sessionID, "error": err.Error()})
	}
	return sess
}

func (c *Chat) clearFlight(messageID string) {
	c.mu.Lock()
	if c.flight != nil && c.flight.messageID == messageID {
		c.flight = nil
		c.busy = false
	}
	c.mu.Unlock()
}

// Abort cancels the in-flight request. The most recent errorless user
// message is marked cancelled up front; the doomed network call then fails
// with the cancellation kind and reconciles onto the same message.
func (c *Chat) Abort(ctx context.Context) {
	c.mu.Lock()
	if !c.busy || c.flight == nil {
		c.mu.Unlock()
		return
	}
	flight := c.flight
	sess, ok := c.sessions[flight.sessionID]
	var targetID string
	if ok {
		if target := sess.LastUserMessageWithoutError(); target != nil {
			targetID = target.ID
		}
	}
	c.flight = nil
	c.busy = false
	c.mu.Unlock()

	if targetID != "" {
		c.reconcile(flight.sessionID, targetID, outcome{
			failure: &AgentError{Kind: ErrCancelled},
		})
	}

	flight.cancel()

	requestID := flight.requestID
	if requestID == "" {
		requestID = flight.messageID
	}
	c.notifyCancel(ctx, requestID)
}

// notifyCancel fires the best-effort server-side cancellation. Failures are
// swallowed: client state is already settled.
func (c *Chat) notifyCancel(ctx context.Context, requestID string) {
	if requestID == "" {
		return
	}
	if _, err := c.client.CancelRequest(ctx, requestID); err != nil {
		c.logger.Warn("cancel notification failed", map[string]any{
			"request": requestID,
			"error":   err.Error(),
		})
	}
}

// ActiveStats fetches statistics for the active session. Without a remote
// mapping the result is simply unavailable, not an error. A freshly created
// (empty) remote session triggers reconciliation: the local history is pushed
// to the synchronization endpoint and its statistics returned instead.
func (c *Chat) ActiveStats(ctx context.Context) (*SessionStats, bool, error) {
	c.mu.Lock()
	sess, ok := c.sessions[c.activeID]
	c.mu.Unlock()
	if !ok {
		return nil, false, nil
	}

	mapping, err := c.store.RemoteMapping()
	if err != nil {
		return nil, false, err
	}
	remoteID := mapping[sess.ID]
	if remoteID == "" {
		return nil, false, nil
	}

	stats, exists, err := c.client.SessionStats(ctx, remoteID)
	if err != nil {
		return nil, false, err
	}
	if exists && stats != nil && stats.MessageCount > 0 {
		return stats, true, nil
	}

	// The backend considers the session brand new; push what we know.
	synced, err := c.client.SyncSession(ctx, remoteID, sess)
	if err != nil {
		return nil, false, err
	}
	return synced, true, nil
}

// isFirstExchange reports whether the session holds nothing but the greeting,
// which is what arms auto-titling for the next successful send.
func isFirstExchange(sess Session) bool {
	return len(sess.Messages) == 1 && sess.Messages[0].Role == RoleAssistant
}
