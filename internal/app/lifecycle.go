package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Chat orchestrates the session lifecycle and the message exchange protocol.
// Collaborators are injected at construction; there is no global state.
//
// All public methods are safe for concurrent use. The TUI runs sends in
// goroutines while abort/switch arrive from the event loop.
type Chat struct {
	store     SessionStore
	client    ChatService
	logger    *Logger
	greeting  string
	autoTitle bool

	mu       sync.Mutex
	sessions map[string]Session
	activeID string
	busy     bool
	flight   *inflight
}

// inflight is the single cancellation handle owned by the current send or
// retry. It is created fresh per dispatch and discarded on completion.
type inflight struct {
	cancel    context.CancelFunc
	sessionID string
	messageID string // correlation id for server-side cancellation
	requestID string // server-assigned id, set once the response arrives
}

func NewChat(store SessionStore, client ChatService, logger *Logger, cfg Config) *Chat {
	greeting := cfg.Greeting
	if greeting == "" {
		greeting = DefaultGreeting
	}
	return &Chat{
		store:     store,
		client:    client,
		logger:    logger,
		greeting:  greeting,
		autoTitle: !cfg.DisableAutoTitle,
		sessions:  map[string]Session{},
	}
}

// Load seeds state from the store, picks the initial active session and
// lazily provisions remote ids for sessions that never synced. Partial sync
// failures are logged and do not block the others.
func (c *Chat) Load(ctx context.Context) error {
	stored, err := c.store.ListSessions()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.sessions = map[string]Session{}
	for _, sess := range stored {
		c.sessions[sess.ID] = sess
	}
	if len(stored) > 0 {
		c.activeID = stored[0].ID
	} else {
		c.activeID = ""
	}
	c.mu.Unlock()

	c.syncUnmapped(ctx, stored)
	return nil
}

func (c *Chat) syncUnmapped(ctx context.Context, sessions []Session) {
	mapping, err := c.store.RemoteMapping()
	if err != nil {
		c.logger.Warn("remote mapping unavailable", map[string]any{"error": err.Error()})
		return
	}
	var unmapped []string
	for _, sess := range sessions {
		if mapping[sess.ID] == "" {
			unmapped = append(unmapped, sess.ID)
		}
	}
	if len(unmapped) == 0 {
		return
	}

	type result struct {
		localID  string
		remoteID string
		err      error
	}
	results := make(chan result, len(unmapped))
	var wg sync.WaitGroup
	for _, localID := range unmapped {
		wg.Add(1)
		go func(localID string) {
			defer wg.Done()
			remoteID, err := c.client.CreateRemoteSession(ctx)
			results <- result{localID: localID, remoteID: remoteID, err: err}
		}(localID)
	}
	wg.Wait()
	close(results)

	changed := false
	for res := range results {
		if res.err != nil {
			c.logger.Warn("session sync failed", map[string]any{
				"session": res.localID,
				"error":   res.err.Error(),
			})
			continue
		}
		mapping[res.localID] = res.remoteID
		changed = true
	}
	if !changed {
		return
	}
	if err := c.store.SaveRemoteMapping(mapping); err != nil {
		c.logger.Error("persist remote mapping", map[string]any{"error": err.Error()})
	}
}

// Sessions returns all sessions, pinned first, then most recently updated.
func (c *Chat) Sessions() []Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Session, 0, len(c.sessions))
	for _, sess := range c.sessions {
		out = append(out, sess.Clone())
	}
	sortSessions(out)
	return out
}

func (c *Chat) ActiveID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeID
}

func (c *Chat) ActiveSession() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[c.activeID]
	if !ok {
		return Session{}, false
	}
	return sess.Clone(), true
}

// CreateSession provisions a remote session id and builds a fresh local
// session opened by the greeting message. Remote failure degrades to a
// local-only session; the mapping is retried lazily on the next Load.
func (c *Chat) CreateSession(ctx context.Context) (Session, error) {
	now := time.Now()
	sess := Session{
		ID:    uuid.NewString(),
		Title: DefaultTitle,
		Messages: []Message{{
			ID:        uuid.NewString(),
			Content:   c.greeting,
			Role:      RoleAssistant,
			Timestamp: now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}

	remoteID, err := c.client.CreateRemoteSession(ctx)
	if err != nil {
		c.logger.Warn("remote session creation failed, continuing local-only", map[string]any{
			"session": sess.ID,
			"error":   err.Error(),
		})
	}

	if err := c.store.SaveSession(sess); err != nil {
		return Session{}, err
	}
	if remoteID != "" {
		if mapping, err := c.store.RemoteMapping(); err == nil {
			mapping[sess.ID] = remoteID
			if err := c.store.SaveRemoteMapping(mapping); err != nil {
				c.logger.Error("persist remote mapping", map[string]any{"error": err.Error()})
			}
		}
	}

	c.mu.Lock()
	c.sessions[sess.ID] = sess
	c.activeID = sess.ID
	c.mu.Unlock()
	return sess.Clone(), nil
}

// SwitchSession changes the active pointer. An in-flight send for the
// current session is aborted first so two sends can never race on one
// session. Switching never mutates session content.
func (c *Chat) SwitchSession(ctx context.Context, id string) {
	c.mu.Lock()
	_, known := c.sessions[id]
	sameSession := id == c.activeID
	busy := c.busy
	c.mu.Unlock()

	if !known || sameSession {
		return
	}
	if busy {
		c.Abort(ctx)
	}

	c.mu.Lock()
	if _, ok := c.sessions[id]; ok {
		c.activeID = id
	}
	c.mu.Unlock()
}

// DeleteSession removes the session from the store and the remote mapping.
// When the active session goes away the first remaining session (by list
// order) takes over, or a brand-new session is created if none remain.
func (c *Chat) DeleteSession(ctx context.Context, id string) error {
	c.mu.Lock()
	_, ok := c.sessions[id]
	wasActive := id == c.activeID
	busy := c.busy && c.flight != nil && c.flight.sessionID == id
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if busy {
		c.Abort(ctx)
	}

	if err := c.store.DeleteSession(id); err != nil {
		return err
	}
	if mapping, err := c.store.RemoteMapping(); err == nil {
		if _, present := mapping[id]; present {
			delete(mapping, id)
			if err := c.store.SaveRemoteMapping(mapping); err != nil {
				c.logger.Error("persist remote mapping", map[string]any{"error": err.Error()})
			}
		}
	}

	c.mu.Lock()
	delete(c.sessions, id)
	remaining := make([]Session, 0, len(c.sessions))
	for _, sess := range c.sessions {
		remaining = append(remaining, sess)
	}
	sortSessions(remaining)
	if wasActive {
		if len(remaining) > 0 {
			c.activeID = remaining[0].ID
		} else {
			c.activeID = ""
		}
	}
	needFresh := wasActive && len(remaining) == 0
	c.mu.Unlock()

	if needFresh {
		_, err := c.CreateSession(ctx)
		return err
	}
	return nil
}

// Rename applies a new title. Blank or whitespace titles are rejected as a
// no-op: the title and UpdatedAt stay untouched.
func (c *Chat) Rename(id, title string) error {
	if strings.TrimSpace(title) == "" {
		return nil
	}
	return c.updateSession(id, func(sess *Session) {
		sess.Title = title
	})
}

func (c *Chat) TogglePin(id string) error {
	return c.updateSession(id, func(sess *Session) {
		sess.IsPinned = !sess.IsPinned
	})
}

func (c *Chat) updateSession(id string, apply func(*Session)) error {
	c.mu.Lock()
	sess, ok := c.sessions[id]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	sess = sess.Clone()
	apply(&sess)
	touch(&sess)
	c.sessions[id] = sess
	c.mu.Unlock()
	return c.store.SaveSession(sess)
}

// ClearAll wipes every session and the remote mapping.
func (c *Chat) ClearAll() error {
	c.mu.Lock()
	c.sessions = map[string]Session{}
	c.activeID = ""
	c.mu.Unlock()
	return c.store.ClearAll()
}
