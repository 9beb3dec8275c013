package app

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultTitle is the placeholder used until the backend generates a title
// (or forever, when title generation fails).
const DefaultTitle = "Nova conversa"

// DefaultGreeting opens every new session as the first assistant message.
const DefaultGreeting = "Olá! Sou seu assistente de consultas SQL. Pergunte em linguagem natural e eu monto a consulta para você."

// MetadataRetrying is set on a message while a retry attempt is in flight and
// cleared regardless of outcome.
const MetadataRetrying = "retrying"

type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	IsPinned  bool      `json:"is_pinned"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Message struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Role      string         `json:"role"` // user|assistant
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Error     *MessageError  `json:"error,omitempty"`
}

// MessageError annotates a message that is in a failed state. It is cleared
// when a retry succeeds and replaced when a retry fails again.
type MessageError struct {
	Message    string    `json:"message"`
	RetryAfter int       `json:"retry_after,omitempty"` // seconds
	CanRetry   bool      `json:"can_retry"`
	CanRetryAt time.Time `json:"can_retry_at,omitempty"`
}

// SessionStats mirrors the backend's per-session statistics payload.
type SessionStats struct {
	SessionID        string         `json:"session_id"`
	CreatedAt        float64        `json:"created_at"`
	LastActivity     float64        `json:"last_activity"`
	MessageCount     int            `json:"message_count"`
	HasActiveDataset bool           `json:"has_active_dataset"`
	ActiveDataset    map[string]any `json:"active_dataset_info,omitempty"`
}

// SessionSummary is what the sessions listing command shows.
type SessionSummary struct {
	Session      Session   `json:"session"`
	MessageCount int       `json:"message_count"`
	LastActivity time.Time `json:"last_activity"`
}

func (s *Session) FindMessage(id string) *Message {
	for i := range s.Messages {
		if s.Messages[i].ID == id {
			return &s.Messages[i]
		}
	}
	return nil
}

// LastUserMessageWithoutError walks the history backwards and returns the
// most recent user message that has no error attached, or nil.
func (s *Session) LastUserMessageWithoutError() *Message {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser && s.Messages[i].Error == nil {
			return &s.Messages[i]
		}
	}
	return nil
}

// Clone returns a deep copy so reducer-style updates never alias the stored
// session's message slice or metadata maps.
func (s Session) Clone() Session {
	out := s
	out.Messages = make([]Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	for i := range out.Messages {
		if md := out.Messages[i].Metadata; md != nil {
			cp := make(map[string]any, len(md))
			for k, v := range md {
				cp[k] = v
			}
			out.Messages[i].Metadata = cp
		}
		if e := out.Messages[i].Error; e != nil {
			ec := *e
			out.Messages[i].Error = &ec
		}
	}
	return out
}
