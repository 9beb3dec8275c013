package app

// SessionStore persists chat sessions and the local-to-remote session id
// mapping.
//
// Implementations must keep ListSessions ordering stable: pinned sessions
// first, then most recently updated first. Writes are last-write-wins per
// session id; the exchange protocol guarantees a single writer per session.
type SessionStore interface {
	ListSessions() ([]Session, error)
	SaveSession(sess Session) error
	DeleteSession(id string) error
	ClearAll() error

	// RemoteMapping returns the local-id to backend-id association. A missing
	// entry means the session has not synced yet, which is not an error.
	RemoteMapping() (map[string]string, error)
	SaveRemoteMapping(mapping map[string]string) error
}
