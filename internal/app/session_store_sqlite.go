package app

import (
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

type SQLiteSessionStore struct {
	Root   string
	dbPath string

	mu   sync.Mutex
	db   *sql.DB
	once sync.Once
	err  error

	// Used only for legacy import.
	legacy *FileSessionStore
}

func NewSQLiteSessionStore(root string) (*SQLiteSessionStore, error) {
	if strings.TrimSpace(root) == "" {
		root = DefaultStorageRoot()
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	st := &SQLiteSessionStore{
		Root:   root,
		dbPath: filepath.Join(root, "sqlchat.db"),
		legacy: NewFileSessionStore(root),
	}
	// Initialize eagerly so callers fail fast.
	if err := st.init(); err != nil {
		return nil, err
	}
	// One-time best-effort import.
	_ = st.importLegacyIfNeeded()
	return st, nil
}

func (s *SQLiteSessionStore) init() error {
	s.once.Do(func() {
		db, err := sql.Open("sqlite", s.dbPath)
		if err != nil {
			s.err = err
			return
		}
		// Keep sqlite responsive under contention.
		_, _ = db.Exec("PRAGMA busy_timeout = 5000;")
		_, _ = db.Exec("PRAGMA journal_mode = WAL;")
		_, _ = db.Exec("PRAGMA synchronous = NORMAL;")

		schema := []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				title TEXT,
				is_pinned INTEGER NOT NULL DEFAULT 0,
				created_at_ns INTEGER NOT NULL,
				updated_at_ns INTEGER NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_pinned_updated ON sessions(is_pinned, updated_at_ns);`,
			`CREATE TABLE IF NOT EXISTS messages (
				id TEXT NOT NULL,
				session_id TEXT NOT NULL,
				position INTEGER NOT NULL,
				role TEXT NOT NULL,
				content TEXT NOT NULL,
				metadata TEXT,
				error TEXT,
				created_at_ns INTEGER NOT NULL,
				PRIMARY KEY (session_id, id)
			);`,
			`CREATE INDEX IF NOT EXISTS idx_messages_session_position ON messages(session_id, position);`,
			`CREATE TABLE IF NOT EXISTS remote_sessions (
				local_id TEXT PRIMARY KEY,
				remote_id TEXT NOT NULL
			);`,
		}
		for _, stmt := range schema {
			if _, err := db.Exec(stmt); err != nil {
				_ = db.Close()
				s.err = err
				return
			}
		}

		s.db = db
	})
	return s.err
}

func (s *SQLiteSessionStore) dbConn() (*sql.DB, error) {
	if err := s.init(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, errors.New("sqlite store unavailable")
	}
	return db, nil
}

func (s *SQLiteSessionStore) ListSessions() ([]Session, error) {
	db, err := s.dbConn()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(`SELECT id, title, is_pinned, created_at_ns, updated_at_ns
		FROM sessions ORDER BY is_pinned DESC, updated_at_ns DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			sess      Session
			pinned    int
			createdNs int64
			updatedNs int64
			title     sql.NullString
		)
		if err := rows.Scan(&sess.ID, &title, &pinned, &createdNs, &updatedNs); err != nil {
			return nil, err
		}
		sess.Title = title.String
		sess.IsPinned = pinned != 0
		sess.CreatedAt = time.Unix(0, createdNs)
		sess.UpdatedAt = time.Unix(0, updatedNs)
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range sessions {
		msgs, err := s.loadMessages(db, sessions[i].ID)
		if err != nil {
			return nil, err
		}
		sessions[i].Messages = msgs
	}
	return sessions, nil
}

func (s *SQLiteSessionStore) loadMessages(db *sql.DB, sessionID string) ([]Message, error) {
	rows, err := db.Query(`SELECT id, role, content, metadata, error, created_at_ns
		FROM messages WHERE session_id = ? ORDER BY position ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var (
			msg       Message
			metadata  sql.NullString
			errBlob   sql.NullString
			createdNs int64
		)
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Content, &metadata, &errBlob, &createdNs); err != nil {
			return nil, err
		}
		msg.Timestamp = time.Unix(0, createdNs)
		if metadata.Valid && metadata.String != "" {
			md := map[string]any{}
			if err := json.Unmarshal([]byte(metadata.String), &md); err == nil && len(md) > 0 {
				msg.Metadata = md
			}
		}
		if errBlob.Valid && errBlob.String != "" {
			var me MessageError
			if err := json.Unmarshal([]byte(errBlob.String), &me); err == nil {
				msg.Error = &me
			}
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// SaveSession replaces the stored session wholesale. Last-write-wins is the
// store contract; the exchange protocol never has two writers per session.
func (s *SQLiteSessionStore) SaveSession(sess Session) error {
	if strings.TrimSpace(sess.ID) == "" {
		return errors.New("missing session id")
	}
	db, err := s.dbConn()
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	pinned := 0
	if sess.IsPinned {
		pinned = 1
	}
	if _, err := tx.Exec(
		`INSERT INTO sessions(id, title, is_pinned, created_at_ns, updated_at_ns)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET title=excluded.title, is_pinned=excluded.is_pinned, updated_at_ns=excluded.updated_at_ns`,
		sess.ID, sess.Title, pinned, sess.CreatedAt.UnixNano(), sess.UpdatedAt.UnixNano(),
	); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE session_id = ?`, sess.ID); err != nil {
		return err
	}
	for i, msg := range sess.Messages {
		var metadata, errBlob any
		if len(msg.Metadata) > 0 {
			if data, err := json.Marshal(msg.Metadata); err == nil {
				metadata = string(data)
			}
		}
		if msg.Error != nil {
			if data, err := json.Marshal(msg.Error); err == nil {
				errBlob = string(data)
			}
		}
		if _, err := tx.Exec(
			`INSERT INTO messages(id, session_id, position, role, content, metadata, error, created_at_ns)
			 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, sess.ID, i, msg.Role, msg.Content, metadata, errBlob, msg.Timestamp.UnixNano(),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteSessionStore) DeleteSession(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("missing session id")
	}
	db, err := s.dbConn()
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(`DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM remote_sessions WHERE local_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteSessionStore) ClearAll() error {
	db, err := s.dbConn()
	if err != nil {
		return err
	}
	for _, stmt := range []string{
		`DELETE FROM messages`,
		`DELETE FROM sessions`,
		`DELETE FROM remote_sessions`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteSessionStore) RemoteMapping() (map[string]string, error) {
	db, err := s.dbConn()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(`SELECT local_id, remote_id FROM remote_sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	mapping := map[string]string{}
	for rows.Next() {
		var local, remote string
		if err := rows.Scan(&local, &remote); err != nil {
			return nil, err
		}
		mapping[local] = remote
	}
	return mapping, rows.Err()
}

func (s *SQLiteSessionStore) SaveRemoteMapping(mapping map[string]string) error {
	db, err := s.dbConn()
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(`DELETE FROM remote_sessions`); err != nil {
		return err
	}
	for local, remote := range mapping {
		if strings.TrimSpace(local) == "" || strings.TrimSpace(remote) == "" {
			continue
		}
		if _, err := tx.Exec(
			`INSERT INTO remote_sessions(local_id, remote_id) VALUES(?, ?)`,
			local, remote,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// importLegacyIfNeeded copies sessions from the JSON file layout the first
// time the SQLite store comes up empty next to legacy data.
func (s *SQLiteSessionStore) importLegacyIfNeeded() error {
	db, err := s.dbConn()
	if err != nil {
		return err
	}
	var count int
	if err := db.QueryRow(`SELECT COUNT(1) FROM sessions`).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	legacySessions, err := s.legacy.ListSessions()
	if err != nil || len(legacySessions) == 0 {
		return err
	}
	for _, sess := range legacySessions {
		if err := s.SaveSession(sess); err != nil {
			return err
		}
	}
	if mapping, err := s.legacy.RemoteMapping(); err == nil && len(mapping) > 0 {
		return s.SaveRemoteMapping(mapping)
	}
	return nil
}

func (s *SQLiteSessionStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
