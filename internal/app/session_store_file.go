package app

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// FileSessionStore is the JSON-on-disk store. It is kept as a fallback when
// SQLite is unavailable and as the import source for the SQLite store.
//
// Layout:
//
//	<root>/session/<sessionID>.json
//	<root>/remote_sessions.json
type FileSessionStore struct {
	Root string
}

func DefaultStorageRoot() string {
	// Prefer XDG data dir (Linux/macOS). If unavailable, fall back to ~/.local/share.
	if base := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); base != "" {
		return filepath.Join(base, "sqlchat", "storage")
	}
	if base, err := os.UserHomeDir(); err == nil && base != "" {
		return filepath.Join(base, ".local", "share", "sqlchat", "storage")
	}
	return filepath.Join(os.TempDir(), "sqlchat", "storage")
}

func NewFileSessionStore(root string) *FileSessionStore {
	if strings.TrimSpace(root) == "" {
		root = DefaultStorageRoot()
	}
	return &FileSessionStore{Root: root}
}

func (s *FileSessionStore) sessionDir() string {
	return filepath.Join(s.Root, "session")
}

func (s *FileSessionStore) sessionPath(id string) string {
	return filepath.Join(s.sessionDir(), id+".json")
}

func (s *FileSessionStore) mappingPath() string {
	return filepath.Join(s.Root, "remote_sessions.json")
}

func (s *FileSessionStore) ListSessions() ([]Session, error) {
	entries, err := os.ReadDir(s.sessionDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var sessions []Session
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.sessionDir(), entry.Name()))
		if err != nil {
			continue
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil || sess.ID == "" {
			// Skip corrupt entries rather than failing the whole listing.
			continue
		}
		sessions = append(sessions, sess)
	}
	sortSessions(sessions)
	return sessions, nil
}

func (s *FileSessionStore) SaveSession(sess Session) error {
	if strings.TrimSpace(sess.ID) == "" {
		return errors.New("missing session id")
	}
	if err := os.MkdirAll(s.sessionDir(), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.sessionPath(sess.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.sessionPath(sess.ID))
}

func (s *FileSessionStore) DeleteSession(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("missing session id")
	}
	if err := os.Remove(s.sessionPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileSessionStore) ClearAll() error {
	if err := os.RemoveAll(s.sessionDir()); err != nil {
		return err
	}
	if err := os.Remove(s.mappingPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileSessionStore) RemoteMapping() (map[string]string, error) {
	data, err := os.ReadFile(s.mappingPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	mapping := map[string]string{}
	if err := json.Unmarshal(data, &mapping); err != nil {
		return map[string]string{}, nil
	}
	return mapping, nil
}

func (s *FileSessionStore) SaveRemoteMapping(mapping map[string]string) error {
	if err := os.MkdirAll(s.Root, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(mapping, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.mappingPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.mappingPath())
}

// sortSessions orders pinned sessions before unpinned, then most recently
// updated first, with CreatedAt as a stable tiebreaker.
func sortSessions(sessions []Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		if sessions[i].IsPinned != sessions[j].IsPinned {
			return sessions[i].IsPinned
		}
		if !sessions[i].UpdatedAt.Equal(sessions[j].UpdatedAt) {
			return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
		}
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
}

// touch refreshes UpdatedAt on every mutation to the session.
func touch(sess *Session) {
	sess.UpdatedAt = time.Now()
}
