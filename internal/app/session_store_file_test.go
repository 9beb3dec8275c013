package app

import (
	"testing"
	"time"
)

func TestFileStoreSaveAndListRoundtrip(t *testing.T) {
	store := NewFileSessionStore(t.TempDir())

	now := time.Now().Truncate(time.Millisecond)
	sess := Session{
		ID:    "s1",
		Title: "Consultas",
		Messages: []Message{
			{ID: "m1", Role: RoleAssistant, Content: DefaultGreeting, Timestamp: now},
			{
				ID: "m2", Role: RoleUser, Content: "listar clientes", Timestamp: now,
				Metadata: map[string]any{MetadataRetrying: true},
				Error:    &MessageError{Message: "falhou", CanRetry: true},
			},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.SaveSession(sess); err != nil {
		t.Fatalf("save: %v", err)
	}

	sessions, err := store.ListSessions()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	got := sessions[0]
	if got.Title != "Consultas" || len(got.Messages) != 2 {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
	if got.Messages[1].Error == nil || !got.Messages[1].Error.CanRetry {
		t.Fatalf("message error lost in roundtrip")
	}
	if _, ok := got.Messages[1].Metadata[MetadataRetrying]; !ok {
		t.Fatalf("metadata lost in roundtrip")
	}
}

func TestFileStoreListOrdersPinnedFirst(t *testing.T) {
	store := NewFileSessionStore(t.TempDir())

	base := time.Now()
	input := []Session{
		{ID: "old-pinned", IsPinned: true, CreatedAt: base, UpdatedAt: base.Add(-time.Hour)},
		{ID: "newest", CreatedAt: base, UpdatedAt: base},
		{ID: "older", CreatedAt: base, UpdatedAt: base.Add(-30 * time.Minute)},
	}
	for _, sess := range input {
		if err := store.SaveSession(sess); err != nil {
			t.Fatalf("save %s: %v", sess.ID, err)
		}
	}

	sessions, err := store.ListSessions()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	wantOrder := []string{"old-pinned", "newest", "older"}
	for i, want := range wantOrder {
		if sessions[i].ID != want {
			t.Fatalf("position %d: got %s want %s", i, sessions[i].ID, want)
		}
	}
}

func TestFileStoreDeleteSession(t *testing.T) {
	store := NewFileSessionStore(t.TempDir())
	now := time.Now()
	if err := store.SaveSession(Session{ID: "s1", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.DeleteSession("s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// Deleting again is not an error.
	if err := store.DeleteSession("s1"); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
	sessions, err := store.ListSessions()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected empty store, got %d sessions", len(sessions))
	}
}

func TestFileStoreRemoteMappingRoundtrip(t *testing.T) {
	store := NewFileSessionStore(t.TempDir())

	mapping, err := store.RemoteMapping()
	if err != nil {
		t.Fatalf("empty mapping: %v", err)
	}
	if len(mapping) != 0 {
		t.Fatalf("expected empty mapping, got %v", mapping)
	}

	mapping["local-1"] = "remote-1"
	mapping["local-2"] = "remote-2"
	if err := store.SaveRemoteMapping(mapping); err != nil {
		t.Fatalf("save mapping: %v", err)
	}

	got, err := store.RemoteMapping()
	if err != nil {
		t.Fatalf("load mapping: %v", err)
	}
	if got["local-1"] != "remote-1" || got["local-2"] != "remote-2" {
		t.Fatalf("mapping mismatch: %v", got)
	}
}

func TestFileStoreClearAll(t *testing.T) {
	store := NewFileSessionStore(t.TempDir())
	now := time.Now()
	_ = store.SaveSession(Session{ID: "s1", CreatedAt: now, UpdatedAt: now})
	_ = store.SaveRemoteMapping(map[string]string{"s1": "r1"})

	if err := store.ClearAll(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	sessions, _ := store.ListSessions()
	if len(sessions) != 0 {
		t.Fatalf("sessions not cleared")
	}
	mapping, _ := store.RemoteMapping()
	if len(mapping) != 0 {
		t.Fatalf("mapping not cleared")
	}
}
