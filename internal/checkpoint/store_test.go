package checkpoint

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/keshon/savepoint/internal/config"
	"github.com/keshon/savepoint/internal/fsys"
	"github.com/keshon/savepoint/internal/model"
)

func newTestMetaStore() (*metaStore, *fsys.MemoryFS) {
	m := fsys.NewMemoryFS()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return newMetaStore(config.NewLayout("target"), m, logger), m
}

func TestMetaStoreSessionRoundTrip(t *testing.T) {
	ms, _ := newTestMetaStore()

	want := &model.Session{
		ID:         "s1",
		Name:       "modding run",
		TargetPath: "target",
		StartTime:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	if err := ms.saveSession(want); err != nil {
		t.Fatal(err)
	}

	got, err := ms.loadSession("s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != want.ID || got.Name != want.Name || !got.StartTime.Equal(want.StartTime) {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestMetaStoreListSessionsOrderAndSkip(t *testing.T) {
	ms, m := newTestMetaStore()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"newer", "older"} {
		s := &model.Session{ID: id, StartTime: base.Add(time.Duration(1-i) * time.Hour)}
		if err := ms.saveSession(s); err != nil {
			t.Fatal(err)
		}
	}
	// A session directory with garbage instead of a record is skipped.
	m.MkdirAll(ms.layout.SessionDir("broken"), 0o755)
	m.WriteFile(ms.layout.SessionFile("broken"), []byte("{not json"), 0o644)

	sessions, err := ms.listSessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 readable sessions, got %d", len(sessions))
	}
	if sessions[0].ID != "older" || sessions[1].ID != "newer" {
		t.Fatalf("expected oldest first, got %s then %s", sessions[0].ID, sessions[1].ID)
	}
}

func TestMetaStoreBaselineRoundTrip(t *testing.T) {
	ms, _ := newTestMetaStore()

	want := map[string]model.FileState{
		"data/a.bsa": {Path: "Data/a.BSA", ContentHash: "c1", CasHash: "o1", Size: 10},
	}
	if err := ms.saveBaseline("s1", want); err != nil {
		t.Fatal(err)
	}
	got, err := ms.loadBaseline("s1")
	if err != nil {
		t.Fatal(err)
	}
	if got["data/a.bsa"].Path != "Data/a.BSA" || got["data/a.bsa"].CasHash != "o1" {
		t.Fatalf("unexpected baseline %+v", got)
	}
}

func TestMetaStoreCheckpointsOrderedBySequence(t *testing.T) {
	ms, _ := newTestMetaStore()

	for _, c := range []*model.Checkpoint{
		{ID: "c3", SessionID: "s1", Sequence: 3},
		{ID: "c1", SessionID: "s1", Sequence: 1},
		{ID: "c2", SessionID: "s1", Sequence: 2},
	} {
		if err := ms.saveCheckpoint(c); err != nil {
			t.Fatal(err)
		}
	}

	checkpoints, err := ms.listCheckpoints("s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(checkpoints) != 3 {
		t.Fatalf("expected 3 checkpoints, got %d", len(checkpoints))
	}
	for i, c := range checkpoints {
		if c.Sequence != i+1 {
			t.Fatalf("expected sequence %d at position %d, got %d", i+1, i, c.Sequence)
		}
	}
}

func TestMetaStoreFindCheckpoint(t *testing.T) {
	ms, _ := newTestMetaStore()

	if err := ms.saveCheckpoint(&model.Checkpoint{ID: "c1", SessionID: "s1", Sequence: 1}); err != nil {
		t.Fatal(err)
	}

	c, err := ms.findCheckpoint("s1", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.ID != "c1" {
		t.Fatalf("unexpected checkpoint %+v", c)
	}

	if _, err := ms.findCheckpoint("s1", "nope"); !errors.Is(err, ErrUnknownCheckpoint) {
		t.Fatalf("expected ErrUnknownCheckpoint, got %v", err)
	}
}

func TestMetaStoreDeleteSession(t *testing.T) {
	ms, m := newTestMetaStore()

	if err := ms.saveSession(&model.Session{ID: "s1"}); err != nil {
		t.Fatal(err)
	}
	if err := ms.saveCheckpoint(&model.Checkpoint{ID: "c1", SessionID: "s1", Sequence: 1}); err != nil {
		t.Fatal(err)
	}

	if err := ms.deleteSession("s1"); err != nil {
		t.Fatal(err)
	}
	if m.Exists(ms.layout.SessionDir("s1")) {
		t.Fatal("session directory should be gone")
	}
	if got, err := ms.listSessions(); err != nil || len(got) != 0 {
		t.Fatalf("expected no sessions, got %v (%v)", got, err)
	}
}
