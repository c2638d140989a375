package checkpoint_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/keshon/savepoint/internal/checkpoint"
	"github.com/keshon/savepoint/internal/config"
	"github.com/keshon/savepoint/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newOrchestrator(t *testing.T, mutate func(*config.Config)) (*checkpoint.Orchestrator, string) {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Engine.Workers = 2
	if mutate != nil {
		mutate(cfg)
	}

	orch, err := checkpoint.New(dir, cfg, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(orch.Close)
	return orch, dir
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func randomBytes(seed int64, n int) []byte {
	r := rand.New(rand.NewSource(seed))
	out := make([]byte, n)
	r.Read(out)
	return out
}

func TestStartSession(t *testing.T) {
	orch, dir := newOrchestrator(t, nil)
	ctx := context.Background()

	writeFile(t, filepath.Join(dir, "a.txt"), []byte("alpha"))
	writeFile(t, filepath.Join(dir, "sub", "b.bin"), []byte("beta"))

	session, err := orch.StartSession(ctx, "install mods", 5)
	if err != nil {
		t.Fatal(err)
	}
	if session.ID == "" || session.Name != "install mods" || session.IsComplete {
		t.Fatalf("unexpected session %+v", session)
	}

	sessions, err := orch.ListSessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].ID != session.ID {
		t.Fatalf("unexpected sessions %v", sessions)
	}

	// A second session cannot start while the first is active.
	if _, err := orch.StartSession(ctx, "again", 0); !errors.Is(err, checkpoint.ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation, got %v", err)
	}
}

func TestCheckpointRestoreScenario(t *testing.T) {
	orch, dir := newOrchestrator(t, nil)
	ctx := context.Background()

	// A small text file (full copy territory) and a large binary (delta
	// territory).
	textV0 := randomBytes(1, 50*1024)
	binV0 := randomBytes(2, 500*1024)
	aPath := filepath.Join(dir, "a.txt")
	bPath := filepath.Join(dir, "b.bin")
	writeFile(t, aPath, textV0)
	writeFile(t, bPath, binV0)

	if _, err := orch.StartSession(ctx, "scenario", 0); err != nil {
		t.Fatal(err)
	}

	// Mutate both files and checkpoint.
	textV1 := append(append([]byte(nil), textV0...), []byte("edited")...)
	binV1 := append(append([]byte(nil), binV0...), randomBytes(3, 4096)...)
	writeFile(t, aPath, textV1)
	writeFile(t, bPath, binV1)

	cp1, err := orch.CreateCheckpoint(ctx, "first", "mod-001")
	if err != nil {
		t.Fatal(err)
	}
	if cp1.Sequence != 1 || cp1.IsAnchor {
		t.Fatalf("unexpected checkpoint %+v", cp1)
	}
	if len(cp1.Modified) != 2 || len(cp1.Added) != 0 || len(cp1.Deleted) != 0 {
		t.Fatalf("unexpected diff: +%v -%v ~%v", cp1.Added, cp1.Deleted, cp1.Modified)
	}
	methods := map[string]string{}
	for _, d := range cp1.Modified {
		methods[d.Path] = d.Method
	}
	if methods["a.txt"] != model.MethodFullCopy {
		t.Fatalf("small file should be full_copy, got %q", methods["a.txt"])
	}
	if methods["b.bin"] != model.MethodDelta {
		t.Fatalf("large file should be delta, got %q", methods["b.bin"])
	}

	// Delete the text file, add a new one, checkpoint again.
	if err := os.Remove(aPath); err != nil {
		t.Fatal(err)
	}
	cContent := []byte("new mod readme")
	writeFile(t, filepath.Join(dir, "c.txt"), cContent)

	cp2, err := orch.CreateCheckpoint(ctx, "second", "")
	if err != nil {
		t.Fatal(err)
	}
	if cp2.Sequence != 2 || cp2.PreviousID != cp1.ID {
		t.Fatalf("unexpected chain %+v", cp2)
	}
	if len(cp2.Added) != 1 || cp2.Added[0] != "c.txt" {
		t.Fatalf("unexpected added %v", cp2.Added)
	}
	if len(cp2.Deleted) != 1 || cp2.Deleted[0] != "a.txt" {
		t.Fatalf("unexpected deleted %v", cp2.Deleted)
	}

	// Back to the baseline.
	if err := orch.RestoreToSequence(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(readFile(t, aPath), textV0) {
		t.Fatal("a.txt should hold its baseline content")
	}
	if !bytes.Equal(readFile(t, bPath), binV0) {
		t.Fatal("b.bin should hold its baseline content")
	}
	if _, err := os.Stat(filepath.Join(dir, "c.txt")); !os.IsNotExist(err) {
		t.Fatal("c.txt should not exist at the baseline")
	}

	// Forward to the latest checkpoint.
	if err := orch.RestoreToSequence(ctx, 2); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(aPath); !os.IsNotExist(err) {
		t.Fatal("a.txt was deleted at sequence 2")
	}
	if !bytes.Equal(readFile(t, bPath), binV1) {
		t.Fatal("b.bin should hold its modified content")
	}
	if !bytes.Equal(readFile(t, filepath.Join(dir, "c.txt")), cContent) {
		t.Fatal("c.txt should be back")
	}

	// One step back: the deleted file returns with its sequence-1 content.
	if err := orch.RestoreCheckpoint(ctx, cp1.ID); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(readFile(t, aPath), textV1) {
		t.Fatal("a.txt should hold its first-checkpoint content")
	}
	if _, err := os.Stat(filepath.Join(dir, "c.txt")); !os.IsNotExist(err) {
		t.Fatal("c.txt should be gone at sequence 1")
	}
}

func TestRestoreOutOfRange(t *testing.T) {
	orch, dir := newOrchestrator(t, nil)
	ctx := context.Background()

	writeFile(t, filepath.Join(dir, "f"), []byte("x"))
	if _, err := orch.StartSession(ctx, "", 0); err != nil {
		t.Fatal(err)
	}

	if err := orch.RestoreToSequence(ctx, 3); !errors.Is(err, checkpoint.ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation, got %v", err)
	}
	if err := orch.RestoreToSequence(ctx, -1); !errors.Is(err, checkpoint.ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation, got %v", err)
	}
	if err := orch.RestoreCheckpoint(ctx, "no-such-id"); !errors.Is(err, checkpoint.ErrUnknownCheckpoint) {
		t.Fatalf("expected ErrUnknownCheckpoint, got %v", err)
	}
}

func TestCheckpointAfterBackwardRestoreTruncates(t *testing.T) {
	orch, dir := newOrchestrator(t, nil)
	ctx := context.Background()

	path := filepath.Join(dir, "save.dat")
	writeFile(t, path, []byte("v0"))
	if _, err := orch.StartSession(ctx, "", 0); err != nil {
		t.Fatal(err)
	}

	for _, v := range []string{"v1", "v2", "v3"} {
		writeFile(t, path, []byte(v))
		if _, err := orch.CreateCheckpoint(ctx, v, ""); err != nil {
			t.Fatal(err)
		}
	}

	if err := orch.RestoreToSequence(ctx, 1); err != nil {
		t.Fatal(err)
	}
	writeFile(t, path, []byte("divergent"))
	cp, err := orch.CreateCheckpoint(ctx, "fork", "")
	if err != nil {
		t.Fatal(err)
	}
	if cp.Sequence != 2 {
		t.Fatalf("expected sequence 2 after truncation, got %d", cp.Sequence)
	}

	checkpoints, err := orch.ListCheckpoints(orch.Session().ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(checkpoints) != 2 {
		t.Fatalf("expected linear history of 2, got %d", len(checkpoints))
	}
	if checkpoints[1].Label != "fork" {
		t.Fatalf("unexpected tail checkpoint %+v", checkpoints[1])
	}
}

func TestAnchorCarriesFullManifest(t *testing.T) {
	orch, dir := newOrchestrator(t, func(cfg *config.Config) {
		cfg.Engine.AnchorFrequency = 3
	})
	ctx := context.Background()

	writeFile(t, filepath.Join(dir, "stable.txt"), []byte("never changes"))
	path := filepath.Join(dir, "hot.txt")
	writeFile(t, path, []byte("v0"))
	if _, err := orch.StartSession(ctx, "", 0); err != nil {
		t.Fatal(err)
	}

	var last *model.Checkpoint
	for _, v := range []string{"v1", "v2", "v3"} {
		writeFile(t, path, []byte(v))
		cp, err := orch.CreateCheckpoint(ctx, v, "")
		if err != nil {
			t.Fatal(err)
		}
		last = cp
	}

	if !last.IsAnchor {
		t.Fatal("third checkpoint should be an anchor")
	}
	if len(last.Files) != 2 {
		t.Fatalf("anchor should carry the full manifest, got %d entries", len(last.Files))
	}
	if _, ok := last.Files["stable.txt"]; !ok {
		t.Fatal("anchor manifest should include the unchanged file")
	}

	if last.PreviousAnchorID != "" {
		t.Fatalf("no anchor precedes the first one, got %q", last.PreviousAnchorID)
	}

	checkpoints, err := orch.ListCheckpoints(orch.Session().ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(checkpoints[0].Files) != 1 {
		t.Fatalf("non-anchor should carry only changed entries, got %d", len(checkpoints[0].Files))
	}
}

func TestValidateAndRepair(t *testing.T) {
	orch, dir := newOrchestrator(t, nil)
	ctx := context.Background()

	path := filepath.Join(dir, "data.bin")
	writeFile(t, path, []byte("v0"))
	if _, err := orch.StartSession(ctx, "", 0); err != nil {
		t.Fatal(err)
	}

	writeFile(t, path, []byte("v1"))
	cp, err := orch.CreateCheckpoint(ctx, "", "")
	if err != nil {
		t.Fatal(err)
	}

	ok, problems, err := orch.ValidateCheckpoint(cp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || len(problems) != 0 {
		t.Fatalf("fresh checkpoint should validate, problems: %v", problems)
	}

	// Destroy the object behind the only recorded file state.
	state := cp.Files["data.bin"]
	objPath := filepath.Join(dir, ".savepoint", "objects", state.CasHash[:2], state.CasHash[2:])
	if err := os.Remove(objPath); err != nil {
		t.Fatal(err)
	}

	ok, problems, err = orch.ValidateCheckpoint(cp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ok || len(problems) == 0 {
		t.Fatal("validation should report the missing object")
	}

	// The live file still holds the checkpointed content, so repair can
	// re-store it.
	repaired, err := orch.TryRepairCheckpoint(ctx, cp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !repaired {
		t.Fatal("repair should succeed from the live file")
	}
	if ok, _, _ := orch.ValidateCheckpoint(cp.ID); !ok {
		t.Fatal("checkpoint should validate after repair")
	}
}

func TestRepairFailsOnDivergedFile(t *testing.T) {
	orch, dir := newOrchestrator(t, nil)
	ctx := context.Background()

	path := filepath.Join(dir, "data.bin")
	writeFile(t, path, []byte("v0"))
	if _, err := orch.StartSession(ctx, "", 0); err != nil {
		t.Fatal(err)
	}
	writeFile(t, path, []byte("v1"))
	cp, err := orch.CreateCheckpoint(ctx, "", "")
	if err != nil {
		t.Fatal(err)
	}

	state := cp.Files["data.bin"]
	if err := os.Remove(filepath.Join(dir, ".savepoint", "objects", state.CasHash[:2], state.CasHash[2:])); err != nil {
		t.Fatal(err)
	}
	// The live file moved on; its bytes cannot replace the lost object.
	writeFile(t, path, []byte("v2"))

	repaired, err := orch.TryRepairCheckpoint(ctx, cp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if repaired {
		t.Fatal("repair must not pass off diverged content as the lost object")
	}
}

func TestGarbageCollect(t *testing.T) {
	orch, dir := newOrchestrator(t, nil)
	ctx := context.Background()

	writeFile(t, filepath.Join(dir, "f.bin"), randomBytes(4, 8*1024))
	if _, err := orch.StartSession(ctx, "", 0); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "f.bin"), randomBytes(5, 8*1024))
	if _, err := orch.CreateCheckpoint(ctx, "", ""); err != nil {
		t.Fatal(err)
	}

	// Plant an orphan object the metadata never references.
	orphan := strings.Repeat("ab", 32)
	orphanPath := filepath.Join(dir, ".savepoint", "objects", orphan[:2], orphan[2:])
	writeFile(t, orphanPath, []byte("orphan"))

	deleted, err := orch.GarbageCollect()
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Fatalf("expected exactly the orphan deleted, got %d", deleted)
	}
	if _, err := os.Stat(orphanPath); !os.IsNotExist(err) {
		t.Fatal("orphan should be gone")
	}

	// Everything still referenced must still restore.
	if err := orch.RestoreToSequence(ctx, 0); err != nil {
		t.Fatalf("restore after gc: %v", err)
	}
}

func TestCompleteSessionDiscard(t *testing.T) {
	orch, dir := newOrchestrator(t, nil)
	ctx := context.Background()

	writeFile(t, filepath.Join(dir, "f"), []byte("x"))
	session, err := orch.StartSession(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "f"), []byte("y"))
	if _, err := orch.CreateCheckpoint(ctx, "", ""); err != nil {
		t.Fatal(err)
	}

	if err := orch.CompleteSession(ctx, false); err != nil {
		t.Fatal(err)
	}

	sessions, err := orch.ListSessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 0 {
		t.Fatalf("discarded session should be gone, got %v", sessions)
	}
	if _, err := os.Stat(filepath.Join(dir, ".savepoint", "sessions", session.ID)); !os.IsNotExist(err) {
		t.Fatal("session directory should be deleted")
	}

	// No sessions reference anything, so the store must be empty.
	count := 0
	filepath.WalkDir(filepath.Join(dir, ".savepoint", "objects"), func(p string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			count++
		}
		return nil
	})
	if count != 0 {
		t.Fatalf("expected empty object store, found %d objects", count)
	}

	if _, err := orch.CreateCheckpoint(ctx, "", ""); !errors.Is(err, checkpoint.ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation after completion, got %v", err)
	}
}

func TestCompleteSessionKeep(t *testing.T) {
	orch, dir := newOrchestrator(t, nil)
	ctx := context.Background()

	writeFile(t, filepath.Join(dir, "f"), []byte("x"))
	session, err := orch.StartSession(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := orch.CompleteSession(ctx, true); err != nil {
		t.Fatal(err)
	}

	sessions, err := orch.ListSessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || !sessions[0].IsComplete || sessions[0].EndTime.IsZero() {
		t.Fatalf("kept session should persist as complete, got %+v", sessions)
	}

	// A completed session can no longer be resumed, but can be deleted.
	orch2, err := checkpoint.New(dir, config.Default(), discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer orch2.Close()
	if err := orch2.ResumeSession(ctx, session.ID); !errors.Is(err, checkpoint.ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation, got %v", err)
	}
	if err := orch2.DeleteSession(session.ID); err != nil {
		t.Fatal(err)
	}
}

func TestResumeSession(t *testing.T) {
	orch, dir := newOrchestrator(t, nil)
	ctx := context.Background()

	path := filepath.Join(dir, "f")
	writeFile(t, path, []byte("v0"))
	session, err := orch.StartSession(ctx, "resumable", 0)
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, path, []byte("v1"))
	if _, err := orch.CreateCheckpoint(ctx, "", ""); err != nil {
		t.Fatal(err)
	}
	orch.Close()

	// Fresh process: resume picks up the counter and the recorded manifest.
	orch2, err := checkpoint.New(dir, config.Default(), discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer orch2.Close()
	if err := orch2.ResumeSession(ctx, session.ID); err != nil {
		t.Fatal(err)
	}

	writeFile(t, path, []byte("v2"))
	cp, err := orch2.CreateCheckpoint(ctx, "after restart", "")
	if err != nil {
		t.Fatal(err)
	}
	if cp.Sequence != 2 {
		t.Fatalf("expected sequence 2 after resume, got %d", cp.Sequence)
	}
	if len(cp.Modified) != 1 || cp.Modified[0].Path != "f" {
		t.Fatalf("unexpected diff %+v", cp)
	}

	if err := orch2.RestoreToSequence(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(readFile(t, path), []byte("v0")) {
		t.Fatal("baseline content should be restored across restarts")
	}
}

func TestResumeDetectsEditsBetweenProcesses(t *testing.T) {
	orch, dir := newOrchestrator(t, nil)
	ctx := context.Background()

	path := filepath.Join(dir, "f.txt")
	writeFile(t, path, []byte("v0"))
	session, err := orch.StartSession(ctx, "handoff", 0)
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, path, []byte("v1"))
	if _, err := orch.CreateCheckpoint(ctx, "", ""); err != nil {
		t.Fatal(err)
	}
	orch.Close()

	// Edit while no orchestrator is running, as happens between CLI runs.
	writeFile(t, path, []byte("v2"))

	orch2, err := checkpoint.New(dir, config.Default(), discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer orch2.Close()
	if err := orch2.ResumeSession(ctx, session.ID); err != nil {
		t.Fatal(err)
	}

	cp, err := orch2.CreateCheckpoint(ctx, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if cp.Sequence != 2 {
		t.Fatalf("expected sequence 2, got %d", cp.Sequence)
	}
	if len(cp.Modified) != 1 || cp.Modified[0].Path != "f.txt" {
		t.Fatalf("edit made between processes was not recorded: %+v", cp)
	}

	if err := orch2.RestoreToSequence(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(readFile(t, path), []byte("v1")) {
		t.Fatal("restore should undo the between-process edit")
	}
}

func TestRestorePositionSurvivesRestart(t *testing.T) {
	orch, dir := newOrchestrator(t, nil)
	ctx := context.Background()

	path := filepath.Join(dir, "f")
	writeFile(t, path, []byte("v0"))
	session, err := orch.StartSession(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range []string{"v1", "v2", "v3"} {
		writeFile(t, path, []byte(v))
		if _, err := orch.CreateCheckpoint(ctx, v, ""); err != nil {
			t.Fatal(err)
		}
	}
	if err := orch.RestoreToSequence(ctx, 1); err != nil {
		t.Fatal(err)
	}
	orch.Close()

	orch2, err := checkpoint.New(dir, config.Default(), discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer orch2.Close()
	if err := orch2.ResumeSession(ctx, session.ID); err != nil {
		t.Fatal(err)
	}

	// The next checkpoint forks from sequence 1 and drops the old tail.
	writeFile(t, path, []byte("fork"))
	cp, err := orch2.CreateCheckpoint(ctx, "fork", "")
	if err != nil {
		t.Fatal(err)
	}
	if cp.Sequence != 2 {
		t.Fatalf("expected fork at sequence 2, got %d", cp.Sequence)
	}
	if len(cp.Modified) != 1 || cp.Modified[0].Path != "f" {
		t.Fatalf("unexpected diff %+v", cp)
	}
	checkpoints, err := orch2.ListCheckpoints(session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(checkpoints) != 2 {
		t.Fatalf("expected 2 checkpoints after fork, got %d", len(checkpoints))
	}
}

func TestFileProgressDuringCheckpointAndRestore(t *testing.T) {
	orch, dir := newOrchestrator(t, nil)
	ctx := context.Background()

	writeFile(t, filepath.Join(dir, "a"), []byte("a0"))
	writeFile(t, filepath.Join(dir, "b"), []byte("b0"))
	if _, err := orch.StartSession(ctx, "", 0); err != nil {
		t.Fatal(err)
	}

	events := orch.Events().Subscribe()
	defer orch.Events().Unsubscribe(events)

	// drain collects events until the given summary type arrives and counts
	// the file_progress events seen on the way.
	drain := func(until string) int {
		t.Helper()
		progress := 0
		deadline := time.After(5 * time.Second)
		for {
			select {
			case ev := <-events:
				switch ev.Type {
				case checkpoint.EventFileProgress:
					if ev.Path == "" || ev.Total == 0 {
						t.Fatalf("incomplete progress event %+v", ev)
					}
					progress++
				case until:
					return progress
				}
			case <-deadline:
				t.Fatalf("no %s event received", until)
			}
		}
	}

	writeFile(t, filepath.Join(dir, "a"), []byte("a1"))
	if _, err := orch.CreateCheckpoint(ctx, "", ""); err != nil {
		t.Fatal(err)
	}
	if n := drain(checkpoint.EventCheckpointCreated); n == 0 {
		t.Fatal("expected file progress during checkpoint creation")
	}

	if err := orch.RestoreToSequence(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if n := drain(checkpoint.EventRestored); n == 0 {
		t.Fatal("expected file progress during restore")
	}
}

func TestCheckpointWithoutSession(t *testing.T) {
	orch, _ := newOrchestrator(t, nil)
	ctx := context.Background()

	if _, err := orch.CreateCheckpoint(ctx, "", ""); !errors.Is(err, checkpoint.ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation, got %v", err)
	}
	if err := orch.RestoreToSequence(ctx, 0); !errors.Is(err, checkpoint.ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation, got %v", err)
	}
}

func TestDeleteActiveSessionRefused(t *testing.T) {
	orch, dir := newOrchestrator(t, nil)
	ctx := context.Background()

	writeFile(t, filepath.Join(dir, "f"), []byte("x"))
	session, err := orch.StartSession(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := orch.DeleteSession(session.ID); !errors.Is(err, checkpoint.ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation, got %v", err)
	}
}
