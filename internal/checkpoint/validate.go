package checkpoint

import (
	"context"
	"fmt"

	"github.com/keshon/savepoint/internal/flock"
	"github.com/keshon/savepoint/internal/model"
)

// ValidateCheckpoint asserts that every object referenced by checkpointID is
// present in the store. All missing references are collected rather than
// failing on the first, so the caller sees the full corruption surface.
func (o *Orchestrator) ValidateCheckpoint(checkpointID string) (bool, []string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.session == nil {
		return false, nil, fmt.Errorf("%w: no active session", ErrInvalidOperation)
	}
	cp, err := o.meta.findCheckpoint(o.session.ID, checkpointID)
	if err != nil {
		return false, nil, err
	}
	problems := o.validate(cp)
	return len(problems) == 0, problems, nil
}

func (o *Orchestrator) validate(cp *model.Checkpoint) []string {
	var problems []string
	check := func(digest, what, path string) {
		if digest == "" {
			return
		}
		if !o.store.Has(digest) {
			problems = append(problems, fmt.Sprintf("missing %s object %s for %q", what, digest, path))
		}
	}

	for _, state := range cp.Files {
		check(state.CasHash, "file", state.Path)
	}
	for i := range cp.Modified {
		d := &cp.Modified[i]
		check(d.SourceCasHash, "delta source", d.Path)
		check(d.TargetCasHash, "delta target", d.Path)
		check(d.ForwardDeltaCasHash, "forward delta", d.Path)
		check(d.ReverseDeltaCasHash, "reverse delta", d.Path)
	}
	return problems
}

// TryRepairCheckpoint attempts to re-store missing file objects from the
// live target directory. A live file whose digest no longer matches the
// recorded state cannot substitute for the lost object and is reported as a
// repair failure. Returns the result of a fresh validation afterward.
func (o *Orchestrator) TryRepairCheckpoint(ctx context.Context, checkpointID string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.session == nil {
		return false, fmt.Errorf("%w: no active session", ErrInvalidOperation)
	}
	cp, err := o.meta.findCheckpoint(o.session.ID, checkpointID)
	if err != nil {
		return false, err
	}

	for _, state := range cp.Files {
		if state.CasHash == "" || o.store.Has(state.CasHash) {
			continue
		}
		live := o.absPath(state.Path)
		if !o.fs.Exists(live) {
			o.log.Warn("repair: live file gone", "path", state.Path, "digest", state.CasHash)
			continue
		}
		digest, err := o.store.StoreFile(ctx, live)
		if err != nil {
			return false, fmt.Errorf("re-store %q: %w", state.Path, err)
		}
		if digest != state.CasHash {
			// The file changed since the checkpoint; its bytes cannot stand
			// in for the lost object.
			o.log.Warn("repair: live file diverged",
				"path", state.Path, "want", state.CasHash, "got", digest)
			continue
		}
		o.log.Info("repair: object restored", "path", state.Path, "digest", digest)
	}

	problems := o.validate(cp)
	for _, p := range problems {
		o.log.Warn("repair: still invalid", "problem", p)
	}
	return len(problems) == 0, nil
}

// GarbageCollect deletes every stored object not referenced by any session's
// baseline or checkpoints. It takes the store-wide lock so it cannot run
// concurrently with checkpoint creation in another process.
func (o *Orchestrator) GarbageCollect() (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.garbageCollectLocked()
}

func (o *Orchestrator) garbageCollectLocked() (int, error) {
	lock, err := flock.Acquire(o.layout.LockFile())
	if err != nil {
		return 0, err
	}
	defer lock.Release()

	referenced, err := o.referencedDigests()
	if err != nil {
		return 0, err
	}

	deleted, err := o.store.GarbageCollect(referenced)
	if err != nil {
		return 0, err
	}

	o.log.Info("garbage collected", "deleted", deleted, "referenced", len(referenced))
	o.events.Publish(Event{Type: EventGCCompleted, Count: deleted})
	return deleted, nil
}

// referencedDigests unions every object reference held by every known
// session: baseline manifests, checkpoint manifests, and all four delta
// artifacts of every modification.
func (o *Orchestrator) referencedDigests() (map[string]struct{}, error) {
	referenced := make(map[string]struct{})
	add := func(digest string) {
		if digest != "" {
			referenced[digest] = struct{}{}
		}
	}

	sessions, err := o.meta.listSessions()
	if err != nil {
		return nil, err
	}
	for _, s := range sessions {
		baseline, err := o.meta.loadBaseline(s.ID)
		if err == nil {
			for _, state := range baseline {
				add(state.CasHash)
			}
		} else {
			o.log.Warn("gc: unreadable baseline", "session", s.ID, "error", err)
		}

		checkpoints, err := o.meta.listCheckpoints(s.ID)
		if err != nil {
			return nil, err
		}
		for _, cp := range checkpoints {
			for _, state := range cp.Files {
				add(state.CasHash)
			}
			for i := range cp.Modified {
				d := &cp.Modified[i]
				add(d.SourceCasHash)
				add(d.TargetCasHash)
				add(d.ForwardDeltaCasHash)
				add(d.ReverseDeltaCasHash)
			}
		}
	}
	return referenced, nil
}
