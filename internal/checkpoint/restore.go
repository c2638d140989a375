package checkpoint

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/keshon/savepoint/internal/model"
)

// RestoreCheckpoint replays the live directory to the state captured by
// checkpointID, walking the chain forward or backward as needed.
func (o *Orchestrator) RestoreCheckpoint(ctx context.Context, checkpointID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.session == nil {
		return fmt.Errorf("%w: no active session", ErrInvalidOperation)
	}
	target, err := o.meta.findCheckpoint(o.session.ID, checkpointID)
	if err != nil {
		return err
	}
	return o.restoreToSequence(ctx, target.Sequence)
}

// RestoreToSequence replays to an absolute sequence number; sequence 0 is
// the session baseline.
func (o *Orchestrator) RestoreToSequence(ctx context.Context, seq int) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.session == nil {
		return fmt.Errorf("%w: no active session", ErrInvalidOperation)
	}
	return o.restoreToSequence(ctx, seq)
}

func (o *Orchestrator) restoreToSequence(ctx context.Context, target int) error {
	if target == o.counter {
		return nil
	}

	checkpoints, err := o.meta.listCheckpoints(o.session.ID)
	if err != nil {
		return err
	}
	bySeq := make(map[int]*model.Checkpoint, len(checkpoints))
	maxSeq := 0
	for _, c := range checkpoints {
		bySeq[c.Sequence] = c
		if c.Sequence > maxSeq {
			maxSeq = c.Sequence
		}
	}
	if target < 0 || target > maxSeq {
		return fmt.Errorf("%w: sequence %d out of range [0..%d]", ErrInvalidOperation, target, maxSeq)
	}

	if target < o.counter {
		for s := o.counter; s > target; s-- {
			c, ok := bySeq[s]
			if !ok {
				return fmt.Errorf("%w: missing checkpoint at sequence %d", ErrUnknownCheckpoint, s)
			}
			if err := o.replayBackward(ctx, c, bySeq); err != nil {
				return fmt.Errorf("replay checkpoint %d backward: %w", s, err)
			}
		}
	} else {
		for s := o.counter + 1; s <= target; s++ {
			c, ok := bySeq[s]
			if !ok {
				return fmt.Errorf("%w: missing checkpoint at sequence %d", ErrUnknownCheckpoint, s)
			}
			if err := o.replayForward(ctx, c); err != nil {
				return fmt.Errorf("replay checkpoint %d forward: %w", s, err)
			}
		}
	}

	manifest, err := o.rescanWithCas(ctx, checkpoints, o.baseline)
	if err != nil {
		return err
	}
	o.current = manifest
	o.counter = target

	o.session.CurrentSequence = target
	if err := o.meta.saveSession(o.session); err != nil {
		return err
	}

	o.log.Info("restored", "session", o.session.ID, "sequence", target)
	o.events.Publish(Event{
		Type: EventRestored, SessionID: o.session.ID, Sequence: target,
	})
	return nil
}

// replayBackward undoes one checkpoint: modified files roll back through
// reverse deltas, added files are removed, deleted files come back from the
// store using their state as of the preceding sequence.
func (o *Orchestrator) replayBackward(ctx context.Context, c *model.Checkpoint, bySeq map[int]*model.Checkpoint) error {
	total := len(c.Modified) + len(c.Added) + len(c.Deleted)
	done := 0

	for i := range c.Modified {
		if err := ctx.Err(); err != nil {
			return err
		}
		d := &c.Modified[i]
		if err := o.diff.ApplyReverse(ctx, d, o.absPath(d.Path)); err != nil {
			return fmt.Errorf("reverse %q: %w", d.Path, err)
		}
		done++
		o.events.Publish(Event{Type: EventFileProgress, Path: d.Path, Current: done, Total: total})
	}

	for _, p := range c.Added {
		if err := o.fs.Remove(o.absPath(p)); err != nil && !o.fs.IsNotExist(err) {
			return fmt.Errorf("remove added %q: %w", p, err)
		}
		o.pruneEmptyParents(p)
		done++
		o.events.Publish(Event{Type: EventFileProgress, Path: p, Current: done, Total: total})
	}

	for _, p := range c.Deleted {
		state, err := o.stateAtSequence(c.Sequence-1, model.Key(p), bySeq)
		if err != nil {
			return fmt.Errorf("deleted %q: %w", p, err)
		}
		if err := o.store.Retrieve(ctx, state.CasHash, o.absPath(state.Path)); err != nil {
			return fmt.Errorf("restore deleted %q: %w", p, err)
		}
		done++
		o.events.Publish(Event{Type: EventFileProgress, Path: p, Current: done, Total: total})
	}
	return nil
}

// replayForward reapplies one checkpoint: forward deltas for modified files,
// store retrieval for added files, removal for deleted files.
func (o *Orchestrator) replayForward(ctx context.Context, c *model.Checkpoint) error {
	total := len(c.Modified) + len(c.Added) + len(c.Deleted)
	done := 0

	for i := range c.Modified {
		if err := ctx.Err(); err != nil {
			return err
		}
		d := &c.Modified[i]
		if err := o.diff.ApplyForward(ctx, d, o.absPath(d.Path)); err != nil {
			return fmt.Errorf("forward %q: %w", d.Path, err)
		}
		done++
		o.events.Publish(Event{Type: EventFileProgress, Path: d.Path, Current: done, Total: total})
	}

	for _, p := range c.Added {
		state, ok := c.Files[model.Key(p)]
		if !ok {
			return fmt.Errorf("%w: added path %q has no file state", ErrUnknownCheckpoint, p)
		}
		if err := o.store.Retrieve(ctx, state.CasHash, o.absPath(state.Path)); err != nil {
			return fmt.Errorf("restore added %q: %w", p, err)
		}
		done++
		o.events.Publish(Event{Type: EventFileProgress, Path: p, Current: done, Total: total})
	}

	for _, p := range c.Deleted {
		if err := o.fs.Remove(o.absPath(p)); err != nil && !o.fs.IsNotExist(err) {
			return fmt.Errorf("remove deleted %q: %w", p, err)
		}
		o.pruneEmptyParents(p)
		done++
		o.events.Publish(Event{Type: EventFileProgress, Path: p, Current: done, Total: total})
	}
	return nil
}

// stateAtSequence resolves a path's FileState as of the given sequence:
// the nearest checkpoint at or below seq that recorded the path, stopping at
// an anchor (whose manifest is complete), then the baseline.
func (o *Orchestrator) stateAtSequence(seq int, key string, bySeq map[int]*model.Checkpoint) (model.FileState, error) {
	for s := seq; s >= 1; s-- {
		c, ok := bySeq[s]
		if !ok {
			continue
		}
		if state, ok := c.Files[key]; ok {
			return state, nil
		}
		if c.IsAnchor {
			// Full manifest without the path: it did not exist at s.
			return model.FileState{}, fmt.Errorf("%w: no state for %q at sequence %d", ErrUnknownCheckpoint, key, seq)
		}
	}
	if state, ok := o.baseline[key]; ok {
		return state, nil
	}
	return model.FileState{}, fmt.Errorf("%w: no state for %q at sequence %d", ErrUnknownCheckpoint, key, seq)
}

// pruneEmptyParents removes now-empty directories left behind by a removed
// file, up to the target root.
func (o *Orchestrator) pruneEmptyParents(rel string) {
	dir := filepath.Dir(filepath.FromSlash(rel))
	for dir != "." && dir != string(filepath.Separator) {
		abs := filepath.Join(o.targetPath, dir)
		entries, err := o.fs.ReadDir(abs)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := o.fs.Remove(abs); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}
