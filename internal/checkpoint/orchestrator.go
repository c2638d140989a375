// Package checkpoint orchestrates checkpoint sessions over a target
// directory: baseline capture, incremental checkpoint creation with anchors,
// bidirectional restore, validation, repair, and garbage collection.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keshon/savepoint/internal/cas"
	"github.com/keshon/savepoint/internal/config"
	"github.com/keshon/savepoint/internal/delta"
	"github.com/keshon/savepoint/internal/flock"
	"github.com/keshon/savepoint/internal/fsys"
	"github.com/keshon/savepoint/internal/model"
	"github.com/keshon/savepoint/internal/scan"
	"github.com/keshon/savepoint/internal/util"
)

var (
	// ErrInvalidOperation marks caller errors: creating a checkpoint with no
	// active session, completing a session twice, and the like.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrUnknownCheckpoint is returned for checkpoint ids with no record.
	ErrUnknownCheckpoint = errors.New("unknown checkpoint")
)

// Orchestrator owns session lifecycle and checkpoint navigation for one
// target directory. A single orchestrator must not run checkpoint creation
// and restore concurrently; its mutex serializes them.
type Orchestrator struct {
	targetPath string
	layout     config.Layout
	cfg        config.EngineConfig
	fs         fsys.FS
	store      *cas.Store
	diff       *delta.Service
	meta       *metaStore
	scanner    *scan.Scanner
	events     *Broker
	log        *slog.Logger

	mu       sync.Mutex
	session  *model.Session
	baseline map[string]model.FileState
	current  map[string]model.FileState
	counter  int
}

// New opens an orchestrator over targetPath, creating the metadata layout
// under its .savepoint directory if missing.
func New(targetPath string, cfg *config.Config, logger *slog.Logger) (*Orchestrator, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}

	fs := fsys.NewOSFS()
	layout := config.NewLayout(targetPath)
	store, err := cas.New(layout.ObjectsDir(), fs, logger)
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		targetPath: targetPath,
		layout:     layout,
		cfg:        cfg.Engine,
		fs:         fs,
		store:      store,
		diff:       delta.NewService(store, fs, cfg.Engine, logger),
		meta:       newMetaStore(layout, fs, logger),
		scanner:    scan.New(config.MetaDirName, cfg.Engine.Workers),
		events:     NewBroker(),
		log:        logger,
	}, nil
}

// Events exposes the progress event broker.
func (o *Orchestrator) Events() *Broker { return o.events }

// Close shuts down the event broker.
func (o *Orchestrator) Close() { o.events.Close() }

// Session returns the active session, or nil.
func (o *Orchestrator) Session() *model.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}

// StartSession scans targetPath into the baseline manifest, stores every
// baseline file in the object store, and persists the new session.
func (o *Orchestrator) StartSession(ctx context.Context, name string, totalComponents int) (*model.Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.session != nil && !o.session.IsComplete {
		return nil, fmt.Errorf("%w: session %q is still active", ErrInvalidOperation, o.session.ID)
	}

	lock, err := flock.Acquire(o.layout.LockFile())
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	manifest, err := o.scanner.Scan(ctx, o.targetPath)
	if err != nil {
		return nil, fmt.Errorf("baseline scan: %w", err)
	}

	// Capture every baseline file so anything later deleted (or referenced by
	// an anchor) can be restored from the store alone.
	keys := util.SortedKeys(manifest)
	var mu sync.Mutex
	done := 0
	err = util.Parallel(keys, o.cfg.Workers, func(key string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		state := manifest[key]
		digest, err := o.store.StoreFile(ctx, o.absPath(state.Path))
		if err != nil {
			return fmt.Errorf("store baseline %q: %w", state.Path, err)
		}
		state.CasHash = digest
		mu.Lock()
		manifest[key] = state
		done++
		o.events.Publish(Event{
			Type: EventFileProgress, Path: state.Path, Current: done, Total: len(keys),
		})
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}

	session := &model.Session{
		ID:              uuid.New().String(),
		Name:            name,
		TargetPath:      o.targetPath,
		StartTime:       time.Now().UTC(),
		TotalComponents: totalComponents,
	}
	if err := o.meta.saveSession(session); err != nil {
		return nil, err
	}
	if err := o.meta.saveBaseline(session.ID, manifest); err != nil {
		return nil, err
	}

	o.session = session
	o.baseline = manifest
	o.current = cloneManifest(manifest)
	o.counter = 0

	o.log.Info("session started", "session", session.ID, "files", len(manifest))
	o.events.Publish(Event{Type: EventSessionStarted, SessionID: session.ID, Total: len(manifest)})
	return session, nil
}

// ResumeSession reloads a persisted session after a process restart. The
// manifest is rebuilt from the persisted checkpoint records at the session's
// saved position, not from the live directory, so changes made since the
// last checkpoint still show up as diffs in the next one.
func (o *Orchestrator) ResumeSession(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	session, err := o.meta.loadSession(sessionID)
	if err != nil {
		return err
	}
	if session.IsComplete {
		return fmt.Errorf("%w: session %q is complete", ErrInvalidOperation, sessionID)
	}
	baseline, err := o.meta.loadBaseline(sessionID)
	if err != nil {
		return err
	}
	checkpoints, err := o.meta.listCheckpoints(sessionID)
	if err != nil {
		return err
	}

	seq := session.CurrentSequence
	maxSeq := 0
	if len(checkpoints) > 0 {
		maxSeq = checkpoints[len(checkpoints)-1].Sequence
	}
	if seq < 0 || seq > maxSeq {
		seq = maxSeq
	}

	o.session = session
	o.baseline = baseline
	o.current = composeManifest(baseline, checkpoints, seq)
	o.counter = seq
	return nil
}

// composeManifest rebuilds the manifest as of a sequence position by
// applying each checkpoint's recorded changes on top of the baseline.
// Anchors carry the full manifest and replace it wholesale.
func composeManifest(baseline map[string]model.FileState, checkpoints []*model.Checkpoint, seq int) map[string]model.FileState {
	manifest := cloneManifest(baseline)
	for _, c := range checkpoints {
		if c.Sequence > seq {
			break
		}
		if c.IsAnchor {
			manifest = cloneManifest(c.Files)
			continue
		}
		for _, p := range c.Added {
			manifest[model.Key(p)] = c.Files[model.Key(p)]
		}
		for _, d := range c.Modified {
			manifest[model.Key(d.Path)] = c.Files[model.Key(d.Path)]
		}
		for _, p := range c.Deleted {
			delete(manifest, model.Key(p))
		}
	}
	return manifest
}

// CreateCheckpoint rescans the target directory, records the changes since
// the previous checkpoint, and persists the result. Every anchorFrequency-th
// checkpoint is an anchor carrying the full manifest.
func (o *Orchestrator) CreateCheckpoint(ctx context.Context, label, externalID string) (*model.Checkpoint, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.session == nil || o.session.IsComplete {
		return nil, fmt.Errorf("%w: no active session", ErrInvalidOperation)
	}

	// Keep another process's garbage collector from reclaiming objects this
	// checkpoint is about to reference.
	lock, err := flock.Acquire(o.layout.LockFile())
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	// A checkpoint created after a backward restore truncates the divergent
	// tail: history stays linear.
	if err := o.truncateAfter(o.counter); err != nil {
		return nil, err
	}

	seq := o.counter + 1
	isAnchor := seq%o.cfg.AnchorFrequency == 0

	newFiles, err := o.scanner.Scan(ctx, o.targetPath)
	if err != nil {
		return nil, fmt.Errorf("rescan: %w", err)
	}

	cp := &model.Checkpoint{
		ID:         uuid.New().String(),
		SessionID:  o.session.ID,
		Sequence:   seq,
		Label:      label,
		ExternalID: externalID,
		Timestamp:  time.Now().UTC(),
		IsAnchor:   isAnchor,
	}
	if n := len(o.session.CheckpointIDs); n > 0 {
		cp.PreviousID = o.session.CheckpointIDs[n-1]
	}
	cp.PreviousAnchorID = o.lastAnchorID()

	// Three disjoint path sets cover every difference between the scans.
	processed := 0
	for key, state := range newFiles {
		prev, existed := o.current[key]
		switch {
		case !existed:
			digest, err := o.store.StoreFile(ctx, o.absPath(state.Path))
			if err != nil {
				return nil, fmt.Errorf("store added %q: %w", state.Path, err)
			}
			state.CasHash = digest
			newFiles[key] = state
			cp.Added = append(cp.Added, state.Path)

		case prev.ContentHash != state.ContentHash:
			d, err := o.diffAgainstPrevious(ctx, prev, state)
			if err != nil {
				return nil, err
			}
			if d == nil {
				// Stale size/mtime signal; content is unchanged.
				state.CasHash = prev.CasHash
				newFiles[key] = state
				break
			}
			state.CasHash = d.TargetCasHash
			newFiles[key] = state
			cp.Modified = append(cp.Modified, *d)

		default:
			// Unchanged: carry the store reference forward.
			state.CasHash = prev.CasHash
			newFiles[key] = state
		}
		processed++
		o.events.Publish(Event{
			Type: EventFileProgress, Path: state.Path, Current: processed, Total: len(newFiles),
		})
	}
	for key, prev := range o.current {
		if _, ok := newFiles[key]; !ok {
			cp.Deleted = append(cp.Deleted, prev.Path)
		}
	}
	sortPaths(cp.Added)
	sortPaths(cp.Deleted)
	sortDeltas(cp.Modified)

	cp.Files = o.checkpointManifest(cp, newFiles)
	cp.FileCount = len(newFiles)
	for _, state := range newFiles {
		cp.TotalSize += state.Size
	}
	for _, d := range cp.Modified {
		cp.DeltaSize += d.ForwardDeltaSize
	}
	for _, p := range cp.Added {
		cp.DeltaSize += newFiles[model.Key(p)].Size
	}

	if err := o.meta.saveCheckpoint(cp); err != nil {
		return nil, err
	}

	o.session.CheckpointIDs = append(o.session.CheckpointIDs, cp.ID)
	o.session.CompletedComponents = seq
	o.session.CurrentSequence = seq
	if err := o.meta.saveSession(o.session); err != nil {
		return nil, err
	}

	o.current = newFiles
	o.counter = seq

	o.log.Info("checkpoint created",
		"session", o.session.ID,
		"checkpoint", cp.ID,
		"sequence", seq,
		"anchor", isAnchor,
		"added", len(cp.Added),
		"modified", len(cp.Modified),
		"deleted", len(cp.Deleted))
	o.events.Publish(Event{
		Type: EventCheckpointCreated, SessionID: o.session.ID,
		CheckpointID: cp.ID, Sequence: seq,
	})
	return cp, nil
}

// diffAgainstPrevious materializes the previous revision of a modified file
// from the store and diffs the live file against it.
func (o *Orchestrator) diffAgainstPrevious(ctx context.Context, prev, curr model.FileState) (*model.FileDelta, error) {
	tmp, err := os.CreateTemp("", "savepoint-prev-*")
	if err != nil {
		return nil, fmt.Errorf("create temp for %q: %w", prev.Path, err)
	}
	tmp.Close()
	defer os.Remove(tmp.Name())

	if err := o.store.Retrieve(ctx, prev.CasHash, tmp.Name()); err != nil {
		return nil, fmt.Errorf("previous revision of %q: %w", prev.Path, err)
	}

	d, err := o.diff.CreateBidirectional(ctx, tmp.Name(), o.absPath(curr.Path), curr.Path)
	if err != nil {
		return nil, fmt.Errorf("diff %q: %w", curr.Path, err)
	}
	return d, nil
}

// checkpointManifest returns the Files map for cp: the complete manifest for
// anchors, the Added∪Modified subset otherwise.
func (o *Orchestrator) checkpointManifest(cp *model.Checkpoint, newFiles map[string]model.FileState) map[string]model.FileState {
	if cp.IsAnchor {
		return cloneManifest(newFiles)
	}
	subset := make(map[string]model.FileState, len(cp.Added)+len(cp.Modified))
	for _, p := range cp.Added {
		subset[model.Key(p)] = newFiles[model.Key(p)]
	}
	for _, d := range cp.Modified {
		subset[model.Key(d.Path)] = newFiles[model.Key(d.Path)]
	}
	return subset
}

// CompleteSession marks the active session complete. With keepCheckpoints
// false, the session's metadata is deleted and unreferenced objects are
// collected.
func (o *Orchestrator) CompleteSession(ctx context.Context, keepCheckpoints bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.session == nil {
		return fmt.Errorf("%w: no active session", ErrInvalidOperation)
	}

	o.session.IsComplete = true
	o.session.EndTime = time.Now().UTC()
	if err := o.meta.saveSession(o.session); err != nil {
		return err
	}

	sessionID := o.session.ID
	o.session = nil
	o.baseline = nil
	o.current = nil
	o.counter = 0

	if !keepCheckpoints {
		if err := o.meta.deleteSession(sessionID); err != nil {
			return err
		}
		if _, err := o.garbageCollectLocked(); err != nil {
			return err
		}
	}
	o.log.Info("session completed", "session", sessionID, "kept", keepCheckpoints)
	return nil
}

// ListSessions returns all persisted sessions.
func (o *Orchestrator) ListSessions() ([]*model.Session, error) {
	return o.meta.listSessions()
}

// ListCheckpoints returns a session's checkpoints ordered by sequence.
func (o *Orchestrator) ListCheckpoints(sessionID string) ([]*model.Checkpoint, error) {
	return o.meta.listCheckpoints(sessionID)
}

// GetCheckpoint loads one checkpoint of the active session by id.
func (o *Orchestrator) GetCheckpoint(checkpointID string) (*model.Checkpoint, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return nil, fmt.Errorf("%w: no active session", ErrInvalidOperation)
	}
	return o.meta.findCheckpoint(o.session.ID, checkpointID)
}

// DeleteSession removes a session's metadata. Objects are reclaimed by the
// next garbage collection.
func (o *Orchestrator) DeleteSession(sessionID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session != nil && o.session.ID == sessionID && !o.session.IsComplete {
		return fmt.Errorf("%w: session %q is active", ErrInvalidOperation, sessionID)
	}
	return o.meta.deleteSession(sessionID)
}

// truncateAfter deletes checkpoints with a sequence above seq.
func (o *Orchestrator) truncateAfter(seq int) error {
	checkpoints, err := o.meta.listCheckpoints(o.session.ID)
	if err != nil {
		return err
	}
	kept := o.session.CheckpointIDs[:0]
	changed := false
	for _, c := range checkpoints {
		if c.Sequence > seq {
			if err := o.meta.deleteCheckpoint(o.session.ID, c.ID); err != nil {
				return err
			}
			o.log.Warn("truncated divergent checkpoint",
				"session", o.session.ID, "checkpoint", c.ID, "sequence", c.Sequence)
			changed = true
			continue
		}
		kept = append(kept, c.ID)
	}
	if changed {
		o.session.CheckpointIDs = kept
		return o.meta.saveSession(o.session)
	}
	return nil
}

// lastAnchorID returns the id of the most recent anchor checkpoint, if any.
func (o *Orchestrator) lastAnchorID() string {
	checkpoints, err := o.meta.listCheckpoints(o.session.ID)
	if err != nil {
		return ""
	}
	anchor := ""
	for _, c := range checkpoints {
		if c.IsAnchor && c.Sequence <= o.counter {
			anchor = c.ID
		}
	}
	return anchor
}

// rescanWithCas rescans the live directory and fills CasHash references from
// the most recent known state of each path.
func (o *Orchestrator) rescanWithCas(ctx context.Context, checkpoints []*model.Checkpoint, baseline map[string]model.FileState) (map[string]model.FileState, error) {
	manifest, err := o.scanner.Scan(ctx, o.targetPath)
	if err != nil {
		return nil, fmt.Errorf("rescan: %w", err)
	}
	for key, state := range manifest {
		for i := len(checkpoints) - 1; i >= 0; i-- {
			if known, ok := checkpoints[i].Files[key]; ok && known.ContentHash == state.ContentHash {
				state.CasHash = known.CasHash
				break
			}
		}
		if state.CasHash == "" {
			if known, ok := baseline[key]; ok && known.ContentHash == state.ContentHash {
				state.CasHash = known.CasHash
			}
		}
		manifest[key] = state
	}
	return manifest, nil
}

func (o *Orchestrator) absPath(rel string) string {
	return filepath.Join(o.targetPath, filepath.FromSlash(rel))
}

func cloneManifest(m map[string]model.FileState) map[string]model.FileState {
	out := make(map[string]model.FileState, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortPaths(paths []string) {
	sort.Strings(paths)
}

func sortDeltas(deltas []model.FileDelta) {
	sort.Slice(deltas, func(i, j int) bool { return deltas[i].Path < deltas[j].Path })
}
