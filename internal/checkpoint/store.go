package checkpoint

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/keshon/savepoint/internal/config"
	"github.com/keshon/savepoint/internal/fsys"
	"github.com/keshon/savepoint/internal/model"
	"github.com/keshon/savepoint/internal/util"
)

// metaStore persists session and checkpoint records as one JSON file each
// under <root>/sessions/. Every write is atomic (temp file + rename), so a
// crash between writes leaves the previous record intact.
type metaStore struct {
	layout config.Layout
	fs     fsys.FS
	log    *slog.Logger
}

func newMetaStore(layout config.Layout, fs fsys.FS, logger *slog.Logger) *metaStore {
	return &metaStore{layout: layout, fs: fs, log: logger}
}

func (ms *metaStore) saveSession(s *model.Session) error {
	if err := util.WriteJSON(ms.fs, ms.layout.SessionFile(s.ID), s); err != nil {
		return fmt.Errorf("write session %q: %w", s.ID, err)
	}
	return nil
}

func (ms *metaStore) loadSession(sessionID string) (*model.Session, error) {
	var s model.Session
	if err := util.ReadJSON(ms.fs, ms.layout.SessionFile(sessionID), &s); err != nil {
		return nil, fmt.Errorf("read session %q: %w", sessionID, err)
	}
	return &s, nil
}

// listSessions returns every readable session, oldest first. Unreadable
// entries are logged and skipped.
func (ms *metaStore) listSessions() ([]*model.Session, error) {
	entries, err := ms.fs.ReadDir(ms.layout.SessionsDir())
	if err != nil {
		if ms.fs.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}

	var sessions []*model.Session
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		s, err := ms.loadSession(e.Name())
		if err != nil {
			ms.log.Warn("skipping unreadable session", "session", e.Name(), "error", err)
			continue
		}
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartTime.Before(sessions[j].StartTime)
	})
	return sessions, nil
}

func (ms *metaStore) deleteSession(sessionID string) error {
	if err := ms.fs.RemoveAll(ms.layout.SessionDir(sessionID)); err != nil {
		return fmt.Errorf("delete session %q: %w", sessionID, err)
	}
	return nil
}

func (ms *metaStore) saveBaseline(sessionID string, manifest map[string]model.FileState) error {
	if err := util.WriteJSON(ms.fs, ms.layout.BaselineFile(sessionID), manifest); err != nil {
		return fmt.Errorf("write baseline for %q: %w", sessionID, err)
	}
	return nil
}

func (ms *metaStore) loadBaseline(sessionID string) (map[string]model.FileState, error) {
	manifest := make(map[string]model.FileState)
	if err := util.ReadJSON(ms.fs, ms.layout.BaselineFile(sessionID), &manifest); err != nil {
		return nil, fmt.Errorf("read baseline for %q: %w", sessionID, err)
	}
	return manifest, nil
}

func (ms *metaStore) saveCheckpoint(c *model.Checkpoint) error {
	if err := util.WriteJSON(ms.fs, ms.layout.CheckpointFile(c.SessionID, c.ID), c); err != nil {
		return fmt.Errorf("write checkpoint %q: %w", c.ID, err)
	}
	return nil
}

func (ms *metaStore) loadCheckpoint(sessionID, checkpointID string) (*model.Checkpoint, error) {
	var c model.Checkpoint
	if err := util.ReadJSON(ms.fs, ms.layout.CheckpointFile(sessionID, checkpointID), &c); err != nil {
		return nil, fmt.Errorf("read checkpoint %q: %w", checkpointID, err)
	}
	return &c, nil
}

func (ms *metaStore) deleteCheckpoint(sessionID, checkpointID string) error {
	if err := ms.fs.Remove(ms.layout.CheckpointFile(sessionID, checkpointID)); err != nil {
		return fmt.Errorf("delete checkpoint %q: %w", checkpointID, err)
	}
	return nil
}

// listCheckpoints returns a session's readable checkpoints ordered by
// sequence. Unreadable entries are logged and skipped.
func (ms *metaStore) listCheckpoints(sessionID string) ([]*model.Checkpoint, error) {
	entries, err := ms.fs.ReadDir(ms.layout.CheckpointsDir(sessionID))
	if err != nil {
		if ms.fs.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoints dir for %q: %w", sessionID, err)
	}

	var checkpoints []*model.Checkpoint
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".tmp-") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		c, err := ms.loadCheckpoint(sessionID, id)
		if err != nil {
			ms.log.Warn("skipping unreadable checkpoint",
				"session", sessionID, "checkpoint", id, "error", err)
			continue
		}
		checkpoints = append(checkpoints, c)
	}
	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[i].Sequence < checkpoints[j].Sequence
	})
	return checkpoints, nil
}

// findCheckpoint locates a checkpoint by id across a session's records.
func (ms *metaStore) findCheckpoint(sessionID, checkpointID string) (*model.Checkpoint, error) {
	path := ms.layout.CheckpointFile(sessionID, checkpointID)
	if !ms.fs.Exists(filepath.Clean(path)) {
		return nil, fmt.Errorf("checkpoint %q: %w", checkpointID, ErrUnknownCheckpoint)
	}
	return ms.loadCheckpoint(sessionID, checkpointID)
}
