package config

import "path/filepath"

// Layout resolves paths under a checkpoint root directory:
//
//	<root>/objects/<2-hex>/<rest>                      CAS blobs
//	<root>/sessions/<sessionID>/session.json           session record
//	<root>/sessions/<sessionID>/baseline.json          baseline manifest
//	<root>/sessions/<sessionID>/checkpoints/<id>.json  checkpoint records
//	<root>/lock                                        cross-process lock
type Layout struct {
	Root string
}

// NewLayout returns the layout for a target directory's metadata folder.
func NewLayout(targetPath string) Layout {
	return Layout{Root: filepath.Join(targetPath, MetaDirName)}
}

func (l Layout) ObjectsDir() string {
	return filepath.Join(l.Root, "objects")
}

func (l Layout) SessionsDir() string {
	return filepath.Join(l.Root, "sessions")
}

func (l Layout) SessionDir(sessionID string) string {
	return filepath.Join(l.SessionsDir(), sessionID)
}

func (l Layout) SessionFile(sessionID string) string {
	return filepath.Join(l.SessionDir(sessionID), "session.json")
}

func (l Layout) BaselineFile(sessionID string) string {
	return filepath.Join(l.SessionDir(sessionID), "baseline.json")
}

func (l Layout) CheckpointsDir(sessionID string) string {
	return filepath.Join(l.SessionDir(sessionID), "checkpoints")
}

func (l Layout) CheckpointFile(sessionID, checkpointID string) string {
	return filepath.Join(l.CheckpointsDir(sessionID), checkpointID+".json")
}

func (l Layout) LockFile() string {
	return filepath.Join(l.Root, "lock")
}
