// Package model defines the persisted records shared by the checkpoint
// orchestrator and its serialization layer.
package model

import (
	"path/filepath"
	"strings"
	"time"
)

// Delta methods.
const (
	MethodDelta    = "delta"
	MethodFullCopy = "full_copy"
)

// Key normalizes a relative path into its case-insensitive manifest key.
func Key(relPath string) string {
	return strings.ToLower(filepath.ToSlash(relPath))
}

// FileState is one file's identity at one point in time. Immutable once
// written into a checkpoint.
type FileState struct {
	Path         string    `json:"path"`
	ContentHash  string    `json:"content_hash"`
	CasHash      string    `json:"cas_hash"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// FileDelta is the transformation of one file between two consecutive
// checkpoints. ForwardDeltaCasHash/ReverseDeltaCasHash are empty when
// Method == MethodFullCopy.
type FileDelta struct {
	Path                string `json:"path"`
	SourceHash          string `json:"source_hash"`
	TargetHash          string `json:"target_hash"`
	SourceCasHash       string `json:"source_cas_hash"`
	TargetCasHash       string `json:"target_cas_hash"`
	ForwardDeltaCasHash string `json:"forward_delta_cas_hash,omitempty"`
	ReverseDeltaCasHash string `json:"reverse_delta_cas_hash,omitempty"`
	SourceSize          int64  `json:"source_size"`
	TargetSize          int64  `json:"target_size"`
	ForwardDeltaSize    int64  `json:"forward_delta_size"`
	ReverseDeltaSize    int64  `json:"reverse_delta_size"`
	Method              string `json:"method"`
}

// Checkpoint is one captured state transition of the target directory.
//
// Files carries the full manifest for anchors and only the Added∪Modified
// subset for regular checkpoints. Sequence is 1-based and strictly increasing
// within a session; PreviousID points at sequence-1 (empty for the first).
type Checkpoint struct {
	ID               string               `json:"id"`
	SessionID        string               `json:"session_id"`
	Sequence         int                  `json:"sequence"`
	Label            string               `json:"label,omitempty"`
	ExternalID       string               `json:"external_id,omitempty"`
	Timestamp        time.Time            `json:"timestamp"`
	PreviousID       string               `json:"previous_id,omitempty"`
	IsAnchor         bool                 `json:"is_anchor"`
	PreviousAnchorID string               `json:"previous_anchor_id,omitempty"`
	Files            map[string]FileState `json:"files"`
	Added            []string             `json:"added,omitempty"`
	Deleted          []string             `json:"deleted,omitempty"`
	Modified         []FileDelta          `json:"modified,omitempty"`
	TotalSize        int64                `json:"total_size"`
	DeltaSize        int64                `json:"delta_size"`
	FileCount        int                  `json:"file_count"`
}

// Session is one bounded sequence of checkpoints over one target directory.
// CurrentSequence is the position of the live directory within the checkpoint
// chain (0 = baseline); it moves on every checkpoint and restore so a later
// process resumes where this one left off.
type Session struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	TargetPath          string    `json:"target_path"`
	StartTime           time.Time `json:"start_time"`
	EndTime             time.Time `json:"end_time,omitzero"`
	CheckpointIDs       []string  `json:"checkpoint_ids"`
	CurrentSequence     int       `json:"current_sequence"`
	IsComplete          bool      `json:"is_complete"`
	TotalComponents     int       `json:"total_components,omitempty"`
	CompletedComponents int       `json:"completed_components,omitempty"`
}
