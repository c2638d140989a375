// Package scan builds file manifests of a target directory.
package scan

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/keshon/savepoint/internal/cas"
	"github.com/keshon/savepoint/internal/model"
	"github.com/keshon/savepoint/internal/util"
)

// Scanner walks a target directory and hashes every file into a manifest
// keyed by case-insensitive relative path. The engine's own metadata
// directory is skipped.
type Scanner struct {
	SkipDirName string
	Workers     int
}

// New returns a scanner that skips skipDirName at any depth.
func New(skipDirName string, workers int) *Scanner {
	return &Scanner{SkipDirName: skipDirName, Workers: workers}
}

// Scan produces the full manifest of root. Hashing runs on a bounded worker
// pool; the walk itself is sequential and deterministic.
func (s *Scanner) Scan(ctx context.Context, root string) (map[string]model.FileState, error) {
	type fileInfo struct {
		rel  string
		abs  string
		size int64
		mod  time.Time
	}

	var files []fileInfo
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == s.SkipDirName {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("relative path for %q: %w", path, err)
		}
		files = append(files, fileInfo{rel: rel, abs: path, size: info.Size(), mod: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %q: %w", root, err)
	}

	manifest := make(map[string]model.FileState, len(files))
	var mu sync.Mutex

	err = util.Parallel(files, s.Workers, func(fi fileInfo) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		f, err := os.Open(fi.abs)
		if err != nil {
			return fmt.Errorf("open %q: %w", fi.abs, err)
		}
		hash, err := cas.ComputeHash(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("hash %q: %w", fi.abs, err)
		}

		state := model.FileState{
			Path:         filepath.ToSlash(fi.rel),
			ContentHash:  hash,
			Size:         fi.size,
			LastModified: fi.mod,
		}
		mu.Lock()
		manifest[model.Key(fi.rel)] = state
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return manifest, nil
}
