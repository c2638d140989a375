// Package cas implements a content-addressable blob store. Objects are opaque
// byte blobs keyed by the lower-case hex SHA-256 of their content and laid out
// as objects/<first-2-hex>/<remaining-hex>, one file per digest.
//
// The store keeps no in-memory state: digests and existence are re-derived
// from disk on every call.
package cas

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/keshon/savepoint/internal/fsys"
)

// ErrObjectNotFound is returned when a digest has no stored object.
var ErrObjectNotFound = errors.New("object not found")

const digestHexLen = sha256.Size * 2

// Store is a filesystem-backed content-addressable store.
type Store struct {
	root string
	fs   fsys.FS
	log  *slog.Logger

	// mu serializes the final exists-check-then-promote step of object
	// creation so a racing writer of the same digest cannot observe a
	// half-written object.
	mu sync.Mutex
}

// New opens (and if needed creates) a store rooted at the given objects
// directory. Orphaned temp files from interrupted writes are swept.
func New(root string, fs fsys.FS, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create objects dir %q: %w", root, err)
	}
	s := &Store{root: root, fs: fs, log: logger}
	s.cleanupTemp()
	return s, nil
}

// ComputeHash returns the lower-case hex SHA-256 of everything read from r.
func ComputeHash(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ComputeBytesHash returns the lower-case hex SHA-256 of data.
func ComputeBytesHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ComputeFileHash hashes the file at path.
func (s *Store) ComputeFileHash(path string) (string, error) {
	f, err := s.fs.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %q: %w", path, err)
	}
	defer f.Close()
	return ComputeHash(f)
}

func (s *Store) objectPath(digest string) string {
	return filepath.Join(s.root, digest[:2], digest[2:])
}

func validDigest(digest string) bool {
	if len(digest) != digestHexLen {
		return false
	}
	_, err := hex.DecodeString(digest)
	return err == nil
}

// StoreFile stores the file at path and returns its digest. If an object with
// that digest already exists the content is not written again.
func (s *Store) StoreFile(ctx context.Context, path string) (string, error) {
	f, err := s.fs.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %q: %w", path, err)
	}
	defer f.Close()
	return s.StoreReader(ctx, f)
}

// StoreBytes stores an in-memory blob and returns its digest.
func (s *Store) StoreBytes(ctx context.Context, data []byte) (string, error) {
	return s.StoreReader(ctx, bytes.NewReader(data))
}

// StoreReader streams r into the store and returns the digest of its content.
// The content is hashed while being spooled to a temp file, then promoted
// under the creation lock; a same-digest racer treats "already exists" as
// success.
func (s *Store) StoreReader(ctx context.Context, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	tmp, tmpPath, err := s.fs.CreateTemp(s.root, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp object: %w", err)
	}
	removeTemp := true
	defer func() {
		tmp.Close()
		if removeTemp {
			s.fs.Remove(tmpPath)
		}
	}()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), r); err != nil {
		return "", fmt.Errorf("spool object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp object: %w", err)
	}
	digest := hex.EncodeToString(h.Sum(nil))

	s.mu.Lock()
	defer s.mu.Unlock()

	dst := s.objectPath(digest)
	if s.fs.Exists(dst) {
		// Content addressing guarantees identical bytes; dedup.
		return digest, nil
	}
	if err := s.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create shard dir for %q: %w", digest, err)
	}
	if err := s.fs.Rename(tmpPath, dst); err != nil {
		return "", fmt.Errorf("promote object %q: %w", digest, err)
	}
	removeTemp = false
	return digest, nil
}

// Retrieve copies the object for digest to dstPath, creating parent
// directories. The write goes through a temp file and is promoted on success.
func (s *Store) Retrieve(ctx context.Context, digest, dstPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	src, err := s.OpenRead(digest)
	if err != nil {
		return err
	}
	defer src.Close()

	dir := filepath.Dir(dstPath)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %q: %w", dir, err)
	}

	tmp, tmpPath, err := s.fs.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %q: %w", dstPath, err)
	}
	defer s.fs.Remove(tmpPath)

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return fmt.Errorf("copy object %q: %w", digest, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp for %q: %w", dstPath, err)
	}
	return s.fs.Rename(tmpPath, dstPath)
}

// OpenRead returns a read handle on the object for digest.
func (s *Store) OpenRead(digest string) (io.ReadSeekCloser, error) {
	if !validDigest(digest) {
		return nil, fmt.Errorf("digest %q: %w", digest, ErrObjectNotFound)
	}
	f, err := s.fs.Open(s.objectPath(digest))
	if err != nil {
		if s.fs.IsNotExist(err) {
			return nil, fmt.Errorf("digest %q: %w", digest, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("open object %q: %w", digest, err)
	}
	return f, nil
}

// ReadBytes returns the full content of the object for digest.
func (s *Store) ReadBytes(digest string) ([]byte, error) {
	f, err := s.OpenRead(digest)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Has reports whether an object with the given digest is stored.
func (s *Store) Has(digest string) bool {
	return validDigest(digest) && s.fs.Exists(s.objectPath(digest))
}

// ForEach enumerates every stored digest. Enumeration reads the backing
// directory lazily and is not restartable if the store changes concurrently.
func (s *Store) ForEach(fn func(digest string) error) error {
	shards, err := s.fs.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("read objects dir: %w", err)
	}
	for _, shard := range shards {
		if !shard.IsDir() || len(shard.Name()) != 2 {
			continue
		}
		entries, err := s.fs.ReadDir(filepath.Join(s.root, shard.Name()))
		if err != nil {
			return fmt.Errorf("read shard %q: %w", shard.Name(), err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			digest := shard.Name() + e.Name()
			if !validDigest(digest) {
				continue
			}
			if err := fn(digest); err != nil {
				return err
			}
		}
	}
	return nil
}

// GarbageCollect deletes every stored object whose digest is not in
// referenced, returning the number of objects deleted.
func (s *Store) GarbageCollect(referenced map[string]struct{}) (int, error) {
	var orphans []string
	err := s.ForEach(func(digest string) error {
		if _, ok := referenced[digest]; !ok {
			orphans = append(orphans, digest)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, digest := range orphans {
		if err := s.fs.Remove(s.objectPath(digest)); err != nil {
			s.log.Warn("gc: failed to delete object", "digest", digest, "error", err)
			continue
		}
		deleted++
	}
	return deleted, nil
}

// cleanupTemp removes abandoned temp files left by interrupted writes.
func (s *Store) cleanupTemp() {
	entries, err := s.fs.ReadDir(s.root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), ".tmp-") {
			_ = s.fs.Remove(filepath.Join(s.root, e.Name()))
		}
	}
}
