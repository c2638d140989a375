package fsys

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryFS is a pure in-memory filesystem for tests.
type MemoryFS struct {
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]struct{}
	tmpN  int

	// FailWrites, when set, makes every write-path operation return this error.
	FailWrites error
}

func NewMemoryFS() *MemoryFS {
	m := &MemoryFS{
		files: make(map[string][]byte),
		dirs:  make(map[string]struct{}),
	}
	m.dirs["/"] = struct{}{}
	m.dirs["."] = struct{}{}
	return m
}

func clean(p string) string {
	if p == "" {
		return "."
	}
	return filepath.ToSlash(filepath.Clean(p))
}

type memReadSeekCloser struct {
	*bytes.Reader
}

func (m *memReadSeekCloser) Close() error { return nil }

func (m *MemoryFS) Open(p string) (io.ReadSeekCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[clean(p)]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: p, Err: fs.ErrNotExist}
	}
	return &memReadSeekCloser{Reader: bytes.NewReader(data)}, nil
}

type memWriteCloser struct {
	buf  bytes.Buffer
	m    *MemoryFS
	path string
}

func (w *memWriteCloser) Write(p []byte) (int, error) {
	if w.m.FailWrites != nil {
		return 0, w.m.FailWrites
	}
	return w.buf.Write(p)
}

func (w *memWriteCloser) Close() error {
	w.m.mu.Lock()
	defer w.m.mu.Unlock()
	w.m.files[w.path] = append([]byte(nil), w.buf.Bytes()...)
	return nil
}

func (m *MemoryFS) Create(p string) (io.WriteCloser, error) {
	if m.FailWrites != nil {
		return nil, m.FailWrites
	}
	return &memWriteCloser{m: m, path: clean(p)}, nil
}

func (m *MemoryFS) ReadFile(p string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[clean(p)]
	if !ok {
		return nil, &fs.PathError{Op: "read", Path: p, Err: fs.ErrNotExist}
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryFS) WriteFile(p string, data []byte, perm os.FileMode) error {
	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)
	if _, ok := m.dirs[path.Dir(p)]; !ok {
		return fmt.Errorf("write %q: parent dir does not exist", p)
	}
	m.files[p] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryFS) MkdirAll(p string, perm os.FileMode) error {
	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := ""
	for _, seg := range strings.Split(clean(p), "/") {
		if seg == "" || seg == "." {
			continue
		}
		cur = path.Join(cur, seg)
		m.dirs[cur] = struct{}{}
	}
	return nil
}

func (m *MemoryFS) Remove(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)
	if _, ok := m.files[p]; ok {
		delete(m.files, p)
		return nil
	}
	if _, ok := m.dirs[p]; ok {
		delete(m.dirs, p)
		return nil
	}
	return &fs.PathError{Op: "remove", Path: p, Err: fs.ErrNotExist}
}

func (m *MemoryFS) RemoveAll(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)
	prefix := p + "/"
	for f := range m.files {
		if f == p || strings.HasPrefix(f, prefix) {
			delete(m.files, f)
		}
	}
	for d := range m.dirs {
		if d == p || strings.HasPrefix(d, prefix) {
			delete(m.dirs, d)
		}
	}
	return nil
}

func (m *MemoryFS) Rename(oldPath, newPath string) error {
	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	oldPath, newPath = clean(oldPath), clean(newPath)
	data, ok := m.files[oldPath]
	if !ok {
		return &fs.PathError{Op: "rename", Path: oldPath, Err: fs.ErrNotExist}
	}
	if _, ok := m.dirs[path.Dir(newPath)]; !ok {
		return &fs.PathError{Op: "rename", Path: newPath, Err: fs.ErrNotExist}
	}
	m.files[newPath] = data
	delete(m.files, oldPath)
	return nil
}

type memFileInfo struct {
	name  string
	size  int64
	isDir bool
}

func (fi memFileInfo) Name() string       { return fi.name }
func (fi memFileInfo) Size() int64        { return fi.size }
func (fi memFileInfo) Mode() os.FileMode  { return 0o644 }
func (fi memFileInfo) ModTime() time.Time { return time.Time{} }
func (fi memFileInfo) IsDir() bool        { return fi.isDir }
func (fi memFileInfo) Sys() any           { return nil }

func (m *MemoryFS) Stat(p string) (os.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)
	if data, ok := m.files[p]; ok {
		return memFileInfo{name: path.Base(p), size: int64(len(data))}, nil
	}
	if _, ok := m.dirs[p]; ok {
		return memFileInfo{name: path.Base(p), isDir: true}, nil
	}
	return nil, &fs.PathError{Op: "stat", Path: p, Err: fs.ErrNotExist}
}

type memDirEntry struct {
	memFileInfo
}

func (e memDirEntry) Type() os.FileMode          { return e.Mode() & os.ModeType }
func (e memDirEntry) Info() (os.FileInfo, error) { return e.memFileInfo, nil }

func (m *MemoryFS) ReadDir(p string) ([]os.DirEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)
	if _, ok := m.dirs[p]; !ok {
		return nil, &fs.PathError{Op: "readdir", Path: p, Err: fs.ErrNotExist}
	}
	seen := make(map[string]os.DirEntry)
	collect := func(full string, size int64, isDir bool) {
		rel := strings.TrimPrefix(full, p+"/")
		if i := strings.Index(rel, "/"); i >= 0 {
			// a deeper entry contributes its top segment as a directory
			rel, size, isDir = rel[:i], 0, true
		}
		if _, ok := seen[rel]; !ok {
			seen[rel] = memDirEntry{memFileInfo{name: rel, size: size, isDir: isDir}}
		}
	}
	for f, data := range m.files {
		if strings.HasPrefix(f, p+"/") {
			collect(f, int64(len(data)), false)
		}
	}
	for d := range m.dirs {
		if strings.HasPrefix(d, p+"/") {
			collect(d, 0, true)
		}
	}
	out := make([]os.DirEntry, 0, len(seen))
	for _, e := range seen {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

func (m *MemoryFS) CreateTemp(dir, pattern string) (io.WriteCloser, string, error) {
	if m.FailWrites != nil {
		return nil, "", m.FailWrites
	}
	m.mu.Lock()
	m.tmpN++
	name := strings.Replace(pattern, "*", fmt.Sprintf("%d", m.tmpN), 1)
	if !strings.Contains(pattern, "*") {
		name = fmt.Sprintf("%s%d", pattern, m.tmpN)
	}
	p := path.Join(clean(dir), name)
	m.mu.Unlock()
	return &memWriteCloser{m: m, path: p}, p, nil
}

func (m *MemoryFS) IsNotExist(err error) bool {
	return os.IsNotExist(err)
}

func (m *MemoryFS) Exists(p string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)
	if _, ok := m.files[p]; ok {
		return true
	}
	_, ok := m.dirs[p]
	return ok
}
