package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Sink stores a finished report. Put returns a location string that
// identifies the stored object for the operator.
type Sink interface {
	Put(ctx context.Context, name string, body io.Reader, size int64) (string, error)
}

// Getter is implemented by sinks that can read a stored object back.
type Getter interface {
	Get(ctx context.Context, name string) (io.ReadCloser, error)
}

// ErrNotFound is returned by Getter implementations for missing objects.
var ErrNotFound = errors.New("report: object not found")

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}

func objectKey(prefix, name string) string {
	name = strings.TrimPrefix(name, "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

// Memory keeps reports in process memory.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemory returns an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

// Put implements Sink.
func (m *Memory) Put(ctx context.Context, name string, body io.Reader, _ int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("report: memory read body: %w", err)
	}
	m.mu.Lock()
	m.objects[name] = data
	m.mu.Unlock()
	return "mem://" + name, nil
}

// Get implements Getter.
func (m *Memory) Get(_ context.Context, name string) (io.ReadCloser, error) {
	m.mu.RLock()
	data, ok := m.objects[name]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Names lists stored objects in lexical order.
func (m *Memory) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.objects))
	for name := range m.objects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Disk writes reports beneath a root directory. Files appear atomically:
// content goes to a temp file in the same directory which is then renamed.
type Disk struct {
	root string
}

// NewDisk prepares root for writing.
func NewDisk(root string) (*Disk, error) {
	if root == "" {
		return nil, fmt.Errorf("report: disk root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("report: resolve disk root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("report: create disk root: %w", err)
	}
	return &Disk{root: abs}, nil
}

// Root returns the absolute directory reports are written to.
func (d *Disk) Root() string { return d.root }

func (d *Disk) path(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(name, "/")))
	if clean == "." || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("report: invalid object name %q", name)
	}
	return filepath.Join(d.root, clean), nil
}

// Put implements Sink.
func (d *Disk) Put(ctx context.Context, name string, body io.Reader, _ int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dst, err := d.path(name)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("report: create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".report-*")
	if err != nil {
		return "", fmt.Errorf("report: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("report: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("report: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("report: close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("report: rename into place: %w", err)
	}
	return dst, nil
}

// Get implements Getter.
func (d *Disk) Get(_ context.Context, name string) (io.ReadCloser, error) {
	src, err := d.path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(src)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("report: open %s: %w", src, err)
	}
	return f, nil
}
