package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type rotatePolicy struct {
	maxSizeMB  int
	maxBackups int
	maxAgeDays int
}

func (p rotatePolicy) withDefaults() rotatePolicy {
	if p.maxSizeMB <= 0 {
		p.maxSizeMB = 100
	}
	if p.maxBackups <= 0 {
		p.maxBackups = 7
	}
	if p.maxAgeDays <= 0 {
		p.maxAgeDays = 30
	}
	return p
}

// rotatingWriter appends to path and shifts it to path.1 ... path.N once a
// write would push it past the size limit.
type rotatingWriter struct {
	mu         sync.Mutex
	path       string
	maxBytes   int64
	maxBackups int
	maxAge     time.Duration
	file       *os.File
	written    int64
}

func newRotatingWriter(path string, policy rotatePolicy) (*rotatingWriter, error) {
	if path == "" {
		return nil, errors.New("path is required")
	}
	policy = policy.withDefaults()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &rotatingWriter{
		path:       path,
		maxBytes:   int64(policy.maxSizeMB) << 20,
		maxBackups: policy.maxBackups,
		maxAge:     time.Duration(policy.maxAgeDays) * 24 * time.Hour,
	}, nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.open(); err != nil {
		return 0, err
	}
	if w.written > 0 && w.written+int64(len(p)) > w.maxBytes {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.written += int64(n)
	return n, err
}

func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.release()
}

func (w *rotatingWriter) open() error {
	if w.file != nil {
		return nil
	}
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	w.file, w.written = file, info.Size()
	return nil
}

func (w *rotatingWriter) release() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file, w.written = nil, 0
	return err
}

func (w *rotatingWriter) rotate() error {
	if err := w.release(); err != nil {
		return err
	}
	for i := w.maxBackups - 1; i >= 1; i-- {
		_ = os.Rename(w.backup(i), w.backup(i+1))
	}
	if err := os.Rename(w.path, w.backup(1)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("rotate audit log: %w", err)
	}
	w.pruneExpired(time.Now())
	return w.open()
}

func (w *rotatingWriter) pruneExpired(now time.Time) {
	cutoff := now.Add(-w.maxAge)
	for i := 1; i <= w.maxBackups; i++ {
		info, err := os.Stat(w.backup(i))
		if err == nil && info.ModTime().Before(cutoff) {
			_ = os.Remove(w.backup(i))
		}
	}
}

func (w *rotatingWriter) backup(i int) string {
	return fmt.Sprintf("%s.%d", w.path, i)
}
