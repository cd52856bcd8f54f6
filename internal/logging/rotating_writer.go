package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultMaxBytes caps a single log file before it rolls over within a day.
const DefaultMaxBytes int64 = 100 << 20

// RotatingWriter writes to files that rotate every UTC day and when the
// current file would exceed MaxBytes.
//
// For BasePath logs/chatrelayd.log the files are
// logs/chatrelayd-2025-10-26.log, logs/chatrelayd-2025-10-26-2.log, ... and
// logs/chatrelayd.log is kept as a symlink to the active file.
type RotatingWriter struct {
	BasePath string
	MaxBytes int64

	mu    sync.Mutex
	day   string
	seq   int
	file  *os.File
	size  int64
	clock func() time.Time
}

// NewRotatingWriter opens the file for today. A basePath of "-" discards
// everything.
func NewRotatingWriter(basePath string, maxBytes int64) (io.WriteCloser, error) {
	if strings.TrimSpace(basePath) == "-" {
		return nopWriteCloser{w: io.Discard}, nil
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	rw := &RotatingWriter{BasePath: basePath, MaxBytes: maxBytes, clock: time.Now}
	if err := rw.rollIfNeeded(0); err != nil {
		return nil, err
	}
	return rw, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rollIfNeeded(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// CurrentPath returns the file being written.
func (w *RotatingWriter) CurrentPath() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return ""
	}
	return w.file.Name()
}

func (w *RotatingWriter) rollIfNeeded(incoming int64) error {
	today := w.clock().UTC().Format("2006-01-02")
	switch {
	case w.file == nil || w.day != today:
		w.day = today
		w.seq = 1
	case w.size > 0 && w.size+incoming > w.MaxBytes:
		w.seq++
	default:
		return nil
	}
	return w.open()
}

func (w *RotatingWriter) open() error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	dir, name := filepath.Split(w.BasePath)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if ext == "" {
		ext = ".log"
	}
	filename := fmt.Sprintf("%s-%s%s", stem, w.day, ext)
	if w.seq > 1 {
		filename = fmt.Sprintf("%s-%s-%d%s", stem, w.day, w.seq, ext)
	}
	path := filepath.Join(dir, filename)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	w.size = 0
	if st, err := f.Stat(); err == nil {
		w.size = st.Size()
	}
	w.file = f
	w.linkBase(path)
	return nil
}

// linkBase points BasePath at target. Failures are ignored; the dated files
// remain usable without the link.
func (w *RotatingWriter) linkBase(target string) {
	if info, err := os.Lstat(w.BasePath); err == nil {
		if info.Mode()&os.ModeSymlink == 0 {
			return
		}
		if dest, err := os.Readlink(w.BasePath); err == nil && dest == filepath.Base(target) {
			return
		}
		_ = os.Remove(w.BasePath)
	}
	_ = os.Symlink(filepath.Base(target), w.BasePath)
}

type nopWriteCloser struct{ w io.Writer }

func (n nopWriteCloser) Write(p []byte) (int, error) { return n.w.Write(p) }
func (n nopWriteCloser) Close() error                { return nil }
