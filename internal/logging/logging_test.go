package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRotatingWriterRollsBySize(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "chatrelayd.log")
	wc, err := NewRotatingWriter(base, 10)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer wc.Close()
	rw := wc.(*RotatingWriter)
	first := rw.CurrentPath()

	if _, err := rw.Write([]byte("0123456789")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := rw.Write([]byte("more")); err != nil {
		t.Fatalf("write: %v", err)
	}
	second := rw.CurrentPath()
	if first == second || !strings.HasSuffix(second, "-2.log") {
		t.Fatalf("expected roll over, paths %s -> %s", first, second)
	}
	data, err := os.ReadFile(base)
	if err != nil || string(data) != "more" {
		t.Fatalf("base link content = %q, %v", data, err)
	}
}

func TestRotatingWriterRollsByDay(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2025, 10, 26, 23, 59, 0, 0, time.UTC)
	rw := &RotatingWriter{BasePath: filepath.Join(dir, "relay.log"), MaxBytes: DefaultMaxBytes, clock: func() time.Time { return now }}
	defer rw.Close()
	if _, err := rw.Write([]byte("a\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !strings.HasSuffix(rw.CurrentPath(), "relay-2025-10-26.log") {
		t.Fatalf("path = %s", rw.CurrentPath())
	}
	now = now.Add(2 * time.Minute)
	if _, err := rw.Write([]byte("b\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !strings.HasSuffix(rw.CurrentPath(), "relay-2025-10-27.log") {
		t.Fatalf("path = %s", rw.CurrentPath())
	}
}

func TestDashDisablesFileOutput(t *testing.T) {
	wc, err := NewRotatingWriter("-", 0)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	if _, ok := wc.(*RotatingWriter); ok {
		t.Fatalf("expected discard writer")
	}
}

func TestOutputLoggerPrefix(t *testing.T) {
	var buf bytes.Buffer
	out := NewOutput(&buf, true)
	out.Logger("chatrelayd/http").Printf("hello")
	if !strings.HasPrefix(buf.String(), "[chatrelayd/http] ") || !strings.Contains(buf.String(), "hello") {
		t.Fatalf("log line = %q", buf.String())
	}
	if !out.Debug() {
		t.Fatalf("debug flag lost")
	}
}

func TestSetupWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "chatrelayd.log")
	out, err := Setup(path, "info")
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	out.Logger("test").Printf("to file")
	if err := out.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || !strings.Contains(string(data), "to file") {
		t.Fatalf("file content = %q, %v", data, err)
	}
	if out.Debug() {
		t.Fatalf("info level reported debug")
	}
}
