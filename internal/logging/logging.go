// Package logging sets up the daemon's log output: stdout, optionally
// mirrored into a rotating file, with one prefixed *log.Logger per component.
package logging

import (
	"io"
	"log"
	"os"
	"strings"
)

// Flags used by every component logger.
const Flags = log.LstdFlags | log.Lmicroseconds

// Output is the shared sink for component loggers.
type Output struct {
	w      io.Writer
	closer io.Closer
	debug  bool
}

// Setup writes to stdout and, when logFile is set, to a rotating file as
// well. Level "debug" is reported by Debug.
func Setup(logFile, level string) (*Output, error) {
	out := &Output{w: os.Stdout, debug: strings.EqualFold(strings.TrimSpace(level), "debug")}
	if path := strings.TrimSpace(logFile); path != "" {
		rot, err := NewRotatingWriter(path, DefaultMaxBytes)
		if err != nil {
			return nil, err
		}
		out.w = io.MultiWriter(os.Stdout, rot)
		out.closer = rot
	}
	return out, nil
}

// NewOutput wraps an arbitrary writer, for tests and embedding.
func NewOutput(w io.Writer, debug bool) *Output {
	return &Output{w: w, debug: debug}
}

// Writer is the combined destination.
func (o *Output) Writer() io.Writer { return o.w }

// Debug reports whether debug logging is on.
func (o *Output) Debug() bool { return o.debug }

// Logger returns a logger prefixed with "[name] ".
func (o *Output) Logger(name string) *log.Logger {
	return log.New(o.w, "["+name+"] ", Flags)
}

// Close releases the log file, if any.
func (o *Output) Close() error {
	if o.closer == nil {
		return nil
	}
	return o.closer.Close()
}
