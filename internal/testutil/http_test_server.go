package testutil

import (
	"errors"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"
)

// LoopbackServer is an HTTP server on 127.0.0.1 that tracks open
// connections, so tests can check that streams were torn down.
type LoopbackServer struct {
	URL    string
	server *http.Server

	mu    sync.Mutex
	conns map[net.Conn]http.ConnState
}

// NewLoopbackServer starts handler on a random tcp4 loopback port and closes
// it when the test ends. The test is skipped when tcp4 is unavailable.
func NewLoopbackServer(t *testing.T, handler http.Handler) *LoopbackServer {
	t.Helper()
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping test: tcp4 loopback unavailable (%v)", err)
	}
	s := &LoopbackServer{
		URL:   "http://" + l.Addr().String(),
		conns: make(map[net.Conn]http.ConnState),
	}
	s.server = &http.Server{Handler: handler, ConnState: s.track}
	go func() {
		if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("loopback server: %v", err)
		}
	}()
	t.Cleanup(s.Close)
	return s
}

func (s *LoopbackServer) track(c net.Conn, state http.ConnState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch state {
	case http.StateClosed, http.StateHijacked:
		delete(s.conns, c)
	default:
		s.conns[c] = state
	}
}

// ActiveConns counts connections currently serving a request.
func (s *LoopbackServer) ActiveConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, st := range s.conns {
		if st == http.StateActive {
			n++
		}
	}
	return n
}

// WaitIdle polls until no request is in flight or timeout elapses.
func (s *LoopbackServer) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if s.ActiveConns() == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Close stops the server, cutting streams that are still open.
func (s *LoopbackServer) Close() {
	_ = s.server.Close()
}
