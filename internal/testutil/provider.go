package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
)

// ProviderScript describes how a fake provider answers chat-messages calls.
type ProviderScript struct {
	// Failures are the status codes returned by successive attempts before
	// the stream is served.
	Failures []int
	// Lines are written one by one, each terminated by "\n" and flushed.
	Lines []string
	// Hold keeps the stream open after Lines until the client goes away or
	// Release is called.
	Hold bool
}

// Provider is a scripted stand-in for the chat provider API, mounted under
// /v1. Generated files are served from /files/tools/.
type Provider struct {
	*LoopbackServer
	BaseURL string

	script  ProviderScript
	release chan struct{}
	once    sync.Once

	mu       sync.Mutex
	attempts int
	requests []map[string]any
	stops    []string
	uploads  []string
	files    map[string]string
	written  chan string
}

// NewProvider starts a fake provider for the test.
func NewProvider(t *testing.T, script ProviderScript) *Provider {
	t.Helper()
	p := &Provider{
		script:  script,
		release: make(chan struct{}),
		files:   map[string]string{},
		written: make(chan string, 1024),
	}
	r := chi.NewRouter()
	r.Post("/v1/chat-messages", p.chat)
	r.Post("/v1/chat-messages/{taskId}/stop", p.stop)
	r.Post("/v1/files/upload", p.upload)
	r.Get("/files/tools/*", p.file)
	p.LoopbackServer = NewLoopbackServer(t, r)
	p.BaseURL = p.URL + "/v1"
	t.Cleanup(p.Release)
	return p
}

// Release ends held streams.
func (p *Provider) Release() {
	p.once.Do(func() { close(p.release) })
}

// Written delivers each line after it has been flushed to the client.
func (p *Provider) Written() <-chan string { return p.written }

// ServeFile makes content downloadable at /files/tools/<name>.
func (p *Provider) ServeFile(name, content string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.files[name] = content
}

// Attempts counts chat-messages calls.
func (p *Provider) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// Requests returns the decoded chat-messages bodies.
func (p *Provider) Requests() []map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]map[string]any(nil), p.requests...)
}

// Stops returns "taskId:user" for each stop call.
func (p *Provider) Stops() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.stops...)
}

// Uploads returns "user:filename" for each upload call.
func (p *Provider) Uploads() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.uploads...)
}

func (p *Provider) chat(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	p.mu.Lock()
	attempt := p.attempts
	p.attempts++
	p.requests = append(p.requests, body)
	p.mu.Unlock()

	if attempt < len(p.script.Failures) {
		w.WriteHeader(p.script.Failures[attempt])
		_, _ = io.WriteString(w, `{"code":"scripted_failure"}`)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	for _, line := range p.script.Lines {
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		select {
		case p.written <- line:
		default:
		}
	}
	if p.script.Hold {
		select {
		case <-r.Context().Done():
		case <-p.release:
		}
	}
}

func (p *Provider) stop(w http.ResponseWriter, r *http.Request) {
	var body struct {
		User string `json:"user"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	p.mu.Lock()
	p.stops = append(p.stops, chi.URLParam(r, "taskId")+":"+body.User)
	p.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"result":"success"}`)
}

func (p *Provider) upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer f.Close()
	data, _ := io.ReadAll(f)
	p.mu.Lock()
	p.uploads = append(p.uploads, r.FormValue("user")+":"+hdr.Filename)
	p.mu.Unlock()
	ext := ""
	if i := strings.LastIndex(hdr.Filename, "."); i >= 0 {
		ext = hdr.Filename[i+1:]
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":         "upload-" + hdr.Filename,
		"name":       hdr.Filename,
		"size":       len(data),
		"extension":  ext,
		"mime_type":  hdr.Header.Get("Content-Type"),
		"created_by": r.FormValue("user"),
		"created_at": 1700000000,
	})
}

func (p *Provider) file(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "*")
	p.mu.Lock()
	content, ok := p.files[name]
	p.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = io.WriteString(w, content)
}
