// Package upstream talks to the streaming chat provider.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Recorder receives attempt and retry notifications. The metrics collector
// implements it.
type Recorder interface {
	UpstreamAttempt(op string)
	UpstreamRetry(op string)
}

// Config configures a Client.
type Config struct {
	BaseURL string
	APIKey  string
	// HTTPClient overrides the default streaming client. It should not set a
	// Timeout since streams may stay silent for long periods.
	HTTPClient *http.Client
	Retry      RetryPolicy
	Logger     *log.Logger
	Recorder   Recorder
}

// Client opens chat streams against the provider and proxies the auxiliary
// stop and upload calls.
type Client struct {
	baseURL  string
	apiKey   string
	http     *http.Client
	retry    RetryPolicy
	logger   *log.Logger
	recorder Recorder
}

// New validates cfg and constructs a client.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("upstream base url required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse upstream base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = NewStreamingHTTPClient()
	}
	retry := cfg.Retry
	if retry.Delays == nil && retry.Retryable == nil {
		retry = DefaultRetryPolicy()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Client{
		baseURL:  base,
		apiKey:   cfg.APIKey,
		http:     httpClient,
		retry:    retry,
		logger:   logger,
		recorder: cfg.Recorder,
	}, nil
}

// NewStreamingHTTPClient returns a client with no overall, dial or
// response-header timeout.
func NewStreamingHTTPClient() *http.Client {
	dialer := &net.Dialer{KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &http.Client{Transport: transport}
}

// BaseURL returns the configured provider base url.
func (c *Client) BaseURL() string { return c.baseURL }

// FileBaseURL derives the host that serves generated files: the provider base
// url with its last path segment removed ("https://h/v1" -> "https://h").
func FileBaseURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	u, err := url.Parse(base)
	if err != nil || u.Path == "" {
		return base
	}
	if i := strings.LastIndex(u.Path, "/"); i >= 0 {
		u.Path = u.Path[:i]
	}
	return strings.TrimRight(u.String(), "/")
}

// ChatRequest is one chat turn sent to the provider.
type ChatRequest struct {
	Query          string
	User           string
	ConversationID string
	UploadFileID   string
	Inputs         map[string]any
}

type chatFile struct {
	Type           string `json:"type"`
	TransferMethod string `json:"transfer_method"`
	UploadFileID   string `json:"upload_file_id"`
}

type chatPayload struct {
	Inputs         map[string]any `json:"inputs"`
	Query          string         `json:"query"`
	ResponseMode   string         `json:"response_mode"`
	ConversationID string         `json:"conversation_id"`
	User           string         `json:"user"`
	Files          []chatFile     `json:"files"`
}

func buildChatPayload(req ChatRequest) chatPayload {
	inputs := make(map[string]any, len(req.Inputs)+1)
	for k, v := range req.Inputs {
		inputs[k] = v
	}
	files := []chatFile{}
	if id := strings.TrimSpace(req.UploadFileID); id != "" {
		inputs["fileId"] = id
		files = append(files, chatFile{Type: "document", TransferMethod: "local_file", UploadFileID: id})
	}
	return chatPayload{
		Inputs:         inputs,
		Query:          req.Query,
		ResponseMode:   "streaming",
		ConversationID: strings.TrimSpace(req.ConversationID),
		User:           req.User,
		Files:          files,
	}
}

// Connect opens a streaming chat-messages call, retrying transient failures
// according to the client's policy. The returned stream stays open until EOF,
// Close, or cancellation of ctx.
func (c *Client) Connect(ctx context.Context, req ChatRequest) (*Stream, error) {
	if strings.TrimSpace(req.User) == "" {
		return nil, errors.New("chat request requires user")
	}
	body, err := json.Marshal(buildChatPayload(req))
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}
	var resp *http.Response
	err = c.retry.Do(ctx, func(attempt int) error {
		c.observeAttempt("chat")
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat-messages", bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		c.authorize(httpReq)
		r, err := c.http.Do(httpReq)
		if err != nil {
			return err
		}
		if err := checkStatus(r); err != nil {
			return err
		}
		resp = r
		return nil
	}, c.logRetry("chat-messages"))
	if err != nil {
		return nil, err
	}
	return newStream(resp.Body), nil
}

// Stop asks the provider to halt generation for taskID, retrying transient
// failures like Connect.
func (c *Client) Stop(ctx context.Context, taskID, user string) error {
	if strings.TrimSpace(taskID) == "" {
		return errors.New("task id required")
	}
	body, _ := json.Marshal(map[string]string{"user": user})
	endpoint := c.baseURL + "/chat-messages/" + url.PathEscape(taskID) + "/stop"
	return c.retry.Do(ctx, func(attempt int) error {
		c.observeAttempt("stop")
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		c.authorize(httpReq)
		resp, err := c.http.Do(httpReq)
		if err != nil {
			return err
		}
		if err := checkStatus(resp); err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}, c.logRetry("stop"))
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *Client) observeAttempt(op string) {
	if c.recorder != nil {
		c.recorder.UpstreamAttempt(op)
	}
}

func (c *Client) logRetry(op string) func(int, error, time.Duration) {
	return func(attempt int, err error, delay time.Duration) {
		c.logger.Printf("%s attempt %d/%d failed, retrying in %s: %v", op, attempt, c.retry.MaxAttempts(), delay, err)
		if c.recorder != nil {
			c.recorder.UpstreamRetry(op)
		}
	}
}

// checkStatus closes the body and converts error statuses.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	body := strings.TrimSpace(string(raw))
	if resp.StatusCode >= 500 {
		return &StatusError{StatusCode: resp.StatusCode, Body: body}
	}
	return &RejectedError{StatusCode: resp.StatusCode, Body: body}
}

// Stream yields the raw lines of an event-stream response.
type Stream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	once   sync.Once
}

func newStream(body io.ReadCloser) *Stream {
	return &Stream{body: body, reader: bufio.NewReaderSize(body, 64*1024)}
}

// ReadLine blocks until the next line is available and returns it without
// its line terminator. It returns io.EOF once the provider closes the stream.
func (s *Stream) ReadLine() (string, error) {
	line, err := s.reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Close releases the connection. It is safe to call more than once and from
// another goroutine than the reader.
func (s *Stream) Close() error {
	var err error
	s.once.Do(func() { err = s.body.Close() })
	return err
}
