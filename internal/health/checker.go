// Package health reports whether the relay's dependencies are usable.
//
// The contract store is critical: without it side effects cannot be
// persisted and the relay reports unhealthy. The upstream, the file cache and
// the side-effect queue only degrade the service, since chats keep streaming
// when enrichment is impaired.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/tokligence/chatrelay/internal/version"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult holds the result of one probe.
type CheckResult struct {
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// Component is a named probe result.
type Component struct {
	Name string `json:"name"`
	Type string `json:"type"`
	CheckResult
}

// Probe checks one dependency. Non-critical probes can at worst degrade the
// overall status.
type Probe struct {
	Name     string
	Type     string
	Critical bool
	Run      func(ctx context.Context) CheckResult
}

// QueueStats reports the side-effect queue.
type QueueStats interface {
	Pending() int
	Capacity() int
}

// Config selects the built-in probes. Zero fields disable theirs.
type Config struct {
	StoreDB     *sql.DB
	UpstreamURL string
	CacheDir    string
	Queue       QueueStats

	DBTimeout          time.Duration // default 2s
	HTTPTimeout        time.Duration // default 5s
	MaxDatabaseLatency time.Duration // default 100ms
}

// Checker runs probes concurrently and remembers the last result.
type Checker struct {
	probes []Probe

	mu   sync.RWMutex
	last HealthStatus
}

// HealthStatus is the overall result served by /health.
type HealthStatus struct {
	Status     Status      `json:"status"`
	Version    string      `json:"version"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components"`
}

// New builds a checker with a probe for every configured dependency.
func New(cfg Config) *Checker {
	if cfg.DBTimeout == 0 {
		cfg.DBTimeout = 2 * time.Second
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 5 * time.Second
	}
	if cfg.MaxDatabaseLatency == 0 {
		cfg.MaxDatabaseLatency = 100 * time.Millisecond
	}
	c := &Checker{}
	if cfg.StoreDB != nil {
		c.Register(Probe{Name: "contract_store", Type: "database", Critical: true,
			Run: pingDatabase(cfg.StoreDB, cfg.DBTimeout, cfg.MaxDatabaseLatency)})
	}
	if cfg.UpstreamURL != "" {
		c.Register(Probe{Name: "upstream", Type: "http",
			Run: reachable(&http.Client{Timeout: cfg.HTTPTimeout}, cfg.UpstreamURL)})
	}
	if cfg.CacheDir != "" {
		c.Register(Probe{Name: "file_cache", Type: "filesystem", Run: writableDir(cfg.CacheDir)})
	}
	if cfg.Queue != nil {
		c.Register(Probe{Name: "side_effect_queue", Type: "queue", Run: queueHeadroom(cfg.Queue)})
	}
	return c
}

// Register adds a probe. It must be called before the checker is in use.
func (c *Checker) Register(p Probe) {
	c.probes = append(c.probes, p)
}

// Check runs every probe and aggregates the results.
func (c *Checker) Check(ctx context.Context) HealthStatus {
	components := make([]Component, len(c.probes))
	var wg sync.WaitGroup
	for i, p := range c.probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			res := p.Run(ctx)
			if res.Latency == 0 {
				res.Latency = time.Since(start)
			}
			res.Timestamp = start
			if !p.Critical && res.Status == StatusUnhealthy {
				res.Status = StatusDegraded
			}
			components[i] = Component{Name: p.Name, Type: p.Type, CheckResult: res}
		}()
	}
	wg.Wait()
	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })

	status := HealthStatus{
		Status:     overall(components),
		Version:    version.Info(),
		Timestamp:  time.Now(),
		Components: components,
	}
	c.mu.Lock()
	c.last = status
	c.mu.Unlock()
	return status
}

// Last returns the most recent Check result.
func (c *Checker) Last() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

func overall(components []Component) Status {
	status := StatusHealthy
	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			status = StatusDegraded
		}
	}
	return status
}

func pingDatabase(db *sql.DB, timeout, maxLatency time.Duration) func(context.Context) CheckResult {
	return func(ctx context.Context) CheckResult {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		start := time.Now()
		err := db.PingContext(ctx)
		res := CheckResult{Latency: time.Since(start)}
		switch {
		case err != nil:
			res.Status, res.Message, res.Error = StatusUnhealthy, "database unreachable", err.Error()
		case res.Latency > maxLatency:
			res.Status, res.Message = StatusDegraded, fmt.Sprintf("slow ping: %v", res.Latency)
		default:
			res.Status, res.Message = StatusHealthy, "connected"
		}
		return res
	}
}

// reachable treats any HTTP response as success; only transport errors count.
func reachable(client *http.Client, url string) func(context.Context) CheckResult {
	return func(ctx context.Context) CheckResult {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
		}
		resp, err := client.Do(req)
		if err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "unreachable", Error: err.Error()}
		}
		resp.Body.Close()
		return CheckResult{Status: StatusHealthy, Message: fmt.Sprintf("reachable (HTTP %d)", resp.StatusCode)}
	}
}

func writableDir(dir string) func(context.Context) CheckResult {
	return func(context.Context) CheckResult {
		f, err := os.CreateTemp(dir, ".health-*")
		if err == nil {
			name := f.Name()
			_ = f.Close()
			err = os.Remove(name)
		}
		if err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "not writable", Error: err.Error()}
		}
		return CheckResult{Status: StatusHealthy, Message: "writable"}
	}
}

func queueHeadroom(q QueueStats) func(context.Context) CheckResult {
	return func(context.Context) CheckResult {
		pending, capacity := q.Pending(), q.Capacity()
		res := CheckResult{Status: StatusHealthy, Message: fmt.Sprintf("%d/%d pending", pending, capacity)}
		if capacity > 0 && pending >= capacity {
			res.Status = StatusUnhealthy
			res.Message += ", dropping oldest jobs"
		}
		return res
	}
}
