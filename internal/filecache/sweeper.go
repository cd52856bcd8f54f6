package filecache

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper periodically removes abandoned partial downloads.
type Sweeper struct {
	cache    *Cache
	schedule string
	maxAge   time.Duration
	cron     *cron.Cron
	logger   *log.Logger

	mu      sync.Mutex
	running bool
}

// NewSweeper creates a sweeper for cache using a standard cron expression,
// e.g. "*/30 * * * *". Partial files older than maxAge are removed.
func NewSweeper(cache *Cache, schedule string, maxAge time.Duration, logger *log.Logger) *Sweeper {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	return &Sweeper{
		cache:    cache,
		schedule: schedule,
		maxAge:   maxAge,
		cron:     cron.New(),
		logger:   logger,
	}
}

// Start schedules sweeping. An empty schedule disables it.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule == "" {
		s.logger.Printf("partial sweep schedule not configured, skipping")
		return nil
	}
	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.schedule, err)
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { s.RunOnce() }); err != nil {
		return fmt.Errorf("schedule partial sweep: %w", err)
	}
	s.cron.Start()
	s.running = true
	s.logger.Printf("partial sweeper started schedule=%q max_age=%s", s.schedule, s.maxAge)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// RunOnce sweeps immediately.
func (s *Sweeper) RunOnce() int {
	n, err := s.cache.SweepPartials(s.maxAge)
	if err != nil {
		s.logger.Printf("partial sweep failed: %v", err)
	}
	if n > 0 {
		s.logger.Printf("partial sweep removed %d file(s)", n)
	}
	return n
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
	}
}
