// Package sideeffect runs the work triggered by relayed events (file
// downloads, contract persistence) on a bounded worker pool, outside the
// relay's lifetime.
package sideeffect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tokligence/chatrelay/internal/contract"
	"github.com/tokligence/chatrelay/internal/event"
	"github.com/tokligence/chatrelay/internal/store"
)

// JobKind labels a unit of side-effect work.
type JobKind string

const (
	JobFile     JobKind = "file"
	JobContract JobKind = "contract"
)

// FileFetcher downloads a referenced file into the local cache.
type FileFetcher interface {
	Fetch(ctx context.Context, ref event.FileReference) (store.StoredFile, error)
}

// ContractSaver persists a contract extraction.
type ContractSaver interface {
	Save(ctx context.Context, userID, fileID string, info *event.ContractInfo, timeline []event.TimelineEntry) (contract.SaveResult, error)
}

// Recorder observes queue activity.
type Recorder interface {
	JobSubmitted(kind string)
	JobDropped(kind string)
	QueueDepth(n int)
	JobFinished(kind string, elapsed time.Duration, err error)
}

// Config configures a Dispatcher.
type Config struct {
	Workers    int           // default 4
	QueueSize  int           // default 256
	JobTimeout time.Duration // default 2m
	Files      FileFetcher
	Contracts  ContractSaver
	Exclusions *Exclusions
	Logger     *log.Logger
	Recorder   Recorder
}

type job struct {
	kind       JobKind
	critical   bool
	userID     string
	file       event.FileReference
	fileID     string
	extraction event.Extraction
	submitted  time.Time
}

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("dispatcher closed")

// Dispatcher is a bounded queue drained by a fixed set of workers.
// Submit never blocks: when the queue is full the oldest file job is evicted
// to make room. Contract jobs are only evicted when nothing else is queued.
type Dispatcher struct {
	files      FileFetcher
	contracts  ContractSaver
	exclusions atomic.Pointer[Exclusions]
	logger     *log.Logger
	recorder   Recorder
	capacity   int
	jobTimeout time.Duration

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []job
	closed bool
	wg     sync.WaitGroup

	dropped atomic.Int64
	failed  atomic.Int64
	done    atomic.Int64
}

// New starts the worker pool.
func New(cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	d := &Dispatcher{
		files:      cfg.Files,
		contracts:  cfg.Contracts,
		logger:     cfg.Logger,
		recorder:   cfg.Recorder,
		capacity:   cfg.QueueSize,
		jobTimeout: cfg.JobTimeout,
		queue:      make([]job, 0, cfg.QueueSize),
	}
	d.cond = sync.NewCond(&d.mu)
	ex := cfg.Exclusions
	if ex == nil {
		ex, _ = NewExclusions(DefaultExclusions)
	}
	d.exclusions.Store(ex)

	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	d.logger.Printf("started %d worker(s), queue=%d", cfg.Workers, cfg.QueueSize)
	return d
}

// SetExclusions swaps the file URL exclusion rules.
func (d *Dispatcher) SetExclusions(ex *Exclusions) {
	if ex != nil {
		d.exclusions.Store(ex)
	}
}

// Submit turns an event into jobs and queues them without blocking. userID
// owns downloaded files; sourceFileID keys contract persistence. It returns
// the number of jobs queued.
func (d *Dispatcher) Submit(ev event.Event, userID, sourceFileID string) (int, error) {
	jobs := d.jobsFor(ev, userID, sourceFileID)
	if len(jobs) == 0 {
		return 0, nil
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, ErrClosed
	}
	queued := 0
	for _, j := range jobs {
		if d.enqueueLocked(j) {
			queued++
		}
	}
	depth := len(d.queue)
	d.mu.Unlock()
	d.cond.Broadcast()

	if d.recorder != nil {
		d.recorder.QueueDepth(depth)
	}
	return queued, nil
}

func (d *Dispatcher) jobsFor(ev event.Event, userID, sourceFileID string) []job {
	now := time.Now()
	switch p := ev.Payload.(type) {
	case event.MessageEndPayload:
		ex := d.exclusions.Load()
		var jobs []job
		for _, f := range p.Files {
			if ex.Excluded(f.RemoteURL) {
				continue
			}
			f.OwnerUserID = userID
			jobs = append(jobs, job{kind: JobFile, userID: userID, file: f, submitted: now})
		}
		return jobs
	case event.WorkflowFinishedPayload:
		if p.Extraction == nil || p.Extraction.Contract == nil {
			return nil
		}
		if strings.TrimSpace(sourceFileID) == "" {
			d.logger.Printf("workflow result for user=%s has no source file id, contract not saved", userID)
			return nil
		}
		return []job{{kind: JobContract, critical: true, userID: userID, fileID: sourceFileID, extraction: *p.Extraction, submitted: now}}
	default:
		return nil
	}
}

// enqueueLocked appends j, evicting per the drop policy when full. It
// reports whether j itself was queued.
func (d *Dispatcher) enqueueLocked(j job) bool {
	if len(d.queue) < d.capacity {
		d.queue = append(d.queue, j)
		d.noteSubmitted(j)
		return true
	}
	victim := -1
	for i, q := range d.queue {
		if !q.critical {
			victim = i
			break
		}
	}
	if victim < 0 {
		if !j.critical {
			d.noteDropped(j)
			return false
		}
		victim = 0
	}
	d.noteDropped(d.queue[victim])
	d.queue = append(d.queue[:victim], d.queue[victim+1:]...)
	d.queue = append(d.queue, j)
	d.noteSubmitted(j)
	return true
}

func (d *Dispatcher) noteSubmitted(j job) {
	if d.recorder != nil {
		d.recorder.JobSubmitted(string(j.kind))
	}
}

func (d *Dispatcher) noteDropped(j job) {
	d.dropped.Add(1)
	d.logger.Printf("WARNING: queue full, dropping %s job for user=%s", j.kind, j.userID)
	if d.recorder != nil {
		d.recorder.JobDropped(string(j.kind))
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		j := d.queue[0]
		d.queue[0] = job{}
		d.queue = d.queue[1:]
		depth := len(d.queue)
		d.mu.Unlock()

		if d.recorder != nil {
			d.recorder.QueueDepth(depth)
		}
		d.run(id, j)
	}
}

// run executes one job. Panics and errors stay inside the job.
func (d *Dispatcher) run(workerID int, j job) {
	start := time.Now()
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			d.logger.Printf("worker-%d %s job panicked: %v\n%s", workerID, j.kind, r, debug.Stack())
		}
		if err != nil {
			d.failed.Add(1)
		} else {
			d.done.Add(1)
		}
		if d.recorder != nil {
			d.recorder.JobFinished(string(j.kind), time.Since(start), err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.jobTimeout)
	defer cancel()
	switch j.kind {
	case JobFile:
		if d.files == nil {
			return
		}
		if _, err = d.files.Fetch(ctx, j.file); err != nil {
			d.logger.Printf("worker-%d file %s for user=%s failed: %v", workerID, j.file.RemoteURL, j.userID, err)
		}
	case JobContract:
		if d.contracts == nil {
			return
		}
		var res contract.SaveResult
		res, err = d.contracts.Save(ctx, j.userID, j.fileID, j.extraction.Contract, j.extraction.Timeline)
		if err != nil {
			d.logger.Printf("worker-%d contract for file=%s failed: %v", workerID, j.fileID, err)
		} else {
			d.logger.Printf("worker-%d contract for file=%s: %s", workerID, j.fileID, res)
		}
	}
}

// Stats is a point-in-time view of the dispatcher.
type Stats struct {
	Pending   int   `json:"pending"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

// Stats reports queue depth and job counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	pending := len(d.queue)
	d.mu.Unlock()
	return Stats{Pending: pending, Completed: d.done.Load(), Failed: d.failed.Load(), Dropped: d.dropped.Load()}
}

// Pending returns the number of queued jobs.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Capacity is the queue bound.
func (d *Dispatcher) Capacity() int { return d.capacity }

// Close stops accepting jobs, lets the workers drain the queue and waits for
// them. Pending jobs may be lost if the process exits before Close returns.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	d.cond.Broadcast()
	d.wg.Wait()
	d.logger.Printf("stopped: %d completed, %d failed, %d dropped", d.done.Load(), d.failed.Load(), d.dropped.Load())
	return nil
}
