// Package cancel tracks in-flight chat tasks so a stop request can end them.
package cancel

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when no live task matches the id.
	ErrNotFound = errors.New("task not found")
	// ErrUserRequired is returned when a stop request carries no user.
	ErrUserRequired = errors.New("user id required")
	// ErrDuplicate is returned when registering an id that is already live.
	ErrDuplicate = errors.New("task already registered")
)

// Stopper propagates a stop to the provider.
type Stopper interface {
	Stop(ctx context.Context, taskID, user string) error
}

type entry struct {
	taskID     string
	userID     string
	cancel     func() bool
	upstreamID string
}

// Registry maps task ids, local or provider-assigned, to the function that
// ends the task.
type Registry struct {
	mu      sync.Mutex
	tasks   map[string]*entry
	aliases map[string]string

	stopper     Stopper
	stopTimeout time.Duration
	logger      *log.Logger
	wg          sync.WaitGroup
}

// New creates an empty registry. stopper may be nil.
func New(stopper Stopper, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Registry{
		tasks:       make(map[string]*entry),
		aliases:     make(map[string]string),
		stopper:     stopper,
		stopTimeout: 10 * time.Second,
		logger:      logger,
	}
}

// Register records a cancellable task. cancel reports whether it ended the
// task; false means the task had already finished.
func (r *Registry) Register(taskID, userID string, cancel func() bool) error {
	if strings.TrimSpace(taskID) == "" || cancel == nil {
		return errors.New("task id and cancel func required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[taskID]; ok {
		return ErrDuplicate
	}
	r.tasks[taskID] = &entry{taskID: taskID, userID: userID, cancel: cancel}
	return nil
}

// Alias makes the provider-assigned id resolve to a registered task. The
// first alias wins.
func (r *Registry) Alias(taskID, upstreamID string) {
	if upstreamID == "" || upstreamID == taskID {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tasks[taskID]
	if !ok || e.upstreamID != "" {
		return
	}
	e.upstreamID = upstreamID
	r.aliases[upstreamID] = taskID
}

// Cancel ends the task known by taskID, which may be a local id or an alias.
// Any caller knowing the id may cancel; userID is required and forwarded to
// the provider's stop call. A task that finished before it could be cancelled
// yields ErrNotFound and no provider stop.
func (r *Registry) Cancel(taskID, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrUserRequired
	}
	r.mu.Lock()
	e := r.lookupLocked(taskID)
	if e != nil {
		r.removeLocked(e)
	}
	r.mu.Unlock()
	if e == nil {
		return ErrNotFound
	}

	if !e.cancel() {
		r.logger.Printf("task %s already finished, stop by user=%s ignored", e.taskID, userID)
		return ErrNotFound
	}
	r.logger.Printf("task %s cancelled by user=%s", e.taskID, userID)
	if r.stopper != nil && e.upstreamID != "" {
		r.wg.Add(1)
		go r.stopUpstream(e.upstreamID, userID)
	}
	return nil
}

func (r *Registry) stopUpstream(upstreamID, userID string) {
	defer r.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), r.stopTimeout)
	defer cancel()
	if err := r.stopper.Stop(ctx, upstreamID, userID); err != nil {
		r.logger.Printf("upstream stop task=%s failed: %v", upstreamID, err)
	}
}

// Remove drops a task once it reached a terminal state.
func (r *Registry) Remove(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.tasks[taskID]; ok {
		r.removeLocked(e)
	}
}

// Len returns the number of live tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Wait blocks until pending upstream stop calls finish.
func (r *Registry) Wait() {
	r.wg.Wait()
}

func (r *Registry) lookupLocked(id string) *entry {
	if e, ok := r.tasks[id]; ok {
		return e
	}
	if local, ok := r.aliases[id]; ok {
		return r.tasks[local]
	}
	return nil
}

func (r *Registry) removeLocked(e *entry) {
	delete(r.tasks, e.taskID)
	if e.upstreamID != "" {
		delete(r.aliases, e.upstreamID)
	}
}
