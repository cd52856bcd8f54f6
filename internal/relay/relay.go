// Package relay drives one chat task: it connects upstream, forwards every
// event line to the client in order and hands actionable events to the
// side-effect dispatcher without waiting for them.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/tokligence/chatrelay/internal/event"
	"github.com/tokligence/chatrelay/internal/upstream"
)

// Upstream opens the provider event stream.
type Upstream interface {
	Connect(ctx context.Context, req upstream.ChatRequest) (*upstream.Stream, error)
}

// Dispatcher accepts side-effect work. Submit must not block.
type Dispatcher interface {
	Submit(ev event.Event, userID, sourceFileID string) (int, error)
}

// Registry tracks cancellable tasks.
type Registry interface {
	Register(taskID, userID string, cancel func() bool) error
	Alias(taskID, upstreamID string)
	Remove(taskID string)
}

// Recorder observes relay activity.
type Recorder interface {
	TaskStarted()
	TaskFinished(state string)
	EventForwarded(kind string)
	MalformedEvent()
}

// Sink is the client side of the stream. Each frame is written whole and
// then flushed.
type Sink interface {
	io.Writer
	Flush()
}

// Config wires a Relay.
type Config struct {
	Upstream   Upstream
	Dispatcher Dispatcher
	Registry   Registry
	Logger     *log.Logger
	Recorder   Recorder
	Debug      bool
}

// Relay runs chat tasks. It is safe for concurrent use; each Run owns its task.
type Relay struct {
	upstream   Upstream
	dispatcher Dispatcher
	registry   Registry
	logger     *log.Logger
	recorder   Recorder
	debug      bool
}

// New builds a relay. Upstream is required.
func New(cfg Config) (*Relay, error) {
	if cfg.Upstream == nil {
		return nil, errors.New("relay: upstream required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	return &Relay{
		upstream:   cfg.Upstream,
		dispatcher: cfg.Dispatcher,
		registry:   cfg.Registry,
		logger:     cfg.Logger,
		recorder:   cfg.Recorder,
		debug:      cfg.Debug,
	}, nil
}

func (r *Relay) debugf(format string, args ...any) {
	if r.debug {
		r.logger.Printf("DEBUG "+format, args...)
	}
}

const errEarlyEOF = "upstream closed the stream before sending data"

// Run streams task to sink until the upstream finishes, fails, the task is
// cancelled through the registry or ctx is done. It returns the terminal
// state. Once Run has observed cancellation nothing more is written to sink.
func (r *Relay) Run(ctx context.Context, task *Task, sink Sink) State {
	if err := task.Transition(StateConnecting); err != nil {
		r.logger.Printf("task %s: %v", task.ID, err)
		return task.State()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if r.registry != nil {
		if err := r.registry.Register(task.ID, task.UserID, func() bool { return r.cancelTask(task, cancel) }); err != nil {
			r.fail(task, sink, fmt.Sprintf("register task: %v", err))
			return task.State()
		}
		defer r.registry.Remove(task.ID)
	}
	if r.recorder != nil {
		r.recorder.TaskStarted()
		defer func() { r.recorder.TaskFinished(task.State().String()) }()
	}
	r.debugf("task %s: connecting for user=%s conversation=%q", task.ID, task.UserID, task.ConversationID)

	stream, err := r.upstream.Connect(ctx, upstream.ChatRequest{
		Query:          task.Query,
		User:           task.UserID,
		ConversationID: task.ConversationID,
		UploadFileID:   task.UploadFileID,
		Inputs:         task.Inputs,
	})
	if err != nil {
		if ctx.Err() != nil {
			r.cancelTask(task, cancel)
			return task.State()
		}
		r.fail(task, sink, err.Error())
		return task.State()
	}
	defer stream.Close()
	stopClose := context.AfterFunc(ctx, func() { _ = stream.Close() })
	defer stopClose()

	forwarded := 0
	for {
		line, err := stream.ReadLine()
		if err != nil {
			r.finish(ctx, task, sink, cancel, err)
			return task.State()
		}
		if task.State() == StateConnecting {
			if err := task.Transition(StateStreaming); err != nil {
				return task.State()
			}
			r.debugf("task %s: streaming", task.ID)
		}

		ev, ok := event.Classify(line)
		if !ok {
			continue
		}
		if ev.Malformed {
			r.debugf("task %s: malformed event forwarded as-is: %.200s", task.ID, ev.Raw)
			if r.recorder != nil {
				r.recorder.MalformedEvent()
			}
		}
		if task.setUpstreamID(ev.TaskID) && r.registry != nil {
			r.registry.Alias(task.ID, ev.TaskID)
		}

		if err := r.forward(task, sink, ev.Raw); err != nil {
			if !errors.Is(err, errTerminal) {
				r.logger.Printf("task %s: client write failed after %d event(s): %v", task.ID, forwarded, err)
			}
			r.cancelTask(task, cancel)
			return task.State()
		}
		forwarded++
		if r.recorder != nil {
			r.recorder.EventForwarded(ev.Kind.String())
		}
		if r.dispatcher != nil && ev.Actionable() {
			if _, err := r.dispatcher.Submit(ev, task.UserID, task.UploadFileID); err != nil {
				r.logger.Printf("task %s: side effects for %s not submitted: %v", task.ID, ev.Kind, err)
			}
		}
	}
}

// finish maps the end of the upstream stream to a terminal state.
func (r *Relay) finish(ctx context.Context, task *Task, sink Sink, cancel context.CancelFunc, err error) {
	switch {
	case ctx.Err() != nil:
		r.cancelTask(task, cancel)
	case errors.Is(err, io.EOF):
		task.mu.Lock()
		state := task.state
		if state == StateStreaming {
			_ = task.transitionLocked(StateCompleted)
		}
		task.mu.Unlock()
		if state == StateConnecting {
			r.fail(task, sink, errEarlyEOF)
			return
		}
		r.debugf("task %s: completed", task.ID)
	default:
		r.fail(task, sink, fmt.Sprintf("upstream stream interrupted: %v", err))
	}
}

var errTerminal = errors.New("task already terminal")

// forward writes one data frame unless the task has left the streaming state.
func (r *Relay) forward(task *Task, sink Sink, raw string) error {
	task.mu.Lock()
	defer task.mu.Unlock()
	if task.state != StateStreaming {
		return errTerminal
	}
	if _, err := io.WriteString(sink, "data: "+raw+"\n\n"); err != nil {
		return err
	}
	sink.Flush()
	return nil
}

// fail moves task to StateFailed and writes the single synthetic error frame.
func (r *Relay) fail(task *Task, sink Sink, reason string) {
	task.mu.Lock()
	defer task.mu.Unlock()
	if err := task.transitionLocked(StateFailed); err != nil {
		return
	}
	task.reason = reason
	r.logger.Printf("task %s failed: %s", task.ID, reason)
	body, _ := json.Marshal(map[string]string{"error": reason})
	_, _ = io.WriteString(sink, "event: error\ndata: "+string(body)+"\n\n")
	sink.Flush()
}

// cancelTask marks the task cancelled and aborts its upstream call. It is the
// function registered for stop requests and reports whether the task moved to
// Cancelled; a task already terminal is left as is.
func (r *Relay) cancelTask(task *Task, cancel context.CancelFunc) bool {
	task.mu.Lock()
	err := task.transitionLocked(StateCancelled)
	task.mu.Unlock()
	cancel()
	if err != nil {
		return false
	}
	r.logger.Printf("task %s cancelled", task.ID)
	return true
}
