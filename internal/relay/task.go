package relay

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// State is the lifecycle position of a chat task.
type State int

const (
	StateInit State = iota
	StateConnecting
	StateStreaming
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no transition may leave s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

var transitions = map[State][]State{
	StateInit:       {StateConnecting},
	StateConnecting: {StateStreaming, StateFailed, StateCancelled},
	StateStreaming:  {StateCompleted, StateFailed, StateCancelled},
}

// ErrInvalidTransition is returned when a task is moved along an edge the
// state machine does not have.
var ErrInvalidTransition = errors.New("invalid task state transition")

// Task is one in-flight relay session.
type Task struct {
	ID             string
	UserID         string
	Query          string
	ConversationID string
	// UploadFileID is the source document; it keys contract extraction.
	UploadFileID string
	Inputs       map[string]any

	// mu guards state and every write to the client sink, so nothing is
	// written once the task is terminal.
	mu         sync.Mutex
	state      State
	upstreamID string
	reason     string
}

// NewTask creates a task in StateInit with a fresh local id.
func NewTask(userID, query, conversationID, uploadFileID string) *Task {
	return &Task{
		ID:             uuid.NewString(),
		UserID:         strings.TrimSpace(userID),
		Query:          query,
		ConversationID: strings.TrimSpace(conversationID),
		UploadFileID:   strings.TrimSpace(uploadFileID),
	}
}

// State returns the current state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// UpstreamID returns the provider-assigned task id, once seen.
func (t *Task) UpstreamID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.upstreamID
}

// FailureReason is the message sent to the client when the task failed.
func (t *Task) FailureReason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Transition moves the task to next.
func (t *Task) Transition(next State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transitionLocked(next)
}

func (t *Task) transitionLocked(next State) error {
	for _, allowed := range transitions[t.state] {
		if allowed == next {
			t.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.state, next)
}

// setUpstreamID records the first provider id and reports whether it was new.
func (t *Task) setUpstreamID(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id == "" || t.upstreamID != "" {
		return false
	}
	t.upstreamID = id
	return true
}
