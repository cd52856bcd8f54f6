// Package event classifies raw upstream SSE lines into typed stream events.
package event

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Kind identifies the category of an upstream event.
type Kind int

const (
	KindUnknown Kind = iota
	KindMessageDelta
	KindMessageEnd
	KindWorkflowFinished
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindMessageDelta:
		return "message"
	case KindMessageEnd:
		return "message_end"
	case KindWorkflowFinished:
		return "workflow_finished"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Payload is the per-kind structured content of an Event. The concrete type
// always matches the event kind, or is EmptyPayload when nested fields could
// not be decoded.
type Payload interface {
	isPayload()
}

// EmptyPayload carries no fields. Side effects never fire for it.
type EmptyPayload struct{}

// MessagePayload is the decoded content of a "message" delta.
type MessagePayload struct {
	Answer string
}

// MessageEndPayload lists the files the upstream generated for the message.
type MessageEndPayload struct {
	Files []FileReference
}

// WorkflowFinishedPayload holds the workflow answer and, when the answer is a
// contract extraction, its decoded form.
type WorkflowFinishedPayload struct {
	Answer     string
	Extraction *Extraction
}

// ErrorPayload is the upstream-reported failure.
type ErrorPayload struct {
	Status  int
	Code    string
	Message string
}

func (EmptyPayload) isPayload()            {}
func (MessagePayload) isPayload()          {}
func (MessageEndPayload) isPayload()       {}
func (WorkflowFinishedPayload) isPayload() {}
func (ErrorPayload) isPayload()            {}

// FileReference is a file mentioned by the upstream as generated output.
type FileReference struct {
	RemoteURL   string
	FileName    string
	OwnerUserID string
}

// Event is one classified upstream line.
type Event struct {
	Kind Kind
	// Raw is the line without the "data:" framing, forwarded verbatim.
	Raw string
	// TaskID and ConversationID are copied from the envelope when present.
	TaskID         string
	ConversationID string
	Payload        Payload
	// Malformed is set when the line, or a nested payload the kind depends
	// on, failed to decode. The event is still forwarded.
	Malformed bool
}

// Actionable reports whether the event can trigger side-effect work.
func (e Event) Actionable() bool {
	switch p := e.Payload.(type) {
	case MessageEndPayload:
		return len(p.Files) > 0
	case WorkflowFinishedPayload:
		return p.Extraction != nil
	default:
		return false
	}
}

const dataPrefix = "data:"

type envelope struct {
	Event          string          `json:"event"`
	TaskID         string          `json:"task_id"`
	ConversationID string          `json:"conversation_id"`
	Answer         string          `json:"answer"`
	Files          json.RawMessage `json:"files"`
	Data           json.RawMessage `json:"data"`
	Status         int             `json:"status"`
	Code           string          `json:"code"`
	Message        string          `json:"message"`
}

type wireFile struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

type workflowData struct {
	Outputs struct {
		Answer string `json:"answer"`
	} `json:"outputs"`
}

// Classify strips the SSE framing from line and types the remaining payload.
// ok is false for lines that carry no event data: blank keep-alive separators,
// comments and non-data fields such as "event:" or "id:".
func Classify(line string) (ev Event, ok bool) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, dataPrefix) {
		return Event{}, false
	}
	raw := strings.TrimPrefix(line, dataPrefix)
	raw = strings.TrimPrefix(raw, " ")
	return Decode(raw), true
}

// Decode types an unframed payload. It never fails: anything that does not
// decode is KindUnknown with an EmptyPayload.
func Decode(raw string) Event {
	ev := Event{Kind: KindUnknown, Raw: raw, Payload: EmptyPayload{}}
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		ev.Malformed = true
		return ev
	}
	ev.TaskID = env.TaskID
	ev.ConversationID = env.ConversationID

	switch env.Event {
	case "message", "agent_message":
		ev.Kind = KindMessageDelta
		ev.Payload = MessagePayload{Answer: env.Answer}
	case "message_end":
		ev.Kind = KindMessageEnd
		ev.Payload = decodeFiles(env.Files)
	case "workflow_finished":
		ev.Kind = KindWorkflowFinished
		ev.Payload = decodeWorkflow(env.Data)
	case "error":
		ev.Kind = KindError
		ev.Payload = ErrorPayload{Status: env.Status, Code: env.Code, Message: env.Message}
	}
	if _, empty := ev.Payload.(EmptyPayload); empty && ev.Kind != KindUnknown {
		ev.Malformed = true
	}
	return ev
}

func decodeFiles(raw json.RawMessage) Payload {
	if len(bytes.TrimSpace(raw)) == 0 {
		return MessageEndPayload{}
	}
	var files []wireFile
	if err := json.Unmarshal(raw, &files); err != nil {
		return EmptyPayload{}
	}
	out := make([]FileReference, 0, len(files))
	for _, f := range files {
		if strings.TrimSpace(f.URL) == "" {
			continue
		}
		out = append(out, FileReference{RemoteURL: f.URL, FileName: f.Filename})
	}
	return MessageEndPayload{Files: out}
}

func decodeWorkflow(raw json.RawMessage) Payload {
	if len(bytes.TrimSpace(raw)) == 0 {
		return EmptyPayload{}
	}
	var data workflowData
	if err := json.Unmarshal(raw, &data); err != nil {
		return EmptyPayload{}
	}
	p := WorkflowFinishedPayload{Answer: data.Outputs.Answer}
	if x, err := DecodeExtraction(data.Outputs.Answer); err == nil && x.Contract != nil {
		p.Extraction = &x
	}
	return p
}
