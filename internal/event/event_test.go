package event

import "testing"

func TestClassifyKinds(t *testing.T) {
	tests := []struct {
		name string
		line string
		kind Kind
		raw  string
	}{
		{"message", `data: {"event":"message","answer":"hi"}`, KindMessageDelta, `{"event":"message","answer":"hi"}`},
		{"no space after prefix", `data:{"event":"message_end","files":[]}`, KindMessageEnd, `{"event":"message_end","files":[]}`},
		{"workflow", `data: {"event":"workflow_finished","data":{"outputs":{}}}`, KindWorkflowFinished, `{"event":"workflow_finished","data":{"outputs":{}}}`},
		{"error", `data: {"event":"error","status":400,"message":"bad"}`, KindError, `{"event":"error","status":400,"message":"bad"}`},
		{"unrecognised event", `data: {"event":"node_started"}`, KindUnknown, `{"event":"node_started"}`},
		{"not json", `data: ping`, KindUnknown, `ping`},
		{"trailing newline", "data: {\"event\":\"message\"}\r\n", KindMessageDelta, `{"event":"message"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := Classify(tt.line)
			if !ok {
				t.Fatalf("expected data line to classify")
			}
			if ev.Kind != tt.kind {
				t.Fatalf("kind = %v, want %v", ev.Kind, tt.kind)
			}
			if ev.Raw != tt.raw {
				t.Fatalf("raw = %q, want %q", ev.Raw, tt.raw)
			}
			if ev.Payload == nil {
				t.Fatalf("payload must never be nil")
			}
		})
	}
}

func TestClassifySkipsFraming(t *testing.T) {
	for _, line := range []string{"", "\n", "event: ping", ": keep-alive", "id: 4"} {
		if _, ok := Classify(line); ok {
			t.Fatalf("line %q should not classify as data", line)
		}
	}
}

func TestClassifyMessageEndFiles(t *testing.T) {
	ev, _ := Classify(`data: {"event":"message_end","task_id":"t-1","files":[{"url":"/files/tools/a.xlsx?sig=1","filename":"a.xlsx"},{"url":"","filename":"skip"}]}`)
	p, ok := ev.Payload.(MessageEndPayload)
	if !ok {
		t.Fatalf("payload type = %T", ev.Payload)
	}
	if len(p.Files) != 1 || p.Files[0].FileName != "a.xlsx" || p.Files[0].RemoteURL != "/files/tools/a.xlsx?sig=1" {
		t.Fatalf("unexpected files: %+v", p.Files)
	}
	if ev.TaskID != "t-1" {
		t.Fatalf("task id = %q", ev.TaskID)
	}
	if !ev.Actionable() {
		t.Fatalf("message_end with files should be actionable")
	}
}

func TestClassifyMalformedNestedFields(t *testing.T) {
	ev, _ := Classify(`data: {"event":"message_end","files":"oops"}`)
	if ev.Kind != KindMessageEnd {
		t.Fatalf("kind = %v", ev.Kind)
	}
	if _, ok := ev.Payload.(EmptyPayload); !ok {
		t.Fatalf("expected empty payload, got %T", ev.Payload)
	}
	if ev.Actionable() {
		t.Fatalf("empty payload must not be actionable")
	}
	if !ev.Malformed {
		t.Fatalf("undecodable files should mark the event malformed")
	}
	if bad, _ := Classify(`data: {not json`); !bad.Malformed || bad.Kind != KindUnknown || bad.Raw != `{not json` {
		t.Fatalf("broken line = %+v", bad)
	}
	if future, _ := Classify(`data: {"event":"node_started"}`); future.Malformed {
		t.Fatalf("unrecognised event kinds are not malformed")
	}

	ev, _ = Classify(`data: {"event":"workflow_finished","data":{"outputs":{"answer":"not json at all"}}}`)
	if ev.Kind != KindWorkflowFinished {
		t.Fatalf("kind = %v", ev.Kind)
	}
	p, ok := ev.Payload.(WorkflowFinishedPayload)
	if !ok || p.Extraction != nil {
		t.Fatalf("expected payload without extraction, got %#v", ev.Payload)
	}
}

func TestClassifyWorkflowExtraction(t *testing.T) {
	line := `data: {"event":"workflow_finished","data":{"outputs":{"answer":"` +
		"```json\\n" +
		`{\"contract_info\":{\"contract_name\":\"A\",\"contract_number\":\"123\",\"sign_date\":\"2024-01-01\"},\"detailed_timeline\":[{\"description\":\"d\",\"relation_to_sign_date\":\"r\",\"date\":\"2024-02-01\"}]}` +
		"\\n```" + `"}}}`
	ev, ok := Classify(line)
	if !ok {
		t.Fatalf("expected classification")
	}
	p, ok := ev.Payload.(WorkflowFinishedPayload)
	if !ok || p.Extraction == nil {
		t.Fatalf("expected extraction, got %#v", ev.Payload)
	}
	if p.Extraction.Contract.ContractNumber != "123" || len(p.Extraction.Timeline) != 1 {
		t.Fatalf("unexpected extraction: %+v", p.Extraction)
	}
	if p.Extraction.Timeline[0].RelationToSignDate != "r" {
		t.Fatalf("timeline = %+v", p.Extraction.Timeline)
	}
}

func TestWorkflowWithoutContractInfoIsNotActionable(t *testing.T) {
	ev, _ := Classify(`data: {"event":"workflow_finished","data":{"outputs":{"answer":"{\"detailed_timeline\":[]}"}}}`)
	if ev.Actionable() {
		t.Fatalf("answer without contract_info must not trigger persistence")
	}
}

func TestWorkflowContractInfoPresence(t *testing.T) {
	tests := []struct {
		name   string
		answer string
		want   bool
	}{
		{"blank fields", `{\"contract_info\":{\"contract_name\":\"\",\"contract_number\":\"\",\"sign_date\":\"\"}}`, true},
		{"empty object", `{\"contract_info\":{}}`, true},
		{"null", `{\"contract_info\":null,\"detailed_timeline\":[]}`, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ev, ok := Classify(`data: {"event":"workflow_finished","data":{"outputs":{"answer":"` + tc.answer + `"}}}`)
			if !ok {
				t.Fatalf("expected classification")
			}
			if got := ev.Actionable(); got != tc.want {
				t.Fatalf("Actionable() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestStripCodeFence(t *testing.T) {
	tests := map[string]string{
		"```json\n{\"a\":1}\n```": `{"a":1}`,
		"```json{\"a\":1}```":     `{"a":1}`,
		"```\n{\"a\":1}\n```":     `{"a":1}`,
		`  {"a":1}  `:             `{"a":1}`,
		"":                        "",
	}
	for in, want := range tests {
		if got := StripCodeFence(in); got != want {
			t.Errorf("StripCodeFence(%q) = %q, want %q", in, got, want)
		}
	}
}
