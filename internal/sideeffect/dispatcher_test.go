package sideeffect

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tokligence/chatrelay/internal/contract"
	"github.com/tokligence/chatrelay/internal/event"
	"github.com/tokligence/chatrelay/internal/store"
)

type fakeFetcher struct {
	mu      sync.Mutex
	fetched []event.FileReference
	block   chan struct{}
	started chan string
	panicOn string
}

func (f *fakeFetcher) Fetch(ctx context.Context, ref event.FileReference) (store.StoredFile, error) {
	if f.started != nil {
		f.started <- ref.RemoteURL
	}
	if f.block != nil {
		<-f.block
	}
	if ref.RemoteURL == f.panicOn {
		panic("boom")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, ref)
	return store.StoredFile{OwnerUserID: ref.OwnerUserID}, nil
}

func (f *fakeFetcher) urls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, r := range f.fetched {
		out = append(out, r.RemoteURL)
	}
	return out
}

type fakeSaver struct {
	mu    sync.Mutex
	saved []string
	err   error
}

func (s *fakeSaver) Save(ctx context.Context, userID, fileID string, info *event.ContractInfo, timeline []event.TimelineEntry) (contract.SaveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.saved = append(s.saved, fileID+":"+info.ContractNumber)
	return contract.Created, nil
}

func messageEnd(urls ...string) event.Event {
	var files []event.FileReference
	for _, u := range urls {
		files = append(files, event.FileReference{RemoteURL: u, FileName: u})
	}
	return event.Event{Kind: event.KindMessageEnd, Payload: event.MessageEndPayload{Files: files}}
}

func workflow(number string) event.Event {
	return event.Event{Kind: event.KindWorkflowFinished, Payload: event.WorkflowFinishedPayload{
		Extraction: &event.Extraction{Contract: &event.ContractInfo{ContractNumber: number}},
	}}
}

func TestSubmitRoutesEvents(t *testing.T) {
	fetcher := &fakeFetcher{}
	saver := &fakeSaver{}
	d := New(Config{Workers: 2, Files: fetcher, Contracts: saver})

	n, err := d.Submit(messageEnd("/files/tools/a.xlsx", "https://h/console/api/files/x"), "u1", "F1")
	if err != nil || n != 1 {
		t.Fatalf("message_end queued %d, %v", n, err)
	}
	if n, _ := d.Submit(workflow("123"), "u1", "F1"); n != 1 {
		t.Fatalf("workflow queued %d", n)
	}
	if n, _ := d.Submit(event.Event{Kind: event.KindMessageDelta, Payload: event.MessagePayload{Answer: "hi"}}, "u1", "F1"); n != 0 {
		t.Fatalf("message delta must not queue work")
	}
	if n, _ := d.Submit(workflow("456"), "u1", ""); n != 0 {
		t.Fatalf("workflow without source file must not queue work")
	}
	_ = d.Close()

	if urls := fetcher.urls(); len(urls) != 1 || urls[0] != "/files/tools/a.xlsx" {
		t.Fatalf("fetched = %v", urls)
	}
	if fetcher.fetched[0].OwnerUserID != "u1" {
		t.Fatalf("owner not propagated: %+v", fetcher.fetched[0])
	}
	if len(saver.saved) != 1 || saver.saved[0] != "F1:123" {
		t.Fatalf("saved = %v", saver.saved)
	}
	if st := d.Stats(); st.Completed != 2 || st.Failed != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestPanicIsolatedToJob(t *testing.T) {
	fetcher := &fakeFetcher{panicOn: "/bad"}
	d := New(Config{Workers: 1, Files: fetcher})
	_, _ = d.Submit(messageEnd("/bad", "/good"), "u1", "")
	_ = d.Close()
	if urls := fetcher.urls(); len(urls) != 1 || urls[0] != "/good" {
		t.Fatalf("fetched = %v", urls)
	}
	if st := d.Stats(); st.Failed != 1 || st.Completed != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestSaveErrorCountsAsFailure(t *testing.T) {
	d := New(Config{Workers: 1, Contracts: &fakeSaver{err: errors.New("db down")}})
	_, _ = d.Submit(workflow("1"), "u1", "F1")
	_ = d.Close()
	if st := d.Stats(); st.Failed != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestFullQueueDropsOldestNonCritical(t *testing.T) {
	fetcher := &fakeFetcher{block: make(chan struct{}), started: make(chan string, 16)}
	saver := &fakeSaver{}
	d := New(Config{Workers: 1, QueueSize: 2, Files: fetcher, Contracts: saver})

	_, _ = d.Submit(messageEnd("/A"), "u", "")
	select {
	case <-fetcher.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not pick up first job")
	}
	_, _ = d.Submit(workflow("C1"), "u", "F1")
	_, _ = d.Submit(messageEnd("/B"), "u", "")
	_, _ = d.Submit(messageEnd("/D"), "u", "") // evicts /B
	_, _ = d.Submit(workflow("C2"), "u", "F2") // evicts /D
	if n, _ := d.Submit(messageEnd("/E"), "u", ""); n != 0 {
		t.Fatalf("file job should be rejected when only contracts are queued")
	}
	if st := d.Stats(); st.Pending != 2 || st.Dropped != 3 {
		t.Fatalf("stats = %+v", st)
	}

	close(fetcher.block)
	_ = d.Close()
	if urls := fetcher.urls(); len(urls) != 1 || urls[0] != "/A" {
		t.Fatalf("fetched = %v", urls)
	}
	if len(saver.saved) != 2 || saver.saved[0] != "F1:C1" || saver.saved[1] != "F2:C2" {
		t.Fatalf("saved = %v", saver.saved)
	}
}

func TestFullQueueOfContractsEvictsOldestContract(t *testing.T) {
	fetcher := &fakeFetcher{block: make(chan struct{}), started: make(chan string, 1)}
	saver := &fakeSaver{}
	d := New(Config{Workers: 1, QueueSize: 1, Files: fetcher, Contracts: saver})
	_, _ = d.Submit(messageEnd("/A"), "u", "")
	<-fetcher.started
	_, _ = d.Submit(workflow("C1"), "u", "F1")
	_, _ = d.Submit(workflow("C2"), "u", "F2")
	close(fetcher.block)
	_ = d.Close()
	if len(saver.saved) != 1 || saver.saved[0] != "F2:C2" {
		t.Fatalf("saved = %v", saver.saved)
	}
}

func TestSubmitDoesNotBlockOnSlowWorkers(t *testing.T) {
	fetcher := &fakeFetcher{block: make(chan struct{})}
	d := New(Config{Workers: 2, QueueSize: 8, Files: fetcher})
	start := time.Now()
	for i := 0; i < 1000; i++ {
		if _, err := d.Submit(messageEnd("/slow"), "u", ""); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("1000 submits took %s with stalled workers", elapsed)
	}
	close(fetcher.block)
	_ = d.Close()
}

func TestSubmitAfterClose(t *testing.T) {
	d := New(Config{Workers: 1, Files: &fakeFetcher{}})
	_ = d.Close()
	if _, err := d.Submit(messageEnd("/x"), "u", ""); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestExclusions(t *testing.T) {
	ex, err := NewExclusions([]string{`/console/api/`, ``, `\.tmp$`})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if ex.Len() != 2 {
		t.Fatalf("len = %d", ex.Len())
	}
	for url, want := range map[string]bool{
		"":                          true,
		"https://h/console/api/x":   true,
		"/files/tools/a.tmp":        true,
		"/files/tools/a.xlsx?sig=1": false,
	} {
		if got := ex.Excluded(url); got != want {
			t.Errorf("Excluded(%q) = %v, want %v", url, got, want)
		}
	}
	if _, err := NewExclusions([]string{"("}); err == nil {
		t.Fatalf("expected compile error")
	}
}

func TestSetExclusions(t *testing.T) {
	fetcher := &fakeFetcher{}
	d := New(Config{Workers: 1, Files: fetcher})
	ex, _ := NewExclusions([]string{`\.xlsx$`})
	d.SetExclusions(ex)
	if n, _ := d.Submit(messageEnd("/files/tools/a.xlsx", "/console/api/b.pdf"), "u", ""); n != 1 {
		t.Fatalf("queued %d, want 1", n)
	}
	_ = d.Close()
	if urls := fetcher.urls(); len(urls) != 1 || urls[0] != "/console/api/b.pdf" {
		t.Fatalf("fetched = %v", urls)
	}
}
