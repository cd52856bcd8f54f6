package contract

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/tokligence/chatrelay/internal/event"
	"github.com/tokligence/chatrelay/internal/store/sqlite"
)

func newStore(t *testing.T) (*Store, *sqlite.Store) {
	t.Helper()
	backend, err := sqlite.New(filepath.Join(t.TempDir(), "contracts.db"))
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })
	return New(backend, nil, nil), backend
}

var sampleInfo = &event.ContractInfo{ContractName: "A", ContractNumber: "123", SignDate: "2024-01-01"}
var sampleTimeline = []event.TimelineEntry{{Description: "d", RelationToSignDate: "r", Date: "2024-02-01"}}

func TestSaveIsIdempotentPerFile(t *testing.T) {
	s, backend := newStore(t)
	ctx := context.Background()

	res, err := s.Save(ctx, "u1", "F1", sampleInfo, sampleTimeline)
	if err != nil || res != Created {
		t.Fatalf("first save = %v, %v", res, err)
	}
	res, err = s.Save(ctx, "u1", "F1", sampleInfo, append(sampleTimeline, event.TimelineEntry{Description: "extra"}))
	if err != nil || res != AlreadyExists {
		t.Fatalf("second save = %v, %v", res, err)
	}

	if n, _ := backend.CountContracts(ctx, "F1"); n != 1 {
		t.Fatalf("contracts = %d, want 1", n)
	}
	contracts, err := s.List(ctx, "u1", "123")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(contracts) != 1 || len(contracts[0].Timeline) != 1 {
		t.Fatalf("contracts = %+v", contracts)
	}
	if contracts[0].FileID != "F1" || contracts[0].Timeline[0].RelationToSignDate != "r" {
		t.Fatalf("contract = %+v", contracts[0])
	}
}

func TestSaveValidatesInput(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	if _, err := s.Save(ctx, "u1", " ", sampleInfo, nil); !errors.Is(err, ErrFileIDRequired) {
		t.Fatalf("err = %v", err)
	}
	if _, err := s.Save(ctx, "u1", "F1", nil, nil); !errors.Is(err, ErrEmptyContract) {
		t.Fatalf("err = %v", err)
	}
}

func TestSaveAcceptsBlankContractInfo(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	res, err := s.Save(ctx, "u1", "F9", &event.ContractInfo{}, nil)
	if err != nil || res != Created {
		t.Fatalf("Save = %v, %v", res, err)
	}
	contracts, err := s.List(ctx, "u1", "")
	if err != nil || len(contracts) != 1 || contracts[0].FileID != "F9" {
		t.Fatalf("contracts = %+v, err = %v", contracts, err)
	}
}

type countingRecorder struct{ results map[string]int }

func (r *countingRecorder) ContractSaved(result string) { r.results[result]++ }

func TestSaveRecordsOutcome(t *testing.T) {
	_, backend := newStore(t)
	rec := &countingRecorder{results: map[string]int{}}
	s := New(backend, nil, rec)
	ctx := context.Background()
	_, _ = s.Save(ctx, "u1", "F2", sampleInfo, nil)
	_, _ = s.Save(ctx, "u1", "F2", sampleInfo, nil)
	if rec.results["created"] != 1 || rec.results["already_exists"] != 1 {
		t.Fatalf("results = %v", rec.results)
	}
}
