// Package contract persists contract extractions idempotently per source file.
package contract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/tokligence/chatrelay/internal/event"
	"github.com/tokligence/chatrelay/internal/store"
)

// SaveResult tells whether Save wrote anything.
type SaveResult int

const (
	Created SaveResult = iota + 1
	AlreadyExists
)

func (r SaveResult) String() string {
	switch r {
	case Created:
		return "created"
	case AlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

var (
	ErrFileIDRequired = errors.New("contract requires source file id")
	ErrEmptyContract  = errors.New("contract info is missing")
)

// Recorder observes save outcomes.
type Recorder interface {
	ContractSaved(result string)
}

// Store saves contracts through a persistence backend.
//
// The existence check and the insert are separate statements, so two
// concurrent saves for the same file id can both insert. Callers accept
// at-least-once under that race.
type Store struct {
	backend  store.Store
	logger   *log.Logger
	recorder Recorder
}

// New wraps backend. logger and recorder may be nil.
func New(backend store.Store, logger *log.Logger, recorder Recorder) *Store {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Store{backend: backend, logger: logger, recorder: recorder}
}

// Save records the contract and its timeline for fileID unless a contract
// for that file already exists, in which case nothing is written.
func (s *Store) Save(ctx context.Context, userID, fileID string, info *event.ContractInfo, timeline []event.TimelineEntry) (SaveResult, error) {
	fileID = strings.TrimSpace(fileID)
	if fileID == "" {
		return 0, ErrFileIDRequired
	}
	if info == nil {
		return 0, ErrEmptyContract
	}
	n, err := s.backend.CountContracts(ctx, fileID)
	if err != nil {
		s.observe("error")
		return 0, fmt.Errorf("count contracts for %s: %w", fileID, err)
	}
	if n > 0 {
		s.observe(AlreadyExists.String())
		s.logger.Printf("contract for file=%s already stored, skipping", fileID)
		return AlreadyExists, nil
	}

	lines := make([]store.TimelineEntry, 0, len(timeline))
	for _, t := range timeline {
		lines = append(lines, store.TimelineEntry{
			FileID:             fileID,
			Description:        t.Description,
			RelationToSignDate: t.RelationToSignDate,
			Date:               t.Date,
		})
	}
	id, err := s.backend.InsertContract(ctx, store.Contract{
		FileID:         fileID,
		UserID:         userID,
		ContractName:   info.ContractName,
		ContractNumber: info.ContractNumber,
		SignDate:       info.SignDate,
	}, lines)
	if err != nil {
		s.observe("error")
		return 0, fmt.Errorf("insert contract for %s: %w", fileID, err)
	}
	s.observe(Created.String())
	s.logger.Printf("contract id=%d number=%q stored for file=%s user=%s timeline=%d", id, info.ContractNumber, fileID, userID, len(lines))
	return Created, nil
}

// List returns the user's contracts, optionally filtered by number.
func (s *Store) List(ctx context.Context, userID, contractNumber string) ([]store.Contract, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("user id required")
	}
	return s.backend.ListContracts(ctx, userID, strings.TrimSpace(contractNumber))
}

func (s *Store) observe(result string) {
	if s.recorder != nil {
		s.recorder.ContractSaved(result)
	}
}
