// Package store defines the persistence used by the side-effect pipeline.
package store

import (
	"context"
	"database/sql"
	"time"
)

// Contract is a structured extraction result for one uploaded source file.
type Contract struct {
	ID             int64           `json:"id"`
	FileID         string          `json:"file_id"`
	UserID         string          `json:"user_id"`
	ContractName   string          `json:"contract_name"`
	ContractNumber string          `json:"contract_number"`
	SignDate       string          `json:"sign_date"`
	Confirmed      bool            `json:"confirmed"`
	CreatedAt      time.Time       `json:"created_at"`
	Timeline       []TimelineEntry `json:"timeline,omitempty"`
}

// TimelineEntry is a dated milestone belonging to a contract's source file.
type TimelineEntry struct {
	ID                 int64  `json:"id"`
	FileID             string `json:"file_id"`
	Description        string `json:"description"`
	RelationToSignDate string `json:"relation_to_sign_date"`
	Date               string `json:"date"`
}

// StoredFile records a provider-generated file downloaded into the cache.
type StoredFile struct {
	ID          int64     `json:"id"`
	OwnerUserID string    `json:"owner_user_id"`
	FileID      string    `json:"file_id"`
	FileName    string    `json:"file_name"`
	LocalPath   string    `json:"local_path"`
	RemoteURL   string    `json:"remote_url"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists contracts, timelines and stored files.
type Store interface {
	// CountContracts returns how many contracts exist for the source file.
	CountContracts(ctx context.Context, fileID string) (int, error)
	// InsertContract writes the contract and its timeline in one transaction.
	InsertContract(ctx context.Context, c Contract, timeline []TimelineEntry) (int64, error)
	// ListContracts returns a user's contracts with their timelines, newest
	// first. An empty contractNumber matches every contract.
	ListContracts(ctx context.Context, userID, contractNumber string) ([]Contract, error)
	// InsertStoredFile records a downloaded file. It reports false when the
	// (owner, file id) pair was already recorded.
	InsertStoredFile(ctx context.Context, f StoredFile) (bool, error)
	DB() *sql.DB
	Close() error
}
