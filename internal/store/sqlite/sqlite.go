package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/tokligence/chatrelay/internal/store"
)

// Store implements store.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS contracts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	file_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	contract_name TEXT NOT NULL DEFAULT '',
	contract_number TEXT NOT NULL DEFAULT '',
	sign_date TEXT NOT NULL DEFAULT '',
	confirmed INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_contracts_file ON contracts(file_id);
CREATE INDEX IF NOT EXISTS idx_contracts_user_number ON contracts(user_id, contract_number);

CREATE TABLE IF NOT EXISTS contract_timelines (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	file_id TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	relation_to_sign_date TEXT NOT NULL DEFAULT '',
	event_date TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_contract_timelines_file ON contract_timelines(file_id);

CREATE TABLE IF NOT EXISTS stored_files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	owner_user_id TEXT NOT NULL,
	file_id TEXT NOT NULL,
	file_name TEXT NOT NULL DEFAULT '',
	local_path TEXT NOT NULL,
	remote_url TEXT NOT NULL DEFAULT '',
	size INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(owner_user_id, file_id)
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// DB exposes the handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// CountContracts returns the number of contracts recorded for fileID.
func (s *Store) CountContracts(ctx context.Context, fileID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM contracts WHERE file_id = ?`, fileID).Scan(&n)
	return n, err
}

// InsertContract writes the contract row and its timeline atomically.
func (s *Store) InsertContract(ctx context.Context, c store.Contract, timeline []store.TimelineEntry) (int64, error) {
	if c.FileID == "" {
		return 0, errors.New("contract requires file id")
	}
	created := c.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
INSERT INTO contracts(file_id, user_id, contract_name, contract_number, sign_date, created_at)
VALUES(?, ?, ?, ?, ?, ?)`,
		c.FileID, c.UserID, c.ContractName, c.ContractNumber, c.SignDate, created)
	if err != nil {
		return 0, fmt.Errorf("insert contract: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO contract_timelines(file_id, description, relation_to_sign_date, event_date)
VALUES(?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()
	for _, line := range timeline {
		if _, err := stmt.ExecContext(ctx, c.FileID, line.Description, line.RelationToSignDate, line.Date); err != nil {
			return 0, fmt.Errorf("insert contract timeline: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// ListContracts returns a user's contracts with their timelines.
func (s *Store) ListContracts(ctx context.Context, userID, contractNumber string) ([]store.Contract, error) {
	if userID == "" {
		return nil, errors.New("user id required")
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, file_id, user_id, contract_name, contract_number, sign_date, confirmed, created_at
FROM contracts
WHERE user_id = ? AND (? = '' OR contract_number = ?)
ORDER BY created_at DESC, id DESC`, userID, contractNumber, contractNumber)
	if err != nil {
		return nil, err
	}
	var contracts []store.Contract
	for rows.Next() {
		var c store.Contract
		if err := rows.Scan(&c.ID, &c.FileID, &c.UserID, &c.ContractName, &c.ContractNumber, &c.SignDate, &c.Confirmed, &c.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		contracts = append(contracts, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range contracts {
		timeline, err := s.timeline(ctx, contracts[i].FileID)
		if err != nil {
			return nil, err
		}
		contracts[i].Timeline = timeline
	}
	return contracts, nil
}

func (s *Store) timeline(ctx context.Context, fileID string) ([]store.TimelineEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, file_id, description, relation_to_sign_date, event_date
FROM contract_timelines
WHERE file_id = ?
ORDER BY id`, fileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.TimelineEntry
	for rows.Next() {
		var e store.TimelineEntry
		if err := rows.Scan(&e.ID, &e.FileID, &e.Description, &e.RelationToSignDate, &e.Date); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertStoredFile records a cached download once per owner and file id.
func (s *Store) InsertStoredFile(ctx context.Context, f store.StoredFile) (bool, error) {
	if f.OwnerUserID == "" || f.FileID == "" {
		return false, errors.New("stored file requires owner and file id")
	}
	created := f.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO stored_files(owner_user_id, file_id, file_name, local_path, remote_url, size, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(owner_user_id, file_id) DO NOTHING`,
		f.OwnerUserID, f.FileID, f.FileName, f.LocalPath, f.RemoteURL, f.Size, created)
	if err != nil {
		return false, fmt.Errorf("insert stored file: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
