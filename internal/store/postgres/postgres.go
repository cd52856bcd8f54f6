package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/tokligence/chatrelay/internal/store"
)

// Store implements store.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// New opens a PostgreSQL-backed store using the provided DSN.
func New(dsn string, opts Options) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if opts.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
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
	id BIGSERIAL PRIMARY KEY,
	file_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	contract_name TEXT NOT NULL DEFAULT '',
	contract_number TEXT NOT NULL DEFAULT '',
	sign_date TEXT NOT NULL DEFAULT '',
	confirmed BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_contracts_file ON contracts(file_id);
CREATE INDEX IF NOT EXISTS idx_contracts_user_number ON contracts(user_id, contract_number);

CREATE TABLE IF NOT EXISTS contract_timelines (
	id BIGSERIAL PRIMARY KEY,
	file_id TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	relation_to_sign_date TEXT NOT NULL DEFAULT '',
	event_date TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_contract_timelines_file ON contract_timelines(file_id);

CREATE TABLE IF NOT EXISTS stored_files (
	id BIGSERIAL PRIMARY KEY,
	owner_user_id TEXT NOT NULL,
	file_id TEXT NOT NULL,
	file_name TEXT NOT NULL DEFAULT '',
	local_path TEXT NOT NULL,
	remote_url TEXT NOT NULL DEFAULT '',
	size BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
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
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM contracts WHERE file_id = $1`, fileID).Scan(&n)
	return n, err
}

// InsertContract writes the contract and bulk-inserts its timeline in one
// transaction.
func (s *Store) InsertContract(ctx context.Context, c store.Contract, timeline []store.TimelineEntry) (int64, error) {
	if c.FileID == "" {
		return 0, errors.New("contract requires file id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRowContext(ctx, `
INSERT INTO contracts(file_id, user_id, contract_name, contract_number, sign_date)
VALUES($1, $2, $3, $4, $5)
RETURNING id`,
		c.FileID, c.UserID, c.ContractName, c.ContractNumber, c.SignDate).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert contract: %w", err)
	}

	if len(timeline) > 0 {
		descriptions := make([]string, len(timeline))
		relations := make([]string, len(timeline))
		dates := make([]string, len(timeline))
		for i, line := range timeline {
			descriptions[i] = line.Description
			relations[i] = line.RelationToSignDate
			dates[i] = line.Date
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO contract_timelines(file_id, description, relation_to_sign_date, event_date)
SELECT $1, t.description, t.relation, t.event_date
FROM unnest($2::text[], $3::text[], $4::text[]) AS t(description, relation, event_date)`,
			c.FileID, pq.Array(descriptions), pq.Array(relations), pq.Array(dates))
		if err != nil {
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
WHERE user_id = $1 AND ($2 = '' OR contract_number = $2)
ORDER BY created_at DESC, id DESC`, userID, contractNumber)
	if err != nil {
		return nil, err
	}
	var contracts []store.Contract
	var fileIDs []string
	for rows.Next() {
		var c store.Contract
		if err := rows.Scan(&c.ID, &c.FileID, &c.UserID, &c.ContractName, &c.ContractNumber, &c.SignDate, &c.Confirmed, &c.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		contracts = append(contracts, c)
		fileIDs = append(fileIDs, c.FileID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if len(contracts) == 0 {
		return contracts, nil
	}

	trows, err := s.db.QueryContext(ctx, `
SELECT id, file_id, description, relation_to_sign_date, event_date
FROM contract_timelines
WHERE file_id = ANY($1::text[])
ORDER BY id`, pq.Array(fileIDs))
	if err != nil {
		return nil, err
	}
	defer trows.Close()
	byFile := make(map[string][]store.TimelineEntry)
	for trows.Next() {
		var e store.TimelineEntry
		if err := trows.Scan(&e.ID, &e.FileID, &e.Description, &e.RelationToSignDate, &e.Date); err != nil {
			return nil, err
		}
		byFile[e.FileID] = append(byFile[e.FileID], e)
	}
	if err := trows.Err(); err != nil {
		return nil, err
	}
	for i := range contracts {
		contracts[i].Timeline = byFile[contracts[i].FileID]
	}
	return contracts, nil
}

// InsertStoredFile records a cached download once per owner and file id.
func (s *Store) InsertStoredFile(ctx context.Context, f store.StoredFile) (bool, error) {
	if f.OwnerUserID == "" || f.FileID == "" {
		return false, errors.New("stored file requires owner and file id")
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO stored_files(owner_user_id, file_id, file_name, local_path, remote_url, size)
VALUES($1, $2, $3, $4, $5, $6)
ON CONFLICT (owner_user_id, file_id) DO NOTHING`,
		f.OwnerUserID, f.FileID, f.FileName, f.LocalPath, f.RemoteURL, f.Size)
	if err != nil {
		return false, fmt.Errorf("insert stored file: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
