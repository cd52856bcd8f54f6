package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/tokligence/chatrelay/internal/store"
	"github.com/tokligence/chatrelay/internal/store/postgres"
)

func setupTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := os.Getenv("CHATRELAY_TEST_DSN")
	if dsn == "" {
		t.Skip("CHATRELAY_TEST_DSN not set")
	}
	s, err := postgres.New(dsn, postgres.Options{MaxOpenConns: 4})
	if err != nil {
		t.Skipf("Skipping test: cannot connect to database: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestContractRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	fileID := "F-" + uuid.NewString()
	user := "u-" + uuid.NewString()[:8]

	if _, err := s.InsertContract(ctx, store.Contract{FileID: fileID, UserID: user, ContractName: "A", ContractNumber: "123"},
		[]store.TimelineEntry{{Description: "d", RelationToSignDate: "r", Date: "2024-02-01"}, {Description: "e"}}); err != nil {
		t.Fatalf("InsertContract: %v", err)
	}
	if n, err := s.CountContracts(ctx, fileID); err != nil || n != 1 {
		t.Fatalf("count = %d, %v", n, err)
	}
	got, err := s.ListContracts(ctx, user, "123")
	if err != nil {
		t.Fatalf("ListContracts: %v", err)
	}
	if len(got) != 1 || len(got[0].Timeline) != 2 {
		t.Fatalf("contracts = %+v", got)
	}
}

func TestStoredFileConflictIgnored(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	f := store.StoredFile{OwnerUserID: "u-" + uuid.NewString()[:8], FileID: "a.xlsx", LocalPath: "/cache/a.xlsx"}
	if ok, err := s.InsertStoredFile(ctx, f); err != nil || !ok {
		t.Fatalf("first insert = %v, %v", ok, err)
	}
	if ok, err := s.InsertStoredFile(ctx, f); err != nil || ok {
		t.Fatalf("second insert = %v, %v", ok, err)
	}
}
