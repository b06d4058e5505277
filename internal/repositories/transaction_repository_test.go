package repositories

import (
	"context"
	"database/sql/driver"
	"errors"
	"strings"
	"testing"
	"time"

	"purchasekit/internal/models"
)

var recordColumns = []string{"transaction_id", "original_transaction_id", "product_id", "state", "error_message", "raw_transaction", "updated_at"}

func TestRebind(t *testing.T) {
	pg := &TransactionRepository{Driver: DriverPostgres}
	got := pg.rebind(`SELECT * FROM t WHERE a = ? AND b = ? LIMIT ?`)
	if want := `SELECT * FROM t WHERE a = $1 AND b = $2 LIMIT $3`; got != want {
		t.Fatalf("rebind = %q, want %q", got, want)
	}

	my := &TransactionRepository{Driver: DriverMySQL}
	query := `SELECT * FROM t WHERE a = ?`
	if got := my.rebind(query); got != query {
		t.Fatalf("mysql query must be unchanged, got %q", got)
	}
}

func TestSeenKey(t *testing.T) {
	if got := seenKey("t-1", "purchased"); got != "purchase:txn:t-1:purchased" {
		t.Fatalf("unexpected key: %s", got)
	}
}

func TestSaveUpsert(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := models.TransactionRecord{
		TransactionID:         "t-1",
		OriginalTransactionID: "o-1",
		ProductID:             "gold",
		State:                 "failed",
		ErrorMessage:          "declined",
		Raw:                   "jws",
		UpdatedAt:             now,
	}

	cases := []struct {
		driver   string
		conflict string
		holder   string
	}{
		{DriverMySQL, "ON DUPLICATE KEY UPDATE", "?"},
		{DriverPostgres, "ON CONFLICT (transaction_id)", "$7"},
	}
	for _, tc := range cases {
		t.Run(tc.driver, func(t *testing.T) {
			fake := &fakeDB{}
			repo := NewTransactionRepository(openFakeDB(t, fake), tc.driver)

			if err := repo.Save(context.Background(), rec); err != nil {
				t.Fatalf("Save: %v", err)
			}
			execs := fake.execCalls()
			if len(execs) != 2 {
				t.Fatalf("expected schema + upsert, got %d statements", len(execs))
			}
			upsert := execs[1]
			if !strings.Contains(upsert.query, tc.conflict) || !strings.Contains(upsert.query, tc.holder) {
				t.Fatalf("unexpected upsert query: %s", upsert.query)
			}
			want := []driver.Value{"t-1", "o-1", "gold", "failed", "declined", "jws", now}
			if len(upsert.args) != len(want) {
				t.Fatalf("expected %d args, got %v", len(want), upsert.args)
			}
			for i := range want {
				if upsert.args[i] != want[i] {
					t.Errorf("arg %d = %v, want %v", i, upsert.args[i], want[i])
				}
			}
		})
	}
}

func TestSaveRequiresTransactionID(t *testing.T) {
	fake := &fakeDB{}
	repo := NewTransactionRepository(openFakeDB(t, fake), DriverMySQL)
	if err := repo.Save(context.Background(), models.TransactionRecord{State: "purchased"}); err == nil {
		t.Fatal("expected error for empty transaction id")
	}
}

func TestEnsureSchemaRetriesAfterFailure(t *testing.T) {
	fake := &fakeDB{execErrs: []error{errors.New("transient: connection reset")}}
	repo := NewTransactionRepository(openFakeDB(t, fake), DriverMySQL)
	rec := models.TransactionRecord{TransactionID: "t-1", State: "purchased"}

	if err := repo.Save(context.Background(), rec); err == nil {
		t.Fatal("expected first save to fail")
	}
	if err := repo.Save(context.Background(), rec); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if err := repo.Save(context.Background(), rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if n := fake.ddlCount(); n != 2 {
		t.Fatalf("expected schema attempted twice, got %d", n)
	}
}

func TestEnsureSchemaIgnoresCancelledContext(t *testing.T) {
	fake := &fakeDB{}
	repo := NewTransactionRepository(openFakeDB(t, fake), DriverMySQL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := repo.ensureSchema(ctx); err != nil {
		t.Fatalf("ensureSchema with cancelled context: %v", err)
	}
	if n := fake.ddlCount(); n != 1 {
		t.Fatalf("expected one schema statement, got %d", n)
	}
}

func TestGetByID(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	fake := &fakeDB{rows: func(string) ([]string, [][]driver.Value) {
		return recordColumns, [][]driver.Value{{"t-1", "o-1", "gold", "purchased", "", "jws", now}}
	}}
	repo := NewTransactionRepository(openFakeDB(t, fake), DriverPostgres)

	rec, err := repo.GetByID(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if rec.TransactionID != "t-1" || rec.State != "purchased" || !rec.UpdatedAt.Equal(now) {
		t.Fatalf("unexpected record: %+v", rec)
	}
	q := fake.queryCalls()[0]
	if !strings.Contains(q.query, "transaction_id = $1") || q.args[0] != "t-1" {
		t.Fatalf("unexpected query %q args %v", q.query, q.args)
	}
}

func TestGetByIDNotFound(t *testing.T) {
	fake := &fakeDB{rows: func(string) ([]string, [][]driver.Value) {
		return recordColumns, nil
	}}
	repo := NewTransactionRepository(openFakeDB(t, fake), DriverMySQL)

	if _, err := repo.GetByID(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListRecentClampsLimit(t *testing.T) {
	now := time.Now().UTC()
	fake := &fakeDB{rows: func(string) ([]string, [][]driver.Value) {
		return recordColumns, [][]driver.Value{
			{"t-2", "", "gold", "failed", "declined", "", now},
			{"t-1", "", "gold", "purchased", "", "", now.Add(-time.Minute)},
		}
	}}
	repo := NewTransactionRepository(openFakeDB(t, fake), DriverMySQL)

	cases := []struct {
		limit int
		want  int64
	}{
		{0, 50},
		{-1, 50},
		{501, 50},
		{10, 10},
		{500, 500},
	}
	for i, tc := range cases {
		records, err := repo.ListRecent(context.Background(), tc.limit)
		if err != nil {
			t.Fatalf("ListRecent(%d): %v", tc.limit, err)
		}
		if len(records) != 2 || records[0].TransactionID != "t-2" || records[0].ErrorMessage != "declined" {
			t.Fatalf("unexpected records: %+v", records)
		}
		q := fake.queryCalls()[i]
		if len(q.args) != 1 || q.args[0] != tc.want {
			t.Errorf("ListRecent(%d) bound limit %v, want %d", tc.limit, q.args, tc.want)
		}
	}
}

func TestCountByState(t *testing.T) {
	fake := &fakeDB{rows: func(string) ([]string, [][]driver.Value) {
		return []string{"state", "count"}, [][]driver.Value{
			{"purchased", int64(3)},
			{"failed", int64(1)},
		}
	}}
	repo := NewTransactionRepository(openFakeDB(t, fake), DriverMySQL)

	counts, err := repo.CountByState(context.Background())
	if err != nil {
		t.Fatalf("CountByState: %v", err)
	}
	if len(counts) != 2 || counts["purchased"] != 3 || counts["failed"] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}
