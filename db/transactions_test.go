package db

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestGetOrCreateTransactionGroupInsertsThenSelects(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO transactions_transactiongroup`).
		WithArgs(int64(5), "GET /api/widgets", "http.server", "GET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT id FROM transactions_transactiongroup`).
		WithArgs(int64(5), "GET /api/widgets", "http.server", "GET").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(17)))

	id, err := store.GetOrCreateTransactionGroup(context.Background(), TransactionGroupRow{
		ProjectID:   5,
		Transaction: "GET /api/widgets",
		Op:          "http.server",
		Method:      "GET",
	})
	if err != nil {
		t.Fatalf("GetOrCreateTransactionGroup: %v", err)
	}
	if id != 17 {
		t.Fatalf("expected resolved id 17, got %d", id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBulkInsertTransactionEventsNoopOnEmpty(t *testing.T) {
	store, mock := newMockStore(t)

	if err := store.BulkInsertTransactionEvents(context.Background(), nil); err != nil {
		t.Fatalf("expected nil error for empty batch, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
