package kvstore

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newPostgresStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgres(db), mock
}

// ---------------------------------------------------------------------------
// Get
// ---------------------------------------------------------------------------

func TestPostgres_Get(t *testing.T) {
	s, mock := newPostgresStore(t)
	mock.ExpectQuery("SELECT value FROM kv_documents").
		WithArgs("test:doc").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte(`{"nome":"backup","total":3}`)))

	var out testDoc
	if err := s.Get(context.Background(), "test:doc", &out); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if out.Name != "backup" || out.Count != 3 {
		t.Errorf("Get = %+v, want {backup 3}", out)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgres_GetMissingKey(t *testing.T) {
	s, mock := newPostgresStore(t)
	mock.ExpectQuery("SELECT value FROM kv_documents").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	var out testDoc
	if err := s.Get(context.Background(), "missing", &out); err != ErrNotFound {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}
}

func TestPostgres_GetInvalidJSON(t *testing.T) {
	s, mock := newPostgresStore(t)
	mock.ExpectQuery("SELECT value FROM kv_documents").
		WithArgs("bad").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte(`{not json`)))

	var out testDoc
	if err := s.Get(context.Background(), "bad", &out); err == nil {
		t.Error("Get with invalid JSON: expected error, got nil")
	}
}

// ---------------------------------------------------------------------------
// Set
// ---------------------------------------------------------------------------

func TestPostgres_SetUpserts(t *testing.T) {
	s, mock := newPostgresStore(t)
	mock.ExpectExec("INSERT INTO kv_documents").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.Set(context.Background(), "test:doc", testDoc{Name: "x"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgres_SetUnmarshalableValue(t *testing.T) {
	s, _ := newPostgresStore(t)
	// channels cannot be marshalled to JSON
	if err := s.Set(context.Background(), "bad", make(chan int)); err == nil {
		t.Error("Set with unmarshalable value: expected error, got nil")
	}
}

// ---------------------------------------------------------------------------
// Delete
// ---------------------------------------------------------------------------

func TestPostgres_Delete(t *testing.T) {
	s, mock := newPostgresStore(t)
	mock.ExpectExec("DELETE FROM kv_documents").
		WithArgs("test:doc").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.Delete(context.Background(), "test:doc"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

func TestPostgres_DeleteMissingKeyIsNoop(t *testing.T) {
	s, mock := newPostgresStore(t)
	mock.ExpectExec("DELETE FROM kv_documents").
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.Delete(context.Background(), "missing"); err != nil {
		t.Errorf("Delete(missing) = %v, want nil", err)
	}
}
