package postgres

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

// setupMockDB returns a DB backed by sqlmock. Expectations are verified on
// cleanup so every test asserts the exact statement sequence it issued.
func setupMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()

	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}

	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet sqlmock expectations: %v", err)
		}
		_ = conn.Close()
	})

	return NewDBFromConn(conn), mock
}

// expectSession queues the transaction preamble issued by withSession.
func expectSession(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec(`set_config\('request\.jwt\.claims'`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
}
