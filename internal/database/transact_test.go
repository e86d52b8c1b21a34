package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) (sqlmock.Sqlmock, *gorm.DB) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{})
	require.NoError(t, err)

	return mock, gormDB
}

func TestTransact_CommitsFirstAttempt(t *testing.T) {
	mock, db := setupTestDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE workflow_runs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	calls := 0
	err := Transact(context.Background(), db, 3, func(tx *gorm.DB) error {
		calls++
		return tx.Exec("UPDATE workflow_runs SET status = 'completed'").Error
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransact_RetriesDeadlock(t *testing.T) {
	mock, db := setupTestDB(t)
	errDeadlock := errors.New("ERROR: deadlock detected (SQLSTATE 40P01)")

	// 第一轮失败回滚，第二轮提交
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE workflow_runs").WillReturnError(errDeadlock)
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE workflow_runs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	calls := 0
	err := Transact(context.Background(), db, 3, func(tx *gorm.DB) error {
		calls++
		return tx.Exec("UPDATE workflow_runs SET status = 'completed'").Error
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransact_NonRetryablePassesThrough(t *testing.T) {
	mock, db := setupTestDB(t)
	errMissing := errors.New("run r-1 not found")

	mock.ExpectBegin()
	mock.ExpectRollback()

	calls := 0
	err := Transact(context.Background(), db, 3, func(tx *gorm.DB) error {
		calls++
		return errMissing
	})

	// 原样返回，调用方仍可用 errors.Is 匹配
	assert.ErrorIs(t, err, errMissing)
	assert.Equal(t, 1, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransact_WrapsAfterExhaustion(t *testing.T) {
	mock, db := setupTestDB(t)
	errDeadlock := errors.New("deadlock detected")

	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectExec("DELETE FROM workflow_runs").WillReturnError(errDeadlock)
		mock.ExpectRollback()
	}

	err := Transact(context.Background(), db, 2, func(tx *gorm.DB) error {
		return tx.Exec("DELETE FROM workflow_runs WHERE id = 'r-1'").Error
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, errDeadlock)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransact_ContextCancelsBackoff(t *testing.T) {
	mock, db := setupTestDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE workflow_runs").WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	// 首次退避 100ms，超过 ctx 的 50ms 期限
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := Transact(ctx, db, 5, func(tx *gorm.DB) error {
		return tx.Exec("UPDATE workflow_runs SET status = 'failed'").Error
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransact_ZeroRetriesMeansOneAttempt(t *testing.T) {
	mock, db := setupTestDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE workflow_runs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	calls := 0
	err := Transact(context.Background(), db, 0, func(tx *gorm.DB) error {
		calls++
		return tx.Exec("UPDATE workflow_runs SET status = 'queued'").Error
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadlock", errors.New("ERROR: deadlock detected"), true},
		{"serialization failure", errors.New("could not serialize access: serialization failure"), true},
		{"sqlstate 40001", errors.New("pq: restart transaction (SQLSTATE 40001)"), true},
		{"sqlite busy", errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"broken pipe", errors.New("write: broken pipe"), true},
		{"lock wait timeout", errors.New("Error 1205: Lock wait timeout exceeded"), true},
		{"bad connection", sql.ErrConnDone, false},
		{"driver bad connection", errors.New("driver: bad connection"), true},
		{"not found", errors.New("run r-1 not found"), false},
		{"syntax error", errors.New("pq: syntax error at or near \"FORM\""), false},
		{"record not found", gorm.ErrRecordNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}
