package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Transact runs fn in a transaction on db and retries it when the
// failure is transient. maxRetries is the total attempt count, values
// below one mean a single attempt. Backoff between attempts doubles
// from 100ms and aborts as soon as ctx is done.
//
// Non-retryable errors are returned unwrapped so sentinel errors
// produced inside fn still match errors.Is at the call site.
func Transact(ctx context.Context, db *gorm.DB, maxRetries int, fn func(tx *gorm.DB) error) error {
	if maxRetries < 1 {
		maxRetries = 1
	}

	for attempt := 0; ; attempt++ {
		err := db.WithContext(ctx).Transaction(fn)
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return err
		}
		if attempt+1 >= maxRetries {
			return fmt.Errorf("transaction failed after %d attempts: %w", maxRetries, err)
		}

		// 指数退避
		backoff := time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// Retryable reports whether err is a transient database failure worth
// another attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())

	// 死锁
	if strings.Contains(msg, "deadlock") {
		return true
	}

	// 序列化失败（PostgreSQL SQLSTATE 40001）
	if strings.Contains(msg, "serialization failure") || strings.Contains(msg, "40001") {
		return true
	}

	// SQLite 写锁竞争（SQLITE_BUSY）
	if strings.Contains(msg, "database is locked") {
		return true
	}

	// 连接类故障
	if strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") {
		return true
	}

	// 锁超时
	if strings.Contains(msg, "lock timeout") || strings.Contains(msg, "lock wait timeout") {
		return true
	}

	// driver: bad connection（database/sql 标准错误）
	if strings.Contains(msg, "bad connection") {
		return true
	}

	return false
}
