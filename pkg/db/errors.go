package db

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	pgCodeUniqueViolation     = "23505"
	pgCodeSerializationFail   = "40001"
	pgCodeDeadlockDetected    = "40P01"
	pgCodeConnectionClass     = "08"
	pgCodeAdminShutdown       = "57P01"
	pgCodeCannotConnectNow    = "57P03"
	pgCodeTooManyConnections  = "53300"
	pgCodeInsufficientMemory  = "53200"
	pgCodeDiskFull            = "53100"
	pgCodeLockNotAvailable    = "55P03"
)

// IsUniqueViolation reports whether the provided error references a unique
// constraint violation. When constraintName is provided, the constraint must
// match. Falls back to message matching so the sqlite test driver is covered.
func IsUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code != pgCodeUniqueViolation {
			return false
		}
		if constraintName != "" {
			return pgErr.ConstraintName == constraintName
		}
		return true
	}
	msg := err.Error()
	if constraintName != "" && strings.Contains(msg, constraintName) {
		return true
	}
	return strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}

// IsTransient reports whether the error is a transient infrastructure fault
// that a fresh transaction attempt may clear: serialization failures,
// deadlock victims, dropped or exhausted connections. Business failures are
// never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgCodeSerializationFail,
			pgCodeDeadlockDetected,
			pgCodeAdminShutdown,
			pgCodeCannotConnectNow,
			pgCodeTooManyConnections,
			pgCodeInsufficientMemory,
			pgCodeDiskFull,
			pgCodeLockNotAvailable:
			return true
		}
		return strings.HasPrefix(pgErr.Code, pgCodeConnectionClass)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe")
}
