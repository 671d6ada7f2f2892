package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/lib/pq"

	"github.com/ericfisherdev/repopulse/internal/domain/port/driven"
)

// mapError sorts a database/sql error into the port's error classes.
// Server-side failures keep the server's message; anything indicating the
// server could not be reached wraps driven.ErrUnavailable.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}

	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, &driven.QueryError{
			Message: driven.NoRowsMessage,
			Code:    driven.NoRowsCode,
		})
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if isConnectionClass(pqErr) {
			return fmt.Errorf("%s: %w: %w", op, driven.ErrUnavailable, err)
		}
		return fmt.Errorf("%s: %w", op, &driven.QueryError{
			Message: pqErr.Message,
			Code:    string(pqErr.Code),
			Details: pqErr.Detail,
			Hint:    pqErr.Hint,
		})
	}

	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%s: %w: %w", op, driven.ErrUnavailable, err)
	}

	return fmt.Errorf("%s: %w", op, err)
}

// isConnectionClass reports SQLSTATEs meaning the server is unreachable or
// refusing sessions: connection exceptions, shutdown and startup states.
func isConnectionClass(err *pq.Error) bool {
	if err.Code.Class() == "08" {
		return true
	}
	switch err.Code {
	case "57P01", "57P02", "57P03", "53300":
		return true
	}
	return false
}
