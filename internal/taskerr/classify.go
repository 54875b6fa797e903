package taskerr

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Classify maps err onto exactly one kind. A nil error yields nil.
// Errors that match no rule are InternalServerError so that unknown defects
// are never retried.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	if te, ok := AsError(err); ok {
		if te.Kind.Valid() {
			return te
		}
		return &Error{Kind: KindInternalServerError, Message: te.Error(), Attempt: te.Attempt, Cause: err}
	}

	return Wrap(classifyKind(err), err)
}

func classifyKind(err error) Kind {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErrorKind(pgErr.Code)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return KindDatabaseConnection
	}
	if pgconn.Timeout(err) {
		return KindDatabaseTimeout
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.OK {
		switch st.Code() {
		case codes.Unavailable:
			return KindServiceUnavailable
		case codes.ResourceExhausted:
			return KindResourceExhausted
		case codes.DeadlineExceeded:
			return KindNetworkTimeout
		case codes.Aborted:
			return KindDatabaseDeadlock
		case codes.Unknown:
			// no classification carried; fall through
		default:
			return KindInternalServerError
		}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindNetworkTimeout
	case errors.Is(err, context.Canceled):
		return KindNonRetryable
	case errors.Is(err, syscall.ECONNREFUSED):
		return KindNetworkConnectionRefused
	case errors.Is(err, syscall.EMFILE), errors.Is(err, syscall.ENFILE), errors.Is(err, syscall.ENOMEM):
		return KindResourceExhausted
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindNetworkTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return KindNetworkConnectionRefused
	}

	return KindInternalServerError
}

// pgErrorKind maps a Postgres SQLSTATE onto the taxonomy.
func pgErrorKind(code string) Kind {
	switch {
	case code == "40P01", code == "40001":
		return KindDatabaseDeadlock
	case code == "57014":
		return KindDatabaseTimeout
	case code == "57P01", code == "57P02", code == "57P03", strings.HasPrefix(code, "08"):
		return KindDatabaseConnection
	case strings.HasPrefix(code, "53"):
		return KindResourceExhausted
	default:
		return KindInternalServerError
	}
}
