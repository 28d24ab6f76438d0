package probe

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/pingcap/errors"
)

// Kind classifies a probe failure. Higher layers pick their retry policy
// from it.
type Kind int

const (
	// QueryFailed is any SQL error that is none of the kinds below.
	QueryFailed Kind = iota
	// Unreachable is a network or connect failure.
	Unreachable
	// AuthFailed is a credentials or privilege problem. Never retried.
	AuthFailed
	// SchemaMissing means the database or table does not exist (yet).
	SchemaMissing
	// Timeout is a read/write or server-side statement timeout.
	Timeout
)

func (k Kind) String() string {
	switch k {
	case Unreachable:
		return "unreachable"
	case AuthFailed:
		return "auth_failed"
	case SchemaMissing:
		return "schema_missing"
	case Timeout:
		return "timeout"
	default:
		return "query_failed"
	}
}

// Retryable reports whether a polling loop may try again after this kind.
func (k Kind) Retryable() bool {
	return k != AuthFailed
}

// MySQL server error codes not exported by the client package.
const (
	errAccessDeniedNoPassword = 1698
	errQueryTimeout           = 3024
	errUnknownTableInSchema   = 1109
)

// Error is a classified probe failure.
type Error struct {
	Kind Kind
	Addr string
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s %s (%s): %v", e.Kind, e.Addr, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Addr, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of a probe error, and false when err did not
// come from a probe.
func KindOf(err error) (Kind, bool) {
	if pe, ok := errors.Cause(err).(*Error); ok {
		return pe.Kind, true
	}
	return QueryFailed, false
}

// IsKind reports whether err is a probe error of kind k.
func IsKind(err error, k Kind) bool {
	got, ok := KindOf(err)
	return ok && got == k
}

// Classify maps a raw client error to a Kind. connecting is true when the
// error happened while dialing or during the handshake.
func Classify(err error, connecting bool) Kind {
	cause := errors.Cause(err)

	if myErr, ok := cause.(*mysql.MyError); ok {
		switch myErr.Code {
		case mysql.ER_ACCESS_DENIED_ERROR, mysql.ER_DBACCESS_DENIED_ERROR, errAccessDeniedNoPassword:
			return AuthFailed
		case mysql.ER_BAD_DB_ERROR, mysql.ER_NO_SUCH_TABLE, errUnknownTableInSchema:
			return SchemaMissing
		case errQueryTimeout:
			return Timeout
		default:
			return QueryFailed
		}
	}

	if cause == context.DeadlineExceeded {
		if connecting {
			return Unreachable
		}
		return Timeout
	}

	if ne, ok := cause.(net.Error); ok && ne.Timeout() {
		if connecting {
			return Unreachable
		}
		return Timeout
	}

	if connecting {
		return Unreachable
	}

	// The packet layer folds read/write deadline errors into ErrBadConn.
	if cause == mysql.ErrBadConn && strings.Contains(err.Error(), "i/o timeout") {
		return Timeout
	}

	if cause == mysql.ErrBadConn || cause == io.EOF || cause == io.ErrUnexpectedEOF ||
		cause == context.Canceled {
		return Unreachable
	}
	if _, ok := cause.(*net.OpError); ok {
		return Unreachable
	}
	if errno, ok := cause.(syscall.Errno); ok && (errno == syscall.ECONNREFUSED || errno == syscall.ECONNRESET) {
		return Unreachable
	}

	return QueryFailed
}

func newError(addr string, op Op, err error, connecting bool) *Error {
	return &Error{
		Kind: Classify(err, connecting),
		Addr: addr,
		Op:   op.String(),
		Err:  err,
	}
}
