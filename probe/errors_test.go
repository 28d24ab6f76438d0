package probe

import (
	"context"
	"io"
	"net"
	"syscall"
	"testing"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		connecting bool
		expected   Kind
	}{
		{"access denied", mysql.NewError(mysql.ER_ACCESS_DENIED_ERROR, "Access denied for user"), true, AuthFailed},
		{"db access denied", mysql.NewError(mysql.ER_DBACCESS_DENIED_ERROR, "Access denied to database"), false, AuthFailed},
		{"unknown database at handshake", mysql.NewError(mysql.ER_BAD_DB_ERROR, "Unknown database 'failover_check'"), true, SchemaMissing},
		{"no such table", errors.Trace(mysql.NewError(mysql.ER_NO_SUCH_TABLE, "Table doesn't exist")), false, SchemaMissing},
		{"statement timeout", mysql.NewError(errQueryTimeout, "Query execution was interrupted"), false, Timeout},
		{"syntax", mysql.NewError(1064, "You have an error in your SQL syntax"), false, QueryFailed},
		{"dial refused", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, true, Unreachable},
		{"dial timeout", timeoutErr{}, true, Unreachable},
		{"read timeout", timeoutErr{}, false, Timeout},
		{"deadline", context.DeadlineExceeded, false, Timeout},
		{"bad conn", errors.Trace(mysql.ErrBadConn), false, Unreachable},
		{"eof", io.EOF, false, Unreachable},
		{"reset", syscall.ECONNRESET, false, Unreachable},
		{"other", errors.New("boom"), false, QueryFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, Classify(tt.err, tt.connecting))
		})
	}
}

func TestKindOf(t *testing.T) {
	err := newError("10.0.0.1:3306", Query("", "SELECT 1"), mysql.NewError(mysql.ER_ACCESS_DENIED_ERROR, "denied"), true)

	k, ok := KindOf(errors.Trace(err))
	require.True(t, ok)
	require.Equal(t, AuthFailed, k)
	require.False(t, k.Retryable())
	require.True(t, IsKind(err, AuthFailed))
	require.Contains(t, err.Error(), "auth_failed 10.0.0.1:3306 (SELECT 1)")

	_, ok = KindOf(errors.New("plain"))
	require.False(t, ok)
}

func TestRows(t *testing.T) {
	rows := &Rows{
		Columns: []string{"a", "b"},
		Values: [][]interface{}{
			{int64(0), nil},
			{"x", uint64(7)},
		},
	}

	v, ok := rows.Scalar()
	require.True(t, ok)
	require.Equal(t, int64(0), v)

	_, ok = rows.String(0, 1)
	require.False(t, ok)
	s, ok := rows.String(1, 1)
	require.True(t, ok)
	require.Equal(t, "7", s)

	n, ok := AsInt("42")
	require.True(t, ok)
	require.Equal(t, int64(42), n)

	var empty *Rows
	_, ok = empty.Scalar()
	require.False(t, ok)
}
