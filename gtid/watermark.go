// Package gtid captures replication watermarks after a write and waits for
// replicas to apply them.
//
// A watermark is the primary's @@GLOBAL.gtid_executed read right after a
// committed write. It is only meaningful on the lineage that produced it and
// is only ever compared with WAIT_FOR_EXECUTED_GTID_SET on a given node.
package gtid

import (
	"time"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/pingcap/errors"

	"github.com/go-mysql-org/go-mysql-failover/endpoint"
)

// Watermark is an immutable GTID set captured on Source.
type Watermark struct {
	Set        string           `json:"set" yaml:"set"`
	Source     endpoint.NodeRef `json:"source" yaml:"source"`
	CapturedAt time.Time        `json:"captured_at" yaml:"captured_at"`
}

func (w Watermark) IsZero() bool {
	return w.Set == ""
}

func (w Watermark) String() string {
	return w.Set
}

// Parsed returns the watermark as a GTID set.
func (w Watermark) Parsed() (mysql.GTIDSet, error) {
	return mysql.ParseMysqlGTIDSet(w.Set)
}

// Monotonic reports whether cur includes everything prev did. A node's
// executed set must never shrink without a rollback.
func Monotonic(prev, cur mysql.GTIDSet) bool {
	return cur.Contain(prev)
}

// Status is the outcome of one WAIT_FOR_EXECUTED_GTID_SET call.
type Status int

const (
	// NotYet means the call timed out before the set was applied (result 1).
	NotYet Status = iota
	// Applied means the node executed the whole set (result 0).
	Applied
)

func (s Status) String() string {
	if s == Applied {
		return "applied"
	}
	return "not_yet"
}

// ErrMalformedWatermark is returned when WAIT_FOR_EXECUTED_GTID_SET yields
// NULL. That is a malformed set or GTID mode being off, so it is a
// configuration fault, not a timing condition, and is never retried.
var ErrMalformedWatermark = errors.New("WAIT_FOR_EXECUTED_GTID_SET returned NULL (malformed GTID set or gtid_mode off)")

// ErrExecutedShrank is returned when a node's gtid_executed lost
// transactions between two polls, e.g. after RESET MASTER.
var ErrExecutedShrank = errors.New("gtid_executed shrank")
