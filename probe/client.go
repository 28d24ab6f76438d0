package probe

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-mysql-org/go-mysql/client"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/pingcap/errors"

	"github.com/go-mysql-org/go-mysql-failover/endpoint"
)

// Timeouts bound each phase of a probe independently.
type Timeouts struct {
	Connect time.Duration `toml:"connect"`
	Read    time.Duration `toml:"read"`
	Write   time.Duration `toml:"write"`
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect: 5 * time.Second,
		Read:    15 * time.Second,
		Write:   15 * time.Second,
	}
}

// Observer is notified after every probe.
type Observer interface {
	ObserveProbe(addr string, elapsed time.Duration, err error)
}

// Client is the Prober backed by the go-mysql client.
type Client struct {
	timeouts Timeouts
	logger   *slog.Logger
	observer Observer
}

type ClientOption func(*Client)

func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

func WithObserver(o Observer) ClientOption {
	return func(c *Client) {
		c.observer = o
	}
}

func NewClient(t Timeouts, options ...ClientOption) *Client {
	def := DefaultTimeouts()
	if t.Connect <= 0 {
		t.Connect = def.Connect
	}
	if t.Read <= 0 {
		t.Read = def.Read
	}
	if t.Write <= 0 {
		t.Write = def.Write
	}

	c := &Client{
		timeouts: t,
		logger:   slog.Default(),
	}
	for _, o := range options {
		o(c)
	}
	return c
}

func (c *Client) Timeouts() Timeouts {
	return c.timeouts
}

func (c *Client) Execute(ctx context.Context, ep endpoint.Endpoint, op Op) (rows *Rows, err error) {
	start := time.Now()
	defer func() {
		if c.observer != nil {
			c.observer.ObserveProbe(ep.Addr(), time.Since(start), err)
		}
		if err != nil {
			c.logger.Debug("probe failed", "addr", ep.Addr(), "op", op.String(), "err", err)
		}
	}()

	if len(op.Statements) == 0 {
		return nil, errors.New("probe: empty operation")
	}
	if err := ctx.Err(); err != nil {
		return nil, newError(ep.Addr(), op, err, true)
	}

	conn, err := client.ConnectWithContext(ctx, ep.Addr(), ep.User, ep.Password, op.Database, c.timeouts.Connect,
		func(conn *client.Conn) error {
			conn.ReadTimeout = c.timeouts.Read
			conn.WriteTimeout = c.timeouts.Write
			return nil
		})
	if err != nil {
		return nil, newError(ep.Addr(), op, err, true)
	}
	defer conn.Close()

	// Unblock a statement stuck on the wire once the caller gives up.
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	rows, err = c.run(conn, op)
	if err != nil {
		if ctx.Err() != nil {
			err = errors.Annotate(ctx.Err(), err.Error())
		}
		return nil, newError(ep.Addr(), op, err, false)
	}
	return rows, nil
}

func (c *Client) run(conn *client.Conn, op Op) (*Rows, error) {
	if op.Tx {
		if err := conn.Begin(); err != nil {
			return nil, errors.Trace(err)
		}
	}

	var rows *Rows
	for _, st := range op.Statements {
		r, err := conn.Execute(st.Query, st.Args...)
		if err != nil {
			if op.Tx {
				_ = conn.Rollback()
			}
			return nil, errors.Trace(err)
		}
		rows = convert(r)
	}

	if op.Tx {
		if err := conn.Commit(); err != nil {
			return nil, errors.Trace(err)
		}
	}

	return rows, nil
}

func convert(r *mysql.Result) *Rows {
	rows := &Rows{
		AffectedRows: r.AffectedRows,
		InsertID:     r.InsertId,
	}
	if !r.HasResultset() {
		return rows
	}

	rows.Columns = make([]string, len(r.Fields))
	for i, f := range r.Fields {
		rows.Columns[i] = string(f.Name)
	}

	rows.Values = make([][]interface{}, r.RowNumber())
	for i := range rows.Values {
		row := make([]interface{}, r.ColumnNumber())
		for j := range row {
			v, err := r.GetValue(i, j)
			if err != nil {
				continue
			}
			if b, ok := v.([]byte); ok {
				// the resultset buffer is reused, keep our own copy
				v = string(b)
			}
			row[j] = v
		}
		rows.Values[i] = row
	}

	return rows
}
