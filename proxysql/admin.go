// Package proxysql resets the writer and reader hostgroups of a ProxySQL
// admin interface so every run starts from the same routing baseline.
package proxysql

import (
	"context"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/pingcap/errors"
)

type Config struct {
	// Addr of the admin interface, usually port 6032. Empty disables the reset.
	Addr            string        `toml:"addr"`
	User            string        `toml:"user"`
	Password        string        `toml:"password"`
	WriterHostgroup int           `toml:"writer_hostgroup"`
	ReaderHostgroup int           `toml:"reader_hostgroup"`
	Timeout         time.Duration `toml:"timeout"`
}

func (c Config) Enabled() bool {
	return c.Addr != ""
}

// Server is one row of mysql_servers.
type Server struct {
	Hostgroup int    `db:"hostgroup_id"`
	Hostname  string `db:"hostname"`
	Port      int    `db:"port"`
	Status    string `db:"status"`
}

// Backend is a MySQL server as the proxy reaches it.
type Backend struct {
	Host string
	Port int
}

type Admin struct {
	db     *sqlx.DB
	cfg    Config
	logger *slog.Logger
}

func dsn(cfg Config) string {
	c := mysql.NewConfig()
	c.User = cfg.User
	c.Passwd = cfg.Password
	c.Net = "tcp"
	c.Addr = cfg.Addr
	c.Timeout = cfg.Timeout
	c.ReadTimeout = cfg.Timeout
	c.WriteTimeout = cfg.Timeout
	// the admin interface has no prepared statements
	c.InterpolateParams = true
	return c.FormatDSN()
}

func withDefaults(cfg Config) Config {
	if cfg.WriterHostgroup == 0 && cfg.ReaderHostgroup == 0 {
		cfg.WriterHostgroup = 10
		cfg.ReaderHostgroup = 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return cfg
}

// Open connects lazily to the admin interface.
func Open(cfg Config, logger *slog.Logger) (*Admin, error) {
	cfg = withDefaults(cfg)
	if cfg.WriterHostgroup == cfg.ReaderHostgroup {
		return nil, errors.Errorf("writer and reader hostgroup are both %d", cfg.WriterHostgroup)
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sqlx.Open("mysql", dsn(cfg))
	if err != nil {
		return nil, errors.Trace(err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(time.Minute)

	return &Admin{db: db, cfg: cfg, logger: logger}, nil
}

func (a *Admin) Close() error {
	return a.db.Close()
}

// Servers returns the runtime server list.
func (a *Admin) Servers(ctx context.Context) ([]Server, error) {
	query, args, err := sq.Select("hostgroup_id", "hostname", "port", "status").
		From("runtime_mysql_servers").
		OrderBy("hostgroup_id", "hostname", "port").
		ToSql()
	if err != nil {
		return nil, errors.Trace(err)
	}

	var servers []Server
	if err := a.db.SelectContext(ctx, &servers, query, args...); err != nil {
		return nil, errors.Annotatef(err, "read runtime_mysql_servers from %s", a.cfg.Addr)
	}
	return servers, nil
}

type statement struct {
	query string
	args  []interface{}
}

// replaceStatements puts writer alone in the writer hostgroup and readers in
// the reader hostgroup, then activates and persists the result.
func replaceStatements(writerHG, readerHG int, writer Backend, readers []Backend) ([]statement, error) {
	var out []statement

	del, args, err := sq.Delete("mysql_servers").
		Where(sq.Eq{"hostgroup_id": []int{writerHG, readerHG}}).
		ToSql()
	if err != nil {
		return nil, errors.Trace(err)
	}
	out = append(out, statement{del, args})

	ins := sq.Insert("mysql_servers").
		Columns("hostgroup_id", "hostname", "port").
		Values(writerHG, writer.Host, writer.Port)
	for _, r := range readers {
		ins = ins.Values(readerHG, r.Host, r.Port)
	}
	query, args, err := ins.ToSql()
	if err != nil {
		return nil, errors.Trace(err)
	}
	out = append(out, statement{query, args})

	out = append(out,
		statement{query: "LOAD MYSQL SERVERS TO RUNTIME"},
		statement{query: "SAVE MYSQL SERVERS TO DISK"},
	)
	return out, nil
}

// ReplaceGroups rewrites both hostgroups in one admin session.
func (a *Admin) ReplaceGroups(ctx context.Context, writer Backend, readers []Backend) error {
	stmts, err := replaceStatements(a.cfg.WriterHostgroup, a.cfg.ReaderHostgroup, writer, readers)
	if err != nil {
		return err
	}

	conn, err := a.db.Connx(ctx)
	if err != nil {
		return errors.Annotatef(err, "connect proxysql admin %s", a.cfg.Addr)
	}
	defer conn.Close()

	for _, st := range stmts {
		if _, err := conn.ExecContext(ctx, st.query, st.args...); err != nil {
			return errors.Annotatef(err, "proxysql admin: %s", st.query)
		}
	}

	a.logger.Info("proxysql hostgroups reset",
		"writer_hostgroup", a.cfg.WriterHostgroup, "writer", writer,
		"reader_hostgroup", a.cfg.ReaderHostgroup, "readers", len(readers))
	return nil
}
