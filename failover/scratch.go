package failover

import (
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/pingcap/errors"

	"github.com/go-mysql-org/go-mysql-failover/probe"
)

const (
	payloadBefore = "before"
	payloadAfter  = "after"
)

// scratch is the schema a run writes its tagged rows to.
type scratch struct {
	db    string
	table string
}

func (s scratch) qualified() string {
	return fmt.Sprintf("`%s`.`%s`", s.db, s.table)
}

func (s scratch) createOp() probe.Op {
	return probe.Op{Statements: []probe.Statement{
		{Query: fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", s.db)},
		{Query: fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s ("+
			"id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY, "+
			"tag CHAR(36) NOT NULL, "+
			"payload VARCHAR(64) NOT NULL, "+
			"created_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6), "+
			"UNIQUE KEY uk_tag (tag)) ENGINE=InnoDB", s.qualified())},
	}}
}

func (s scratch) insertOp(tag, payload string) (probe.Op, error) {
	query, args, err := sq.Insert(s.qualified()).
		Columns("tag", "payload").
		Values(tag, payload).
		ToSql()
	if err != nil {
		return probe.Op{}, errors.Trace(err)
	}
	return probe.Transaction("", probe.Statement{Query: query, Args: args}), nil
}

func (s scratch) selectOp(tag string) (probe.Op, error) {
	query, args, err := sq.Select("payload").
		From(s.qualified()).
		Where(sq.Eq{"tag": tag}).
		ToSql()
	if err != nil {
		return probe.Op{}, errors.Trace(err)
	}
	return probe.Query("", query, args...), nil
}

// dropOp drops the schema. Without binlog the drop stays local to the node.
func (s scratch) dropOp(binlog bool) probe.Op {
	drop := probe.Statement{Query: fmt.Sprintf("DROP DATABASE IF EXISTS `%s`", s.db)}
	if binlog {
		return probe.Op{Statements: []probe.Statement{drop}}
	}
	return probe.Op{Statements: []probe.Statement{
		{Query: "SET SESSION sql_log_bin = 0"},
		drop,
	}}
}
