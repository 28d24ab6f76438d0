package proxysql

import (
	"context"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"

	"github.com/go-mysql-org/go-mysql-failover/test_util"
)

func TestDSN(t *testing.T) {
	cfg := withDefaults(Config{Addr: "127.0.0.1:6032", User: "radmin", Password: "radmin"})
	require.Equal(t, 10, cfg.WriterHostgroup)
	require.Equal(t, 20, cfg.ReaderHostgroup)

	parsed, err := mysql.ParseDSN(dsn(cfg))
	require.NoError(t, err)
	require.Equal(t, "radmin", parsed.User)
	require.Equal(t, "127.0.0.1:6032", parsed.Addr)
	require.True(t, parsed.InterpolateParams)
	require.Equal(t, 5*time.Second, parsed.ReadTimeout)
}

func TestOpenRejectsSameHostgroup(t *testing.T) {
	_, err := Open(Config{Addr: "127.0.0.1:6032", WriterHostgroup: 1, ReaderHostgroup: 1}, nil)
	require.Error(t, err)
}

func TestReplaceStatements(t *testing.T) {
	stmts, err := replaceStatements(10, 20,
		Backend{Host: "mysql-2", Port: 3306},
		[]Backend{{Host: "mysql-1", Port: 3306}, {Host: "mysql-3", Port: 3306}})
	require.NoError(t, err)
	require.Len(t, stmts, 4)

	require.Equal(t, "DELETE FROM mysql_servers WHERE hostgroup_id IN (?,?)", stmts[0].query)
	require.Equal(t, []interface{}{10, 20}, stmts[0].args)

	require.Equal(t, "INSERT INTO mysql_servers (hostgroup_id,hostname,port) VALUES (?,?,?),(?,?,?),(?,?,?)", stmts[1].query)
	require.Equal(t, []interface{}{10, "mysql-2", 3306, 20, "mysql-1", 3306, 20, "mysql-3", 3306}, stmts[1].args)

	require.Equal(t, "LOAD MYSQL SERVERS TO RUNTIME", stmts[2].query)
	require.Equal(t, "SAVE MYSQL SERVERS TO DISK", stmts[3].query)
}

func TestLiveServers(t *testing.T) {
	test_util.RequireCluster(t)
	if *test_util.ProxyAdmin == "" {
		t.Skip("no -proxy-admin given")
	}

	a, err := Open(Config{Addr: *test_util.ProxyAdmin, User: "radmin", Password: "radmin"}, nil)
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = a.Servers(ctx)
	require.NoError(t, err)
}
