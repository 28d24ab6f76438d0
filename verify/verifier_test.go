package verify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-mysql-org/go-mysql-failover/endpoint"
	"github.com/go-mysql-org/go-mysql-failover/probe"
	"github.com/go-mysql-org/go-mysql-failover/test_util/fakecluster"
)

const selectPayload = "SELECT payload FROM `vf`.`t` WHERE tag = ?"

func seed(t *testing.T, c *fakecluster.Cluster, tag, payload string) {
	t.Helper()
	ctx := context.Background()
	ep := c.Endpoint(c.Primary())
	_, err := c.Execute(ctx, ep, probe.Query("", "CREATE DATABASE IF NOT EXISTS `vf`"))
	require.NoError(t, err)
	_, err = c.Execute(ctx, ep, probe.Query("", "CREATE TABLE IF NOT EXISTS `vf`.`t` (tag VARCHAR(64) PRIMARY KEY, payload VARCHAR(255))"))
	require.NoError(t, err)
	_, err = c.Execute(ctx, ep, probe.Transaction("", probe.Statement{
		Query: "INSERT INTO `vf`.`t` (tag,payload) VALUES (?,?)",
		Args:  []interface{}{tag, payload},
	}))
	require.NoError(t, err)
}

func newVerifier(c *fakecluster.Cluster) *Verifier {
	return New(c, Config{Concurrency: 2, Window: 100 * time.Millisecond, Interval: 10 * time.Millisecond}, nil)
}

func TestVerifyAllPass(t *testing.T) {
	c := fakecluster.New("mysql-1", "mysql-2", "mysql-3")
	seed(t, c, "t1", "hello")

	targets := []endpoint.Target{c.Target("mysql-2"), c.Target("mysql-3")}
	res := newVerifier(c).Verify(context.Background(), targets, probe.Query("", selectPayload, "t1"), "hello")
	require.True(t, res.Passed)
	require.Len(t, res.Nodes, 2)
	require.Equal(t, "hello", res.Nodes["mysql-2:3306"].Value)
	require.Empty(t, res.Failed())
}

func TestVerifyUnreachableNodeFailsAlone(t *testing.T) {
	c := fakecluster.New("mysql-1", "mysql-2", "mysql-3", "mysql-4")
	seed(t, c, "t1", "hello")
	c.Kill("mysql-3")

	targets := []endpoint.Target{c.Target("mysql-2"), c.Target("mysql-3"), c.Target("mysql-4")}
	res := newVerifier(c).Verify(context.Background(), targets, probe.Query("", selectPayload, "t1"), "hello")

	require.False(t, res.Passed)
	require.Len(t, res.Nodes, 3)
	require.True(t, res.Nodes["mysql-2:3306"].Passed)
	require.True(t, res.Nodes["mysql-4:3306"].Passed)
	require.False(t, res.Nodes["mysql-3:3306"].Passed)
	require.Contains(t, res.Nodes["mysql-3:3306"].Error, "unreachable")
	require.Equal(t, []string{"mysql-3:3306"}, res.Failed())
}

func TestVerifyRowMissingOnLaggingNode(t *testing.T) {
	c := fakecluster.New("mysql-1", "mysql-2", "mysql-3")
	seed(t, c, "t0", "old")
	c.Pause("mysql-3")
	_, err := c.Execute(context.Background(), c.Endpoint("mysql-1"), probe.Transaction("", probe.Statement{
		Query: "INSERT INTO `vf`.`t` (tag,payload) VALUES (?,?)",
		Args:  []interface{}{"t1", "hello"},
	}))
	require.NoError(t, err)

	targets := []endpoint.Target{c.Target("mysql-2"), c.Target("mysql-3")}
	res := newVerifier(c).Verify(context.Background(), targets, probe.Query("", selectPayload, "t1"), "hello")
	require.False(t, res.Passed)
	require.Equal(t, []string{"mysql-3:3306"}, res.Failed())
	require.Contains(t, res.Nodes["mysql-3:3306"].Error, "row not found")
}

func TestVerifyWrongValue(t *testing.T) {
	c := fakecluster.New("mysql-1", "mysql-2")
	seed(t, c, "t1", "hello")

	res := newVerifier(c).Verify(context.Background(), []endpoint.Target{c.Target("mysql-2")},
		probe.Query("", selectPayload, "t1"), "bye")
	require.False(t, res.Passed)
	require.Equal(t, "hello", res.Nodes["mysql-2:3306"].Value)
}
