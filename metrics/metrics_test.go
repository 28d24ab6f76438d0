package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/go-mysql-org/go-mysql-failover/probe"
)

func TestObserve(t *testing.T) {
	m := New()

	m.ObserveProbe("127.0.0.1:3306", time.Millisecond, nil)
	m.ObserveProbe("127.0.0.1:3306", time.Millisecond, nil)
	m.ObserveProbe("127.0.0.1:3307", time.Second, &probe.Error{Kind: probe.Unreachable, Err: errors.New("refused")})
	m.ObservePhase("pre_failover_verify", 3*time.Second)
	m.ObserveRun("done", "")

	require.Equal(t, 2.0, testutil.ToFloat64(m.probes.WithLabelValues("127.0.0.1:3306", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.probes.WithLabelValues("127.0.0.1:3307", "unreachable")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.phaseDuration.WithLabelValues("pre_failover_verify")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("done", "")))
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.ObserveRun("failed", "NoFailoverObserved")

	path := filepath.Join(t.TempDir(), "failover.prom")
	require.NoError(t, m.WriteTextfile(path))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(b), `failover_verify_runs_total{outcome="failed",reason="NoFailoverObserved"} 1`)
}
