package failover

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/go-mysql-org/go-mysql-failover/endpoint"
	"github.com/go-mysql-org/go-mysql-failover/gtid"
	"github.com/go-mysql-org/go-mysql-failover/verify"
)

func sampleReport() *Report {
	wm := gtid.Watermark{
		Set:        "3e11fa47-71ca-11e1-9e33-c80aa9429562:1-5",
		Source:     endpoint.MustParseNodeRef("mysql-1:3306"),
		CapturedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	return &Report{
		RunID:           "run-1",
		Outcome:         OutcomeFailed,
		Phase:           PhasePreFailoverVerify,
		Reason:          ReasonPreflightReplicationBroken,
		Error:           "1 of 2 nodes failed verification: mysql-3:3306",
		OldPrimary:      "mysql-1:3306",
		WatermarkBefore: &wm,
		PreFailover: map[string]NodeCheck{
			"mysql-2:3306": {Passed: true, Watermark: watermarkApplied, ReadBack: verify.NodeResult{Passed: true, Value: "before"}},
			"mysql-3:3306": {Watermark: "timed out", ReadBack: verify.NodeResult{Error: "skipped"}},
		},
	}
}

func TestRenderJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, sampleReport().Render(&buf, "json"))

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Equal(t, "failed", got["outcome"])
	require.Equal(t, "PreflightReplicationBroken", got["reason"])
	wm := got["watermark_before"].(map[string]interface{})
	require.Equal(t, "mysql-1:3306", wm["source"])
	require.NotContains(t, got, "new_primary")
}

func TestRenderYAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, sampleReport().Render(&buf, "yaml"))

	var got map[string]interface{}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	require.Equal(t, "pre_failover_verify", got["phase"])
	pre := got["pre_failover"].(map[string]interface{})
	require.Len(t, pre, 2)
	require.Contains(t, buf.String(), "source: mysql-1:3306")

	require.Error(t, sampleReport().Render(&buf, "xml"))
}

func TestFailedNodes(t *testing.T) {
	r := sampleReport()
	r.PostFailover = map[string]NodeCheck{"mysql-2:3306": {}}
	require.Equal(t, []string{"mysql-2:3306", "mysql-3:3306"}, r.FailedNodes())
	require.True(t, r.Failed())
}

func TestOperatorPrompt(t *testing.T) {
	var buf bytes.Buffer
	s := Signal{
		RunID:    "run-1",
		Primary:  endpoint.MustParseNodeRef("mysql-1:3306"),
		Endpoint: endpoint.Endpoint{Host: "10.0.0.11", Port: 3306},
	}
	require.NoError(t, OperatorPrompt{Out: &buf}.Inject(context.Background(), s))
	require.Contains(t, buf.String(), "docker stop mysql-1")
	require.Contains(t, buf.String(), "10.0.0.11:3306")
}

func TestCommandHook(t *testing.T) {
	out := filepath.Join(t.TempDir(), "hook.out")
	h := CommandHook{Command: `echo "$FAILOVER_PRIMARY_NAME $FAILOVER_PRIMARY_ADDR" > ` + out}
	s := Signal{
		RunID:    "run-1",
		Primary:  endpoint.MustParseNodeRef("mysql-1:3306"),
		Endpoint: endpoint.Endpoint{Host: "10.0.0.11", Port: 3306},
	}
	require.NoError(t, h.Inject(context.Background(), s))

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, "mysql-1 10.0.0.11:3306", strings.TrimSpace(string(b)))

	require.Error(t, CommandHook{Command: "exit 3"}.Inject(context.Background(), s))
}
