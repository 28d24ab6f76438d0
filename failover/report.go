package failover

import (
	"encoding/json"
	"io"
	"sort"
	"time"

	"github.com/pingcap/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-mysql-org/go-mysql-failover/gtid"
	"github.com/go-mysql-org/go-mysql-failover/leader"
	"github.com/go-mysql-org/go-mysql-failover/verify"
)

type Outcome string

const (
	OutcomeDone   Outcome = "done"
	OutcomeFailed Outcome = "failed"
)

// NodeCheck is the verdict for one node in one verification phase.
type NodeCheck struct {
	Passed    bool              `json:"passed" yaml:"passed"`
	Watermark string            `json:"watermark" yaml:"watermark"`
	ReadBack  verify.NodeResult `json:"read_back" yaml:"read_back"`
}

type PhaseTiming struct {
	Phase   Phase     `json:"phase" yaml:"phase"`
	Started time.Time `json:"started" yaml:"started"`
	Seconds float64   `json:"seconds" yaml:"seconds"`
}

// Report is the structured outcome of one run.
type Report struct {
	RunID   string  `json:"run_id" yaml:"run_id"`
	Outcome Outcome `json:"outcome" yaml:"outcome"`
	// Phase is the phase the run failed in, or done.
	Phase  Phase  `json:"phase" yaml:"phase"`
	Reason Reason `json:"reason,omitempty" yaml:"reason,omitempty"`
	Error  string `json:"error,omitempty" yaml:"error,omitempty"`

	OldPrimary string `json:"old_primary,omitempty" yaml:"old_primary,omitempty"`
	NewPrimary string `json:"new_primary,omitempty" yaml:"new_primary,omitempty"`

	TagBefore       string          `json:"tag_before,omitempty" yaml:"tag_before,omitempty"`
	TagAfter        string          `json:"tag_after,omitempty" yaml:"tag_after,omitempty"`
	WatermarkBefore *gtid.Watermark `json:"watermark_before,omitempty" yaml:"watermark_before,omitempty"`
	WatermarkAfter  *gtid.Watermark `json:"watermark_after,omitempty" yaml:"watermark_after,omitempty"`

	PreFailover  map[string]NodeCheck `json:"pre_failover,omitempty" yaml:"pre_failover,omitempty"`
	PostFailover map[string]NodeCheck `json:"post_failover,omitempty" yaml:"post_failover,omitempty"`
	// Durable is whether the new primary still returns the pre-failover row.
	Durable *NodeCheck `json:"durable,omitempty" yaml:"durable,omitempty"`

	// Observations are the last seed answers when the primary could not be
	// determined.
	Observations []leader.Observation `json:"observations,omitempty" yaml:"observations,omitempty"`

	Phases     []PhaseTiming `json:"phases" yaml:"phases"`
	StartedAt  time.Time     `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time     `json:"finished_at" yaml:"finished_at"`
}

func (r *Report) Failed() bool {
	return r.Outcome != OutcomeDone
}

// FailedNodes lists the nodes that failed a check, sorted.
func (r *Report) FailedNodes() []string {
	seen := make(map[string]bool)
	for _, checks := range []map[string]NodeCheck{r.PreFailover, r.PostFailover} {
		for name, c := range checks {
			if !c.Passed {
				seen[name] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Render writes the report as "json" or "yaml".
func (r *Report) Render(w io.Writer, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return errors.Trace(enc.Encode(r))
	case "yaml", "":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(enc.Close())
	default:
		return errors.Errorf("unknown report format %q", format)
	}
}
