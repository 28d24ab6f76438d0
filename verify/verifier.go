// Package verify checks that a set of nodes can read back a row.
package verify

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/go-mysql-org/go-mysql-failover/endpoint"
	"github.com/go-mysql-org/go-mysql-failover/poll"
	"github.com/go-mysql-org/go-mysql-failover/probe"
)

type Config struct {
	// Concurrency bounds how many nodes are probed at once.
	Concurrency int
	// Window is how long one node may take to show the row.
	Window time.Duration
	// Interval is the pause between two reads on one node.
	Interval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Concurrency: 4,
		Window:      2 * time.Second,
		Interval:    200 * time.Millisecond,
	}
}

// NodeResult is the verdict for one node.
type NodeResult struct {
	Passed bool   `json:"passed" yaml:"passed"`
	Value  string `json:"value,omitempty" yaml:"value,omitempty"`
	Error  string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Result holds one entry for every node that was asked.
type Result struct {
	Passed bool                  `json:"passed" yaml:"passed"`
	Nodes  map[string]NodeResult `json:"nodes" yaml:"nodes"`
}

// Failed returns the nodes that did not pass, sorted.
func (r Result) Failed() []string {
	var out []string
	for name, n := range r.Nodes {
		if !n.Passed {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

type Verifier struct {
	prober probe.Prober
	cfg    Config
	logger *slog.Logger
}

func New(p probe.Prober, cfg Config, logger *slog.Logger) *Verifier {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{prober: p, cfg: cfg, logger: logger}
}

// Verify runs op on every target and expects it to select expected. A node
// failing, for any reason, fails only its own entry.
func (v *Verifier) Verify(ctx context.Context, targets []endpoint.Target, op probe.Op, expected string) Result {
	results := make([]NodeResult, len(targets))

	var g errgroup.Group
	g.SetLimit(v.cfg.Concurrency)
	for i, target := range targets {
		g.Go(func() error {
			results[i] = v.verifyNode(ctx, target, op, expected)
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Passed: true, Nodes: make(map[string]NodeResult, len(targets))}
	for i, target := range targets {
		res.Nodes[target.String()] = results[i]
		if !results[i].Passed {
			res.Passed = false
		}
	}
	return res
}

func (v *Verifier) verifyNode(ctx context.Context, target endpoint.Target, op probe.Op, expected string) NodeResult {
	var last string
	err := poll.Until(ctx, "read back on "+target.String(), v.cfg.Interval, v.cfg.Window, func(ctx context.Context) error {
		val, ok, err := probe.QueryScalar(ctx, v.prober, target.Endpoint, op)
		if err != nil {
			if k, _ := probe.KindOf(err); !k.Retryable() {
				return poll.Permanent(err)
			}
			return err
		}
		if !ok {
			return poll.Pending("row not found on %s", target)
		}
		last, _ = probe.AsString(val)
		if last != expected {
			return poll.Pending("%s returned %q, want %q", target, last, expected)
		}
		return nil
	})

	if err != nil {
		v.logger.Warn("read back failed", "node", target.String(), "err", err)
		return NodeResult{Value: last, Error: err.Error()}
	}
	v.logger.Debug("read back ok", "node", target.String())
	return NodeResult{Passed: true, Value: last}
}
