// Package leader decides which node is the writable primary by asking the
// orchestration service through every seed and demanding agreement.
package leader

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pingcap/errors"

	"github.com/go-mysql-org/go-mysql-failover/endpoint"
	"github.com/go-mysql-org/go-mysql-failover/orchestrator"
	"github.com/go-mysql-org/go-mysql-failover/poll"
)

var (
	// ErrNotConverged means answering seeds disagree, or the topology shows
	// a writable count other than one.
	ErrNotConverged = errors.New("topology not converged")
	// ErrNoAnswer means no seed could determine a primary.
	ErrNoAnswer = errors.New("no seed could determine the primary")
)

// PrimaryFinder is the part of the orchestration client the resolver needs.
type PrimaryFinder interface {
	PrimaryOf(ctx context.Context, ref endpoint.NodeRef) (endpoint.NodeRef, error)
	Topology(ctx context.Context, ref endpoint.NodeRef) (*orchestrator.TopologySnapshot, error)
}

// Observation is what one seed said.
type Observation struct {
	Seed    endpoint.NodeRef       `json:"seed" yaml:"seed"`
	Primary endpoint.NodeRef       `json:"primary,omitempty" yaml:"primary,omitempty"`
	Err     string                 `json:"error,omitempty" yaml:"error,omitempty"`
	Raw     []orchestrator.Attempt `json:"raw,omitempty" yaml:"raw,omitempty"`
}

// ResolveError carries every observation of a failed resolution.
// errors.Cause returns ErrNotConverged or ErrNoAnswer.
type ResolveError struct {
	Reason       error
	Observations []Observation
	Writable     []endpoint.NodeRef
	// Topology is set when the topology of the agreed primary was unusable.
	Topology string
}

func (e *ResolveError) Error() string {
	parts := make([]string, 0, len(e.Observations))
	for _, o := range e.Observations {
		if o.Err != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", o.Seed, o.Err))
		} else {
			parts = append(parts, fmt.Sprintf("%s -> %s", o.Seed, o.Primary))
		}
	}
	msg := fmt.Sprintf("%v [%s]", e.Reason, strings.Join(parts, "; "))
	if len(e.Writable) > 0 {
		msg += fmt.Sprintf(" writable=%v", e.Writable)
	}
	if e.Topology != "" {
		msg += " topology: " + e.Topology
	}
	return msg
}

func (e *ResolveError) Cause() error {
	return e.Reason
}

func (e *ResolveError) Unwrap() error {
	return e.Reason
}

type Resolver struct {
	finder   PrimaryFinder
	interval time.Duration
	logger   *slog.Logger
}

func NewResolver(finder PrimaryFinder, interval time.Duration, logger *slog.Logger) *Resolver {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{finder: finder, interval: interval, logger: logger}
}

// Resolve returns the primary all answering seeds agree on.
func (r *Resolver) Resolve(ctx context.Context, seeds []endpoint.NodeRef) (endpoint.NodeRef, error) {
	return r.ResolveExcluding(ctx, seeds, endpoint.NodeRef{})
}

// ResolveExcluding is Resolve without asking exclude, and without counting
// it as writable. It is used after the old primary was taken down. When the
// other seeds still name exclude it is returned unchecked.
func (r *Resolver) ResolveExcluding(ctx context.Context, seeds []endpoint.NodeRef, exclude endpoint.NodeRef) (endpoint.NodeRef, error) {
	var (
		obs      []Observation
		primary  endpoint.NodeRef
		answered int
		agree    = true
	)

	for _, seed := range seeds {
		if seed.Same(exclude) {
			continue
		}
		o := Observation{Seed: seed}
		p, err := r.finder.PrimaryOf(ctx, seed)
		if err != nil {
			o.Err = err.Error()
			if ue, ok := errors.Cause(err).(*orchestrator.LeaderUndeterminedError); ok {
				o.Raw = ue.Attempts
			}
			obs = append(obs, o)
			continue
		}
		o.Primary = p
		obs = append(obs, o)

		if answered == 0 {
			primary = p
		} else if !primary.Same(p) {
			agree = false
		}
		answered++
	}

	// a sweep cut short by the deadline says nothing about the cluster
	if err := ctx.Err(); err != nil {
		return endpoint.NodeRef{}, err
	}

	if answered == 0 {
		return endpoint.NodeRef{}, &ResolveError{Reason: ErrNoAnswer, Observations: obs}
	}
	if !agree {
		return endpoint.NodeRef{}, &ResolveError{Reason: ErrNotConverged, Observations: obs}
	}

	if primary.Same(exclude) {
		return primary, nil
	}

	snap, err := r.finder.Topology(ctx, primary)
	switch {
	case err == nil:
	case orchestrator.IsUnavailable(err):
		r.logger.Debug("topology unavailable, trusting seed agreement", "primary", primary.String(), "err", err)
		return primary, nil
	default:
		return endpoint.NodeRef{}, &ResolveError{Reason: ErrNotConverged, Observations: obs, Topology: err.Error()}
	}

	var writable []endpoint.NodeRef
	for _, w := range snap.Writable() {
		if !w.Same(exclude) {
			writable = append(writable, w)
		}
	}
	if len(writable) != 1 || !writable[0].Same(primary) {
		return endpoint.NodeRef{}, &ResolveError{Reason: ErrNotConverged, Observations: obs, Writable: writable}
	}
	return primary, nil
}

// WaitForPrimary polls Resolve until the seeds converge. On deadline the
// *poll.TimeoutError carries the last *ResolveError as LastErr.
func (r *Resolver) WaitForPrimary(ctx context.Context, seeds []endpoint.NodeRef, timeout time.Duration) (endpoint.NodeRef, error) {
	var primary endpoint.NodeRef
	err := poll.Until(ctx, "resolve primary", r.interval, timeout, func(ctx context.Context) error {
		p, err := r.Resolve(ctx, seeds)
		if err != nil {
			return err
		}
		primary = p
		return nil
	})
	return primary, err
}

// WaitForChange sweeps the seeds other than old every interval until they
// converge on a primary different from old. On deadline the returned
// *poll.TimeoutError holds the last observation: LastState when the seeds
// still named old, LastErr when they did not converge.
func (r *Resolver) WaitForChange(ctx context.Context, seeds []endpoint.NodeRef, old endpoint.NodeRef, interval, timeout time.Duration) (endpoint.NodeRef, error) {
	if interval <= 0 {
		interval = r.interval
	}

	var primary endpoint.NodeRef
	err := poll.Until(ctx, "wait for primary change from "+old.String(), interval, timeout, func(ctx context.Context) error {
		p, err := r.ResolveExcluding(ctx, seeds, old)
		if err != nil {
			return err
		}
		if p.Same(old) {
			return poll.Pending("primary is still %s", old)
		}
		r.logger.Info("primary changed", "old", old.String(), "new", p.String())
		primary = p
		return nil
	})
	return primary, err
}
