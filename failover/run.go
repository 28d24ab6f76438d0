package failover

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap/errors"

	"github.com/go-mysql-org/go-mysql-failover/endpoint"
	"github.com/go-mysql-org/go-mysql-failover/gtid"
	"github.com/go-mysql-org/go-mysql-failover/leader"
	"github.com/go-mysql-org/go-mysql-failover/poll"
	"github.com/go-mysql-org/go-mysql-failover/probe"
	"github.com/go-mysql-org/go-mysql-failover/proxysql"
)

const watermarkApplied = "applied"

// run is the state of one Runner.Run call. It is never shared.
type run struct {
	r      *Runner
	logger *slog.Logger
	report *Report

	seeds []endpoint.Target
	// known is every node seen during the run: seeds plus topology.
	known []endpoint.Target

	oldPrimary endpoint.Target
	newPrimary endpoint.Target
	// current is where cleanup drops the schema with binlog on.
	current endpoint.Target

	before gtid.Watermark
	after  gtid.Watermark
}

func newRun(r *Runner) *run {
	id := uuid.NewString()
	return &run{
		r:      r,
		logger: r.logger.With("run_id", id),
		report: &Report{
			RunID:     id,
			Outcome:   OutcomeFailed,
			Phase:     PhaseIdle,
			StartedAt: time.Now(),
		},
	}
}

type step struct {
	phase Phase
	fn    func(ctx context.Context) error
}

func (rn *run) execute(ctx context.Context) {
	steps := []step{
		{PhaseBaselineReset, rn.baselineReset},
		{PhasePreFailoverWrite, rn.preFailoverWrite},
		{PhasePreFailoverVerify, rn.preFailoverVerify},
		{PhaseAwaitingFailure, rn.awaitFailure},
		{PhaseLeaderChangeDetected, rn.detectLeaderChange},
		{PhasePostFailoverWrite, rn.postFailoverWrite},
		{PhasePostFailoverVerify, rn.postFailoverVerify},
	}

	var err error
	for _, st := range steps {
		if err = rn.runStep(ctx, st); err != nil {
			break
		}
	}

	if err != nil {
		reason := reasonOf(err)
		rn.report.Outcome = OutcomeFailed
		rn.report.Reason = reason
		rn.report.Error = err.Error()
		rn.logger.Error("run failed", "phase", rn.report.Phase, "reason", reason, "err", err)
	} else {
		rn.report.Outcome = OutcomeDone
		rn.report.Phase = PhaseDone
		rn.logger.Info("run done", "old_primary", rn.report.OldPrimary, "new_primary", rn.report.NewPrimary)
	}

	rn.cleanup(ctx)

	rn.report.FinishedAt = time.Now()
	rn.r.observer.ObserveRun(string(rn.report.Outcome), string(rn.report.Reason))
}

func (rn *run) runStep(ctx context.Context, st step) error {
	rn.report.Phase = st.phase
	start := time.Now()
	rn.logger.Info("phase started", "phase", st.phase)

	err := st.fn(ctx)

	d := time.Since(start)
	rn.report.Phases = append(rn.report.Phases, PhaseTiming{Phase: st.phase, Started: start, Seconds: d.Seconds()})
	rn.r.observer.ObservePhase(string(st.phase), d)
	if err == nil {
		rn.logger.Info("phase finished", "phase", st.phase, "elapsed", d)
	}
	return err
}

func (rn *run) seedRefs() []endpoint.NodeRef {
	refs := make([]endpoint.NodeRef, 0, len(rn.seeds))
	for _, s := range rn.seeds {
		refs = append(refs, s.Ref)
	}
	return refs
}

// target returns the known node ref, resolving and remembering it if new.
func (rn *run) target(ref endpoint.NodeRef) (endpoint.Target, error) {
	for _, t := range rn.known {
		if t.Ref.Same(ref) {
			return t, nil
		}
	}
	ep, err := rn.r.dir.Resolve(ref)
	if err != nil {
		return endpoint.Target{}, fail(ReasonConfigurationFault, errors.Trace(err))
	}
	t := endpoint.Target{Ref: ref, Endpoint: ep}
	rn.known = append(rn.known, t)
	return t, nil
}

// others returns the known nodes except the excluded ones.
func (rn *run) others(exclude ...endpoint.Target) []endpoint.Target {
	var out []endpoint.Target
next:
	for _, t := range rn.known {
		for _, e := range exclude {
			if t.Ref.Same(e.Ref) {
				continue next
			}
		}
		out = append(out, t)
	}
	return out
}

func (rn *run) baselineReset(ctx context.Context) error {
	cfg := rn.r.cfg

	if err := rn.r.orch.WaitHealthy(ctx, cfg.Timeouts.Interval, cfg.Timeouts.Ready); err != nil {
		return fail(ReasonLeaderUndetermined, errors.Annotate(err, "orchestrator is not healthy"))
	}

	for _, ref := range cfg.Seeds {
		ep, err := rn.r.dir.Resolve(ref)
		if err != nil {
			return fail(ReasonConfigurationFault, errors.Annotatef(err, "seed %s", ref))
		}
		rn.seeds = append(rn.seeds, endpoint.Target{Ref: ref, Endpoint: ep})
	}
	rn.known = append(rn.known, rn.seeds...)

	for _, s := range rn.seeds {
		if err := probe.WaitReady(ctx, rn.r.prober, s.Endpoint, cfg.Timeouts.Interval, cfg.Timeouts.Ready); err != nil {
			err = errors.Annotatef(err, "seed %s is not ready", s)
			if probe.IsKind(err, probe.AuthFailed) {
				return fail(ReasonConfigurationFault, err)
			}
			return fail(ReasonPreflightReplicationBroken, err)
		}
		if err := rn.r.orch.Discover(ctx, s.Ref); err != nil {
			rn.logger.Warn("discover failed", "node", s.String(), "err", err)
		}
	}

	primary, err := rn.r.resolver.WaitForPrimary(ctx, rn.seedRefs(), cfg.Timeouts.Ready)
	if err != nil {
		rn.keepObservations(err)
		return fail(ReasonLeaderUndetermined, err)
	}
	if rn.oldPrimary, err = rn.target(primary); err != nil {
		return err
	}
	rn.current = rn.oldPrimary
	rn.report.OldPrimary = rn.oldPrimary.String()
	rn.logger.Info("primary resolved", "primary", rn.oldPrimary.String(), "addr", rn.oldPrimary.Endpoint.Addr())

	rn.collectTopology(ctx)

	replicas := rn.others(rn.oldPrimary)
	if len(replicas) == 0 {
		return fail(ReasonConfigurationFault, errors.Errorf("no replica of %s is known", rn.oldPrimary))
	}

	if rn.r.proxy != nil {
		readers := make([]proxysql.Backend, 0, len(replicas))
		for _, t := range replicas {
			readers = append(readers, backendOf(t))
		}
		if err := rn.r.proxy.ReplaceGroups(ctx, backendOf(rn.oldPrimary), readers); err != nil {
			return fail(ReasonConfigurationFault, errors.Annotate(err, "reset proxy hostgroups"))
		}
	}

	if cfg.ResetReadOnly {
		rn.setReadOnly(ctx, rn.oldPrimary, false)
		for _, t := range replicas {
			rn.setReadOnly(ctx, t, true)
		}
	}
	return nil
}

// backendOf is the address the proxy routes to. The proxy sits next to the
// cluster, so it uses the address the orchestrator reports, not the mapped one.
func backendOf(t endpoint.Target) proxysql.Backend {
	return proxysql.Backend{Host: t.Ref.Host, Port: t.Ref.Port}
}

func (rn *run) keepObservations(err error) {
	te, ok := err.(*poll.TimeoutError)
	if !ok || te.LastErr == nil {
		return
	}
	if re, ok := te.LastErr.(*leader.ResolveError); ok {
		rn.report.Observations = re.Observations
	}
}

// collectTopology adds the nodes the orchestrator knows about. Nodes that
// are not in the directory are skipped.
func (rn *run) collectTopology(ctx context.Context) {
	snap, err := rn.r.orch.Topology(ctx, rn.oldPrimary.Ref)
	if err != nil {
		rn.logger.Debug("topology unavailable, using seeds only", "err", err)
		return
	}
	for _, ref := range snap.Refs() {
		if _, err := rn.target(ref); err != nil {
			rn.logger.Warn("skipping unmapped topology node", "node", ref.String(), "err", err)
		}
	}
}

func (rn *run) setReadOnly(ctx context.Context, t endpoint.Target, on bool) {
	v := 0
	if on {
		v = 1
	}
	q := fmt.Sprintf("SET GLOBAL read_only = %d", v)
	if _, err := rn.r.prober.Execute(ctx, t.Endpoint, probe.Query("", q)); err != nil {
		rn.logger.Warn("read_only reset failed", "node", t.String(), "err", err)
	}
}

// write inserts a tagged row. A missing schema is created once and the
// insert retried once.
func (rn *run) write(ctx context.Context, t endpoint.Target, tag, payload string) error {
	op, err := rn.r.scratch.insertOp(tag, payload)
	if err != nil {
		return err
	}

	_, err = rn.r.prober.Execute(ctx, t.Endpoint, op)
	if probe.IsKind(err, probe.SchemaMissing) {
		rn.logger.Warn("scratch schema missing, recreating", "node", t.String(), "err", err)
		if _, err := rn.r.prober.Execute(ctx, t.Endpoint, rn.r.scratch.createOp()); err != nil {
			return errors.Annotatef(err, "recreate scratch schema on %s", t)
		}
		_, err = rn.r.prober.Execute(ctx, t.Endpoint, op)
	}
	if err != nil {
		return errors.Annotatef(err, "write %s row on %s", payload, t)
	}

	rn.logger.Info("row written", "node", t.String(), "tag", tag, "payload", payload)
	return nil
}

func (rn *run) preFailoverWrite(ctx context.Context) error {
	p := rn.oldPrimary
	if _, err := rn.r.prober.Execute(ctx, p.Endpoint, rn.r.scratch.createOp()); err != nil {
		return errors.Annotatef(err, "create scratch schema on %s", p)
	}

	rn.report.TagBefore = uuid.NewString()
	if err := rn.write(ctx, p, rn.report.TagBefore, payloadBefore); err != nil {
		return err
	}

	wm, err := rn.r.tracker.Capture(ctx, p.Endpoint, p.Ref)
	if err != nil {
		return errors.Annotate(err, "capture watermark before failover")
	}
	rn.before = wm
	rn.report.WatermarkBefore = &wm
	return nil
}

// check waits for wm on every target, then reads the tagged row back from
// the nodes that applied it. The result holds every target.
func (rn *run) check(ctx context.Context, targets []endpoint.Target, wm gtid.Watermark, tag, payload string, timeout time.Duration, reason Reason) (map[string]NodeCheck, error) {
	applied := rn.r.tracker.WaitAll(ctx, targets, wm, timeout)

	var caughtUp []endpoint.Target
	for _, t := range targets {
		if applied[t.String()] == nil {
			caughtUp = append(caughtUp, t)
		}
	}

	op, err := rn.r.scratch.selectOp(tag)
	if err != nil {
		return nil, err
	}
	reads := rn.r.verifier.Verify(ctx, caughtUp, op, payload)

	checks := make(map[string]NodeCheck, len(targets))
	var failed []string
	for _, t := range targets {
		name := t.String()
		c := NodeCheck{Watermark: watermarkApplied}
		if werr := applied[name]; werr != nil {
			c.Watermark = werr.Error()
			c.ReadBack.Error = "skipped, watermark not applied"
			if r := nodeFailureReason(reason, werr); r != reason {
				reason = r
			}
		} else {
			c.ReadBack = reads.Nodes[name]
			c.Passed = c.ReadBack.Passed
		}
		checks[name] = c
		if !c.Passed {
			failed = append(failed, name)
		}
	}

	if len(failed) > 0 {
		return checks, fail(reason, errors.Errorf("%d of %d nodes failed verification: %s",
			len(failed), len(targets), strings.Join(failed, ", ")))
	}
	return checks, nil
}

func (rn *run) preFailoverVerify(ctx context.Context) error {
	checks, err := rn.check(ctx, rn.others(rn.oldPrimary), rn.before, rn.report.TagBefore, payloadBefore,
		rn.r.cfg.Timeouts.Replication, ReasonPreflightReplicationBroken)
	rn.report.PreFailover = checks
	return err
}

func (rn *run) awaitFailure(ctx context.Context) error {
	s := Signal{
		RunID:    rn.report.RunID,
		Primary:  rn.oldPrimary.Ref,
		Endpoint: rn.oldPrimary.Endpoint,
	}
	if err := rn.r.fault.Inject(ctx, s); err != nil {
		return fail(ReasonUnexpected, errors.Annotate(err, "fault injection"))
	}
	return nil
}

func (rn *run) detectLeaderChange(ctx context.Context) error {
	t := rn.r.cfg.Timeouts
	p, err := rn.r.resolver.WaitForChange(ctx, rn.seedRefs(), rn.oldPrimary.Ref, t.Interval, t.Failover)
	if err != nil {
		if poll.IsTimeout(err) {
			rn.keepObservations(err)
			return fail(ReasonNoFailoverObserved, err)
		}
		return err
	}

	if rn.newPrimary, err = rn.target(p); err != nil {
		return err
	}
	rn.current = rn.newPrimary
	rn.report.NewPrimary = rn.newPrimary.String()
	rn.logger.Info("new primary detected", "primary", rn.newPrimary.String(), "addr", rn.newPrimary.Endpoint.Addr())
	return nil
}

func (rn *run) postFailoverWrite(ctx context.Context) error {
	p := rn.newPrimary
	rn.report.TagAfter = uuid.NewString()
	if err := rn.write(ctx, p, rn.report.TagAfter, payloadAfter); err != nil {
		return err
	}

	wm, err := rn.r.tracker.Capture(ctx, p.Endpoint, p.Ref)
	if err != nil {
		return errors.Annotate(err, "capture watermark after failover")
	}
	rn.after = wm
	rn.report.WatermarkAfter = &wm
	return nil
}

func (rn *run) postFailoverVerify(ctx context.Context) error {
	cfg := rn.r.cfg

	op, err := rn.r.scratch.selectOp(rn.report.TagBefore)
	if err != nil {
		return err
	}
	durable := rn.r.verifier.Verify(ctx, []endpoint.Target{rn.newPrimary}, op, payloadBefore)
	d := NodeCheck{Watermark: watermarkApplied, ReadBack: durable.Nodes[rn.newPrimary.String()], Passed: durable.Passed}
	rn.report.Durable = &d
	if !durable.Passed {
		return fail(ReasonPostFailoverReplicationBroken,
			errors.Errorf("new primary %s lost the row written before failover: %s", rn.newPrimary, d.ReadBack.Error))
	}

	remaining := rn.others(rn.oldPrimary, rn.newPrimary)
	if len(remaining) == 0 {
		rn.logger.Warn("no replica left besides the new primary")
		return nil
	}

	checks, err := rn.check(ctx, remaining, rn.after, rn.report.TagAfter, payloadAfter,
		cfg.Timeouts.PostFailover, ReasonPostFailoverReplicationBroken)
	rn.report.PostFailover = checks
	return err
}

// cleanup drops the scratch schema on the current primary, letting the drop
// replicate, then on every other known node without binlog. Errors are only
// logged.
func (rn *run) cleanup(ctx context.Context) {
	if rn.current.Ref.IsZero() {
		return
	}
	if rn.r.cfg.KeepSchema {
		rn.logger.Info("keeping scratch schema", "database", rn.r.cfg.Database)
		return
	}

	ctx = context.WithoutCancel(ctx)
	drop := func(t endpoint.Target, binlog bool) {
		dctx, cancel := context.WithTimeout(ctx, rn.r.cfg.Timeouts.Cleanup)
		defer cancel()
		if _, err := rn.r.prober.Execute(dctx, t.Endpoint, rn.r.scratch.dropOp(binlog)); err != nil {
			rn.logger.Warn("cleanup failed", "node", t.String(), "err", err)
			return
		}
		rn.logger.Debug("scratch schema dropped", "node", t.String())
	}

	drop(rn.current, true)
	for _, t := range rn.others(rn.current) {
		drop(t, false)
	}
}
