package gtid

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/pingcap/errors"
	"golang.org/x/sync/errgroup"

	"github.com/go-mysql-org/go-mysql-failover/endpoint"
	"github.com/go-mysql-org/go-mysql-failover/poll"
	"github.com/go-mysql-org/go-mysql-failover/probe"
)

const (
	executedQuery = "SELECT @@GLOBAL.gtid_executed"
	waitQuery     = "SELECT WAIT_FOR_EXECUTED_GTID_SET(?, ?)"
)

type Config struct {
	// PollInterval is the pause between two WAIT_FOR_EXECUTED_GTID_SET calls.
	PollInterval time.Duration
	// WaitStep bounds the server-side wait of one call. It must stay below
	// the probe read timeout.
	WaitStep time.Duration
	// Concurrency bounds WaitAll fan-out. 1 probes nodes one after another.
	Concurrency int
}

func DefaultConfig() Config {
	return Config{
		PollInterval: time.Second,
		WaitStep:     5 * time.Second,
		Concurrency:  4,
	}
}

type Tracker struct {
	prober probe.Prober
	cfg    Config
	logger *slog.Logger
}

func NewTracker(p probe.Prober, cfg Config, logger *slog.Logger) *Tracker {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.WaitStep < time.Second {
		cfg.WaitStep = def.WaitStep
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{prober: p, cfg: cfg, logger: logger}
}

// ExecutedString returns the raw @@GLOBAL.gtid_executed of ep.
func (t *Tracker) ExecutedString(ctx context.Context, ep endpoint.Endpoint) (string, error) {
	v, ok, err := probe.QueryScalar(ctx, t.prober, ep, probe.Query("", executedQuery))
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errors.Errorf("%s returned no row on %s", executedQuery, ep.Addr())
	}
	s, _ := probe.AsString(v)
	return s, nil
}

// Executed returns the parsed executed GTID set of ep.
func (t *Tracker) Executed(ctx context.Context, ep endpoint.Endpoint) (mysql.GTIDSet, error) {
	s, err := t.ExecutedString(ctx, ep)
	if err != nil {
		return nil, err
	}
	set, err := mysql.ParseMysqlGTIDSet(s)
	if err != nil {
		return nil, errors.Annotatef(err, "parse gtid_executed of %s", ep.Addr())
	}
	return set, nil
}

// Capture reads the watermark of the node that just committed a write.
func (t *Tracker) Capture(ctx context.Context, ep endpoint.Endpoint, source endpoint.NodeRef) (Watermark, error) {
	s, err := t.ExecutedString(ctx, ep)
	if err != nil {
		return Watermark{}, err
	}
	if s == "" {
		return Watermark{}, errors.Errorf("gtid_executed is empty on %s, is gtid_mode ON?", ep.Addr())
	}
	w := Watermark{
		Set:        s,
		Source:     source,
		CapturedAt: time.Now(),
	}
	if _, err := w.Parsed(); err != nil {
		return Watermark{}, errors.Annotatef(err, "parse gtid_executed of %s", ep.Addr())
	}
	t.logger.Info("captured watermark", "source", source.String(), "gtid_set", s)
	return w, nil
}

// Applied asks ep whether it executed w, letting the server wait up to wait.
// Only a 0 result counts as applied.
func (t *Tracker) Applied(ctx context.Context, ep endpoint.Endpoint, w Watermark, wait time.Duration) (Status, error) {
	secs := int64(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}

	v, ok, err := probe.QueryScalar(ctx, t.prober, ep, probe.Query("", waitQuery, w.Set, secs))
	if err != nil {
		if isMalformedSet(err) {
			return NotYet, errors.Annotatef(ErrMalformedWatermark, "%s rejected by %s: %v", w.Set, ep.Addr(), err)
		}
		return NotYet, err
	}
	if !ok || v == nil {
		return NotYet, ErrMalformedWatermark
	}

	n, ok := probe.AsInt(v)
	if !ok {
		return NotYet, errors.Errorf("unexpected WAIT_FOR_EXECUTED_GTID_SET result %v on %s", v, ep.Addr())
	}
	switch n {
	case 0:
		return Applied, nil
	case 1:
		return NotYet, nil
	default:
		return NotYet, errors.Errorf("unexpected WAIT_FOR_EXECUTED_GTID_SET result %d on %s", n, ep.Addr())
	}
}

// errMalformedGTIDSet is ER_MALFORMED_GTID_SET_SPECIFICATION.
const errMalformedGTIDSet = 1772

func isMalformedSet(err error) bool {
	cause := errors.Cause(err)
	if pe, ok := cause.(*probe.Error); ok {
		cause = errors.Cause(pe.Err)
	}
	me, ok := cause.(*mysql.MyError)
	return ok && me.Code == errMalformedGTIDSet
}

func (t *Tracker) step(ctx context.Context) time.Duration {
	step := t.cfg.WaitStep
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < step {
			step = remaining
		}
	}
	return step
}

// WaitFor polls ep until it applied w or timeout elapses. Unreachable,
// timed out and failed probes are retried. Authentication failures, a
// malformed watermark and an executed set that shrank between two polls
// stop the wait at once.
func (t *Tracker) WaitFor(ctx context.Context, ep endpoint.Endpoint, w Watermark, timeout time.Duration) error {
	if w.IsZero() {
		return errors.New("wait for empty watermark")
	}

	var prev mysql.GTIDSet
	return poll.Until(ctx, "wait for watermark on "+ep.Addr(), t.cfg.PollInterval, timeout, func(ctx context.Context) error {
		st, err := t.Applied(ctx, ep, w, t.step(ctx))
		if err != nil {
			if errors.Cause(err) == ErrMalformedWatermark {
				return poll.Permanent(err)
			}
			if k, ok := probe.KindOf(err); ok && !k.Retryable() {
				return poll.Permanent(err)
			}
			return err
		}
		if st == Applied {
			return nil
		}

		executed, err := t.Executed(ctx, ep)
		if err != nil {
			return poll.Pending("%s not applied on %s", w.Set, ep.Addr())
		}
		if prev != nil && !Monotonic(prev, executed) {
			return poll.Permanent(errors.Annotatef(ErrExecutedShrank, "%s: %s then %s", ep.Addr(), prev, executed))
		}
		prev = executed
		return poll.Pending("%s not applied on %s (executed %s)", w.Set, ep.Addr(), executed)
	})
}

// WaitAll waits for w on every target. The returned map has one entry per
// target, keyed by node; a nil error means the node applied w. A slow or
// dead node never delays or fails the result of another one.
func (t *Tracker) WaitAll(ctx context.Context, targets []endpoint.Target, w Watermark, timeout time.Duration) map[string]error {
	results := make([]error, len(targets))

	var g errgroup.Group
	g.SetLimit(t.cfg.Concurrency)
	for i, target := range targets {
		g.Go(func() error {
			results[i] = t.WaitFor(ctx, target.Endpoint, w, timeout)
			if results[i] != nil {
				t.logger.Warn("watermark not applied", "node", target.String(), "err", results[i])
			} else {
				t.logger.Info("watermark applied", "node", target.String())
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]error, len(targets))
	for i, target := range targets {
		out[target.String()] = results[i]
	}
	return out
}
