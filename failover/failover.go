package failover

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pingcap/errors"

	"github.com/go-mysql-org/go-mysql-failover/endpoint"
	"github.com/go-mysql-org/go-mysql-failover/gtid"
	"github.com/go-mysql-org/go-mysql-failover/leader"
	"github.com/go-mysql-org/go-mysql-failover/orchestrator"
	"github.com/go-mysql-org/go-mysql-failover/probe"
	"github.com/go-mysql-org/go-mysql-failover/proxysql"
	"github.com/go-mysql-org/go-mysql-failover/verify"
)

// ErrRunning is returned by Run while another Run of the same Runner is
// in progress.
var ErrRunning = errors.New("a run is already in progress on this runner")

// Orchestrator is the part of the orchestration client a run needs.
type Orchestrator interface {
	leader.PrimaryFinder
	Discover(ctx context.Context, ref endpoint.NodeRef) error
	WaitHealthy(ctx context.Context, interval, timeout time.Duration) error
}

// ProxyAdmin resets the proxy routing to the current primary.
type ProxyAdmin interface {
	ReplaceGroups(ctx context.Context, writer proxysql.Backend, readers []proxysql.Backend) error
	Close() error
}

// Observer is told how long phases and runs took.
type Observer interface {
	ObservePhase(phase string, d time.Duration)
	ObserveRun(outcome, reason string)
}

type nopObserver struct{}

func (nopObserver) ObservePhase(string, time.Duration) {}
func (nopObserver) ObserveRun(string, string)          {}

type Option func(r *Runner)

func WithProber(p probe.Prober) Option {
	return func(r *Runner) {
		r.prober = p
	}
}

func WithOrchestrator(o Orchestrator) Option {
	return func(r *Runner) {
		r.orch = o
	}
}

func WithFaultInjector(f FaultInjector) Option {
	return func(r *Runner) {
		r.fault = f
	}
}

func WithProxyAdmin(p ProxyAdmin) Option {
	return func(r *Runner) {
		r.proxy = p
	}
}

// WithObserver sets the phase observer. If o also implements
// probe.Observer it sees every probe of the default prober.
func WithObserver(o Observer) Option {
	return func(r *Runner) {
		r.observer = o
	}
}

// Runner verifies failovers of one cluster. It can be reused for several
// runs, one at a time.
type Runner struct {
	cfg    *Config
	logger *slog.Logger

	dir      *endpoint.Directory
	prober   probe.Prober
	orch     Orchestrator
	resolver *leader.Resolver
	tracker  *gtid.Tracker
	verifier *verify.Verifier
	proxy    ProxyAdmin
	fault    FaultInjector
	observer Observer
	scratch  scratch

	running atomic.Bool
}

// waitStep keeps one WAIT_FOR_EXECUTED_GTID_SET call inside the read timeout.
func waitStep(read time.Duration) time.Duration {
	step := read - 2*time.Second
	if step > 5*time.Second {
		step = 5 * time.Second
	}
	if step < time.Second {
		step = time.Second
	}
	return step
}

func NewRunner(cfg *Config, opts ...Option) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dir, err := endpoint.NewDirectory(cfg.Nodes, endpoint.Credentials{User: cfg.User, Password: cfg.Password}, cfg.Passthrough)
	if err != nil {
		return nil, errors.Trace(err)
	}

	r := &Runner{
		cfg:      cfg,
		logger:   logger,
		dir:      dir,
		observer: nopObserver{},
		scratch:  scratch{db: cfg.Database, table: cfg.Table},
	}
	for _, o := range opts {
		o(r)
	}

	if r.prober == nil {
		popts := []probe.ClientOption{probe.WithLogger(logger)}
		if po, ok := r.observer.(probe.Observer); ok {
			popts = append(popts, probe.WithObserver(po))
		}
		r.prober = probe.NewClient(cfg.Probe, popts...)
	}
	if r.orch == nil {
		oc, err := orchestrator.NewClient(cfg.Orchestrator, logger)
		if err != nil {
			return nil, errors.Trace(err)
		}
		r.orch = oc
	}
	if r.fault == nil {
		if cfg.FaultHook != "" {
			r.fault = CommandHook{Command: cfg.FaultHook, Logger: logger}
		} else {
			r.fault = OperatorPrompt{}
		}
	}
	if r.proxy == nil && cfg.ProxySQL.Enabled() {
		a, err := proxysql.Open(cfg.ProxySQL, logger)
		if err != nil {
			return nil, errors.Trace(err)
		}
		r.proxy = a
	}

	pollInterval := time.Second
	if cfg.Timeouts.Interval < pollInterval {
		pollInterval = cfg.Timeouts.Interval
	}
	probeTimeouts := cfg.Probe
	if probeTimeouts.Read <= 0 {
		probeTimeouts = probe.DefaultTimeouts()
	}

	r.resolver = leader.NewResolver(r.orch, cfg.Timeouts.Interval, logger)
	r.tracker = gtid.NewTracker(r.prober, gtid.Config{
		PollInterval: pollInterval,
		WaitStep:     waitStep(probeTimeouts.Read),
		Concurrency:  cfg.Concurrency,
	}, logger)
	r.verifier = verify.New(r.prober, verify.Config{
		Concurrency: cfg.Concurrency,
		Window:      cfg.Timeouts.ReadBack,
		Interval:    pollInterval / 5,
	}, logger)

	return r, nil
}

func (r *Runner) Close() error {
	if r.proxy != nil {
		return r.proxy.Close()
	}
	return nil
}

// Run executes one verification. The report is complete whatever the
// outcome; the error is only set when the run could not start.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, ErrRunning
	}
	defer r.running.Store(false)

	rn := newRun(r)
	rn.execute(ctx)
	return rn.report, nil
}
