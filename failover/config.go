package failover

import (
	"log/slog"
	"os"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"

	"github.com/go-mysql-org/go-mysql-failover/endpoint"
	"github.com/go-mysql-org/go-mysql-failover/orchestrator"
	"github.com/go-mysql-org/go-mysql-failover/probe"
	"github.com/go-mysql-org/go-mysql-failover/proxysql"
)

var identifierRe = regexp.MustCompile(`^[A-Za-z0-9_]{1,64}$`)

type TimeoutConfig struct {
	// Ready bounds the health and readiness waits of the baseline.
	Ready time.Duration `toml:"ready"`
	// Replication bounds the pre-failover watermark wait.
	Replication time.Duration `toml:"replication"`
	// Failover bounds the wait for a new primary.
	Failover time.Duration `toml:"failover"`
	// PostFailover bounds the post-failover watermark wait.
	PostFailover time.Duration `toml:"post_failover"`
	// Interval is the pause between two leader sweeps.
	Interval time.Duration `toml:"interval"`
	// ReadBack is how long a node may take to return a row it applied.
	ReadBack time.Duration `toml:"read_back"`
	// Cleanup bounds the schema drop on each node.
	Cleanup time.Duration `toml:"cleanup"`
}

type Config struct {
	// Seeds are the nodes asked about the primary.
	Seeds []endpoint.NodeRef `toml:"seeds"`
	// Nodes maps logical names to reachable addresses and credentials.
	Nodes []endpoint.Mapping `toml:"nodes"`

	// Default credentials, used by mappings without their own and by
	// passthrough resolution.
	User     string `toml:"user"`
	Password string `toml:"password"`
	// Passthrough lets unmapped nodes be reached at their reported address.
	Passthrough bool `toml:"passthrough"`

	Orchestrator orchestrator.Config `toml:"orchestrator"`
	ProxySQL     proxysql.Config     `toml:"proxysql"`
	Probe        probe.Timeouts      `toml:"probe"`
	Timeouts     TimeoutConfig       `toml:"timeouts"`

	// Scratch schema written by the run and dropped afterwards.
	Database string `toml:"database"`
	Table    string `toml:"table"`

	// Concurrency bounds fan-out to replicas. 1 probes them in order.
	Concurrency int `toml:"concurrency"`

	// FaultHook is run through sh -c to stop the primary. Empty means an
	// operator does it.
	FaultHook string `toml:"fault_hook"`

	// ResetReadOnly turns read_only off on the primary and on for replicas
	// before the run.
	ResetReadOnly bool `toml:"reset_read_only"`
	// KeepSchema skips cleanup, for post-mortem.
	KeepSchema bool `toml:"keep_schema"`

	Logger *slog.Logger `toml:"-"`
}

func NewConfigWithFile(name string) (*Config, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return NewConfig(string(data))
}

// NewConfig decodes a TOML document on top of the defaults.
func NewConfig(data string) (*Config, error) {
	c := NewDefaultConfig()

	_, err := toml.Decode(data, c)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return c, nil
}

func NewDefaultConfig() *Config {
	c := new(Config)

	c.User = "root"
	c.Database = "failover_verify"
	c.Table = "probe"
	c.Concurrency = 4
	c.Probe = probe.DefaultTimeouts()

	c.Timeouts = TimeoutConfig{
		Ready:        60 * time.Second,
		Replication:  180 * time.Second,
		Failover:     180 * time.Second,
		PostFailover: 300 * time.Second,
		Interval:     2 * time.Second,
		ReadBack:     2 * time.Second,
		Cleanup:      10 * time.Second,
	}

	c.Logger = slog.Default()

	return c
}

// Validate checks the config before a Runner is built from it.
func (c *Config) Validate() error {
	if len(c.Seeds) == 0 {
		return errors.New("no seed nodes configured")
	}
	if c.Orchestrator.URL == "" {
		return errors.New("orchestrator url is not configured")
	}
	if !identifierRe.MatchString(c.Database) {
		return errors.Errorf("invalid scratch database name %q", c.Database)
	}
	if !identifierRe.MatchString(c.Table) {
		return errors.Errorf("invalid scratch table name %q", c.Table)
	}

	t := c.Timeouts
	for name, d := range map[string]time.Duration{
		"ready":         t.Ready,
		"replication":   t.Replication,
		"failover":      t.Failover,
		"post_failover": t.PostFailover,
		"interval":      t.Interval,
		"read_back":     t.ReadBack,
		"cleanup":       t.Cleanup,
	} {
		if d <= 0 {
			return errors.Errorf("timeouts.%s must be positive, got %s", name, d)
		}
	}
	if c.Concurrency <= 0 {
		return errors.Errorf("concurrency must be positive, got %d", c.Concurrency)
	}
	return nil
}
