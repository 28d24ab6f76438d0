package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/pingcap/errors"
	"github.com/spf13/viper"

	"github.com/go-mysql-org/go-mysql-failover/endpoint"
	"github.com/go-mysql-org/go-mysql-failover/failover"
	"github.com/go-mysql-org/go-mysql-failover/metrics"
)

var errVerificationFailed = errors.New("failover verification failed")

func newLogger(level string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, errors.Annotatef(err, "log level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})), nil
}

// loadConfig reads the config file, if any, and applies flag and
// environment overrides on top.
func loadConfig() (*failover.Config, error) {
	if f := viper.GetString("env-file"); f != "" {
		if err := godotenv.Load(f); err != nil {
			return nil, errors.Annotatef(err, "load env file %s", f)
		}
	}

	var (
		cfg *failover.Config
		err error
	)
	if f := viper.GetString("config"); f != "" {
		cfg, err = failover.NewConfigWithFile(f)
	} else {
		cfg = failover.NewDefaultConfig()
	}
	if err != nil {
		return nil, errors.Trace(err)
	}

	if s := viper.GetString("orchestrator"); s != "" {
		cfg.Orchestrator.URL = s
	}
	if seeds := viper.GetStringSlice("seeds"); len(seeds) > 0 {
		cfg.Seeds = cfg.Seeds[:0]
		for _, s := range seeds {
			ref, err := endpoint.ParseNodeRef(s)
			if err != nil {
				return nil, errors.Trace(err)
			}
			cfg.Seeds = append(cfg.Seeds, ref)
		}
	}
	if s := viper.GetString("user"); s != "" {
		cfg.User = s
	}
	if s := viper.GetString("password"); s != "" {
		cfg.Password = s
	}
	if viper.GetBool("passthrough") {
		cfg.Passthrough = true
	}
	if s := viper.GetString("proxysql-admin"); s != "" {
		cfg.ProxySQL.Addr = s
	}
	if s := viper.GetString("fault-hook"); s != "" {
		cfg.FaultHook = s
	}
	if viper.GetBool("reset-read-only") {
		cfg.ResetReadOnly = true
	}
	if viper.GetBool("keep-schema") {
		cfg.KeepSchema = true
	}

	cfg.Orchestrator.Password = os.ExpandEnv(cfg.Orchestrator.Password)
	cfg.ProxySQL.Password = os.ExpandEnv(cfg.ProxySQL.Password)

	return cfg, nil
}

func runVerify(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := newLogger(viper.GetString("log-level"))
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Logger = logger

	format := viper.GetString("output")
	if format != "json" && format != "yaml" {
		return errors.Errorf("unknown output format %q", format)
	}
	runs := viper.GetInt("runs")
	if runs < 1 {
		return errors.Errorf("runs must be at least 1, got %d", runs)
	}

	m := metrics.New()
	r, err := failover.NewRunner(cfg, failover.WithObserver(m))
	if err != nil {
		return err
	}
	defer r.Close()

	failed := false
	for i := 1; i <= runs && !failed; i++ {
		logger.Info("starting run", "run", i, "of", runs)
		rep, err := r.Run(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		if err := rep.Render(os.Stdout, format); err != nil {
			return err
		}
		if rep.Failed() {
			failed = true
			fmt.Fprintf(os.Stderr, "run %d failed in %s: %s\n", i, rep.Phase, rep.Reason)
		}
	}

	if path := viper.GetString("metrics-file"); path != "" {
		if err := m.WriteTextfile(path); err != nil {
			logger.Warn("writing metrics textfile failed", "path", path, "err", err)
		}
	}

	if failed {
		return errVerificationFailed
	}
	return nil
}
