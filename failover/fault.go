package failover

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pingcap/errors"

	"github.com/go-mysql-org/go-mysql-failover/endpoint"
)

// Signal describes the primary that has to be stopped.
type Signal struct {
	RunID    string
	Primary  endpoint.NodeRef
	Endpoint endpoint.Endpoint
}

// FaultInjector hands the primary over to whatever stops it. Inject must
// return once the signal is delivered; the runner then watches for the
// leader change on its own.
type FaultInjector interface {
	Inject(ctx context.Context, s Signal) error
}

// FaultFunc adapts a function to FaultInjector.
type FaultFunc func(ctx context.Context, s Signal) error

func (f FaultFunc) Inject(ctx context.Context, s Signal) error {
	return f(ctx, s)
}

// OperatorPrompt prints instructions for a human.
type OperatorPrompt struct {
	Out io.Writer
}

func (p OperatorPrompt) Inject(_ context.Context, s Signal) error {
	out := p.Out
	if out == nil {
		out = os.Stderr
	}
	_, err := fmt.Fprintf(out, `
=== run %s: stop the primary now ===
primary: %s (reachable at %s)
Stop the mysqld process on it (for example "docker stop %s" or
"systemctl stop mysqld"). Do not restart it until the run is over.
Waiting for the orchestration service to promote a new primary...

`, s.RunID, s.Primary, s.Endpoint.Addr(), s.Primary.Name)
	return errors.Trace(err)
}

// CommandHook runs a shell command to stop the primary. The command sees
// FAILOVER_RUN_ID, FAILOVER_PRIMARY_NAME, FAILOVER_PRIMARY_HOST,
// FAILOVER_PRIMARY_PORT and FAILOVER_PRIMARY_ADDR.
type CommandHook struct {
	Command string
	Logger  *slog.Logger
}

func (h CommandHook) Inject(ctx context.Context, s Signal) error {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", h.Command)
	cmd.Env = append(os.Environ(),
		"FAILOVER_RUN_ID="+s.RunID,
		"FAILOVER_PRIMARY_NAME="+s.Primary.Name,
		"FAILOVER_PRIMARY_HOST="+s.Endpoint.Host,
		"FAILOVER_PRIMARY_PORT="+strconv.Itoa(s.Endpoint.Port),
		"FAILOVER_PRIMARY_ADDR="+s.Endpoint.Addr(),
	)

	logger.Info("running fault hook", "command", h.Command, "primary", s.Primary.String())
	out, err := cmd.CombinedOutput()
	if len(out) > 0 {
		logger.Info("fault hook output", "output", strings.TrimSpace(string(out)))
	}
	if err != nil {
		return errors.Annotatef(err, "fault hook %q", h.Command)
	}
	return nil
}
