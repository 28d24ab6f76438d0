package test_util

import (
	"flag"
	"strings"
	"testing"
)

// Flags for the live-cluster suites. They are skipped unless -cluster is set.
var (
	Cluster = flag.Bool("cluster", false, "run tests against a live replicated cluster")

	MysqlUser     = flag.String("user", "root", "MySQL user of the live cluster")
	MysqlPassword = flag.String("password", "", "MySQL password of the live cluster")

	OrchestratorURL = flag.String("orchestrator", "http://127.0.0.1:3000/api", "orchestrator API base URL")
	Seeds           = flag.String("seeds", "mysql-1:3306,mysql-2:3306,mysql-3:3306", "comma separated node refs")
	ProxyAdmin      = flag.String("proxy-admin", "", "ProxySQL admin address, e.g. 127.0.0.1:6032")
	FaultHook       = flag.String("fault-hook", "", "command that kills the primary, e.g. docker stop")
)

// SeedList splits -seeds.
func SeedList() []string {
	var out []string
	for _, s := range strings.Split(*Seeds, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// RequireCluster skips t unless a live cluster was requested.
func RequireCluster(t testing.TB) {
	t.Helper()
	if !*Cluster {
		t.Skip("live cluster tests need -cluster")
	}
}
