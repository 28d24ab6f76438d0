package main

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "go-failover-verify",
	Short: "verify durability and causal reads across a MySQL primary failover",
	Long: `go-failover-verify writes a tagged row on the primary, checks that every
replica applied its GTID watermark and returns it, waits for the primary to be
stopped and a new one promoted, then checks the same on the new primary.`,
	Version:      "1.0.0",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		return runVerify(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "TOML config file")
	rootCmd.PersistentFlags().String("env-file", "", "dotenv file loaded before the config, for ${VAR} passwords")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("env-file", rootCmd.PersistentFlags().Lookup("env-file"))

	rootCmd.PersistentFlags().String("orchestrator", "", "orchestrator API base URL, e.g. http://orchestrator:3000/api")
	rootCmd.PersistentFlags().StringSlice("seeds", nil, "seed nodes as host:port or name=host:port")
	rootCmd.PersistentFlags().StringP("user", "u", "", "default MySQL user")
	rootCmd.PersistentFlags().StringP("password", "p", "", "default MySQL password")
	rootCmd.PersistentFlags().Bool("passthrough", false, "reach unmapped nodes at their reported address")
	_ = viper.BindPFlag("orchestrator", rootCmd.PersistentFlags().Lookup("orchestrator"))
	_ = viper.BindPFlag("seeds", rootCmd.PersistentFlags().Lookup("seeds"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
	_ = viper.BindPFlag("password", rootCmd.PersistentFlags().Lookup("password"))
	_ = viper.BindPFlag("passthrough", rootCmd.PersistentFlags().Lookup("passthrough"))

	rootCmd.PersistentFlags().String("proxysql-admin", "", "ProxySQL admin address to reset hostgroups on")
	rootCmd.PersistentFlags().String("fault-hook", "", "shell command that stops the primary; without it an operator is asked to")
	rootCmd.PersistentFlags().Bool("reset-read-only", false, "reset read_only on primary and replicas before the run")
	rootCmd.PersistentFlags().Bool("keep-schema", false, "do not drop the scratch schema afterwards")
	_ = viper.BindPFlag("proxysql-admin", rootCmd.PersistentFlags().Lookup("proxysql-admin"))
	_ = viper.BindPFlag("fault-hook", rootCmd.PersistentFlags().Lookup("fault-hook"))
	_ = viper.BindPFlag("reset-read-only", rootCmd.PersistentFlags().Lookup("reset-read-only"))
	_ = viper.BindPFlag("keep-schema", rootCmd.PersistentFlags().Lookup("keep-schema"))

	rootCmd.PersistentFlags().Int("runs", 1, "number of runs, stops at the first failure")
	rootCmd.PersistentFlags().StringP("output", "o", "yaml", "report format: yaml | json")
	rootCmd.PersistentFlags().String("metrics-file", "", "write prometheus metrics to this textfile")
	rootCmd.PersistentFlags().String("log-level", "info", "debug | info | warn | error")
	_ = viper.BindPFlag("runs", rootCmd.PersistentFlags().Lookup("runs"))
	_ = viper.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))
	_ = viper.BindPFlag("metrics-file", rootCmd.PersistentFlags().Lookup("metrics-file"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))

	viper.SetEnvPrefix("FAILOVER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}
