package main

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-components/pkg/config"
	"github.com/ajitpratap0/nebula-components/pkg/logger"
	"github.com/ajitpratap0/nebula-components/pkg/observability"
)

// app holds what the persistent pre-run resolves for the subcommands.
type app struct {
	v        *viper.Viper
	cfg      *config.File
	logger   *zap.Logger
	shutdown observability.ShutdownFunc
}

func newApp() *app {
	return &app{v: viper.New()}
}

func newRootCommand() *cobra.Command {
	return newApp().rootCommand()
}

func (a *app) rootCommand() *cobra.Command {

	root := &cobra.Command{
		Use:   "nebula-components",
		Short: "Aggregation repository and change feed tooling",
		Long: `nebula-components operates the SQL aggregation repository (schema, inspection,
recovery) and follows long-poll change feeds.

Configuration comes from the YAML file given with --config, overridden by
NEBULA_* environment variables (e.g. NEBULA_AGGREGATION_DSN) and flags.`,
		SilenceUsage:       true,
		PersistentPreRunE:  a.setup,
		PersistentPostRunE: a.teardown,
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "Path to YAML configuration file")
	pf.String("log-level", "", "Log level (debug, info, warn, error)")
	pf.Bool("trace", false, "Write OpenTelemetry spans to stderr")
	_ = a.v.BindPFlag("config", pf.Lookup("config"))
	_ = a.v.BindPFlag("logging.level", pf.Lookup("log-level"))
	_ = a.v.BindPFlag("trace", pf.Lookup("trace"))

	a.v.SetEnvPrefix("NEBULA")
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	a.v.AutomaticEnv()

	root.AddCommand(
		newVersionCommand(),
		newSchemaCommand(),
		newRepoCommand(a),
		newEventsCommand(a),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "nebula-components v%s\n", version)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

// envOverrides are the keys that may be set through NEBULA_* variables
// without a config file.
var envOverrides = []string{
	"aggregation.driver",
	"aggregation.dsn",
	"aggregation.table",
	"aggregation.instance_id",
	"events.base_url",
	"events.initial_position",
	"events.credentials.access_token",
	"events.credentials.client_id",
	"events.credentials.client_secret",
	"events.credentials.subject_type",
	"events.credentials.subject_id",
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadFile(a.v.GetString("config"))
	if err != nil {
		return err
	}
	for _, key := range envOverrides {
		if v := a.v.GetString(key); v != "" {
			a.apply(cfg, key, v)
		}
	}
	if lvl := a.v.GetString("logging.level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if len(cfg.Logging.OutputPaths) == 0 {
		// stdout carries command output
		cfg.Logging.OutputPaths = []string{"stderr"}
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger.Get()

	if a.v.GetBool("trace") {
		tc := observability.DefaultTracingConfig()
		tc.ServiceVersion = version
		a.shutdown, err = observability.InitTracing(cmd.Context(), tc, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *app) apply(cfg *config.File, key, v string) {
	switch key {
	case "aggregation.driver":
		cfg.Aggregation.Driver = v
	case "aggregation.dsn":
		cfg.Aggregation.DSN = v
	case "aggregation.table":
		cfg.Aggregation.Table = v
	case "aggregation.instance_id":
		cfg.Aggregation.InstanceID = v
	case "events.base_url":
		cfg.Events.BaseURL = v
	case "events.initial_position":
		cfg.Events.InitialPosition = v
	case "events.credentials.access_token":
		cfg.Events.Credentials.AccessToken = v
	case "events.credentials.client_id":
		cfg.Events.Credentials.ClientID = v
	case "events.credentials.client_secret":
		cfg.Events.Credentials.ClientSecret = v
	case "events.credentials.subject_type":
		cfg.Events.Credentials.SubjectType = v
	case "events.credentials.subject_id":
		cfg.Events.Credentials.SubjectID = v
	}
}

func (a *app) teardown(cmd *cobra.Command, _ []string) error {
	if a.shutdown != nil {
		if err := a.shutdown(context.WithoutCancel(cmd.Context())); err != nil {
			a.logger.Warn("failed to flush traces", zap.Error(err))
		}
	}
	_ = logger.Sync()
	return nil
}
