package main

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-components/pkg/aggregation"
	"github.com/ajitpratap0/nebula-components/pkg/connector/components"
	"github.com/ajitpratap0/nebula-components/pkg/connector/components/events"
	"github.com/ajitpratap0/nebula-components/pkg/connector/core"
	"github.com/ajitpratap0/nebula-components/pkg/connector/registry"
	"github.com/ajitpratap0/nebula-components/pkg/connector/shared/payload"
	"github.com/ajitpratap0/nebula-components/pkg/logger"
)

type repoFunc func(ctx context.Context, cmd *cobra.Command, repo *aggregation.SQLRepository, args []string) error

func newRepoCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repo",
		Short: "Inspect and repair the configured aggregation repository",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "create-schema",
			Short: "Create the repository tables if they do not exist",
			Args:  cobra.NoArgs,
			RunE: a.withRepo(func(ctx context.Context, cmd *cobra.Command, repo *aggregation.SQLRepository, _ []string) error {
				if err := repo.CreateSchema(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "schema for %s ready\n", repo.Name())
				return nil
			}),
		},
		&cobra.Command{
			Use:   "keys",
			Short: "List the correlation keys of in-flight aggregates",
			Args:  cobra.NoArgs,
			RunE: a.withRepo(func(ctx context.Context, cmd *cobra.Command, repo *aggregation.SQLRepository, _ []string) error {
				keys, err := repo.Keys(ctx)
				if err != nil {
					return err
				}
				printLines(cmd, keys)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "scan",
			Short: "List completed exchanges awaiting confirmation",
			Args:  cobra.NoArgs,
			RunE: a.withRepo(func(ctx context.Context, cmd *cobra.Command, repo *aggregation.SQLRepository, _ []string) error {
				ids, err := repo.Scan(ctx)
				if err != nil {
					return err
				}
				printLines(cmd, ids)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "recover <exchange-id>",
			Short: "Print a completed exchange as JSON",
			Args:  cobra.ExactArgs(1),
			RunE: a.withRepo(func(ctx context.Context, cmd *cobra.Command, repo *aggregation.SQLRepository, args []string) error {
				ex, err := repo.Recover(ctx, args[0])
				if err != nil {
					return err
				}
				if ex == nil {
					return fmt.Errorf("exchange %s not found in %s", args[0], repo.Name())
				}
				enc, err := payload.NewEncoder(payload.FormatJSON, nil)
				if err != nil {
					return err
				}
				doc, err := enc.Encode(ex)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(doc))
				return nil
			}),
		},
		&cobra.Command{
			Use:   "confirm <exchange-id>",
			Short: "Delete a completed exchange",
			Args:  cobra.ExactArgs(1),
			RunE: a.withRepo(func(ctx context.Context, cmd *cobra.Command, repo *aggregation.SQLRepository, args []string) error {
				removed, err := repo.ConfirmWithResult(ctx, args[0])
				if err != nil {
					return err
				}
				if !removed {
					fmt.Fprintf(cmd.OutOrStdout(), "%s was not pending\n", args[0])
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s confirmed\n", args[0])
				return nil
			}),
		},
		newSweepCommand(a),
	)
	return cmd
}

func newSweepCommand(a *app) *cobra.Command {
	var (
		to    string
		watch bool
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Resubmit unconfirmed completed exchanges to an endpoint",
		Long: `Resubmit completed exchanges that were never confirmed. Exchanges past
recovery.maximum_redeliveries go to recovery.dead_letter_uri.

Example:
  nebula-components repo sweep --to kafka:orders-recovered?brokers=localhost:9092
  nebula-components repo sweep --to log:recovered --watch`,
		Args: cobra.NoArgs,
		RunE: a.withRepo(func(ctx context.Context, cmd *cobra.Command, repo *aggregation.SQLRepository, _ []string) error {
			rc := a.cfg.Aggregation.Recovery
			reg, err := a.registry()
			if err != nil {
				return err
			}

			target, err := createProducer(ctx, reg, to)
			if err != nil {
				return err
			}
			defer closeProducer(ctx, target)

			var deadLetter core.Producer
			if rc.DeadLetterURI != "" {
				if deadLetter, err = createProducer(ctx, reg, rc.DeadLetterURI); err != nil {
					return err
				}
				defer closeProducer(ctx, deadLetter)
			}

			rec, err := aggregation.NewRecoverer(repo, target, aggregation.RecovererConfig{
				Interval:            rc.Interval,
				MaximumRedeliveries: rc.MaximumRedeliveries,
				DeadLetter:          deadLetter,
				Logger:              a.logger,
			})
			if err != nil {
				return err
			}

			if !watch {
				return rec.RunOnce(ctx)
			}
			if err := rec.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			rec.Stop()
			return nil
		}),
	}
	cmd.Flags().StringVar(&to, "to", "log:recovered", "Endpoint URI receiving resubmitted exchanges")
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep sweeping every recovery.interval until interrupted")
	return cmd
}

func (a *app) withRepo(fn repoFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := context.WithValue(cmd.Context(), logger.ComponentKey, "repo")
		repo, closeDB, err := a.openRepository(ctx)
		if err != nil {
			return err
		}
		defer closeDB()
		return fn(ctx, cmd, repo, args)
	}
}

func (a *app) openRepository(ctx context.Context) (*aggregation.SQLRepository, func(), error) {
	cfg := &a.cfg.Aggregation
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}
	db.SetConnMaxIdleTime(cfg.Timeouts.Idle)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Connection)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("connect to %s database: %w", cfg.Driver, err)
	}

	cd, err := cfg.Codec(a.logger)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	opts, err := cfg.RepositoryOptions(cd, a.logger)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	repo, err := aggregation.Open(db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	logger.WithContext(ctx).Debug("repository opened",
		zap.String("repository", repo.Name()),
		zap.String("driver", cfg.Driver))
	return repo, func() { _ = db.Close() }, nil
}

func (a *app) registry(eventOpts ...events.Option) (*registry.Registry, error) {
	cd, err := a.cfg.Aggregation.Codec(a.logger)
	if err != nil {
		return nil, err
	}
	reg := registry.NewRegistry(a.logger)
	if err := components.RegisterAll(reg, cd, a.logger, eventOpts...); err != nil {
		return nil, err
	}
	return reg, nil
}

func createProducer(ctx context.Context, reg *registry.Registry, uri string) (core.Producer, error) {
	ep, err := reg.Resolve(ctx, uri)
	if err != nil {
		return nil, err
	}
	return ep.CreateProducer(ctx)
}

func closeProducer(ctx context.Context, p core.Producer) {
	_ = p.Close(context.WithoutCancel(ctx))
}

func printLines(cmd *cobra.Command, lines []string) {
	for _, l := range lines {
		fmt.Fprintln(cmd.OutOrStdout(), l)
	}
}
