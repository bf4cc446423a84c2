package main

import (
	"context"
	"fmt"

	trmsql "github.com/avito-tech/go-transaction-manager/drivers/sql/v2"
	"github.com/avito-tech/go-transaction-manager/trm/v2/manager"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/giraone/jobpipe"
	"github.com/giraone/jobpipe/internal/api"
	"github.com/giraone/jobpipe/storage/sqlstore"
)

func newScheduleCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Run the schedule, resume, agent and notify stages",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return a.runSchedule(ctx)
		},
	}
}

func (a *app) runSchedule(ctx context.Context) error {
	cfg := a.cfg
	metrics, metricsHandler := a.newMetrics()

	publisher, err := a.newPublisher()
	if err != nil {
		return err
	}
	defer publisher.Close()

	admin := jobpipe.NewHTTPAdminClient(cfg.Admin.BaseURL, a.logger,
		jobpipe.WithProcessListPath(cfg.Admin.ProcessListPath),
		jobpipe.WithAdminTimeout(cfg.Admin.Timeout.Duration()),
		jobpipe.WithAdminRetry(cfg.Admin.Retry.Attempts, cfg.Admin.Retry.FixedDelay.Duration()),
	)

	opts := []jobpipe.CarrierOption{
		jobpipe.WithLogger(a.logger),
		jobpipe.WithMetrics(metrics),
		jobpipe.WithPublisher(publisher),
		jobpipe.WithSourceFactory(a.newSourceFactory()),
		jobpipe.WithGroupPrefix(cfg.Kafka.GroupPrefix),
		jobpipe.WithFailureRate(cfg.Agent.FailureRate),
		jobpipe.WithStopperOptions(
			jobpipe.WithMaxSubsequentErrors(cfg.Stopper.MaxSubsequentErrors),
			jobpipe.WithMaxErrorsPerPeriod(cfg.Stopper.MaxErrorsPerPeriod),
			jobpipe.WithErrorPeriod(cfg.Stopper.Period.Duration()),
			jobpipe.WithStopperDisabled(cfg.Stopper.Disabled),
		),
		jobpipe.WithBindingOptions(jobpipe.WithRetryDelay(cfg.Resume.RetryDelay.Duration())),
		jobpipe.WithDeciderOptions(
			jobpipe.WithPollInterval(cfg.Decider.Interval.Duration()),
			jobpipe.WithPollInitialDelay(cfg.Decider.InitialDelay.Duration()),
		),
		jobpipe.WithSwitchOptions(jobpipe.WithSettleDelay(cfg.Switch.SettleDelay.Duration())),
	}
	if cfg.Agent.Seed != 0 {
		opts = append(opts, jobpipe.WithRandomSeed(cfg.Agent.Seed))
	}

	carrier, err := jobpipe.NewCarrier(ctx, cfg.Topology(), admin, opts...)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	defer func() {
		if err := carrier.Close(); err != nil {
			a.logger.Error("Failed to close pipeline", zap.Error(err))
		}
	}()

	if err := carrier.Start(ctx); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	routerOpts := []api.Option{
		api.WithStoppers(carrier),
		api.WithBindingControl(carrier.Switch()),
	}
	if metricsHandler != nil {
		routerOpts = append(routerOpts, api.WithMetricsHandler(metricsHandler))
	}
	router := api.NewRouter(a.logger, routerOpts...)

	dispatcher := jobpipe.NewDispatcher(a.logger, carrier.Decider().Worker())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		dispatcher.Start(gctx)
		return nil
	})
	g.Go(func() error {
		return serveHTTP(gctx, cfg.HTTP.Addr, router, a.logger)
	})
	return g.Wait()
}

func newMaterializeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "materialize",
		Short: "Materialize job events into the job_record table",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return a.runMaterialize(ctx)
		},
	}
}

func (a *app) runMaterialize(ctx context.Context) error {
	cfg := a.cfg
	metrics, metricsHandler := a.newMetrics()

	db, err := sqlstore.Open(cfg.Database.Dialect, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	store := sqlstore.NewSQLStore(db, cfg.Database.Dialect, a.logger)
	if err := store.EnsureTables(ctx); err != nil {
		return err
	}

	trManager, err := manager.New(trmsql.NewDefaultFactory(db))
	if err != nil {
		return fmt.Errorf("failed to create transaction manager: %w", err)
	}

	records := jobpipe.NewStateRecordService(store, trManager, a.logger, metrics)
	consumer := jobpipe.NewConsumerService(records, a.logger, metrics)
	bindings, err := consumer.Bindings(cfg.Topology(), a.newSourceFactory(), cfg.Kafka.GroupPrefix)
	if err != nil {
		return fmt.Errorf("failed to create materializer bindings: %w", err)
	}

	routerOpts := []api.Option{
		api.WithStateRecords(records),
		api.WithHealthCheck(db.PingContext),
	}
	if metricsHandler != nil {
		routerOpts = append(routerOpts, api.WithMetricsHandler(metricsHandler))
	}
	router := api.NewRouter(a.logger, routerOpts...)

	dispatcher := jobpipe.NewDispatcher(a.logger, jobpipe.NewBindingGroup("materializer", a.logger, bindings...))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		dispatcher.Start(gctx)
		return nil
	})
	g.Go(func() error {
		return serveHTTP(gctx, cfg.HTTP.Addr, router, a.logger)
	})
	return g.Wait()
}

func newSubmitCommand(a *app) *cobra.Command {
	var (
		processKey string
		payload    string
		count      int
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Publish accepted jobs onto the accepted channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return fmt.Errorf("count must be positive, got %d", count)
			}
			publisher, err := a.newPublisher()
			if err != nil {
				return err
			}
			defer publisher.Close()

			submitter := jobpipe.NewSubmitter(publisher, a.cfg.Topics.Accepted, a.logger, nil)
			for i := 0; i < count; i++ {
				accepted, err := submitter.Submit(cmd.Context(), processKey, payload)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), accepted.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&processKey, "process", "p", "", "process key of the jobs")
	cmd.Flags().StringVar(&payload, "payload", "", "job payload")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of jobs to submit")
	_ = cmd.MarkFlagRequired("process")
	return cmd
}
