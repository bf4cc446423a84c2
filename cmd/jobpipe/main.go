package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/giraone/jobpipe"
	"github.com/giraone/jobpipe/internal/config"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries what every command needs after the root pre-run.
type app struct {
	configFile string
	cfg        *config.Config
	logger     *zap.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "jobpipe",
		Short: "Job lifecycle pipeline on Kafka",
		Long: `jobpipe schedules accepted jobs to agents, parks jobs of paused processes per bucket,
resumes them when their process is activated again, and materializes every job status into a
queryable table.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "config file path (defaults apply when empty)")

	root.AddCommand(newScheduleCommand(a))
	root.AddCommand(newMaterializeCommand(a))
	root.AddCommand(newSubmitCommand(a))
	return root
}

func (a *app) init() error {
	cfg, err := config.Load(a.configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	a.cfg = cfg

	if cfg.Log.Development {
		a.logger, err = zap.NewDevelopment()
	} else {
		a.logger, err = zap.NewProduction()
		gin.SetMode(gin.ReleaseMode)
	}
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	if cfg.ShowConfigOnStartup {
		a.logger.Info("Configuration", zap.String("config", cfg.String()))
	}

	otel.SetTextMapPropagator(propagation.TraceContext{})
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// newMetrics builds the configured collector. The returned handler serves /metrics and is nil
// for backends that are not scraped.
func (a *app) newMetrics() (jobpipe.MetricsCollector, http.Handler) {
	switch a.cfg.Metrics.Backend {
	case config.MetricsPrometheus:
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		return jobpipe.NewPrometheusMetricsCollector(reg, a.cfg.Metrics.Namespace),
			promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	case config.MetricsOpenTelemetry:
		return jobpipe.NewOpenTelemetryMetricsCollector(), nil
	default:
		return jobpipe.NewNopMetricsCollector(), nil
	}
}

func (a *app) newPublisher() (*jobpipe.KafkaPublisher, error) {
	publisher, err := jobpipe.NewKafkaPublisher(a.logger, jobpipe.WithKafkaProducerProps(a.cfg.Kafka.ProducerProps()))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka publisher: %w", err)
	}
	return publisher, nil
}

func (a *app) newSourceFactory() jobpipe.SourceFactory {
	return jobpipe.NewKafkaSourceFactory(a.logger, a.cfg.Kafka.ConsumerProps())
}

// serveHTTP runs the server until ctx ends and then shuts it down gracefully.
func serveHTTP(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	logger.Info("HTTP server stopped")
	return nil
}
