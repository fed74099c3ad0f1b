// Package commands implements the vmspace subcommands.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/fatih/color"

	"github.com/Sumatoshi-tech/vmspace/pkg/config"
	"github.com/Sumatoshi-tech/vmspace/pkg/observability"
	"github.com/Sumatoshi-tech/vmspace/pkg/version"
)

const (
	debugLevel        = "debug"
	readHeaderTimeout = 5 * time.Second
	serverStopTimeout = 5 * time.Second
)

// GlobalFlags are the persistent flags of the root command.
type GlobalFlags struct {
	ConfigPath string
	Verbose    bool
	LogJSON    bool
	NoColor    bool
}

// session is the configuration and telemetry shared by one command run.
type session struct {
	cfg       *config.Config
	providers observability.Providers
	metrics   *observability.SpaceMetrics
	scrape    http.Handler
}

// openSession loads the configuration and starts observability. With scrape
// set, metrics are also collected for a Prometheus /metrics handler.
func openSession(ctx context.Context, flags *GlobalFlags, mode observability.AppMode, scrape bool) (*session, error) {
	if flags.NoColor {
		color.NoColor = true //nolint:reassign // intentional override of library global
	}

	cfg, err := config.LoadConfig(flags.ConfigPath)
	if err != nil {
		return nil, err
	}

	if flags.Verbose {
		cfg.Logging.Level = debugLevel
	}

	if flags.LogJSON {
		cfg.Logging.JSON = true
	}

	obsCfg, err := cfg.Observability(mode, version.Version)
	if err != nil {
		return nil, fmt.Errorf("observability config: %w", err)
	}

	sess := &session{cfg: cfg}

	if scrape {
		reader, handler, readerErr := observability.PrometheusReader()
		if readerErr != nil {
			return nil, readerErr
		}

		obsCfg.MetricReader = reader
		sess.scrape = handler
	}

	sess.providers, err = observability.Init(ctx, obsCfg)
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}

	sess.metrics, err = observability.NewSpaceMetrics(sess.providers.Meter)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("create metrics: %w", err), sess.providers.Shutdown(ctx))
	}

	return sess, nil
}

func (sess *session) logger() *slog.Logger {
	return sess.providers.Logger
}

func (sess *session) close(ctx context.Context) {
	err := sess.providers.Shutdown(context.WithoutCancel(ctx))
	if err != nil {
		sess.logger().WarnContext(ctx, "observability shutdown failed", "error", err)
	}
}

// serveMetrics serves /metrics, /healthz and /readyz on addr until ctx is done.
func (sess *session) serveMetrics(ctx context.Context, addr string) error {
	listener, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	server := &http.Server{
		Handler:           observability.NewMetricsMux(sess.providers.Tracer, sess.scrape),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	sess.logger().InfoContext(ctx, "serving metrics", "addr", listener.Addr().String())

	serveErr := make(chan error, 1)

	go func() {
		serveErr <- server.Serve(listener)
	}()

	select {
	case err = <-serveErr:
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), serverStopTimeout)
		defer cancel()

		err = server.Shutdown(stopCtx)
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}

	return nil
}
