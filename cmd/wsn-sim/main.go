package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/signalsfoundry/wsn-deployment-simulator/internal/config"
	"github.com/signalsfoundry/wsn-deployment-simulator/internal/logging"
	"github.com/signalsfoundry/wsn-deployment-simulator/internal/observability"
	"github.com/signalsfoundry/wsn-deployment-simulator/internal/sim"
	"github.com/signalsfoundry/wsn-deployment-simulator/internal/statusapi"
)

// Config is the command line of wsn-sim.
type Config struct {
	ConfigPath  string
	Mode        string
	Seed        uint64
	SeedSet     bool
	MaxDuration time.Duration
	ClockTick   time.Duration
	GRPCAddress string
	HTTPAddress string
	// Hold keeps the status servers up after the run until interrupted.
	Hold bool
	// Tracing is completed with the run's attributes before it is installed.
	Tracing observability.TracingConfig
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg.Tracing = observability.TracingConfigFromEnv()

	log := logging.NewFromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)

	code := 0
	if err := run(ctx, cfg, log, prometheus.NewRegistry(), os.Stdout); err != nil {
		log.Error(ctx, "deployment failed", logging.Err(err))
		code = 1
		if errors.Is(err, sim.ErrNotDone) {
			code = 3
		}
	}
	stop()
	os.Exit(code)
}

func parseFlags(args []string) (Config, error) {
	fs := flag.NewFlagSet("wsn-sim", flag.ContinueOnError)
	var cfg Config
	fs.StringVar(&cfg.ConfigPath, "config", "", "Path to a JSON deployment config; defaults apply when empty")
	fs.StringVar(&cfg.Mode, "mode", string(sim.ModeVirtual), "Time mode: virtual, accelerated or realtime")
	fs.Uint64Var(&cfg.Seed, "seed", 0, "Override the config seed")
	fs.DurationVar(&cfg.MaxDuration, "max-duration", 0, "Override the simulated time limit")
	fs.DurationVar(&cfg.ClockTick, "clock-tick", 100*time.Millisecond, "Controller step for accelerated and realtime modes")
	fs.StringVar(&cfg.GRPCAddress, "grpc-addr", "", "TCP address for the status gRPC server; disabled when empty")
	fs.StringVar(&cfg.HTTPAddress, "http-addr", "", "HTTP address for /metrics, JSON status and the websocket stream; disabled when empty")
	fs.BoolVar(&cfg.Hold, "hold", false, "Keep the status servers running after the deployment finishes")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "seed" {
			cfg.SeedSet = true
		}
	})
	if _, err := sim.ParseMode(cfg.Mode); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// run executes one deployment and writes its summary as JSON to out.
func run(ctx context.Context, cfg Config, log logging.Logger, reg *prometheus.Registry, out io.Writer) error {
	deployment, err := config.Load(cfg.ConfigPath)
	if err != nil {
		return err
	}
	if cfg.SeedSet {
		deployment.Seed = cfg.Seed
	}
	if cfg.MaxDuration > 0 {
		deployment.MaxDuration = config.Duration(cfg.MaxDuration)
	}

	runID := uuid.NewString()
	tracing := cfg.Tracing
	tracing.Run = observability.RunAttributes{ID: runID, Seed: deployment.Seed, Mode: cfg.Mode}
	shutdownTracing, err := observability.InitTracing(ctx, tracing, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	collector, err := observability.NewDeploymentCollector(reg)
	if err != nil {
		return fmt.Errorf("init metrics collector: %w", err)
	}
	runStats, err := observability.NewRunCollector(reg)
	if err != nil {
		return fmt.Errorf("init run collector: %w", err)
	}

	runner, err := sim.New(deployment, sim.Options{
		RunID:     runID,
		Mode:      sim.Mode(cfg.Mode),
		ClockTick: cfg.ClockTick,
		Start:     time.Now().UTC().Truncate(time.Second),
		Logger:    log,
		Recorder:  collector,
		RunStats:  runStats,
	})
	if err != nil {
		return err
	}

	stopServers, err := serveStatus(ctx, cfg, runner, collector, log)
	if err != nil {
		return err
	}
	defer stopServers()

	summary, runErr := runner.Run(ctx)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}

	if cfg.Hold && ctx.Err() == nil {
		log.Info(ctx, "deployment finished; holding status servers until interrupted")
		<-ctx.Done()
	}
	return runErr
}

// listenAttempts bounds how often a status listener bind is retried, e.g.
// while a previous held run still owns the port.
const listenAttempts = 5

// listen binds addr, retrying with exponential backoff in wall-clock time.
func listen(ctx context.Context, addr string, log logging.Logger) (net.Listener, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bind := func() (net.Listener, error) { return net.Listen("tcp", addr) }
	return backoff.Retry(ctx, bind,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(listenAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn(ctx, "listen failed; retrying",
				logging.String("addr", addr),
				logging.Duration("retry_in", next),
				logging.Err(err),
			)
		}),
	)
}

// serveStatus starts the configured status servers and returns a function
// that stops them.
func serveStatus(ctx context.Context, cfg Config, runner *sim.Runner, collector *observability.DeploymentCollector, log logging.Logger) (func(), error) {
	var stops []func()
	stopAll := func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
	}

	if cfg.GRPCAddress != "" {
		lis, err := listen(ctx, cfg.GRPCAddress, log)
		if err != nil {
			return nil, fmt.Errorf("listen for gRPC on %s: %w", cfg.GRPCAddress, err)
		}
		server, hs := statusapi.NewGRPCServer(statusapi.NewService(runner, log), collector, log)
		go func() {
			if err := server.Serve(lis); err != nil {
				log.Error(ctx, "gRPC server exited", logging.Err(err))
			}
		}()
		log.Info(ctx, "serving status gRPC", logging.String("addr", lis.Addr().String()))
		stops = append(stops, func() {
			hs.Shutdown()
			server.GracefulStop()
		})
	}

	if cfg.HTTPAddress != "" {
		lis, err := listen(ctx, cfg.HTTPAddress, log)
		if err != nil {
			stopAll()
			return nil, fmt.Errorf("listen for HTTP on %s: %w", cfg.HTTPAddress, err)
		}
		srv := &http.Server{
			Handler: statusapi.NewHTTPHandler(runner, statusapi.HTTPOptions{
				Metrics: collector.Handler(),
				Logger:  log,
			}),
		}
		go func() {
			if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn(ctx, "HTTP server exited", logging.Err(err))
			}
		}()
		log.Info(ctx, "serving status HTTP and Prometheus metrics", logging.String("addr", lis.Addr().String()))
		stops = append(stops, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}
	return stopAll, nil
}
