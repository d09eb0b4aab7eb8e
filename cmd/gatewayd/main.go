// Command gatewayd runs the browsergate gateway: the executor WebSocket endpoint, the
// front door, gRPC health and the optional Redis presence directory.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/correlator"
	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/dispatcher"
	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/frontdoor"
	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/health"
	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/registry"
	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/server"
	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/transport"
	"github.com/scttfrdmn/browsergate/browsergate-go/config"
	"github.com/scttfrdmn/browsergate/browsergate-go/observability"
	"github.com/scttfrdmn/browsergate/browsergate-go/presence"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "gatewayd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level, _ := observability.ParseLevel(cfg.Logging.Level)
	logger := observability.ConfigureLogging(level, cfg.Logging.Structured, cfg.Logging.TraceContext)

	if _, err := observability.InitTracing(observability.TracingConfig{
		ServiceName:  cfg.Telemetry.ServiceName,
		Instance:     cfg.Gateway.InstanceID,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Console:      cfg.Telemetry.ConsoleTraces,
		SampleRatio:  cfg.Telemetry.SampleRatio,
	}); err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := observability.Shutdown(ctx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	var metrics *observability.GatewayMetrics
	if cfg.Telemetry.Metrics {
		if _, err := observability.InitMetrics(cfg.Telemetry.ServiceName); err != nil {
			return fmt.Errorf("failed to initialize metrics: %w", err)
		}
		if metrics, err = observability.NewGatewayMetrics(); err != nil {
			return fmt.Errorf("failed to create metrics: %w", err)
		}
	}

	instance := cfg.Gateway.InstanceID
	if instance == "" {
		instance, _ = os.Hostname()
	}
	logger = logger.With("instance", instance)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	healthSrv, err := health.NewServer(cfg.Gateway.HealthAddr, health.WithLogger(logger))
	if err != nil {
		return err
	}

	corr := correlator.New(correlator.WithLogger(logger))
	regOpts := []registry.Option{
		registry.WithCanceler(corr),
		registry.WithObserver(healthSrv),
		registry.WithHeartbeatTimeout(cfg.Gateway.HeartbeatTimeout),
		registry.WithLogger(logger),
	}
	if metrics != nil {
		regOpts = append(regOpts, registry.WithMetrics(metrics))
	}
	reg := registry.New(regOpts...)

	var dir *presence.Directory
	if cfg.Presence.RedisURL != "" {
		dir, err = presence.NewFromURL(cfg.Presence.RedisURL, instance,
			presence.WithPrefix(cfg.Presence.Prefix),
			presence.WithTTL(cfg.Presence.TTL),
			presence.WithSnapshot(reg.List),
			presence.WithLogger(logger),
		)
		if err != nil {
			return err
		}
		defer dir.Close()
		if err := dir.Ping(ctx); err != nil {
			return err
		}
		reg.AddObserver(dir)
	}

	disp := dispatcher.New(reg, corr,
		dispatcher.WithDefaultTimeout(cfg.Gateway.CommandTimeout),
		dispatcher.WithMetrics(metrics),
		dispatcher.WithLogger(logger),
	)
	if metrics != nil {
		if err := metrics.ObservePending(disp.Pending); err != nil {
			return fmt.Errorf("failed to register pending gauge: %w", err)
		}
	}

	wsOpts := transport.DefaultWebSocketOptions()
	if cfg.Gateway.MaxMessageSize > 0 {
		wsOpts.MaxMessageSize = cfg.Gateway.MaxMessageSize
	}

	audit := observability.NewAuditLogger(&observability.SlogAuditAdapter{Logger: logger})
	if cfg.Logging.AuditFile != "" {
		f, err := os.OpenFile(cfg.Logging.AuditFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("failed to open audit file: %w", err)
		}
		defer f.Close()
		audit.AddAdapter(observability.NewStructuredAuditAdapter(f))
	}

	endpoint := server.New(server.Config{
		AllowedExecutors:  cfg.Gateway.AllowedExecutors,
		AuthTimeout:       cfg.Gateway.AuthTimeout,
		HeartbeatInterval: cfg.Gateway.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Gateway.HeartbeatTimeout,
		HandshakeRate:     rate.Limit(cfg.Gateway.HandshakeRate),
		HandshakeBurst:    cfg.Gateway.HandshakeBurst,
		Transport:         wsOpts,
	}, reg, disp,
		server.WithAuthenticator(server.StaticKeys(cfg.Gateway.APIKeys...)),
		server.WithAuditLogger(audit),
		server.WithMetrics(metrics),
		server.WithLogger(logger),
	)

	invokerOpts := []frontdoor.InvokerOption{
		frontdoor.WithDefaultExecutor(cfg.Gateway.DefaultExecutor),
		frontdoor.WithCommandTimeout(cfg.Gateway.CommandTimeout),
		frontdoor.WithInvokerLogger(logger),
	}
	if cfg.Gateway.OutputDir != "" {
		archiver, err := frontdoor.NewArchiver(cfg.Gateway.OutputDir, frontdoor.WithArchiveLogger(logger))
		if err != nil {
			return err
		}
		invokerOpts = append(invokerOpts, frontdoor.WithArchiver(archiver))
	}
	invoker := frontdoor.NewInvoker(disp, invokerOpts...)
	front := frontdoor.NewServer(invoker, reg, disp, cfg.Gateway.ListenAddr,
		frontdoor.WithStatus(endpoint.Status),
		frontdoor.WithChannelTimeout(cfg.Gateway.CommandTimeout),
		frontdoor.WithServerLogger(logger),
	)
	front.Handle(server.DefaultPath, endpoint)
	if metrics != nil {
		front.Handle(cfg.Gateway.MetricsPath, observability.MetricsHandler())
	}

	reg.Start(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(front.ListenAndServe)
	g.Go(healthSrv.Start)
	if dir != nil {
		g.Go(func() error { return dir.Run(ctx) })
	}
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := front.Stop(shutdownCtx)
		endpoint.Close()
		corr.Close()
		return errors.Join(err, healthSrv.Stop())
	})

	logger.Info("gateway started",
		slog.String("listen_addr", cfg.Gateway.ListenAddr),
		slog.String("health_addr", healthSrv.Addr()),
		slog.String("executor_path", server.DefaultPath),
	)
	return g.Wait()
}
