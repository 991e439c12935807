package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cordum/jobgate/core/controlplane/agents"
	"github.com/cordum/jobgate/core/infra/bus"
	"github.com/cordum/jobgate/core/infra/config"
	"github.com/cordum/jobgate/core/infra/kv"
	"github.com/cordum/jobgate/core/infra/logging"
	infraMetrics "github.com/cordum/jobgate/core/infra/metrics"
	"github.com/cordum/jobgate/core/infra/packages"
	"github.com/cordum/jobgate/core/jobs"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const (
	metricsNamespace = "jobgate_api_gateway"
	shutdownTimeout  = 10 * time.Second
)

// Run starts the gateway and blocks until ctx is cancelled or a listener fails.
func Run(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config required")
	}
	if err := logging.Configure(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logging.Sync()

	metaStore, err := kv.NewRedisStore(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect metadata store: %w", err)
	}
	defer metaStore.Close()

	pkgStore, err := packages.NewRedisStore(ctx, cfg.RedisURL, cfg.Packages.Retention)
	if err != nil {
		return fmt.Errorf("connect package store: %w", err)
	}
	defer pkgStore.Close()

	agentMetrics := infraMetrics.NewAgentProm(metricsNamespace)
	gwMetrics := infraMetrics.NewGatewayProm(metricsNamespace)

	directory := agents.NewDirectory(metaStore, cfg.Agents.RPCTimeout)
	pool := agents.NewPool(directory, agentClientFactory(cfg), agentMetrics)
	defer func() {
		if err := pool.CloseAll(); err != nil {
			logging.Warn("job-gateway", "close agent clients", "error", err)
		}
	}()
	selector, err := agents.NewSelector(directory, pool, agents.SelectorOptions{
		Policy:         cfg.Agents.Policy,
		CandidateCount: cfg.Agents.CandidateCount,
		Retry:          agents.RetryPolicy{Interval: cfg.Agents.RetryInterval},
		Metrics:        agentMetrics,
	})
	if err != nil {
		return fmt.Errorf("init agent selector: %w", err)
	}

	var (
		events    bus.EventPublisher = bus.NoopPublisher{}
		busStatus BusStatus
	)
	if cfg.NatsURL != "" {
		natsBus, err := bus.NewNatsBus(cfg.NatsURL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer natsBus.Close()
		events = bus.NewNatsPublisher(natsBus, cfg.SessionName)
		busStatus = natsBus
	}

	jobStore := jobs.NewStore(metaStore)
	svc := NewService(jobStore, selector, pool, ServiceOptions{
		WaitTimeout: cfg.Agents.WaitTimeout,
		Events:      events,
	})
	relay := NewTailRelay(jobStore, pool, cfg.Tail.PollInterval, clock.New(), agentMetrics)
	srv := NewServer(svc, relay, ServerOptions{
		Packages:       pkgStore,
		PinTTL:         cfg.Packages.PinTTL,
		SessionName:    cfg.SessionName,
		Metrics:        gwMetrics,
		APIKeys:        cfg.Auth.APIKeys,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
		MetadataStore:  metaStore,
		Bus:            busStatus,
	})
	logging.Info("job-gateway", "agent selection configured",
		"policy", selector.Policy(),
		"candidates", cfg.Agents.CandidateCount,
		"wait_timeout", cfg.Agents.WaitTimeout.String(),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 3)

	if cfg.GRPCAddr != "" {
		grpcServer, err := startHealthServer(cfg.GRPCAddr, errCh)
		if err != nil {
			return err
		}
		defer grpcServer.GracefulStop()
	}

	metricsSrv := &http.Server{
		Addr:         cfg.MetricsAddr,
		Handler:      metricsMux(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go serve(metricsSrv, "metrics", errCh)

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go serve(httpSrv, "http", errCh)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	for _, s := range []*http.Server{httpSrv, metricsSrv} {
		if err := s.Shutdown(shutdownCtx); err != nil {
			logging.Warn("job-gateway", "shutdown", "addr", s.Addr, "error", err)
		}
	}
	logging.Info("job-gateway", "stopped")
	return runErr
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", infraMetrics.Handler())
	return mux
}

func serve(srv *http.Server, name string, errCh chan<- error) {
	logging.Info("job-gateway", name+" listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Error("job-gateway", name+" server error", "error", err)
		errCh <- fmt.Errorf("%s server: %w", name, err)
	}
}

// startHealthServer serves the standard gRPC health service, always SERVING
// while the process is up.
func startHealthServer(addr string, errCh chan<- error) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen grpc (%s): %w", addr, err)
	}
	creds := insecure.NewCredentials()
	if certFile := os.Getenv("GRPC_TLS_CERT"); certFile != "" {
		keyFile := os.Getenv("GRPC_TLS_KEY")
		if keyFile == "" {
			logging.Error("job-gateway", "grpc tls key missing", "cert", certFile)
		} else if tlsCreds, err := credentials.NewServerTLSFromFile(certFile, keyFile); err != nil {
			logging.Error("job-gateway", "grpc tls setup failed", "error", err)
		} else {
			creds = tlsCreds
		}
	}
	grpcServer := grpc.NewServer(grpc.Creds(creds))
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, hs)
	reflection.Register(grpcServer)

	go func() {
		logging.Info("job-gateway", "grpc listening", "addr", addr)
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logging.Error("job-gateway", "grpc server error", "error", err)
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	return grpcServer, nil
}

// agentClientFactory builds agent handles with the agent call budget, which is
// independent of the metadata store timeout.
func agentClientFactory(cfg *config.Config) agents.HTTPClientFactory {
	return agents.HTTPClientFactory{Timeout: cfg.Agents.CallTimeout}
}
