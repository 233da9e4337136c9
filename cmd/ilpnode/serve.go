package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/example/ilp-node/internal/config"
	"github.com/example/ilp-node/internal/events"
	"github.com/example/ilp-node/internal/node"
	"github.com/example/ilp-node/internal/security"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the node until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(flags.logLevel)
			if err != nil {
				return err
			}
			cfg, err := config.Load(flags.configFile, flags.envFiles...)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(parent context.Context, cfg *config.Config, logger *slog.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	store, closeStore, err := node.OpenStorage(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer closeStore()

	opts := node.Options{Storage: store, Logger: logger}
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("ilpnode-"+cfg.Node.ID))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Close()
		opts.Bus = nc
	}
	if len(cfg.Kafka.Brokers) > 0 {
		opts.EventWriter = events.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	}

	n, err := node.New(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer n.Close()

	var limiter *security.RedisTokenBucket
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer redisClient.Close()
		limiter = &security.RedisTokenBucket{
			Redis:      redisClient,
			Prefix:     cfg.Redis.Prefix,
			Capacity:   cfg.Redis.Capacity,
			RefillRate: cfg.Redis.RefillRate,
		}
	}

	handler, err := n.Handler(limiter)
	if err != nil {
		return err
	}

	serverTLS, err := node.ServerTLS(cfg.HTTP)
	if err != nil {
		return err
	}
	var tlsCfg *tls.Config
	if serverTLS != nil {
		if tlsCfg, err = security.LoadServerTLSConfig(*serverTLS); err != nil {
			return fmt.Errorf("load tls config: %w", err)
		}
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		TLSConfig:         tlsCfg,
	}
	ln, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}

	grpcOpts := []grpc.ServerOption{grpc.ChainUnaryInterceptor(n.GRPCInterceptors()...)}
	if tlsCfg != nil {
		grpcOpts = append(grpcOpts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}
	grpcServer := grpc.NewServer(grpcOpts...)
	n.RegisterGRPC(grpcServer)
	grpcLn, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("listen grpc: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 3)
	go func() {
		logger.Info("http listening", "addr", cfg.HTTP.Addr, "tls", tlsCfg != nil)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		logger.Info("grpc listening", "addr", cfg.GRPC.Addr)
		if err := grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	runDone := make(chan error, 1)
	go func() { runDone <- n.Run(ctx) }()

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case runErr = <-errCh:
		logger.Error("server failed", "error", runErr)
	case runErr = <-runDone:
		runDone = nil
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	grpcServer.GracefulStop()
	cancel()
	if runDone != nil {
		if err := <-runDone; err != nil && runErr == nil {
			runErr = err
		}
	}
	return runErr
}
