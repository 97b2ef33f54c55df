package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/niczy/revbranch/internal/config"
	"github.com/niczy/revbranch/internal/revision"
	"github.com/niczy/revbranch/internal/storage"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// serviceName is the health service name reported next to the overall status.
const serviceName = "revbranch.RevisionService"

const healthCheckInterval = 10 * time.Second

func (a *app) serveCmd() *cobra.Command {
	var (
		addr    string
		rebuild bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Bootstrap the revision index and serve the health endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = a.cfg.Service.HealthAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, addr, rebuild)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (defaults to service.health_addr)")
	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "Reload Redis collections from the object store before serving")
	return cmd
}

func (a *app) serve(ctx context.Context, addr string, rebuild bool) error {
	r, closeFn, err := a.openRevisionIndex(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	if rebuild {
		rdb, ok := r.Index().(*storage.RedisIndex)
		if !ok {
			return fmt.Errorf("--rebuild requires the %s backend", config.BackendRedis)
		}
		if err := rdb.RebuildIndexes(ctx); err != nil {
			return fmt.Errorf("rebuild indexes: %w", err)
		}
	}
	r.Branching().AddChangeListener(func(path string) {
		a.logger.Debug("branch changed", "branch", path)
	})

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)

	go watchHealth(ctx, r, hs, a)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("revision service listening", "addr", lis.Addr().String(), "backend", a.cfg.Storage.Backend)
		errCh <- srv.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
		hs.Shutdown()
		srv.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

// watchHealth flips the serving status with the reachability of the index.
func watchHealth(ctx context.Context, r *revision.RevisionIndex, hs *health.Server, a *app) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := healthpb.HealthCheckResponse_SERVING
			if err := r.Index().Ping(ctx); err != nil {
				a.logger.Warn("storage ping failed", "error", err)
				status = healthpb.HealthCheckResponse_NOT_SERVING
			}
			hs.SetServingStatus(serviceName, status)
			hs.SetServingStatus("", status)
		}
	}
}
