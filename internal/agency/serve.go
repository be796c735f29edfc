package agency

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jordanhubbard/agency/internal/api"
	"github.com/jordanhubbard/agency/internal/logging"
)

const shutdownTimeout = 30 * time.Second

// Handler returns the HTTP API for the runtime.
func (rt *Runtime) Handler() http.Handler {
	srv := api.NewServer(api.Deps{
		Beam:        rt.Beam,
		Dispatcher:  rt.Dispatcher,
		Coordinator: rt.Coordinator,
		Keys:        rt.Keys,
		Broker:      rt.Broker,
		Memory:      rt.Memory,
		Personas:    rt.Personas,
		Logs:        rt.Logs,
		Watchdog:    rt.Watchdog,
		Auth:        rt.Auth,
		Metrics:     rt.Metrics,
		Gatherer:    rt.Registry,
	}, rt.Config.Security, rt.Logger.With(logging.SourceKey, "api"))
	return srv.SetupRoutes()
}

// Serve runs the HTTP API, the gRPC health service and the watchdog until
// ctx is cancelled or one of them fails. It does not Close the runtime.
func (rt *Runtime) Serve(ctx context.Context) error {
	cfg := rt.Config.Server
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      rt.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	lis, err := net.Listen("tcp", httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", httpServer.Addr, err)
	}
	return rt.serve(ctx, httpServer, lis)
}

func (rt *Runtime) serve(ctx context.Context, httpServer *http.Server, lis net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		rt.Watchdog.Run(ctx)
		return nil
	})

	if port := rt.Config.Server.GRPCPort; port > 0 {
		g.Go(func() error {
			return rt.Watchdog.Serve(ctx, fmt.Sprintf(":%d", port))
		})
	}

	g.Go(func() error {
		rt.Logger.Info("http api listening", "addr", lis.Addr().String())
		if err := httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		rt.Logger.Info("shutting down http api")
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
