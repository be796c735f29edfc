// Package health runs periodic dependency checks and publishes the result
// through the standard gRPC health service.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 5 * time.Second

	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// CheckFunc returns nil when the dependency is healthy.
type CheckFunc func(ctx context.Context) error

// CheckResult is the outcome of one check.
type CheckResult struct {
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Report summarizes the last round of checks.
type Report struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// Healthy reports whether every check passed.
func (r Report) Healthy() bool { return r.Status == StatusOK }

// Watchdog periodically runs named checks. Each check is exposed as a gRPC
// health service of the same name, and the empty service name reflects
// all of them.
type Watchdog struct {
	mu       sync.RWMutex
	checks   map[string]CheckFunc
	last     map[string]CheckResult
	server   *grpchealth.Server
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// NewWatchdog creates a new Watchdog instance.
func NewWatchdog(interval, timeout time.Duration, logger *slog.Logger) *Watchdog {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		checks:   make(map[string]CheckFunc),
		last:     make(map[string]CheckResult),
		server:   grpchealth.NewServer(),
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}
}

// AddCheck registers a check. Until it first runs the service reports
// NOT_SERVING.
func (w *Watchdog) AddCheck(name string, fn CheckFunc) {
	w.mu.Lock()
	w.checks[name] = fn
	w.mu.Unlock()
	w.server.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
}

// Server exposes the gRPC health implementation.
func (w *Watchdog) Server() *grpchealth.Server { return w.server }

// Run checks immediately and then every interval until ctx is done, after
// which every service reports NOT_SERVING.
func (w *Watchdog) Run(ctx context.Context) {
	w.CheckNow(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.CheckNow(ctx)
		case <-ctx.Done():
			w.server.Shutdown()
			return
		}
	}
}

// CheckNow runs every check concurrently and updates the serving status.
func (w *Watchdog) CheckNow(ctx context.Context) Report {
	w.mu.RLock()
	checks := make(map[string]CheckFunc, len(w.checks))
	for name, fn := range w.checks {
		checks[name] = fn
	}
	w.mu.RUnlock()

	results := make(map[string]CheckResult, len(checks))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, fn := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, w.timeout)
			defer cancel()
			err := fn(cctx)
			res := CheckResult{Healthy: err == nil, CheckedAt: time.Now()}
			if err != nil {
				res.Error = err.Error()
			}
			mu.Lock()
			results[name] = res
			mu.Unlock()
		}()
	}
	wg.Wait()

	overall := healthpb.HealthCheckResponse_SERVING
	for name, res := range results {
		status := healthpb.HealthCheckResponse_SERVING
		if !res.Healthy {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			overall = status
			w.logger.Warn("health check failed", "check", name, "error", res.Error)
		}
		w.server.SetServingStatus(name, status)
	}
	w.server.SetServingStatus("", overall)

	w.mu.Lock()
	for name, res := range results {
		w.last[name] = res
	}
	w.mu.Unlock()
	return w.Report()
}

// Report returns the most recent results.
func (w *Watchdog) Report() Report {
	w.mu.RLock()
	defer w.mu.RUnlock()
	r := Report{Status: StatusOK, Checks: make(map[string]CheckResult, len(w.checks))}
	for name := range w.checks {
		res, ok := w.last[name]
		if !ok {
			res = CheckResult{Error: "not checked yet"}
		}
		if !res.Healthy {
			r.Status = StatusDegraded
		}
		r.Checks[name] = res
	}
	return r
}

// Names lists the registered checks.
func (w *Watchdog) Names() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.checks))
	for name := range w.checks {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Serve listens on addr and serves the health and reflection services
// until ctx is done.
func (w *Watchdog) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return w.ServeListener(ctx, lis)
}

// ServeListener is Serve on an existing listener.
func (w *Watchdog) ServeListener(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, w.server)
	reflection.Register(srv)

	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	w.logger.Info("serving gRPC health", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("gRPC serve error: %w", err)
	}
	return nil
}
