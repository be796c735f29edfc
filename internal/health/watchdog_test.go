package health

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func TestCheckNow_ReportsEachCheck(t *testing.T) {
	w := NewWatchdog(time.Hour, time.Second, nil)
	w.AddCheck("store", func(context.Context) error { return nil })
	w.AddCheck("broker", func(context.Context) error { return errors.New("nats down") })

	before := w.Report()
	assert.Equal(t, StatusDegraded, before.Status)
	assert.Equal(t, "not checked yet", before.Checks["store"].Error)

	r := w.CheckNow(context.Background())
	assert.False(t, r.Healthy())
	assert.True(t, r.Checks["store"].Healthy)
	assert.Equal(t, "nats down", r.Checks["broker"].Error)
	assert.Equal(t, []string{"broker", "store"}, w.Names())
}

func TestCheckNow_Timeout(t *testing.T) {
	w := NewWatchdog(time.Hour, 20*time.Millisecond, nil)
	w.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	r := w.CheckNow(context.Background())
	assert.False(t, r.Checks["slow"].Healthy)
}

func TestServe_GRPCHealth(t *testing.T) {
	var healthy atomic.Bool
	w := NewWatchdog(time.Hour, time.Second, nil)
	w.AddCheck("store", func(context.Context) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("down")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	lis := bufconn.Listen(1 << 20)
	go func() { _ = w.ServeListener(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	w.CheckNow(ctx)
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: "store"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	healthy.Store(true)
	w.CheckNow(ctx)
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestRun_StopsOnCancel(t *testing.T) {
	var runs atomic.Int32
	w := NewWatchdog(10*time.Millisecond, time.Second, nil)
	w.AddCheck("tick", func(context.Context) error {
		runs.Add(1)
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watchdog did not stop")
	}
}
