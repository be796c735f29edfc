package messagebus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}
	if cfg.URL != "" {
		t.Error("URL should default to empty")
	}
	if cfg.SubjectPrefix != "" {
		t.Error("SubjectPrefix should default to empty")
	}
}

func TestSubjectFor(t *testing.T) {
	tests := []struct {
		prefix, channel, want string
	}{
		{"agency", "system:notifications", "agency.system.notifications"},
		{"agency", "plain", "agency.plain"},
		{"test", "a:b:c", "test.a.b.c"},
		{"agency", "with space", "agency.with_space"},
		{"agency", "wild*card>", "agency.wild_card_"},
	}

	for _, tc := range tests {
		got := subjectFor(tc.prefix, tc.channel)
		if got != tc.want {
			t.Errorf("subjectFor(%q, %q) = %q, want %q", tc.prefix, tc.channel, got, tc.want)
		}
	}
}

func TestNewNatsTransport_BadURL(t *testing.T) {
	_, err := NewNatsTransport(Config{
		URL:     "nats://nonexistent-host:99999",
		Timeout: 500 * time.Millisecond,
	}, nil)
	if err == nil {
		t.Error("expected error connecting to nonexistent NATS")
	}
}

func newTestTransport(t *testing.T) *NatsTransport {
	t.Helper()
	url := os.Getenv("AGENCY_TEST_NATS_URL")
	if url == "" {
		url = "nats://localhost:4222"
	}
	tr, err := NewNatsTransport(Config{
		URL:           url,
		SubjectPrefix: "agencytest" + time.Now().Format("150405000"),
		Timeout:       time.Second,
	}, nil)
	if err != nil {
		t.Skipf("Skipping: NATS not available: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestNatsTransport_FanOut(t *testing.T) {
	tr := newTestTransport(t)
	ctx := context.Background()

	a, err := tr.Subscribe(ctx, "system:notifications")
	require.NoError(t, err)
	defer a.Close()
	b, err := tr.Subscribe(ctx, "system:notifications")
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, tr.Publish(ctx, "system:notifications", []byte("hello")))
	for _, sub := range []interface{ Channel() <-chan []byte }{a, b} {
		select {
		case got := <-sub.Channel():
			assert.Equal(t, "hello", string(got))
		case <-time.After(2 * time.Second):
			t.Fatal("no message received")
		}
	}
	assert.NoError(t, tr.Ping(ctx))
}
