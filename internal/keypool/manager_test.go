package keypool

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jordanhubbard/agency/internal/keymanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func noEnv(string) string { return "" }

func setupManager(t *testing.T, ids ...string) (*Manager, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	m := New(WithClock(clock.Now), WithEnv(noEnv))
	for _, id := range ids {
		require.NoError(t, m.AddKey(OpenAI, id, "secret-"+id))
	}
	return m, clock
}

func TestParseProvider(t *testing.T) {
	p, err := ParseProvider(" OpenAI ")
	require.NoError(t, err)
	assert.Equal(t, OpenAI, p)

	_, err = ParseProvider("skynet")
	assert.ErrorIs(t, err, ErrUnknownProvider)

	assert.Equal(t, "ANTHROPIC_API_KEY", Anthropic.EnvVar())
}

func TestAddKey_Idempotent(t *testing.T) {
	m, _ := setupManager(t, "a", "b")
	require.NoError(t, m.AddKey(OpenAI, "a", "rotated"))

	assert.Equal(t, []string{"a", "b"}, m.ListKeys(OpenAI))
	secret, err := m.GetKey(OpenAI, "a")
	require.NoError(t, err)
	assert.Equal(t, "rotated", secret)

	assert.Error(t, m.AddKey(OpenAI, "c", ""))
}

func TestGetKey_DefaultAndEnvFallback(t *testing.T) {
	env := map[string]string{"GROQ_API_KEY": "from-env"}
	m := New(WithEnv(func(k string) string { return env[k] }))
	require.NoError(t, m.AddKey(OpenAI, "", "registered"))

	got, err := m.GetKey(OpenAI, "")
	require.NoError(t, err)
	assert.Equal(t, "registered", got)

	got, err = m.GetKey(Groq, "")
	require.NoError(t, err)
	assert.Equal(t, "from-env", got)

	_, err = m.GetKey(Gemini, "")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestGetNextKey_RoundRobin(t *testing.T) {
	m, _ := setupManager(t, "a", "b", "c")

	var got []string
	for i := 0; i < 6; i++ {
		id, secret, err := m.GetNextKey(OpenAI)
		require.NoError(t, err)
		assert.Equal(t, "secret-"+id, secret)
		got = append(got, id)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, got)

	st, ok := m.Status(OpenAI, "a")
	require.True(t, ok)
	assert.EqualValues(t, 2, st.TotalRequests)
}

func TestGetNextKey_SkipsRateLimited(t *testing.T) {
	m, clock := setupManager(t, "a", "b", "c", "d")
	m.MarkKeyError(OpenAI, "b", true, time.Minute)
	m.MarkKeyError(OpenAI, "d", true, time.Minute)

	// every usable key appears exactly once per cycle of len(usable) calls
	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		id, _, err := m.GetNextKey(OpenAI)
		require.NoError(t, err)
		seen[id]++
	}
	assert.Equal(t, map[string]int{"a": 2, "c": 2}, seen)

	clock.Advance(61 * time.Second)
	seen = map[string]int{}
	for i := 0; i < 4; i++ {
		id, _, err := m.GetNextKey(OpenAI)
		require.NoError(t, err)
		seen[id]++
	}
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1, "d": 1}, seen)
}

func TestGetNextKey_Exhausted(t *testing.T) {
	m, clock := setupManager(t, "a", "b")

	_, _, err := m.GetNextKey(Anthropic)
	assert.ErrorIs(t, err, ErrExhausted)

	m.MarkKeyError(OpenAI, "a", true, 0)
	m.MarkKeyError(OpenAI, "b", true, 10*time.Second)
	_, _, err = m.GetNextKey(OpenAI)
	assert.ErrorIs(t, err, ErrExhausted)
	_, _, err = m.GetBestKey(OpenAI)
	assert.ErrorIs(t, err, ErrExhausted)

	// default retry window is 60s
	clock.Advance(30 * time.Second)
	id, _, err := m.GetNextKey(OpenAI)
	require.NoError(t, err)
	assert.Equal(t, "b", id)
	clock.Advance(31 * time.Second)
	assert.False(t, m.IsRateLimited(OpenAI, "a"))
}

func TestMarkKeyError_RateLimitNeverShrinks(t *testing.T) {
	m, _ := setupManager(t, "a")

	m.MarkKeyError(OpenAI, "a", true, 10*time.Minute)
	first, _ := m.Status(OpenAI, "a")
	m.MarkKeyError(OpenAI, "a", true, time.Second)
	second, _ := m.Status(OpenAI, "a")

	assert.Equal(t, first.RateLimitUntil, second.RateLimitUntil)
	assert.Equal(t, 2, second.ErrorCount)

	// errors without rate limiting count but do not block
	m.MarkKeyError(OpenAI, "a", false, 0)
	third, _ := m.Status(OpenAI, "a")
	assert.Equal(t, 3, third.ErrorCount)
	assert.Equal(t, first.RateLimitUntil, third.RateLimitUntil)

	// unknown keys are ignored
	m.MarkKeyError(OpenAI, "ghost", true, 0)
	_, ok := m.Status(OpenAI, "ghost")
	assert.False(t, ok)
}

func TestGetBestKey_PrefersFewestErrors(t *testing.T) {
	m, clock := setupManager(t, "a", "b", "c")
	m.MarkKeyError(OpenAI, "a", false, 0)
	m.MarkKeyError(OpenAI, "a", false, 0)
	m.MarkKeyError(OpenAI, "b", false, 0)

	id, _, err := m.GetBestKey(OpenAI)
	require.NoError(t, err)
	assert.Equal(t, "c", id)

	// c now has the most recent use; b and c tie on errors only after c fails
	clock.Advance(time.Second)
	m.MarkKeyError(OpenAI, "c", false, 0)
	id, _, err = m.GetBestKey(OpenAI)
	require.NoError(t, err)
	assert.Equal(t, "b", id, "b and c both have one error, b was used less recently")
}

func TestGetBestKey_TieBreakRegistrationOrder(t *testing.T) {
	m, _ := setupManager(t, "x", "y")
	id, _, err := m.GetBestKey(OpenAI)
	require.NoError(t, err)
	assert.Equal(t, "x", id)
}

func TestResetErrors(t *testing.T) {
	m, _ := setupManager(t, "a")
	m.MarkKeyError(OpenAI, "a", true, time.Hour)
	require.True(t, m.IsRateLimited(OpenAI, "a"))

	m.ResetErrors(OpenAI, "a")
	st, _ := m.Status(OpenAI, "a")
	assert.Equal(t, 0, st.ErrorCount)
	assert.False(t, m.IsRateLimited(OpenAI, "a"))
}

func TestModelAssignment(t *testing.T) {
	m, _ := setupManager(t, "a", "b")

	assert.ErrorIs(t, m.AssignModelToKey("gpt-4o", OpenAI, "missing"), ErrKeyNotFound)
	require.NoError(t, m.AssignModelToKey("gpt-4o", OpenAI, "b"))

	p, id, secret, err := m.GetKeyForModel("gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, OpenAI, p)
	assert.Equal(t, "b", id)
	assert.Equal(t, "secret-b", secret)

	m.MarkKeyError(OpenAI, "b", true, time.Minute)
	_, _, _, err = m.GetKeyForModel("gpt-4o")
	assert.ErrorIs(t, err, ErrExhausted)

	_, _, _, err = m.GetKeyForModel("unknown")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestRemoveKey(t *testing.T) {
	m, _ := setupManager(t, "a", "b", "c")
	require.NoError(t, m.AssignModelToKey("m1", OpenAI, "b"))

	removed, err := m.RemoveKey(OpenAI, "b")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = m.RemoveKey(OpenAI, "b")
	require.NoError(t, err)
	assert.False(t, removed)

	assert.Equal(t, []string{"a", "c"}, m.ListKeys(OpenAI))
	_, ok := m.Status(OpenAI, "b")
	assert.False(t, ok)
	_, _, _, err = m.GetKeyForModel("m1")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestRemoveKey_CursorAdjustment(t *testing.T) {
	m, _ := setupManager(t, "a", "b", "c")

	// consume a and b; next would be c
	for i := 0; i < 2; i++ {
		_, _, err := m.GetNextKey(OpenAI)
		require.NoError(t, err)
	}
	// removing a key before the cursor must not skip c
	removed, err := m.RemoveKey(OpenAI, "a")
	require.NoError(t, err)
	require.True(t, removed)
	id, _, err := m.GetNextKey(OpenAI)
	require.NoError(t, err)
	assert.Equal(t, "c", id)

	// adding a key leaves the cursor alone: order is now b, c, d
	require.NoError(t, m.AddKey(OpenAI, "d", "secret-d"))
	id, _, err = m.GetNextKey(OpenAI)
	require.NoError(t, err)
	assert.Equal(t, "b", id)

	// removing the last key of a provider forgets the provider
	for _, k := range []string{"b", "c", "d"} {
		removed, err := m.RemoveKey(OpenAI, k)
		require.NoError(t, err)
		require.True(t, removed)
	}
	assert.Empty(t, m.ListProviders())
}

func TestListProvidersAndStats(t *testing.T) {
	m, _ := setupManager(t, "a")
	require.NoError(t, m.AddKey(Anthropic, "team", "sk-ant"))
	require.NoError(t, m.AssignModelToKey("claude", Anthropic, "team"))
	m.MarkKeyError(Anthropic, "team", true, time.Minute)

	assert.Equal(t, []Provider{Anthropic, OpenAI}, m.ListProviders())

	stats := m.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, Anthropic, stats[0].Provider)
	assert.True(t, stats[0].RateLimited)
	assert.Equal(t, []string{"claude"}, stats[0].Models)
	assert.Equal(t, 1, stats[0].Status.ErrorCount)
}

func TestConcurrentSelection(t *testing.T) {
	m, _ := setupManager(t, "a", "b", "c")

	var wg sync.WaitGroup
	var mu sync.Mutex
	counts := map[string]int{}
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, _, err := m.GetNextKey(OpenAI)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			counts[id]++
			mu.Unlock()
			m.MarkKeyError(OpenAI, id, false, 0)
		}()
	}
	wg.Wait()
	assert.Equal(t, map[string]int{"a": 10, "b": 10, "c": 10}, counts)
}

type failingStore struct {
	putErr, deleteErr error
	creds             []keymanager.Credential
}

func (f *failingStore) Put(provider, keyID, secret string) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.creds = append(f.creds, keymanager.Credential{Provider: provider, KeyID: keyID, Secret: secret})
	return nil
}

func (f *failingStore) Delete(string, string) error { return f.deleteErr }

func (f *failingStore) Credentials() ([]keymanager.Credential, error) {
	return f.creds, nil
}

func TestAddKey_StoreFailure(t *testing.T) {
	m := New(WithStore(&failingStore{putErr: errors.New("disk full")}), WithEnv(noEnv))
	assert.Error(t, m.AddKey(OpenAI, "a", "x"))
	assert.Empty(t, m.ListKeys(OpenAI))
}

func TestRemoveKey_StoreFailureKeepsKey(t *testing.T) {
	st := &failingStore{}
	m := New(WithStore(st), WithEnv(noEnv))
	require.NoError(t, m.AddKey(OpenAI, "a", "sk-a"))
	require.NoError(t, m.AssignModelToKey("gpt", OpenAI, "a"))

	st.deleteErr = errors.New("read-only vault")
	removed, err := m.RemoveKey(OpenAI, "a")
	require.Error(t, err)
	assert.ErrorIs(t, err, st.deleteErr)
	assert.True(t, removed)

	// memory still matches the store, before and after a reload
	assert.Equal(t, []string{"a"}, m.ListKeys(OpenAI))
	_, _, _, err = m.GetKeyForModel("gpt")
	require.NoError(t, err)
	require.NoError(t, m.Reload())
	assert.Equal(t, []string{"a"}, m.ListKeys(OpenAI))
}

func TestVaultBackedManager(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	vault := keymanager.NewVault(path, keymanager.WithIterations(1000))
	require.NoError(t, vault.Unlock("pw"))

	m := New(WithStore(vault), WithEnv(noEnv))
	require.NoError(t, m.AddKey(OpenAI, "a", "sk-a"))
	require.NoError(t, m.AddKey(Gemini, "g", "gm-1"))

	reopened := keymanager.NewVault(path)
	require.NoError(t, reopened.Unlock("pw"))
	fresh := New(WithStore(reopened), WithEnv(noEnv))
	require.NoError(t, fresh.Load())

	assert.Equal(t, []Provider{Gemini, OpenAI}, fresh.ListProviders())
	secret, err := fresh.GetKey(Gemini, "g")
	require.NoError(t, err)
	assert.Equal(t, "gm-1", secret)

	removed, err := m.RemoveKey(OpenAI, "a")
	require.NoError(t, err)
	assert.True(t, removed)
	_, err = reopened.Reload()
	require.NoError(t, err)
	require.NoError(t, fresh.Reload())
	assert.Empty(t, fresh.ListKeys(OpenAI))
}
