package ai

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selivandex/decision-engine/pkg/errs"
	"github.com/selivandex/decision-engine/pkg/metrics"
)

var testSchema = ObjectSchema(
	Field("action", EnumSchema("BUY", "SELL", "HOLD")),
	Field("confidence", NumberSchema()),
)

const validPayload = `{"action":"BUY","confidence":80}`

type fakeProvider struct {
	name    string
	calls   atomic.Int64
	gate    chan struct{}
	respond func(n int64, req Request) (*Result, error)
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Generate(ctx context.Context, req Request) (*Result, error) {
	n := f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.respond(n, req)
}

func okProvider(name string) *fakeProvider {
	return &fakeProvider{name: name, respond: func(int64, Request) (*Result, error) {
		return &Result{Text: validPayload, FinishReason: "stop", Model: "m"}, nil
	}}
}

func failingProvider(name string, err error) *fakeProvider {
	return &fakeProvider{name: name, respond: func(int64, Request) (*Result, error) {
		return nil, err
	}}
}

func factoryFor(p Provider) ProviderFactory {
	return func() (Provider, error) { return p, nil }
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	mu   sync.Mutex
	rows []*metrics.GenerationMetric
}

func (s *recordingSink) Add(m metrics.Metric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, m.(*metrics.GenerationMetric))
	return nil
}

// memoryStore expires entries by its own clock when one is set.
type memoryStore struct {
	mu      sync.Mutex
	data    map[string]SharedEntry
	expires map[string]time.Time
	now     func() time.Time
}

func newMemoryStore(now func() time.Time) *memoryStore {
	return &memoryStore{data: make(map[string]SharedEntry), expires: make(map[string]time.Time), now: now}
}

func (m *memoryStore) Load(_ context.Context, key string) (SharedEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if ok && m.now != nil && !m.now().Before(m.expires[key]) {
		return SharedEntry{}, false, nil
	}
	return e, ok, nil
}

func (m *memoryStore) Store(_ context.Context, key string, entry SharedEntry, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = entry
	if m.now != nil {
		m.expires[key] = m.now().Add(ttl)
	}
	return nil
}

func (m *memoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	delete(m.expires, key)
	return nil
}

func newTestGateway(t *testing.T, hybrid bool, factories map[string]ProviderFactory, opts ...Option) *Gateway {
	t.Helper()
	g, err := NewGateway(GatewayConfig{
		Primary:       ProviderClaude,
		Hybrid:        hybrid,
		CallTimeout:   time.Second,
		CacheTTL:      time.Minute,
		CacheCapacity: 16,
	}, factories, opts...)
	require.NoError(t, err)
	return g
}

func request(prompt string) Request {
	return Request{Prompt: prompt, Schema: testSchema, Temperature: 0.2, MaxTokens: 256, Label: "test"}
}

func TestGateway_CacheHitKeepsPayloadAndRefreshesCorrelationID(t *testing.T) {
	primary := okProvider(ProviderClaude)
	g := newTestGateway(t, false, map[string]ProviderFactory{ProviderClaude: factoryFor(primary)})

	first, err := g.Generate(context.Background(), request("state"))
	require.NoError(t, err)
	second, err := g.Generate(context.Background(), request("state"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), primary.calls.Load())
	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, first.FinishReason, second.FinishReason)
	assert.Equal(t, first.Provider, second.Provider)
	assert.NotEmpty(t, second.CorrelationID)
	assert.NotEqual(t, first.CorrelationID, second.CorrelationID)
	assert.False(t, first.Cached)
	assert.True(t, second.Cached)
}

func TestGateway_CosmeticallyDifferentPromptsShareEntry(t *testing.T) {
	primary := okProvider(ProviderClaude)
	g := newTestGateway(t, false, map[string]ProviderFactory{ProviderClaude: factoryFor(primary)})

	_, err := g.Generate(context.Background(), request(`{"timestamp":"2025-01-01T10:00:00Z","price":101.123456789,"cycle":4}`))
	require.NoError(t, err)
	_, err = g.Generate(context.Background(), request(`{"timestamp":"2025-01-01T10:05:00Z","price":101.12346,"cycle":5}`))
	require.NoError(t, err)

	assert.Equal(t, int64(1), primary.calls.Load())
}

func TestGateway_NoCacheBypassesLookupAndStore(t *testing.T) {
	primary := okProvider(ProviderClaude)
	g := newTestGateway(t, false, map[string]ProviderFactory{ProviderClaude: factoryFor(primary)})

	req := request("state")
	req.NoCache = true
	for i := 0; i < 2; i++ {
		_, err := g.Generate(context.Background(), req)
		require.NoError(t, err)
	}

	assert.Equal(t, int64(2), primary.calls.Load())
	assert.Equal(t, 0, g.CacheLen())
}

func TestGateway_FallbackSuccessIsCached(t *testing.T) {
	primary := failingProvider(ProviderClaude, errors.New("upstream 500"))
	alt := okProvider(ProviderOpenAI)
	g := newTestGateway(t, true, map[string]ProviderFactory{
		ProviderClaude: factoryFor(primary),
		ProviderOpenAI: factoryFor(alt),
	})

	res, err := g.Generate(context.Background(), request("state"))
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAI, res.Provider)

	again, err := g.Generate(context.Background(), request("state"))
	require.NoError(t, err)
	assert.True(t, again.Cached)
	assert.Equal(t, int64(1), primary.calls.Load())
	assert.Equal(t, int64(1), alt.calls.Load())
}

func TestGateway_FailedFallbackSurfacesOriginalError(t *testing.T) {
	original := errs.RateLimited("claude.generate", ProviderClaude, 2*time.Second, errors.New("429 too many requests"))
	primary := failingProvider(ProviderClaude, original)
	alt := failingProvider(ProviderOpenAI, errors.New("fallback exploded"))
	g := newTestGateway(t, true, map[string]ProviderFactory{
		ProviderClaude: factoryFor(primary),
		ProviderOpenAI: factoryFor(alt),
	})

	_, err := g.Generate(context.Background(), request("state"))
	require.Error(t, err)

	limited, retryAfter := errs.IsRateLimit(err)
	assert.True(t, limited)
	assert.Equal(t, 2*time.Second, retryAfter)
	assert.NotContains(t, err.Error(), "fallback exploded")
	assert.Equal(t, int64(1), alt.calls.Load())
	assert.Equal(t, 0, g.CacheLen())
}

func TestGateway_NoFallbackWithoutHybrid(t *testing.T) {
	primary := failingProvider(ProviderClaude, errors.New("down"))
	alt := okProvider(ProviderOpenAI)
	g := newTestGateway(t, false, map[string]ProviderFactory{
		ProviderClaude: factoryFor(primary),
		ProviderOpenAI: factoryFor(alt),
	})

	_, err := g.Generate(context.Background(), request("state"))
	require.Error(t, err)
	assert.Equal(t, errs.KindProvider, errs.KindOf(err))
	assert.Equal(t, int64(0), alt.calls.Load())
}

func TestGateway_ConcurrentFirstUseInitializesOnce(t *testing.T) {
	var builds atomic.Int64
	primary := okProvider(ProviderClaude)
	factory := func() (Provider, error) {
		builds.Add(1)
		time.Sleep(20 * time.Millisecond)
		return primary, nil
	}
	g := newTestGateway(t, false, map[string]ProviderFactory{ProviderClaude: factory})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := request("state")
			req.NoCache = true
			_, err := g.Generate(context.Background(), req)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), builds.Load())
}

func TestGateway_FailedInitIsNotCached(t *testing.T) {
	var builds atomic.Int64
	primary := okProvider(ProviderClaude)
	factory := func() (Provider, error) {
		if builds.Add(1) == 1 {
			return nil, errors.New("bad credentials")
		}
		return primary, nil
	}
	g := newTestGateway(t, false, map[string]ProviderFactory{ProviderClaude: factory})

	_, err := g.Generate(context.Background(), request("state"))
	require.Error(t, err)
	assert.Equal(t, errs.KindProvider, errs.KindOf(err))

	_, err = g.Generate(context.Background(), request("state"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), builds.Load())
}

func TestGateway_ConcurrentMissesCoalesce(t *testing.T) {
	primary := okProvider(ProviderClaude)
	primary.gate = make(chan struct{})
	g := newTestGateway(t, false, map[string]ProviderFactory{ProviderClaude: factoryFor(primary)})

	var wg sync.WaitGroup
	results := make([]*Result, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := g.Generate(context.Background(), request("state"))
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}

	require.Eventually(t, func() bool { return primary.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	close(primary.gate)
	wg.Wait()

	assert.Equal(t, int64(1), primary.calls.Load())
	ids := make(map[string]bool)
	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, validPayload, r.Text)
		ids[r.CorrelationID] = true
	}
	assert.Len(t, ids, len(results))
}

func TestGateway_ResponseValidation(t *testing.T) {
	cases := []struct {
		name string
		text string
		kind errs.Kind
	}{
		{"enum violation", `{"action":"MAYBE","confidence":10}`, errs.KindSchema},
		{"missing field", `{"action":"BUY"}`, errs.KindSchema},
		{"extra field", `{"action":"BUY","confidence":1,"x":2}`, errs.KindSchema},
		{"not json", `buy it`, errs.KindParse},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := &fakeProvider{name: ProviderClaude, respond: func(int64, Request) (*Result, error) {
				return &Result{Text: tc.text}, nil
			}}
			g := newTestGateway(t, false, map[string]ProviderFactory{ProviderClaude: factoryFor(p)})

			_, err := g.Generate(context.Background(), request("state"))
			require.Error(t, err)
			assert.Equal(t, tc.kind, errs.KindOf(err))
			assert.Equal(t, 0, g.CacheLen())
		})
	}
}

func TestGateway_RequestErrors(t *testing.T) {
	g := newTestGateway(t, false, map[string]ProviderFactory{ProviderClaude: factoryFor(okProvider(ProviderClaude))})

	_, err := g.Generate(context.Background(), Request{Prompt: "x"})
	assert.Equal(t, errs.KindSchema, errs.KindOf(err))

	_, err = g.Generate(context.Background(), Request{Prompt: "x", Schema: ArraySchema(nil)})
	assert.Equal(t, errs.KindSchema, errs.KindOf(err))

	req := request("x")
	req.Provider = "gemini"
	_, err = g.Generate(context.Background(), req)
	assert.Equal(t, errs.KindConfig, errs.KindOf(err))
}

func TestGateway_SweeperPurgesExpired(t *testing.T) {
	clock := &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	g, err := NewGateway(GatewayConfig{
		Primary:       ProviderClaude,
		CacheTTL:      time.Minute,
		CacheCapacity: 4,
		Now:           clock.Now,
	}, map[string]ProviderFactory{ProviderClaude: factoryFor(okProvider(ProviderClaude))})
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), request("a"))
	require.NoError(t, err)
	_, err = g.Generate(context.Background(), request("b"))
	require.NoError(t, err)
	require.Equal(t, 2, g.CacheLen())

	clock.Advance(2 * time.Minute)
	require.NoError(t, g.Sweeper().Run(context.Background()))
	assert.Equal(t, 0, g.CacheLen())
}

func TestGateway_RecordsMetrics(t *testing.T) {
	sink := &recordingSink{}
	g := newTestGateway(t, false,
		map[string]ProviderFactory{ProviderClaude: factoryFor(okProvider(ProviderClaude))},
		WithMetrics(sink),
	)

	_, _ = g.Generate(context.Background(), request("state"))
	_, _ = g.Generate(context.Background(), request("state"))

	require.Len(t, sink.rows, 2)
	assert.False(t, sink.rows[0].CacheHit)
	assert.True(t, sink.rows[1].CacheHit)
	assert.True(t, sink.rows[0].Success)
	assert.Equal(t, "test", sink.rows[0].Label)
}

func TestGateway_SharedStoreServesOtherInstances(t *testing.T) {
	store := newMemoryStore(nil)

	first := okProvider(ProviderClaude)
	g1 := newTestGateway(t, false, map[string]ProviderFactory{ProviderClaude: factoryFor(first)}, WithSharedStore(store))
	_, err := g1.Generate(context.Background(), request("state"))
	require.NoError(t, err)

	second := okProvider(ProviderClaude)
	g2 := newTestGateway(t, false, map[string]ProviderFactory{ProviderClaude: factoryFor(second)}, WithSharedStore(store))
	res, err := g2.Generate(context.Background(), request("state"))
	require.NoError(t, err)

	assert.True(t, res.Cached)
	assert.Equal(t, int64(0), second.calls.Load())
}

func TestGateway_SharedHitKeepsOriginalTTL(t *testing.T) {
	clock := &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := newMemoryStore(clock.Now)
	newGateway := func(p Provider) *Gateway {
		g, err := NewGateway(GatewayConfig{
			Primary:       ProviderClaude,
			CallTimeout:   time.Second,
			CacheTTL:      5 * time.Minute,
			CacheCapacity: 16,
			Now:           clock.Now,
		}, map[string]ProviderFactory{ProviderClaude: factoryFor(p)}, WithSharedStore(store))
		require.NoError(t, err)
		return g
	}

	first := okProvider(ProviderClaude)
	_, err := newGateway(first).Generate(context.Background(), request("state"))
	require.NoError(t, err)

	second := okProvider(ProviderClaude)
	g2 := newGateway(second)
	clock.Advance(4 * time.Minute)
	res, err := g2.Generate(context.Background(), request("state"))
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, int64(0), second.calls.Load())

	// Five minutes after the first generation the copy in g2 has expired too.
	clock.Advance(time.Minute)
	res, err = g2.Generate(context.Background(), request("state"))
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, int64(1), second.calls.Load())
}

func TestGateway_SharedEntryPastTTLIsMiss(t *testing.T) {
	clock := &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := newMemoryStore(nil)
	key := Fingerprint(request("state"), ProviderClaude, "")
	store.data[key] = SharedEntry{Result: &Result{Text: validPayload}, CreatedAt: clock.Now().Add(-10 * time.Minute)}

	p := okProvider(ProviderClaude)
	g, err := NewGateway(GatewayConfig{
		Primary:       ProviderClaude,
		CacheTTL:      5 * time.Minute,
		CacheCapacity: 16,
		Now:           clock.Now,
	}, map[string]ProviderFactory{ProviderClaude: factoryFor(p)}, WithSharedStore(store))
	require.NoError(t, err)

	res, err := g.Generate(context.Background(), request("state"))
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, int64(1), p.calls.Load())
}

func TestGateway_InvalidateDropsBothLevels(t *testing.T) {
	store := newMemoryStore(nil)
	p := okProvider(ProviderClaude)
	g := newTestGateway(t, false, map[string]ProviderFactory{ProviderClaude: factoryFor(p)}, WithSharedStore(store))

	_, err := g.Generate(context.Background(), request("state"))
	require.NoError(t, err)
	require.Len(t, store.data, 1)

	var gen Generator = g
	Invalidate(context.Background(), gen, request("state"))
	assert.Equal(t, 0, g.CacheLen())
	assert.Empty(t, store.data)

	res, err := g.Generate(context.Background(), request("state"))
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, int64(2), p.calls.Load())
}

func TestNewGateway_Validation(t *testing.T) {
	_, err := NewGateway(GatewayConfig{Primary: ProviderClaude, CacheCapacity: 1}, nil)
	assert.Equal(t, errs.KindConfig, errs.KindOf(err))

	_, err = NewGateway(GatewayConfig{Primary: "other", CacheCapacity: 1},
		map[string]ProviderFactory{ProviderClaude: factoryFor(okProvider(ProviderClaude))})
	assert.Equal(t, errs.KindConfig, errs.KindOf(err))

	_, err = NewGateway(GatewayConfig{Primary: ProviderClaude},
		map[string]ProviderFactory{ProviderClaude: factoryFor(okProvider(ProviderClaude))})
	assert.Equal(t, errs.KindConfig, errs.KindOf(err))
}
