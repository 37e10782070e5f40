package ai

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/selivandex/decision-engine/pkg/cache"
	"github.com/selivandex/decision-engine/pkg/errs"
	"github.com/selivandex/decision-engine/pkg/flight"
	"github.com/selivandex/decision-engine/pkg/logger"
	"github.com/selivandex/decision-engine/pkg/metrics"
	"github.com/selivandex/decision-engine/pkg/worker"
)

// Provider names.
const (
	ProviderClaude = "claude"
	ProviderOpenAI = "openai"
)

// GatewayConfig configures the generation gateway.
type GatewayConfig struct {
	Primary       string
	Hybrid        bool
	CallTimeout   time.Duration
	CacheTTL      time.Duration
	CacheCapacity int
	Now           func() time.Time
}

// SharedEntry is a result held by the shared cache with the time it was generated.
type SharedEntry struct {
	Result    *Result   `json:"result"`
	CreatedAt time.Time `json:"created_at"`
}

// SharedStore is an optional second-level result cache shared between processes.
// Entries keep their CreatedAt so the TTL runs from the original generation.
type SharedStore interface {
	Load(ctx context.Context, key string) (SharedEntry, bool, error)
	Store(ctx context.Context, key string, entry SharedEntry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// MetricsSink receives one record per generate call.
type MetricsSink interface {
	Add(metric metrics.Metric) error
}

// Gateway routes structured-output requests to providers. It owns the result
// cache, lazy provider construction and cross-provider fallback.
type Gateway struct {
	cfg       GatewayConfig
	factories map[string]ProviderFactory

	mu      sync.RWMutex
	clients map[string]Provider
	inits   flight.Group[Provider]

	calls     flight.Group[*Result]
	cache     *cache.Cache[string, *Result]
	validator *schemaValidator

	shared  SharedStore
	metrics MetricsSink
	now     func() time.Time
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithSharedStore adds a second-level cache.
func WithSharedStore(s SharedStore) Option {
	return func(g *Gateway) { g.shared = s }
}

// WithMetrics records per-call metrics.
func WithMetrics(m MetricsSink) Option {
	return func(g *Gateway) { g.metrics = m }
}

// NewGateway creates a gateway over the given provider factories.
func NewGateway(cfg GatewayConfig, factories map[string]ProviderFactory, opts ...Option) (*Gateway, error) {
	if len(factories) == 0 {
		return nil, errs.Config("ai.providers", "at least one provider is required")
	}
	if _, ok := factories[cfg.Primary]; !ok {
		return nil, errs.Config("ai.primary", "primary provider %q is not configured", cfg.Primary)
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 60 * time.Second
	}
	if cfg.CacheCapacity <= 0 {
		return nil, errs.Config("ai.cache_capacity", "must be positive, got %d", cfg.CacheCapacity)
	}

	g := &Gateway{
		cfg:       cfg,
		factories: factories,
		clients:   make(map[string]Provider, len(factories)),
		cache:     cache.New[string, *Result](cache.Config{Capacity: cfg.CacheCapacity, TTL: cfg.CacheTTL, Now: cfg.Now}),
		validator: newSchemaValidator(),
		now:       cfg.Now,
	}
	if g.now == nil {
		g.now = time.Now
	}
	for _, opt := range opts {
		opt(g)
	}

	logger.Info("ai gateway initialized",
		zap.String("primary", cfg.Primary),
		zap.Bool("hybrid", cfg.Hybrid),
		zap.Strings("providers", g.providerNames()),
		zap.Int("cache_capacity", cfg.CacheCapacity),
		zap.Duration("cache_ttl", cfg.CacheTTL),
	)

	return g, nil
}

// Generate returns a schema-valid JSON result for req.
func (g *Gateway) Generate(ctx context.Context, req Request) (*Result, error) {
	if req.Schema == nil {
		return nil, errs.Schema("gateway.generate", "request has no output schema")
	}
	if err := req.Schema.Validate(); err != nil {
		return nil, err
	}

	name := req.Provider
	if name == "" {
		name = g.cfg.Primary
	}
	if _, ok := g.factories[name]; !ok {
		return nil, errs.Config("gateway.generate", "unknown provider %q", name)
	}

	startTime := time.Now()

	if req.NoCache {
		res, fellBack, err := g.execute(ctx, name, req)
		g.record(req, name, startTime, false, fellBack, err)
		if err != nil {
			return nil, err
		}
		return withCorrelationID(res, false), nil
	}

	key := Fingerprint(req, name, req.Model)
	if res, ok := g.lookup(ctx, key); ok {
		logger.Debug("ai cache hit",
			zap.String("label", req.Label),
			zap.String("provider", res.Provider),
		)
		g.record(req, res.Provider, startTime, true, false, nil)
		return withCorrelationID(res, true), nil
	}

	res, err := g.calls.DoContext(ctx, key, func() (*Result, error) {
		if entry, ok := g.cache.Get(key); ok {
			return entry.Value, nil
		}
		// Waiters share this execution, so it must not die with the first caller.
		res, fellBack, err := g.execute(context.WithoutCancel(ctx), name, req)
		if err != nil {
			return nil, err
		}
		res.fellBack = fellBack
		g.store(key, res)
		return res, nil
	})
	g.record(req, name, startTime, false, res != nil && res.fellBack, err)
	if err != nil {
		return nil, err
	}
	return withCorrelationID(res, false), nil
}

// execute calls the assigned provider and, in hybrid mode, the other one on failure.
// A failed fallback surfaces the original error.
func (g *Gateway) execute(ctx context.Context, name string, req Request) (*Result, bool, error) {
	res, err := g.call(ctx, name, req)
	if err == nil {
		return res, false, nil
	}
	if !g.cfg.Hybrid || ctx.Err() != nil {
		return nil, false, err
	}

	alt, ok := g.alternate(name)
	if !ok {
		return nil, false, err
	}

	logger.Warn("ai provider failed, trying fallback",
		zap.String("label", req.Label),
		zap.String("provider", name),
		zap.String("fallback", alt),
		zap.Error(err),
	)

	altReq := req
	altReq.Model = "" // model ids are provider specific
	res, fbErr := g.call(ctx, alt, altReq)
	if fbErr != nil {
		logger.Warn("ai fallback failed",
			zap.String("label", req.Label),
			zap.String("fallback", alt),
			zap.Error(fbErr),
		)
		return nil, false, err
	}
	return res, true, nil
}

func (g *Gateway) call(ctx context.Context, name string, req Request) (*Result, error) {
	p, err := g.client(name)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	res, err := p.Generate(ctx, req)
	if err != nil {
		return nil, classifyFailure(name, 0, "", err)
	}
	if err := g.validator.check(req.Schema, res.Text); err != nil {
		return nil, err
	}

	out := res.clone()
	out.Provider = name
	return out, nil
}

// client returns the provider client, constructing it on first use. Concurrent
// first callers share one construction; a failure is not kept, and callers that
// joined a failed construction attempt their own once.
func (g *Gateway) client(name string) (Provider, error) {
	g.mu.RLock()
	p, ok := g.clients[name]
	g.mu.RUnlock()
	if ok {
		return p, nil
	}

	build := func() (Provider, error) {
		g.mu.RLock()
		p, ok := g.clients[name]
		g.mu.RUnlock()
		if ok {
			return p, nil
		}

		p, err := g.factories[name]()
		if err != nil {
			return nil, errs.Provider("gateway.init", name, err)
		}

		g.mu.Lock()
		g.clients[name] = p
		g.mu.Unlock()

		logger.Info("ai provider client initialized", zap.String("provider", name))
		return p, nil
	}

	p, err, shared := g.inits.Do(name, build)
	if err != nil && shared {
		p, err, _ = g.inits.Do(name, build)
	}
	return p, err
}

func (g *Gateway) alternate(name string) (string, bool) {
	for _, other := range g.providerNames() {
		if other != name {
			return other, true
		}
	}
	return "", false
}

func (g *Gateway) providerNames() []string {
	names := make([]string, 0, len(g.factories))
	for n := range g.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (g *Gateway) lookup(ctx context.Context, key string) (*Result, bool) {
	if entry, ok := g.cache.Get(key); ok {
		return entry.Value, true
	}
	if g.shared == nil {
		return nil, false
	}

	entry, ok, err := g.shared.Load(ctx, key)
	if err != nil {
		logger.Warn("shared ai cache read failed", zap.Error(err))
		return nil, false
	}
	if !ok || entry.Result == nil || entry.CreatedAt.IsZero() {
		return nil, false
	}
	if g.cfg.CacheTTL > 0 && g.now().Sub(entry.CreatedAt) >= g.cfg.CacheTTL {
		return nil, false
	}
	g.cache.SetAt(key, entry.Result, entry.CreatedAt)
	return entry.Result, true
}

func (g *Gateway) store(key string, res *Result) {
	createdAt := g.now()
	g.cache.SetAt(key, res, createdAt)
	if g.shared == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	entry := SharedEntry{Result: res, CreatedAt: createdAt}
	if err := g.shared.Store(ctx, key, entry, g.cfg.CacheTTL); err != nil {
		logger.Warn("shared ai cache write failed", zap.Error(err))
	}
}

func (g *Gateway) record(req Request, provider string, start time.Time, hit, fellBack bool, err error) {
	if g.metrics == nil {
		return
	}

	m := &metrics.GenerationMetric{
		Timestamp: time.Now().UTC(),
		Label:     req.Label,
		Provider:  provider,
		Model:     req.Model,
		CacheHit:  hit,
		Fallback:  fellBack,
		LatencyMs: time.Since(start).Milliseconds(),
		Success:   err == nil,
	}
	if err != nil {
		m.ErrorKind = errs.KindOf(err).String()
		if limited, _ := errs.IsRateLimit(err); limited {
			m.ErrorKind = "rate_limit"
		}
	}
	if addErr := g.metrics.Add(m); addErr != nil {
		logger.Debug("failed to record generation metric", zap.Error(addErr))
	}
}

// Invalidate drops the cached result for req from both cache levels.
func (g *Gateway) Invalidate(ctx context.Context, req Request) {
	name := req.Provider
	if name == "" {
		name = g.cfg.Primary
	}
	key := Fingerprint(req, name, req.Model)
	dropped := g.cache.Delete(key)

	if g.shared != nil {
		if err := g.shared.Delete(ctx, key); err != nil {
			logger.Warn("shared ai cache delete failed", zap.Error(err))
		}
	}
	logger.Debug("ai cache entry invalidated", zap.String("label", req.Label), zap.Bool("was_cached", dropped))
}

// SweepCache purges expired cache entries.
func (g *Gateway) SweepCache() int {
	return g.cache.Sweep()
}

// CacheLen returns the number of cached results.
func (g *Gateway) CacheLen() int {
	return g.cache.Len()
}

// Reset drops cached results and constructed clients.
func (g *Gateway) Reset() {
	g.cache.Purge()
	g.mu.Lock()
	g.clients = make(map[string]Provider, len(g.factories))
	g.mu.Unlock()
}

// Close releases the gateway's caches.
func (g *Gateway) Close() error {
	g.Reset()
	return nil
}

// Sweeper returns a worker that purges expired cache entries on each run.
func (g *Gateway) Sweeper() worker.Worker {
	return &cacheSweeper{g: g}
}

type cacheSweeper struct {
	g *Gateway
}

func (s *cacheSweeper) Name() string {
	return "ai-cache-sweeper"
}

func (s *cacheSweeper) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("sweep cancelled: %w", err)
	}
	if removed := s.g.SweepCache(); removed > 0 {
		logger.Debug("ai cache swept",
			zap.Int("removed", removed),
			zap.Int("remaining", s.g.CacheLen()),
		)
	}
	return nil
}

func withCorrelationID(res *Result, cached bool) *Result {
	out := res.clone()
	out.CorrelationID = uuid.NewString()
	out.Cached = cached
	return out
}
