package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seralva/booktalk/internal/observability"
	"github.com/seralva/booktalk/internal/provider"
	"github.com/seralva/booktalk/internal/store"
)

// Role marks an adapter's position in the failover order.
type Role string

const (
	RolePrimary Role = "primary"
	RoleBackup  Role = "backup"
)

// ModelConfig is the routing view of one registered adapter.
type ModelConfig struct {
	ID           string    `json:"id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	Role         Role      `json:"role"`
	Status       string    `json:"status"`
	AvgLatencyMS int64     `json:"avg_latency_ms"`
	LastCheck    time.Time `json:"last_check,omitempty"`
}

// UsageSink receives one record per provider attempt.
type UsageSink interface {
	AppendUsage(ctx context.Context, u *store.UsageRecord) error
}

// Options steers a single Complete call.
type Options struct {
	// AdapterID pins the call to one adapter, bypassing failover order.
	AdapterID string
	// Feature tags the usage records, e.g. "dialogue" or "embedding".
	Feature string
	// SessionID attributes usage to a dialogue session.
	SessionID string
}

// Result is a successful completion plus its accounting.
type Result struct {
	Content   string
	ModelID   string
	AdapterID string
	Usage     provider.TokenUsage
	LatencyMS int64
	Attempts  int
	Cost      float64
}

// AllProvidersExhausted reports that every candidate in the failover chain
// failed. Last holds the final attempt's error.
type AllProvidersExhausted struct {
	Attempts int
	Last     error
}

func (e *AllProvidersExhausted) Error() string {
	return fmt.Sprintf("all providers exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *AllProvidersExhausted) Unwrap() error { return e.Last }

var ErrNoAdapters = errors.New("no adapters registered")

type entry struct {
	adapter provider.Adapter
	role    Role
	latency latencyWindow
}

// Router fans completion calls across registered adapters with sequential
// failover and records usage for every attempt.
type Router struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
	primary string

	pricing     PriceTable
	usage       UsageSink
	metrics     *observability.Metrics
	callTimeout time.Duration

	feed     chan store.UsageRecord
	feedOnce sync.Once
}

type RouterConfig struct {
	Pricing     PriceTable
	Usage       UsageSink
	Metrics     *observability.Metrics
	CallTimeout time.Duration
	FeedSize    int
}

func New(cfg RouterConfig) *Router {
	if cfg.Pricing == nil {
		cfg.Pricing = DefaultPriceTable()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 45 * time.Second
	}
	feedSize := cfg.FeedSize
	if feedSize <= 0 {
		feedSize = 256
	}
	return &Router{
		entries:     make(map[string]*entry),
		pricing:     cfg.Pricing,
		usage:       cfg.Usage,
		metrics:     cfg.Metrics,
		callTimeout: cfg.CallTimeout,
		feed:        make(chan store.UsageRecord, feedSize),
	}
}

// Register adds an adapter at the end of the failover order. The first
// registered adapter becomes primary unless SetPrimary says otherwise.
func (r *Router) Register(a provider.Adapter, role Role) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := a.ID()
	if _, exists := r.entries[id]; !exists {
		r.order = append(r.order, id)
	}
	r.entries[id] = &entry{adapter: a, role: role}
	if r.primary == "" || role == RolePrimary {
		r.primary = id
	}
}

// SetPrimary promotes an adapter to the head of the failover chain.
func (r *Router) SetPrimary(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; !ok {
		return fmt.Errorf("adapter %q not registered", id)
	}
	if r.primary != "" && r.primary != id {
		if prev, ok := r.entries[r.primary]; ok {
			prev.role = RoleBackup
		}
	}
	r.primary = id
	r.entries[id].role = RolePrimary
	return nil
}

// Remove drops an adapter from the routing table.
func (r *Router) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.entries, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.primary == id {
		r.primary = ""
		if len(r.order) > 0 {
			r.primary = r.order[0]
		}
	}
}

// Snapshot returns the current routing table for the models endpoint.
func (r *Router) Snapshot() []ModelConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ModelConfig, 0, len(r.order))
	for _, id := range r.order {
		e := r.entries[id]
		role := e.role
		if id == r.primary {
			role = RolePrimary
		}
		out = append(out, ModelConfig{
			ID:           id,
			Provider:     id,
			Model:        e.adapter.Model(),
			Role:         role,
			Status:       "registered",
			AvgLatencyMS: e.latency.Average(),
		})
	}
	return out
}

// candidates returns the failover order: pinned adapter only, or primary
// followed by the remaining adapters in registration order.
func (r *Router) candidates(pinned string) ([]*entry, []string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.entries) == 0 {
		return nil, nil, ErrNoAdapters
	}

	if pinned != "" {
		e, ok := r.entries[pinned]
		if !ok {
			return nil, nil, fmt.Errorf("adapter %q not registered", pinned)
		}
		return []*entry{e}, []string{pinned}, nil
	}

	var (
		ents []*entry
		ids  []string
	)
	if r.primary != "" {
		ents = append(ents, r.entries[r.primary])
		ids = append(ids, r.primary)
	}
	for _, id := range r.order {
		if id == r.primary {
			continue
		}
		ents = append(ents, r.entries[id])
		ids = append(ids, id)
	}
	return ents, ids, nil
}

// Complete runs the request through the failover chain. Each attempt emits
// one usage record. Non-retryable provider errors and context expiry stop
// the chain immediately.
func (r *Router) Complete(ctx context.Context, req provider.GenerateRequest, opts Options) (Result, error) {
	ents, ids, err := r.candidates(opts.AdapterID)
	if err != nil {
		return Result{}, err
	}

	var (
		attempts int
		lastErr  error
	)
	for i, e := range ents {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		attempts++
		callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		started := time.Now()
		res, err := e.adapter.Generate(callCtx, req)
		cancel()
		latency := time.Since(started)

		r.recordAttempt(ctx, ids[i], e, res, err, latency, opts)

		if err == nil {
			cost := r.pricing.Cost(ids[i], res.ModelID, res.Usage.InputTokens, res.Usage.OutputTokens)
			return Result{
				Content:   res.Content,
				ModelID:   res.ModelID,
				AdapterID: ids[i],
				Usage:     res.Usage,
				LatencyMS: latency.Milliseconds(),
				Attempts:  attempts,
				Cost:      cost,
			}, nil
		}

		lastErr = err
		if !provider.IsRetryable(err) {
			slog.Warn("router: non-retryable failure, stopping chain",
				"adapter", ids[i], "error", err)
			break
		}
		slog.Warn("router: attempt failed, trying next adapter",
			"adapter", ids[i], "attempt", attempts, "error", err)
	}

	return Result{}, &AllProvidersExhausted{Attempts: attempts, Last: lastErr}
}

func (r *Router) recordAttempt(ctx context.Context, adapterID string, e *entry, res provider.GenerateResult, callErr error, latency time.Duration, opts Options) {
	success := callErr == nil
	if success {
		e.latency.Observe(latency.Milliseconds())
	}

	if r.metrics != nil {
		outcome := "success"
		if !success {
			outcome = "failure"
		}
		r.metrics.ProviderAttempts.WithLabelValues(adapterID, outcome).Inc()
		if success {
			r.metrics.ObserveGenerationLatency(latency)
		}
	}

	model := res.ModelID
	if model == "" {
		model = e.adapter.Model()
	}
	rec := store.UsageRecord{
		ID:           uuid.NewString(),
		SessionID:    opts.SessionID,
		Provider:     adapterID,
		Model:        model,
		Feature:      opts.Feature,
		InputTokens:  res.Usage.InputTokens,
		OutputTokens: res.Usage.OutputTokens,
		Cost:         r.pricing.Cost(adapterID, model, res.Usage.InputTokens, res.Usage.OutputTokens),
		LatencyMS:    latency.Milliseconds(),
		Success:      success,
		CreatedAt:    time.Now().UTC(),
	}

	if r.usage != nil {
		// Usage must land even when the turn's context already expired.
		if err := r.usage.AppendUsage(context.WithoutCancel(ctx), &rec); err != nil {
			slog.Warn("router: usage record write failed", "adapter", adapterID, "error", err)
		}
	}

	// Non-blocking fan-out; a slow consumer drops records, not requests.
	select {
	case r.feed <- rec:
	default:
		if r.metrics != nil {
			r.metrics.UsageFeedDropped.Inc()
		}
	}
}

// Embed routes to the first adapter that supports embeddings.
func (r *Router) Embed(ctx context.Context, text string) ([]float32, error) {
	ents, ids, err := r.candidates("")
	if err != nil {
		return nil, err
	}

	var lastErr error
	for i, e := range ents {
		vec, err := e.adapter.Embed(ctx, text)
		if err == nil {
			return vec, nil
		}
		if errors.Is(err, provider.ErrEmbeddingUnsupported) {
			continue
		}
		lastErr = err
		if !provider.IsRetryable(err) {
			break
		}
		slog.Warn("router: embedding attempt failed", "adapter", ids[i], "error", err)
	}
	if lastErr == nil {
		lastErr = provider.ErrEmbeddingUnsupported
	}
	return nil, lastErr
}

// HealthCheck probes one adapter.
func (r *Router) HealthCheck(ctx context.Context, adapterID string) error {
	r.mu.RLock()
	e, ok := r.entries[adapterID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("adapter %q not registered", adapterID)
	}
	return e.adapter.HealthCheck(ctx)
}

// Feed exposes the live usage stream. Records are dropped, never blocked on.
func (r *Router) Feed() <-chan store.UsageRecord {
	return r.feed
}

// CloseFeed shuts the usage stream down once.
func (r *Router) CloseFeed() {
	r.feedOnce.Do(func() { close(r.feed) })
}
