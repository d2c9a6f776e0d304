package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/seralva/booktalk/internal/provider"
	"github.com/seralva/booktalk/internal/store"
)

type stubAdapter struct {
	id      string
	model   string
	result  provider.GenerateResult
	err     error
	embed   []float32
	embErr  error
	calls   int
	mu      sync.Mutex
	blockMS time.Duration
}

func (a *stubAdapter) ID() string    { return a.id }
func (a *stubAdapter) Model() string { return a.model }

func (a *stubAdapter) Generate(ctx context.Context, req provider.GenerateRequest) (provider.GenerateResult, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	if a.blockMS > 0 {
		select {
		case <-ctx.Done():
			return provider.GenerateResult{}, ctx.Err()
		case <-time.After(a.blockMS):
		}
	}
	if a.err != nil {
		return provider.GenerateResult{}, a.err
	}
	return a.result, nil
}

func (a *stubAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	if a.embErr != nil {
		return nil, a.embErr
	}
	if a.embed == nil {
		return nil, provider.ErrEmbeddingUnsupported
	}
	return a.embed, nil
}

func (a *stubAdapter) HealthCheck(ctx context.Context) error { return nil }

func (a *stubAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func TestCompleteUsesPrimary(t *testing.T) {
	r := New(RouterConfig{})
	primary := &stubAdapter{id: "openai", model: "gpt-4o-mini",
		result: provider.GenerateResult{Content: "ok", ModelID: "gpt-4o-mini",
			Usage: provider.TokenUsage{InputTokens: 10, OutputTokens: 5}}}
	backup := &stubAdapter{id: "anthropic", model: "claude-3-5-haiku",
		result: provider.GenerateResult{Content: "backup"}}
	r.Register(primary, RolePrimary)
	r.Register(backup, RoleBackup)

	res, err := r.Complete(context.Background(), provider.GenerateRequest{}, Options{Feature: "dialogue"})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if res.Content != "ok" || res.AdapterID != "openai" {
		t.Fatalf("result = %+v", res)
	}
	if res.Attempts != 1 {
		t.Fatalf("attempts = %d", res.Attempts)
	}
	if backup.callCount() != 0 {
		t.Fatalf("backup was called")
	}
}

func TestCompleteFailsOverOnRetryableError(t *testing.T) {
	st := store.NewInMemoryStore()
	r := New(RouterConfig{Usage: st})

	primary := &stubAdapter{id: "openai", model: "gpt-4o-mini",
		err: &provider.ProviderError{Provider: "openai", Code: "http_503", Retryable: true}}
	backup := &stubAdapter{id: "anthropic", model: "claude-3-5-haiku",
		result: provider.GenerateResult{Content: "saved the turn", ModelID: "claude-3-5-haiku",
			Usage: provider.TokenUsage{InputTokens: 8, OutputTokens: 4}}}
	r.Register(primary, RolePrimary)
	r.Register(backup, RoleBackup)

	res, err := r.Complete(context.Background(), provider.GenerateRequest{}, Options{SessionID: "s1", Feature: "dialogue"})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if res.AdapterID != "anthropic" || res.Content != "saved the turn" {
		t.Fatalf("result = %+v", res)
	}
	if res.Attempts != 2 {
		t.Fatalf("attempts = %d", res.Attempts)
	}

	// One usage record per attempt: failed primary, successful backup.
	recs, _ := st.ListUsage(context.Background(), "s1", 10)
	if len(recs) != 2 {
		t.Fatalf("usage records = %d, want 2", len(recs))
	}
	var successes, failures int
	for _, rec := range recs {
		if rec.Success {
			successes++
		} else {
			failures++
		}
	}
	if successes != 1 || failures != 1 {
		t.Fatalf("successes = %d, failures = %d", successes, failures)
	}
}

func TestCompleteStopsOnNonRetryableError(t *testing.T) {
	r := New(RouterConfig{})
	primary := &stubAdapter{id: "openai", model: "m",
		err: &provider.ProviderError{Provider: "openai", Code: "http_401", Retryable: false}}
	backup := &stubAdapter{id: "anthropic", model: "m", result: provider.GenerateResult{Content: "x"}}
	r.Register(primary, RolePrimary)
	r.Register(backup, RoleBackup)

	_, err := r.Complete(context.Background(), provider.GenerateRequest{}, Options{})
	var exhausted *AllProvidersExhausted
	if !errors.As(err, &exhausted) {
		t.Fatalf("error = %v, want AllProvidersExhausted", err)
	}
	if exhausted.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", exhausted.Attempts)
	}
	if backup.callCount() != 0 {
		t.Fatalf("backup was called after non-retryable failure")
	}
}

func TestCompleteExhaustsAllAdapters(t *testing.T) {
	r := New(RouterConfig{})
	r.Register(&stubAdapter{id: "a", model: "m",
		err: &provider.ProviderError{Provider: "a", Code: "http_500", Retryable: true}}, RolePrimary)
	r.Register(&stubAdapter{id: "b", model: "m",
		err: &provider.ProviderError{Provider: "b", Code: "network", Retryable: true}}, RoleBackup)

	_, err := r.Complete(context.Background(), provider.GenerateRequest{}, Options{})
	var exhausted *AllProvidersExhausted
	if !errors.As(err, &exhausted) {
		t.Fatalf("error = %v, want AllProvidersExhausted", err)
	}
	if exhausted.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", exhausted.Attempts)
	}
}

func TestCompleteRespectsDeadline(t *testing.T) {
	r := New(RouterConfig{CallTimeout: time.Minute})
	r.Register(&stubAdapter{id: "slow", model: "m", blockMS: 200 * time.Millisecond,
		result: provider.GenerateResult{Content: "late"}}, RolePrimary)
	r.Register(&stubAdapter{id: "backup", model: "m",
		result: provider.GenerateResult{Content: "never reached"}}, RoleBackup)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := r.Complete(ctx, provider.GenerateRequest{}, Options{})
	var exhausted *AllProvidersExhausted
	if !errors.As(err, &exhausted) {
		t.Fatalf("error = %v, want AllProvidersExhausted", err)
	}
	if exhausted.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1: deadline must stop the chain", exhausted.Attempts)
	}
}

func TestCompletePinnedAdapter(t *testing.T) {
	r := New(RouterConfig{})
	r.Register(&stubAdapter{id: "openai", model: "m", result: provider.GenerateResult{Content: "primary"}}, RolePrimary)
	r.Register(&stubAdapter{id: "anthropic", model: "m", result: provider.GenerateResult{Content: "pinned"}}, RoleBackup)

	res, err := r.Complete(context.Background(), provider.GenerateRequest{}, Options{AdapterID: "anthropic"})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if res.Content != "pinned" {
		t.Fatalf("content = %q", res.Content)
	}

	if _, err := r.Complete(context.Background(), provider.GenerateRequest{}, Options{AdapterID: "nope"}); err == nil {
		t.Fatalf("expected error for unknown pinned adapter")
	}
}

func TestSetPrimaryReordersChain(t *testing.T) {
	r := New(RouterConfig{})
	first := &stubAdapter{id: "first", model: "m",
		err: &provider.ProviderError{Provider: "first", Code: "http_500", Retryable: true}}
	second := &stubAdapter{id: "second", model: "m", result: provider.GenerateResult{Content: "ok"}}
	r.Register(first, RolePrimary)
	r.Register(second, RoleBackup)

	if err := r.SetPrimary("second"); err != nil {
		t.Fatalf("SetPrimary() error = %v", err)
	}

	res, err := r.Complete(context.Background(), provider.GenerateRequest{}, Options{})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if res.AdapterID != "second" || res.Attempts != 1 {
		t.Fatalf("result = %+v", res)
	}
	if first.callCount() != 0 {
		t.Fatalf("demoted adapter was tried first")
	}

	if err := r.SetPrimary("ghost"); err == nil {
		t.Fatalf("SetPrimary(ghost) expected error")
	}
}

func TestRemoveAdapter(t *testing.T) {
	r := New(RouterConfig{})
	r.Register(&stubAdapter{id: "a", model: "m", err: errors.New("down")}, RolePrimary)
	r.Register(&stubAdapter{id: "b", model: "m", result: provider.GenerateResult{Content: "ok"}}, RoleBackup)

	r.Remove("a")

	res, err := r.Complete(context.Background(), provider.GenerateRequest{}, Options{})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if res.AdapterID != "b" {
		t.Fatalf("adapter = %q", res.AdapterID)
	}

	snap := r.Snapshot()
	if len(snap) != 1 || snap[0].ID != "b" || snap[0].Role != RolePrimary {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestCompleteNoAdapters(t *testing.T) {
	r := New(RouterConfig{})
	if _, err := r.Complete(context.Background(), provider.GenerateRequest{}, Options{}); !errors.Is(err, ErrNoAdapters) {
		t.Fatalf("error = %v, want ErrNoAdapters", err)
	}
}

func TestEmbedSkipsUnsupported(t *testing.T) {
	r := New(RouterConfig{})
	r.Register(&stubAdapter{id: "anthropic", model: "m"}, RolePrimary)
	r.Register(&stubAdapter{id: "openai", model: "m", embed: []float32{1, 2}}, RoleBackup)

	vec, err := r.Embed(context.Background(), "text")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(vec) != 2 {
		t.Fatalf("vector = %v", vec)
	}
}

func TestFeedDeliversUsage(t *testing.T) {
	r := New(RouterConfig{FeedSize: 4})
	r.Register(&stubAdapter{id: "openai", model: "gpt-4o-mini",
		result: provider.GenerateResult{Content: "ok", ModelID: "gpt-4o-mini",
			Usage: provider.TokenUsage{InputTokens: 100, OutputTokens: 50}}}, RolePrimary)

	if _, err := r.Complete(context.Background(), provider.GenerateRequest{}, Options{SessionID: "s1", Feature: "dialogue"}); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	select {
	case rec := <-r.Feed():
		if rec.SessionID != "s1" || !rec.Success || rec.Provider != "openai" {
			t.Fatalf("record = %+v", rec)
		}
	default:
		t.Fatalf("no usage record on feed")
	}
}

func TestPriceTableCost(t *testing.T) {
	table := DefaultPriceTable()
	cost := table.Cost("openai", "gpt-4o-mini", 1_000_000, 1_000_000)
	if cost != 0.75 {
		t.Fatalf("cost = %f, want 0.75", cost)
	}
	if got := table.Cost("unknown", "model", 1000, 1000); got != 0 {
		t.Fatalf("unknown model cost = %f, want 0", got)
	}
}

func TestPriceTableCoversDefaultModels(t *testing.T) {
	table := DefaultPriceTable()

	// The model ids the adapters default to must price nonzero.
	for _, pair := range [][2]string{
		{"openai", "gpt-4o-mini"},
		{"openai", "text-embedding-3-small"},
		{"anthropic", "claude-3-5-sonnet-20241022"},
	} {
		if cost := table.Cost(pair[0], pair[1], 1_000_000, 0); cost == 0 {
			t.Fatalf("default model %s/%s prices at zero", pair[0], pair[1])
		}
	}
}

func TestLatencyWindowAverage(t *testing.T) {
	var w latencyWindow
	if w.Average() != 0 {
		t.Fatalf("empty window average = %d", w.Average())
	}
	w.Observe(100)
	w.Observe(300)
	if got := w.Average(); got != 200 {
		t.Fatalf("average = %d, want 200", got)
	}
	for i := 0; i < latencyWindowSize*2; i++ {
		w.Observe(50)
	}
	if got := w.Average(); got != 50 {
		t.Fatalf("rolled average = %d, want 50", got)
	}
}
