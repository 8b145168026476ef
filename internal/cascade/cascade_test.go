package cascade

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quietloop/quietloop/internal/domain"
	"github.com/quietloop/quietloop/internal/respcache"
)

// fakeProvider implements provider.Provider for tests.
type fakeProvider struct {
	name    string
	text    string
	err     error
	delay   time.Duration
	calls   atomic.Int32
	failFor int32 // fail the first N calls, then succeed
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Generate(ctx context.Context, prompt, systemContext string) (string, error) {
	n := f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", domain.ErrProviderTimeout(f.name, ctx.Err())
		}
	}
	if f.err != nil && (f.failFor == 0 || n <= f.failFor) {
		return "", f.err
	}
	return f.text, nil
}

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func testFrame(sig string) domain.ContextFrame {
	return domain.ContextFrame{
		UserID:          "u1",
		CognitiveLoad:   0.4,
		RecommendedTier: domain.TierMotivational,
		Signature:       sig,
	}
}

func newCascade(t *testing.T, primary, secondary *fakeProvider) *Cascade {
	t.Helper()
	opts := Options{
		Cache:            respcache.New(64),
		CacheTTL:         time.Minute,
		FailureThreshold: 3,
		CoolDown:         30 * time.Second,
		PrimaryTimeout:   200 * time.Millisecond,
		SecondaryTimeout: 200 * time.Millisecond,
		Logger:           testLogger(),
	}
	if primary != nil {
		opts.Primary = primary
	}
	if secondary != nil {
		opts.Secondary = secondary
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestPatternTierIsTerminal(t *testing.T) {
	primary := &fakeProvider{name: "primary", text: "from provider"}
	c := newCascade(t, primary, nil)

	cand, err := c.Respond(context.Background(), domain.Request{UserID: "u1", Message: "hey"}, testFrame("sig-a"))
	if err != nil {
		t.Fatal(err)
	}
	if cand.Source != domain.SourcePattern {
		t.Errorf("source = %s, want pattern", cand.Source)
	}
	if primary.calls.Load() != 0 {
		t.Error("pattern match must not reach providers")
	}
}

func TestPrimaryThenCacheIdempotence(t *testing.T) {
	primary := &fakeProvider{name: "primary", text: "drafted reply"}
	c := newCascade(t, primary, nil)
	req := domain.Request{UserID: "u1", Message: "help me draft a reply to my landlord"}

	first, err := c.Respond(context.Background(), req, testFrame("sig-a"))
	if err != nil {
		t.Fatal(err)
	}
	if first.Source != domain.SourcePrimaryProvider {
		t.Fatalf("first call source = %s, want primary_provider", first.Source)
	}

	second, err := c.Respond(context.Background(), req, testFrame("sig-a"))
	if err != nil {
		t.Fatal(err)
	}
	if second.Source != domain.SourceCache {
		t.Errorf("replay source = %s, want cache", second.Source)
	}
	if second.Text != first.Text {
		t.Errorf("cache hit text = %q, want original %q", second.Text, first.Text)
	}
	if primary.calls.Load() != 1 {
		t.Errorf("provider called %d times, want 1", primary.calls.Load())
	}
}

func TestDifferentSignatureMissesCache(t *testing.T) {
	primary := &fakeProvider{name: "primary", text: "v"}
	c := newCascade(t, primary, nil)
	req := domain.Request{UserID: "u1", Message: "help me plan my afternoon"}

	if _, err := c.Respond(context.Background(), req, testFrame("sig-a")); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Respond(context.Background(), req, testFrame("sig-b")); err != nil {
		t.Fatal(err)
	}
	if primary.calls.Load() != 2 {
		t.Errorf("distinct frame signatures must not share cache entries; calls = %d", primary.calls.Load())
	}
}

func TestFallThroughToSecondary(t *testing.T) {
	primary := &fakeProvider{name: "primary", err: domain.ErrProviderUnavailable("primary", errors.New("boom"))}
	secondary := &fakeProvider{name: "secondary", text: "local answer"}
	c := newCascade(t, primary, secondary)

	cand, err := c.Respond(context.Background(), domain.Request{UserID: "u1", Message: "help me plan"}, testFrame("sig-a"))
	if err != nil {
		t.Fatal(err)
	}
	if cand.Source != domain.SourceSecondaryProvider {
		t.Errorf("source = %s, want secondary_provider", cand.Source)
	}
	if cand.Text != "local answer" {
		t.Errorf("text = %q", cand.Text)
	}
}

func TestStaticFallbackWhenAllProvidersFail(t *testing.T) {
	primary := &fakeProvider{name: "primary", err: errors.New("down")}
	secondary := &fakeProvider{name: "secondary", err: errors.New("down")}
	c := newCascade(t, primary, secondary)

	cand, err := c.Respond(context.Background(), domain.Request{UserID: "u1", Message: "help me plan"}, testFrame("sig-a"))
	if err != nil {
		t.Fatal(err)
	}
	if cand.Source != domain.SourceStaticFallback {
		t.Fatalf("source = %s, want static_fallback", cand.Source)
	}
	if cand.Text == "" {
		t.Error("fallback text must not be empty")
	}

	// Fallbacks never stick in the cache: the next call tries providers again.
	primary.err = nil
	primary.text = "recovered"
	cand, err = c.Respond(context.Background(), domain.Request{UserID: "u1", Message: "help me plan"}, testFrame("sig-a"))
	if err != nil {
		t.Fatal(err)
	}
	if cand.Source != domain.SourcePrimaryProvider {
		t.Errorf("after recovery source = %s, want primary_provider", cand.Source)
	}
}

func TestOpenCircuitSkipsProvider(t *testing.T) {
	primary := &fakeProvider{name: "primary", err: errors.New("down")}
	secondary := &fakeProvider{name: "secondary", text: "backup"}
	c := newCascade(t, primary, secondary)

	// Trip the primary breaker: threshold is 3. Unique messages dodge the cache.
	msgs := []string{"plan a", "plan b", "plan c"}
	for _, m := range msgs {
		if _, err := c.Respond(context.Background(), domain.Request{UserID: "u1", Message: m}, testFrame("sig-a")); err != nil {
			t.Fatal(err)
		}
	}
	if status, _ := c.BreakerStatus("primary"); status != CircuitOpen {
		t.Fatalf("primary breaker = %s, want open", status)
	}
	before := primary.calls.Load()

	// While open, the cascade drops straight to the secondary.
	for i, m := range []string{"plan d", "plan e"} {
		cand, err := c.Respond(context.Background(), domain.Request{UserID: "u1", Message: m}, testFrame("sig-a"))
		if err != nil {
			t.Fatal(err)
		}
		if cand.Source != domain.SourceSecondaryProvider {
			t.Errorf("request %d: source = %s, want secondary_provider", i, cand.Source)
		}
	}
	if primary.calls.Load() != before {
		t.Errorf("open circuit must not attempt the provider; calls went %d -> %d", before, primary.calls.Load())
	}
}

func TestHalfOpenTrialAfterCoolDown(t *testing.T) {
	now := time.Now()
	primary := &fakeProvider{name: "primary", err: errors.New("down"), failFor: 3, text: "recovered"}
	secondary := &fakeProvider{name: "secondary", text: "backup"}
	c := newCascade(t, primary, secondary)
	c.SetNow(func() time.Time { return now })

	for _, m := range []string{"plan a", "plan b", "plan c"} {
		if _, err := c.Respond(context.Background(), domain.Request{UserID: "u1", Message: m}, testFrame("sig-a")); err != nil {
			t.Fatal(err)
		}
	}
	if status, _ := c.BreakerStatus("primary"); status != CircuitOpen {
		t.Fatalf("breaker should be open, got %s", status)
	}

	// After cool-down: exactly one trial attempt, which succeeds (failFor=3
	// is exhausted) and closes the circuit.
	now = now.Add(31 * time.Second)
	cand, err := c.Respond(context.Background(), domain.Request{UserID: "u1", Message: "plan d"}, testFrame("sig-a"))
	if err != nil {
		t.Fatal(err)
	}
	if cand.Source != domain.SourcePrimaryProvider {
		t.Errorf("trial source = %s, want primary_provider", cand.Source)
	}
	if status, _ := c.BreakerStatus("primary"); status != CircuitClosed {
		t.Errorf("breaker after successful trial = %s, want closed", status)
	}
	if primary.calls.Load() != 4 {
		t.Errorf("provider calls = %d, want 4 (3 failures + 1 trial)", primary.calls.Load())
	}
}

func TestDeadlineDropsToFallback(t *testing.T) {
	primary := &fakeProvider{name: "primary", text: "slow answer", delay: 500 * time.Millisecond}
	c := newCascade(t, primary, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	cand, err := c.Respond(ctx, domain.Request{UserID: "u1", Message: "help me plan"}, testFrame("sig-a"))
	if err != nil {
		t.Fatal(err)
	}
	if cand.Source != domain.SourceStaticFallback {
		t.Errorf("source = %s, want static_fallback after deadline", cand.Source)
	}
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Errorf("cascade waited %s past its deadline", elapsed)
	}
}

func TestConcurrentIdenticalRequestsCoalesce(t *testing.T) {
	primary := &fakeProvider{name: "primary", text: "answer", delay: 30 * time.Millisecond}
	c := newCascade(t, primary, nil)
	req := domain.Request{UserID: "u1", Message: "help me plan my afternoon"}

	const workers = 10
	start := make(chan struct{})
	var wg sync.WaitGroup
	sources := make([]domain.Source, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			cand, err := c.Respond(context.Background(), req, testFrame("sig-a"))
			if err != nil {
				t.Error(err)
				return
			}
			if cand.Text != "answer" {
				t.Errorf("text = %q", cand.Text)
			}
			sources[i] = cand.Source
		}(i)
	}
	close(start)
	wg.Wait()

	if n := primary.calls.Load(); n != 1 {
		t.Errorf("coalescing must hold provider calls to 1, got %d", n)
	}
	fromProvider := 0
	for i, src := range sources {
		switch src {
		case domain.SourcePrimaryProvider:
			fromProvider++
		case domain.SourceCache:
		default:
			t.Errorf("worker %d: source = %s, want primary_provider or cache", i, src)
		}
	}
	if fromProvider != 1 {
		t.Errorf("exactly one worker must report primary_provider, got %d", fromProvider)
	}
}

func TestConcurrentFallbackKeepsSource(t *testing.T) {
	primary := &fakeProvider{name: "primary", err: errors.New("down"), delay: 20 * time.Millisecond}
	c := newCascade(t, primary, nil)
	req := domain.Request{UserID: "u1", Message: "help me plan my afternoon"}

	const workers = 8
	start := make(chan struct{})
	var wg sync.WaitGroup
	sources := make([]domain.Source, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			cand, err := c.Respond(context.Background(), req, testFrame("sig-a"))
			if err != nil {
				t.Error(err)
				return
			}
			sources[i] = cand.Source
		}(i)
	}
	close(start)
	wg.Wait()

	// Fallbacks are never cached, so coalesced waiters must not see their
	// shared fallback dressed up as a cache hit.
	for i, src := range sources {
		if src != domain.SourceStaticFallback {
			t.Errorf("worker %d: source = %s, want static_fallback", i, src)
		}
	}
}

func TestNewDefaultsFillFallbacks(t *testing.T) {
	_, err := New(Options{
		Logger:    testLogger(),
		Fallbacks: nil, // built-in defaults cover every tier
	})
	if err != nil {
		t.Fatalf("defaults must satisfy every tier: %v", err)
	}
}

func TestNewMergesFallbackOverrides(t *testing.T) {
	c, err := New(Options{
		Logger: testLogger(),
		Fallbacks: map[domain.Tier]string{
			domain.TierGentle: "only this tier overridden",
		},
	})
	if err != nil {
		t.Fatalf("partial overrides merge onto defaults: %v", err)
	}
	if c == nil {
		t.Fatal("expected a cascade")
	}
}
