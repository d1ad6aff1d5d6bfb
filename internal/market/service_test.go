package market

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"nifty-orbit/pkg/dhan"
)

type fakeBroker struct {
	mu       sync.Mutex
	ltpCalls int
	quotes   map[string]map[string]dhan.LTPQuote
	ltpErr   error
	funds    dhan.FundLimit
	fundsErr error
}

func (f *fakeBroker) LTP(ctx context.Context, instruments map[string][]int) (map[string]map[string]dhan.LTPQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ltpCalls++
	if f.ltpErr != nil {
		return nil, f.ltpErr
	}
	return f.quotes, nil
}

func (f *fakeBroker) FundLimit(ctx context.Context) (dhan.FundLimit, error) {
	return f.funds, f.fundsErr
}

func (f *fakeBroker) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ltpCalls
}

func newTestService(broker *fakeBroker) *Service {
	return NewService(Config{
		IndexSecurityID: 13,
		QuoteTTL:        time.Second,
	}, broker, nil, nil)
}

func TestSpotCachesWithinTTL(t *testing.T) {
	broker := &fakeBroker{quotes: map[string]map[string]dhan.LTPQuote{
		dhan.SegmentIndex: {"13": {LastPrice: 21530.5}},
	}}
	s := newTestService(broker)

	for i := 0; i < 3; i++ {
		spot, err := s.Spot(context.Background())
		if err != nil {
			t.Fatalf("Spot #%d: %v", i, err)
		}
		if spot != 21530.5 {
			t.Fatalf("spot = %v", spot)
		}
	}
	if broker.calls() != 1 {
		t.Fatalf("broker calls = %d, want 1", broker.calls())
	}
}

func TestOptionLTPsBatchesMisses(t *testing.T) {
	broker := &fakeBroker{quotes: map[string]map[string]dhan.LTPQuote{
		dhan.SegmentFNO: {
			"49081": {LastPrice: 131.2},
			"49082": {LastPrice: 98.6},
		},
	}}
	s := newTestService(broker)

	prices, err := s.OptionLTPs(context.Background(), []string{"49081", "49082"})
	if err != nil {
		t.Fatalf("OptionLTPs: %v", err)
	}
	if prices["49081"] != 131.2 || prices["49082"] != 98.6 {
		t.Fatalf("prices = %v", prices)
	}
	if broker.calls() != 1 {
		t.Fatalf("broker calls = %d, want 1", broker.calls())
	}

	// Second round is fully served from cache.
	if _, err := s.OptionLTPs(context.Background(), []string{"49081", "49082"}); err != nil {
		t.Fatalf("OptionLTPs (cached): %v", err)
	}
	if broker.calls() != 1 {
		t.Fatalf("broker calls after cached round = %d, want 1", broker.calls())
	}
}

func TestOptionLTPsServesPartialOnFeedError(t *testing.T) {
	broker := &fakeBroker{quotes: map[string]map[string]dhan.LTPQuote{
		dhan.SegmentFNO: {"49081": {LastPrice: 131.2}},
	}}
	s := newTestService(broker)

	if _, err := s.OptionLTPs(context.Background(), []string{"49081"}); err != nil {
		t.Fatalf("warm-up: %v", err)
	}

	broker.mu.Lock()
	broker.ltpErr = errors.New("feed down")
	broker.mu.Unlock()

	prices, err := s.OptionLTPs(context.Background(), []string{"49081", "49999"})
	if err != nil {
		t.Fatalf("expected partial result, got error: %v", err)
	}
	if prices["49081"] != 131.2 {
		t.Fatalf("prices = %v", prices)
	}
	if _, ok := prices["49999"]; ok {
		t.Fatal("unfetchable id present in result")
	}
}

func TestBreakerShieldsBroker(t *testing.T) {
	broker := &fakeBroker{ltpErr: errors.New("boom")}
	s := NewService(Config{
		IndexSecurityID:  13,
		QuoteTTL:         time.Millisecond,
		BreakerThreshold: 2,
		BreakerCooldown:  time.Minute,
	}, broker, nil, nil)

	for i := 0; i < 5; i++ {
		if _, err := s.Spot(context.Background()); err == nil {
			t.Fatalf("Spot #%d: expected error", i)
		}
	}
	// Two real failures trip the breaker; the rest never reach the broker.
	if broker.calls() != 2 {
		t.Fatalf("broker calls = %d, want 2", broker.calls())
	}
	if s.BreakerState() != BreakerTripped {
		t.Fatalf("breaker state = %v", s.BreakerState())
	}
}

func TestGateSpacesCalls(t *testing.T) {
	g := &gate{every: 20 * time.Millisecond}
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := g.wait(context.Background()); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}
	if took := time.Since(start); took < 40*time.Millisecond {
		t.Fatalf("three calls took %v, want >= 40ms", took)
	}
}

func TestGateHonorsContext(t *testing.T) {
	g := &gate{every: time.Minute}
	if err := g.wait(context.Background()); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := g.wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestMemQuotesExpiry(t *testing.T) {
	m := newMemQuotes()
	m.Set(context.Background(), "NSE_FNO:1", 100, 20*time.Millisecond)
	if got, ok := m.Get(context.Background(), "NSE_FNO:1"); !ok || got != 100 {
		t.Fatalf("fresh get = %v %v", got, ok)
	}
	time.Sleep(30 * time.Millisecond)
	if _, ok := m.Get(context.Background(), "NSE_FNO:1"); ok {
		t.Fatal("expired quote still served")
	}
}
