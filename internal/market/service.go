// Package market serves spot, option and fund data to the dashboard. Broker
// calls go through a consecutive-failure breaker and a minimum-interval
// throttle; prices land in a short-TTL quote cache (Redis when available,
// in-process otherwise) so UI polling does not burn the broker rate limit.
package market

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"nifty-orbit/internal/metrics"
	"nifty-orbit/pkg/dhan"
)

// Broker is the slice of the Dhan client this package needs.
type Broker interface {
	LTP(ctx context.Context, instruments map[string][]int) (map[string]map[string]dhan.LTPQuote, error)
	FundLimit(ctx context.Context) (dhan.FundLimit, error)
}

// Config tunes one market service.
type Config struct {
	// IndexSecurityID is the broker id of the underlying index (13 = NIFTY).
	IndexSecurityID int
	// QuoteTTL is how long a cached price is served without a broker call.
	QuoteTTL time.Duration
	// ThrottleEvery is the minimum spacing between market-feed calls.
	ThrottleEvery time.Duration

	RedisAddr     string
	RedisPassword string

	// Breaker tuning; zero values get defaults.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// Service answers price and fund queries.
type Service struct {
	cfg     Config
	broker  Broker
	quotes  quoteStore
	breaker *breaker
	gate    *gate
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewService builds the service. If Redis is configured but unreachable the
// service falls back to the in-process quote cache and keeps going.
func NewService(cfg Config, broker Broker, logger *zap.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("market")
	if cfg.QuoteTTL <= 0 {
		cfg.QuoteTTL = 5 * time.Second
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 15 * time.Second
	}

	var quotes quoteStore
	if cfg.RedisAddr != "" {
		rq, err := newRedisQuotes(cfg.RedisAddr, cfg.RedisPassword, logger)
		if err != nil {
			logger.Warn("redis unreachable, using in-process quote cache",
				zap.String("addr", cfg.RedisAddr), zap.Error(err))
		} else {
			logger.Info("quote cache on redis", zap.String("addr", cfg.RedisAddr))
			quotes = rq
		}
	}
	if quotes == nil {
		quotes = newMemQuotes()
	}

	b := newBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown)
	b.onTrip = func() {
		logger.Warn("broker breaker tripped",
			zap.Int("threshold", cfg.BreakerThreshold),
			zap.Duration("cooldown", cfg.BreakerCooldown))
	}

	return &Service{
		cfg:     cfg,
		broker:  broker,
		quotes:  quotes,
		breaker: b,
		gate:    &gate{every: cfg.ThrottleEvery},
		logger:  logger,
		metrics: m,
	}
}

// Spot returns the underlying index's last traded price.
func (s *Service) Spot(ctx context.Context) (float64, error) {
	key := dhan.SegmentIndex + ":" + strconv.Itoa(s.cfg.IndexSecurityID)
	if price, ok := s.quotes.Get(ctx, key); ok {
		s.hit()
		return price, nil
	}
	s.miss()

	prices, err := s.fetchLTP(ctx, map[string][]int{
		dhan.SegmentIndex: {s.cfg.IndexSecurityID},
	})
	if err != nil {
		return 0, err
	}
	price, ok := prices[key]
	if !ok {
		return 0, fmt.Errorf("index %d missing from market feed", s.cfg.IndexSecurityID)
	}
	return price, nil
}

// OptionLTPs returns last traded prices for the given F&O security ids,
// serving from cache where possible and fetching the remainder in a single
// broker call. Ids absent from the broker response are omitted from the
// result, not errored.
func (s *Service) OptionLTPs(ctx context.Context, securityIDs []string) (map[string]float64, error) {
	out := make(map[string]float64, len(securityIDs))
	var missing []int
	for _, id := range securityIDs {
		key := dhan.SegmentFNO + ":" + id
		if price, ok := s.quotes.Get(ctx, key); ok {
			s.hit()
			out[id] = price
			continue
		}
		s.miss()
		n, err := strconv.Atoi(id)
		if err != nil {
			s.logger.Warn("non-numeric security id", zap.String("id", id))
			continue
		}
		missing = append(missing, n)
	}
	if len(missing) == 0 {
		return out, nil
	}

	prices, err := s.fetchLTP(ctx, map[string][]int{dhan.SegmentFNO: missing})
	if err != nil {
		// Partial cache hits are still useful to the caller.
		if len(out) > 0 {
			s.logger.Warn("serving partial quotes after feed error", zap.Error(err))
			return out, nil
		}
		return nil, err
	}
	for key, price := range prices {
		if id, found := strings.CutPrefix(key, dhan.SegmentFNO+":"); found {
			out[id] = price
		}
	}
	return out, nil
}

// Funds returns the account's margin figures. Never cached; the number
// moves with every fill.
func (s *Service) Funds(ctx context.Context) (dhan.FundLimit, error) {
	var funds dhan.FundLimit
	err := s.breaker.do(func() error {
		var err error
		funds, err = s.broker.FundLimit(ctx)
		return err
	})
	return funds, err
}

// BreakerState exposes broker health for the status endpoint.
func (s *Service) BreakerState() BreakerState {
	return s.breaker.state()
}

// Close releases the quote cache connection.
func (s *Service) Close() error {
	return s.quotes.Close()
}

// fetchLTP performs one throttled, breaker-guarded market-feed call and
// caches everything it returns. Keys are "<segment>:<security id>".
func (s *Service) fetchLTP(ctx context.Context, instruments map[string][]int) (map[string]float64, error) {
	if err := s.gate.wait(ctx); err != nil {
		return nil, err
	}

	var data map[string]map[string]dhan.LTPQuote
	err := s.breaker.do(func() error {
		var err error
		data, err = s.broker.LTP(ctx, instruments)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64)
	for segment, quotes := range data {
		for id, q := range quotes {
			key := segment + ":" + id
			out[key] = q.LastPrice
			s.quotes.Set(ctx, key, q.LastPrice, s.cfg.QuoteTTL)
		}
	}
	return out, nil
}

func (s *Service) hit() {
	if s.metrics != nil {
		s.metrics.QuoteCacheHits.Inc()
	}
}

func (s *Service) miss() {
	if s.metrics != nil {
		s.metrics.QuoteCacheMisses.Inc()
	}
}

// gate enforces a minimum interval between broker market-feed calls.
// Waiters queue up behind a moving next-allowed timestamp.
type gate struct {
	mu    sync.Mutex
	next  time.Time
	every time.Duration
}

func (g *gate) wait(ctx context.Context) error {
	if g.every <= 0 {
		return nil
	}
	g.mu.Lock()
	now := time.Now()
	var delay time.Duration
	if g.next.After(now) {
		delay = g.next.Sub(now)
		g.next = g.next.Add(g.every)
	} else {
		g.next = now.Add(g.every)
	}
	g.mu.Unlock()

	if delay == 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
