package market

import (
	"context"
	"strconv"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// quoteStore is a short-TTL last-traded-price cache. Quotes go stale in
// seconds, so both implementations are fire-and-forget on write.
type quoteStore interface {
	Get(ctx context.Context, key string) (float64, bool)
	Set(ctx context.Context, key string, price float64, ttl time.Duration)
	Close() error
}

// redisQuotes keeps quotes in Redis so several dashboard processes share
// one broker rate budget.
type redisQuotes struct {
	client *goredis.Client
	logger *zap.Logger
}

// newRedisQuotes connects and pings; a nil error means Redis is usable.
func newRedisQuotes(addr, password string, logger *zap.Logger) (*redisQuotes, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &redisQuotes{client: client, logger: logger}, nil
}

func (r *redisQuotes) Get(ctx context.Context, key string) (float64, bool) {
	val, err := r.client.Get(ctx, "ltp:"+key).Result()
	if err != nil {
		if err != goredis.Nil {
			r.logger.Debug("quote cache read failed", zap.Error(err))
		}
		return 0, false
	}
	price, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, false
	}
	return price, true
}

func (r *redisQuotes) Set(ctx context.Context, key string, price float64, ttl time.Duration) {
	if err := r.client.SetEX(ctx, "ltp:"+key, strconv.FormatFloat(price, 'f', -1, 64), ttl).Err(); err != nil {
		r.logger.Debug("quote cache write failed", zap.Error(err))
	}
}

func (r *redisQuotes) Close() error { return r.client.Close() }

// memQuotes is the in-process fallback used when Redis is not configured or
// unreachable at startup.
type memQuotes struct {
	mu      sync.Mutex
	entries map[string]memQuote
}

type memQuote struct {
	price   float64
	expires time.Time
}

func newMemQuotes() *memQuotes {
	return &memQuotes{entries: make(map[string]memQuote)}
}

func (m *memQuotes) Get(_ context.Context, key string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.entries[key]
	if !ok || time.Now().After(q.expires) {
		delete(m.entries, key)
		return 0, false
	}
	return q.price, true
}

func (m *memQuotes) Set(_ context.Context, key string, price float64, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Opportunistic sweep; the working set is a handful of strikes.
	if len(m.entries) > 4096 {
		now := time.Now()
		for k, q := range m.entries {
			if now.After(q.expires) {
				delete(m.entries, k)
			}
		}
	}
	m.entries[key] = memQuote{price: price, expires: time.Now().Add(ttl)}
}

func (m *memQuotes) Close() error { return nil }
