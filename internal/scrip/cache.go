// Package scrip maintains the tradable option-contract index built from the
// broker's instrument master. It maps (expiry, strike, option type) to the
// security id every order and quote call needs, refreshes itself when the
// data goes out of window and keeps serving the previous generation when the
// upstream feed is down.
package scrip

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"nifty-orbit/internal/metrics"
	"nifty-orbit/internal/model"
)

// Config controls one cache instance.
type Config struct {
	// Underlying is the index family, e.g. "NIFTY". Contracts are matched
	// by the "<Underlying>-" trading-symbol prefix.
	Underlying string
	// StrikeInterval is the exchange strike spacing, used for ATM rounding.
	StrikeInterval int
	// Validity is how long a built index is considered fresh.
	Validity time.Duration
	// SnapshotPath is where the built generation is persisted, so a restart
	// inside the window skips the feed download.
	SnapshotPath string
	// RebuildTimeout bounds a single fetch-parse-build cycle.
	RebuildTimeout time.Duration
}

// Metadata describes the currently installed generation.
type Metadata struct {
	BuiltAt      time.Time
	Entries      int
	TotalRows    int
	SourceBytes  int64
	SourceSHA256 string
}

// Status is the cache health report exposed over the API.
type Status struct {
	Built        bool                          `json:"built"`
	Fresh        bool                          `json:"fresh"`
	Stale        bool                          `json:"stale"`
	Entries      int                           `json:"entries"`
	BuiltAt      time.Time                     `json:"built_at"`
	AgeSeconds   float64                       `json:"age_seconds"`
	TotalRows    int                           `json:"total_rows"`
	SourceBytes  int64                         `json:"source_bytes"`
	SourceSHA256 string                        `json:"source_sha256"`
	Expiries     []string                      `json:"expiries"`
	Buckets      map[model.ExpiryBucket]string `json:"buckets"`
}

// ExpiryInfo lists the tradable expiry dates and their bucket labels.
type ExpiryInfo struct {
	Current string   `json:"current"`
	Next    string   `json:"next"`
	Monthly string   `json:"monthly"`
	All     []string `json:"all"`
}

// Cache is the contract index. All methods are safe for concurrent use;
// lookups read an immutable generation behind a pointer, so a rebuild in
// flight never disturbs them.
type Cache struct {
	cfg     Config
	feed    FeedSource
	logger  *zap.Logger
	metrics *metrics.Metrics

	sf singleflight.Group

	mu    sync.RWMutex
	idx   *index
	meta  Metadata
	stale bool

	now func() time.Time
}

// New creates a cache and, if a persisted snapshot from a previous run is
// still inside the validity window, restores it without touching the feed.
func New(cfg Config, feed FeedSource, logger *zap.Logger, m *metrics.Metrics) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{
		cfg:     cfg,
		feed:    feed,
		logger:  logger.Named("scrip"),
		metrics: m,
		now:     time.Now,
	}
	c.restoreSnapshot()
	return c
}

func (c *Cache) restoreSnapshot() {
	if c.cfg.SnapshotPath == "" {
		return
	}
	snap, err := readSnapshot(c.cfg.SnapshotPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("snapshot unreadable, will rebuild", zap.Error(err))
		}
		return
	}
	now := c.now()
	if now.Sub(snap.BuiltAt) >= c.cfg.Validity {
		c.logger.Info("snapshot out of window, will rebuild",
			zap.Time("built_at", snap.BuiltAt))
		return
	}
	idx := buildIndex(snap.Contracts, now)
	if len(idx.contracts) == 0 || idx.expired(now) {
		return
	}
	c.install(idx, snap)
	c.logger.Info("restored scrip cache from snapshot",
		zap.Int("entries", len(idx.contracts)),
		zap.Time("built_at", snap.BuiltAt))
}

// install swaps in a new generation. Called with c.mu not held.
func (c *Cache) install(idx *index, snap snapshot) {
	c.mu.Lock()
	c.idx = idx
	c.meta = Metadata{
		BuiltAt:      snap.BuiltAt,
		Entries:      len(idx.contracts),
		TotalRows:    snap.TotalRows,
		SourceBytes:  snap.SourceBytes,
		SourceSHA256: snap.SourceSHA256,
	}
	c.stale = false
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.CacheEntries.Set(float64(len(idx.contracts)))
		c.metrics.CacheStale.Set(0)
	}
}

// snapshotIdx returns the current generation pointer, or nil.
func (c *Cache) snapshotIdx() *index {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.idx
}

// fresh reports whether the installed generation can be served as-is.
func (c *Cache) fresh() bool {
	now := c.now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.idx == nil || len(c.idx.contracts) == 0 {
		return false
	}
	if now.Sub(c.meta.BuiltAt) >= c.cfg.Validity {
		return false
	}
	if c.idx.expired(now) {
		return false
	}
	return true
}

// EnsureFresh makes sure a usable index is installed, rebuilding if the
// current one is out of window, has no upcoming expiry, or does not exist.
// Concurrent callers collapse onto a single rebuild. If the rebuild fails
// but a previous generation exists, that generation stays in service and
// the returned error wraps ErrStaleCache; with no previous generation the
// rebuild error itself is returned.
func (c *Cache) EnsureFresh(ctx context.Context) error {
	if c.fresh() {
		return nil
	}
	_, err, _ := c.sf.Do("rebuild", func() (interface{}, error) {
		if c.fresh() {
			return nil, nil
		}
		return nil, c.rebuild(ctx)
	})
	if err == nil {
		return nil
	}

	c.mu.Lock()
	hasPrior := c.idx != nil && len(c.idx.contracts) > 0
	if hasPrior {
		c.stale = true
	}
	c.mu.Unlock()

	if hasPrior {
		if c.metrics != nil {
			c.metrics.CacheStale.Set(1)
		}
		c.logger.Warn("scrip refresh failed, serving previous generation",
			zap.Error(err))
		return fmt.Errorf("%w: %w", ErrStaleCache, err)
	}
	return err
}

// Rebuild forces a refresh regardless of freshness. It shares the
// single-flight key with EnsureFresh, so a forced rebuild and background
// refreshes never run the pipeline twice at once.
func (c *Cache) Rebuild(ctx context.Context) error {
	_, err, _ := c.sf.Do("rebuild", func() (interface{}, error) {
		return nil, c.rebuild(ctx)
	})
	return err
}

func (c *Cache) rebuild(ctx context.Context) error {
	if c.metrics != nil {
		c.metrics.CacheRebuilds.Inc()
	}
	start := c.now()

	if c.cfg.RebuildTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RebuildTimeout)
		defer cancel()
	}

	body, err := c.feed.Fetch(ctx)
	if err != nil {
		return c.rebuildFailed(fmt.Errorf("%w: %v", ErrSourceUnavailable, err))
	}
	raw, err := io.ReadAll(body)
	body.Close()
	if err != nil {
		return c.rebuildFailed(fmt.Errorf("%w: read feed: %v", ErrSourceUnavailable, err))
	}

	sum := sha256.Sum256(raw)
	contracts, totalRows, err := parseFeed(bytes.NewReader(raw), c.cfg.Underlying)
	if err != nil {
		return c.rebuildFailed(fmt.Errorf("%w: %v", ErrSourceUnavailable, err))
	}

	now := c.now()
	idx := buildIndex(contracts, now)
	if len(idx.contracts) == 0 {
		return c.rebuildFailed(fmt.Errorf("%w: underlying %s, %d rows scanned",
			ErrEmptyIndex, c.cfg.Underlying, totalRows))
	}
	c.checkStrikeGrid(idx)

	snap := snapshot{
		BuiltAt:      now,
		SourceBytes:  int64(len(raw)),
		SourceSHA256: hex.EncodeToString(sum[:]),
		TotalRows:    totalRows,
		Contracts:    contracts,
	}
	c.install(idx, snap)

	if c.cfg.SnapshotPath != "" {
		if err := writeSnapshot(c.cfg.SnapshotPath, snap); err != nil {
			c.logger.Warn("snapshot persist failed", zap.Error(err))
		}
	}

	c.logger.Info("scrip cache rebuilt",
		zap.Int("entries", len(idx.contracts)),
		zap.Int("total_rows", totalRows),
		zap.Int("expiries", len(idx.expiries)),
		zap.Int64("source_bytes", snap.SourceBytes),
		zap.Duration("took", c.now().Sub(start)))
	return nil
}

func (c *Cache) rebuildFailed(err error) error {
	if c.metrics != nil {
		c.metrics.CacheRebuildErrors.Inc()
	}
	return err
}

// checkStrikeGrid logs contracts that sit off the configured strike spacing.
// The exchange occasionally lists odd strikes after corporate actions; they
// stay resolvable, this is only a visibility aid.
func (c *Cache) checkStrikeGrid(idx *index) {
	if c.cfg.StrikeInterval <= 0 {
		return
	}
	offGrid := 0
	for _, strikes := range idx.strikes {
		for _, s := range strikes {
			if s%c.cfg.StrikeInterval != 0 {
				offGrid++
			}
		}
	}
	if offGrid > 0 {
		c.logger.Warn("strikes off the configured grid",
			zap.Int("count", offGrid),
			zap.Int("interval", c.cfg.StrikeInterval))
	}
}

// Resolve returns the security id for an exact expiry date (YYYY-MM-DD),
// strike and option type. A miss is ErrNotFound; an unbuilt cache is
// ErrNotBuilt. Resolve never triggers a rebuild on its own.
func (c *Cache) Resolve(expiry string, strike int, opt model.OptionType) (string, error) {
	idx := c.snapshotIdx()
	if idx == nil {
		return "", ErrNotBuilt
	}
	id, ok := idx.resolve(expiry, strike, opt)
	if !ok {
		if c.metrics != nil {
			c.metrics.ResolveMisses.Inc()
		}
		return "", fmt.Errorf("%w: %s %d %s", ErrNotFound, expiry, strike, opt)
	}
	if c.metrics != nil {
		c.metrics.ResolveHits.Inc()
	}
	return id, nil
}

// ResolveBucket resolves against a bucket label (current/next/monthly)
// instead of an exact date.
func (c *Cache) ResolveBucket(bucket model.ExpiryBucket, strike int, opt model.OptionType) (string, error) {
	idx := c.snapshotIdx()
	if idx == nil {
		return "", ErrNotBuilt
	}
	expiry, ok := idx.buckets[bucket]
	if !ok {
		return "", fmt.Errorf("%w: no %s expiry", ErrNotFound, bucket)
	}
	return c.Resolve(expiry, strike, opt)
}

// Contract returns the full contract for a security id.
func (c *Cache) Contract(securityID string) (model.OptionContract, error) {
	idx := c.snapshotIdx()
	if idx == nil {
		return model.OptionContract{}, ErrNotBuilt
	}
	contract, ok := idx.contracts[securityID]
	if !ok {
		return model.OptionContract{}, fmt.Errorf("%w: security id %s", ErrNotFound, securityID)
	}
	return contract, nil
}

// Strikes returns the ascending strike ladder for a bucket's expiry.
func (c *Cache) Strikes(bucket model.ExpiryBucket) ([]int, error) {
	idx := c.snapshotIdx()
	if idx == nil {
		return nil, ErrNotBuilt
	}
	expiry, ok := idx.buckets[bucket]
	if !ok {
		return nil, fmt.Errorf("%w: no %s expiry", ErrNotFound, bucket)
	}
	strikes := idx.strikes[expiry]
	out := make([]int, len(strikes))
	copy(out, strikes)
	return out, nil
}

// ATMStrike rounds a spot price to the nearest strike on the configured
// grid.
func (c *Cache) ATMStrike(spot float64) int {
	interval := c.cfg.StrikeInterval
	if interval <= 0 {
		interval = 50
	}
	return int(math.Round(spot/float64(interval))) * interval
}

// ExpiryInfo returns the bucket labels and the full upcoming expiry list.
func (c *Cache) ExpiryInfo() (ExpiryInfo, error) {
	idx := c.snapshotIdx()
	if idx == nil {
		return ExpiryInfo{}, ErrNotBuilt
	}
	info := ExpiryInfo{
		Current: idx.buckets[model.ExpiryCurrent],
		Next:    idx.buckets[model.ExpiryNext],
		Monthly: idx.buckets[model.ExpiryMonthly],
		All:     make([]string, len(idx.expiries)),
	}
	copy(info.All, idx.expiries)
	return info, nil
}

// Status reports cache health for the API and operators.
func (c *Cache) Status() Status {
	now := c.now()

	c.mu.RLock()
	idx := c.idx
	meta := c.meta
	stale := c.stale
	c.mu.RUnlock()

	st := Status{Stale: stale}
	if idx == nil {
		return st
	}
	st.Built = true
	st.Entries = meta.Entries
	st.BuiltAt = meta.BuiltAt
	st.AgeSeconds = now.Sub(meta.BuiltAt).Seconds()
	st.TotalRows = meta.TotalRows
	st.SourceBytes = meta.SourceBytes
	st.SourceSHA256 = meta.SourceSHA256
	st.Fresh = c.fresh()

	st.Expiries = make([]string, len(idx.expiries))
	copy(st.Expiries, idx.expiries)
	st.Buckets = make(map[model.ExpiryBucket]string, len(idx.buckets))
	for k, v := range idx.buckets {
		st.Buckets[k] = v
	}
	return st
}
