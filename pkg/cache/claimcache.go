// Package cache holds the claim-status cache that sits between the API
// service and the distributor contract, absorbing repeated isClaimed
// lookups for the same leaf.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/stablemint/merkledrop/pkg/evm"
	"github.com/stablemint/merkledrop/pkg/metrics"
)

const DefaultTTL = 30 * time.Second

// Checker reads the claimed bit for a single leaf from the chain.
type Checker interface {
	IsClaimed(ctx context.Context, distributionID uint64, index uint32) (bool, error)
}

type claimKey struct {
	contract       evm.Address
	distributionID uint64
	index          uint32
}

type claimEntry struct {
	claimed   bool
	expiresAt time.Time
}

type ClaimCacheConfig struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Checker Checker
	// Contract scopes every key; a cache instance serves one distributor.
	Contract evm.Address
	TTL      time.Duration
}

func (cfg *ClaimCacheConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Checker == nil {
		return errors.New("checker is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return nil
}

// ClaimCache memoizes per-leaf claimed status with a TTL. Lookups that
// fail upstream return false and are not cached, so the next caller
// retries the chain. Safe for concurrent use.
type ClaimCache struct {
	log *slog.Logger
	cfg ClaimCacheConfig

	mu      sync.RWMutex
	entries map[claimKey]claimEntry
}

func NewClaimCache(cfg ClaimCacheConfig) (*ClaimCache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ClaimCache{
		log:     cfg.Logger,
		cfg:     cfg,
		entries: make(map[claimKey]claimEntry),
	}, nil
}

// Claimed returns the claimed bit for the given leaf, consulting the
// chain only when the cached value is missing or expired.
func (c *ClaimCache) Claimed(ctx context.Context, distributionID uint64, index uint32) bool {
	key := claimKey{contract: c.cfg.Contract, distributionID: distributionID, index: index}
	now := c.cfg.Clock.Now()

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && now.Before(entry.expiresAt) {
		metrics.ClaimCacheHitsTotal.Inc()
		return entry.claimed
	}
	metrics.ClaimCacheMissesTotal.Inc()

	claimed, err := c.cfg.Checker.IsClaimed(ctx, distributionID, index)
	if err != nil {
		// Degrade to unclaimed and leave the slot empty so the next
		// lookup hits the chain again.
		c.log.Warn("cache: claim status lookup failed",
			"distribution_id", distributionID, "index", index, "error", err)
		return false
	}

	c.mu.Lock()
	c.entries[key] = claimEntry{claimed: claimed, expiresAt: now.Add(c.cfg.TTL)}
	c.mu.Unlock()
	return claimed
}

// Invalidate drops every cached entry for the given distribution. Called
// after a local claim or reclaim mutation so reads reconverge with the
// chain immediately instead of waiting out the TTL.
func (c *ClaimCache) Invalidate(distributionID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if key.contract == c.cfg.Contract && key.distributionID == distributionID {
			delete(c.entries, key)
		}
	}
}

// Len reports the number of live entries, expired or not.
func (c *ClaimCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
