package analytics

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"barmate/backend/internal/cache"
	"barmate/backend/internal/domain"
	"barmate/backend/internal/store"
)

// Engine computes closure-clamped sales summaries. Once a month is closed,
// the default report window never starts before the closure cutoff, so
// archived activity cannot leak into live dashboards.
type Engine struct {
	repo     store.Repository
	cache    cache.SummaryCache
	cacheTTL time.Duration
}

func NewEngine(repo store.Repository, cacheStore cache.SummaryCache, cacheTTL time.Duration) *Engine {
	if cacheStore == nil {
		cacheStore = cache.NoopSummaryCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}

	return &Engine{
		repo:     repo,
		cache:    cacheStore,
		cacheTTL: cacheTTL,
	}
}

// Window returns the effective report boundaries for the requested range.
// The start is max(from, latest closure cutoff) unless showArchived is set.
func (e *Engine) Window(ctx context.Context, from time.Time, to time.Time, showArchived bool) (time.Time, time.Time, bool, error) {
	if !to.After(from) {
		return time.Time{}, time.Time{}, false, store.ErrInvalid
	}
	if showArchived {
		return from, to, false, nil
	}

	cutoff, err := e.repo.LatestClosureCutoff(ctx)
	if err != nil {
		return time.Time{}, time.Time{}, false, err
	}
	if cutoff == nil || !cutoff.After(from) {
		return from, to, false, nil
	}
	if !to.After(*cutoff) {
		// The whole requested range is archived; collapse to an empty
		// window at the cutoff rather than erroring.
		return *cutoff, *cutoff, true, nil
	}
	return *cutoff, to, true, nil
}

// Summary aggregates the clamped window, consulting the cache first.
func (e *Engine) Summary(ctx context.Context, from time.Time, to time.Time, showArchived bool) (domain.SalesSummary, error) {
	start, end, clamped, err := e.Window(ctx, from, to, showArchived)
	if err != nil {
		return domain.SalesSummary{}, err
	}

	key := buildCacheKey(start, end, showArchived)
	if cached, ok, cacheErr := e.cache.Get(ctx, key); cacheErr == nil && ok {
		return *cached, nil
	}

	summary, err := e.repo.SalesSummary(ctx, start, end)
	if err != nil {
		return domain.SalesSummary{}, err
	}
	summary.WindowStart = start
	summary.WindowEnd = end
	summary.Clamped = clamped
	summary.GeneratedAt = time.Now().UTC()

	_ = e.cache.Set(ctx, key, &summary, e.cacheTTL)
	return summary, nil
}

func buildCacheKey(from time.Time, to time.Time, showArchived bool) string {
	parts := []string{
		from.UTC().Format(time.RFC3339),
		to.UTC().Format(time.RFC3339),
		fmt.Sprintf("archived:%t", showArchived),
	}
	hash := sha1.Sum([]byte(strings.Join(parts, "|")))
	return "bar:summary:" + hex.EncodeToString(hash[:])
}
