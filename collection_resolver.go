package gocbcorex

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// CollectionResolverConfig bounds the Collection Resolver's fast cache
// (SPEC_FULL.md §4.15).
type CollectionResolverConfig struct {
	// MaxCachedEntries bounds the fast cache size. Zero selects the default
	// of 4096.
	MaxCachedEntries int
	Logger           *slog.Logger
}

// innerCollectionResolver is the uncached, network-performing resolver a
// CollectionResolver wraps (spec.md §4.8 "inner resolver"); in production
// this issues a GET-COLLECTION-ID KV op against the bucket's cluster map.
type innerCollectionResolver interface {
	ResolveCollectionID(ctx context.Context, scope, collection string) (id uint32, manifestRev uint64, err error)
}

// fastCacheEntry is the read-only projection described in spec.md §3
// ("Collection fast-cache entry").
type fastCacheEntry struct {
	CollectionID uint32
	ManifestRev  uint64
}

// slowEntry is the per-key coordination state guarding a resolution or
// in-flight refresh (spec.md §3 "Collection slow-map entry").
type slowEntry struct {
	mu sync.Mutex

	id  uint32
	rev uint64
	err error

	// resolved is true once this entry has been populated at least once
	// (successfully or with an error); it corresponds to the spec's "done"
	// flag being non-nil.
	resolved bool
}

// CollectionResolver is the cached two-tier resolver from spec.md §4.8: an
// atomically-swapped, lock-free fast cache in front of a mutex-guarded slow
// map that coalesces concurrent misses per key via singleflight (SPEC_FULL.md
// §4.16).
type CollectionResolver struct {
	inner  innerCollectionResolver
	logger *slog.Logger

	maxEntries int
	fast       atomic.Pointer[lru.Cache[string, fastCacheEntry]]

	slowMu sync.Mutex
	slow   map[string]*slowEntry

	sf singleflight.Group
}

// NewCollectionResolver constructs a resolver wrapping inner.
func NewCollectionResolver(inner innerCollectionResolver, cfg CollectionResolverConfig) *CollectionResolver {
	maxEntries := cfg.MaxCachedEntries
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &CollectionResolver{
		inner:      inner,
		logger:     logger.With("component", "collection_resolver"),
		maxEntries: maxEntries,
		slow:       make(map[string]*slowEntry),
	}
	cache, _ := lru.New[string, fastCacheEntry](maxEntries)
	r.fast.Store(cache)
	return r
}

func cacheKey(scope, collection string) string {
	return scope + "." + collection
}

// ResolveCollectionID resolves (scope, collection) to its numeric id and the
// manifest revision it was resolved at (spec.md §4.8 resolve_collection_id).
func (r *CollectionResolver) ResolveCollectionID(ctx context.Context, scope, collection string) (uint32, uint64, error) {
	key := cacheKey(scope, collection)

	if entry, ok := r.fast.Load().Get(key); ok && entry.CollectionID > 0 {
		return entry.CollectionID, entry.ManifestRev, nil
	}

	v, err, _ := r.sf.Do(key, func() (interface{}, error) {
		return r.resolveSlow(ctx, key, scope, collection)
	})
	if err != nil {
		return 0, 0, err
	}
	entry := v.(fastCacheEntry)
	return entry.CollectionID, entry.ManifestRev, nil
}

// resolveSlow runs under singleflight coalescing for key: exactly one
// in-flight call per key reaches the inner resolver; all coalesced callers
// share its result, matching property S6.
func (r *CollectionResolver) resolveSlow(ctx context.Context, key, scope, collection string) (fastCacheEntry, error) {
	r.slowMu.Lock()
	entry, ok := r.slow[key]
	if !ok {
		entry = &slowEntry{}
		r.slow[key] = entry
	}
	r.slowMu.Unlock()

	entry.mu.Lock()
	if entry.resolved && entry.err == nil {
		id, rev, err := entry.id, entry.rev, entry.err
		entry.mu.Unlock()
		if err != nil {
			return fastCacheEntry{}, err
		}
		return fastCacheEntry{CollectionID: id, ManifestRev: rev}, nil
	}
	entry.mu.Unlock()

	id, rev, resolveErr := r.inner.ResolveCollectionID(ctx, scope, collection)

	entry.mu.Lock()
	entry.id = id
	entry.rev = rev
	entry.err = resolveErr
	entry.resolved = true
	entry.mu.Unlock()

	if resolveErr == nil {
		r.rebuildFastCache()
	}

	if resolveErr != nil {
		return fastCacheEntry{}, resolveErr
	}
	return fastCacheEntry{CollectionID: id, ManifestRev: rev}, nil
}

// rebuildFastCache projects every slow-map entry with id > 0 into a fresh
// LRU and atomically swaps it in, per the "fast cache is a pure projection of
// the slow map" design note (spec.md §9).
func (r *CollectionResolver) rebuildFastCache() {
	fresh, err := lru.New[string, fastCacheEntry](r.maxEntries)
	if err != nil {
		r.logger.Error("failed to allocate fast cache", "error", err)
		return
	}

	r.slowMu.Lock()
	for key, entry := range r.slow {
		entry.mu.Lock()
		if entry.resolved && entry.err == nil && entry.id > 0 {
			fresh.Add(key, fastCacheEntry{CollectionID: entry.id, ManifestRev: entry.rev})
		}
		entry.mu.Unlock()
	}
	r.slowMu.Unlock()

	r.fast.Store(fresh)
}

// InvalidateCollectionID forwards the invalidation to the inner resolver,
// then resets and re-triggers resolution of the slow-map entry if its
// current revision is no newer than invalidatingRev and no refresh is
// already in flight (spec.md §4.8 invalidate_collection_id; idempotent,
// concurrent invalidations collapse into one refresh).
func (r *CollectionResolver) InvalidateCollectionID(ctx context.Context, scope, collection, endpoint string, invalidatingRev uint64) {
	if inv, ok := r.inner.(interface {
		Invalidate(scope, collection string)
	}); ok {
		inv.Invalidate(scope, collection)
	}

	key := cacheKey(scope, collection)

	r.slowMu.Lock()
	entry, ok := r.slow[key]
	r.slowMu.Unlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	if !entry.resolved || entry.rev > invalidatingRev {
		entry.mu.Unlock()
		return
	}
	entry.resolved = false
	entry.mu.Unlock()

	r.rebuildFastCache()

	go func() {
		if _, err := r.ResolveCollectionID(ctx, scope, collection); err != nil {
			r.logger.Debug("invalidation-triggered refresh failed", "scope", scope, "collection", collection, "endpoint", endpoint, "error", err)
		}
	}()
}

// UnknownCollectionError is returned by an inner resolver when the server
// reports the collection does not exist (spec.md §7 KvCollectionOutdated
// retry reason is derived from this).
type UnknownCollectionError struct {
	Scope      string
	Collection string
}

func (e *UnknownCollectionError) Error() string {
	return fmt.Sprintf("unknown collection %s.%s", e.Scope, e.Collection)
}

func (e *UnknownCollectionError) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kind", "unknown_collection"),
		slog.String("scope", e.Scope),
		slog.String("collection", e.Collection),
	)
}
