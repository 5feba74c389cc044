package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ndelaney/searchscraper/internal/metrics"
	"github.com/ndelaney/searchscraper/internal/search"
)

// DiscoveryFactory builds a discovery engine for one pool configuration.
type DiscoveryFactory func(cfg search.PoolConfig) (search.DiscoveryEngine, error)

// ExtractionFactory builds an extraction engine for one pool configuration.
type ExtractionFactory func(cfg search.PoolConfig) (search.ExtractionEngine, error)

// Entry is one cached pool pair plus its bookkeeping. At most one Entry
// exists per fingerprint at any time.
type Entry struct {
	fingerprint string
	discovery   *DiscoveryPool
	extraction  *ExtractionPool
	refs        int
	lastActive  time.Time
}

// RegistryConfig tunes registry-wide behavior.
type RegistryConfig struct {
	QueueDepth    int
	DiscoverySize int
	IdleTTL       time.Duration
}

// Registry creates, caches, and hands out pool pairs keyed by configuration
// fingerprint. Creation is single-flight per fingerprint: concurrent first
// requests share one expensive startup, and a failed creation is evicted so
// a later request can retry.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
	group   singleflight.Group

	newDiscovery  DiscoveryFactory
	newExtraction ExtractionFactory
	blobs         search.BlobStore
	cfg           RegistryConfig
	clock         search.Clock
	logger        *zap.Logger
}

// NewRegistry constructs a Registry. blobs may be nil to disable archiving.
func NewRegistry(
	newDiscovery DiscoveryFactory,
	newExtraction ExtractionFactory,
	blobs search.BlobStore,
	cfg RegistryConfig,
	clock search.Clock,
	logger *zap.Logger,
) *Registry {
	if cfg.DiscoverySize <= 0 {
		cfg.DiscoverySize = 2
	}
	return &Registry{
		entries:       make(map[string]*Entry),
		newDiscovery:  newDiscovery,
		newExtraction: newExtraction,
		blobs:         blobs,
		cfg:           cfg,
		clock:         clock,
		logger:        logger,
	}
}

// AcquireDiscovery returns the discovery pool for cfg, creating the pool pair
// on first use.
func (r *Registry) AcquireDiscovery(cfg search.PoolConfig) (search.DiscoveryPool, error) {
	entry, err := r.acquire(cfg)
	if err != nil {
		return nil, err
	}
	return entry.discovery, nil
}

// AcquireExtraction returns the extraction pool for cfg, creating the pool
// pair on first use.
func (r *Registry) AcquireExtraction(cfg search.PoolConfig) (search.ExtractionPool, error) {
	entry, err := r.acquire(cfg)
	if err != nil {
		return nil, err
	}
	return entry.extraction, nil
}

func (r *Registry) acquire(cfg search.PoolConfig) (*Entry, error) {
	fp, err := cfg.Fingerprint()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if entry, ok := r.entries[fp]; ok {
		entry.lastActive = r.clock.Now()
		r.mu.Unlock()
		return entry, nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do(fp, func() (any, error) {
		entry, createErr := r.createEntry(fp, cfg)
		if createErr != nil {
			return nil, createErr
		}
		r.mu.Lock()
		r.entries[fp] = entry
		count := len(r.entries)
		r.mu.Unlock()
		metrics.SetActivePools(count)
		return entry, nil
	})
	// Forget either way: on success the entries map is authoritative, and on
	// failure the fingerprint must be retryable.
	r.group.Forget(fp)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", search.ErrPoolCreation, err)
	}
	entry := v.(*Entry)

	r.mu.Lock()
	entry.lastActive = r.clock.Now()
	r.mu.Unlock()
	return entry, nil
}

func (r *Registry) createEntry(fp string, cfg search.PoolConfig) (*Entry, error) {
	discoveryEngine, err := r.newDiscovery(cfg)
	if err != nil {
		return nil, fmt.Errorf("discovery engine: %w", err)
	}
	extractionEngine, err := r.newExtraction(cfg)
	if err != nil {
		return nil, fmt.Errorf("extraction engine: %w", err)
	}

	entry := &Entry{
		fingerprint: fp,
		discovery: &DiscoveryPool{
			Pool:   NewPool(fp, r.cfg.DiscoverySize, r.cfg.QueueDepth, r.logger.Named("discovery")),
			engine: discoveryEngine,
		},
		extraction: &ExtractionPool{
			Pool:   NewPool(fp, cfg.MaxConcurrency, r.cfg.QueueDepth, r.logger.Named("extraction")),
			engine: extractionEngine,
			blobs:  r.blobs,
		},
		lastActive: r.clock.Now(),
	}
	metrics.ObservePoolCreated()
	r.logger.Info("pool pair created",
		zap.String("fingerprint", fp),
		zap.Int("extraction_workers", cfg.MaxConcurrency),
	)
	return entry, nil
}

// Retain records that a job now relies on the pools behind fingerprint.
func (r *Registry) Retain(fingerprint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[fingerprint]; ok {
		entry.refs++
		entry.lastActive = r.clock.Now()
	}
}

// Release drops one job reference. An entry is never reported idle while any
// reference remains.
func (r *Registry) Release(fingerprint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[fingerprint]
	if !ok {
		return
	}
	if entry.refs > 0 {
		entry.refs--
	}
	entry.lastActive = r.clock.Now()
}

// Refs returns the live reference count for a fingerprint (test probe).
func (r *Registry) Refs(fingerprint string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[fingerprint]; ok {
		return entry.refs
	}
	return 0
}

// RunSweeper retires idle, unreferenced entries until ctx finishes. A zero
// IdleTTL disables sweeping.
func (r *Registry) RunSweeper(ctx context.Context) {
	if r.cfg.IdleTTL <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(r.cfg.IdleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Registry) sweep(ctx context.Context) {
	now := r.clock.Now()
	var expired []*Entry
	r.mu.Lock()
	for fp, entry := range r.entries {
		if entry.refs == 0 && now.Sub(entry.lastActive) > r.cfg.IdleTTL {
			delete(r.entries, fp)
			expired = append(expired, entry)
		}
	}
	remaining := len(r.entries)
	r.mu.Unlock()

	for _, entry := range expired {
		r.shutdownEntry(ctx, entry)
		r.logger.Info("idle pool pair retired", zap.String("fingerprint", entry.fingerprint))
	}
	if len(expired) > 0 {
		metrics.SetActivePools(remaining)
	}
}

// Shutdown gracefully stops every cached pool pair.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	entries := make([]*Entry, 0, len(r.entries))
	for fp, entry := range r.entries {
		delete(r.entries, fp)
		entries = append(entries, entry)
	}
	r.mu.Unlock()

	for _, entry := range entries {
		r.shutdownEntry(ctx, entry)
	}
	metrics.SetActivePools(0)
}

func (r *Registry) shutdownEntry(ctx context.Context, entry *Entry) {
	if err := entry.discovery.Shutdown(ctx); err != nil {
		r.logger.Warn("discovery pool shutdown", zap.String("fingerprint", entry.fingerprint), zap.Error(err))
	}
	if err := entry.extraction.Shutdown(ctx); err != nil {
		r.logger.Warn("extraction pool shutdown", zap.String("fingerprint", entry.fingerprint), zap.Error(err))
	}
	// Engines owning external resources (browser processes) release them here.
	if c, ok := entry.discovery.engine.(interface{ Close() }); ok {
		c.Close()
	}
	if c, ok := entry.extraction.engine.(interface{ Close() }); ok {
		c.Close()
	}
}
