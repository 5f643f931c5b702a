package plugins

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// PublicFingerprint marks an unauthenticated instance key.
const PublicFingerprint = "public"

// RegistryConfig tunes instance caching.
type RegistryConfig struct {
	IdleTTL       time.Duration `yaml:"idle_ttl"`
	SweepInterval time.Duration `yaml:"idle_sweep_interval"`
	EvictionGrace time.Duration `yaml:"eviction_grace"`
}

// DefaultRegistryConfig returns the default eviction policy.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		IdleTTL:       15 * time.Minute,
		SweepInterval: 5 * time.Minute,
		EvictionGrace: 10 * time.Second,
	}
}

// InstanceKey is the cache key for one live connector.
type InstanceKey struct {
	PluginKey   string
	Provider    string
	Fingerprint string
	Testnet     bool
}

func (k InstanceKey) String() string {
	return fmt.Sprintf("%s/%s/%s/testnet=%t", k.PluginKey, k.Provider, k.Fingerprint, k.Testnet)
}

// Fingerprint derives the short stable credential fingerprint: the first 12
// hex chars of sha256(api_key|secret), or "public" for nil credentials.
func Fingerprint(creds *Credentials) string {
	if creds == nil || creds.APIKey == "" {
		return PublicFingerprint
	}
	sum := sha256.Sum256([]byte(creds.APIKey + "|" + creds.Secret))
	return hex.EncodeToString(sum[:])[:12]
}

type entry struct {
	instance   Instance
	refs       int
	lastAccess time.Time
	// teardown serializes Close against the sweeper so an eviction never
	// races a concurrent force-close.
	teardown sync.Mutex
	closed   bool
}

// Lease is a shared reference on a cached instance. Holding a lease blocks
// eviction until Release (or until the eviction grace expires). The lease
// keeps a direct entry reference so Release still works after the sweeper
// has unmapped the entry.
type Lease struct {
	Instance Instance
	registry *Registry
	entry    *entry
	once     sync.Once
}

// Release returns the lease. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		if l.registry != nil {
			l.registry.release(l.entry)
		}
	})
}

// StaticLease wraps an instance in a lease with no registry bookkeeping.
// Single-connector wiring and tests use it.
func StaticLease(inst Instance) *Lease {
	return &Lease{Instance: inst}
}

// Registry caches one connector per InstanceKey with LRU idle eviction.
type Registry struct {
	config    RegistryConfig
	factories []Factory
	creds     CredentialFunc
	now       func() time.Time

	mu       sync.RWMutex
	entries  map[InstanceKey]*entry
	building map[InstanceKey]*sync.Mutex

	stopSweep chan struct{}
	sweepDone chan struct{}
	closeOnce sync.Once
}

// NewRegistry builds a registry over the given plugin factories. creds may
// be nil, in which case every instance is public.
func NewRegistry(config RegistryConfig, factories []Factory, creds CredentialFunc) *Registry {
	r := &Registry{
		config:    config,
		factories: factories,
		creds:     creds,
		now:       time.Now,
		entries:   make(map[InstanceKey]*entry),
		building:  make(map[InstanceKey]*sync.Mutex),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// resolveFactory maps (market, provider) to a plugin family using the
// discovery list. When no family serves the market, a provider that names a
// plugin family directly still resolves.
func (r *Registry) resolveFactory(market, provider string) (Factory, error) {
	for _, f := range r.factories {
		if !contains(f.SupportedMarkets(), market) {
			continue
		}
		if contains(f.ConfigurableProviders(), provider) {
			return f, nil
		}
	}
	for _, f := range r.factories {
		if f.PluginKey() == provider && contains(f.ConfigurableProviders(), provider) {
			return f, nil
		}
	}
	return nil, NewError(KindFeatureUnsupported, provider,
		fmt.Errorf("no plugin serves market %q provider %q", market, provider))
}

// Acquire returns a leased connector for (market, provider), constructing
// and caching one if needed. Identical keys construct exactly once.
func (r *Registry) Acquire(ctx context.Context, market, provider, user string) (*Lease, error) {
	factory, err := r.resolveFactory(market, provider)
	if err != nil {
		return nil, err
	}

	var creds *Credentials
	if user != "" && r.creds != nil {
		creds, err = r.creds(ctx, user, provider)
		if err != nil {
			return nil, NewError(KindAuth, provider, fmt.Errorf("credential lookup: %w", err))
		}
	}

	testnet := creds != nil && creds.Testnet
	key := InstanceKey{
		PluginKey:   factory.PluginKey(),
		Provider:    provider,
		Fingerprint: Fingerprint(creds),
		Testnet:     testnet,
	}

	if lease := r.tryLease(key); lease != nil {
		return lease, nil
	}

	// Construct under a per-key mutex with a double-check so concurrent
	// callers for the same key build exactly one instance.
	buildMu := r.buildMutex(key)
	buildMu.Lock()
	defer buildMu.Unlock()

	if lease := r.tryLease(key); lease != nil {
		return lease, nil
	}

	instance, err := factory.New(provider, creds, testnet)
	if err != nil {
		return nil, err
	}

	e := &entry{instance: instance, refs: 1, lastAccess: r.now()}
	r.mu.Lock()
	r.entries[key] = e
	r.mu.Unlock()

	log.Info().Str("instance", key.String()).Msg("Constructed plugin instance")
	return &Lease{Instance: instance, registry: r, entry: e}, nil
}

// tryLease takes a shared reference on a cached entry, refreshing its
// last-access time.
func (r *Registry) tryLease(key InstanceKey) *Lease {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok || e.closed {
		return nil
	}
	e.refs++
	e.lastAccess = r.now()
	return &Lease{Instance: e.instance, registry: r, entry: e}
}

func (r *Registry) buildMutex(key InstanceKey) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	mu, ok := r.building[key]
	if !ok {
		mu = &sync.Mutex{}
		r.building[key] = mu
	}
	return mu
}

func (r *Registry) release(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.refs--
	e.lastAccess = r.now()
}

// sweepLoop evicts entries idle for longer than IdleTTL.
func (r *Registry) sweepLoop() {
	defer close(r.sweepDone)
	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopSweep:
			return
		case <-ticker.C:
			r.sweepOnce()
		}
	}
}

func (r *Registry) sweepOnce() {
	now := r.now()

	r.mu.Lock()
	var victims []InstanceKey
	for key, e := range r.entries {
		if now.Sub(e.lastAccess) > r.config.IdleTTL {
			victims = append(victims, key)
		}
	}
	r.mu.Unlock()

	for _, key := range victims {
		r.evict(key)
	}
}

// evict removes an idle entry, waiting for in-flight borrowers up to the
// eviction grace before force-closing.
func (r *Registry) evict(key InstanceKey) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	// Unmap first so new Acquires construct a fresh instance instead of
	// leasing one that is about to close.
	delete(r.entries, key)
	r.mu.Unlock()

	deadline := r.now().Add(r.config.EvictionGrace)
	for {
		r.mu.RLock()
		refs := e.refs
		r.mu.RUnlock()
		if refs <= 0 {
			break
		}
		if r.now().After(deadline) {
			log.Warn().
				Str("instance", key.String()).
				Int("refs", refs).
				Msg("Force-closing plugin instance past eviction grace")
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	e.teardown.Lock()
	defer e.teardown.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	if err := e.instance.Close(); err != nil {
		log.Warn().Str("instance", key.String()).Err(err).Msg("Plugin close failed on eviction")
	} else {
		log.Info().Str("instance", key.String()).Msg("Evicted idle plugin instance")
	}
}

// SweepNow runs one eviction pass synchronously. Tests and the maintenance
// endpoint use it.
func (r *Registry) SweepNow() { r.sweepOnce() }

// SetClock overrides the registry clock for tests.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// Size returns the number of cached instances.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Close stops the sweeper and closes every cached instance.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.stopSweep)
		<-r.sweepDone

		r.mu.Lock()
		entries := r.entries
		r.entries = make(map[InstanceKey]*entry)
		r.mu.Unlock()

		for key, e := range entries {
			e.teardown.Lock()
			if !e.closed {
				e.closed = true
				if err := e.instance.Close(); err != nil {
					log.Warn().Str("instance", key.String()).Err(err).Msg("Plugin close failed on shutdown")
				}
			}
			e.teardown.Unlock()
		}
	})
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
