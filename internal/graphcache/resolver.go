package graphcache

import (
	"context"

	"go.uber.org/zap"

	"github.com/buildxl/distproxy/internal/metrics"
)

// DefaultMaxHopCount bounds the fingerprint-chain walk.
const DefaultMaxHopCount = 10

// Resolver performs Lookup/Store chain walks against a FingerprintStore.
type Resolver struct {
	store       FingerprintStore
	hasher      FileHasher
	envLookup   EnvLookup
	mountLookup MountLookup
	maxHopCount int
	concurrency int
	metrics     metrics.Sink
	logger      *zap.Logger
}

// Config collects Resolver construction parameters.
type Config struct {
	Store           FingerprintStore
	Hasher          FileHasher
	EnvLookup       EnvLookup
	MountLookup     MountLookup
	MaxHopCount     int
	HashConcurrency int
	Metrics         metrics.Sink
	Logger          *zap.Logger
}

// New constructs a Resolver.
func New(cfg Config) *Resolver {
	if cfg.Hasher == nil {
		cfg.Hasher = OSFileHasher{}
	}
	if cfg.MaxHopCount <= 0 {
		cfg.MaxHopCount = DefaultMaxHopCount
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NopSink{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Resolver{
		store:       cfg.Store,
		hasher:      cfg.Hasher,
		envLookup:   cfg.EnvLookup,
		mountLookup: cfg.MountLookup,
		maxHopCount: cfg.MaxHopCount,
		concurrency: cfg.HashConcurrency,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger.Named("graphcache"),
	}
}

// Stats is a point-in-time view of a Resolver's configuration, exposed by
// internal/adminapi's /graphcache/stats endpoint.
type Stats struct {
	MaxHopCount     int `json:"max_hop_count"`
	HashConcurrency int `json:"hash_concurrency"`
}

// Stats reports the resolver's current configuration.
func (r *Resolver) Stats() Stats {
	return Stats{MaxHopCount: r.maxHopCount, HashConcurrency: r.concurrency}
}

// derivedFingerprint computes the next-hop fingerprint given the current one
// and a descriptor of inputs observed at this hop. Both modes hash the
// currently available env/mount values. storingMode (true, used by Store)
// only turns off mismatch recording; with it false (Lookup), names whose
// current value differs from the descriptor's expected value are returned.
func (r *Resolver) derivedFingerprint(ctx context.Context, current Fingerprint, desc *InputDescriptor, storingMode bool) (Fingerprint, map[string][]string) {
	mismatches := make(map[string][]string)

	pathPairs, _ := hashPathObservations(ctx, r.hasher, desc.Paths(), r.concurrency)

	var envPairs [][2]string
	for _, e := range desc.EnvVars() {
		val := nullMarker
		if r.envLookup != nil {
			if v, ok := r.envLookup(e.Name); ok {
				val = canonicalKey(v)
			}
		}
		envPairs = append(envPairs, [2]string{canonicalKey(e.Name), val})
		if !storingMode && val != e.ExpectedValue && len(mismatches["env"]) < inputDifferencesLimit {
			mismatches["env"] = append(mismatches["env"], e.Name)
		}
	}

	var mountPairs [][2]string
	for _, m := range desc.Mounts() {
		val := nullMarker
		if r.mountLookup != nil {
			if v, ok := r.mountLookup(m.Name); ok {
				val = canonicalPath(v)
			}
		}
		mountPairs = append(mountPairs, [2]string{canonicalKey(m.Name), val})
		if !storingMode && val != m.ExpectedPath && len(mismatches["mount"]) < inputDifferencesLimit {
			mismatches["mount"] = append(mismatches["mount"], m.Name)
		}
	}

	h := newHasher(current)
	h.writeSalted(saltPathObservations, pathPairs)
	h.writeSalted(saltEnvironmentVars, envPairs)
	h.writeSalted(saltMounts, mountPairs)
	return h.sum(), mismatches
}

// Lookup walks the chain rooted at root.
func (r *Resolver) Lookup(ctx context.Context, root Fingerprint, expected *InputDescriptor) *LookupResult {
	chain := []Fingerprint{root}
	current := root
	var lastMismatches map[string][]string

	for hop := 0; hop < r.maxHopCount; hop++ {
		entry, found, err := r.store.TryGet(ctx, current)
		if err != nil {
			r.metrics.GraphCacheFailure(string(FailureFailedGetFingerprintEntry))
			return &LookupResult{Status: StatusFailure, Failure: FailureFailedGetFingerprintEntry, Chain: chain}
		}
		if !found {
			r.metrics.GraphCacheMiss()
			return &LookupResult{Status: StatusMiss, Chain: chain, Mismatches: lastMismatches}
		}

		switch entry.Kind {
		case KindGraphDescriptor:
			r.metrics.GraphCacheHit()
			return &LookupResult{Status: StatusHit, Descriptor: entry.Descriptor, Chain: chain}
		case KindGraphInputDescriptor:
			derived, mismatches := r.derivedFingerprint(ctx, current, entry.InputDesc, false)
			lastMismatches = mismatches
			chain = append(chain, derived)
			current = derived
		default:
			r.metrics.GraphCacheFailure(string(FailureUnexpectedFingerprintEntryKind))
			return &LookupResult{Status: StatusFailure, Failure: FailureUnexpectedFingerprintEntryKind, Chain: chain}
		}
	}

	r.metrics.GraphCacheFailure(string(FailureExceededMaxHopCount))
	return &LookupResult{Status: StatusFailure, Failure: FailureExceededMaxHopCount, Chain: chain, Mismatches: lastMismatches}
}

// Store walks the chain publishing descriptor (if observed is empty) or
// successive graph-input descriptor hops (otherwise), resolving conflicts by
// rehashing against the conflicting entry.
func (r *Resolver) Store(ctx context.Context, root Fingerprint, observed *InputDescriptor, descriptor []byte) *StorePublishResult {
	chain := []Fingerprint{root}
	current := root
	remaining := observed

	for hop := 0; hop < r.maxHopCount; hop++ {
		var entry *Entry
		var replaceExisting bool
		if remaining.IsEmpty() {
			entry = &Entry{Kind: KindGraphDescriptor, Descriptor: descriptor}
			replaceExisting = true
		} else {
			entry = &Entry{Kind: KindGraphInputDescriptor, InputDesc: remaining}
			replaceExisting = false
		}

		res, err := r.store.TryStore(ctx, current, entry, replaceExisting)
		if err != nil {
			r.metrics.GraphCacheFailure(string(FailureFailedGetFingerprintEntry))
			return &StorePublishResult{Status: StoreFailure, Failure: FailureFailedGetFingerprintEntry, Chain: chain}
		}

		if res.Outcome == Published {
			if remaining.IsEmpty() {
				return &StorePublishResult{Status: StoreSuccess, Descriptor: descriptor, Chain: chain}
			}
			derived, _ := r.derivedFingerprint(ctx, current, remaining, true)
			chain = append(chain, derived)
			current = derived
			remaining = NewInputDescriptor(nil, nil, nil)
			continue
		}

		// RejectedDueToConflictingEntry: load the conflicting entry.
		conflict, found, err := r.store.TryLoadContent(ctx, res.Conflict)
		if err != nil || !found {
			r.metrics.GraphCacheFailure(string(FailureFailedLoadAndDeserializeContent))
			return &StorePublishResult{Status: StoreFailure, Failure: FailureFailedLoadAndDeserializeContent, Chain: chain}
		}

		switch conflict.Kind {
		case KindGraphDescriptor:
			// Conflict resolves to a descriptor but local observed inputs may
			// still be non-empty — an ambiguous case left to the caller.
			// Preserve that disposition rather than guessing.
			if !remaining.IsEmpty() {
				return &StorePublishResult{Status: StoreUnknown, Descriptor: conflict.Descriptor, Chain: chain}
			}
			return &StorePublishResult{Status: StoreSuccess, Descriptor: conflict.Descriptor, Chain: chain}
		case KindGraphInputDescriptor:
			derived, _ := r.derivedFingerprint(ctx, current, conflict.InputDesc, true)
			remaining = remaining.subtract(conflict.InputDesc)
			chain = append(chain, derived)
			current = derived
		default:
			r.metrics.GraphCacheFailure(string(FailureUnexpectedFingerprintEntryKind))
			return &StorePublishResult{Status: StoreFailure, Failure: FailureUnexpectedFingerprintEntryKind, Chain: chain}
		}
	}

	r.metrics.GraphCacheFailure(string(FailureExceededMaxHopCount))
	return &StorePublishResult{Status: StoreFailure, Failure: FailureExceededMaxHopCount, Chain: chain}
}
