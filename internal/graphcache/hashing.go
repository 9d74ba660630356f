package graphcache

import (
	"context"
	"os"
	"sort"

	"golang.org/x/sync/errgroup"
)

// absentFileHash is the well-known sentinel recorded for a path observation
// whose file does not exist.
var absentFileHash = Fingerprint{0xFF}

// existentProbeHash is the shortcut sentinel recorded for an
// ObservationExistence probe that found the file present, without reading
// its content.
var existentProbeHash = Fingerprint{0xEE}

// FileHasher reads and hashes file content for path observations. The
// default implementation reads from the local filesystem; tests and the
// dual-mode Store path may substitute a fake.
type FileHasher interface {
	HashFile(ctx context.Context, path string) (Fingerprint, error)
	HashDirectory(ctx context.Context, path string) (Fingerprint, error)
	ProbeExists(ctx context.Context, path string) (Fingerprint, error)
}

// OSFileHasher hashes real files via the local filesystem.
type OSFileHasher struct{}

func (OSFileHasher) HashFile(ctx context.Context, path string) (Fingerprint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return absentFileHash, nil
		}
		return Fingerprint{}, err
	}
	h := newHasher(Fingerprint{})
	h.h.Write(data)
	return h.sum(), nil
}

// ProbeExists reports only whether path exists, without reading its
// content — the existence-probe shortcut for ObservationExistence
// observations.
func (OSFileHasher) ProbeExists(ctx context.Context, path string) (Fingerprint, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return absentFileHash, nil
		}
		return Fingerprint{}, err
	}
	return existentProbeHash, nil
}

func (OSFileHasher) HashDirectory(ctx context.Context, path string) (Fingerprint, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return absentFileHash, nil
		}
		return Fingerprint{}, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	h := newHasher(Fingerprint{})
	for _, n := range names {
		h.h.Write([]byte(n))
		h.h.Write([]byte{0})
	}
	return h.sum(), nil
}

// EnvLookup resolves the current value of an environment variable.
type EnvLookup func(name string) (value string, ok bool)

// MountLookup resolves the current canonicalized path of a named mount.
type MountLookup func(name string) (path string, ok bool)

// failedHashLimit caps how many per-file hashing failures get individually
// recorded.
const failedHashLimit = 25

// inputDifferencesLimit caps how many expected/actual mismatches are kept
// per category for diagnostics.
const inputDifferencesLimit = 25

// hashPathObservations concurrently hashes every observed path (bounded
// concurrency via errgroup.SetLimit), returning the (canonical-key,
// actual-hash) pairs in the same order as observed, skipping any path whose
// hashing failed, plus the failed paths (at most failedHashLimit of them).
func hashPathObservations(ctx context.Context, hasher FileHasher, obs []PathObservation, concurrency int) ([][2]string, []string) {
	if concurrency <= 0 {
		concurrency = 8
	}
	results := make([][2]string, len(obs))
	ok := make([]bool, len(obs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, p := range obs {
		i, p := i, p
		g.Go(func() error {
			var actual Fingerprint
			var err error
			switch p.Kind {
			case ObservationDirectoryMembership:
				actual, err = hasher.HashDirectory(gctx, p.Path)
			case ObservationExistence:
				actual, err = hasher.ProbeExists(gctx, p.Path)
			default:
				actual, err = hasher.HashFile(gctx, p.Path)
			}
			if err != nil {
				return nil
			}
			results[i] = [2]string{canonicalKey(canonicalPath(p.Path)), actual.String()}
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait()

	pairs := make([][2]string, 0, len(obs))
	var failedPaths []string
	for i, o := range ok {
		if o {
			pairs = append(pairs, results[i])
		} else if len(failedPaths) < failedHashLimit {
			failedPaths = append(failedPaths, obs[i].Path)
		}
	}
	return pairs, failedPaths
}
