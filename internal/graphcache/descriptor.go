package graphcache

import "sort"

// ObservationKind distinguishes a path observation's meaning: whether the
// chain cares about the file's content hash, or merely that it exists.
type ObservationKind int

const (
	ObservationContentHash ObservationKind = iota
	ObservationExistence
	ObservationDirectoryMembership
)

// PathObservation is one observed filesystem input: a path, what kind of
// observation was made of it, and the expected hash recorded at the time the
// input descriptor was constructed.
type PathObservation struct {
	Path         string
	Kind         ObservationKind
	ExpectedHash Fingerprint
}

// EnvVarObservation is one observed environment variable: its name and the
// expected canonicalized value recorded at construction time.
type EnvVarObservation struct {
	Name          string
	ExpectedValue string // nullMarker if the variable was unset
}

// MountObservation is one observed mount name and its expected canonicalized
// path.
type MountObservation struct {
	Name         string
	ExpectedPath string // nullMarker if the mount was unset
}

// InputDescriptor is the sorted, deduplicated, immutable record of
// (paths, env vars, mounts) observed as a pip's graph-input descriptor.
// Construct via NewInputDescriptor; the zero value is not usable.
type InputDescriptor struct {
	paths   []PathObservation
	envVars []EnvVarObservation
	mounts  []MountObservation
}

// NewInputDescriptor builds an immutable descriptor: inputs are deduplicated
// by key (last observation for a given key wins) and sorted by canonical
// key.
func NewInputDescriptor(paths []PathObservation, envVars []EnvVarObservation, mounts []MountObservation) *InputDescriptor {
	return &InputDescriptor{
		paths:   dedupePaths(paths),
		envVars: dedupeEnvVars(envVars),
		mounts:  dedupeMounts(mounts),
	}
}

func dedupePaths(in []PathObservation) []PathObservation {
	byKey := make(map[string]PathObservation, len(in))
	for _, p := range in {
		byKey[canonicalKey(canonicalPath(p.Path))] = p
	}
	out := make([]PathObservation, 0, len(byKey))
	for _, p := range byKey {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return canonicalKey(canonicalPath(out[i].Path)) < canonicalKey(canonicalPath(out[j].Path))
	})
	return out
}

func dedupeEnvVars(in []EnvVarObservation) []EnvVarObservation {
	byKey := make(map[string]EnvVarObservation, len(in))
	for _, e := range in {
		byKey[canonicalKey(e.Name)] = e
	}
	out := make([]EnvVarObservation, 0, len(byKey))
	for _, e := range byKey {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return canonicalKey(out[i].Name) < canonicalKey(out[j].Name) })
	return out
}

func dedupeMounts(in []MountObservation) []MountObservation {
	byKey := make(map[string]MountObservation, len(in))
	for _, m := range in {
		byKey[canonicalKey(m.Name)] = m
	}
	out := make([]MountObservation, 0, len(byKey))
	for _, m := range byKey {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return canonicalKey(out[i].Name) < canonicalKey(out[j].Name) })
	return out
}

// Paths returns the sorted path observations.
func (d *InputDescriptor) Paths() []PathObservation { return d.paths }

// EnvVars returns the sorted environment-variable observations.
func (d *InputDescriptor) EnvVars() []EnvVarObservation { return d.envVars }

// Mounts returns the sorted mount observations.
func (d *InputDescriptor) Mounts() []MountObservation { return d.mounts }

// IsEmpty reports whether the descriptor carries no observations at all — an
// empty observed-inputs descriptor hashes only the parent salt.
func (d *InputDescriptor) IsEmpty() bool {
	return len(d.paths) == 0 && len(d.envVars) == 0 && len(d.mounts) == 0
}

// subtract removes observations present in other from d, returning a new
// descriptor — used by Store when a conflict partially overlaps.
func (d *InputDescriptor) subtract(other *InputDescriptor) *InputDescriptor {
	otherPaths := make(map[string]bool, len(other.paths))
	for _, p := range other.paths {
		otherPaths[canonicalKey(canonicalPath(p.Path))] = true
	}
	otherEnv := make(map[string]bool, len(other.envVars))
	for _, e := range other.envVars {
		otherEnv[canonicalKey(e.Name)] = true
	}
	otherMounts := make(map[string]bool, len(other.mounts))
	for _, m := range other.mounts {
		otherMounts[canonicalKey(m.Name)] = true
	}

	var paths []PathObservation
	for _, p := range d.paths {
		if !otherPaths[canonicalKey(canonicalPath(p.Path))] {
			paths = append(paths, p)
		}
	}
	var envVars []EnvVarObservation
	for _, e := range d.envVars {
		if !otherEnv[canonicalKey(e.Name)] {
			envVars = append(envVars, e)
		}
	}
	var mounts []MountObservation
	for _, m := range d.mounts {
		if !otherMounts[canonicalKey(m.Name)] {
			mounts = append(mounts, m)
		}
	}
	return NewInputDescriptor(paths, envVars, mounts)
}
