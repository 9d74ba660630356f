package graphcache

import "testing"

func TestNewInputDescriptorDedupesAndSorts(t *testing.T) {
	d := NewInputDescriptor(
		[]PathObservation{
			{Path: "/b", Kind: ObservationContentHash},
			{Path: "/a", Kind: ObservationContentHash},
			{Path: "/a", Kind: ObservationExistence}, // duplicate key, last wins
		},
		nil, nil,
	)
	paths := d.Paths()
	if len(paths) != 2 {
		t.Fatalf("expected 2 deduplicated paths, got %d", len(paths))
	}
	if paths[0].Path != "/a" || paths[1].Path != "/b" {
		t.Fatalf("expected paths sorted by canonical key, got %v", paths)
	}
	if paths[0].Kind != ObservationExistence {
		t.Fatalf("expected the later observation for a duplicate key to win, got kind %v", paths[0].Kind)
	}
}

func TestInputDescriptorIsEmpty(t *testing.T) {
	empty := NewInputDescriptor(nil, nil, nil)
	if !empty.IsEmpty() {
		t.Fatal("descriptor with no observations must report IsEmpty")
	}

	nonEmpty := NewInputDescriptor([]PathObservation{{Path: "/a"}}, nil, nil)
	if nonEmpty.IsEmpty() {
		t.Fatal("descriptor with at least one observation must not report IsEmpty")
	}
}

func TestInputDescriptorSubtractRemovesMatchingKeys(t *testing.T) {
	d := NewInputDescriptor(
		[]PathObservation{{Path: "/a"}, {Path: "/b"}},
		[]EnvVarObservation{{Name: "FOO"}, {Name: "BAR"}},
		[]MountObservation{{Name: "M1"}},
	)
	other := NewInputDescriptor(
		[]PathObservation{{Path: "/a"}},
		[]EnvVarObservation{{Name: "FOO"}},
		nil,
	)

	result := d.subtract(other)
	if len(result.Paths()) != 1 || result.Paths()[0].Path != "/b" {
		t.Fatalf("expected only /b to remain, got %v", result.Paths())
	}
	if len(result.EnvVars()) != 1 || result.EnvVars()[0].Name != "BAR" {
		t.Fatalf("expected only BAR to remain, got %v", result.EnvVars())
	}
	if len(result.Mounts()) != 1 || result.Mounts()[0].Name != "M1" {
		t.Fatalf("expected M1 to be untouched, got %v", result.Mounts())
	}
}

func TestInputDescriptorSubtractIsCaseInsensitive(t *testing.T) {
	d := NewInputDescriptor(nil, []EnvVarObservation{{Name: "foo"}}, nil)
	other := NewInputDescriptor(nil, []EnvVarObservation{{Name: "FOO"}}, nil)

	result := d.subtract(other)
	if len(result.EnvVars()) != 0 {
		t.Fatalf("expected subtract to match env var names case-insensitively, got %v", result.EnvVars())
	}
}
