package interest

import (
	"testing"

	"meridian.world/internal/sim/catalogs"
	"meridian.world/internal/sim/spatial"
)

func fixture(t *testing.T, radius int) (*spatial.Store, *Manager) {
	t.Helper()
	store := spatial.NewStore(64, catalogs.Builtin())
	return store, NewManager(store, radius)
}

func put(t *testing.T, store *spatial.Store, id string, pos spatial.Vec3) {
	t.Helper()
	if err := store.Upsert(id, spatial.KindObject, spatial.Transform{Pos: pos}, nil); err != nil {
		t.Fatalf("upsert %s: %v", id, err)
	}
}

func TestRegionsCoverRadius(t *testing.T) {
	_, m := fixture(t, 1)
	regions := m.Regions(spatial.RegionKey{X: 0, Z: 0})
	if len(regions) != 9 {
		t.Fatalf("radius-1 region count = %d, want 9", len(regions))
	}
	_, m2 := fixture(t, 2)
	if n := len(m2.Regions(spatial.RegionKey{})); n != 25 {
		t.Fatalf("radius-2 region count = %d, want 25", n)
	}
}

func TestInterestIncludesAdjacentRegions(t *testing.T) {
	store, m := fixture(t, 1)
	put(t, store, "near", spatial.Vec3{10, 0, 10})    // same region
	put(t, store, "next", spatial.Vec3{70, 0, 10})    // adjacent region
	put(t, store, "far", spatial.Vec3{1000, 0, 1000}) // out of range

	m.Register("s1", store.RegionForPos(spatial.Vec3{10, 0, 10}))
	set := m.ComputeInterestSet("s1")
	if !set.Contains("near") || !set.Contains("next") {
		t.Fatalf("interest set missing adjacent entities: %v", set)
	}
	if set.Contains("far") {
		t.Fatalf("interest set leaked distant entity")
	}
}

func TestBoundaryEntityVisibleFromBothSides(t *testing.T) {
	store, m := fixture(t, 1)
	// Exactly on the x=64 boundary; the floor convention indexes it into
	// region {1,0}, and radius-1 adjacency covers it from {0,0} too.
	put(t, store, "edge", spatial.Vec3{64, 0, 10})

	m.Register("left", spatial.RegionKey{X: 0, Z: 0})
	m.Register("right", spatial.RegionKey{X: 1, Z: 0})

	if !m.ComputeInterestSet("left").Contains("edge") {
		t.Fatalf("boundary entity invisible from left region")
	}
	if !m.ComputeInterestSet("right").Contains("edge") {
		t.Fatalf("boundary entity invisible from right region")
	}
}

func TestSubscriptionExtendsBeyondRadius(t *testing.T) {
	store, m := fixture(t, 1)
	put(t, store, "remote", spatial.Vec3{5000, 0, 5000})

	m.Register("s1", spatial.RegionKey{})
	if m.ComputeInterestSet("s1").Contains("remote") {
		t.Fatalf("remote entity in set before subscription")
	}
	m.Subscribe("s1", "remote")
	if !m.ComputeInterestSet("s1").Contains("remote") {
		t.Fatalf("subscription did not add remote entity")
	}
	m.Unsubscribe("s1", "remote")
	if m.ComputeInterestSet("s1").Contains("remote") {
		t.Fatalf("unsubscribe did not remove remote entity")
	}
}

func TestSubscriptionToRemovedEntityDrops(t *testing.T) {
	store, m := fixture(t, 1)
	put(t, store, "e1", spatial.Vec3{5000, 0, 0})
	m.Register("s1", spatial.RegionKey{})
	m.Subscribe("s1", "e1")
	if err := store.Remove("e1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if m.ComputeInterestSet("s1").Contains("e1") {
		t.Fatalf("dead entity survives in interest set")
	}
}

func TestViewRegionFollowsMovement(t *testing.T) {
	store, m := fixture(t, 1)
	put(t, store, "home", spatial.Vec3{10, 0, 10})
	put(t, store, "away", spatial.Vec3{640, 0, 640})

	m.Register("s1", store.RegionForPos(spatial.Vec3{10, 0, 10}))
	if set := m.ComputeInterestSet("s1"); !set.Contains("home") || set.Contains("away") {
		t.Fatalf("initial set wrong: %v", set)
	}

	m.SetViewRegion("s1", store.RegionForPos(spatial.Vec3{640, 0, 640}))
	if set := m.ComputeInterestSet("s1"); set.Contains("home") || !set.Contains("away") {
		t.Fatalf("post-move set wrong: %v", set)
	}
}

func TestUnknownSessionEmptySet(t *testing.T) {
	_, m := fixture(t, 1)
	if set := m.ComputeInterestSet("nobody"); len(set) != 0 {
		t.Fatalf("unknown session set = %v, want empty", set)
	}
}
