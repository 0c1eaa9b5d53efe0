package spatial

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"meridian.world/internal/sim/catalogs"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(64, catalogs.Builtin())
}

func TestRegionForPosFloorsNegative(t *testing.T) {
	s := newStore(t)
	cases := []struct {
		pos  Vec3
		want RegionKey
	}{
		{Vec3{0, 0, 0}, RegionKey{0, 0}},
		{Vec3{63.9, 0, 63.9}, RegionKey{0, 0}},
		{Vec3{64, 0, 0}, RegionKey{1, 0}},
		{Vec3{-0.1, 0, -0.1}, RegionKey{-1, -1}},
		{Vec3{-64, 0, -64.1}, RegionKey{-1, -2}},
		{Vec3{128, 0, -1}, RegionKey{2, -1}},
	}
	for _, c := range cases {
		if got := s.RegionForPos(c.pos); got != c.want {
			t.Fatalf("RegionForPos(%v) = %v, want %v", c.pos, got, c.want)
		}
	}
}

func TestUpsertAssignsRegionMembership(t *testing.T) {
	s := newStore(t)
	if err := s.Upsert("e1", KindObject, Transform{Pos: Vec3{10, 0, 10}}, nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	rk, ok := s.RegionOf("e1")
	if !ok || rk != (RegionKey{0, 0}) {
		t.Fatalf("RegionOf = %v ok=%v", rk, ok)
	}
	cur := s.Query([]RegionKey{{0, 0}})
	if cur.Len() != 1 {
		t.Fatalf("query found %d entities, want 1", cur.Len())
	}
}

func TestMoveMigratesRegionAtomically(t *testing.T) {
	s := newStore(t)
	if err := s.Upsert("e1", KindObject, Transform{Pos: Vec3{10, 0, 10}}, nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpdateTransform("e1", Transform{Pos: Vec3{100, 0, 10}}); err != nil {
		t.Fatalf("move: %v", err)
	}
	if cur := s.Query([]RegionKey{{0, 0}}); cur.Len() != 0 {
		t.Fatalf("entity still in old region")
	}
	if cur := s.Query([]RegionKey{{1, 0}}); cur.Len() != 1 {
		t.Fatalf("entity missing from new region")
	}
}

func TestQuerySnapshotUnderConcurrentMoves(t *testing.T) {
	s := newStore(t)
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("e%02d", i)
		if err := s.Upsert(id, KindObject, Transform{Pos: Vec3{float64(i), 0, 0}}, nil); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		x := 0.0
		for {
			select {
			case <-stop:
				return
			default:
			}
			// Bounce entities across the region boundary.
			x += 70
			if x > 140 {
				x = 0
			}
			for i := 0; i < 20; i++ {
				_ = s.UpdateTransform(fmt.Sprintf("e%02d", i), Transform{Pos: Vec3{x, 0, 0}})
			}
		}
	}()

	regions := []RegionKey{{0, 0}, {1, 0}, {2, 0}}
	for iter := 0; iter < 200; iter++ {
		cur := s.Query(regions)
		seen := map[string]int{}
		for {
			e, ok := cur.Next()
			if !ok {
				break
			}
			seen[e.ID]++
		}
		// Every entity exactly once per query snapshot.
		if len(seen) != 20 {
			t.Fatalf("query saw %d entities, want 20", len(seen))
		}
		for id, n := range seen {
			if n != 1 {
				t.Fatalf("entity %s seen %d times in one query", id, n)
			}
		}
	}
	close(stop)
	wg.Wait()
}

func TestUpsertRejectsSchemaViolation(t *testing.T) {
	s := newStore(t)
	// economic-asset requires asset_id.
	err := s.Upsert("a1", KindAsset, Transform{}, map[string]interface{}{"display_name": "deed"})
	if !errors.Is(err, ErrInvalidEntityState) {
		t.Fatalf("err = %v, want ErrInvalidEntityState", err)
	}
	if _, ok := s.Get("a1"); ok {
		t.Fatalf("rejected upsert left entity in store")
	}
	// Valid attrs pass.
	if err := s.Upsert("a1", KindAsset, Transform{}, map[string]interface{}{"asset_id": "a1"}); err != nil {
		t.Fatalf("valid upsert: %v", err)
	}
}

func TestUpsertRejectsUnknownKind(t *testing.T) {
	s := newStore(t)
	err := s.Upsert("x", Kind("dragon"), Transform{}, nil)
	if !errors.Is(err, ErrInvalidEntityState) {
		t.Fatalf("err = %v, want ErrInvalidEntityState", err)
	}
}

func TestUpsertKindIsImmutable(t *testing.T) {
	s := newStore(t)
	if err := s.Upsert("e1", KindObject, Transform{}, nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	err := s.Upsert("e1", KindAvatar, Transform{}, nil)
	if !errors.Is(err, ErrInvalidEntityState) {
		t.Fatalf("kind change err = %v, want ErrInvalidEntityState", err)
	}
	e, _ := s.Get("e1")
	if e.Kind != KindObject {
		t.Fatalf("kind mutated to %q", e.Kind)
	}
}

func TestRemoveClearsRegion(t *testing.T) {
	s := newStore(t)
	if err := s.Upsert("e1", KindObject, Transform{Pos: Vec3{10, 0, 10}}, nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.Remove("e1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if cur := s.Query([]RegionKey{{0, 0}}); cur.Len() != 0 {
		t.Fatalf("removed entity still in region index")
	}
	if err := s.Remove("e1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double remove err = %v, want ErrNotFound", err)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := newStore(t)
	if err := s.Upsert("e1", KindObject, Transform{}, map[string]interface{}{"model": "crate"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	e, _ := s.Get("e1")
	e.Attrs["model"] = "mutated"
	again, _ := s.Get("e1")
	if again.Attrs["model"] != "crate" {
		t.Fatalf("caller mutation leaked into store")
	}
}
