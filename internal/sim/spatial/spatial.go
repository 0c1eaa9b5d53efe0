// Package spatial is the authoritative entity/transform store, partitioned
// into square regions for interest queries. The store is the sole mutator of
// region membership; everything else holds entities by id only.
package spatial

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

var (
	ErrInvalidEntityState = errors.New("invalid entity state")
	ErrNotFound           = errors.New("entity not found")
)

type Kind string

const (
	KindAvatar Kind = "avatar"
	KindObject Kind = "object"
	KindAsset  Kind = "economic-asset"
)

type Vec3 = [3]float64

type Transform struct {
	Pos Vec3
	Rot Vec3
	Vel Vec3
}

type RegionKey struct {
	X int
	Z int
}

type Entity struct {
	ID        string
	Kind      Kind
	Transform Transform
	Attrs     map[string]interface{}
	Owner     string // owning session, empty for unowned
	Region    RegionKey
}

// Validator is the catalog-supplied attribute schema check.
type Validator interface {
	Validate(kind string, attrs map[string]interface{}) error
	HasKind(kind string) bool
}

type Store struct {
	regionSize float64
	validator  Validator

	mu       sync.RWMutex
	entities map[string]*Entity
	regions  map[RegionKey]map[string]struct{}
}

func NewStore(regionSize float64, v Validator) *Store {
	if regionSize <= 0 {
		regionSize = 64
	}
	return &Store{
		regionSize: regionSize,
		validator:  v,
		entities:   map[string]*Entity{},
		regions:    map[RegionKey]map[string]struct{}{},
	}
}

func (s *Store) RegionSize() float64 { return s.regionSize }

// RegionForPos maps a position to its region cell. A position exactly on a
// boundary lands in the lower-coordinate cell; interest adjacency makes it
// visible from both sides.
func (s *Store) RegionForPos(pos Vec3) RegionKey {
	return RegionKey{
		X: int(math.Floor(pos[0] / s.regionSize)),
		Z: int(math.Floor(pos[2] / s.regionSize)),
	}
}

// Upsert creates or updates an entity. Kind is fixed for the entity lifetime
// and attributes must satisfy the kind's catalog schema; violations fail with
// ErrInvalidEntityState and leave the store untouched.
func (s *Store) Upsert(id string, kind Kind, tr Transform, attrs map[string]interface{}) error {
	if id == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidEntityState)
	}
	if s.validator != nil {
		if !s.validator.HasKind(string(kind)) {
			return fmt.Errorf("%w: unknown kind %q", ErrInvalidEntityState, kind)
		}
		if err := s.validator.Validate(string(kind), attrs); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEntityState, err)
		}
	}

	region := s.RegionForPos(tr.Pos)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[id]
	if !ok {
		e = &Entity{ID: id, Kind: kind, Region: region}
		s.entities[id] = e
		s.regionAddLocked(region, id)
	} else {
		if e.Kind != kind {
			return fmt.Errorf("%w: kind mismatch %q -> %q", ErrInvalidEntityState, e.Kind, kind)
		}
		if e.Region != region {
			s.regionRemoveLocked(e.Region, id)
			s.regionAddLocked(region, id)
			e.Region = region
		}
	}
	e.Transform = tr
	e.Attrs = cloneAttrs(attrs)
	return nil
}

// UpdateTransform moves an existing entity, migrating its region atomically.
func (s *Store) UpdateTransform(id string, tr Transform) error {
	region := s.RegionForPos(tr.Pos)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[id]
	if !ok {
		return ErrNotFound
	}
	if e.Region != region {
		s.regionRemoveLocked(e.Region, id)
		s.regionAddLocked(region, id)
		e.Region = region
	}
	e.Transform = tr
	return nil
}

func (s *Store) SetOwner(id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return ErrNotFound
	}
	e.Owner = owner
	return nil
}

func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return ErrNotFound
	}
	s.regionRemoveLocked(e.Region, id)
	delete(s.entities, id)
	return nil
}

func (s *Store) Get(id string) (Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	if !ok {
		return Entity{}, false
	}
	return copyEntity(e), true
}

func (s *Store) RegionOf(id string) (RegionKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	if !ok {
		return RegionKey{}, false
	}
	return e.Region, true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

// Query returns a point-in-time snapshot cursor over the entities in the
// given regions. The copy is taken under the read lock, so no entity is
// skipped or returned twice due to a concurrent region migration.
func (s *Store) Query(regions []RegionKey) *Cursor {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := map[string]struct{}{}
	items := make([]Entity, 0, 16)
	for _, rk := range regions {
		for id := range s.regions[rk] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if e, ok := s.entities[id]; ok {
				items = append(items, copyEntity(e))
			}
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return &Cursor{items: items}
}

// All snapshots every entity, sorted by id. Used for checkpoints and resync.
func (s *Store) All() []Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Entity, 0, len(s.entities))
	for _, e := range s.entities {
		items = append(items, copyEntity(e))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items
}

func (s *Store) regionAddLocked(rk RegionKey, id string) {
	set := s.regions[rk]
	if set == nil {
		set = map[string]struct{}{}
		s.regions[rk] = set
	}
	set[id] = struct{}{}
}

func (s *Store) regionRemoveLocked(rk RegionKey, id string) {
	set := s.regions[rk]
	if set == nil {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(s.regions, rk)
	}
}

// Cursor is a lazy, restartable iterator over a query snapshot.
type Cursor struct {
	items []Entity
	idx   int
}

func (c *Cursor) Next() (Entity, bool) {
	if c.idx >= len(c.items) {
		return Entity{}, false
	}
	e := c.items[c.idx]
	c.idx++
	return e, true
}

func (c *Cursor) Reset()   { c.idx = 0 }
func (c *Cursor) Len() int { return len(c.items) }

func copyEntity(e *Entity) Entity {
	out := *e
	out.Attrs = cloneAttrs(e.Attrs)
	return out
}

func cloneAttrs(attrs map[string]interface{}) map[string]interface{} {
	if attrs == nil {
		return nil
	}
	out := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
