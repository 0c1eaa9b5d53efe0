// Package interest computes, per session, the set of entities the session is
// eligible to receive updates about: the viewport region plus a configurable
// radius of adjacent regions, plus explicit non-spatial subscriptions.
package interest

import (
	"sync"

	"meridian.world/internal/sim/spatial"
)

// View is a session's spatial viewpoint plus its subscriptions.
type View struct {
	Region spatial.RegionKey
	// Subscribed entity ids followed regardless of spatial proximity
	// (e.g. one's own inventory objects).
	Subscriptions map[string]struct{}
}

type Set map[string]struct{}

func (s Set) Contains(id string) bool {
	_, ok := s[id]
	return ok
}

type Manager struct {
	store  *spatial.Store
	radius int

	mu    sync.RWMutex
	views map[string]*View // session id -> view
}

func NewManager(store *spatial.Store, radius int) *Manager {
	if radius < 1 {
		radius = 1
	}
	return &Manager{store: store, radius: radius, views: map[string]*View{}}
}

// Register installs or replaces a session's view.
func (m *Manager) Register(sessionID string, region spatial.RegionKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.views[sessionID]
	if v == nil {
		v = &View{Subscriptions: map[string]struct{}{}}
		m.views[sessionID] = v
	}
	v.Region = region
}

func (m *Manager) Unregister(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.views, sessionID)
}

func (m *Manager) SetViewRegion(sessionID string, region spatial.RegionKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v := m.views[sessionID]; v != nil {
		v.Region = region
	}
}

func (m *Manager) Subscribe(sessionID, entityID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v := m.views[sessionID]; v != nil {
		v.Subscriptions[entityID] = struct{}{}
	}
}

func (m *Manager) Unsubscribe(sessionID, entityID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v := m.views[sessionID]; v != nil {
		delete(v.Subscriptions, entityID)
	}
}

// Regions lists the viewport region and its neighbors out to the configured
// radius. An entity sitting exactly on a region boundary is indexed into the
// lower cell, so viewers on either side of the boundary both cover it.
func (m *Manager) Regions(center spatial.RegionKey) []spatial.RegionKey {
	out := make([]spatial.RegionKey, 0, (2*m.radius+1)*(2*m.radius+1))
	for dx := -m.radius; dx <= m.radius; dx++ {
		for dz := -m.radius; dz <= m.radius; dz++ {
			out = append(out, spatial.RegionKey{X: center.X + dx, Z: center.Z + dz})
		}
	}
	return out
}

// ComputeInterestSet evaluates a session's current interest set from a
// point-in-time spatial snapshot. Unknown sessions get an empty set.
func (m *Manager) ComputeInterestSet(sessionID string) Set {
	m.mu.RLock()
	v := m.views[sessionID]
	var center spatial.RegionKey
	subs := make([]string, 0)
	if v != nil {
		center = v.Region
		for id := range v.Subscriptions {
			subs = append(subs, id)
		}
	}
	m.mu.RUnlock()
	if v == nil {
		return Set{}
	}

	set := Set{}
	cur := m.store.Query(m.Regions(center))
	for {
		e, ok := cur.Next()
		if !ok {
			break
		}
		set[e.ID] = struct{}{}
	}
	for _, id := range subs {
		if _, exists := m.store.Get(id); exists {
			set[id] = struct{}{}
		}
	}
	return set
}

// Sessions returns the registered session ids (sorted order not guaranteed).
func (m *Manager) Sessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.views))
	for id := range m.views {
		out = append(out, id)
	}
	return out
}
