// Package replicate batches and delivers state deltas to each session at a
// fixed tick cadence, filtered by the session's interest set. Delivery is
// at-least-once with monotonic tick ids; sessions that fall too far behind
// get a full-state resynchronization snapshot instead of a delta backlog.
package replicate

import (
	"encoding/json"
	"sort"

	"meridian.world/internal/protocol"
	"meridian.world/internal/sim/interest"
	"meridian.world/internal/sim/ledger"
	"meridian.world/internal/sim/session"
	"meridian.world/internal/sim/spatial"
)

type Config struct {
	ResyncThresholdTicks uint64
	InterestEveryTicks   int
}

type Engine struct {
	cfg      Config
	store    *spatial.Store
	ledger   *ledger.Ledger
	interest *interest.Manager
	sessions *session.Manager
	journal  *Journal

	// Per-session replication state. Only the flush path touches this, and
	// flush runs from the single engine tick goroutine.
	cursors map[string]*cursor
}

type cursor struct {
	interest     interest.Set
	interestTick uint64
}

func NewEngine(cfg Config, store *spatial.Store, led *ledger.Ledger, im *interest.Manager, sm *session.Manager, j *Journal) *Engine {
	if cfg.ResyncThresholdTicks == 0 {
		cfg.ResyncThresholdTicks = 10
	}
	if cfg.InterestEveryTicks <= 0 {
		cfg.InterestEveryTicks = 1
	}
	return &Engine{
		cfg:      cfg,
		store:    store,
		ledger:   led,
		interest: im,
		sessions: sm,
		journal:  j,
		cursors:  map[string]*cursor{},
	}
}

func (e *Engine) Journal() *Journal { return e.journal }

// Drop forgets a session's replication cursor. Called on disconnect.
func (e *Engine) Drop(sessionID string) {
	delete(e.cursors, sessionID)
}

// Flush runs one replication tick: for every Active session, either a DELTA
// covering (ackedTick, nowTick] or a full SNAPSHOT when the session is past
// the resync threshold or the journal no longer covers its cursor.
func (e *Engine) Flush(nowTick uint64) {
	for _, s := range e.sessions.Active() {
		if s.Out == nil {
			continue
		}
		c := e.cursors[s.ID]
		if c == nil {
			c = &cursor{interest: interest.Set{}}
			e.cursors[s.ID] = c
		}

		// Interest recompute at a bounded cadence: a stale set survives at
		// most InterestEveryTicks-1 flushes.
		cur := c.interest
		if nowTick == 0 || c.interestTick == 0 || nowTick-c.interestTick >= uint64(e.cfg.InterestEveryTicks) {
			cur = e.interest.ComputeInterestSet(s.ID)
			c.interestTick = nowTick
		}

		behind := nowTick - s.AckedTick
		if behind > e.cfg.ResyncThresholdTicks || !e.journal.Covers(s.AckedTick, nowTick) {
			e.sendSnapshot(s, cur, nowTick)
			c.interest = cur
			continue
		}
		e.sendDelta(s, c.interest, cur, nowTick)
		c.interest = cur
	}
}

func (e *Engine) sendDelta(s session.Snapshot, prev, cur interest.Set, nowTick uint64) {
	changed, removed, ledgerEvents := e.journal.Collect(s.AckedTick, nowTick)

	msg := protocol.DeltaMsg{
		Type:            protocol.TypeDelta,
		ProtocolVersion: protocol.Version,
		Tick:            nowTick,
	}

	// Entities that entered the interest set get full state.
	for id := range cur {
		if !prev.Contains(id) {
			if st, ok := e.entityState(id); ok {
				msg.Entered = append(msg.Entered, st)
			}
		}
	}
	// Entities that left the interest set but still exist.
	for id := range prev {
		if !cur.Contains(id) {
			if _, gone := removed[id]; !gone {
				msg.Left = append(msg.Left, id)
			}
		}
	}
	for id := range changed {
		if !cur.Contains(id) {
			continue
		}
		if st, ok := e.entityState(id); ok {
			msg.Changed = append(msg.Changed, st)
		}
	}
	for id := range removed {
		if prev.Contains(id) || cur.Contains(id) {
			msg.Removed = append(msg.Removed, id)
		}
	}
	for _, ev := range ledgerEvents {
		if ev.From == s.Principal || ev.To == s.Principal {
			msg.Ledger = append(msg.Ledger, ev)
		}
	}

	sortStates(msg.Entered)
	sortStates(msg.Changed)
	sort.Strings(msg.Left)
	sort.Strings(msg.Removed)

	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	sendLatest(s.Out, b)
}

func (e *Engine) sendSnapshot(s session.Snapshot, cur interest.Set, nowTick uint64) {
	msg := protocol.SnapshotMsg{
		Type:            protocol.TypeSnapshot,
		ProtocolVersion: protocol.Version,
		Tick:            nowTick,
		Entities:        make([]protocol.EntityState, 0, len(cur)),
	}
	for id := range cur {
		if st, ok := e.entityState(id); ok {
			msg.Entities = append(msg.Entities, st)
		}
	}
	sortStates(msg.Entities)
	if acc, ok := e.ledger.Account(s.Principal); ok {
		msg.Account = &protocol.AccountState{
			Principal: acc.Principal,
			Balance:   acc.Balance,
			Assets:    acc.Assets,
		}
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	sendLatest(s.Out, b)
}

func (e *Engine) entityState(id string) (protocol.EntityState, bool) {
	ent, ok := e.store.Get(id)
	if !ok {
		return protocol.EntityState{}, false
	}
	return protocol.EntityState{
		ID:   ent.ID,
		Kind: string(ent.Kind),
		Transform: protocol.Transform{
			Pos: ent.Transform.Pos,
			Rot: ent.Transform.Rot,
			Vel: ent.Transform.Vel,
		},
		Attrs:  ent.Attrs,
		Owner:  ent.Owner,
		Region: [2]int{ent.Region.X, ent.Region.Z},
	}, true
}

func sortStates(s []protocol.EntityState) {
	sort.Slice(s, func(i, j int) bool { return s[i].ID < s[j].ID })
}

// sendLatest enqueues without blocking the tick loop; if the session's queue
// is full the oldest frame is dropped. Unacked content is re-sent next tick.
func sendLatest(ch chan []byte, b []byte) {
	select {
	case ch <- b:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
}
