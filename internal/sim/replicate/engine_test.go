package replicate

import (
	"encoding/json"
	"testing"

	"meridian.world/internal/auth"
	"meridian.world/internal/protocol"
	"meridian.world/internal/sim/catalogs"
	"meridian.world/internal/sim/interest"
	"meridian.world/internal/sim/ledger"
	"meridian.world/internal/sim/session"
	"meridian.world/internal/sim/spatial"
)

type fixture struct {
	store    *spatial.Store
	ledger   *ledger.Ledger
	interest *interest.Manager
	sessions *session.Manager
	journal  *Journal
	engine   *Engine
	provider *auth.HMACProvider
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{}
	f.store = spatial.NewStore(64, catalogs.Builtin())
	f.ledger = ledger.New()
	f.interest = interest.NewManager(f.store, 1)
	f.provider = auth.NewHMACProvider("test-secret")
	f.sessions = session.NewManager(f.provider, 100)
	f.journal = NewJournal(16)
	f.engine = NewEngine(cfg, f.store, f.ledger, f.interest, f.sessions, f.journal)
	return f
}

// activate wires up one Active session viewing region {0,0}.
func (f *fixture) activate(t *testing.T, principal string) session.Snapshot {
	t.Helper()
	s := f.sessions.Connect(make(chan []byte, 16), 0)
	if _, err := f.sessions.Authenticate(s.ID, f.provider.Token(principal)); err != nil {
		t.Fatalf("auth %s: %v", principal, err)
	}
	if _, err := f.sessions.Activate(s.ID, "av_"+s.ID); err != nil {
		t.Fatalf("activate %s: %v", principal, err)
	}
	f.interest.Register(s.ID, spatial.RegionKey{})
	out, _ := f.sessions.Get(s.ID)
	return out
}

func (f *fixture) put(t *testing.T, id string, pos spatial.Vec3) {
	t.Helper()
	if err := f.store.Upsert(id, spatial.KindObject, spatial.Transform{Pos: pos}, nil); err != nil {
		t.Fatalf("upsert %s: %v", id, err)
	}
}

func recvDelta(t *testing.T, ch chan []byte) protocol.DeltaMsg {
	t.Helper()
	var msg protocol.DeltaMsg
	select {
	case b := <-ch:
		if err := json.Unmarshal(b, &msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
	default:
		t.Fatalf("no frame on session channel")
	}
	if msg.Type != protocol.TypeDelta {
		t.Fatalf("frame type = %s, want DELTA", msg.Type)
	}
	return msg
}

func recvSnapshot(t *testing.T, ch chan []byte) protocol.SnapshotMsg {
	t.Helper()
	var msg protocol.SnapshotMsg
	select {
	case b := <-ch:
		if err := json.Unmarshal(b, &msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
	default:
		t.Fatalf("no frame on session channel")
	}
	if msg.Type != protocol.TypeSnapshot {
		t.Fatalf("frame type = %s, want SNAPSHOT", msg.Type)
	}
	return msg
}

func TestFirstFlushSendsEnteredEntities(t *testing.T) {
	f := newFixture(t, Config{ResyncThresholdTicks: 10})
	s := f.activate(t, "alice")
	f.put(t, "obj1", spatial.Vec3{10, 0, 10})

	f.sessions.AckTick(s.ID, 0, 0)
	f.engine.Flush(1)

	msg := recvDelta(t, s.Out)
	if msg.Tick != 1 {
		t.Fatalf("delta tick = %d", msg.Tick)
	}
	if len(msg.Entered) != 1 || msg.Entered[0].ID != "obj1" {
		t.Fatalf("entered = %+v, want obj1 full state", msg.Entered)
	}
	if msg.Entered[0].Region != [2]int{0, 0} {
		t.Fatalf("entered region = %v", msg.Entered[0].Region)
	}
}

func TestDeltaCoversJournalSinceAck(t *testing.T) {
	f := newFixture(t, Config{ResyncThresholdTicks: 10})
	s := f.activate(t, "alice")
	f.put(t, "obj1", spatial.Vec3{10, 0, 10})

	f.engine.Flush(1) // obj1 enters
	_ = <-s.Out
	f.sessions.AckTick(s.ID, 1, 1)

	// Changes at ticks 2 and 3; the client acks nothing in between.
	f.put(t, "obj1", spatial.Vec3{11, 0, 10})
	f.journal.EntityChanged(2, "obj1")
	f.engine.Flush(2)
	d2 := recvDelta(t, s.Out)
	if len(d2.Changed) != 1 || d2.Changed[0].ID != "obj1" {
		t.Fatalf("tick 2 changed = %+v", d2.Changed)
	}

	// Unacked: tick 3's delta covers (1, 3], resending the change.
	f.engine.Flush(3)
	d3 := recvDelta(t, s.Out)
	if len(d3.Changed) != 1 {
		t.Fatalf("at-least-once violated: tick 3 changed = %+v", d3.Changed)
	}

	// After acking 3, a quiet tick carries nothing.
	f.sessions.AckTick(s.ID, 3, 3)
	f.engine.Flush(4)
	d4 := recvDelta(t, s.Out)
	if len(d4.Changed) != 0 || len(d4.Entered) != 0 {
		t.Fatalf("quiet tick delta not empty: %+v", d4)
	}
}

func TestRemovedEntityReported(t *testing.T) {
	f := newFixture(t, Config{ResyncThresholdTicks: 10})
	s := f.activate(t, "alice")
	f.put(t, "obj1", spatial.Vec3{10, 0, 10})

	f.engine.Flush(1)
	_ = <-s.Out
	f.sessions.AckTick(s.ID, 1, 1)

	if err := f.store.Remove("obj1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	f.journal.EntityRemoved(2, "obj1")
	f.engine.Flush(2)

	msg := recvDelta(t, s.Out)
	if len(msg.Removed) != 1 || msg.Removed[0] != "obj1" {
		t.Fatalf("removed = %v, want [obj1]", msg.Removed)
	}
}

func TestLeftWhenEntityExitsInterest(t *testing.T) {
	f := newFixture(t, Config{ResyncThresholdTicks: 10})
	s := f.activate(t, "alice")
	f.put(t, "obj1", spatial.Vec3{10, 0, 10})

	f.engine.Flush(1)
	_ = <-s.Out
	f.sessions.AckTick(s.ID, 1, 1)

	// Entity migrates far away; it still exists, so it is Left, not Removed.
	if err := f.store.UpdateTransform("obj1", spatial.Transform{Pos: spatial.Vec3{5000, 0, 5000}}); err != nil {
		t.Fatalf("move: %v", err)
	}
	f.journal.EntityChanged(2, "obj1")
	f.engine.Flush(2)

	msg := recvDelta(t, s.Out)
	if len(msg.Left) != 1 || msg.Left[0] != "obj1" {
		t.Fatalf("left = %v, want [obj1]", msg.Left)
	}
	if len(msg.Removed) != 0 {
		t.Fatalf("live entity reported removed")
	}
}

func TestResyncSnapshotWhenFarBehind(t *testing.T) {
	f := newFixture(t, Config{ResyncThresholdTicks: 10})
	s := f.activate(t, "alice")
	f.put(t, "obj1", spatial.Vec3{10, 0, 10})
	f.put(t, "obj2", spatial.Vec3{20, 0, 20})

	f.ledger.CreateAccount("alice")
	_ = f.ledger.Mint("alice", 42)

	// Acked tick 0, now 50: 50 ticks behind with threshold 10.
	f.engine.Flush(50)
	msg := recvSnapshot(t, s.Out)
	if msg.Tick != 50 {
		t.Fatalf("snapshot tick = %d", msg.Tick)
	}
	if len(msg.Entities) != 2 {
		t.Fatalf("snapshot entities = %d, want 2", len(msg.Entities))
	}
	if msg.Account == nil || msg.Account.Balance != 42 {
		t.Fatalf("snapshot account = %+v", msg.Account)
	}
}

func TestResyncSnapshotWhenJournalPruned(t *testing.T) {
	// Journal retains 16 ticks; threshold is generous so only coverage
	// forces the snapshot.
	f := newFixture(t, Config{ResyncThresholdTicks: 1000})
	s := f.activate(t, "alice")
	f.put(t, "obj1", spatial.Vec3{10, 0, 10})

	f.sessions.AckTick(s.ID, 1, 1)
	for tick := uint64(2); tick <= 40; tick++ {
		f.journal.EntityChanged(tick, "obj1")
	}

	f.engine.Flush(40)
	recvSnapshot(t, s.Out)
}

func TestFutureAckDoesNotForceSnapshot(t *testing.T) {
	f := newFixture(t, Config{ResyncThresholdTicks: 10})
	s := f.activate(t, "alice")
	f.put(t, "obj1", spatial.Vec3{10, 0, 10})

	f.engine.Flush(1)
	_ = <-s.Out
	// A claimed ack far ahead of the clock is clamped at intake; the
	// behind-by math must not wrap and pin the session on snapshots.
	f.sessions.AckTick(s.ID, 9999, 1)
	f.engine.Flush(2)
	recvDelta(t, s.Out)
}

func TestLedgerEventsFilteredByPrincipal(t *testing.T) {
	f := newFixture(t, Config{ResyncThresholdTicks: 10})
	alice := f.activate(t, "alice")
	carol := f.activate(t, "carol")

	f.sessions.AckTick(alice.ID, 1, 1)
	f.sessions.AckTick(carol.ID, 1, 1)

	f.journal.LedgerEvent(protocol.LedgerEvent{TxID: "t1", From: "alice", To: "bob", Amount: 5, Tick: 2})
	f.engine.Flush(2)

	if msg := recvDelta(t, alice.Out); len(msg.Ledger) != 1 || msg.Ledger[0].TxID != "t1" {
		t.Fatalf("alice ledger events = %+v", msg.Ledger)
	}
	if msg := recvDelta(t, carol.Out); len(msg.Ledger) != 0 {
		t.Fatalf("carol saw a foreign ledger event: %+v", msg.Ledger)
	}
}

func TestSendLatestDropsOldestWhenFull(t *testing.T) {
	ch := make(chan []byte, 1)
	sendLatest(ch, []byte("a"))
	sendLatest(ch, []byte("b"))
	got := <-ch
	if string(got) != "b" {
		t.Fatalf("queue kept %q, want latest frame", got)
	}
}

func TestDropForgetsCursor(t *testing.T) {
	f := newFixture(t, Config{ResyncThresholdTicks: 10})
	s := f.activate(t, "alice")
	f.put(t, "obj1", spatial.Vec3{10, 0, 10})
	f.engine.Flush(1)
	_ = <-s.Out

	f.engine.Drop(s.ID)
	f.sessions.AckTick(s.ID, 1, 1)
	f.engine.Flush(2)
	// Fresh cursor: obj1 enters again.
	msg := recvDelta(t, s.Out)
	if len(msg.Entered) != 1 {
		t.Fatalf("after Drop, entered = %+v", msg.Entered)
	}
}
