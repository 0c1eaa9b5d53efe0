// Package engine composes the world: spatial store, ledger, interest,
// sessions, command pipeline and replication, driven by a single tick
// goroutine. Components are individually thread-safe; the tick loop only
// runs the periodic work (sweeps, replication flush, checkpoints).
package engine

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"meridian.world/internal/auth"
	"meridian.world/internal/persistence/checkpoint"
	"meridian.world/internal/persistence/indexdb"
	"meridian.world/internal/persistence/txlog"
	"meridian.world/internal/protocol"
	"meridian.world/internal/sim/catalogs"
	"meridian.world/internal/sim/command"
	"meridian.world/internal/sim/interest"
	"meridian.world/internal/sim/ledger"
	"meridian.world/internal/sim/replicate"
	"meridian.world/internal/sim/session"
	"meridian.world/internal/sim/spatial"
	"meridian.world/internal/sim/tuning"
)

type Options struct {
	WorldID  string
	DataDir  string
	Tuning   tuning.Tuning
	Catalogs *catalogs.Catalogs
	Auth     auth.Provider
	Logger   *log.Logger

	// Index is optional; nil disables the SQLite read-model.
	Index *indexdb.SQLiteIndex

	// WelcomeGrant funds each new principal from the treasury on first join.
	WelcomeGrant int64
}

type Engine struct {
	opts Options
	log  *log.Logger

	tick atomic.Uint64

	Store     *spatial.Store
	Ledger    *ledger.Ledger
	Interest  *interest.Manager
	Sessions  *session.Manager
	Journal   *replicate.Journal
	Pipeline  *command.Pipeline
	Replicate *replicate.Engine

	txw *txlog.Writer
}

const treasuryPrincipal = "@treasury"

func New(opts Options) (*Engine, error) {
	if opts.WorldID == "" {
		return nil, fmt.Errorf("engine: empty world id")
	}
	if opts.Catalogs == nil {
		opts.Catalogs = catalogs.Builtin()
	}
	if opts.Logger == nil {
		opts.Logger = log.New(log.Writer(), "[engine] ", log.LstdFlags|log.Lmsgprefix)
	}
	t := opts.Tuning
	t.ApplyDefaults()
	opts.Tuning = t

	e := &Engine{opts: opts, log: opts.Logger}
	e.Store = spatial.NewStore(t.RegionSize, opts.Catalogs)
	e.Ledger = ledger.New()
	e.Interest = interest.NewManager(e.Store, t.InterestRadius)
	e.Sessions = session.NewManager(opts.Auth, t.HeartbeatTimeoutTicks)
	e.Journal = replicate.NewJournal(t.JournalTicks)
	e.Pipeline = command.NewPipeline(command.Config{
		ReorderWindow:       t.ReorderWindow,
		ReorderTimeoutTicks: t.ReorderTimeoutTicks,
		MaxSpeedPerTick:     t.MaxSpeedPerTick,
		InteractRange:       t.InteractRange,
		WelcomeGrant:        opts.WelcomeGrant,
		TreasuryPrincipal:   treasuryPrincipal,
	}, e.Store, e.Ledger, e.Interest, e.Sessions, e.Journal, e.Tick)
	e.Pipeline.OnLeave = func(sessionID string) { e.Disconnect(sessionID) }
	e.Pipeline.OnJoin = func(sessionID string) {
		if e.opts.Index == nil {
			return
		}
		if s, ok := e.Sessions.Get(sessionID); ok {
			e.opts.Index.RecordSession(s.ID, s.Principal, "JOIN", e.Tick())
		}
	}
	e.Replicate = replicate.NewEngine(replicate.Config{
		ResyncThresholdTicks: t.ResyncThresholdTicks,
		InterestEveryTicks:   t.InterestEveryTicks,
	}, e.Store, e.Ledger, e.Interest, e.Sessions, e.Journal)

	if opts.DataDir != "" {
		e.txw = txlog.NewWriter(opts.DataDir)
	}
	e.Ledger.SetObserver(func(o ledger.Outcome) {
		if e.txw != nil {
			if err := e.txw.Append(o); err != nil {
				e.log.Printf("txlog append %s: %v", o.TxID, err)
			}
		}
		if e.opts.Index != nil {
			e.opts.Index.RecordTx(o)
		}
	})

	if err := e.restore(); err != nil {
		return nil, err
	}
	return e, nil
}

// Tick is the current simulation tick. The pipeline and transport read it
// concurrently with the tick loop.
func (e *Engine) Tick() uint64 { return e.tick.Load() }

func (e *Engine) WorldID() string       { return e.opts.WorldID }
func (e *Engine) Tuning() tuning.Tuning { return e.opts.Tuning }

func (e *Engine) Catalogs() *catalogs.Catalogs { return e.opts.Catalogs }

// Run drives the tick loop until the context is cancelled. One call only.
func (e *Engine) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(e.opts.Tuning.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.log.Printf("world %s running: tick=%v region=%g radius=%d",
		e.opts.WorldID, interval, e.opts.Tuning.RegionSize, e.opts.Tuning.InterestRadius)

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return ctx.Err()
		case <-ticker.C:
			e.step()
		}
	}
}

func (e *Engine) step() {
	now := e.tick.Add(1)

	e.Pipeline.Sweep(now)

	for _, s := range e.Sessions.SweepExpired(now) {
		e.log.Printf("session %s (%s) heartbeat timeout", s.ID, s.Principal)
		e.teardown(s, now)
	}

	e.Replicate.Flush(now)

	if e.opts.DataDir != "" && now%e.opts.Tuning.CheckpointEveryTicks == 0 {
		if err := e.ExportCheckpoint(now); err != nil {
			e.log.Printf("checkpoint at tick %d: %v", now, err)
		}
	}
}

// Disconnect runs full teardown for one session: despawn its avatar, release
// its escrow holds, drop pipeline and replication state. Safe to call from
// transport goroutines.
func (e *Engine) Disconnect(sessionID string) {
	s, ok := e.Sessions.Disconnect(sessionID)
	if !ok {
		return
	}
	e.teardown(s, e.Tick())
}

func (e *Engine) teardown(s session.Snapshot, now uint64) {
	if s.AvatarID != "" {
		if err := e.Store.Remove(s.AvatarID); err == nil {
			e.Journal.EntityRemoved(now, s.AvatarID)
		}
	}
	// Holds escrowed by commands still sitting in the reorder buffer roll
	// back; nothing half-committed survives a disconnect.
	e.Pipeline.DropSession(s.ID)
	if n := e.Ledger.ReleaseSession(s.ID); n > 0 {
		e.log.Printf("session %s: released %d escrow holds", s.ID, n)
	}
	e.Interest.Unregister(s.ID)
	e.Replicate.Drop(s.ID)
	if e.opts.Index != nil {
		e.opts.Index.RecordSession(s.ID, s.Principal, "LEAVE", now)
	}
}

// ExportCheckpoint writes a full-state checkpoint for the given tick.
func (e *Engine) ExportCheckpoint(tick uint64) error {
	snap := checkpoint.CheckpointV1{
		Header: checkpoint.Header{
			Version: 1,
			WorldID: e.opts.WorldID,
			Tick:    tick,
		},
		RegionSize:   e.opts.Tuning.RegionSize,
		TickRateHz:   e.opts.Tuning.TickRateHz,
		MintedSupply: e.opts.Tuning.MintedSupply,
	}
	for _, ent := range e.Store.All() {
		snap.Entities = append(snap.Entities, checkpoint.EntityV1{
			ID:    ent.ID,
			Kind:  string(ent.Kind),
			Pos:   ent.Transform.Pos,
			Rot:   ent.Transform.Rot,
			Vel:   ent.Transform.Vel,
			Attrs: ent.Attrs,
			Owner: ent.Owner,
		})
	}
	for _, acc := range e.Ledger.Accounts() {
		snap.Accounts = append(snap.Accounts, checkpoint.AccountV1{
			Principal: acc.Principal,
			Balance:   acc.Balance,
			Assets:    acc.Assets,
		})
	}

	path := checkpoint.PathFor(e.opts.DataDir, tick)
	if err := checkpoint.Write(path, snap); err != nil {
		return err
	}
	e.log.Printf("checkpoint tick=%d entities=%d accounts=%d", tick, len(snap.Entities), len(snap.Accounts))
	if e.opts.Index != nil {
		e.opts.Index.RecordCheckpoint(tick, path, len(snap.Entities), len(snap.Accounts))
	}
	return nil
}

// restore loads the latest checkpoint and replays the committed-transaction
// log past its tick. A fresh world mints the configured supply into the
// treasury instead.
func (e *Engine) restore() error {
	path := ""
	if e.opts.DataDir != "" {
		path = checkpoint.Latest(e.opts.DataDir)
	}
	if path == "" {
		e.Ledger.CreateAccount(treasuryPrincipal)
		if err := e.Ledger.Mint(treasuryPrincipal, e.opts.Tuning.MintedSupply); err != nil {
			return err
		}
		e.log.Printf("fresh world %s: minted %d to treasury", e.opts.WorldID, e.opts.Tuning.MintedSupply)
		return nil
	}

	snap, err := checkpoint.Read(path)
	if err != nil {
		return fmt.Errorf("restore %s: %w", path, err)
	}
	if snap.Header.WorldID != e.opts.WorldID {
		return fmt.Errorf("checkpoint world %q does not match %q", snap.Header.WorldID, e.opts.WorldID)
	}

	for _, ent := range snap.Entities {
		tr := spatial.Transform{Pos: ent.Pos, Rot: ent.Rot, Vel: ent.Vel}
		if err := e.Store.Upsert(ent.ID, spatial.Kind(ent.Kind), tr, ent.Attrs); err != nil {
			return fmt.Errorf("restore entity %s: %w", ent.ID, err)
		}
		// Owner sessions did not survive the restart; keep the id for audit.
		if ent.Owner != "" {
			_ = e.Store.SetOwner(ent.ID, ent.Owner)
		}
	}
	for _, acc := range snap.Accounts {
		e.Ledger.RestoreAccount(ledger.AccountSnapshot{
			Principal: acc.Principal,
			Balance:   acc.Balance,
			Assets:    acc.Assets,
		})
	}

	replayed, err := txlog.ReadSince(e.opts.DataDir, snap.Header.Tick)
	if err != nil {
		return err
	}
	for _, o := range replayed {
		// Accounts first seen after the checkpoint exist only in the log.
		e.Ledger.CreateAccount(o.From)
		if o.To != "" {
			e.Ledger.CreateAccount(o.To)
		}
		e.Ledger.RestoreOutcome(o)
	}

	e.tick.Store(snap.Header.Tick)
	e.log.Printf("restored %s at tick %d: entities=%d accounts=%d replayed=%d",
		path, snap.Header.Tick, len(snap.Entities), len(snap.Accounts), len(replayed))
	return nil
}

func (e *Engine) shutdown() {
	now := e.Tick()
	if e.opts.DataDir != "" {
		if err := e.ExportCheckpoint(now); err != nil {
			e.log.Printf("final checkpoint: %v", err)
		}
	}
	if e.txw != nil {
		if err := e.txw.Close(); err != nil {
			e.log.Printf("txlog close: %v", err)
		}
	}
	e.log.Printf("world %s stopped at tick %d", e.opts.WorldID, now)
}

// WorldParams is what the transport advertises in WELCOME.
func (e *Engine) WorldParams() protocol.WorldParams {
	return protocol.WorldParams{
		TickRateHz:     e.opts.Tuning.TickRateHz,
		RegionSize:     e.opts.Tuning.RegionSize,
		InterestRadius: e.opts.Tuning.InterestRadius,
		WorldID:        e.opts.WorldID,
	}
}
