// Package command is the ordered intake for client intents. Commands are
// validated (session liveness, authorization, sequence window, semantics),
// applied in strict per-session sequence order, and every accepted command
// appends a delta event to the replication journal.
package command

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"

	"meridian.world/internal/protocol"
	"meridian.world/internal/sim/interest"
	"meridian.world/internal/sim/ledger"
	"meridian.world/internal/sim/replicate"
	"meridian.world/internal/sim/session"
	"meridian.world/internal/sim/spatial"
)

type Config struct {
	ReorderWindow       uint64
	ReorderTimeoutTicks uint64
	MaxSpeedPerTick     float64
	InteractRange       float64
	WelcomeGrant        int64
	TreasuryPrincipal   string
}

// Result is the outcome of one Submit call.
type Result struct {
	Accepted bool
	Buffered bool
	Code     string
	Message  string
}

type Pipeline struct {
	cfg      Config
	store    *spatial.Store
	ledger   *ledger.Ledger
	interest *interest.Manager
	sessions *session.Manager
	journal  *replicate.Journal

	// OnJoin and OnLeave run engine-level bookkeeping outside the pipeline.
	OnJoin  func(sessionID string)
	OnLeave func(sessionID string)

	mu    sync.Mutex
	seqs  map[string]*seqState
	clock func() uint64 // current tick
}

type seqState struct {
	mu          sync.Mutex
	lastApplied uint64
	buffer      map[uint64]buffered
}

type buffered struct {
	cmd          protocol.CommandMsg
	enqueuedTick uint64
}

func NewPipeline(cfg Config, store *spatial.Store, led *ledger.Ledger, im *interest.Manager, sm *session.Manager, j *replicate.Journal, clock func() uint64) *Pipeline {
	if cfg.ReorderWindow == 0 {
		cfg.ReorderWindow = 32
	}
	if cfg.ReorderTimeoutTicks == 0 {
		cfg.ReorderTimeoutTicks = 20
	}
	if cfg.MaxSpeedPerTick <= 0 {
		cfg.MaxSpeedPerTick = 8
	}
	if cfg.InteractRange <= 0 {
		cfg.InteractRange = 16
	}
	if cfg.TreasuryPrincipal == "" {
		cfg.TreasuryPrincipal = "@treasury"
	}
	return &Pipeline{
		cfg:      cfg,
		store:    store,
		ledger:   led,
		interest: im,
		sessions: sm,
		journal:  j,
		seqs:     map[string]*seqState{},
		clock:    clock,
	}
}

func (p *Pipeline) state(sessionID string) *seqState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.seqs[sessionID]
	if st == nil {
		st = &seqState{buffer: map[uint64]buffered{}}
		p.seqs[sessionID] = st
	}
	return st
}

// peek looks up sequencing state without creating it; Sweep must not
// resurrect entries for sessions dropped since the id snapshot.
func (p *Pipeline) peek(sessionID string) *seqState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seqs[sessionID]
}

// DropSession discards a session's sequencing state and any buffered
// commands, releasing ledger holds they escrowed.
func (p *Pipeline) DropSession(sessionID string) {
	p.mu.Lock()
	st := p.seqs[sessionID]
	delete(p.seqs, sessionID)
	p.mu.Unlock()
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, b := range st.buffer {
		if b.cmd.Kind == protocol.CmdTransfer && b.cmd.TxID != "" {
			p.ledger.Release(b.cmd.TxID, sessionID)
		}
	}
	st.buffer = map[uint64]buffered{}
}

// Submit runs the validation ladder for one command. Commands arriving ahead
// of the expected sequence number are buffered up to the reorder window;
// stale sequence numbers are idempotent no-ops.
func (p *Pipeline) Submit(sessionID string, cmd protocol.CommandMsg) Result {
	sess, ok := p.sessions.Get(sessionID)
	if !ok || sess.State == session.StateDisconnected {
		return Result{Code: protocol.ErrSessionNotActive, Message: "no such session"}
	}

	switch cmd.Kind {
	case protocol.CmdHeartbeat:
		// Liveness is sequence-exempt; a heartbeat can never go stale.
		_ = p.sessions.Heartbeat(sessionID, p.clock())
		if cmd.AckTick > 0 {
			p.sessions.AckTick(sessionID, cmd.AckTick, p.clock())
		}
		return Result{Accepted: true}
	case protocol.CmdJoin:
		if sess.State != session.StateAuthenticated {
			return Result{Code: protocol.ErrSessionNotActive, Message: "join requires authenticated session"}
		}
	default:
		if sess.State != session.StateActive {
			return Result{Code: protocol.ErrSessionNotActive, Message: "session not active"}
		}
	}

	st := p.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	switch {
	case cmd.Seq <= st.lastApplied:
		// Duplicate or reordered delivery of an already-applied command.
		return Result{Accepted: true, Code: protocol.ErrStaleCommand}
	case cmd.Seq == st.lastApplied+1:
		res := p.apply(sess, cmd)
		st.lastApplied = cmd.Seq
		p.drainLocked(sessionID, st)
		return res
	case cmd.Seq-st.lastApplied <= p.cfg.ReorderWindow:
		if _, dup := st.buffer[cmd.Seq]; dup {
			return Result{Accepted: true, Code: protocol.ErrStaleCommand}
		}
		if cmd.Kind == protocol.CmdTransfer {
			// Escrow at validation time so a disconnect can roll it back and
			// a competing spend cannot double-commit the same funds.
			out, _ := p.ledger.Hold(cmd.TxID, sessionID, sess.Principal, cmd.Amount, cmd.AssetID, p.clock())
			if out.Code != "" {
				return Result{Code: out.Code, Message: "transfer rejected"}
			}
		}
		st.buffer[cmd.Seq] = buffered{cmd: cmd, enqueuedTick: p.clock()}
		return Result{Accepted: true, Buffered: true}
	default:
		return Result{Code: protocol.ErrOutOfOrder, Message: fmt.Sprintf("seq %d beyond window (last applied %d)", cmd.Seq, st.lastApplied)}
	}
}

func (p *Pipeline) drainLocked(sessionID string, st *seqState) {
	for {
		next, ok := st.buffer[st.lastApplied+1]
		if !ok {
			return
		}
		delete(st.buffer, st.lastApplied+1)
		sess, live := p.sessions.Get(sessionID)
		if live {
			res := p.apply(sess, next.cmd)
			p.notify(sess, next.cmd.Seq, res)
		}
		st.lastApplied++
	}
}

// Sweep rejects buffered commands whose gap has persisted past the reorder
// timeout. Runs once per tick from the engine loop.
func (p *Pipeline) Sweep(nowTick uint64) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.seqs))
	for id := range p.seqs {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		st := p.peek(id)
		if st == nil {
			continue
		}
		st.mu.Lock()
		for seq, b := range st.buffer {
			if nowTick-b.enqueuedTick <= p.cfg.ReorderTimeoutTicks {
				continue
			}
			delete(st.buffer, seq)
			if b.cmd.Kind == protocol.CmdTransfer && b.cmd.TxID != "" {
				p.ledger.Release(b.cmd.TxID, id)
			}
			if sess, ok := p.sessions.Get(id); ok {
				p.notify(sess, seq, Result{Code: protocol.ErrOutOfOrder, Message: "reorder gap timed out"})
			}
		}
		st.mu.Unlock()
	}
}

// notify pushes an ACK for a command resolved after its Submit call returned
// (drained from the reorder buffer or expired by Sweep).
func (p *Pipeline) notify(sess session.Snapshot, seq uint64, res Result) {
	if sess.Out == nil {
		return
	}
	ack := protocol.AckMsg{
		Type:            protocol.TypeAck,
		ProtocolVersion: protocol.Version,
		Seq:             seq,
		Accepted:        res.Accepted,
		Code:            res.Code,
		Message:         res.Message,
		ServerTick:      p.clock(),
	}
	b, err := json.Marshal(ack)
	if err != nil {
		return
	}
	select {
	case sess.Out <- b:
	default:
	}
}

func (p *Pipeline) apply(sess session.Snapshot, cmd protocol.CommandMsg) Result {
	now := p.clock()
	switch cmd.Kind {
	case protocol.CmdMove:
		return p.applyMove(sess, cmd, now)
	case protocol.CmdInteract:
		return p.applyInteract(sess, cmd, now)
	case protocol.CmdTransfer:
		return p.applyTransfer(sess, cmd, now)
	case protocol.CmdSpawn:
		return p.applySpawn(sess, cmd, now)
	case protocol.CmdDespawn:
		return p.applyDespawn(sess, cmd, now)
	case protocol.CmdJoin:
		return p.applyJoin(sess, cmd, now)
	case protocol.CmdLeave:
		if p.OnLeave != nil {
			p.OnLeave(sess.ID)
		}
		return Result{Accepted: true}
	default:
		return Result{Code: protocol.ErrInvalidCommand, Message: "unknown command kind"}
	}
}

func (p *Pipeline) applyMove(sess session.Snapshot, cmd protocol.CommandMsg, now uint64) Result {
	if cmd.Transform == nil || cmd.EntityID == "" {
		return Result{Code: protocol.ErrInvalidCommand, Message: "missing entity_id/transform"}
	}
	ent, ok := p.store.Get(cmd.EntityID)
	if !ok {
		return Result{Code: protocol.ErrInvalidCommand, Message: "entity not found"}
	}
	if !p.mayControl(sess, ent) {
		return Result{Code: protocol.ErrInvalidCommand, Message: "not entity owner"}
	}
	if d := dist(ent.Transform.Pos, cmd.Transform.Pos); d > p.cfg.MaxSpeedPerTick {
		return Result{Code: protocol.ErrInvalidCommand, Message: fmt.Sprintf("movement %.1f exceeds speed bound %.1f", d, p.cfg.MaxSpeedPerTick)}
	}
	tr := spatial.Transform{Pos: cmd.Transform.Pos, Rot: cmd.Transform.Rot, Vel: cmd.Transform.Vel}
	if err := p.store.UpdateTransform(cmd.EntityID, tr); err != nil {
		return Result{Code: protocol.ErrInvalidCommand, Message: err.Error()}
	}
	if cmd.EntityID == sess.AvatarID {
		p.interest.SetViewRegion(sess.ID, p.store.RegionForPos(tr.Pos))
	}
	p.journal.EntityChanged(now, cmd.EntityID)
	return Result{Accepted: true}
}

func (p *Pipeline) applyInteract(sess session.Snapshot, cmd protocol.CommandMsg, now uint64) Result {
	if cmd.TargetID == "" {
		return Result{Code: protocol.ErrInvalidCommand, Message: "missing target_id"}
	}
	target, ok := p.store.Get(cmd.TargetID)
	if !ok {
		return Result{Code: protocol.ErrInvalidCommand, Message: "target not found"}
	}
	avatar, ok := p.store.Get(sess.AvatarID)
	if !ok {
		return Result{Code: protocol.ErrInvalidCommand, Message: "no avatar in world"}
	}
	if d := dist(avatar.Transform.Pos, target.Transform.Pos); d > p.cfg.InteractRange {
		return Result{Code: protocol.ErrInvalidCommand, Message: fmt.Sprintf("target %.1f beyond range %.1f", d, p.cfg.InteractRange)}
	}
	if !p.mayControl(sess, target) && !isInteractable(target) {
		return Result{Code: protocol.ErrInvalidCommand, Message: "no interaction rights"}
	}
	attrs := target.Attrs
	if attrs == nil {
		attrs = map[string]interface{}{}
	}
	if cmd.Verb != "" {
		attrs["last_verb"] = cmd.Verb
		attrs["last_actor"] = sess.Principal
	}
	if err := p.store.Upsert(target.ID, target.Kind, target.Transform, attrs); err != nil {
		return Result{Code: protocol.ErrInvalidEntityState, Message: err.Error()}
	}
	p.journal.EntityChanged(now, target.ID)
	return Result{Accepted: true}
}

func (p *Pipeline) applyTransfer(sess session.Snapshot, cmd protocol.CommandMsg, now uint64) Result {
	if cmd.TxID == "" || cmd.To == "" {
		return Result{Code: protocol.ErrInvalidCommand, Message: "missing tx_id/to"}
	}
	// A transfer escrowed while it sat in the reorder buffer commits its own
	// hold: the reserved funds cannot be spent between validation and apply.
	// Never-buffered transfers take the one-shot path.
	var out ledger.Outcome
	var dup bool
	if p.ledger.HeldBy(cmd.TxID, sess.ID) {
		out, dup = p.ledger.Commit(cmd.TxID, sess.ID, cmd.To, now)
	} else {
		out, dup = p.ledger.Transfer(cmd.TxID, sess.Principal, cmd.To, cmd.Amount, cmd.AssetID, now)
	}
	if out.Committed {
		if dup {
			// Idempotent replay: original outcome, no new effects, no new event.
			return Result{Accepted: true, Code: protocol.ErrDuplicateTx}
		}
		p.journal.LedgerEvent(protocol.LedgerEvent{
			TxID: out.TxID, From: out.From, To: out.To,
			Amount: out.Amount, AssetID: out.AssetID, Tick: now,
		})
		return Result{Accepted: true}
	}
	if dup {
		return Result{Accepted: false, Code: out.Code, Message: "duplicate of rejected transaction"}
	}
	return Result{Code: out.Code, Message: "transfer rejected"}
}

func (p *Pipeline) applySpawn(sess session.Snapshot, cmd protocol.CommandMsg, now uint64) Result {
	kind := spatial.Kind(cmd.EntityKind)
	if kind == "" || kind == spatial.KindAvatar {
		return Result{Code: protocol.ErrInvalidCommand, Message: "bad entity_kind"}
	}
	if cmd.Transform == nil {
		return Result{Code: protocol.ErrInvalidCommand, Message: "missing transform"}
	}
	id := cmd.EntityID
	if id == "" {
		id = uuid.NewString()
	} else if _, exists := p.store.Get(id); exists {
		return Result{Code: protocol.ErrInvalidCommand, Message: "entity id in use"}
	}
	attrs := cmd.Attrs
	if kind == spatial.KindAsset {
		if attrs == nil {
			attrs = map[string]interface{}{}
		}
		if _, ok := attrs["asset_id"]; !ok {
			attrs["asset_id"] = id
		}
	}
	tr := spatial.Transform{Pos: cmd.Transform.Pos, Rot: cmd.Transform.Rot, Vel: cmd.Transform.Vel}
	if err := p.store.Upsert(id, kind, tr, attrs); err != nil {
		return Result{Code: protocol.ErrInvalidEntityState, Message: err.Error()}
	}
	_ = p.store.SetOwner(id, sess.ID)
	if kind == spatial.KindAsset {
		if s, ok := attrs["asset_id"].(string); ok {
			_ = p.ledger.GrantAsset(sess.Principal, s)
		}
	}
	p.interest.Subscribe(sess.ID, id)
	p.journal.EntityChanged(now, id)
	return Result{Accepted: true, Message: id}
}

func (p *Pipeline) applyDespawn(sess session.Snapshot, cmd protocol.CommandMsg, now uint64) Result {
	if cmd.EntityID == "" {
		return Result{Code: protocol.ErrInvalidCommand, Message: "missing entity_id"}
	}
	ent, ok := p.store.Get(cmd.EntityID)
	if !ok {
		return Result{Code: protocol.ErrInvalidCommand, Message: "entity not found"}
	}
	if !p.mayControl(sess, ent) {
		return Result{Code: protocol.ErrInvalidCommand, Message: "not entity owner"}
	}
	if err := p.store.Remove(cmd.EntityID); err != nil {
		return Result{Code: protocol.ErrInvalidCommand, Message: err.Error()}
	}
	p.interest.Unsubscribe(sess.ID, cmd.EntityID)
	p.journal.EntityRemoved(now, cmd.EntityID)
	return Result{Accepted: true}
}

func (p *Pipeline) applyJoin(sess session.Snapshot, cmd protocol.CommandMsg, now uint64) Result {
	avatarID := "av_" + sess.ID
	tr := spatial.Transform{}
	if cmd.Transform != nil {
		tr = spatial.Transform{Pos: cmd.Transform.Pos, Rot: cmd.Transform.Rot, Vel: cmd.Transform.Vel}
	}
	attrs := cmd.Attrs
	if attrs == nil {
		attrs = map[string]interface{}{"display_name": sess.Principal}
	}
	if err := p.store.Upsert(avatarID, spatial.KindAvatar, tr, attrs); err != nil {
		return Result{Code: protocol.ErrInvalidEntityState, Message: err.Error()}
	}
	_ = p.store.SetOwner(avatarID, sess.ID)

	if _, err := p.sessions.Activate(sess.ID, avatarID); err != nil {
		_ = p.store.Remove(avatarID)
		return Result{Code: protocol.ErrSessionNotActive, Message: err.Error()}
	}
	p.interest.Register(sess.ID, p.store.RegionForPos(tr.Pos))
	p.interest.Subscribe(sess.ID, avatarID)

	p.ledger.CreateAccount(sess.Principal)
	if p.cfg.WelcomeGrant > 0 {
		// Deterministic grant id: reconnects replay the original outcome
		// instead of double-funding the account.
		out, dup := p.ledger.Transfer("grant_"+sess.Principal, p.cfg.TreasuryPrincipal, sess.Principal, p.cfg.WelcomeGrant, "", now)
		if out.Committed && !dup {
			p.journal.LedgerEvent(protocol.LedgerEvent{
				TxID: out.TxID, From: out.From, To: out.To, Amount: out.Amount, Tick: now,
			})
		}
	}
	p.journal.EntityChanged(now, avatarID)
	if p.OnJoin != nil {
		p.OnJoin(sess.ID)
	}
	return Result{Accepted: true, Message: avatarID}
}

func (p *Pipeline) mayControl(sess session.Snapshot, ent spatial.Entity) bool {
	return ent.Owner == sess.ID || ent.ID == sess.AvatarID
}

func isInteractable(ent spatial.Entity) bool {
	v, ok := ent.Attrs["interactable"].(bool)
	return ok && v
}

func dist(a, b [3]float64) float64 {
	dx, dy, dz := a[0]-b[0], a[1]-b[1], a[2]-b[2]
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}
