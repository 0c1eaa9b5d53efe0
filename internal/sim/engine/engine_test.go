package engine

import (
	"io"
	"log"
	"testing"

	"meridian.world/internal/auth"
	"meridian.world/internal/protocol"
	"meridian.world/internal/sim/session"
	"meridian.world/internal/sim/tuning"
)

func newEngine(t *testing.T, dataDir string) (*Engine, *auth.HMACProvider) {
	t.Helper()
	provider := auth.NewHMACProvider("test-secret")
	tune := tuning.Defaults()
	tune.HeartbeatTimeoutTicks = 10
	e, err := New(Options{
		WorldID:      "w_test",
		DataDir:      dataDir,
		Tuning:       tune,
		Auth:         provider,
		Logger:       log.New(io.Discard, "", 0),
		WelcomeGrant: 100,
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return e, provider
}

func join(t *testing.T, e *Engine, provider *auth.HMACProvider, principal string) session.Snapshot {
	t.Helper()
	s := e.Sessions.Connect(make(chan []byte, 16), e.Tick())
	if _, err := e.Sessions.Authenticate(s.ID, provider.Token(principal)); err != nil {
		t.Fatalf("auth %s: %v", principal, err)
	}
	if res := e.Pipeline.Submit(s.ID, protocol.CommandMsg{Seq: 1, Kind: protocol.CmdJoin}); !res.Accepted {
		t.Fatalf("join %s: %+v", principal, res)
	}
	out, _ := e.Sessions.Get(s.ID)
	return out
}

func TestFreshWorldMintsTreasury(t *testing.T) {
	e, _ := newEngine(t, "")
	minted, balances, escrow := e.Ledger.Totals()
	if minted != 1_000_000 || balances != 1_000_000 || escrow != 0 {
		t.Fatalf("fresh totals: minted=%d balances=%d escrow=%d", minted, balances, escrow)
	}
	if b, _ := e.Ledger.Balance("@treasury"); b != 1_000_000 {
		t.Fatalf("treasury = %d", b)
	}
}

func TestDisconnectMidTransactionRollsBack(t *testing.T) {
	e, provider := newEngine(t, "")
	alice := join(t, e, provider, "alice")
	join(t, e, provider, "bob")

	// Transfer arrives ahead of its gap and escrows at validation time.
	res := e.Pipeline.Submit(alice.ID, protocol.CommandMsg{
		Seq: 4, Kind: protocol.CmdTransfer, TxID: "t1", To: "bob", Amount: 80,
	})
	if !res.Buffered {
		t.Fatalf("transfer not buffered: %+v", res)
	}
	if b, _ := e.Ledger.Balance("alice"); b != 20 {
		t.Fatalf("escrow not taken: %d", b)
	}

	e.Disconnect(alice.ID)

	if b, _ := e.Ledger.Balance("alice"); b != 100 {
		t.Fatalf("escrow not rolled back on disconnect: %d", b)
	}
	if b, _ := e.Ledger.Balance("bob"); b != 100 {
		t.Fatalf("bob credited by uncommitted transfer: %d", b)
	}
	if _, ok := e.Store.Get(alice.AvatarID); ok {
		t.Fatalf("avatar survived disconnect")
	}
	minted, balances, escrow := e.Ledger.Totals()
	if balances+escrow != minted {
		t.Fatalf("conservation after disconnect: balances=%d escrow=%d minted=%d", balances, escrow, minted)
	}
}

func TestHeartbeatTimeoutTearsDown(t *testing.T) {
	e, provider := newEngine(t, "")
	alice := join(t, e, provider, "alice")

	// Step past the heartbeat window without any heartbeats.
	for i := 0; i < 15; i++ {
		e.step()
	}
	if _, ok := e.Sessions.Get(alice.ID); ok {
		t.Fatalf("session survived heartbeat timeout")
	}
	if _, ok := e.Store.Get(alice.AvatarID); ok {
		t.Fatalf("avatar survived heartbeat timeout")
	}
}

func TestCheckpointRestoreReplaysTxlog(t *testing.T) {
	dir := t.TempDir()

	e1, provider := newEngine(t, dir)
	alice := join(t, e1, provider, "alice")
	join(t, e1, provider, "bob")

	e1.tick.Store(100)
	if res := e1.Pipeline.Submit(alice.ID, protocol.CommandMsg{
		Seq: 2, Kind: protocol.CmdTransfer, TxID: "pre", To: "bob", Amount: 10,
	}); !res.Accepted {
		t.Fatalf("pre-checkpoint transfer: %+v", res)
	}
	if err := e1.ExportCheckpoint(100); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	// Committed after the checkpoint: exists only in the txlog.
	e1.tick.Store(150)
	if res := e1.Pipeline.Submit(alice.ID, protocol.CommandMsg{
		Seq: 3, Kind: protocol.CmdTransfer, TxID: "post", To: "bob", Amount: 5,
	}); !res.Accepted {
		t.Fatalf("post-checkpoint transfer: %+v", res)
	}
	if err := e1.txw.Close(); err != nil {
		t.Fatalf("txlog close: %v", err)
	}

	e2, _ := newEngine(t, dir)
	if e2.Tick() != 100 {
		t.Fatalf("restored tick = %d, want 100", e2.Tick())
	}
	if b, _ := e2.Ledger.Balance("alice"); b != 85 {
		t.Fatalf("alice = %d after restore, want 85", b)
	}
	if b, _ := e2.Ledger.Balance("bob"); b != 115 {
		t.Fatalf("bob = %d after restore, want 115", b)
	}
	if _, ok := e2.Store.Get(alice.AvatarID); !ok {
		t.Fatalf("checkpointed avatar missing after restore")
	}
	// The replayed id stays finalized: resubmitting is a duplicate.
	minted, balances, escrow := e2.Ledger.Totals()
	if balances+escrow != minted {
		t.Fatalf("conservation after restore: balances=%d escrow=%d minted=%d", balances, escrow, minted)
	}
}

func TestRestoreRejectsWorldMismatch(t *testing.T) {
	dir := t.TempDir()
	e1, _ := newEngine(t, dir)
	if err := e1.ExportCheckpoint(10); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	provider := auth.NewHMACProvider("test-secret")
	_, err := New(Options{
		WorldID: "other_world",
		DataDir: dir,
		Tuning:  tuning.Defaults(),
		Auth:    provider,
		Logger:  log.New(io.Discard, "", 0),
	})
	if err == nil {
		t.Fatalf("restore accepted a foreign world's checkpoint")
	}
}

func TestStepFlushesReplication(t *testing.T) {
	e, provider := newEngine(t, "")
	alice := join(t, e, provider, "alice")

	e.step()
	if len(alice.Out) == 0 {
		t.Fatalf("no replication frame after step")
	}
}
