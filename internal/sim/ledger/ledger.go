// Package ledger is the authoritative record of currency balances and asset
// custody. Transfers are atomic and idempotent; concurrent transfers touching
// the same account are serialized by per-account locks, never by optimistic
// retry.
//
// Lock order: the escrow mutex, then account mutexes in ascending principal
// order, then the registry mutex. Accounts are never deleted, so pointers
// fetched under RLock stay valid after it is released.
package ledger

import (
	"fmt"
	"sort"
	"sync"

	"meridian.world/internal/protocol"
)

// Outcome is the finalized result of a transaction id. Replaying a finalized
// id returns the original outcome without re-applying effects.
type Outcome struct {
	TxID      string `json:"tx_id"`
	Committed bool   `json:"committed"`
	Code      string `json:"code,omitempty"`
	From      string `json:"from"`
	To        string `json:"to,omitempty"`
	Amount    int64  `json:"amount,omitempty"`
	AssetID   string `json:"asset_id,omitempty"`
	Tick      uint64 `json:"tick"`
}

type account struct {
	mu        sync.Mutex
	principal string
	balance   int64
	assets    map[string]struct{}
}

type hold struct {
	txID    string
	session string
	from    string
	amount  int64
	assetID string
}

type Ledger struct {
	mu       sync.RWMutex
	accounts map[string]*account
	outcomes map[string]Outcome

	// escrowMu serializes every mutation of holds: the hold map and the
	// finalized-outcome check must be revalidated atomically, or a duplicate
	// delivery of the same transaction id could debit the sender twice.
	escrowMu sync.Mutex
	holds    map[string]*hold

	minted       int64
	balanceTotal int64
	escrowTotal  int64

	// observer sees every newly finalized outcome exactly once. Restore paths
	// bypass it so a restart does not re-log replayed transactions.
	observer func(Outcome)
}

func New() *Ledger {
	return &Ledger{
		accounts: map[string]*account{},
		outcomes: map[string]Outcome{},
		holds:    map[string]*hold{},
	}
}

// SetObserver registers the durability hook for finalized outcomes. Must be
// called before the ledger takes traffic; observers must not call back into
// the ledger.
func (l *Ledger) SetObserver(fn func(Outcome)) {
	l.mu.Lock()
	l.observer = fn
	l.mu.Unlock()
}

func (l *Ledger) CreateAccount(principal string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.accounts[principal]; !ok {
		l.accounts[principal] = &account{principal: principal, assets: map[string]struct{}{}}
	}
}

// Mint credits newly issued currency. Only world setup and checkpoint restore
// call this; it grows the tracked supply.
func (l *Ledger) Mint(principal string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("negative mint")
	}
	l.mu.Lock()
	acc, ok := l.accounts[principal]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown account %s", principal)
	}
	acc.mu.Lock()
	acc.balance += amount
	acc.mu.Unlock()
	l.mu.Lock()
	l.minted += amount
	l.balanceTotal += amount
	l.mu.Unlock()
	return nil
}

// GrantAsset assigns custody of a newly catalogued asset id.
func (l *Ledger) GrantAsset(principal, assetID string) error {
	l.mu.Lock()
	acc, ok := l.accounts[principal]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown account %s", principal)
	}
	acc.mu.Lock()
	acc.assets[assetID] = struct{}{}
	acc.mu.Unlock()
	return nil
}

func (l *Ledger) lookup(principal string) *account {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.accounts[principal]
}

func (l *Ledger) finalized(txID string) (Outcome, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	o, ok := l.outcomes[txID]
	return o, ok
}

// Transfer atomically moves currency (amount > 0) or one asset (assetID set)
// between accounts. The second return reports an idempotent replay of a
// previously finalized transaction id.
func (l *Ledger) Transfer(txID, from, to string, amount int64, assetID string, tick uint64) (Outcome, bool) {
	if o, ok := l.finalized(txID); ok {
		return o, true
	}

	reject := func(code string) (Outcome, bool) {
		return l.finalize(Outcome{TxID: txID, Code: code, From: from, To: to, Amount: amount, AssetID: assetID, Tick: tick})
	}

	if txID == "" || from == to || (amount <= 0 && assetID == "") || amount < 0 {
		return reject(protocol.ErrInvalidCommand)
	}
	src := l.lookup(from)
	dst := l.lookup(to)
	if src == nil || dst == nil {
		return reject(protocol.ErrUnknownAccount)
	}

	first, second := src, dst
	if second.principal < first.principal {
		first, second = second, first
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	// Re-check under the account locks: a concurrent retry of the same id may
	// have finalized while we were acquiring them.
	if o, ok := l.finalized(txID); ok {
		return o, true
	}

	if assetID != "" {
		if _, owns := src.assets[assetID]; !owns {
			return reject(protocol.ErrAssetNotOwned)
		}
		delete(src.assets, assetID)
		dst.assets[assetID] = struct{}{}
	} else {
		if src.balance < amount {
			return reject(protocol.ErrInsufficientBalance)
		}
		src.balance -= amount
		dst.balance += amount
	}
	return l.finalize(Outcome{TxID: txID, Committed: true, From: from, To: to, Amount: amount, AssetID: assetID, Tick: tick})
}

// Hold escrows funds or an asset for an in-flight transaction. Holding twice
// with the same id is a no-op. The hold is invisible to the recipient until
// Commit and is fully returned by Release.
func (l *Ledger) Hold(txID, session, from string, amount int64, assetID string, tick uint64) (Outcome, bool) {
	reject := func(code string) (Outcome, bool) {
		return l.finalize(Outcome{TxID: txID, Code: code, From: from, Amount: amount, AssetID: assetID, Tick: tick})
	}
	if txID == "" || (amount <= 0 && assetID == "") || amount < 0 {
		return reject(protocol.ErrInvalidCommand)
	}

	l.escrowMu.Lock()
	defer l.escrowMu.Unlock()

	if o, ok := l.finalized(txID); ok {
		return o, true
	}
	if _, held := l.holds[txID]; held {
		// Duplicate delivery of an in-flight hold: report it held, debit once.
		return Outcome{TxID: txID, From: from, Amount: amount, AssetID: assetID, Tick: tick}, true
	}

	src := l.lookup(from)
	if src == nil {
		return reject(protocol.ErrUnknownAccount)
	}

	src.mu.Lock()
	defer src.mu.Unlock()

	if assetID != "" {
		if _, owns := src.assets[assetID]; !owns {
			return reject(protocol.ErrAssetNotOwned)
		}
		delete(src.assets, assetID)
	} else {
		if src.balance < amount {
			return reject(protocol.ErrInsufficientBalance)
		}
		src.balance -= amount
	}

	l.holds[txID] = &hold{txID: txID, session: session, from: from, amount: amount, assetID: assetID}
	if assetID == "" {
		l.mu.Lock()
		l.balanceTotal -= amount
		l.escrowTotal += amount
		l.mu.Unlock()
	}
	return Outcome{TxID: txID, From: from, Amount: amount, AssetID: assetID, Tick: tick}, false
}

// HeldBy reports whether txID has an uncommitted hold placed by session.
func (l *Ledger) HeldBy(txID, session string) bool {
	l.escrowMu.Lock()
	defer l.escrowMu.Unlock()
	h, ok := l.holds[txID]
	return ok && h.session == session
}

// Commit credits a held transaction to the recipient and finalizes it. Only
// the session that placed the hold may commit it; a mismatched session leaves
// the hold untouched.
func (l *Ledger) Commit(txID, session, to string, tick uint64) (Outcome, bool) {
	l.escrowMu.Lock()
	defer l.escrowMu.Unlock()

	if o, ok := l.finalized(txID); ok {
		// The id was finalized by a competing transfer while the hold sat in
		// escrow. Refund the hold rather than strand it.
		if h, held := l.holds[txID]; held && h.session == session {
			delete(l.holds, txID)
			l.refund(h)
		}
		return o, true
	}
	h, ok := l.holds[txID]
	if !ok {
		return l.finalize(Outcome{TxID: txID, Code: protocol.ErrInvalidCommand, To: to, Tick: tick})
	}
	if h.session != session {
		return Outcome{TxID: txID, Code: protocol.ErrInvalidCommand, To: to, Tick: tick}, false
	}
	delete(l.holds, txID)

	if to == h.from {
		l.refund(h)
		return l.finalize(Outcome{TxID: txID, Code: protocol.ErrInvalidCommand, From: h.from, To: to, Amount: h.amount, AssetID: h.assetID, Tick: tick})
	}
	dst := l.lookup(to)
	if dst == nil {
		// Return escrow to sender; the transaction never commits.
		l.refund(h)
		return l.finalize(Outcome{TxID: txID, Code: protocol.ErrUnknownAccount, From: h.from, To: to, Amount: h.amount, AssetID: h.assetID, Tick: tick})
	}

	dst.mu.Lock()
	if h.assetID != "" {
		dst.assets[h.assetID] = struct{}{}
	} else {
		dst.balance += h.amount
	}
	dst.mu.Unlock()

	if h.assetID == "" {
		l.mu.Lock()
		l.escrowTotal -= h.amount
		l.balanceTotal += h.amount
		l.mu.Unlock()
	}
	return l.finalize(Outcome{TxID: txID, Committed: true, From: h.from, To: to, Amount: h.amount, AssetID: h.assetID, Tick: tick})
}

// Release returns an uncommitted hold to its sender. Only the session that
// placed the hold may release it. No outcome is recorded, so the same
// transaction id may be resubmitted later.
func (l *Ledger) Release(txID, session string) bool {
	l.escrowMu.Lock()
	defer l.escrowMu.Unlock()
	h, ok := l.holds[txID]
	if !ok || h.session != session {
		return false
	}
	delete(l.holds, txID)
	l.refund(h)
	return true
}

// ReleaseSession rolls back every uncommitted hold a session initiated.
// Called on disconnect; committed transactions are never touched.
func (l *Ledger) ReleaseSession(session string) int {
	l.escrowMu.Lock()
	defer l.escrowMu.Unlock()
	n := 0
	for id, h := range l.holds {
		if h.session == session {
			delete(l.holds, id)
			l.refund(h)
			n++
		}
	}
	return n
}

func (l *Ledger) refund(h *hold) {
	src := l.lookup(h.from)
	if src != nil {
		src.mu.Lock()
		if h.assetID != "" {
			src.assets[h.assetID] = struct{}{}
		} else {
			src.balance += h.amount
		}
		src.mu.Unlock()
	}
	if h.assetID == "" {
		l.mu.Lock()
		l.escrowTotal -= h.amount
		l.balanceTotal += h.amount
		l.mu.Unlock()
	}
}

func (l *Ledger) finalize(o Outcome) (Outcome, bool) {
	l.mu.Lock()
	if prev, ok := l.outcomes[o.TxID]; ok {
		l.mu.Unlock()
		return prev, true
	}
	if o.TxID != "" {
		l.outcomes[o.TxID] = o
	}
	if o.Committed && o.AssetID == "" && l.balanceTotal+l.escrowTotal != l.minted {
		// Conservation must hold on every commit. A miss here is a ledger bug,
		// not a client error.
		panic(fmt.Sprintf("ledger conservation violated: balances=%d escrow=%d minted=%d",
			l.balanceTotal, l.escrowTotal, l.minted))
	}
	obs := l.observer
	l.mu.Unlock()
	if obs != nil && o.TxID != "" {
		obs(o)
	}
	return o, false
}

func (l *Ledger) Balance(principal string) (int64, bool) {
	acc := l.lookup(principal)
	if acc == nil {
		return 0, false
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.balance, true
}

func (l *Ledger) OwnsAsset(principal, assetID string) bool {
	acc := l.lookup(principal)
	if acc == nil {
		return false
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	_, ok := acc.assets[assetID]
	return ok
}

func (l *Ledger) HasAccount(principal string) bool {
	return l.lookup(principal) != nil
}

// Totals reports minted supply, circulating balances and in-transit escrow.
func (l *Ledger) Totals() (minted, balances, escrow int64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.minted, l.balanceTotal, l.escrowTotal
}

type AccountSnapshot struct {
	Principal string   `json:"principal"`
	Balance   int64    `json:"balance"`
	Assets    []string `json:"assets,omitempty"`
}

func (l *Ledger) Account(principal string) (AccountSnapshot, bool) {
	acc := l.lookup(principal)
	if acc == nil {
		return AccountSnapshot{}, false
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return snapshotLocked(acc), true
}

// Accounts snapshots every account, sorted by principal. Used by checkpoints.
func (l *Ledger) Accounts() []AccountSnapshot {
	l.mu.RLock()
	accs := make([]*account, 0, len(l.accounts))
	for _, a := range l.accounts {
		accs = append(accs, a)
	}
	l.mu.RUnlock()
	out := make([]AccountSnapshot, 0, len(accs))
	for _, a := range accs {
		a.mu.Lock()
		out = append(out, snapshotLocked(a))
		a.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Principal < out[j].Principal })
	return out
}

func snapshotLocked(a *account) AccountSnapshot {
	s := AccountSnapshot{Principal: a.principal, Balance: a.balance}
	for id := range a.assets {
		s.Assets = append(s.Assets, id)
	}
	sort.Strings(s.Assets)
	return s
}

// RestoreAccount rebuilds an account from a checkpoint row. It bypasses
// minting and adjusts the tracked totals directly.
func (l *Ledger) RestoreAccount(s AccountSnapshot) {
	l.mu.Lock()
	acc, ok := l.accounts[s.Principal]
	if !ok {
		acc = &account{principal: s.Principal, assets: map[string]struct{}{}}
		l.accounts[s.Principal] = acc
	}
	l.mu.Unlock()
	acc.mu.Lock()
	acc.balance = s.Balance
	for _, id := range s.Assets {
		acc.assets[id] = struct{}{}
	}
	acc.mu.Unlock()
	l.mu.Lock()
	l.balanceTotal += s.Balance
	l.minted += s.Balance
	l.mu.Unlock()
}

// RestoreOutcome replays a committed transaction from the durable log.
func (l *Ledger) RestoreOutcome(o Outcome) {
	if !o.Committed {
		return
	}
	if _, dup := l.finalized(o.TxID); dup {
		return
	}
	src := l.lookup(o.From)
	dst := l.lookup(o.To)
	if src == nil || dst == nil {
		return
	}
	first, second := src, dst
	if second.principal < first.principal {
		first, second = second, first
	}
	first.mu.Lock()
	second.mu.Lock()
	if o.AssetID != "" {
		delete(src.assets, o.AssetID)
		dst.assets[o.AssetID] = struct{}{}
	} else {
		src.balance -= o.Amount
		dst.balance += o.Amount
	}
	second.mu.Unlock()
	first.mu.Unlock()

	l.mu.Lock()
	l.outcomes[o.TxID] = o
	l.mu.Unlock()
}
