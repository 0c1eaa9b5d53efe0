// Package indexdb keeps a queryable read-model index of checkpoints,
// committed transactions, and session lifecycle events in SQLite. Writes go
// through a single goroutine with a buffered channel so the sync core never
// stalls on the database.
package indexdb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"meridian.world/internal/sim/ledger"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
}

type reqKind int

const (
	reqCheckpoint reqKind = iota + 1
	reqTx
	reqSession
)

type req struct {
	kind reqKind

	checkpoint checkpointRow
	tx         ledger.Outcome
	session    sessionRow
}

type checkpointRow struct {
	Tick     uint64
	Path     string
	Entities int
	Accounts int
}

type sessionRow struct {
	SessionID string
	Principal string
	Event     string // "JOIN" | "LEAVE"
	Tick      uint64
}

func Open(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		// High buffer: bursts of committed transfers must not stall the tick loop.
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL suits the append-style workload; NORMAL is enough durability for a
	// secondary index (the txlog is the source of truth).
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			tick INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			entities INTEGER NOT NULL,
			accounts INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS transactions (
			tx_id TEXT PRIMARY KEY,
			tick INTEGER NOT NULL,
			from_principal TEXT NOT NULL,
			to_principal TEXT NOT NULL,
			amount INTEGER NOT NULL,
			asset_id TEXT NOT NULL DEFAULT '',
			committed INTEGER NOT NULL,
			code TEXT NOT NULL DEFAULT '',
			recorded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_tick ON transactions(tick);`,
		`CREATE TABLE IF NOT EXISTS session_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			principal TEXT NOT NULL,
			event TEXT NOT NULL,
			tick INTEGER NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) loop() {
	for r := range s.ch {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		switch r.kind {
		case reqCheckpoint:
			_, _ = s.db.Exec(
				`INSERT OR REPLACE INTO checkpoints (tick, path, entities, accounts, created_at) VALUES (?,?,?,?,?)`,
				r.checkpoint.Tick, r.checkpoint.Path, r.checkpoint.Entities, r.checkpoint.Accounts, now)
		case reqTx:
			committed := 0
			if r.tx.Committed {
				committed = 1
			}
			_, _ = s.db.Exec(
				`INSERT OR IGNORE INTO transactions (tx_id, tick, from_principal, to_principal, amount, asset_id, committed, code, recorded_at)
				 VALUES (?,?,?,?,?,?,?,?,?)`,
				r.tx.TxID, r.tx.Tick, r.tx.From, r.tx.To, r.tx.Amount, r.tx.AssetID, committed, r.tx.Code, now)
		case reqSession:
			_, _ = s.db.Exec(
				`INSERT INTO session_events (session_id, principal, event, tick, recorded_at) VALUES (?,?,?,?,?)`,
				r.session.SessionID, r.session.Principal, r.session.Event, r.session.Tick, now)
		}
	}
}

func (s *SQLiteIndex) enqueue(r req) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
		// Index is best-effort; drop rather than block the sim.
	}
}

func (s *SQLiteIndex) RecordCheckpoint(tick uint64, path string, entities, accounts int) {
	s.enqueue(req{kind: reqCheckpoint, checkpoint: checkpointRow{Tick: tick, Path: path, Entities: entities, Accounts: accounts}})
}

func (s *SQLiteIndex) RecordTx(o ledger.Outcome) {
	s.enqueue(req{kind: reqTx, tx: o})
}

func (s *SQLiteIndex) RecordSession(sessionID, principal, event string, tick uint64) {
	s.enqueue(req{kind: reqSession, session: sessionRow{SessionID: sessionID, Principal: principal, Event: event, Tick: tick}})
}

// LatestCheckpoint returns the newest indexed checkpoint, ok=false when the
// table is empty.
func (s *SQLiteIndex) LatestCheckpoint() (tick uint64, path string, ok bool, err error) {
	row := s.db.QueryRow(`SELECT tick, path FROM checkpoints ORDER BY tick DESC LIMIT 1`)
	if err := row.Scan(&tick, &path); err != nil {
		if err == sql.ErrNoRows {
			return 0, "", false, nil
		}
		return 0, "", false, err
	}
	return tick, path, true, nil
}

// CommittedSince lists committed transactions after a tick, oldest first.
func (s *SQLiteIndex) CommittedSince(tick uint64) ([]ledger.Outcome, error) {
	rows, err := s.db.Query(
		`SELECT tx_id, tick, from_principal, to_principal, amount, asset_id FROM transactions
		 WHERE committed = 1 AND tick > ? ORDER BY tick ASC, tx_id ASC`, tick)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ledger.Outcome
	for rows.Next() {
		var o ledger.Outcome
		if err := rows.Scan(&o.TxID, &o.Tick, &o.From, &o.To, &o.Amount, &o.AssetID); err != nil {
			return nil, err
		}
		o.Committed = true
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}
