package replicate

import (
	"sync"

	"meridian.world/internal/protocol"
)

// Journal is the bounded per-tick change log the broadcast engine reads.
// The command pipeline appends an entry for every accepted command; batches
// older than the retention window are pruned, forcing lagging sessions onto
// the snapshot path.
type Journal struct {
	mu        sync.Mutex
	retention uint64
	batches   map[uint64]*TickBatch
	minTick   uint64
	maxTick   uint64
}

type TickBatch struct {
	Changed map[string]struct{}
	Removed map[string]struct{}
	Ledger  []protocol.LedgerEvent
}

func NewJournal(retention uint64) *Journal {
	if retention == 0 {
		retention = 256
	}
	return &Journal{retention: retention, batches: map[uint64]*TickBatch{}}
}

func (j *Journal) batchLocked(tick uint64) *TickBatch {
	b := j.batches[tick]
	if b == nil {
		b = &TickBatch{Changed: map[string]struct{}{}, Removed: map[string]struct{}{}}
		j.batches[tick] = b
		if tick > j.maxTick {
			j.maxTick = tick
		}
		if j.minTick == 0 || tick < j.minTick {
			j.minTick = tick
		}
		for j.maxTick-j.minTick >= j.retention {
			delete(j.batches, j.minTick)
			j.minTick++
		}
	}
	return b
}

func (j *Journal) EntityChanged(tick uint64, id string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	b := j.batchLocked(tick)
	b.Changed[id] = struct{}{}
	delete(b.Removed, id)
}

func (j *Journal) EntityRemoved(tick uint64, id string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	b := j.batchLocked(tick)
	delete(b.Changed, id)
	b.Removed[id] = struct{}{}
}

func (j *Journal) LedgerEvent(ev protocol.LedgerEvent) {
	j.mu.Lock()
	defer j.mu.Unlock()
	b := j.batchLocked(ev.Tick)
	b.Ledger = append(b.Ledger, ev)
}

// Covers reports whether every tick in (since, now] is still retained.
func (j *Journal) Covers(since, now uint64) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if since+1 >= now && len(j.batches) == 0 {
		return true
	}
	return since+1 >= j.minTick || j.minTick == 0
}

// Collect merges the batches for ticks in (since, now].
func (j *Journal) Collect(since, now uint64) (changed, removed map[string]struct{}, ledger []protocol.LedgerEvent) {
	changed = map[string]struct{}{}
	removed = map[string]struct{}{}
	j.mu.Lock()
	defer j.mu.Unlock()
	for t := since + 1; t <= now; t++ {
		b := j.batches[t]
		if b == nil {
			continue
		}
		for id := range b.Changed {
			changed[id] = struct{}{}
			delete(removed, id)
		}
		for id := range b.Removed {
			removed[id] = struct{}{}
			delete(changed, id)
		}
		ledger = append(ledger, b.Ledger...)
	}
	return changed, removed, ledger
}
