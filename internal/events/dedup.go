package events

import (
	"sync"
	"time"
)

// Dedup drops logs delivered more than once. Backfill after a reconnect
// overlaps the live stream, so repeats are normal.
//
// Entries expire after a time-to-live, except those at the highest block
// seen: a reconnect replays that block however long the outage lasted.
type Dedup struct {
	seen map[string]sighting // event ID -> first sighting
	high uint64              // highest block seen
	ttl  time.Duration
	now  func() time.Time
	mu   sync.Mutex
}

type sighting struct {
	at    time.Time
	block uint64
}

// NewDedup creates a Dedup that treats an ID as a duplicate for ttl after it
// was first seen.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]sighting),
		ttl:  ttl,
		now:  time.Now,
	}
}

// IsDuplicate reports whether the log id from block was already seen. An
// unseen or expired id is recorded and false is returned.
func (d *Dedup) IsDuplicate(id string, block uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if block > d.high {
		d.high = block
	}
	now := d.now()
	if s, ok := d.seen[id]; ok && !d.expired(s, now) {
		return true
	}
	d.seen[id] = sighting{at: now, block: block}
	return false
}

func (d *Dedup) expired(s sighting, now time.Time) bool {
	return s.block < d.high && now.Sub(s.at) >= d.ttl
}

// Cleanup removes expired entries.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for id, s := range d.seen {
		if d.expired(s, now) {
			delete(d.seen, id)
		}
	}
}

// Len returns the number of remembered IDs.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
