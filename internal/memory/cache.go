package memory

import (
	"cmp"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

const DefaultCacheCapacity = 50

// RecencyCache keeps the newest messages of every channel in memory.
// The channel map lock is only held for lookup and creation; each channel ring
// has its own lock, so traffic in one channel never blocks another.
type RecencyCache struct {
	capacity int
	now      func() time.Time

	mu    sync.RWMutex
	rings map[string]*channelRing
}

type channelRing struct {
	mu    sync.Mutex
	buf   []Message
	head  int // index of the next write
	count int

	// dropped is set under mu once the ring is removed from the map.
	dropped bool
}

func NewRecencyCache(capacity int) *RecencyCache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &RecencyCache{
		capacity: capacity,
		now:      time.Now,
		rings:    make(map[string]*channelRing),
	}
}

func (c *RecencyCache) ring(channelID string, create bool) *channelRing {
	c.mu.RLock()
	r := c.rings[channelID]
	c.mu.RUnlock()
	if r != nil || !create {
		return r
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if r = c.rings[channelID]; r == nil {
		r = &channelRing{buf: make([]Message, c.capacity)}
		c.rings[channelID] = r
	}
	return r
}

// lockRing returns the channel's live ring with its lock held. A ring that
// was dropped between lookup and lock is discarded and looked up again.
func (c *RecencyCache) lockRing(channelID string) *channelRing {
	for {
		r := c.ring(channelID, true)
		r.mu.Lock()
		if !r.dropped {
			return r
		}
		r.mu.Unlock()
	}
}

// Record inserts msg as the newest entry of its channel, evicting the oldest
// entry once the ring is full.
func (c *RecencyCache) Record(msg Message) {
	if msg.ChannelID == "" {
		return
	}
	msg.Embedding = nil

	r := c.lockRing(msg.ChannelID)
	r.buf[r.head] = msg
	r.head = (r.head + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	r.mu.Unlock()
}

// snapshot returns the ring contents newest first.
func (r *channelRing) snapshot() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *channelRing) snapshotLocked() []Message {
	out := make([]Message, 0, r.count)
	for i := 1; i <= r.count; i++ {
		idx := (r.head - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}

// Recent returns up to limit cached messages of a channel, most recent first,
// skipping messages older than maxAge (maxAge <= 0 disables the age filter).
// The sequence is finite and single-use: a second range over it yields nothing.
func (c *RecencyCache) Recent(channelID string, limit int, maxAge time.Duration) iter.Seq[Message] {
	var used atomic.Bool
	return func(yield func(Message) bool) {
		if !used.CompareAndSwap(false, true) || limit <= 0 {
			return
		}
		r := c.ring(channelID, false)
		if r == nil {
			return
		}

		var cutoff time.Time
		if maxAge > 0 {
			cutoff = c.now().Add(-maxAge)
		}
		emitted := 0
		for _, msg := range r.snapshot() {
			if !cutoff.IsZero() && msg.Timestamp.Before(cutoff) {
				continue
			}
			if !yield(msg) {
				return
			}
			emitted++
			if emitted >= limit {
				return
			}
		}
	}
}

// Len reports how many messages are cached for a channel.
func (c *RecencyCache) Len(channelID string) int {
	r := c.ring(channelID, false)
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// rebuild keeps only the messages for which keep returns true, preserving order.
func (r *channelRing) rebuild(keep func(Message) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	newest := r.snapshotLocked()
	kept := make([]Message, 0, len(newest))
	for _, msg := range newest {
		if keep(msg) {
			kept = append(kept, msg)
		}
	}
	removed := r.count - len(kept)
	if removed <= 0 {
		return 0
	}
	clear(r.buf)
	r.count = 0
	r.head = 0
	for i := len(kept) - 1; i >= 0; i-- {
		r.buf[r.head] = kept[i]
		r.head = (r.head + 1) % len(r.buf)
		r.count++
	}
	return removed
}

func (c *RecencyCache) allRings() map[string]*channelRing {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*channelRing, len(c.rings))
	for id, r := range c.rings {
		out[id] = r
	}
	return out
}

// CleanupOlderThan evicts messages with a timestamp before cutoff and drops
// channels left empty. It returns the number of evicted messages.
func (c *RecencyCache) CleanupOlderThan(cutoff time.Time) int {
	removed := 0
	for id, r := range c.allRings() {
		removed += r.rebuild(func(m Message) bool { return !m.Timestamp.Before(cutoff) })
		if c.Len(id) == 0 {
			c.dropIfEmpty(id)
		}
	}
	return removed
}

func (c *RecencyCache) dropIfEmpty(channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.rings[channelID]
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		r.dropped = true
		delete(c.rings, channelID)
	}
}

// Purge evicts the cached messages selected by scope, using the same
// selection rules as Store.Purge. It returns the number of evicted messages.
func (c *RecencyCache) Purge(scope PurgeScope) int {
	if scope.empty() {
		return 0
	}
	rings := c.allRings()
	if scope.ChannelID != "" {
		r := rings[scope.ChannelID]
		rings = map[string]*channelRing{}
		if r != nil {
			rings[scope.ChannelID] = r
		}
	}

	removed := 0
	for id, r := range rings {
		removed += r.rebuild(func(m Message) bool {
			if !scope.Before.IsZero() && !m.Timestamp.Before(scope.Before) {
				return true
			}
			return scope.UserID != "" && m.AuthorID != scope.UserID
		})
		c.dropIfEmpty(id)
	}
	return removed
}

// Backfill merges msgs into a channel's ring, skipping IDs already cached, and
// keeps the newest entries by timestamp. It is used to warm a cold channel
// from the store without losing messages recorded concurrently.
func (c *RecencyCache) Backfill(channelID string, msgs []Message) {
	if channelID == "" || len(msgs) == 0 {
		return
	}
	r := c.lockRing(channelID)
	defer r.mu.Unlock()

	merged := r.snapshotLocked()
	seen := make(map[int64]struct{}, len(merged))
	for _, m := range merged {
		seen[m.ID] = struct{}{}
	}
	for _, m := range msgs {
		if m.ChannelID != channelID {
			continue
		}
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		m.Embedding = nil
		merged = append(merged, m)
	}
	slices.SortStableFunc(merged, func(a, b Message) int {
		if d := b.Timestamp.Compare(a.Timestamp); d != 0 {
			return d
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if len(merged) > len(r.buf) {
		merged = merged[:len(r.buf)]
	}

	clear(r.buf)
	r.head, r.count = 0, 0
	for i := len(merged) - 1; i >= 0; i-- {
		r.buf[r.head] = merged[i]
		r.head = (r.head + 1) % len(r.buf)
		r.count++
	}
}
