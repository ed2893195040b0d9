package signalstore

import (
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/contextengine/internal/signal"
)

// recentCache mirrors the tail of the event log so window reads survive a
// database outage. It is authoritative only for ranges starting after its
// floor: anything older may have been evicted or never loaded.
type recentCache struct {
	mu     sync.RWMutex
	window time.Duration
	max    int
	events []signal.Event // ordered by (timestamp, id)
	floor  time.Time
}

func newRecentCache(window time.Duration, max int, floor time.Time) *recentCache {
	return &recentCache{window: window, max: max, floor: floor}
}

func (c *recentCache) enabled() bool {
	return c != nil && c.window > 0 && c.max > 0
}

func less(a, b signal.Event) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}

// add inserts e in order and evicts anything older than now-window or past
// the size cap.
func (c *recentCache) add(e signal.Event, now time.Time) {
	if !c.enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if e.Timestamp.Before(c.floor) {
		return
	}
	i := sort.Search(len(c.events), func(i int) bool { return less(e, c.events[i]) })
	c.events = append(c.events, signal.Event{})
	copy(c.events[i+1:], c.events[i:])
	c.events[i] = e

	cutoff := now.Add(-c.window)
	drop := 0
	for drop < len(c.events) && c.events[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if over := len(c.events) - drop - c.max; over > 0 {
		drop += over
	}
	if drop > 0 {
		last := c.events[drop-1].Timestamp
		if last.After(c.floor) {
			c.floor = last
		}
		c.events = append(c.events[:0], c.events[drop:]...)
	}
}

// prime replaces the contents with events loaded from the database for
// [floor, now].
func (c *recentCache) prime(events []signal.Event, floor time.Time) {
	if !c.enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events[:0], events...)
	c.floor = floor
}

// covers reports whether every event with timestamp >= start is cached.
func (c *recentCache) covers(start time.Time) bool {
	if !c.enabled() {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !start.IsZero() && start.After(c.floor)
}

func (c *recentCache) query(sources map[signal.Source]bool, start, end time.Time) []signal.Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]signal.Event, 0)
	for _, e := range c.events {
		if !inWindow(e.Timestamp, start, end) {
			continue
		}
		if len(sources) > 0 && !sources[e.Source] {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (c *recentCache) remove(ids []int64) {
	if !c.enabled() || len(ids) == 0 {
		return
	}
	gone := make(map[int64]bool, len(ids))
	for _, id := range ids {
		gone[id] = true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.events[:0]
	for _, e := range c.events {
		if !gone[e.ID] {
			kept = append(kept, e)
		}
	}
	c.events = kept
}
