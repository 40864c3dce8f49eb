package ratelimit

import "container/list"

// entry is the per-key record: admitted timestamps (epoch ms, insertion order)
// plus bookkeeping for recency and expiry.
type entry struct {
	key        string
	timestamps []int64
	lastAccess int64
	elem       *list.Element
	// deniedLogged tracks whether the first-denial hook already fired for this
	// record, resets when the record is evicted or expires
	deniedLogged bool
}

// prune drops timestamps at or before cutoff in place. Timestamps after cutoff,
// including any ahead of the caller's clock, are kept.
func (e *entry) prune(cutoff int64) {
	n := 0
	for _, t := range e.timestamps {
		if t > cutoff {
			e.timestamps[n] = t
			n++
		}
	}
	e.timestamps = e.timestamps[:n]
}

// oldest returns the smallest retained timestamp. Insertion order is not
// guaranteed sorted when the clock regresses, so scan rather than take [0].
func (e *entry) oldest() int64 {
	lo := e.timestamps[0]
	for _, t := range e.timestamps[1:] {
		if t < lo {
			lo = t
		}
	}
	return lo
}

// store is a map for lookup plus a recency list, front = most recently used.
// Not safe for concurrent use; the Limiter mutex guards it.
type store struct {
	items map[string]*list.Element
	order *list.List
}

func newStore() *store {
	return &store{
		items: make(map[string]*list.Element),
		order: list.New(),
	}
}

func (s *store) len() int { return len(s.items) }

func (s *store) get(key string) (*entry, bool) {
	el, ok := s.items[key]
	if !ok {
		return nil, false
	}
	return el.Value.(*entry), true
}

func (s *store) insert(key string, nowMs int64, capHint int) *entry {
	e := &entry{
		key:        key,
		timestamps: make([]int64, 0, capHint),
		lastAccess: nowMs,
	}
	e.elem = s.order.PushFront(e)
	s.items[key] = e.elem
	return e
}

// touch marks e most recently used. lastAccess never moves backwards so a
// regressed clock cannot shorten a record's idle lifetime.
func (s *store) touch(e *entry, nowMs int64) {
	s.order.MoveToFront(e.elem)
	if nowMs > e.lastAccess {
		e.lastAccess = nowMs
	}
}

func (s *store) remove(e *entry) {
	s.order.Remove(e.elem)
	delete(s.items, e.key)
}

// evictOver removes least recently used entries until at most limit remain.
// keep is never evicted.
func (s *store) evictOver(limit int, keep *entry) []string {
	var evicted []string
	for len(s.items) > limit {
		back := s.order.Back()
		if back == nil {
			break
		}
		e := back.Value.(*entry)
		if e == keep {
			break
		}
		s.remove(e)
		evicted = append(evicted, e.key)
	}
	return evicted
}

// expired collects every entry idle for at least ttlMs as of nowMs.
func (s *store) expired(nowMs, ttlMs int64) []*entry {
	var out []*entry
	for el := s.order.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		if nowMs-e.lastAccess >= ttlMs {
			out = append(out, e)
		}
	}
	return out
}

func (s *store) reset() {
	s.items = make(map[string]*list.Element)
	s.order.Init()
}
