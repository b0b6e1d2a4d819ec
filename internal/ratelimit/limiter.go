package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 32

// Tier is one sliding-window admission rule: at most Limit requests in
// any trailing Window.
type Tier struct {
	Limit  int
	Window time.Duration
}

// Decision is the outcome of an admission check. RetryAfter is the
// remaining window of the tier that tripped.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds the wait up to whole seconds for the
// Retry-After header.
func (d Decision) RetryAfterSeconds() int {
	secs := int(d.RetryAfter / time.Second)
	if d.RetryAfter%time.Second != 0 {
		secs++
	}
	return secs
}

// Limiter enforces two independent sliding-window tiers per agent key.
// State is sharded by key, the unit of contention; bookkeeping for a
// single key is linearizable under its shard lock.
type Limiter struct {
	coarse Tier
	strict Tier
	shards [shardCount]shard
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*window
}

type window struct {
	coarse []time.Time
	strict []time.Time
}

// New builds a limiter with the given coarse and strict tiers.
func New(coarse, strict Tier) *Limiter {
	l := &Limiter{coarse: coarse, strict: strict}
	for i := range l.shards {
		l.shards[i].entries = make(map[string]*window)
	}
	return l
}

// Admit evaluates both tiers for key at the given instant. Every check,
// admitted or rejected, appends the timestamp to the key's windows so a
// rejected client is not under-counted on its next check. When both tiers
// trip, the longer remaining window is reported.
func (l *Limiter) Admit(key string, now time.Time) Decision {
	s := &l.shards[shardFor(key)]
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.entries[key]
	if w == nil {
		w = &window{}
		s.entries[key] = w
	}

	w.coarse = prune(w.coarse, now.Add(-l.coarse.Window))
	w.strict = prune(w.strict, now.Add(-l.strict.Window))

	var d Decision
	d.Allowed = true
	if len(w.coarse) >= l.coarse.Limit {
		d.Allowed = false
		if wait := w.coarse[0].Add(l.coarse.Window).Sub(now); wait > d.RetryAfter {
			d.RetryAfter = wait
		}
	}
	if len(w.strict) >= l.strict.Limit {
		d.Allowed = false
		if wait := w.strict[0].Add(l.strict.Window).Sub(now); wait > d.RetryAfter {
			d.RetryAfter = wait
		}
	}

	w.coarse = append(w.coarse, now)
	w.strict = append(w.strict, now)
	return d
}

// Sweep drops keys whose windows have fully expired. Call periodically to
// bound memory for one-shot agents.
func (l *Limiter) Sweep(now time.Time) {
	coarseCutoff := now.Add(-l.coarse.Window)
	strictCutoff := now.Add(-l.strict.Window)
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for key, w := range s.entries {
			w.coarse = prune(w.coarse, coarseCutoff)
			w.strict = prune(w.strict, strictCutoff)
			if len(w.coarse) == 0 && len(w.strict) == 0 {
				delete(s.entries, key)
			}
		}
		s.mu.Unlock()
	}
}

func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

func shardFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}
