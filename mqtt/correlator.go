package mqtt

import (
	"MeterDetServer/frame"
	"sync"
	"time"
)

type pending struct {
	session string
	ch      chan frame.DetectionResult
	created time.Time
}

// Correlator matches detection results to the request (and UI session) that
// produced them.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*pending
	now     func() time.Time
}

func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[string]*pending), now: time.Now}
}

// Register tracks id for session. The returned channel receives the result
// once; it is buffered so Resolve never blocks on a waiter that gave up.
func (c *Correlator) Register(id, session string) <-chan frame.DetectionResult {
	p := &pending{session: session, ch: make(chan frame.DetectionResult, 1), created: c.now()}
	c.mu.Lock()
	c.pending[id] = p
	c.mu.Unlock()
	return p.ch
}

// Resolve hands res to its waiter and reports the owning session. A result
// without an id is matched only when exactly one request is outstanding.
func (c *Correlator) Resolve(res frame.DetectionResult) (string, bool) {
	return c.ResolveFunc(res, nil)
}

// ResolveFunc is Resolve with a hook that runs after the request is claimed
// and before the waiter is woken, so whatever before records is visible to
// the waiter.
func (c *Correlator) ResolveFunc(res frame.DetectionResult, before func(session string, res frame.DetectionResult)) (string, bool) {
	c.mu.Lock()
	id := res.ID
	if id == "" && len(c.pending) == 1 {
		for only := range c.pending {
			id = only
		}
	}
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return "", false
	}
	res.ID = id
	if before != nil {
		before(p.session, res)
	}
	p.ch <- res
	return p.session, true
}

func (c *Correlator) Forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Expire drops requests older than ttl and returns how many were dropped.
func (c *Correlator) Expire(ttl time.Duration) int {
	cutoff := c.now().Add(-ttl)
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, p := range c.pending {
		if p.created.Before(cutoff) {
			delete(c.pending, id)
			n++
		}
	}
	return n
}
