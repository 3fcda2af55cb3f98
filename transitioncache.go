// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package evbus

import "sync"

// TransitionCache maintains the minimal suffix of opening transitions a
// newly-joining consumer must observe to reach the current session
// state, and gates delivery of closing transitions to consumers still
// holding a nested opening (spec.md §4.2).
//
// Every method is a critical section serialized by mu: the cache is
// shared between the connection manager's accept goroutine and the
// scheduler's main goroutine (spec.md §5).
type TransitionCache struct {
	mu sync.Mutex

	ntr      int
	free     []int          // FIFO of free transition-local indices
	alloc    []bitmap32      // per-transition-buffer consumer bitmap
	codeOf   []ServiceCode    // service code last written to buffer i
	stack    []int            // live transitions, transition-local indices, top last
	notReady bitmap32         // per-consumer: latched while holding Enable across a new opening
}

// NewTransitionCache creates a cache over ntr transition buffers, all
// initially free.
func NewTransitionCache(ntr int) *TransitionCache {
	free := make([]int, ntr)
	for i := range free {
		free[i] = i
	}
	return &TransitionCache{
		ntr:    ntr,
		free:   free,
		alloc:  make([]bitmap32, ntr),
		codeOf: make([]ServiceCode, ntr),
	}
}

// Allocate finds a free transition buffer for code, updates the live
// stack, and latches not-ready for any consumer still holding Enable
// when code is an opening. Returns ErrNoFreeBuffer if every transition
// buffer is in use — fatal to the producer (spec.md §4.2, §7).
func (c *TransitionCache) Allocate(code ServiceCode) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.free) == 0 {
		return 0, ErrNoFreeBuffer
	}
	b := c.free[0]
	c.free = c.free[1:]
	c.codeOf[b] = code

	switch {
	case len(c.stack) == 0:
		if code == Map {
			c.stack = append(c.stack, b)
		}
		// else: unexpected with an empty stack; buffer is allocated but
		// not cached (§9 open question — preserved, not rejected).
	default:
		top := c.stack[len(c.stack)-1]
		topCode := c.codeOf[top]
		switch {
		case code == topCode+2:
			// deeper nesting
			c.stack = append(c.stack, b)
		case code == topCode+1:
			// close of current opening: pop, return the popped index to free
			c.stack = c.stack[:len(c.stack)-1]
			c.free = append(c.free, top)
			// the new (closing) buffer b is itself not cached
		default:
			// unexpected: allocated but not cached (§9 open question)
		}
	}

	if code.IsOpening() {
		for i := 0; i < c.ntr; i++ {
			if c.codeOf[i] == Enable && !c.alloc[i].isZero() {
				c.notReady.merge(&c.alloc[i])
			}
		}
	}

	return b, nil
}

// TryAllocateToConsumer admits transition buffer trIdx into consumer k's
// stream, subject to the not-ready gate: while k is not-ready, it may
// only be given a closing code strictly less than the minimum closing
// code among buffers it already holds (spec.md §4.2).
func (c *TransitionCache) TryAllocateToConsumer(trIdx, k int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.notReady.test(k) {
		var minClosing ServiceCode
		found := false
		for i := 0; i < c.ntr; i++ {
			if c.alloc[i].test(k) && c.codeOf[i].IsClosing() {
				if !found || c.codeOf[i] < minClosing {
					minClosing = c.codeOf[i]
					found = true
				}
			}
		}
		if !found || !(c.codeOf[trIdx].IsClosing() && c.codeOf[trIdx] < minClosing) {
			return false
		}
	}

	c.alloc[trIdx].set(k)
	return true
}

// Deallocate clears consumer k's bit on transition buffer trIdx. If k
// was not-ready and now holds no transition buffer at all, its
// not-ready bit is cleared and true is returned, signalling the caller
// to resume feeding k event buffers (spec.md §4.2).
func (c *TransitionCache) Deallocate(trIdx, k int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.alloc[trIdx].clear(k)
	if !c.notReady.test(k) {
		return false
	}
	for i := 0; i < c.ntr; i++ {
		if c.alloc[i].test(k) {
			return false
		}
	}
	c.notReady.clear(k)
	return true
}

// DeallocateAll clears consumer k's bit in every transition buffer and
// its not-ready bit. Used at consumer retirement.
func (c *TransitionCache) DeallocateAll(k int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := 0; i < c.ntr; i++ {
		c.alloc[i].clear(k)
	}
	c.notReady.clear(k)
}

// CurrentStackCopy returns a shallow copy of the live transitions stack,
// top last, for replaying to a newly-joined consumer (spec.md §4.4).
func (c *TransitionCache) CurrentStackCopy() []int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cp := make([]int, len(c.stack))
	copy(cp, c.stack)
	return cp
}

// CodeOf returns the service code last written to transition buffer i.
func (c *TransitionCache) CodeOf(i int) ServiceCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codeOf[i]
}

// NotReady reports whether consumer k's not-ready bit is set: it held an
// Enable buffer when a later opening was allocated, and has not yet
// released every transition buffer it holds.
func (c *TransitionCache) NotReady(k int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notReady.test(k)
}
