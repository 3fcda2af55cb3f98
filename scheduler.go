// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package evbus

import (
	"sync"

	"code.hybscloud.com/spin"
	"github.com/rs/zerolog/log"
)

// DeliveryMode selects how a consumer receives event (L1Accept) datagrams.
// Transitions always go to every live consumer; only events are split by
// mode (spec.md §4.3).
type DeliveryMode int

const (
	// ModeSerial consumers all compete for the same stream: each event
	// goes to whichever serial consumer's channel is first found to have
	// room, rotating the starting point so no one consumer starves.
	ModeSerial DeliveryMode = iota
	// ModePartitioned consumers are assigned a fixed round-robin lane
	// (spec.md §4.3); events cycle lane 0,1,...,Nq-1,0,..., and a lane
	// that is full or not-ready is skipped in favour of the next one.
	ModePartitioned
)

// consumerRoute is the scheduler's view of one registered consumer: its
// delivery mode and the two control channels used to push it tokens.
type consumerRoute struct {
	id         int
	mode       DeliveryMode
	partition  int // valid when mode == ModePartitioned
	delivery   *controlChannel
	transition *controlChannel
}

// shuffleItem is what Submit hands the shuffle path: everything needed
// to build and send a BufferMsg without touching the pool again.
type shuffleItem struct {
	bufIdx int
	count  int32
	code   ServiceCode
	trIdx  int // transition-local index, or -1 for an event
}

// Scheduler is the distribution engine at the heart of a Server: it
// turns Submit calls into buffer writes plus a compact token that is
// fanned out to the right consumers (spec.md §4.3).
//
// Submit must be called from a single goroutine (the producer's own
// data-acquisition loop, per spec.md §5); the shuffle queue between it
// and the scheduler loop is a single-producer single-consumer handoff
// queue and gives no other ordering guarantee.
type Scheduler struct {
	cfg  Config
	pool *BufferPool
	trc  *TransitionCache

	shuffle *handoffQueue[shuffleItem]

	globalReturn    *controlChannel   // serial consumers return freed event buffers here
	partitionReturn []*controlChannel // one per round-robin lane [0,Nq)

	mu          sync.Mutex
	consumers   map[int]*consumerRoute
	rrNext      int   // next partition to receive in round-robin cyclic send
	serialOrder []int // consumer ids currently in serial mode
	serialStart int   // rotation offset into serialOrder

	freeEvents []int   // in-process free-list of event-buffer indices
	dest       []int32 // dest[i]: consumer id currently holding event buffer i, or -1

	count int32 // monotonic submit counter, carried in BufferMsg.BufferCount
}

// NewScheduler builds a scheduler over an already-created pool and
// transition cache. globalReturn and partitionReturn are bound by the
// caller (Server) before the scheduler loop starts. Every event buffer
// starts out free: nothing has been handed to a consumer yet, so there
// is nothing for acquireEventBuffer to wait on a return channel for.
func NewScheduler(cfg Config, pool *BufferPool, trc *TransitionCache, globalReturn *controlChannel, partitionReturn []*controlChannel) *Scheduler {
	freeEvents := make([]int, cfg.Nev)
	dest := make([]int32, cfg.Nev)
	for i := range freeEvents {
		freeEvents[i] = i
		dest[i] = -1
	}
	return &Scheduler{
		cfg:             cfg,
		pool:            pool,
		trc:             trc,
		shuffle:         newHandoffQueue[shuffleItem](cfg.totalBuffers()),
		globalReturn:    globalReturn,
		partitionReturn: partitionReturn,
		consumers:       make(map[int]*consumerRoute),
		freeEvents:      freeEvents,
		dest:            dest,
	}
}

// AddConsumer registers route r for distribution. Called from the
// scheduler loop in response to the accept-notification queue.
func (s *Scheduler) AddConsumer(r *consumerRoute) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumers[r.id] = r
	if r.mode == ModeSerial {
		s.serialOrder = append(s.serialOrder, r.id)
	}
}

// RemoveConsumer unregisters consumer id, dropping it from distribution,
// and reclaims every event buffer still addressed to it — whether
// sitting in its partition output queue or already delivered but never
// returned — back onto the global input queue (spec.md §4.4 Retirement
// steps 1-3). Without this, a consumer that crashes while holding or
// queued for buffers leaks them and eventually starves the pool.
//
// The caller is responsible for calling TransitionCache.DeallocateAll
// and closing the routes' channels.
func (s *Scheduler) RemoveConsumer(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.consumers, id)
	for i, sid := range s.serialOrder {
		if sid == id {
			s.serialOrder = append(s.serialOrder[:i], s.serialOrder[i+1:]...)
			break
		}
	}
	for i, k := range s.dest {
		if k == int32(id) {
			s.dest[i] = -1
			s.freeEvents = append(s.freeEvents, i)
		}
	}
}

// Submit is the producer's entry point: it validates, acquires storage
// for dgram, writes it into the pool, and hands a token to the shuffle
// path for distribution (spec.md §4.3 step 1-2).
func (s *Scheduler) Submit(dgram Datagram) error {
	if !dgram.Fits(s.pool.bufSize) {
		return ErrOversizeDatagram
	}

	trIdx := -1
	var bufIdx int
	if dgram.Service.IsTransition() {
		tr, err := s.trc.Allocate(dgram.Service)
		if err != nil {
			return err
		}
		trIdx = tr
		bufIdx = s.pool.TransitionIndex(tr)
		if dgram.Service == Enable {
			// Steal back every event buffer currently outstanding in a
			// consumer output queue before broadcasting Enable, so no
			// event sent before it can overtake it (spec.md §4.3 step 3,
			// §9 ordering guarantee).
			s.stealBackEvents()
		}
	} else {
		idx, err := s.acquireEventBuffer()
		if err != nil {
			log.Warn().Str("service", dgram.Service.String()).Msg("evbus: no free event buffer, dropping datagram")
			return err
		}
		bufIdx = idx
	}

	if err := s.pool.WriteDatagram(bufIdx, dgram); err != nil {
		return err
	}

	s.count++
	item := shuffleItem{bufIdx: bufIdx, count: s.count, code: dgram.Service, trIdx: trIdx}

	sw := spin.Wait{}
	for {
		err := s.shuffle.Enqueue(item)
		if err == nil {
			return nil
		}
		if !IsWouldBlock(err) {
			return err
		}
		sw.Once()
	}
}

// acquireEventBuffer pops the in-process free-list, refilling it first
// from the global return queue and then every partition return queue in
// turn if it is empty (spec.md §4.3: "poll the global queue, then each
// partition queue"). The free-list starts out holding every event
// buffer; after that, an index only becomes available again once some
// consumer reports it done, so Nev bounds how many events may be in
// flight at once.
func (s *Scheduler) acquireEventBuffer() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.freeEvents) == 0 {
		s.refillEventsLocked()
	}
	if len(s.freeEvents) == 0 {
		return 0, ErrWouldBlock
	}
	idx := s.freeEvents[0]
	s.freeEvents = s.freeEvents[1:]
	s.dest[idx] = -1
	return idx, nil
}

// refillEventsLocked drains every return channel into the free-list.
// Callers must hold s.mu.
func (s *Scheduler) refillEventsLocked() {
	for {
		msg, err := s.globalReturn.Dequeue()
		if err != nil {
			break
		}
		s.dest[msg.BufferIndex] = -1
		s.freeEvents = append(s.freeEvents, int(msg.BufferIndex))
	}
	for _, q := range s.partitionReturn {
		for {
			msg, err := q.Dequeue()
			if err != nil {
				break
			}
			s.dest[msg.BufferIndex] = -1
			s.freeEvents = append(s.freeEvents, int(msg.BufferIndex))
		}
	}
}

// stealBackEvents reclaims every event buffer currently assigned to a
// consumer (dest[i] != -1) back onto the free-list, regardless of
// whether that consumer has actually returned it yet (spec.md §4.3:
// Enable-time steal-back).
func (s *Scheduler) stealBackEvents() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, k := range s.dest {
		if k != -1 {
			s.dest[i] = -1
			s.freeEvents = append(s.freeEvents, i)
		}
	}
}

// RunShuffle drains the shuffle queue, sending one token per item to the
// right consumer(s). It is the body of the scheduler loop's per-tick
// work for data movement (spec.md §4.3 step 3); StepAccept (connmgr.go)
// is the other half, run from the same goroutine.
func (s *Scheduler) RunShuffle() error {
	for {
		item, err := s.shuffle.Dequeue()
		if err != nil {
			if IsWouldBlock(err) {
				return nil
			}
			return err
		}
		s.dispatch(item)
	}
}

func (s *Scheduler) dispatch(item shuffleItem) {
	msg := BufferMsg{
		BufferIndex: int32(item.bufIdx),
		BufferCount: item.count,
	}

	if item.trIdx >= 0 {
		s.dispatchTransition(item, msg)
		return
	}
	s.dispatchEvent(item, msg)
}

// dispatchTransition fans item out to every consumer whose not-ready
// gate currently admits it (spec.md §4.2, §4.3).
func (s *Scheduler) dispatchTransition(item shuffleItem, msg BufferMsg) {
	s.mu.Lock()
	routes := make([]*consumerRoute, 0, len(s.consumers))
	for _, r := range s.consumers {
		routes = append(routes, r)
	}
	s.mu.Unlock()

	for _, r := range routes {
		if !s.trc.TryAllocateToConsumer(item.trIdx, r.id) {
			continue
		}
		m := msg
		m.BufferSizeMode = EncodeSizeMode(s.pool.bufSize, 0)
		if err := r.transition.Enqueue(m); err != nil && !IsWouldBlock(err) {
			// unrecoverable send failure: treat as if the consumer never
			// received the token so its bit does not strand the buffer
			s.trc.Deallocate(item.trIdx, r.id)
		}
	}
}

// dispatchEvent sends item to exactly one consumer: the first available
// serial consumer, or, in round-robin mode, the first lane among up to
// Nq attempts starting at rrNext that both is not-ready-gated off and
// accepts the send (spec.md §4.3 step 3 of the shuffle path: "if full,
// try the next partition up to Nq attempts"; scenario (e) in §8). A
// consumer currently not-ready (holding an Enable buffer, §4.2) is
// never handed an event buffer (Testable Property 6). If every
// candidate is exhausted, the delivery is dropped and, in both modes,
// the buffer index is appended back onto the in-process free-list
// (freeEvents, which stands in for the global event-input queue) rather
// than leaked, so pool conservation (Testable Property 1) holds.
func (s *Scheduler) dispatchEvent(item shuffleItem, msg BufferMsg) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.serialOrder) > 0 {
		n := len(s.serialOrder)
		for i := 0; i < n; i++ {
			id := s.serialOrder[(s.serialStart+i)%n]
			if s.trc.NotReady(id) {
				continue
			}
			r, ok := s.consumers[id]
			if !ok {
				continue
			}
			m := msg
			m.BufferSizeMode = EncodeSizeMode(s.pool.bufSize, 0)
			if err := r.delivery.Enqueue(m); err == nil {
				s.serialStart = (s.serialStart + i + 1) % n
				s.dest[item.bufIdx] = int32(id)
				return
			}
		}
		log.Warn().Int("buffer_index", item.bufIdx).Msg("evbus: no serial consumer accepted event, buffer reclaimed")
		s.freeEvents = append(s.freeEvents, item.bufIdx)
		return
	}

	if s.cfg.Nq > 0 {
		for attempt := 0; attempt < s.cfg.Nq; attempt++ {
			lane := (s.rrNext + attempt) % s.cfg.Nq
			r := s.partitionConsumerLocked(lane)
			if r == nil || s.trc.NotReady(r.id) {
				continue
			}
			m := msg
			m.BufferSizeMode = EncodeSizeMode(s.pool.bufSize, lane+1)
			if err := r.delivery.Enqueue(m); err == nil {
				s.rrNext = (lane + 1) % s.cfg.Nq
				s.dest[item.bufIdx] = int32(r.id)
				return
			}
		}
		log.Warn().Int("buffer_index", item.bufIdx).Msg("evbus: every partition lane full or not-ready, event buffer returned to global queue")
		s.freeEvents = append(s.freeEvents, item.bufIdx)
	}
}

// partitionConsumerLocked returns the consumer route bound to round-robin
// lane, or nil if no consumer currently occupies it. Callers must hold
// s.mu.
func (s *Scheduler) partitionConsumerLocked(lane int) *consumerRoute {
	for _, r := range s.consumers {
		if r.mode == ModePartitioned && r.partition == lane {
			return r
		}
	}
	return nil
}
