// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package evbus

import (
	"context"
	"encoding/binary"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"
)

// handshakeRequest is what a joining consumer sends once over the
// discovery TCP connection: its pid (so both sides can derive its
// control-channel paths) and its requested delivery mode.
type handshakeRequest struct {
	Pid       int32
	Mode      int32 // 0 = serial, 1 = partitioned
	Partition int32 // desired lane when Mode == 1
}

// handshakeReply is the producer's answer: the assigned consumer id,
// pool geometry, and how many replayEntry records follow.
type handshakeReply struct {
	ConsumerID int32
	NumReplay  int32
	BufSize    int32
	Nev        int32
	Ntr        int32
	Nq         int32
}

// replayEntry describes one live transition the new consumer must
// observe to reach the current session state (spec.md §4.4).
type replayEntry struct {
	GlobalIndex int32
	Code        int32
}

// acceptKind distinguishes the two events the connection manager hands
// to the scheduler loop.
type acceptKind int

const (
	eventJoin acceptKind = iota
	eventRetire
)

type acceptEvent struct {
	kind  acceptKind
	route *consumerRoute
	slot  int
}

// ConnectionManager runs the discovery/registration/retirement protocol
// described in spec.md §4.4: a TCP listener on loopback for discovery
// and the handshake, deterministic per-pid control channels the
// consumer binds ahead of time, and slot bookkeeping for the
// TransitionCache's bitmap width.
type ConnectionManager struct {
	cfg      Config
	dir      string
	pool     *BufferPool
	trc      *TransitionCache
	sched    *Scheduler
	listener *net.TCPListener
	portFile string
	trReturn *controlChannel

	mu        sync.Mutex
	freeSlots []int
	pidToSlot map[int]int

	acceptMu sync.Mutex // serializes concurrent per-connection producers into accept
	accept   *handoffQueue[acceptEvent]
}

// NewConnectionManager binds the discovery TCP listener and publishes
// its port, but does not yet accept connections; call Run to start.
func NewConnectionManager(cfg Config, dir string, pool *BufferPool, trc *TransitionCache, sched *Scheduler) (*ConnectionManager, error) {
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		return nil, NewConfigurationError("discovery listener", err)
	}
	portFile := portFilePath(dir, cfg.Tag)
	port := ln.Addr().(*net.TCPAddr).Port
	if err := os.WriteFile(portFile, []byte(strconv.Itoa(port)), 0o600); err != nil {
		_ = ln.Close()
		return nil, NewConfigurationError(portFile, err)
	}

	trReturn, err := bindControlChannel(transitionReturnChannel(dir, cfg.Tag), cfg.Ntr)
	if err != nil {
		_ = os.Remove(portFile)
		_ = ln.Close()
		return nil, err
	}

	free := make([]int, cfg.MaxConsumers)
	for i := range free {
		free[i] = i
	}

	return &ConnectionManager{
		cfg: cfg, dir: dir, pool: pool, trc: trc, sched: sched,
		listener:  ln,
		portFile:  portFile,
		trReturn:  trReturn,
		freeSlots: free,
		pidToSlot: make(map[int]int),
		accept:    newHandoffQueue[acceptEvent](cfg.MaxConsumers * 4),
	}, nil
}

// Run accepts connections until ctx is done, spawning one goroutine per
// handshake so a slow or misbehaving joiner cannot block others.
func (cm *ConnectionManager) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = cm.listener.Close()
	}()
	for {
		conn, err := cm.listener.AcceptTCP()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("evbus: discovery accept failed")
			continue
		}
		// Re-advertise the listener's port on every accept, so a port file
		// removed or clobbered since startup is restored.
		port := cm.listener.Addr().(*net.TCPAddr).Port
		if err := os.WriteFile(cm.portFile, []byte(strconv.Itoa(port)), 0o600); err != nil {
			log.Warn().Err(err).Msg("evbus: refreshing discovery port file failed")
		}
		go cm.handleConn(conn)
	}
}

// Close stops the listener, the transition-return channel, and removes
// the port file.
func (cm *ConnectionManager) Close() error {
	err := cm.listener.Close()
	_ = cm.trReturn.Close()
	_ = os.Remove(cm.portFile)
	return err
}

func (cm *ConnectionManager) handleConn(conn *net.TCPConn) {
	defer conn.Close()

	var req handshakeRequest
	if err := binary.Read(conn, binary.LittleEndian, &req); err != nil {
		log.Warn().Err(err).Msg("evbus: malformed registration request")
		return
	}

	slot, ok := cm.takeSlot(int(req.Pid))
	if !ok {
		_ = binary.Write(conn, binary.LittleEndian, &handshakeReply{ConsumerID: -1, NumReplay: -1})
		log.Warn().Int32("pid", req.Pid).Msg("evbus: consumer limit reached, rejecting registration")
		return
	}

	delivery, err := dialControlChannel(consumerDeliveryChannel(cm.dir, cm.cfg.Tag, int(req.Pid)), cm.cfg.totalBuffers())
	if err != nil {
		cm.releaseSlot(int(req.Pid), slot)
		log.Warn().Err(err).Int32("pid", req.Pid).Msg("evbus: consumer delivery channel not ready")
		return
	}
	transition, err := dialControlChannel(consumerTransitionChannel(cm.dir, cm.cfg.Tag, int(req.Pid)), cm.cfg.Ntr)
	if err != nil {
		_ = delivery.Close()
		cm.releaseSlot(int(req.Pid), slot)
		log.Warn().Err(err).Int32("pid", req.Pid).Msg("evbus: consumer transition channel not ready")
		return
	}

	mode := ModeSerial
	if req.Mode == int32(ModePartitioned) {
		mode = ModePartitioned
	}
	route := &consumerRoute{
		id: slot, mode: mode, partition: int(req.Partition),
		delivery: delivery, transition: transition,
	}

	replay := cm.trc.CurrentStackCopy()
	reply := handshakeReply{
		ConsumerID: int32(slot), NumReplay: int32(len(replay)),
		BufSize: int32(cm.pool.bufSize), Nev: int32(cm.pool.nev), Ntr: int32(cm.pool.ntr),
		Nq: int32(cm.cfg.Nq),
	}
	if err := binary.Write(conn, binary.LittleEndian, &reply); err != nil {
		cm.retire(route, int(req.Pid), slot)
		return
	}
	for _, trIdx := range replay {
		entry := replayEntry{GlobalIndex: int32(cm.pool.TransitionIndex(trIdx)), Code: int32(cm.trc.CodeOf(trIdx))}
		if err := binary.Write(conn, binary.LittleEndian, &entry); err != nil {
			cm.retire(route, int(req.Pid), slot)
			return
		}
		cm.trc.TryAllocateToConsumer(trIdx, slot)
	}

	cm.enqueueAccept(acceptEvent{kind: eventJoin, route: route, slot: slot})
	log.Info().Int32("pid", req.Pid).Int("consumer_id", slot).Int("replay", len(replay)).Msg("evbus: consumer registered")

	// Block until the consumer process exits or drops the connection;
	// this TCP stream's only remaining job is liveness detection.
	buf := make([]byte, 1)
	_, _ = conn.Read(buf)
	cm.retire(route, int(req.Pid), slot)
}

func (cm *ConnectionManager) retire(route *consumerRoute, pid, slot int) {
	cm.releaseSlot(pid, slot)
	cm.enqueueAccept(acceptEvent{kind: eventRetire, route: route, slot: slot})
	log.Info().Int("pid", pid).Int("consumer_id", slot).Msg("evbus: consumer retired")
}

func (cm *ConnectionManager) takeSlot(pid int) (int, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if len(cm.freeSlots) == 0 {
		return 0, false
	}
	slot := cm.freeSlots[0]
	cm.freeSlots = cm.freeSlots[1:]
	cm.pidToSlot[pid] = slot
	return slot, true
}

func (cm *ConnectionManager) releaseSlot(pid, slot int) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	delete(cm.pidToSlot, pid)
	cm.freeSlots = append(cm.freeSlots, slot)
}

func (cm *ConnectionManager) enqueueAccept(ev acceptEvent) {
	cm.acceptMu.Lock()
	defer cm.acceptMu.Unlock()
	for cm.accept.Enqueue(ev) != nil {
		// capacity is 4x MaxConsumers against a low-frequency event
		// stream; a full queue here means the scheduler loop has stalled.
	}
}

// StepAccept drains join/retire events into the scheduler. Called from
// the scheduler loop each tick, the same goroutine that calls
// Scheduler.RunShuffle, so membership changes and distribution never
// run concurrently with each other.
func (cm *ConnectionManager) StepAccept() {
	for {
		ev, err := cm.accept.Dequeue()
		if err != nil {
			break
		}
		switch ev.kind {
		case eventJoin:
			cm.sched.AddConsumer(ev.route)
		case eventRetire:
			// RemoveConsumer both drops the slot from distribution and
			// reclaims every event buffer still addressed to it onto the
			// global input queue (spec.md §4.4 Retirement steps 1-3).
			cm.sched.RemoveConsumer(ev.slot)
			cm.trc.DeallocateAll(ev.slot)
			_ = ev.route.delivery.Close()
			_ = ev.route.transition.Close()
		}
	}
	cm.stepTransitionReturns()
}

// stepTransitionReturns drains consumer-reported transition-buffer
// completions. The global index carried on the wire is translated back
// to a transition-local index before reaching TransitionCache, which
// only knows about its own Ntr buffers.
func (cm *ConnectionManager) stepTransitionReturns() {
	for {
		msg, err := cm.trReturn.Dequeue()
		if err != nil {
			return
		}
		trIdx := int(msg.BufferIndex) - cm.pool.nev
		slot := int(msg.BufferCount)
		cm.trc.Deallocate(trIdx, slot)
	}
}
