// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package evbus

import (
	"context"
	"os"

	"code.hybscloud.com/spin"
	"github.com/rs/zerolog/log"
)

// Server is the producer-side process: it owns the shared buffer pool,
// the transition cache, the scheduler, and the connection manager, and
// runs the two goroutines spec.md §5.1 allows (accept loop, scheduler
// loop).
type Server struct {
	cfg  Config
	dir  string
	pool *BufferPool
	trc  *TransitionCache
	sch  *Scheduler
	cm   *ConnectionManager

	globalReturn    *controlChannel
	partitionReturn []*controlChannel
}

// NewServer validates cfg, creates and maps the shared buffer pool, and
// wires up the scheduler and connection manager. cfg.SocketDir is the
// directory both control-channel sockets and the shared-memory backing
// file are created in (spec.md §6; defaults to os.TempDir() when empty).
func NewServer(cfg Config) (*Server, error) {
	cfg, err := cfg.WithDefaults()
	if err != nil {
		return nil, err
	}
	dir := cfg.SocketDir
	if dir == "" {
		dir = os.TempDir()
	}

	pool, err := CreatePool(dir, cfg)
	if err != nil {
		return nil, err
	}
	trc := NewTransitionCache(cfg.Ntr)

	globalReturn, err := bindControlChannel(eventInputChannel(dir, cfg.Tag, cfg.Nq), cfg.Nev)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	partitionReturn := make([]*controlChannel, cfg.Nq)
	for i := 0; i < cfg.Nq; i++ {
		q, err := bindControlChannel(eventInputChannel(dir, cfg.Tag, i), cfg.Nev)
		if err != nil {
			_ = globalReturn.Close()
			for j := 0; j < i; j++ {
				_ = partitionReturn[j].Close()
			}
			_ = pool.Close()
			return nil, err
		}
		partitionReturn[i] = q
	}

	sch := NewScheduler(cfg, pool, trc, globalReturn, partitionReturn)

	cm, err := NewConnectionManager(cfg, dir, pool, trc, sch)
	if err != nil {
		_ = globalReturn.Close()
		for _, q := range partitionReturn {
			_ = q.Close()
		}
		_ = pool.Close()
		return nil, err
	}

	return &Server{
		cfg: cfg, dir: dir, pool: pool, trc: trc, sch: sch, cm: cm,
		globalReturn: globalReturn, partitionReturn: partitionReturn,
	}, nil
}

// Submit writes dgram into the pool and queues it for distribution.
// Safe to call only from the single goroutine that owns the producer's
// data-acquisition loop (spec.md §5).
func (s *Server) Submit(dgram Datagram) error {
	return s.sch.Submit(dgram)
}

// Run starts the accept loop and the scheduler loop, both as goroutines,
// and blocks until ctx is done.
func (s *Server) Run(ctx context.Context) {
	go s.cm.Run(ctx)
	go s.schedulerLoop(ctx)
	<-ctx.Done()
}

// schedulerLoop is the single goroutine that drains both the shuffle
// queue (data) and the accept-notification queue (membership changes),
// calling spin.Wait.Once after every pass whether or not either queue
// had work (spec.md §4.3, §5.1).
func (s *Server) schedulerLoop(ctx context.Context) {
	sw := spin.Wait{}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.cm.StepAccept()
		if err := s.sch.RunShuffle(); err != nil {
			log.Error().Err(err).Msg("evbus: shuffle path failed")
		}
		sw.Once()
	}
}

// Shutdown stops accepting new consumers and releases the pool and
// control channels. unlinkPool additionally removes the shared-memory
// backing file; per spec.md §9 this is left to the operator rather than
// done unconditionally, since a restart may want to reattach to the
// same pool.
func (s *Server) Shutdown(unlinkPool bool) error {
	_ = s.cm.Close()
	_ = s.globalReturn.Close()
	for _, q := range s.partitionReturn {
		_ = q.Close()
	}
	if unlinkPool {
		defer func() { _ = s.pool.Unlink() }()
	}
	return s.pool.Close()
}
