// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package evbus distributes events and run-control transitions from one
// producer process to many consumer processes over shared memory.
//
// A producer owns a fixed pool of event and transition buffers, mapped
// read-write; each consumer maps the same pool read-only and receives,
// over a small control channel, the index of the buffer holding its
// next datagram. Consumers never copy the payload out of the producer's
// process, only the 16-byte token describing where to read it.
//
// # Quick Start
//
// Producer:
//
//	srv, err := evbus.NewServer(evbus.Config{
//	    Tag: "run-42", Nev: 16, Ntr: 8, BufSize: 1 << 20, Nq: 4,
//	})
//	if err != nil { ... }
//	ctx, cancel := context.WithCancel(context.Background())
//	go srv.Run(ctx)
//	defer func() { cancel(); srv.Shutdown(true) }()
//
//	err = srv.Submit(evbus.Datagram{Service: evbus.Map})
//	err = srv.Submit(evbus.Datagram{Service: evbus.L1Accept, Payload: frame})
//
// Consumer:
//
//	c, err := evbus.Connect(evbus.ClientConfig{Tag: "run-42", Mode: evbus.ModePartitioned, Partition: 0})
//	if err != nil { ... }
//	defer c.Close()
//	err = c.Run(ctx, func(d evbus.Datagram) {
//	    if d.Service == evbus.L1Accept {
//	        handleEvent(d.Payload)
//	    }
//	})
//
// # Delivery modes
//
// Partitioned consumers are assigned a fixed round-robin lane and see a
// disjoint, load-balanced slice of the event stream — the common case
// for a worker pool. Serial consumers instead compete for every event:
// whichever serial consumer's channel has room first gets it, which is
// the right mode for a small number of monitoring processes that each
// want a sampled view of the full stream rather than a partition of it.
//
// Every consumer, regardless of mode, receives transitions in order.
// Of the transitions submitted before it joined, it sees only the
// openings still live at that moment: Connect replays the live-transition
// stack as part of the registration handshake.
//
// # Non-blocking throughout
//
// Every queue and control channel in this package — in-process or
// cross-process — returns [evbus.ErrWouldBlock] rather than suspending
// the caller. A producer whose consumers have all fallen behind does
// not stall; it sees ErrWouldBlock from Submit and decides for itself
// whether to retry, drop, or apply its own backpressure.
package evbus
