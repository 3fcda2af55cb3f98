// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package evbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"code.hybscloud.com/spin"
	"github.com/rs/zerolog/log"
)

// Handler processes one datagram delivered to a consumer. dgram.Payload
// is a private copy of the pool slot's contents (BufferPool.ReadDatagram),
// so it stays valid after the call and after the slot is reused.
type Handler func(Datagram)

// ClientConfig configures a consumer process (spec.md §4.5).
type ClientConfig struct {
	// Tag must match the producer's Config.Tag.
	Tag string
	// SocketDir must match the producer's Config.SocketDir.
	SocketDir string
	// Mode selects serial (every event, first-available) or partitioned
	// (a fixed round-robin lane) event delivery.
	Mode DeliveryMode
	// Partition is the requested lane when Mode == ModePartitioned.
	Partition int
	// ChannelCapacity sizes this consumer's own receive channels. It need
	// not match the producer's Nev/Ntr; it only bounds how many
	// in-flight tokens this process's kernel socket buffers can hold.
	ChannelCapacity int
	// DiscoveryTimeout bounds how long Connect waits for the producer's
	// port file to appear.
	DiscoveryTimeout time.Duration
	// DiscoveryInterval is the poll interval while waiting (SPEC_FULL.md
	// §9.1: the port file is refreshed and re-read rather than pushed).
	DiscoveryInterval time.Duration
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.ChannelCapacity <= 0 {
		c.ChannelCapacity = 64
	}
	if c.DiscoveryTimeout <= 0 {
		c.DiscoveryTimeout = 30 * time.Second
	}
	if c.DiscoveryInterval <= 0 {
		c.DiscoveryInterval = 100 * time.Millisecond
	}
	return c
}

// Client is a connected consumer: its mapped (read-only) view of the
// buffer pool, its two inbound control channels, and the outbound
// channels used to return buffers to circulation (spec.md §4.5).
type Client struct {
	cfg ClientConfig
	dir string
	pid int

	consumerID int
	nq         int
	pool       *BufferPool

	deliveryIn   *controlChannel
	transitionIn *controlChannel
	trReturn     *controlChannel
	eventReturn  *controlChannel

	conn    *net.TCPConn
	replay  []replayEntry
}

// Connect runs the discovery and registration handshake described in
// spec.md §4.4: wait for the producer's port file, bind this process's
// own control channels, dial the producer, and receive the pool
// geometry plus the live-transition replay set.
func Connect(cfg ClientConfig) (*Client, error) {
	cfg = cfg.withDefaults()
	dir := cfg.SocketDir
	if dir == "" {
		dir = os.TempDir()
	}
	pid := os.Getpid()

	deliveryIn, err := bindControlChannel(consumerDeliveryChannel(dir, cfg.Tag, pid), cfg.ChannelCapacity)
	if err != nil {
		return nil, err
	}
	transitionIn, err := bindControlChannel(consumerTransitionChannel(dir, cfg.Tag, pid), cfg.ChannelCapacity)
	if err != nil {
		_ = deliveryIn.Close()
		return nil, err
	}

	port, err := waitForPort(dir, cfg.Tag, cfg.DiscoveryTimeout, cfg.DiscoveryInterval)
	if err != nil {
		_ = deliveryIn.Close()
		_ = transitionIn.Close()
		return nil, err
	}

	conn, err := net.DialTCP("tcp", nil, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		_ = deliveryIn.Close()
		_ = transitionIn.Close()
		return nil, NewConfigurationError("discovery dial", err)
	}

	req := handshakeRequest{Pid: int32(pid), Mode: int32(cfg.Mode), Partition: int32(cfg.Partition)}
	if err := binary.Write(conn, binary.LittleEndian, &req); err != nil {
		_ = conn.Close()
		_ = deliveryIn.Close()
		_ = transitionIn.Close()
		return nil, NewConfigurationError("registration request", err)
	}

	var reply handshakeReply
	if err := binary.Read(conn, binary.LittleEndian, &reply); err != nil {
		_ = conn.Close()
		_ = deliveryIn.Close()
		_ = transitionIn.Close()
		return nil, NewConfigurationError("registration reply", err)
	}
	if reply.ConsumerID < 0 {
		_ = conn.Close()
		_ = deliveryIn.Close()
		_ = transitionIn.Close()
		return nil, ErrTooManyConsumers
	}

	replay := make([]replayEntry, reply.NumReplay)
	for i := range replay {
		if err := binary.Read(conn, binary.LittleEndian, &replay[i]); err != nil {
			_ = conn.Close()
			_ = deliveryIn.Close()
			_ = transitionIn.Close()
			return nil, NewConfigurationError("registration replay", err)
		}
	}

	poolCfg := Config{Tag: cfg.Tag, Nev: int(reply.Nev), Ntr: int(reply.Ntr), BufSize: int(reply.BufSize), Nq: int(reply.Nq)}
	pool, err := OpenPool(dir, poolCfg)
	if err != nil {
		_ = conn.Close()
		_ = deliveryIn.Close()
		_ = transitionIn.Close()
		return nil, err
	}

	trReturn, err := dialControlChannel(transitionReturnChannel(dir, cfg.Tag), cfg.ChannelCapacity)
	if err != nil {
		_ = conn.Close()
		_ = deliveryIn.Close()
		_ = transitionIn.Close()
		_ = pool.Close()
		return nil, err
	}

	returnPath := eventInputChannel(dir, cfg.Tag, int(reply.Nq))
	if cfg.Mode == ModePartitioned {
		returnPath = eventInputChannel(dir, cfg.Tag, cfg.Partition)
	}
	eventReturn, err := dialControlChannel(returnPath, cfg.ChannelCapacity)
	if err != nil {
		_ = conn.Close()
		_ = deliveryIn.Close()
		_ = transitionIn.Close()
		_ = trReturn.Close()
		_ = pool.Close()
		return nil, err
	}

	return &Client{
		cfg: cfg, dir: dir, pid: pid,
		consumerID: int(reply.ConsumerID), nq: int(reply.Nq), pool: pool,
		deliveryIn: deliveryIn, transitionIn: transitionIn,
		trReturn: trReturn, eventReturn: eventReturn,
		conn: conn, replay: replay,
	}, nil
}

// waitForPort polls for the producer's discovery port file, matching
// SPEC_FULL.md §9.1's repeated-advertisement model from the reading
// side: rather than blocking on a single read, a joining consumer
// retries until the producer has started or the deadline passes.
func waitForPort(dir, tag string, timeout, interval time.Duration) (int, error) {
	path := portFilePath(dir, tag)
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		b, err := os.ReadFile(path)
		if err == nil {
			port, perr := strconv.Atoi(string(b))
			if perr == nil {
				return port, nil
			}
			lastErr = perr
		} else {
			lastErr = err
		}
		time.Sleep(interval)
	}
	return 0, NewConfigurationError(path, fmt.Errorf("producer not reachable: %w", lastErr))
}

// ConsumerID returns the slot the producer assigned this consumer.
func (c *Client) ConsumerID() int { return c.consumerID }

// Close releases this client's channels, its mapped pool, and its
// liveness connection to the producer; closing conn is what the
// producer's connection manager observes as retirement.
func (c *Client) Close() error {
	_ = c.deliveryIn.Close()
	_ = c.transitionIn.Close()
	_ = c.trReturn.Close()
	_ = c.eventReturn.Close()
	_ = c.pool.Close()
	return c.conn.Close()
}

// Run first replays the transitions the producer sent during
// registration, then enters the steady-state loop: on each tick it
// checks the transition channel before the event channel, matching
// spec.md §4.5's priority rule that late-joiner catch-up and ongoing
// transitions must never be starved by a busy event stream. Run returns
// when ctx is done.
func (c *Client) Run(ctx context.Context, handler Handler) error {
	for _, entry := range c.replay {
		dgram, err := c.pool.ReadDatagram(int(entry.GlobalIndex))
		if err != nil {
			return err
		}
		handler(dgram)
		if err := c.returnTransition(int(entry.GlobalIndex)); err != nil {
			log.Warn().Err(err).Msg("evbus: failed to report replay completion")
		}
	}

	sw := spin.Wait{}
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		progressed, err := c.stepTransition(handler)
		if err != nil {
			return err
		}
		if progressed {
			sw = spin.Wait{}
			continue
		}

		progressed, err = c.stepEvent(handler)
		if err != nil {
			return err
		}
		if progressed {
			sw = spin.Wait{}
			continue
		}

		sw.Once()
	}
}

func (c *Client) stepTransition(handler Handler) (bool, error) {
	msg, err := c.transitionIn.Dequeue()
	if err != nil {
		if IsWouldBlock(err) {
			return false, nil
		}
		return false, err
	}
	dgram, err := c.pool.ReadDatagram(int(msg.BufferIndex))
	if err != nil {
		return false, err
	}
	handler(dgram)
	if err := c.returnTransition(int(msg.BufferIndex)); err != nil {
		log.Warn().Err(err).Msg("evbus: failed to report transition completion")
	}
	return true, nil
}

func (c *Client) stepEvent(handler Handler) (bool, error) {
	msg, err := c.deliveryIn.Dequeue()
	if err != nil {
		if IsWouldBlock(err) {
			return false, nil
		}
		return false, err
	}
	dgram, err := c.pool.ReadDatagram(int(msg.BufferIndex))
	if err != nil {
		return false, err
	}
	handler(dgram)
	if err := c.eventReturn.Enqueue(BufferMsg{BufferIndex: msg.BufferIndex}); err != nil && !IsWouldBlock(err) {
		log.Warn().Err(err).Msg("evbus: failed to return event buffer")
	}
	return true, nil
}

func (c *Client) returnTransition(globalIdx int) error {
	return c.trReturn.Enqueue(BufferMsg{BufferIndex: int32(globalIdx), BufferCount: int32(c.consumerID)})
}
