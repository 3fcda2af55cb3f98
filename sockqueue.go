// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package evbus

import (
	"errors"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// controlChannel is a named, bounded, non-blocking control channel
// carrying fixed-size BufferMsg records between processes (spec.md §4.1,
// §9; SPEC_FULL.md §4.6). It is realized as a SOCK_DGRAM Unix domain
// socket sized with SO_SNDBUF/SO_RCVBUF to the channel's message-count
// budget, matching the fixed-size, bounded, by-name, non-blocking
// try-send semantics POSIX message queues provide.
//
// A channel has exactly one reader (the side that binds the socket
// path) and one or more writers (each dials the path and gets its own
// kernel send buffer); this matches every named channel in spec.md §4.1,
// all of which are consumed by a single side.
type controlChannel struct {
	conn    *net.UnixConn
	path    string
	capMsgs int
}

// bindControlChannel creates and binds path as the reader end of a
// control channel sized for capMsgs messages of the fixed wire size.
// Any stale socket file at path is removed first (a producer restart
// with the same tag reuses the same channel names).
func bindControlChannel(path string, capMsgs int) (*controlChannel, error) {
	_ = os.Remove(path)
	addr := &net.UnixAddr{Name: path, Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, NewConfigurationError(path, err)
	}
	if err := sizeSocket(conn, capMsgs); err != nil {
		_ = conn.Close()
		return nil, NewConfigurationError(path, err)
	}
	return &controlChannel{conn: conn, path: path, capMsgs: capMsgs}, nil
}

// dialControlChannel connects to path as a writer end of a control
// channel bound by bindControlChannel elsewhere.
func dialControlChannel(path string, capMsgs int) (*controlChannel, error) {
	raddr := &net.UnixAddr{Name: path, Net: "unixgram"}
	conn, err := net.DialUnix("unixgram", nil, raddr)
	if err != nil {
		return nil, NewConfigurationError(path, err)
	}
	if err := sizeSocket(conn, capMsgs); err != nil {
		_ = conn.Close()
		return nil, NewConfigurationError(path, err)
	}
	return &controlChannel{conn: conn, path: path, capMsgs: capMsgs}, nil
}

// sizeSocket requests a send/receive buffer large enough for capMsgs
// fixed-size BufferMsg records (spec.md §6: "Queue attributes ... set at
// creation to the values above"). Re-requesting the size once after a
// short readback mirrors the known platform quirk in spec.md §6 where
// the kernel may not honor the first request exactly.
func sizeSocket(conn *net.UnixConn, capMsgs int) error {
	want := capMsgs * wireSize
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var setErr error
	_ = raw.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, want); e != nil {
			setErr = e
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, want); e != nil {
			setErr = e
			return
		}
		got, e := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF)
		if e == nil && got < want {
			// Kernel halved or otherwise adjusted the request; ask once more.
			_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, want)
		}
	})
	return setErr
}

// Cap returns the channel's configured message capacity.
func (c *controlChannel) Cap() int { return c.capMsgs }

// Close releases the underlying socket. The reader side additionally
// unlinks the socket file.
func (c *controlChannel) Close() error {
	err := c.conn.Close()
	if c.isReader() {
		_ = os.Remove(c.path)
	}
	return err
}

func (c *controlChannel) isReader() bool {
	la, ok := c.conn.LocalAddr().(*net.UnixAddr)
	return ok && la.Name == c.path
}

// Enqueue sends msg, non-blocking with an immediate-timeout semantic
// (spec.md §4.1): a full kernel socket buffer surfaces as ErrWouldBlock
// rather than suspending the caller.
func (c *controlChannel) Enqueue(msg BufferMsg) error {
	buf := encodeBufferMsg(msg)
	if err := c.conn.SetWriteDeadline(time.Now()); err != nil {
		return err
	}
	_, err := c.conn.Write(buf[:])
	if err != nil {
		if isTimeout(err) {
			return ErrWouldBlock
		}
		return err
	}
	return nil
}

// Dequeue receives a message, non-blocking with an immediate-timeout
// semantic: an empty channel surfaces as ErrWouldBlock.
func (c *controlChannel) Dequeue() (BufferMsg, error) {
	if err := c.conn.SetReadDeadline(time.Now()); err != nil {
		return BufferMsg{}, err
	}
	var buf [wireSize]byte
	n, err := c.conn.Read(buf[:])
	if err != nil {
		if isTimeout(err) {
			return BufferMsg{}, ErrWouldBlock
		}
		return BufferMsg{}, err
	}
	return decodeBufferMsg(buf[:n])
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
