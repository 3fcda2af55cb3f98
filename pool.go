// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package evbus

import (
	"encoding/binary"
	"os"

	"golang.org/x/sys/unix"
)

// BufferPool is the fixed-size shared region backing the bus: Nev event
// buffers followed by Ntr transition buffers, each BufSize bytes
// (spec.md §3, §4.1; SPEC_FULL.md §4.8).
//
// The producer creates and maps the pool read-write; consumers open the
// same backing file and map it read-only, enforcing "producer writes,
// consumers read" at the OS level in addition to the token-passing
// discipline described in spec.md §5.
type BufferPool struct {
	data     []byte
	file     *os.File
	path     string
	nev      int
	ntr      int
	bufSize  int
	writable bool
}

func pageRound(n int) int {
	pg := unix.Getpagesize()
	return (n + pg - 1) / pg * pg
}

// CreatePool creates and maps the pool read-write. Called once by the
// producer at startup.
func CreatePool(dir string, cfg Config) (*BufferPool, error) {
	path := sharedMemPath(dir, cfg.Tag)
	length := pageRound(cfg.totalBuffers() * cfg.BufSize)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, NewConfigurationError(path, err)
	}
	if err := f.Truncate(int64(length)); err != nil {
		_ = f.Close()
		return nil, NewConfigurationError(path, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, NewConfigurationError(path, err)
	}

	return &BufferPool{
		data: data, file: f, path: path,
		nev: cfg.Nev, ntr: cfg.Ntr, bufSize: cfg.BufSize,
		writable: true,
	}, nil
}

// OpenPool opens and maps the pool read-only. Called by each consumer
// after the initial handshake reports the pool geometry.
func OpenPool(dir string, cfg Config) (*BufferPool, error) {
	path := sharedMemPath(dir, cfg.Tag)
	length := pageRound(cfg.totalBuffers() * cfg.BufSize)

	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, NewConfigurationError(path, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, length, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, NewConfigurationError(path, err)
	}

	return &BufferPool{
		data: data, file: f, path: path,
		nev: cfg.Nev, ntr: cfg.Ntr, bufSize: cfg.BufSize,
		writable: false,
	}, nil
}

// slot returns the byte range for global buffer index i (0..Nev+Ntr-1).
func (p *BufferPool) slot(i int) []byte {
	off := i * p.bufSize
	return p.data[off : off+p.bufSize]
}

// TransitionIndex converts a transition-buffer-local index into a
// global pool index (spec.md §4.1: "index i>=Nev is a transition
// buffer").
func (p *BufferPool) TransitionIndex(trIdx int) int { return p.nev + trIdx }

// WriteDatagram copies dgram's header and payload into buffer i.
// Producer only; returns ErrOversizeDatagram if it does not fit.
func (p *BufferPool) WriteDatagram(i int, dgram Datagram) error {
	if !p.writable {
		return NewConfigurationError(p.path, os.ErrPermission)
	}
	if !dgram.Fits(p.bufSize) {
		return ErrOversizeDatagram
	}
	s := p.slot(i)
	binary.LittleEndian.PutUint32(s[0:4], uint32(dgram.Service))
	binary.LittleEndian.PutUint32(s[4:8], uint32(len(dgram.Payload)))
	copy(s[HeaderSize:], dgram.Payload)
	return nil
}

// ReadDatagram decodes the header and payload of buffer i. Consumer
// side; returns a copy of the payload since the pool is mapped
// read-only and the underlying slot is reused once the token is
// returned.
func (p *BufferPool) ReadDatagram(i int) (Datagram, error) {
	s := p.slot(i)
	service := ServiceCode(int32(binary.LittleEndian.Uint32(s[0:4])))
	n := int(binary.LittleEndian.Uint32(s[4:8]))
	if HeaderSize+n > len(s) {
		return Datagram{}, &ProtocolError{Detail: "corrupt buffer length in pool slot"}
	}
	payload := make([]byte, n)
	copy(payload, s[HeaderSize:HeaderSize+n])
	return Datagram{Service: service, Payload: payload}, nil
}

// Close unmaps the pool and closes the backing file. Unlink additionally
// removes the backing file; per spec.md §9 this is operator-selectable
// and left to the caller (the producer's Server.Shutdown exposes it as
// a parameter rather than doing it unconditionally).
func (p *BufferPool) Close() error {
	err := unix.Munmap(p.data)
	cerr := p.file.Close()
	if err != nil {
		return err
	}
	return cerr
}

// Unlink removes the pool's backing file. Safe to call only after
// Close(); intended for producer shutdown when the operator has chosen
// not to persist the pool across restarts.
func (p *BufferPool) Unlink() error {
	return os.Remove(p.path)
}
