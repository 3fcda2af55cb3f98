// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package evbus

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
)

// wireSize is the fixed on-wire size of a BufferMsg: four 32-bit fields
// (spec.md §6).
const wireSize = 16

// encodeBufferMsg packs m into a fixed 16-byte little-endian record.
func encodeBufferMsg(m BufferMsg) [wireSize]byte {
	var buf [wireSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(m.BufferIndex))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(m.BufferCount))
	binary.LittleEndian.PutUint32(buf[8:12], m.BufferSizeMode)
	binary.LittleEndian.PutUint32(buf[12:16], 0)
	return buf
}

// decodeBufferMsg unpacks a fixed 16-byte little-endian record.
func decodeBufferMsg(buf []byte) (BufferMsg, error) {
	if len(buf) < wireSize {
		return BufferMsg{}, fmt.Errorf("evbus: short BufferMsg: %d bytes", len(buf))
	}
	return BufferMsg{
		BufferIndex:    int32(binary.LittleEndian.Uint32(buf[0:4])),
		BufferCount:    int32(binary.LittleEndian.Uint32(buf[4:8])),
		BufferSizeMode: binary.LittleEndian.Uint32(buf[8:12]),
	}, nil
}

// Channel name derivation (spec.md §4.1, §6). All names are deterministic
// functions of Tag and, where applicable, a consumer id or pid, so that
// producer and consumer processes compute identical paths without any
// additional coordination.

// sharedMemPath returns the path to the pool's backing file.
func sharedMemPath(dir, tag string) string {
	return filepath.Join(dir, fmt.Sprintf("evbus.%s.pool", tag))
}

// eventInputChannel names event-input queue i (the "global" queue when
// i==Nq, partitions [0,Nq) otherwise).
func eventInputChannel(dir, tag string, i int) string {
	return filepath.Join(dir, fmt.Sprintf("evbus.%s.evin.%d", tag, i))
}

// portFilePath names the plain file the producer refreshes with its
// discovery TCP listener's port (SPEC_FULL.md §9.1, §4.6): a joining
// consumer has no channel to listen on until it knows this port, so
// discovery cannot itself be a control channel. The file takes the
// place of the discovery queue from spec.md §4.1; the mechanism
// underneath it is a file, not a queue.
func portFilePath(dir, tag string) string {
	return filepath.Join(dir, fmt.Sprintf("evbus.%s.port", tag))
}

// consumerDeliveryChannel and consumerTransitionChannel name the two
// control channels a joining consumer binds (as reader) before it ever
// contacts the producer, keyed by the consumer's own pid so both sides
// can compute the path without further coordination. The producer dials
// both once the registration handshake assigns the consumer a slot.
func consumerDeliveryChannel(dir, tag string, pid int) string {
	return filepath.Join(dir, fmt.Sprintf("evbus.%s.deliver.%d", tag, pid))
}

func consumerTransitionChannel(dir, tag string, pid int) string {
	return filepath.Join(dir, fmt.Sprintf("evbus.%s.trans.%d", tag, pid))
}

// transitionReturnChannel names the shared channel every consumer dials
// to report it has finished reading a transition buffer (bound by the
// producer's connection manager). Unlike event buffers, which return
// through one of the Nq+1 eventInputChannel lanes, all transition
// returns share a single channel since TransitionCache.Deallocate
// serializes internally regardless of which consumer called it.
func transitionReturnChannel(dir, tag string) string {
	return filepath.Join(dir, fmt.Sprintf("evbus.%s.trreturn", tag))
}
