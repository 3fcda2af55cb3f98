// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package evbus

// ServiceCode identifies the kind of datagram the producer submits.
//
// The first ten codes form five paired transitions: each pair has an
// opening (even) variant and a closing (odd) variant, such that the
// closing code is exactly opening+1. L1Accept is unpaired and is the
// only data event.
type ServiceCode int32

const (
	Map ServiceCode = iota
	Unmap
	Configure
	Unconfigure
	BeginRun
	EndRun
	BeginCalibCycle
	EndCalibCycle
	Enable
	Disable
	L1Accept // unpaired
)

// IsTransition reports whether code is anything other than L1Accept.
func (c ServiceCode) IsTransition() bool { return c != L1Accept }

// IsOpening reports whether code is an opening (even) transition code.
func (c ServiceCode) IsOpening() bool { return c.IsTransition() && c%2 == 0 }

// IsClosing reports whether code is a closing (odd) transition code.
func (c ServiceCode) IsClosing() bool { return c.IsTransition() && c%2 == 1 }

// String names the well-known service codes; unrecognized codes print
// their integer value.
func (c ServiceCode) String() string {
	switch c {
	case Map:
		return "Map"
	case Unmap:
		return "Unmap"
	case Configure:
		return "Configure"
	case Unconfigure:
		return "Unconfigure"
	case BeginRun:
		return "BeginRun"
	case EndRun:
		return "EndRun"
	case BeginCalibCycle:
		return "BeginCalibCycle"
	case EndCalibCycle:
		return "EndCalibCycle"
	case Enable:
		return "Enable"
	case Disable:
		return "Disable"
	case L1Accept:
		return "L1Accept"
	default:
		return "ServiceCode(" + itoa(int(c)) + ")"
	}
}

// Datagram is the producer's unit of work: a service code plus a
// variable-length payload. The bus inspects only Service and len(Payload)
// (to check it fits a buffer); the payload's internal structure is opaque
// to the bus (spec.md §1 non-goal).
type Datagram struct {
	Service ServiceCode
	Payload []byte
}

// HeaderSize is the fixed header the bus accounts for when checking that
// a datagram fits in a single buffer of size S (§4.3 step 1).
const HeaderSize = 8

// Fits reports whether the datagram's header+payload fits in a buffer of
// the given size.
func (d Datagram) Fits(bufSize int) bool {
	return HeaderSize+len(d.Payload) <= bufSize
}

// BufferMsg is the fixed-width token exchanged on every control channel
// and on the per-consumer transition socket (spec.md §3, §6).
//
// Wire layout: four 32-bit fields in declaration order. BufferSizeMode's
// low 28 bits carry the buffer size; the high 4 bits carry the mode: 0
// means serial, nonzero means the 1-based return-queue index.
type BufferMsg struct {
	BufferIndex    int32
	BufferCount    int32
	BufferSizeMode uint32
	_              uint32 // reserved, always zero on the wire
}

const (
	modeShift = 28
	sizeMask  = (1 << modeShift) - 1
)

// EncodeSizeMode packs a buffer size and a mode into the wire field.
// partition1Based is 0 for serial mode, otherwise the 1-based partition
// index.
func EncodeSizeMode(size int, partition1Based int) uint32 {
	return uint32(size)&sizeMask | uint32(partition1Based)<<modeShift
}

// Size extracts the buffer size from the packed field.
func (m BufferMsg) Size() int { return int(m.BufferSizeMode & sizeMask) }

// Serial reports whether the packed mode field selects serial delivery.
func (m BufferMsg) Serial() bool { return m.BufferSizeMode>>modeShift == 0 }

// Partition returns the 0-based partition index when !Serial(); the
// result is meaningless when Serial() is true.
func (m BufferMsg) Partition() int { return int(m.BufferSizeMode>>modeShift) - 1 }

// Queue is the non-blocking bounded FIFO interface shared by the
// in-process handoff queue (spsc.go) and the cross-process control
// channels (sockqueue.go): both return ErrWouldBlock rather than block,
// so the scheduler and consumer loops can try-next without ever
// suspending on a full or empty channel.
type Queue[T any] interface {
	Producer[T]
	Consumer[T]
	Cap() int
}

// Producer enqueues elements (non-blocking).
type Producer[T any] interface {
	// Enqueue adds an element. Returns ErrWouldBlock if the queue/channel
	// is full.
	Enqueue(elem T) error
}

// Consumer dequeues elements (non-blocking).
type Consumer[T any] interface {
	// Dequeue removes and returns an element. Returns (zero, ErrWouldBlock)
	// if the queue/channel is empty.
	Dequeue() (T, error)
}
