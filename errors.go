// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package evbus

import (
	"code.hybscloud.com/iox"
	"github.com/pkg/errors"
)

// ErrWouldBlock indicates a control-channel send or receive cannot proceed
// immediately: the channel is full (send) or empty (receive).
//
// ErrWouldBlock is a control flow signal, not a failure — callers retry
// with a "try next" loop (scheduler) or treat the channel as empty this
// tick (consumer runtime). This is an alias for [iox.ErrWouldBlock] for
// ecosystem consistency with the queue layer.
var ErrWouldBlock = iox.ErrWouldBlock

// IsWouldBlock reports whether err indicates an operation would block.
// Delegates to [iox.IsWouldBlock] for wrapped error support.
func IsWouldBlock(err error) bool {
	return iox.IsWouldBlock(err)
}

// IsSemantic reports whether err is a control flow signal (not a failure).
func IsSemantic(err error) bool {
	return iox.IsSemantic(err)
}

// ErrNoFreeBuffer is returned by TransitionCache.Allocate when every
// transition buffer is in use. The producer treats this as fatal: the
// pool was mis-sized for the transition taxonomy (§4.2, §7).
var ErrNoFreeBuffer = errors.New("evbus: no free transition buffer")

// ErrOversizeDatagram is returned by Scheduler.Submit when a datagram's
// header plus payload does not fit in a single buffer of size S.
var ErrOversizeDatagram = errors.New("evbus: datagram exceeds buffer size")

// ErrTooManyConsumers is returned by Connect when the producer rejects a
// registration because the consumer-slot bitmap configured at startup
// (§9) is already exhausted.
var ErrTooManyConsumers = errors.New("evbus: consumer limit reached")

// ConfigurationError wraps a failure to create or open a required
// resource (shared region, control channel). Fatal to the process that
// observes it.
type ConfigurationError struct {
	Resource string
	Cause    error
}

func (e *ConfigurationError) Error() string {
	return "evbus: configuration error for " + e.Resource + ": " + e.Cause.Error()
}

func (e *ConfigurationError) Unwrap() error { return e.Cause }

// NewConfigurationError wraps cause with stack context via pkg/errors so
// the failure is diagnosable at the point of origin, not just at the
// point of process exit.
func NewConfigurationError(resource string, cause error) error {
	return &ConfigurationError{Resource: resource, Cause: errors.Wrap(cause, resource)}
}

// ProtocolError signals that a message or pool slot did not hold what
// the bus expects (BufferPool.ReadDatagram returns one for a corrupt
// length field). It is returned to the caller as is; the package does
// not count violations and does not retire a consumer over them.
type ProtocolError struct {
	ConsumerID int
	Detail     string
}

func (e *ProtocolError) Error() string {
	return "evbus: protocol violation from consumer " + itoa(e.ConsumerID) + ": " + e.Detail
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
