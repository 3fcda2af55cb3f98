// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package evbus

import "fmt"

// MaxConsumers bounds the per-buffer allocation bitmap width (§9): the
// source pattern of one bit per consumer per transition buffer caps live
// consumers at the bitmap word width. 32 matches the original; this
// implementation defaults to the full 32-bit word and rejects
// registration past Config.MaxConsumers, which may be set lower.
const MaxConsumers = 32

// Config configures a Server: buffer pool geometry, control-channel
// naming, and distribution limits (spec.md §3, §4.1).
type Config struct {
	// Tag names the shared memory object and all control channels
	// deterministically; it must match byte-for-byte between producer
	// and consumer processes.
	Tag string

	// Nev is the number of event buffers in the pool.
	Nev int
	// Ntr is the number of transition buffers in the pool.
	Ntr int
	// BufSize is the fixed size S of every buffer in the pool.
	BufSize int
	// Nq is the number of round-robin event-output partitions.
	Nq int
	// MaxConsumers bounds the allocation-bitmap width; registration past
	// this limit is rejected. Must be <= MaxConsumers (32).
	MaxConsumers int

	// SocketDir is the directory in which control-channel Unix domain
	// sockets are created. Defaults to os.TempDir() when empty.
	SocketDir string
}

// WithDefaults returns a copy of c with zero-valued fields replaced by
// sensible defaults, validating geometry limits.
func (c Config) WithDefaults() (Config, error) {
	if c.Tag == "" {
		return c, fmt.Errorf("evbus: Config.Tag must not be empty")
	}
	if c.Nev <= 0 {
		return c, fmt.Errorf("evbus: Config.Nev must be > 0")
	}
	if c.Ntr <= 0 {
		return c, fmt.Errorf("evbus: Config.Ntr must be > 0")
	}
	if c.BufSize <= 0 {
		return c, fmt.Errorf("evbus: Config.BufSize must be > 0")
	}
	if c.Nq <= 0 {
		c.Nq = 1
	}
	if c.MaxConsumers <= 0 {
		c.MaxConsumers = MaxConsumers
	}
	if c.MaxConsumers > MaxConsumers {
		return c, fmt.Errorf("evbus: Config.MaxConsumers (%d) exceeds bitmap width %d", c.MaxConsumers, MaxConsumers)
	}
	return c, nil
}

// totalBuffers returns Nev+Ntr, the total pool index range.
func (c Config) totalBuffers() int { return c.Nev + c.Ntr }
