// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package evbus

// pad is cache line padding to prevent false sharing between the SPSC
// handoff queue's producer- and consumer-local fields.
type pad [64]byte

// roundToPow2 rounds n up to the next power of 2 (minimum 2). Used to
// size the handoff queues; the shared pool's page rounding is done by
// pageRound in pool.go.
func roundToPow2(n int) int {
	if n < 2 {
		return 2
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}
