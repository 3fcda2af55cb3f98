// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package evbus

import "code.hybscloud.com/atomix"

// bitmap32 is a single 32-bit word of per-consumer bits, one bit per
// live consumer (spec.md §3, §9: bitmap width caps live consumers).
// Every transition buffer has one bitmap32 recording which consumers
// still hold it; the TransitionCache additionally keeps one bitmap32 for
// the not-ready mask.
//
// Callers always hold TransitionCache.mu while touching a bitmap32, so
// atomix.Uint32 here is not load-bearing for cross-goroutine safety — it
// is kept because it is the teacher's natural word type for a packed bit
// field and composes cleanly with the relaxed loads/stores used
// elsewhere in this package.
type bitmap32 struct {
	bits atomix.Uint32
}

func (b *bitmap32) set(k int) {
	b.bits.StoreRelaxed(b.bits.LoadRelaxed() | 1<<uint(k))
}

func (b *bitmap32) clear(k int) {
	b.bits.StoreRelaxed(b.bits.LoadRelaxed() &^ (1 << uint(k)))
}

func (b *bitmap32) test(k int) bool {
	return b.bits.LoadRelaxed()&(1<<uint(k)) != 0
}

func (b *bitmap32) isZero() bool {
	return b.bits.LoadRelaxed() == 0
}

func (b *bitmap32) raw() uint32 {
	return b.bits.LoadRelaxed()
}

func (b *bitmap32) clearAll() {
	b.bits.StoreRelaxed(0)
}

// merge ORs other's live bits into b (used when scanning all transition
// buffers currently holding Enable into the not-ready mask, spec.md
// §4.2).
func (b *bitmap32) merge(other *bitmap32) {
	b.bits.StoreRelaxed(b.bits.LoadRelaxed() | other.raw())
}
