// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package evbus

import "testing"

func TestBitmap32(t *testing.T) {
	var b bitmap32

	if !b.isZero() {
		t.Fatalf("new bitmap32 should be zero")
	}

	b.set(3)
	b.set(7)
	if !b.test(3) || !b.test(7) {
		t.Fatalf("expected bits 3 and 7 set")
	}
	if b.test(4) {
		t.Fatalf("bit 4 should not be set")
	}
	if b.isZero() {
		t.Fatalf("bitmap32 should not be zero after set")
	}

	b.clear(3)
	if b.test(3) {
		t.Fatalf("bit 3 should be clear")
	}
	if !b.test(7) {
		t.Fatalf("bit 7 should remain set")
	}

	b.clearAll()
	if !b.isZero() {
		t.Fatalf("bitmap32 should be zero after clearAll")
	}
}

func TestBitmap32Merge(t *testing.T) {
	var a, c bitmap32
	a.set(1)
	a.set(2)
	c.set(2)
	c.set(5)

	a.merge(&c)
	for _, bit := range []int{1, 2, 5} {
		if !a.test(bit) {
			t.Errorf("expected bit %d set after merge", bit)
		}
	}
	if a.test(3) {
		t.Errorf("bit 3 should not be set")
	}
}
