// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package evbus

import "testing"

func TestBufferMsgWireRoundTrip(t *testing.T) {
	in := BufferMsg{
		BufferIndex:    42,
		BufferCount:    1337,
		BufferSizeMode: EncodeSizeMode(4096, 3),
	}
	buf := encodeBufferMsg(in)
	out, err := decodeBufferMsg(buf[:])
	if err != nil {
		t.Fatalf("decodeBufferMsg: %v", err)
	}
	if out.BufferIndex != in.BufferIndex || out.BufferCount != in.BufferCount || out.BufferSizeMode != in.BufferSizeMode {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
	if out.Size() != 4096 {
		t.Errorf("Size() = %d, want 4096", out.Size())
	}
	if out.Serial() {
		t.Errorf("Serial() = true, want false for partitioned mode")
	}
	if out.Partition() != 2 {
		t.Errorf("Partition() = %d, want 2", out.Partition())
	}
}

func TestDecodeBufferMsgShort(t *testing.T) {
	if _, err := decodeBufferMsg(make([]byte, wireSize-1)); err == nil {
		t.Fatalf("expected error decoding short buffer")
	}
}

func TestChannelNamingIsDeterministic(t *testing.T) {
	dir, tag := "/tmp/x", "run-1"
	if eventInputChannel(dir, tag, 2) != eventInputChannel(dir, tag, 2) {
		t.Fatalf("eventInputChannel should be deterministic")
	}
	if consumerDeliveryChannel(dir, tag, 4242) == consumerTransitionChannel(dir, tag, 4242) {
		t.Fatalf("delivery and transition channels must not collide")
	}
	if eventInputChannel(dir, tag, 0) == eventInputChannel(dir, tag, 1) {
		t.Fatalf("distinct partition indices must name distinct channels")
	}
}
