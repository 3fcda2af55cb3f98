// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package evbus

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestControlChannelRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctl.sock")

	reader, err := bindControlChannel(path, 4)
	if err != nil {
		t.Fatalf("bindControlChannel: %v", err)
	}
	defer reader.Close()

	writer, err := dialControlChannel(path, 4)
	if err != nil {
		t.Fatalf("dialControlChannel: %v", err)
	}
	defer writer.Close()

	msg := BufferMsg{BufferIndex: 7, BufferCount: 1, BufferSizeMode: EncodeSizeMode(1024, 0)}
	if err := writer.Enqueue(msg); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	got, err := reader.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if got.BufferIndex != msg.BufferIndex || got.BufferSizeMode != msg.BufferSizeMode {
		t.Fatalf("got %+v, want %+v", got, msg)
	}
}

func TestControlChannelDequeueEmptyWouldBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctl.sock")
	reader, err := bindControlChannel(path, 4)
	if err != nil {
		t.Fatalf("bindControlChannel: %v", err)
	}
	defer reader.Close()

	if _, err := reader.Dequeue(); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("Dequeue on empty channel: got %v, want ErrWouldBlock", err)
	}
}

func TestControlChannelFillsUpThenWouldBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctl.sock")
	reader, err := bindControlChannel(path, 2)
	if err != nil {
		t.Fatalf("bindControlChannel: %v", err)
	}
	defer reader.Close()

	writer, err := dialControlChannel(path, 2)
	if err != nil {
		t.Fatalf("dialControlChannel: %v", err)
	}
	defer writer.Close()

	sent := 0
	for i := 0; i < 64; i++ {
		if err := writer.Enqueue(BufferMsg{BufferIndex: int32(i)}); err != nil {
			if errors.Is(err, ErrWouldBlock) {
				break
			}
			t.Fatalf("Enqueue(%d): %v", i, err)
		}
		sent++
	}
	if sent == 0 {
		t.Fatalf("expected at least one message to be buffered before ErrWouldBlock")
	}
}
