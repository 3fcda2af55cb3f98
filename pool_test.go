// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package evbus_test

import (
	"bytes"
	"testing"

	"code.hybscloud.com/evbus"
)

func testConfig(dir string) evbus.Config {
	cfg, err := evbus.Config{Tag: "pool-test", Nev: 4, Ntr: 2, BufSize: 256, SocketDir: dir}.WithDefaults()
	if err != nil {
		panic(err)
	}
	return cfg
}

func TestPoolCreateWriteRead(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	pool, err := evbus.CreatePool(dir, cfg)
	if err != nil {
		t.Fatalf("CreatePool: %v", err)
	}
	defer func() {
		_ = pool.Close()
		_ = pool.Unlink()
	}()

	dg := evbus.Datagram{Service: evbus.L1Accept, Payload: []byte("hello world")}
	if err := pool.WriteDatagram(0, dg); err != nil {
		t.Fatalf("WriteDatagram: %v", err)
	}

	got, err := pool.ReadDatagram(0)
	if err != nil {
		t.Fatalf("ReadDatagram: %v", err)
	}
	if got.Service != dg.Service {
		t.Errorf("Service = %v, want %v", got.Service, dg.Service)
	}
	if !bytes.Equal(got.Payload, dg.Payload) {
		t.Errorf("Payload = %q, want %q", got.Payload, dg.Payload)
	}
}

func TestPoolOversizeDatagramRejected(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	pool, err := evbus.CreatePool(dir, cfg)
	if err != nil {
		t.Fatalf("CreatePool: %v", err)
	}
	defer func() {
		_ = pool.Close()
		_ = pool.Unlink()
	}()

	dg := evbus.Datagram{Service: evbus.L1Accept, Payload: make([]byte, cfg.BufSize)}
	if err := pool.WriteDatagram(0, dg); err == nil {
		t.Fatalf("expected error writing an oversize datagram")
	}
}

func TestPoolTransitionIndexOffset(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	pool, err := evbus.CreatePool(dir, cfg)
	if err != nil {
		t.Fatalf("CreatePool: %v", err)
	}
	defer func() {
		_ = pool.Close()
		_ = pool.Unlink()
	}()

	if got := pool.TransitionIndex(0); got != cfg.Nev {
		t.Errorf("TransitionIndex(0) = %d, want %d", got, cfg.Nev)
	}
	if got := pool.TransitionIndex(1); got != cfg.Nev+1 {
		t.Errorf("TransitionIndex(1) = %d, want %d", got, cfg.Nev+1)
	}

	dg := evbus.Datagram{Service: evbus.Map, Payload: []byte("transition")}
	global := pool.TransitionIndex(1)
	if err := pool.WriteDatagram(global, dg); err != nil {
		t.Fatalf("WriteDatagram at transition offset: %v", err)
	}
	got, err := pool.ReadDatagram(global)
	if err != nil {
		t.Fatalf("ReadDatagram at transition offset: %v", err)
	}
	if !bytes.Equal(got.Payload, dg.Payload) {
		t.Errorf("Payload at transition offset = %q, want %q", got.Payload, dg.Payload)
	}
}

func TestPoolOpenPoolReadOnly(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	producer, err := evbus.CreatePool(dir, cfg)
	if err != nil {
		t.Fatalf("CreatePool: %v", err)
	}
	defer func() {
		_ = producer.Close()
		_ = producer.Unlink()
	}()

	dg := evbus.Datagram{Service: evbus.L1Accept, Payload: []byte("via producer")}
	if err := producer.WriteDatagram(2, dg); err != nil {
		t.Fatalf("WriteDatagram: %v", err)
	}

	consumer, err := evbus.OpenPool(dir, cfg)
	if err != nil {
		t.Fatalf("OpenPool: %v", err)
	}
	defer func() { _ = consumer.Close() }()

	got, err := consumer.ReadDatagram(2)
	if err != nil {
		t.Fatalf("ReadDatagram via consumer mapping: %v", err)
	}
	if !bytes.Equal(got.Payload, dg.Payload) {
		t.Errorf("Payload = %q, want %q", got.Payload, dg.Payload)
	}

	if err := consumer.WriteDatagram(0, dg); err == nil {
		t.Fatalf("expected error writing through a read-only pool mapping")
	}
}
