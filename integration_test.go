// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package evbus_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"code.hybscloud.com/evbus"
)

func newTestServer(t *testing.T, tag string) (*evbus.Server, string, context.Context, func()) {
	t.Helper()
	dir := t.TempDir()
	cfg := evbus.Config{Tag: tag, Nev: 4, Ntr: 4, BufSize: 512, Nq: 2, SocketDir: dir}

	srv, err := evbus.NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Run(ctx)

	cleanup := func() {
		cancel()
		_ = srv.Shutdown(true)
	}
	return srv, dir, ctx, cleanup
}

func connectTestClient(t *testing.T, dir, tag string, mode evbus.DeliveryMode, partition int) *evbus.Client {
	t.Helper()
	client, err := evbus.Connect(evbus.ClientConfig{
		Tag:               tag,
		SocketDir:         dir,
		Mode:              mode,
		Partition:         partition,
		DiscoveryTimeout:  5 * time.Second,
		DiscoveryInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return client
}

// waitForDatagram drains received until pred matches one, or fails the
// test after timeout. Datagrams that don't match are discarded: the
// scheduler loop's background churn (join notifications etc.) carries
// no payload traffic of its own, so this only matters when a test
// submits more than one datagram.
func waitForDatagram(t *testing.T, received <-chan evbus.Datagram, timeout time.Duration, pred func(evbus.Datagram) bool) evbus.Datagram {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case d := <-received:
			if pred(d) {
				return d
			}
		case <-deadline:
			t.Fatalf("no matching datagram delivered within %s", timeout)
		}
	}
}

func TestServerClientTransitionAndEventDelivery(t *testing.T) {
	srv, dir, ctx, cleanup := newTestServer(t, "it-basic")
	defer cleanup()

	client := connectTestClient(t, dir, "it-basic", evbus.ModeSerial, 0)
	defer client.Close()

	received := make(chan evbus.Datagram, 8)
	go func() {
		_ = client.Run(ctx, func(d evbus.Datagram) { received <- d })
	}()

	// Let the scheduler loop drain the join notification before
	// submitting, so the transition below isn't dispatched ahead of
	// registration.
	time.Sleep(100 * time.Millisecond)

	if err := srv.Submit(evbus.Datagram{Service: evbus.Map, Payload: []byte("map-payload")}); err != nil {
		t.Fatalf("Submit(Map): %v", err)
	}
	got := waitForDatagram(t, received, 2*time.Second, func(d evbus.Datagram) bool {
		return d.Service == evbus.Map
	})
	if !bytes.Equal(got.Payload, []byte("map-payload")) {
		t.Errorf("Map payload = %q, want %q", got.Payload, "map-payload")
	}

	if err := srv.Submit(evbus.Datagram{Service: evbus.L1Accept, Payload: []byte("event-payload")}); err != nil {
		t.Fatalf("Submit(L1Accept): %v", err)
	}
	got = waitForDatagram(t, received, 2*time.Second, func(d evbus.Datagram) bool {
		return d.Service == evbus.L1Accept
	})
	if !bytes.Equal(got.Payload, []byte("event-payload")) {
		t.Errorf("L1Accept payload = %q, want %q", got.Payload, "event-payload")
	}
}

func TestServerClientLateJoinerReplay(t *testing.T) {
	srv, dir, ctx, cleanup := newTestServer(t, "it-replay")
	defer cleanup()

	early := connectTestClient(t, dir, "it-replay", evbus.ModeSerial, 0)
	defer early.Close()

	earlyReceived := make(chan evbus.Datagram, 8)
	go func() {
		_ = early.Run(ctx, func(d evbus.Datagram) { earlyReceived <- d })
	}()
	time.Sleep(100 * time.Millisecond)

	if err := srv.Submit(evbus.Datagram{Service: evbus.Map, Payload: []byte("session-open")}); err != nil {
		t.Fatalf("Submit(Map): %v", err)
	}
	waitForDatagram(t, earlyReceived, 2*time.Second, func(d evbus.Datagram) bool {
		return d.Service == evbus.Map
	})

	// A consumer joining after Map but before Unmap must be caught up via
	// replay rather than missing the still-open transition.
	late := connectTestClient(t, dir, "it-replay", evbus.ModeSerial, 0)
	defer late.Close()

	lateReceived := make(chan evbus.Datagram, 8)
	go func() {
		_ = late.Run(ctx, func(d evbus.Datagram) { lateReceived <- d })
	}()

	got := waitForDatagram(t, lateReceived, 2*time.Second, func(d evbus.Datagram) bool {
		return d.Service == evbus.Map
	})
	if !bytes.Equal(got.Payload, []byte("session-open")) {
		t.Errorf("replayed Map payload = %q, want %q", got.Payload, "session-open")
	}
}

func TestServerClientPartitionedRoundRobin(t *testing.T) {
	srv, dir, ctx, cleanup := newTestServer(t, "it-partition")
	defer cleanup()

	p0 := connectTestClient(t, dir, "it-partition", evbus.ModePartitioned, 0)
	defer p0.Close()
	p1 := connectTestClient(t, dir, "it-partition", evbus.ModePartitioned, 1)
	defer p1.Close()

	r0 := make(chan evbus.Datagram, 8)
	r1 := make(chan evbus.Datagram, 8)
	go func() { _ = p0.Run(ctx, func(d evbus.Datagram) { r0 <- d }) }()
	go func() { _ = p1.Run(ctx, func(d evbus.Datagram) { r1 <- d }) }()
	time.Sleep(100 * time.Millisecond)

	for i := 0; i < 2; i++ {
		if err := srv.Submit(evbus.Datagram{Service: evbus.L1Accept, Payload: []byte{byte(i)}}); err != nil {
			t.Fatalf("Submit(%d): %v", i, err)
		}
	}

	waitForDatagram(t, r0, 2*time.Second, func(evbus.Datagram) bool { return true })
	waitForDatagram(t, r1, 2*time.Second, func(evbus.Datagram) bool { return true })
}
