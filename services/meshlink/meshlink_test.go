// meshlink/meshlink_test.go
package meshlink

import (
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"supervisor-go/bus"
	"supervisor-go/types"
)

func TestMeshlink_EstablishesLinkAndReportsState(t *testing.T) {
	b := bus.NewBus(16)
	conn := b.NewConnection("meshlink_test")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Start(ctx, conn)

	// Subscribe to meshlink/state (retained) and verify initial status.
	stateSub := conn.Subscribe(bus.Topic{"meshlink", "state"})
	defer conn.Unsubscribe(stateSub)

	first := nextState(t, stateSub, 500*time.Millisecond)
	assertLevelStatus(t, first, "idle", "awaiting_config")

	// Inject a dialler that returns a net.Pipe; keep the remote end to
	// simulate link loss.
	prevDial := RadioDial
	defer func() { RadioDial = prevDial }()
	var remote io.ReadWriteCloser
	RadioDial = func(ctx context.Context, _ UARTConfig) (io.ReadWriteCloser, error) {
		lc, rc := net.Pipe()
		remote = rc
		go remoteRadio(rc, nil)
		return lc, nil
	}

	cfg := `{"transport":{"type":"uart","uart":{"baud":9600,"rx_pin":1,"tx_pin":0}}}`
	conn.Publish(conn.NewMessage(bus.Topic{"config", "meshlink"}, cfg, false))

	up := nextState(t, stateSub, time.Second)
	assertLevelStatus(t, up, "up", "link_established")

	// Close the remote to force link loss; expect degraded state.
	if remote != nil {
		_ = remote.Close()
	}

	degraded := nextState(t, stateSub, time.Second)
	assertLevelStatus(t, degraded, "degraded", "link_lost_retrying")
}

func TestMeshlink_CancelClosesLink(t *testing.T) {
	b := bus.NewBus(16)
	conn := b.NewConnection("meshlink_cancel")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Start(ctx, conn)

	stateSub := conn.Subscribe(bus.Topic{"meshlink", "state"})
	defer conn.Unsubscribe(stateSub)
	first := nextState(t, stateSub, 500*time.Millisecond)
	assertLevelStatus(t, first, "idle", "awaiting_config")

	prevDial := RadioDial
	defer func() { RadioDial = prevDial }()
	var remote net.Conn
	RadioDial = func(ctx context.Context, _ UARTConfig) (io.ReadWriteCloser, error) {
		lc, rc := net.Pipe()
		remote = rc
		return lc, nil
	}

	cfg := `{"transport":{"type":"uart","uart":{"baud":9600}}}`
	conn.Publish(conn.NewMessage(bus.Topic{"config", "meshlink"}, cfg, false))

	up := nextState(t, stateSub, time.Second)
	assertLevelStatus(t, up, "up", "link_established")

	cancel()

	// The service sends a close frame and then closes its end of the pipe.
	// The remote must observe EOF rather than block forever.
	_ = remote.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 16)
	for {
		_, err := remote.Read(buf)
		if err == io.EOF {
			return
		}
		if err != nil {
			t.Fatalf("remote read: got %v, want io.EOF", err)
		}
	}
}

func TestMeshlink_NotifyFramesBecomeMeshEvents(t *testing.T) {
	b := bus.NewBus(16)
	conn := b.NewConnection("meshlink_notify")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Start(ctx, conn)

	evSub := conn.Subscribe(bus.Topic{"supervisor", "mesh", "event"})
	defer conn.Unsubscribe(evSub)

	// Wait for the retained idle state so the service is subscribed to its
	// config topic before we publish (the config message is not retained).
	stateSub := conn.Subscribe(bus.Topic{"meshlink", "state"})
	defer conn.Unsubscribe(stateSub)
	first := nextState(t, stateSub, 500*time.Millisecond)
	assertLevelStatus(t, first, "idle", "awaiting_config")

	prevDial := RadioDial
	defer func() { RadioDial = prevDial }()
	notify := []byte(`{"unread":3}`)
	RadioDial = func(ctx context.Context, _ UARTConfig) (io.ReadWriteCloser, error) {
		lc, rc := net.Pipe()
		go remoteRadio(rc, notify)
		return lc, nil
	}

	cfg := `{"transport":{"type":"uart","uart":{"baud":9600}}}`
	conn.Publish(conn.NewMessage(bus.Topic{"config", "meshlink"}, cfg, false))

	select {
	case m := <-evSub.Channel():
		ev, ok := m.Payload.(types.MeshEvent)
		if !ok {
			t.Fatalf("event payload type: got %T, want types.MeshEvent", m.Payload)
		}
		if ev.Unread != 3 || ev.Source != "heltec" {
			t.Fatalf("unexpected mesh event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for mesh event")
	}
}

func TestMeshlink_UnknownTransportYieldsErrorState(t *testing.T) {
	b := bus.NewBus(8)
	conn := b.NewConnection("meshlink_test_bad")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Start(ctx, conn)

	stateSub := conn.Subscribe(bus.Topic{"meshlink", "state"})
	defer conn.Unsubscribe(stateSub)

	_ = nextState(t, stateSub, 500*time.Millisecond) // initial awaiting_config

	cfg := `{"transport":{"type":"bogus"}}`
	conn.Publish(conn.NewMessage(bus.Topic{"config", "meshlink"}, cfg, false))

	errState := nextState(t, stateSub, time.Second)
	assertLevelStatus(t, errState, "error", "transport_init_failed")
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// remoteRadio minimally services the radio framing: it replies PONG to PING
// and drains other frames. If notify is non-nil it sends one notify frame
// right away. It exits on read/write error.
func remoteRadio(c io.ReadWriteCloser, notify []byte) {
	defer c.Close()
	if notify != nil {
		hdr := []byte{frameNotify, byte(len(notify) >> 8), byte(len(notify) & 0xFF)}
		if _, err := c.Write(append(hdr, notify...)); err != nil {
			return
		}
	}
	hdr := make([]byte, 3)
	buf := make([]byte, 0, 256)
	for {
		if _, err := io.ReadFull(c, hdr); err != nil {
			return
		}
		typ := hdr[0]
		n := int(hdr[1])<<8 | int(hdr[2])
		if n > 0 {
			if cap(buf) < n {
				buf = make([]byte, n)
			} else {
				buf = buf[:n]
			}
			if _, err := io.ReadFull(c, buf); err != nil {
				return
			}
		}
		if typ == framePing {
			if _, err := c.Write([]byte{framePong, 0x00, 0x00}); err != nil {
				return
			}
		}
	}
}

func nextState(t *testing.T, sub *bus.Subscription, d time.Duration) types.ServiceState {
	t.Helper()
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case m := <-sub.Channel():
		st, ok := m.Payload.(types.ServiceState)
		if !ok {
			t.Fatalf("state payload type: got %T, want types.ServiceState", m.Payload)
		}
		return st
	case <-timer.C:
		t.Fatalf("timeout waiting for meshlink/state")
		return types.ServiceState{}
	}
}

func assertLevelStatus(t *testing.T, st types.ServiceState, wantLevel, wantStatus string) {
	t.Helper()
	if st.Level != wantLevel || !strings.HasPrefix(st.Status, wantStatus) {
		t.Fatalf("unexpected state: level=%q status=%q, want level=%q status=%q",
			st.Level, st.Status, wantLevel, wantStatus)
	}
}
