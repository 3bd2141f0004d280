//go:build rp2040

// bus/cmd/selftest/main.go
//
// On-target self-test for the message bus. Runs the same scenarios as the
// host test suite and reports over USB CDC; the LED blinks on failure.
package main

import (
	"context"
	"time"

	"supervisor-go/bus"
	"supervisor-go/x/conv"

	"machine"
)

func logln(s string) { println(s) }

func logNamed(prefix, name string) { println(prefix, name) }

func logCount(label string, n int) {
	var buf [20]byte
	println(label, string(conv.Itoa(buf[:], int64(n))))
}

// --- helpers mirroring the host test utilities -------------------------------

func expectOne(sub *bus.Subscription, want string, timeout time.Duration) (ok bool, why string) {
	select {
	case got := <-sub.Channel():
		s, ok := got.Payload.(string)
		if !ok || s != want {
			return false, "unexpected payload"
		}
		return true, ""
	case <-time.After(timeout):
		return false, "timeout"
	}
}

func expectNone(sub *bus.Subscription, timeout time.Duration) bool {
	select {
	case <-sub.Channel():
		return false
	case <-time.After(timeout):
		return true
	}
}

// --- individual tests --------------------------------------------------------

func testBasicPubSub() bool {
	b := bus.NewBus(4)
	conn := b.NewConnection("selftest")
	sub := conn.Subscribe(bus.T("supervisor", "state"))

	conn.Publish(conn.NewMessage(bus.T("supervisor", "state"), "ready", false))

	ok, why := expectOne(sub, "ready", 100*time.Millisecond)
	if !ok {
		logln("basic_pubsub: " + why)
	}
	return ok
}

func testRetainedMessage() bool {
	b := bus.NewBus(2)
	conn := b.NewConnection("selftest")

	conn.Publish(b.NewMessage(bus.T("config", "supervisor"), "persist", true))
	sub := conn.Subscribe(bus.T("config", "supervisor"))

	ok, why := expectOne(sub, "persist", 100*time.Millisecond)
	if !ok {
		logln("retained: " + why)
	}
	return ok
}

func testRetainedClear() bool {
	b := bus.NewBus(2)
	conn := b.NewConnection("selftest")

	conn.Publish(b.NewMessage(bus.T("config", "supervisor"), "persist", true))
	conn.Publish(b.NewMessage(bus.T("config", "supervisor"), nil, true))
	sub := conn.Subscribe(bus.T("config", "supervisor"))

	if !expectNone(sub, 100*time.Millisecond) {
		logln("retained_clear: retained survived nil publish")
		return false
	}
	return true
}

func testWildcardSingleLevel() bool {
	b := bus.NewBus(16)
	c := b.NewConnection("selftest")

	sYes := c.Subscribe(bus.T("supervisor", bus.WildcardOne, "set"))
	sNo := c.Subscribe(bus.T("supervisor", bus.WildcardOne, "get"))

	c.Publish(b.NewMessage(bus.T("supervisor", "switch", "set"), "m1", false))

	if ok, why := expectOne(sYes, "m1", 200*time.Millisecond); !ok {
		logln("wildcard_one: " + why)
		return false
	}
	if !expectNone(sNo, 100*time.Millisecond) {
		logln("wildcard_one: non-matching subscription fired")
		return false
	}
	return true
}

func testWildcardMultiLevel() bool {
	b := bus.NewBus(16)
	c := b.NewConnection("selftest")

	sAll := c.Subscribe(bus.T("supervisor", bus.WildcardAll))

	c.Publish(b.NewMessage(bus.T("supervisor", "mesh", "event"), "deep", false))
	if ok, why := expectOne(sAll, "deep", 200*time.Millisecond); !ok {
		logln("wildcard_all: " + why)
		return false
	}

	// "#" also matches the bare root.
	c.Publish(b.NewMessage(bus.T("supervisor"), "root", false))
	if ok, why := expectOne(sAll, "root", 200*time.Millisecond); !ok {
		logln("wildcard_all root: " + why)
		return false
	}
	return true
}

func testWildcardRetainedDelivery() bool {
	b := bus.NewBus(16)
	c := b.NewConnection("selftest")

	c.Publish(b.NewMessage(bus.T("supervisor", "switch"), "held", true))
	sub := c.Subscribe(bus.T("supervisor", bus.WildcardAll))

	ok, why := expectOne(sub, "held", 200*time.Millisecond)
	if !ok {
		logln("wildcard_retained: " + why)
	}
	return ok
}

func testRequestReplyWait() bool {
	b := bus.NewBus(8)
	reqConn := b.NewConnection("requester")
	respConn := b.NewConnection("responder")

	reqTopic := bus.T("supervisor", "switch", "set")
	reqSub := respConn.Subscribe(reqTopic)
	defer respConn.Unsubscribe(reqSub)

	go func() {
		if msg, ok := <-reqSub.Channel(); ok {
			respConn.Reply(msg, "ok", false)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	reply, err := reqConn.RequestWait(ctx, reqConn.NewMessage(reqTopic, "flip", false))
	if err != nil {
		logln("request_reply: " + err.Error())
		return false
	}
	if s, ok := reply.Payload.(string); !ok || s != "ok" {
		logln("request_reply: bad reply payload")
		return false
	}
	return true
}

func testRequestReplyTimeout() bool {
	b := bus.NewBus(8)
	reqConn := b.NewConnection("requester")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := reqConn.RequestWait(ctx, reqConn.NewMessage(bus.T("nobody", "home"), nil, false)); err == nil {
		logln("request_timeout: expected timeout")
		return false
	}
	return true
}

// --- main --------------------------------------------------------------------

type testFn struct {
	name string
	fn   func() bool
}

func main() {
	// Give the USB CDC time to enumerate so logs show up reliably.
	time.Sleep(250 * time.Millisecond)

	led := machine.LED
	led.Configure(machine.PinConfig{Mode: machine.PinOutput})
	led.High() // signal "running"

	tests := []testFn{
		{"basic_pubsub", testBasicPubSub},
		{"retained", testRetainedMessage},
		{"retained_clear", testRetainedClear},
		{"wildcard_one", testWildcardSingleLevel},
		{"wildcard_all", testWildcardMultiLevel},
		{"wildcard_retained", testWildcardRetainedDelivery},
		{"request_reply", testRequestReplyWait},
		{"request_timeout", testRequestReplyTimeout},
	}

	passed, failed := 0, 0
	logln("== bus self-test starting ==")
	for _, tc := range tests {
		if tc.fn() {
			logNamed("[PASS]", tc.name)
			passed++
		} else {
			logNamed("[FAIL]", tc.name)
			failed++
		}
		time.Sleep(10 * time.Millisecond)
	}
	logCount("passed:", passed)
	logCount("failed:", failed)

	// LED: solid ON if all passed, otherwise slow blink forever.
	if failed == 0 {
		for {
			led.High()
			time.Sleep(2 * time.Second)
		}
	}
	for {
		led.High()
		time.Sleep(250 * time.Millisecond)
		led.Low()
		time.Sleep(250 * time.Millisecond)
	}
}
