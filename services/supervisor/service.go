// services/supervisor/service.go
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"supervisor-go/bus"
	"supervisor-go/types"
	"supervisor-go/x/timex"

	"supervisor-go/services/supervisor/internal/lineio"
	"supervisor-go/services/supervisor/internal/wire"
)

// -----------------------------------------------------------------------------
// Topics
// -----------------------------------------------------------------------------

var (
	topicState     = bus.Topic{"supervisor", "state"}       // retained ServiceState
	topicSwitch    = bus.Topic{"supervisor", "switch"}      // retained SwitchState
	topicSwitchSet = bus.Topic{"supervisor", "switch", "set"}
	topicMeshEvent = bus.Topic{"supervisor", "mesh", "event"}
	topicPoweroff  = bus.Topic{"supervisor", "poweroff"} // retained PoweroffState
	topicConfig    = bus.Topic{"config", "supervisor"}
	topicLinkState = bus.Topic{"meshlink", "state"} // retained ServiceState from the radio link
)

// -----------------------------------------------------------------------------
// Port
// -----------------------------------------------------------------------------

// Port is the byte-level duplex link to the host. The RX side follows the
// uartx shape: an edge channel plus a context-bounded receive.
type Port interface {
	Write(p []byte) (int, error)
	Readable() <-chan struct{}
	RecvSomeContext(ctx context.Context, p []byte) (int, error)
}

// -----------------------------------------------------------------------------
// Service
// -----------------------------------------------------------------------------

const (
	DefaultTelemetryPeriod = 2000 * time.Millisecond
	readSlice              = 250 * time.Millisecond // bounds each blocking receive
	outQueueLen            = 16
)

type Options struct {
	TelemetryPeriod time.Duration    // default DefaultTelemetryPeriod
	Policy          PoweroffPolicy   // nil = arm_poweroff always allowed
	Clock           func() time.Time // test hook; default time.Now
}

type Service struct {
	conn   *bus.Connection
	port   Port
	store  *Store
	disp   dispatcher
	outQ   chan []byte
	period time.Duration
	clock  func() time.Time
	bootAt time.Time
}

// New wires a supervisor service over an explicitly owned store. Nothing
// runs until Run.
func New(conn *bus.Connection, port Port, store *Store, opts Options) *Service {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	period := opts.TelemetryPeriod
	if period <= 0 {
		period = DefaultTelemetryPeriod
	}
	s := &Service{
		conn:   conn,
		port:   port,
		store:  store,
		outQ:   make(chan []byte, outQueueLen),
		period: period,
		clock:  clock,
		bootAt: clock(),
	}
	s.disp = dispatcher{
		store:  store,
		bootAt: s.bootAt,
		clock:  clock,
		policy: opts.Policy,
		conn:   conn,
	}
	// Mesh recency counts from boot until the first radio event, so
	// last_msg_age_s never reads as "just heard" on a fresh start.
	store.NoteMeshEvent(s.bootAt, 0)
	return s
}

// Run starts the writer, reader and telemetry activities and then serves
// bus traffic until ctx is cancelled. The reader and telemetry publisher are
// the only two long-lived activities touching the store besides callers of
// the bus control topics.
func (s *Service) Run(ctx context.Context) {
	swSub := s.conn.Subscribe(topicSwitchSet)
	meshSub := s.conn.Subscribe(topicMeshEvent)
	linkSub := s.conn.Subscribe(topicLinkState)
	defer s.conn.Unsubscribe(swSub)
	defer s.conn.Unsubscribe(meshSub)
	defer s.conn.Unsubscribe(linkSub)

	go s.writerLoop(ctx)
	go s.readerLoop(ctx)
	go s.telemetryLoop(ctx)

	// Initial switch state: retained for the bus, one event for the host.
	s.publishSwitchRetained()
	s.emitSwitchEvent()
	s.publishState("ready", "serving", nil)

	for {
		select {
		case <-ctx.Done():
			s.publishState("stopped", "context_cancelled", nil)
			return

		case msg := <-swSub.Channel():
			var sw types.SwitchState
			if err := decodeJSON(msg.Payload, &sw); err != nil {
				s.publishState("error", "switch_decode_failed", err)
				s.conn.Reply(msg, err.Error(), false)
				continue
			}
			if s.store.SetSwitches(sw) {
				s.publishSwitchRetained()
				s.emitSwitchEvent()
			}
			s.conn.Reply(msg, "ok", false)

		case msg := <-meshSub.Channel():
			var ev types.MeshEvent
			if err := decodeJSON(msg.Payload, &ev); err != nil {
				s.publishState("error", "mesh_decode_failed", err)
				continue
			}
			s.store.NoteMeshEvent(s.clock(), ev.Unread)

		case msg := <-linkSub.Channel():
			var st types.ServiceState
			if err := decodeJSON(msg.Payload, &st); err != nil {
				continue
			}
			if st.Level == "up" {
				s.store.SetRadioHealth("ok")
			} else {
				s.store.SetRadioHealth(st.Level)
			}
		}
	}
}

// -----------------------------------------------------------------------------
// Reader activity
// -----------------------------------------------------------------------------

func (s *Service) readerLoop(ctx context.Context) {
	asm := lineio.New(wire.MaxLine)
	buf := make([]byte, 64)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.port.Readable():
			rctx, cancel := context.WithTimeout(ctx, readSlice)
			n, _ := s.port.RecvSomeContext(rctx, buf)
			cancel()
			if n <= 0 {
				continue
			}
			for i := 0; i < n; i++ {
				out, line := asm.Feed(buf[i])
				switch out {
				case lineio.Line:
					s.handleLine(line)
				case lineio.Overflow:
					println("Warning: host line overflow, dropping")
				}
			}
		}
	}
}

// handleLine parses and dispatches one complete line. Framing and parse
// failures stay local: the host never sees an error for a line it may not
// have knowingly sent.
func (s *Service) handleLine(line []byte) {
	req, err := wire.ParseRequest(line)
	if err != nil {
		if errors.Is(err, wire.ErrNotACommand) {
			println("Info: ignoring JSON without cmd field")
		} else {
			println("Warning: failed to parse line:", string(line))
		}
		return
	}
	if reply := s.disp.dispatch(req); reply != nil {
		s.send(reply)
	}
}

// -----------------------------------------------------------------------------
// Writer
// -----------------------------------------------------------------------------

// send queues one complete line for the writer. Delivery is best-effort:
// when the host cannot drain fast enough the line is dropped whole.
func (s *Service) send(line []byte) {
	select {
	case s.outQ <- line:
	default:
		println("Warning: out queue full, dropping line")
	}
}

// writerLoop is the single owner of the port's TX side.
func (s *Service) writerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-s.outQ:
			if _, err := s.port.Write(line); err != nil {
				println("Warning: host link write failed:", err.Error())
			}
		}
	}
}

// -----------------------------------------------------------------------------
// Bus publications
// -----------------------------------------------------------------------------

func (s *Service) publishSwitchRetained() {
	s.conn.Publish(s.conn.NewMessage(topicSwitch, s.store.Switches(), true))
}

// emitSwitchEvent sends the switch event line to the host: once at startup
// and again on every switch-state change.
func (s *Service) emitSwitchEvent() {
	line, err := wire.Event("switch", wire.Fields{"switch": s.store.Switches()})
	if err != nil {
		println("Warning: failed to encode switch event:", err.Error())
		return
	}
	s.send(line)
}

func (s *Service) publishState(level, status string, err error) {
	st := types.ServiceState{Level: level, Status: status, TS: timex.NowMs()}
	if err != nil {
		st.Status = st.Status + ": " + err.Error()
	}
	s.conn.Publish(s.conn.NewMessage(topicState, st, true))
}

// decodeJSON accepts raw JSON bytes/strings or an already-decoded value.
func decodeJSON[T any](src any, dst *T) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return json.Unmarshal(b, dst)
	}
}
