// services/supervisor/dispatch.go
package supervisor

import (
	"time"

	"supervisor-go/bus"
	"supervisor-go/errcode"
	"supervisor-go/types"
	"supervisor-go/x/timex"

	"supervisor-go/services/supervisor/internal/wire"
)

// -----------------------------------------------------------------------------
// Command set
// -----------------------------------------------------------------------------

// cmdKind enumerates the known commands; unknown strings collapse into
// cmdUnknown, which is the only command-level error shown to the host.
type cmdKind uint8

const (
	cmdUnknown cmdKind = iota
	cmdGetStatus
	cmdGetSwitches
	cmdClearUnread
	cmdArmPoweroff
	cmdPing
)

// commandOf resolves a command string, case-sensitive exact match.
func commandOf(name string) cmdKind {
	switch name {
	case "get_status":
		return cmdGetStatus
	case "get_switches":
		return cmdGetSwitches
	case "clear_unread":
		return cmdClearUnread
	case "arm_poweroff":
		return cmdArmPoweroff
	case "ping":
		return cmdPing
	default:
		return cmdUnknown
	}
}

// PoweroffPolicy may veto arm_poweroff based on a state snapshot. A nil
// policy always allows. Returning an error (typically errcode.BatteryLow)
// rejects the request without arming.
type PoweroffPolicy func(types.SupervisorState) error

// -----------------------------------------------------------------------------
// Dispatcher
// -----------------------------------------------------------------------------

// dispatcher interprets one parsed request at a time. It keeps no state of
// its own between requests; everything persistent lives in the store.
type dispatcher struct {
	store  *Store
	bootAt time.Time
	clock  func() time.Time
	policy PoweroffPolicy
	conn   *bus.Connection // nil in isolated tests
}

// dispatch produces the reply line for one request, or nil when encoding
// failed (nothing is ever half-written to the wire).
func (d *dispatcher) dispatch(req wire.Request) []byte {
	now := d.clock()
	var (
		line []byte
		err  error
	)
	switch commandOf(req.Cmd) {
	case cmdGetStatus:
		snap := d.store.Snapshot()
		line, err = wire.Reply(req.ID, true, wire.Fields{
			"status": wire.TelemetryPayload(snap, now, now.Sub(d.bootAt)),
		}, "")

	case cmdGetSwitches:
		line, err = wire.Reply(req.ID, true, wire.Fields{
			"switch": d.store.Switches(),
		}, "")

	case cmdClearUnread:
		d.store.ClearUnread(now)
		line, err = wire.Reply(req.ID, true, nil, "")

	case cmdArmPoweroff:
		if d.policy != nil {
			if perr := d.policy(d.store.Snapshot()); perr != nil {
				line, err = wire.Reply(req.ID, false, nil, string(errcode.Of(perr)))
				break
			}
		}
		d.store.ArmPoweroff()
		d.publishPoweroff()
		line, err = wire.Reply(req.ID, true, wire.Fields{"poweroff_ok": true}, "")

	case cmdPing:
		line, err = wire.Reply(req.ID, true, wire.Fields{
			"uptime_s": int64(now.Sub(d.bootAt) / time.Second),
		}, "")

	default:
		line, err = wire.Reply(req.ID, false, nil, string(errcode.UnknownCmd))
	}
	if err != nil {
		println("Warning: failed to encode reply:", err.Error())
		return nil
	}
	return line
}

// publishPoweroff lets platform code drive the power-cut path from the bus.
func (d *dispatcher) publishPoweroff() {
	if d.conn == nil {
		return
	}
	d.conn.Publish(d.conn.NewMessage(topicPoweroff, types.PoweroffState{
		Armed: true,
		TS:    timex.NowMs(),
	}, true))
}
