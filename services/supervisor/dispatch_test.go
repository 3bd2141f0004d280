// services/supervisor/dispatch_test.go
package supervisor

import (
	"encoding/json"
	"testing"
	"time"

	"supervisor-go/errcode"
	"supervisor-go/types"

	"supervisor-go/services/supervisor/internal/wire"
)

// newTestDispatcher runs against an isolated store and a fixed clock, no bus.
func newTestDispatcher(t *testing.T, policy PoweroffPolicy) (*dispatcher, *Store, time.Time) {
	t.Helper()
	boot := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := boot.Add(90 * time.Second)
	store := NewStore(types.DefaultState())
	d := &dispatcher{
		store:  store,
		bootAt: boot,
		clock:  func() time.Time { return now },
		policy: policy,
	}
	return d, store, now
}

func reply(t *testing.T, d *dispatcher, id, cmd string) map[string]any {
	t.Helper()
	line := d.dispatch(wire.Request{ID: id, Cmd: cmd})
	if line == nil {
		t.Fatalf("no reply for %q", cmd)
	}
	if line[len(line)-1] != '\n' {
		t.Fatalf("reply not newline-terminated: %q", line)
	}
	var obj map[string]any
	if err := json.Unmarshal(line[:len(line)-1], &obj); err != nil {
		t.Fatalf("reply not valid JSON: %v", err)
	}
	return obj
}

func TestDispatch_GetStatus(t *testing.T) {
	d, _, _ := newTestDispatcher(t, nil)
	obj := reply(t, d, "1", "get_status")

	if obj["id"] != "1" || obj["ok"] != true {
		t.Fatalf("unexpected envelope: %v", obj)
	}
	status, ok := obj["status"].(map[string]any)
	if !ok {
		t.Fatalf("missing status object: %v", obj)
	}
	if status["battery_pct"] != float64(78) {
		t.Errorf("battery_pct = %v, want 78", status["battery_pct"])
	}
	if status["uptime_s"] != float64(90) {
		t.Errorf("uptime_s = %v, want 90", status["uptime_s"])
	}
	if _, ok := status["switch"].(map[string]any); !ok {
		t.Errorf("status missing switch object: %v", status)
	}
}

func TestDispatch_GetSwitches(t *testing.T) {
	d, _, _ := newTestDispatcher(t, nil)
	obj := reply(t, d, "2", "get_switches")

	if obj["ok"] != true {
		t.Fatalf("unexpected envelope: %v", obj)
	}
	sw, ok := obj["switch"].(map[string]any)
	if !ok {
		t.Fatalf("missing switch object: %v", obj)
	}
	if sw["lte"] != true || sw["wifi"] != false || sw["bt"] != true {
		t.Errorf("unexpected switches: %v", sw)
	}
	if _, present := obj["status"]; present {
		t.Errorf("get_switches must not carry full status: %v", obj)
	}
}

func TestDispatch_ReadCommandsAreIdempotent(t *testing.T) {
	d, store, _ := newTestDispatcher(t, nil)
	before := store.Snapshot()
	for i := 0; i < 5; i++ {
		reply(t, d, "", "get_status")
		reply(t, d, "", "get_switches")
		reply(t, d, "", "ping")
	}
	if store.Snapshot() != before {
		t.Fatal("read commands mutated state")
	}
}

func TestDispatch_ClearUnread(t *testing.T) {
	d, store, now := newTestDispatcher(t, nil)
	store.NoteMeshEvent(now.Add(-time.Hour), 7)

	obj := reply(t, d, "3", "clear_unread")
	if obj["ok"] != true || obj["id"] != "3" {
		t.Fatalf("unexpected reply: %v", obj)
	}

	status := reply(t, d, "4", "get_status")["status"].(map[string]any)
	if status["unread_ext"] != float64(0) {
		t.Errorf("unread_ext = %v, want 0", status["unread_ext"])
	}
	if status["last_msg_age_s"] != float64(0) {
		t.Errorf("last_msg_age_s = %v, want 0", status["last_msg_age_s"])
	}
}

func TestDispatch_MeshAgeCountsFromBoot(t *testing.T) {
	boot := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := boot
	store := NewStore(types.DefaultState())
	svc := New(nil, nil, store, Options{Clock: func() time.Time { return now }})

	now = boot.Add(42 * time.Second)
	status := reply(t, &svc.disp, "7", "get_status")["status"].(map[string]any)
	if status["last_msg_age_s"] != float64(42) {
		t.Errorf("last_msg_age_s = %v, want 42 (ages from boot)", status["last_msg_age_s"])
	}
	if status["unread_ext"] != float64(0) {
		t.Errorf("unread_ext = %v, want 0", status["unread_ext"])
	}
}

func TestDispatch_ArmPoweroff(t *testing.T) {
	d, store, _ := newTestDispatcher(t, nil)
	obj := reply(t, d, "2", "arm_poweroff")

	if obj["id"] != "2" || obj["ok"] != true || obj["poweroff_ok"] != true {
		t.Fatalf("unexpected reply: %v", obj)
	}
	if !store.Snapshot().PoweroffArmed {
		t.Fatal("store not armed")
	}
}

func TestDispatch_ArmPoweroffVetoed(t *testing.T) {
	veto := func(st types.SupervisorState) error {
		if st.BatteryPct < 80 {
			return errcode.BatteryLow
		}
		return nil
	}
	d, store, _ := newTestDispatcher(t, veto)
	obj := reply(t, d, "5", "arm_poweroff")

	if obj["ok"] != false || obj["error"] != "battery_low" {
		t.Fatalf("unexpected veto reply: %v", obj)
	}
	if _, present := obj["poweroff_ok"]; present {
		t.Fatalf("vetoed reply must not carry poweroff_ok: %v", obj)
	}
	if store.Snapshot().PoweroffArmed {
		t.Fatal("store armed despite veto")
	}
}

func TestDispatch_Ping(t *testing.T) {
	d, _, _ := newTestDispatcher(t, nil)
	obj := reply(t, d, "", "ping")

	if obj["ok"] != true || obj["uptime_s"] != float64(90) {
		t.Fatalf("unexpected reply: %v", obj)
	}
	if _, present := obj["id"]; present {
		t.Fatalf("id must be absent when the request had none: %v", obj)
	}
}

func TestDispatch_UnknownCommand(t *testing.T) {
	d, store, _ := newTestDispatcher(t, nil)
	before := store.Snapshot()

	obj := reply(t, d, "x", "bogus")
	if len(obj) != 3 || obj["id"] != "x" || obj["ok"] != false || obj["error"] != "unknown_cmd" {
		t.Fatalf("unexpected reply: %v", obj)
	}
	if store.Snapshot() != before {
		t.Fatal("unknown command mutated state")
	}
}

func TestDispatch_CommandsAreCaseSensitive(t *testing.T) {
	d, _, _ := newTestDispatcher(t, nil)
	obj := reply(t, d, "y", "Get_Status")
	if obj["error"] != "unknown_cmd" {
		t.Fatalf("case-variant command must be unknown: %v", obj)
	}
}
