// services/supervisor/state_test.go
package supervisor

import (
	"sync"
	"testing"
	"time"

	"supervisor-go/types"
)

func TestSnapshotIsACopy(t *testing.T) {
	st := NewStore(types.DefaultState())
	snap := st.Snapshot()
	snap.BatteryPct = 1
	snap.Switches.LTE = false
	if got := st.Snapshot(); got.BatteryPct != 78 || !got.Switches.LTE {
		t.Fatalf("mutating a snapshot leaked into the store: %+v", got)
	}
}

func TestSnapshotConsistency_NoTornReads(t *testing.T) {
	// Writers maintain pack_mv == 1000 - pack_ma across every update; any
	// snapshot violating it observed a half-written record.
	st := NewStore(types.DefaultState())
	st.SetReadings(50, 1000, 0, 0)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				st.SetReadings(i%101, 1000+i, -i, float32(i))
			}
		}()
	}

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 2000; i++ {
				snap := st.Snapshot()
				if snap.PackMilliV != 1000-snap.PackMilliA {
					t.Errorf("torn read: pack_mv=%d pack_ma=%d", snap.PackMilliV, snap.PackMilliA)
					return
				}
				if snap.BatteryPct < 0 || snap.BatteryPct > 100 {
					t.Errorf("battery_pct out of range: %d", snap.BatteryPct)
					return
				}
			}
		}()
	}

	// Readers finish first, then release writers.
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	time.Sleep(50 * time.Millisecond)
	close(stop)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for workers")
	}
}

func TestClearUnread(t *testing.T) {
	st := NewStore(types.DefaultState())
	now := time.Now()
	st.NoteMeshEvent(now.Add(-time.Minute), 5)

	st.ClearUnread(now)
	snap := st.Snapshot()
	if snap.UnreadExt != 0 {
		t.Fatalf("unread_ext = %d, want 0", snap.UnreadExt)
	}
	if !snap.LastMeshEvent.Equal(now) {
		t.Fatalf("last mesh event not stamped: %v", snap.LastMeshEvent)
	}
}

func TestMeshStampMonotonic(t *testing.T) {
	st := NewStore(types.DefaultState())
	now := time.Now()
	st.NoteMeshEvent(now, 1)
	// A stale stamp must not move recency backwards.
	st.NoteMeshEvent(now.Add(-time.Hour), 1)

	snap := st.Snapshot()
	if !snap.LastMeshEvent.Equal(now) {
		t.Fatalf("recency regressed to %v", snap.LastMeshEvent)
	}
	if snap.UnreadExt != 2 {
		t.Fatalf("unread_ext = %d, want 2", snap.UnreadExt)
	}
}

func TestSetSwitchesChangeDetection(t *testing.T) {
	st := NewStore(types.DefaultState())
	same := st.Switches()
	if st.SetSwitches(same) {
		t.Fatal("unchanged switch state reported as changed")
	}
	same.LidOpen = true
	if !st.SetSwitches(same) {
		t.Fatal("changed switch state not reported")
	}
	if !st.Switches().LidOpen {
		t.Fatal("lid_open not stored")
	}
}

func TestSetReadingsClampsBattery(t *testing.T) {
	st := NewStore(types.DefaultState())
	st.SetReadings(150, 12000, -100, 40)
	if got := st.Snapshot().BatteryPct; got != 100 {
		t.Fatalf("battery_pct = %d, want 100", got)
	}
	st.SetReadings(-3, 12000, -100, 40)
	if got := st.Snapshot().BatteryPct; got != 0 {
		t.Fatalf("battery_pct = %d, want 0", got)
	}
}

func TestArmPoweroff(t *testing.T) {
	st := NewStore(types.DefaultState())
	if st.Snapshot().PoweroffArmed {
		t.Fatal("armed at boot")
	}
	st.ArmPoweroff()
	if !st.Snapshot().PoweroffArmed {
		t.Fatal("not armed after ArmPoweroff")
	}
}

func TestSetRadioHealth(t *testing.T) {
	st := NewStore(types.DefaultState())
	if got := st.Snapshot().Heltec; got != "ok" {
		t.Fatalf("heltec at boot = %q, want \"ok\"", got)
	}
	st.SetRadioHealth("degraded")
	if got := st.Snapshot().Heltec; got != "degraded" {
		t.Fatalf("heltec = %q, want \"degraded\"", got)
	}
}
