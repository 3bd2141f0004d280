// services/supervisor/state.go
package supervisor

import (
	"sync"
	"time"

	"supervisor-go/types"
	"supervisor-go/x/mathx"
)

// Store owns the single shared supervisor record. Every accessor copies
// under the mutex; the live record never leaves the store, so a snapshot can
// never observe a half-written state. Critical sections copy one record and
// do nothing else.
type Store struct {
	mu sync.Mutex
	st types.SupervisorState
}

func NewStore(initial types.SupervisorState) *Store {
	initial.BatteryPct = mathx.Clamp(initial.BatteryPct, 0, 100)
	return &Store{st: initial}
}

// Snapshot returns an independent copy of the full state.
func (s *Store) Snapshot() types.SupervisorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

// Switches returns a copy of the switch sub-record only.
func (s *Store) Switches() types.SwitchState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.Switches
}

// ClearUnread zeroes the unread counter and stamps mesh recency, so a
// status read immediately after reports age zero.
func (s *Store) ClearUnread(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.UnreadExt = 0
	s.stampMesh(now)
}

// ArmPoweroff marks the poweroff handshake as completed by the host.
func (s *Store) ArmPoweroff() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.PoweroffArmed = true
}

// SetSwitches replaces the switch record and reports whether it changed.
func (s *Store) SetSwitches(sw types.SwitchState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.Switches == sw {
		return false
	}
	s.st.Switches = sw
	return true
}

/// NoteMeshEvent records radio bridge traffic: recency is stamped and the
// unread counter advances by unread (which may be zero for a bare ping).
func (s *Store) NoteMeshEvent(now time.Time, unread int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if unread > 0 {
		s.st.UnreadExt += unread
	}
	s.stampMesh(now)
}

// SetRadioHealth records the mesh radio link status string ("ok" when up).
func (s *Store) SetRadioHealth(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.Heltec = status
}

// SetReadings feeds measured power figures into the state. The battery
// percentage is clamped to [0,100].
func (s *Store) SetReadings(batteryPct, packMilliV, packMilliA int, tempC float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.BatteryPct = mathx.Clamp(batteryPct, 0, 100)
	s.st.PackMilliV = packMilliV
	s.st.PackMilliA = packMilliA
	s.st.MCUTempC = tempC
}

// stampMesh keeps LastMeshEvent monotonically non-decreasing. Called with
// the lock held.
func (s *Store) stampMesh(now time.Time) {
	if now.After(s.st.LastMeshEvent) {
		s.st.LastMeshEvent = now
	}
}
