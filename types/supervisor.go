package types

import "time"

// ------------------------
// Supervisor state
// ------------------------

// SwitchState mirrors the physical toggle positions reported to the host.
type SwitchState struct {
	LTE           bool `json:"lte"`
	WiFi          bool `json:"wifi"`
	BT            bool `json:"bt"`
	BridgeEnable  bool `json:"bridge_enable"`
	LidOpen       bool `json:"lid_open"`
	ChargerOnline bool `json:"charger_online"`
}

// SupervisorState is the single shared supervisor record. It is owned by the
// supervisor store and only ever handed out as a copy.
type SupervisorState struct {
	BatteryPct    int     // [0,100]
	PackMilliV    int     // pack voltage, mV
	PackMilliA    int     // pack current, mA; negative = discharging
	MCUTempC      float32 // die temperature
	UnreadExt     int     // unread external (mesh) messages
	Heltec        string  // radio module status text
	MCU           string  // firmware/health string
	PoweroffArmed bool
	LastMeshEvent time.Time // zero = never
	Switches      SwitchState
}

// DefaultState returns the power-on state of the prototype board.
func DefaultState() SupervisorState {
	return SupervisorState{
		BatteryPct: 78,
		PackMilliV: 11750,
		PackMilliA: -420,
		MCUTempC:   36.5,
		UnreadExt:  0,
		Heltec:     "ok",
		MCU:        "proto-0.1",
		Switches: SwitchState{
			LTE:           true,
			WiFi:          false,
			BT:            true,
			BridgeEnable:  true,
			LidOpen:       false,
			ChargerOnline: true,
		},
	}
}

// ------------------------
// Bus payloads (retained)
// ------------------------

// ServiceState is published retained on supervisor/state.
type ServiceState struct {
	Level  string `json:"level"`  // "idle", "ready", "stopped", "error"
	Status string `json:"status"` // freeform short code
	TS     int64  `json:"ts_ms"`
}

// MeshEvent is published on supervisor/mesh/event whenever the radio bridge
// sees traffic. Unread increments the unread counter; a plain recency ping
// carries zero.
type MeshEvent struct {
	Unread int    `json:"unread,omitempty"`
	Source string `json:"source,omitempty"`
}

// PoweroffState is published retained on supervisor/poweroff once the host
// has completed the poweroff handshake. Platform code drives the power-cut
// path from it.
type PoweroffState struct {
	Armed bool  `json:"armed"`
	TS    int64 `json:"ts_ms"`
}

// ------------------------
// Configuration
// ------------------------

// SupervisorConfig is the JSON expected retained on "config/supervisor".
type SupervisorConfig struct {
	TelemetryMS int `json:"telemetry_ms,omitempty"` // telemetry period, default 2000
}
