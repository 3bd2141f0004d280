package config

// -----------------------------------------------------------------------------
// Embedded configuration
//
// Populate embeddedConfigs at build time (e.g. via code generation) or
// manually during development.
// Key: device ID (same value placed in ctx under CtxDeviceKey)
// Val: raw JSON bytes for that device
// -----------------------------------------------------------------------------

const cfgPico = `{
  "supervisor": {
      "telemetry_ms": 2000
  },
  "meshlink": {
      "transport": {
          "type": "uart",
          "uart": {"baud": 9600, "rx_pin": 9, "tx_pin": 8}
      }
  }
}`

const cfgSim = `{
  "supervisor": {
      "telemetry_ms": 2000
  }
}`

var embeddedConfigs = map[string][]byte{
	"pico": []byte(cfgPico),
	"sim":  []byte(cfgSim),
}
