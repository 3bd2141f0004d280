//go:build rp2040

package main

import (
	"context"
	"io"
	"time"

	"machine"

	"supervisor-go/bus"
	"supervisor-go/services/config"
	"supervisor-go/services/meshlink"
	"supervisor-go/services/supervisor"
	"supervisor-go/types"
	"supervisor-go/x/mathx"

	uartx "github.com/jangala-dev/tinygo-uartx/uartx"
	"tinygo.org/x/drivers/shtc3"
)

// -----------------------------------------------------------------------------
// Board wiring
// -----------------------------------------------------------------------------

const (
	uartBaud = 115200
	uartTX   = 4 // GP4
	uartRX   = 5 // GP5

	poweroffPin = 22 // drives the latch that cuts router power

	sampleEvery = time.Second
)

// Pack sense scaling. The divider maps pack voltage onto ADC0 and the shunt
// amplifier maps pack current onto ADC1 (centred at half scale).
const (
	adcFullScaleMilliV   = 3300
	packDividerRatio     = 6      // 100k/20k divider
	currentZeroCode      = 0x8000 // half scale = 0 mA
	currentMilliAPerCode = 2
)

// Pack voltage bounds for the battery percentage estimate.
const (
	packEmptyMilliV = 9000
	packFullMilliV  = 12600
)

func main() {
	time.Sleep(3 * time.Second)
	ctx := context.Background()

	println("[main] bootstrapping bus ...")
	b := bus.NewBus(8)

	println("[main] publishing embedded config ...")
	cfgCtx := context.WithValue(ctx, config.CtxDeviceKey, "pico")
	config.NewConfigService().Start(cfgCtx, b.NewConnection("config"))

	println("[main] configuring uart1 ...")
	port := uartx.UART1
	if err := port.Configure(uartx.UARTConfig{
		BaudRate: uartBaud,
		TX:       machine.Pin(uartTX),
		RX:       machine.Pin(uartRX),
	}); err != nil {
		println("Warning: uart configure failed:", err.Error())
	}

	store := supervisor.NewStore(types.DefaultState())
	svc := supervisor.New(b.NewConnection("supervisor"), port, store, supervisor.Options{})

	println("[main] starting supervisor ...")
	go svc.Run(ctx)

	// Radio link: uart0 carries the heltec module, dialled on demand from
	// the config/meshlink section.
	meshlink.RadioDial = dialRadio
	go meshlink.Start(ctx, b.NewConnection("meshlink"))

	go watchPoweroff(b.NewConnection("power-latch"))

	sampleSensors(store)
}

type radioPort struct{ *uartx.UART }

func (radioPort) Close() error { return nil }

func dialRadio(_ context.Context, u meshlink.UARTConfig) (io.ReadWriteCloser, error) {
	hw := uartx.UART0
	if err := hw.Configure(uartx.UARTConfig{
		BaudRate: uint32(u.Baud),
		TX:       machine.Pin(u.TxPin),
		RX:       machine.Pin(u.RxPin),
	}); err != nil {
		return nil, err
	}
	return radioPort{hw}, nil
}

// watchPoweroff drives the power latch once the supervisor arms poweroff.
// The topic is retained, so a late start still observes an earlier arm.
func watchPoweroff(conn *bus.Connection) {
	pin := machine.Pin(poweroffPin)
	pin.Configure(machine.PinConfig{Mode: machine.PinOutput})
	pin.Low()

	sub := conn.Subscribe(bus.T("supervisor", "poweroff"))
	for m := range sub.Channel() {
		st, ok := m.Payload.(types.PoweroffState)
		if !ok || !st.Armed {
			continue
		}
		println("[main] poweroff armed, driving latch")
		pin.High()
		return
	}
}

// sampleSensors feeds pack and temperature readings into the store. Runs on
// the main goroutine forever.
func sampleSensors(store *supervisor.Store) {
	machine.InitADC()
	vsense := machine.ADC{Pin: machine.ADC0}
	isense := machine.ADC{Pin: machine.ADC1}
	vsense.Configure(machine.ADCConfig{})
	isense.Configure(machine.ADCConfig{})

	machine.I2C0.Configure(machine.I2CConfig{})
	temp := shtc3.New(machine.I2C0)

	for {
		mv := (int(vsense.Get()) * adcFullScaleMilliV / 0xFFFF) * packDividerRatio
		ma := (int(isense.Get()) - currentZeroCode) * currentMilliAPerCode
		pct := (mv - packEmptyMilliV) * 100 / (packFullMilliV - packEmptyMilliV)
		pct = mathx.Clamp(pct, 0, 100)

		tempC := store.Snapshot().MCUTempC
		_ = temp.WakeUp()
		if tmc, _, err := temp.ReadTemperatureHumidity(); err == nil {
			tempC = float32(tmc) / 1000
		}
		_ = temp.Sleep()

		store.SetReadings(pct, mv, ma, tempC)
		time.Sleep(sampleEvery)
	}
}
