// supervisor-sim runs the supervisor service on a host machine with an
// in-memory serial link and an operator console on stdin.
//
// Console commands (quoting follows shell rules):
//
//	send <raw-line>          inject a raw line on the serial link
//	cmd <name> [id]          inject {"id":..,"cmd":..}
//	switch <name> <on|off>   flip one switch via the bus
//	mesh <unread>            post a mesh event with an unread count
//	quit
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/shlex"
	"github.com/rs/zerolog"

	"supervisor-go/bus"
	"supervisor-go/services/config"
	"supervisor-go/services/meshlink"
	"supervisor-go/services/supervisor"
	"supervisor-go/types"
)

func initLogger(app string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	return zerolog.New(output).With().Timestamp().Str("app", app).Logger()
}

// -----------------------------------------------------------------------------
// In-memory serial link
// -----------------------------------------------------------------------------

type simPort struct {
	mu  sync.Mutex
	rx  []byte
	rd  chan struct{}
	out chan []byte
}

func newSimPort() *simPort {
	return &simPort{rd: make(chan struct{}, 1), out: make(chan []byte, 64)}
}

func (p *simPort) inject(line string) {
	p.mu.Lock()
	p.rx = append(p.rx, line...)
	p.rx = append(p.rx, '\n')
	if len(p.rd) == 0 {
		p.rd <- struct{}{}
	}
	p.mu.Unlock()
}

func (p *simPort) Write(b []byte) (int, error) {
	p.out <- append([]byte(nil), b...)
	return len(b), nil
}

func (p *simPort) Readable() <-chan struct{} {
	p.mu.Lock()
	if len(p.rx) > 0 && len(p.rd) == 0 {
		p.rd <- struct{}{}
	}
	p.mu.Unlock()
	return p.rd
}

func (p *simPort) RecvSomeContext(ctx context.Context, b []byte) (int, error) {
	for {
		p.mu.Lock()
		if len(p.rx) > 0 {
			n := copy(b, p.rx)
			p.rx = p.rx[n:]
			p.mu.Unlock()
			return n, nil
		}
		p.mu.Unlock()
		select {
		case <-p.rd:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// -----------------------------------------------------------------------------
// Main
// -----------------------------------------------------------------------------

func main() {
	device := flag.String("device", "sim", "embedded config key to publish")
	mirror := flag.Bool("mirror", false, "log all supervisor bus traffic")
	flag.Parse()

	log := initLogger("supervisor-sim")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bus.NewBus(16)

	cfgCtx := context.WithValue(ctx, config.CtxDeviceKey, *device)
	config.NewConfigService().Start(cfgCtx, b.NewConnection("config"))

	port := newSimPort()
	store := supervisor.NewStore(types.DefaultState())
	svc := supervisor.New(b.NewConnection("supervisor"), port, store, supervisor.Options{})
	go svc.Run(ctx)

	// Idles on "awaiting_config" unless the device config has a meshlink
	// section (none in the sim default).
	go meshlink.Start(ctx, b.NewConnection("meshlink"))

	// Device -> host lines.
	go func() {
		for line := range port.out {
			raw := line
			if n := len(raw); n > 0 && raw[n-1] == '\n' {
				raw = raw[:n-1]
			}
			log.Info().RawJSON("line", raw).Msg("device")
		}
	}()

	if *mirror {
		conn := b.NewConnection("mirror")
		sub := conn.Subscribe(bus.T("supervisor", bus.WildcardAll))
		go func() {
			for m := range sub.Channel() {
				log.Debug().Strs("topic", m.Topic).Interface("payload", m.Payload).Msg("bus")
			}
		}()
	}

	console(ctx, log, b, port, store)
}

func console(ctx context.Context, log zerolog.Logger, b *bus.Bus, port *simPort, store *supervisor.Store) {
	conn := b.NewConnection("console")
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		args, err := shlex.Split(sc.Text())
		if err != nil {
			log.Error().Err(err).Msg("bad console line")
			continue
		}
		if len(args) == 0 {
			continue
		}
		switch args[0] {
		case "quit", "exit":
			return

		case "send":
			if len(args) < 2 {
				log.Error().Msg("usage: send <raw-line>")
				continue
			}
			port.inject(args[1])

		case "cmd":
			if len(args) < 2 {
				log.Error().Msg("usage: cmd <name> [id]")
				continue
			}
			req := map[string]string{"cmd": args[1]}
			if len(args) > 2 {
				req["id"] = args[2]
			}
			raw, _ := json.Marshal(req)
			port.inject(string(raw))

		case "switch":
			if len(args) < 3 {
				log.Error().Msg("usage: switch <name> <on|off>")
				continue
			}
			on := args[2] == "on" || args[2] == "true"
			sw := store.Switches()
			if !setSwitch(&sw, args[1], on) {
				log.Error().Str("name", args[1]).Msg("unknown switch")
				continue
			}
			rctx, rcancel := context.WithTimeout(ctx, time.Second)
			_, err := conn.RequestWait(rctx, conn.NewMessage(bus.T("supervisor", "switch", "set"), sw, false))
			rcancel()
			if err != nil {
				log.Error().Err(err).Msg("switch set failed")
			}

		case "mesh":
			if len(args) < 2 {
				log.Error().Msg("usage: mesh <unread>")
				continue
			}
			n, err := strconv.Atoi(args[1])
			if err != nil {
				log.Error().Err(err).Msg("bad unread count")
				continue
			}
			conn.Publish(conn.NewMessage(bus.T("supervisor", "mesh", "event"),
				types.MeshEvent{Unread: n, Source: "console"}, false))

		default:
			log.Error().Str("cmd", args[0]).Msg("unknown console command")
		}
	}
}

func setSwitch(sw *types.SwitchState, name string, on bool) bool {
	switch name {
	case "lte":
		sw.LTE = on
	case "wifi":
		sw.WiFi = on
	case "bt":
		sw.BT = on
	case "bridge_enable":
		sw.BridgeEnable = on
	case "lid_open":
		sw.LidOpen = on
	case "charger_online":
		sw.ChargerOnline = on
	default:
		return false
	}
	return true
}
