// services/supervisor/telemetry.go
package supervisor

import (
	"context"
	"time"

	"supervisor-go/types"

	"supervisor-go/services/supervisor/internal/wire"
)

// telemetryLoop emits one telemetry event per period, unconditionally: the
// protocol favours a steady, human-debuggable stream over change detection.
// The period follows retained config on config/supervisor.
func (s *Service) telemetryLoop(ctx context.Context) {
	cfgSub := s.conn.Subscribe(topicConfig)
	defer s.conn.Unsubscribe(cfgSub)

	tick := time.NewTicker(s.period)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-tick.C:
			snap := s.store.Snapshot()
			now := s.clock()
			line, err := wire.Event("telemetry", wire.TelemetryPayload(snap, now, now.Sub(s.bootAt)))
			if err != nil {
				println("Warning: failed to encode telemetry:", err.Error())
				continue
			}
			s.send(line)

		case msg := <-cfgSub.Channel():
			var cfg types.SupervisorConfig
			if err := decodeJSON(msg.Payload, &cfg); err != nil {
				println("Warning: supervisor config decode failed:", err.Error())
				continue
			}
			if cfg.TelemetryMS > 0 {
				s.period = time.Duration(cfg.TelemetryMS) * time.Millisecond
				tick.Reset(s.period)
			}
		}
	}
}
