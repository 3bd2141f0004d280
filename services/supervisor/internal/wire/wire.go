// services/supervisor/internal/wire/wire.go
package wire

import (
	"encoding/json"
	"errors"
	"time"

	"supervisor-go/types"
)

// One JSON object per line, newline terminated, bounded by MaxLine.
const MaxLine = 512 // bytes, terminator included

var (
	// ErrMalformed: the line is not a valid JSON object. Callers log and
	// drop; the protocol never error-replies to garbage.
	ErrMalformed = errors.New("wire: malformed line")
	// ErrNotACommand: valid JSON but no usable "cmd" field. Callers ignore
	// silently; non-command lines are reserved for out-of-band framing.
	ErrNotACommand = errors.New("wire: no cmd field")
	// ErrLineTooLong: the encoded message would exceed MaxLine. The line is
	// never emitted partially.
	ErrLineTooLong = errors.New("wire: line exceeds bound")
)

// Request is one parsed command line from the host.
type Request struct {
	ID  string // correlation id; empty when the host sent none
	Cmd string
}

// ParseRequest decodes one line. Unknown fields are ignored, never rejected.
func ParseRequest(line []byte) (Request, error) {
	var obj map[string]any
	if err := json.Unmarshal(line, &obj); err != nil {
		return Request{}, ErrMalformed
	}
	cmd, ok := obj["cmd"].(string)
	if !ok {
		return Request{}, ErrNotACommand
	}
	req := Request{Cmd: cmd}
	if id, ok := obj["id"].(string); ok {
		req.ID = id
	}
	return req, nil
}

// Fields is the payload of a reply or event, merged into the root object.
type Fields map[string]any

// Reply encodes a correlated reply line. id may be empty (no correlation);
// errCode is only included for ok=false.
func Reply(id string, ok bool, payload Fields, errCode string) ([]byte, error) {
	root := map[string]any{"ok": ok}
	if id != "" {
		root["id"] = id
	}
	if !ok {
		if errCode == "" {
			errCode = "unknown_error"
		}
		root["error"] = errCode
	}
	for k, v := range payload {
		root[k] = v
	}
	return encodeLine(root)
}

// Event encodes an uncorrelated event line.
func Event(name string, payload Fields) ([]byte, error) {
	root := map[string]any{"event": name}
	for k, v := range payload {
		root[k] = v
	}
	return encodeLine(root)
}

func encodeLine(root map[string]any) ([]byte, error) {
	b, err := json.Marshal(root)
	if err != nil {
		return nil, err
	}
	if len(b)+1 > MaxLine {
		return nil, ErrLineTooLong
	}
	return append(b, '\n'), nil
}

// TelemetryPayload builds the telemetry field set shared by the periodic
// event and the get_status reply.
func TelemetryPayload(st types.SupervisorState, now time.Time, uptime time.Duration) Fields {
	return Fields{
		"battery_pct":    st.BatteryPct,
		"pack_mv":        st.PackMilliV,
		"pack_ma":        st.PackMilliA,
		"mcu_temp_c":     st.MCUTempC,
		"unread_ext":     st.UnreadExt,
		"last_msg_age_s": LastMsgAge(st.LastMeshEvent, now),
		"heltec":         st.Heltec,
		"mcu":            st.MCU,
		"uptime_s":       int64(uptime / time.Second),
		"switch":         st.Switches,
	}
}

// LastMsgAge is the whole-second age of the last mesh event. Zero when no
// event was ever seen or when the stamp sits in the future (clock anomaly).
// time.Time.Sub saturates on overflow, so the result cannot wrap.
func LastMsgAge(last, now time.Time) int64 {
	if last.IsZero() || now.Before(last) {
		return 0
	}
	return int64(now.Sub(last) / time.Second)
}
