// services/supervisor/internal/lineio/lineio.go
package lineio

// Assembler reassembles newline-delimited lines from a byte stream.
// CR bytes are stripped, LF terminates a line, empty lines are skipped.
// When an accumulation would exceed the configured bound, the partial line
// is discarded and input is skipped until the next LF so the stream
// re-synchronises on a line boundary.
type Assembler struct {
	max  int
	buf  []byte
	skip bool
}

// Outcome classifies the result of feeding one byte.
type Outcome uint8

const (
	More     Outcome = iota // nothing to hand over yet
	Line                    // a complete non-empty line is available
	Overflow                // bound exceeded; partial accumulation discarded
)

// DefaultMax matches the platform line-buffer bound, newline included.
const DefaultMax = 512

func New(max int) *Assembler {
	if max <= 0 {
		max = DefaultMax
	}
	return &Assembler{max: max, buf: make([]byte, 0, max)}
}

// Feed consumes one byte. On Line the returned slice holds the line without
// its terminator; it is only valid until the next Feed, so callers must not
// retain it.
func (a *Assembler) Feed(b byte) (Outcome, []byte) {
	switch b {
	case '\r':
		return More, nil
	case '\n':
		if a.skip {
			a.skip = false
			return More, nil
		}
		if len(a.buf) == 0 {
			return More, nil
		}
		line := a.buf
		a.buf = a.buf[:0]
		return Line, line
	default:
		if a.skip {
			return More, nil
		}
		// Reserve one byte for the line terminator within the bound.
		if len(a.buf) >= a.max-1 {
			a.buf = a.buf[:0]
			a.skip = true
			return Overflow, nil
		}
		a.buf = append(a.buf, b)
		return More, nil
	}
}

// Pending reports how many bytes are currently accumulated.
func (a *Assembler) Pending() int { return len(a.buf) }
