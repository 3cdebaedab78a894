// Package trace records trap-path events for debugging (the
// max_firmware_exits guard of spec.md §7 is counted separately, in
// internal/policy/counters): a bounded, thread-safe ring of
// recent traps, each also emitted through log/slog, plus a simple binary
// dump format in the spirit of the teacher's structured event logger
// (timestamp + fixed fields, written at an atomically-claimed offset)
// but scoped to the one record shape trap events actually need.
package trace

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/miralis-rv/miralis/internal/virtctx"
)

// Event is one recorded trap: enough to reconstruct what the dispatcher
// saw without re-deriving it from VirtContext (which has since moved on).
type Event struct {
	HartID    int
	Cause     uint64
	FromMode  virtctx.Mode
	PC        uint64
	Timestamp time.Time
}

const recordSize = 4 + 8 + 1 + 8 + 8 // hartID, cause, fromMode, pc, unixNano

func encodeEvent(e Event) [recordSize]byte {
	var buf [recordSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(e.HartID))
	binary.LittleEndian.PutUint64(buf[4:12], e.Cause)
	buf[12] = byte(e.FromMode)
	binary.LittleEndian.PutUint64(buf[13:21], e.PC)
	binary.LittleEndian.PutUint64(buf[21:29], uint64(e.Timestamp.UnixNano()))
	return buf
}

func decodeEvent(buf [recordSize]byte) Event {
	return Event{
		HartID:    int(binary.LittleEndian.Uint32(buf[0:4])),
		Cause:     binary.LittleEndian.Uint64(buf[4:12]),
		FromMode:  virtctx.Mode(buf[12]),
		PC:        binary.LittleEndian.Uint64(buf[13:21]),
		Timestamp: time.Unix(0, int64(binary.LittleEndian.Uint64(buf[21:29]))),
	}
}

// Recorder is a bounded, thread-safe ring of the most recent trap
// events, mirrored out to a slog.Logger as they arrive.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	max    int
	log    *slog.Logger
}

// NewRecorder returns a Recorder that keeps at most max events (0 means
// unbounded) and logs each one through log, defaulting to slog.Default
// the way every other ambient component in this module does.
func NewRecorder(max int, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{max: max, log: log}
}

// Record appends ev, evicting the oldest event if the ring is full, and
// emits it at debug level.
func (r *Recorder) Record(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	if r.max > 0 && len(r.events) > r.max {
		r.events = r.events[len(r.events)-r.max:]
	}
	r.mu.Unlock()

	r.log.Debug("trap", "hart", ev.HartID, "cause", ev.Cause, "from", ev.FromMode, "pc", fmt.Sprintf("0x%x", ev.PC))
}

// Events returns a snapshot copy of the currently recorded events, oldest
// first.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Dump writes every recorded event to w in the fixed-size binary record
// format, for offline inspection by tooling outside this core's scope.
func (r *Recorder) Dump(w io.Writer) error {
	for _, ev := range r.Events() {
		buf := encodeEvent(ev)
		if _, err := w.Write(buf[:]); err != nil {
			return fmt.Errorf("trace: write event: %w", err)
		}
	}
	return nil
}

// Load reads back a stream previously written by Dump.
func Load(r io.Reader) ([]Event, error) {
	var events []Event
	for {
		var buf [recordSize]byte
		_, err := io.ReadFull(r, buf[:])
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("trace: read event: %w", err)
		}
		events = append(events, decodeEvent(buf))
	}
	return events, nil
}
