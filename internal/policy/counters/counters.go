// Package counters implements the trap/exit accounting policy spec.md
// §4.5 and §7 describe: a per-hart tally of firmware exits (split by
// whether the trap came from the firmware or the payload) and cross-hart
// interrupts, flushed through a sink at shutdown, plus the debug-only
// max_firmware_exits guard ("a configurable guard counter may halt the
// machine after a debug-configured number of traps").
package counters

import (
	"log/slog"
	"sync"

	"github.com/miralis-rv/miralis/internal/virtctx"
)

// Snapshot is one hart's accumulated counts, handed to Sink at shutdown.
type Snapshot struct {
	HartID        int
	FirmwareExits uint64
	EcallsFromFW  uint64
	TrapsFromVM   uint64
	Interrupts    uint64
}

// Sink receives the final per-hart Snapshot set (spec.md: "flush
// counters"). The demo runner's default Sink just logs through slog;
// benchmark tooling outside this core's scope can swap in its own.
type Sink func(snapshots []Snapshot)

type perHart struct {
	firmwareExits uint64
	ecallsFromFW  uint64
	trapsFromVM   uint64
	interrupts    uint64
}

// Policy counts trap-path events per hart and enforces an optional
// max_firmware_exits debug guard. All hooks are void observers — this
// policy never changes dispatch outcomes, matching spec.md's table entry
// for decided_next_exec_mode/on_interrupt/on_shutdown ("void").
type Policy struct {
	Log *slog.Logger
	// MaxFirmwareExits halts the machine once any hart's firmware-exit
	// count reaches this value; zero disables the guard (spec.md: "debug
	// builds only").
	MaxFirmwareExits uint64
	Sink             Sink

	mu   sync.Mutex
	hart map[int]*perHart
}

// New returns a Policy with the guard disabled; set MaxFirmwareExits
// afterward to enable it.
func New(log *slog.Logger) *Policy {
	if log == nil {
		log = slog.Default()
	}
	return &Policy{Log: log, hart: make(map[int]*perHart)}
}

func (p *Policy) Name() string { return "counters" }

func (p *Policy) entry(hartID int) *perHart {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.hart[hartID]
	if !ok {
		h = &perHart{}
		p.hart[hartID] = h
	}
	return h
}

// DecidedNextExecMode counts a firmware exit whenever the dispatcher
// decides execution continues (or resumes) in firmware. A trap taken from
// the firmware, whatever its cause (not only ecall), also increments
// ecallsFromFW; one taken from the payload increments trapsFromVM.
func (p *Policy) DecidedNextExecMode(vc *virtctx.VirtContext, next virtctx.Mode) {
	if next != virtctx.ModeFirmware {
		return
	}
	h := p.entry(vc.HartID)
	p.mu.Lock()
	h.firmwareExits++
	n := h.firmwareExits
	p.mu.Unlock()

	switch vc.Trap.PriorMode {
	case virtctx.ModeFirmware:
		p.mu.Lock()
		h.ecallsFromFW++
		p.mu.Unlock()
	case virtctx.ModePayload:
		p.mu.Lock()
		h.trapsFromVM++
		p.mu.Unlock()
	}

	if p.MaxFirmwareExits > 0 && n >= p.MaxFirmwareExits {
		p.Log.Warn("max_firmware_exits guard tripped", "hart", vc.HartID, "exits", n)
	}
}

// OverGuard reports whether hartID has crossed the configured
// max_firmware_exits threshold; internal/hart polls this after each
// trap to decide whether to halt (the guard itself has no power to halt
// the machine — it is an observer, like every other hook here).
func (p *Policy) OverGuard(hartID int) bool {
	if p.MaxFirmwareExits == 0 {
		return false
	}
	h := p.entry(hartID)
	p.mu.Lock()
	defer p.mu.Unlock()
	return h.firmwareExits >= p.MaxFirmwareExits
}

// OnInterrupt counts a delivered cross-hart IPI.
func (p *Policy) OnInterrupt(hartID int) {
	h := p.entry(hartID)
	p.mu.Lock()
	h.interrupts++
	p.mu.Unlock()
}

// OnShutdown flushes every hart's tallies to Sink (or logs them if no
// Sink was wired).
func (p *Policy) OnShutdown() {
	p.mu.Lock()
	snaps := make([]Snapshot, 0, len(p.hart))
	for id, h := range p.hart {
		snaps = append(snaps, Snapshot{
			HartID:        id,
			FirmwareExits: h.firmwareExits,
			EcallsFromFW:  h.ecallsFromFW,
			TrapsFromVM:   h.trapsFromVM,
			Interrupts:    h.interrupts,
		})
	}
	p.mu.Unlock()

	if p.Sink != nil {
		p.Sink(snaps)
		return
	}
	for _, s := range snaps {
		p.Log.Info("hart counters", "hart", s.HartID, "firmware_exits", s.FirmwareExits,
			"ecalls", s.EcallsFromFW, "traps", s.TrapsFromVM, "interrupts", s.Interrupts)
	}
}
