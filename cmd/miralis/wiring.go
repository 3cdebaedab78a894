package main

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/charmbracelet/x/ansi"

	"github.com/miralis-rv/miralis/internal/dispatch"
	"github.com/miralis-rv/miralis/internal/hart"
	"github.com/miralis-rv/miralis/internal/interrupt"
	"github.com/miralis-rv/miralis/internal/ipi"
	"github.com/miralis-rv/miralis/internal/module"
	"github.com/miralis-rv/miralis/internal/platform"
	"github.com/miralis-rv/miralis/internal/pmp"
	"github.com/miralis-rv/miralis/internal/policy/counters"
	"github.com/miralis-rv/miralis/internal/policy/offload"
	"github.com/miralis-rv/miralis/internal/policy/protectpayload"
	"github.com/miralis-rv/miralis/internal/trace"
	"github.com/miralis-rv/miralis/internal/virtctx"
	"github.com/miralis-rv/miralis/internal/vmprv"
)

// loggingHardwareWriter stands in for the real PMP register write + fence
// a production build would issue; there is only a software shadow to run
// against here, so it logs the write and never needs a flush.
type loggingHardwareWriter struct {
	log  *slog.Logger
	hart int
}

type noopFlush struct{}

func (noopFlush) Flush() error { return nil }

func (w loggingHardwareWriter) WritePmp(slot int, s pmp.Slot) pmp.Flush {
	w.log.Debug("pmp write", "hart", w.hart, "slot", slot,
		"addr", fmt.Sprintf("0x%x", s.Addr), "cfg", fmt.Sprintf("0x%02x", uint8(s.Cfg)))
	return noopFlush{}
}

// pmpCsrAdapter exposes a hart's *pmp.Shadow through the narrow interface
// internal/dispatch needs to service pmpcfg/pmpaddr CSR traffic.
type pmpCsrAdapter struct {
	shadow *pmp.Shadow
}

func (a pmpCsrAdapter) ReadVirtualPmp(i int) (pmp.Slot, error)  { return a.shadow.ReadVirtual(i) }
func (a pmpCsrAdapter) WriteVirtualPmp(i int, s pmp.Slot) error { return a.shadow.WriteVirtual(i, s) }

// sCsrBank is one hart's real, hardware-resident S-mode CSR bank. Miralis
// never virtualises these (only M-CSRs go through VirtContext), so the
// protect-payload policy reads and writes them directly; this is the
// software stand-in a hosted/simulated build uses in place of the real
// register file.
type sCsrBank struct {
	mu  sync.Mutex
	reg [8]uint64
}

func (b *sCsrBank) ReadSCSR(id protectpayload.SCSR) (uint64, error) {
	if id < 0 || int(id) >= len(b.reg) {
		return 0, fmt.Errorf("miralis: scsr %d out of range", id)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reg[id], nil
}

func (b *sCsrBank) WriteSCSR(id protectpayload.SCSR, v uint64) error {
	if id < 0 || int(id) >= len(b.reg) {
		return fmt.Errorf("miralis: scsr %d out of range", id)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reg[id] = v
	return nil
}

// simTimer is the per-hart timer comparator the offload policy programs
// directly, standing in for a real CLINT/per-hart timer device.
type simTimer struct {
	log *slog.Logger
	mu  sync.Mutex
	at  map[int]uint64
}

func newSimTimer(log *slog.Logger) *simTimer {
	return &simTimer{log: log, at: make(map[int]uint64)}
}

func (t *simTimer) SetTimer(hartID int, value uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.at[hartID] = value
	t.log.Debug("offload: sbi_set_timer serviced on real hardware", "hart", hartID, "value", value)
	return nil
}

// loggingRealInterrupts stands in for the real mie/mideleg CSR writes a
// production build issues on every world switch; there is no hardware
// here either, so it just logs what would have been programmed.
type loggingRealInterrupts struct{ log *slog.Logger }

func (w loggingRealInterrupts) WriteRealMie(hartID int, mie uint32) {
	w.log.Debug("real mie write", "hart", hartID, "mie", fmt.Sprintf("0x%x", mie))
}

func (w loggingRealInterrupts) WriteRealMideleg(hartID int, mideleg uint32) {
	w.log.Debug("real mideleg write", "hart", hartID, "mideleg", fmt.Sprintf("0x%x", mideleg))
}

// noSignals reports no live external/MSI/MEI interrupt lines; a build
// wired to a real platform interrupt controller would sample it instead.
type noSignals struct{}

func (noSignals) Signals(hartID int) interrupt.Signals { return interrupt.Signals{} }

// mprvTrapSlot implements vmprv.PMPSlotController by reusing the shadow's
// fall-through slot: activating the trap denies it (forcing the next
// firmware access to fault so Miralis can single-step it), deactivating
// restores the normal "firmware runs with full access" state invariant P3
// expects. A build with a PMP budget to spare could dedicate a slot to
// this instead of borrowing the fall-through one.
type mprvTrapSlot struct{ shadow *pmp.Shadow }

func (m mprvTrapSlot) ActivateTrap() error   { return m.shadow.SetFallthrough(false) }
func (m mprvTrapSlot) DeactivateTrap() error { return m.shadow.SetFallthrough(true) }

// buildHart constructs one fully-wired Hart: its own VirtContext, PMP
// shadow, S-CSR bank, and module chain, sharing only the fleet-wide IPI
// board, timer, and counters policy with its siblings — matching
// internal/hart's "each hart owns its own state exclusively" contract.
func buildHart(id int, board platform.Board, ipiBoard *ipi.Board, timer *simTimer, cnt *counters.Policy, rec *trace.Recorder, log *slog.Logger) (*hart.Hart, error) {
	builder := module.NewBuilder()

	scsr := &sCsrBank{}
	pp := protectpayload.New(nil, scsr, board.Memory.PayloadAddress)
	if err := builder.Register(pp); err != nil {
		return nil, fmt.Errorf("miralis: register protect-payload on hart %d: %w", id, err)
	}
	off := offload.New(timer)
	if err := builder.Register(off); err != nil {
		return nil, fmt.Errorf("miralis: register offload on hart %d: %w", id, err)
	}
	if err := builder.Register(cnt); err != nil {
		return nil, fmt.Errorf("miralis: register counters on hart %d: %w", id, err)
	}

	layout := board.PMPLayout(builder.TotalPMPBudget())
	shadow, err := pmp.NewShadow(layout, loggingHardwareWriter{log: log, hart: id})
	if err != nil {
		return nil, fmt.Errorf("miralis: pmp shadow for hart %d: %w", id, err)
	}
	pp.Pmp = shadow
	for _, r := range builder.Reservations() {
		if r.Name == pp.Name() {
			pp.SetPMPOffset(r.Offset)
		}
	}

	dispatcher := &dispatch.Dispatcher{
		Csr: pmpCsrAdapter{shadow: shadow},
		DebugPrint: func(hartID int, msg []byte) {
			// The guest controls msg's bytes; strip any embedded escape
			// sequences before it reaches our own terminal/log stream.
			log.Info("debug-print", "hart", hartID, "msg", ansi.Strip(string(msg)))
		},
		Interrupt:      &interrupt.Virtualizer{},
		RealInterrupts: loggingRealInterrupts{log: log},
		Signals:        noSignals{},
		Vmprv:          vmprv.New(mprvTrapSlot{shadow: shadow}),
	}

	return &hart.Hart{
		ID:         id,
		VC:         virtctx.New(id, board.Memory.FirmwareAddress),
		Pmp:        shadow,
		Chain:      builder.Build(),
		Dispatcher: dispatcher,
		IPI:        ipiBoard,
		Log:        log,
		Trace:      rec,
		Guard:      cnt.OverGuard,
	}, nil
}
