// Package dispatch implements the trap dispatcher and privileged
// instruction emulator (spec.md §4.1): the only place that reads the real
// mcause/mepc/mtval and the place that classifies every trap into
// emulation, forwarding, or a world switch.
package dispatch

import (
	"errors"
	"fmt"

	"github.com/miralis-rv/miralis/internal/arch"
	"github.com/miralis-rv/miralis/internal/interrupt"
	"github.com/miralis-rv/miralis/internal/module"
	"github.com/miralis-rv/miralis/internal/pmp"
	"github.com/miralis-rv/miralis/internal/virtctx"
	"github.com/miralis-rv/miralis/internal/vmprv"
)

// RawTrap is the real trap state Miralis reads at M-mode trap entry:
// mcause, mepc, mtval, and the privilege mode the trap was taken from.
// Nothing downstream of Dispatcher.HandleTrap ever reads these fields
// again — they are folded into the guest's vCSRs on the very first step.
type RawTrap struct {
	Mcause    uint64
	Mepc      uint64
	Mtval     uint64
	FromMode  virtctx.Mode
	Interrupt bool
}

// CsrAccess is the narrow surface Dispatcher needs to read or write a
// given CSR when it isn't one of the vCSRs stored directly on VirtContext
// (pmpcfg/pmpaddr are the only such case today, per spec.md §4.2: writes
// to vPMP[i] land in the per-hart shadow and, from there, onto hardware).
type CsrAccess interface {
	ReadVirtualPmp(i int) (pmp.Slot, error)
	WriteVirtualPmp(i int, s pmp.Slot) error
}

// FetchInsn reads the raw 32-bit firmware instruction word at the given
// guest PC, used when the faulting bytes aren't already in mtval (spec.md
// §4.1: "decode the 32/16-bit instruction bytes (from mtval or by safely
// fetching at mepc)").
type FetchInsn func(pc uint64) (uint32, error)

// Ecall extension/function IDs for Miralis' built-in ABI (spec.md §6).
const (
	BuiltinEID        = 0x0a000000 // vendor-specific extension space
	FuncShutdown       = 0x1A
	FuncBenchmarkStart = 0x01
	FuncBenchmarkStop  = 0x02
	FuncDebugPrint     = 0x03
)

// ErrShutdownRequested is returned from HandleTrap when the firmware
// issued the built-in shutdown ecall (spec.md §8 scenario 1).
var ErrShutdownRequested = errors.New("dispatch: guest requested shutdown")

// ErrMiralisTrap is the fatal-path sentinel for spec.md §7's "Miralis
// invariant violation": a trap taken from M-mode itself. Dispatcher never
// returns this from HandleTrap normally (HandleTrap is only ever called
// for traps from U/S mode); it exists so callers of the real trap-entry
// path can panic uniformly when they observe a same-mode trap.
var ErrMiralisTrap = errors.New("dispatch: trap taken from Miralis itself")

// DebugPrintFunc receives bytes from the built-in debug-print ecall.
type DebugPrintFunc func(hartID int, msg []byte)

// RealInterruptWriter programs the real mie/mideleg registers for the
// world a world switch just landed in, per spec.md §4.3's per-world
// contract table. A hosted/simulated build backs this with whatever
// stands in for hardware CSR writes.
type RealInterruptWriter interface {
	WriteRealMie(hartID int, mie uint32)
	WriteRealMideleg(hartID int, mideleg uint32)
}

// InterruptSignals supplies the live hardware-sampled SEIP/MSI/MEI bits
// spec.md §4.3 says a vmip read must fold in but must never be made
// software-settable. A backend with no live platform interrupt
// controller to sample can leave this nil; ReadVmip then observes only
// the software-writable half.
type InterruptSignals interface {
	Signals(hartID int) interrupt.Signals
}

// Dispatcher owns the logic shared by every hart; the mutable state it
// operates on (VirtContext, PMP shadow) is passed in per call, since each
// hart owns its own exclusively (spec.md §5: "no lock is needed").
type Dispatcher struct {
	Csr        CsrAccess
	Fetch      FetchInsn
	DebugPrint DebugPrintFunc

	// Interrupt, when set, backs vmip reads/writes and the real mie/mideleg
	// values installed on every world switch (internal/interrupt). Nil
	// falls back to the raw vc.Vmip/Vmie/Vmideleg fields with no SEIP
	// OR-rule and no hardware programming, which is enough for tests that
	// don't exercise interrupt virtualisation.
	Interrupt      *interrupt.Virtualizer
	RealInterrupts RealInterruptWriter
	Signals        InterruptSignals

	// Vmprv, when set, drives the full four-step vMPRV protocol of spec.md
	// §4.4: steps 1/4 (activate/deactivate the trapping slot) on every
	// mstatus.MPRV edge, and steps 2/3 (EmulateAccess) on the resulting
	// load/store access fault, decoded via arch.DecodeLoadStore and
	// performed against Mem. Nil disables vMPRV handling entirely; traps
	// that would otherwise route through it fall back to forwarding.
	Vmprv *vmprv.Helper
	Mem   vmprv.PhysMemory
}

// HandleTrap implements the algorithm in spec.md §4.1. raw is the real
// trap state at the moment of M-mode entry; chain is this hart's ordered
// module chain. Once the next execution mode is decided it runs the
// decided_next_exec_mode hooks and, when the mode differs from the one the
// trap was taken in, the matching switch_from_* hooks (step 5), then stores
// the mode in vc.Mode and returns it. It returns an error for the handful of
// fatal or guest-shutdown conditions.
func (d *Dispatcher) HandleTrap(vc *virtctx.VirtContext, raw RawTrap, chain *module.Chain) (virtctx.Mode, error) {
	if raw.FromMode != virtctx.ModeFirmware && raw.FromMode != virtctx.ModePayload {
		panic(fmt.Sprintf("dispatch: %v", ErrMiralisTrap))
	}

	vc.Trap = virtctx.TrapInfo{Cause: raw.Mcause, Tval: raw.Mtval, PriorMode: raw.FromMode}
	prior := vc.Mode

	var next virtctx.Mode
	var err error

	switch {
	case raw.FromMode == virtctx.ModeFirmware && !raw.Interrupt && vc.Flags.VMPRV && isVmprvTrappableFault(raw.Mcause):
		next, err = d.handleVmprvTrap(vc, raw)
	case raw.FromMode == virtctx.ModeFirmware && !raw.Interrupt && raw.Mcause == arch.CauseIllegalInstruction:
		next, err = d.handleFirmwareIllegalInstruction(vc, raw, chain)
	case raw.FromMode == virtctx.ModeFirmware && !raw.Interrupt && raw.Mcause == arch.CauseECallFromU:
		next, err = d.handleFirmwareEcall(vc, chain)
	case raw.FromMode == virtctx.ModePayload && raw.Interrupt:
		next, err = d.synthesizeTrapIntoFirmware(vc, raw)
	case raw.FromMode == virtctx.ModePayload && !raw.Interrupt:
		next, err = d.handlePayloadSyncException(vc, raw, chain)
	default:
		// Any other firmware-sourced event (e.g. interrupt while firmware
		// runs) is synthesised the same way payload interrupts are.
		next, err = d.synthesizeTrapIntoFirmware(vc, raw)
	}
	if err != nil {
		return vc.Mode, err
	}

	chain.DecidedNextExecMode(vc, next)
	if next != prior {
		if next == virtctx.ModeFirmware {
			chain.SwitchFromPayloadToFirmware(vc)
		} else {
			chain.SwitchFromFirmwareToPayload(vc)
		}
	}
	vc.Mode = next
	d.installRealInterruptState(vc)
	return next, nil
}

// installRealInterruptState programs the real mie/mideleg registers for
// whatever world vc.Mode now names, per spec.md §4.3's per-world table.
// Called on every HandleTrap exit, not just on a world switch, since a
// CSR write to vmie/vmideleg/vmstatus.MIE while staying in the same world
// still needs the change installed onto real hardware.
func (d *Dispatcher) installRealInterruptState(vc *virtctx.VirtContext) {
	if d.Interrupt == nil || d.RealInterrupts == nil {
		return
	}
	d.Interrupt.Vmie = vc.Vmie
	d.Interrupt.Vmideleg = vc.Vmideleg
	d.Interrupt.MIE = vc.MIE()

	world := interrupt.WorldFirmware
	if vc.Mode == virtctx.ModePayload {
		world = interrupt.WorldPayload
	}
	d.RealInterrupts.WriteRealMie(vc.HartID, d.Interrupt.RealMie(world))
	d.RealInterrupts.WriteRealMideleg(vc.HartID, d.Interrupt.RealMideleg(world))
}

// handleFirmwareIllegalInstruction implements step 1 of spec.md §4.1.
func (d *Dispatcher) handleFirmwareIllegalInstruction(vc *virtctx.VirtContext, raw RawTrap, chain *module.Chain) (virtctx.Mode, error) {
	if result, _ := chain.TrapFromFirmware(vc); result == module.Overwrite {
		// A module claimed this instruction for its own emulation (spec.md
		// §4.5's "emulate instructions" hook) and is responsible for
		// whatever PC/mode change that emulation implies.
		return vc.Mode, nil
	}

	insn := uint32(raw.Mtval)
	if insn == 0 && d.Fetch != nil {
		fetched, err := d.Fetch(raw.Mepc)
		if err != nil {
			return vc.Mode, fmt.Errorf("dispatch: fetch faulting instruction: %w", err)
		}
		insn = fetched
	}

	decoded, err := arch.DecodePrivileged(insn)
	if err != nil {
		// Emulation-refused (spec.md §7): deliver a virtual illegal
		// instruction into the firmware rather than propagating the decode
		// error.
		d.deliverVirtualTrap(vc, arch.CauseIllegalInstruction, uint64(insn), raw.Mepc)
		return virtctx.ModeFirmware, nil
	}

	if err := d.emulate(vc, raw.Mepc, decoded); err != nil {
		var refusal emulationRefused
		if errors.As(err, &refusal) {
			d.deliverVirtualTrap(vc, arch.CauseIllegalInstruction, uint64(insn), raw.Mepc)
			return virtctx.ModeFirmware, nil
		}
		return vc.Mode, err
	}
	// emulate may itself have changed vc.Mode (mret can switch to the
	// payload); everything else it handles keeps the firmware running.
	return vc.Mode, nil
}

// handleFirmwareEcall implements step 2 of spec.md §4.1.
func (d *Dispatcher) handleFirmwareEcall(vc *virtctx.VirtContext, chain *module.Chain) (virtctx.Mode, error) {
	if result, _ := chain.EcallFromFirmware(vc); result == module.Overwrite {
		vc.PC += 4
		return virtctx.ModeFirmware, nil
	}

	eid := vc.GPR[17]
	fid := vc.GPR[16]
	switch {
	case eid == BuiltinEID && fid == FuncShutdown:
		return vc.Mode, ErrShutdownRequested
	case eid == BuiltinEID && fid == FuncDebugPrint:
		if d.DebugPrint != nil {
			d.DebugPrint(vc.HartID, encodeDebugMessage(vc.GPR[10]))
		}
	case eid == BuiltinEID && (fid == FuncBenchmarkStart || fid == FuncBenchmarkStop):
		// Benchmark markers are observation-only from the dispatcher's
		// point of view; policies/tooling outside the core consume them.
	}
	vc.PC += 4
	return virtctx.ModeFirmware, nil
}

func encodeDebugMessage(ptr uint64) []byte {
	// The real ABI would read a NUL-terminated string out of guest memory
	// at ptr; the dispatcher here only has the pointer value, so it hands
	// it to the caller-supplied sink as-is. Kept deliberately minimal: the
	// memory read belongs to whatever PhysMemory the caller wires in.
	return fmt.Appendf(nil, "debug-print ptr=0x%x", ptr)
}

// synthesizeTrapIntoFirmware implements step 3 (and the interrupt-while-
// firmware case folded in by the dispatch switch above).
func (d *Dispatcher) synthesizeTrapIntoFirmware(vc *virtctx.VirtContext, raw RawTrap) (virtctx.Mode, error) {
	d.deliverVirtualTrap(vc, raw.Mcause, raw.Mtval, raw.Mepc)
	return virtctx.ModeFirmware, nil
}

// isVmprvTrappableFault reports whether cause is the access-fault Miralis'
// own trapping PMP slot produces when the firmware, with vMPRV active,
// issues a load or store (spec.md §4.4 step 2). Page faults never reach
// here: the trapping slot denies physical access outright rather than
// relying on the payload's page tables to fault.
func isVmprvTrappableFault(cause uint64) bool {
	return cause == arch.CauseLoadFault || cause == arch.CauseStoreFault
}

// handleVmprvTrap implements steps 2 and 3 of spec.md §4.4: decode the
// faulting firmware instruction, translate and perform the single access
// under the payload's own satp, and write any loaded value back into the
// firmware's register file. If anything needed to do this isn't wired, or
// the faulting instruction isn't a plain load/store, the trap is forwarded
// to the firmware unemulated rather than silently dropped.
func (d *Dispatcher) handleVmprvTrap(vc *virtctx.VirtContext, raw RawTrap) (virtctx.Mode, error) {
	if d.Vmprv == nil || d.Mem == nil || d.Fetch == nil {
		return d.synthesizeTrapIntoFirmware(vc, raw)
	}

	insn, err := d.Fetch(raw.Mepc)
	if err != nil {
		return vc.Mode, fmt.Errorf("dispatch: fetch vmprv-trapped instruction: %w", err)
	}
	ls, err := arch.DecodeLoadStore(insn)
	if err != nil {
		return d.synthesizeTrapIntoFirmware(vc, raw)
	}

	kind := vmprv.AccessRead
	data := make([]byte, ls.Width)
	if ls.Kind == arch.LSStore {
		kind = vmprv.AccessWrite
		putLittleEndian(data, vc.GPR[ls.Rs2])
	}

	if err := d.Vmprv.EmulateAccess(vc.Vsatp, raw.Mepc, raw.Mtval, kind, data, d.Mem); err != nil {
		var faultErr vmprv.ErrFaultAtOriginalPC
		if errors.As(err, &faultErr) {
			cause := uint64(arch.CauseLoadFault)
			if faultErr.IsWrite {
				cause = arch.CauseStoreFault
			}
			// Step 3: the firmware observes a single load/store fault at
			// the original faulting instruction, never a nested trap.
			d.deliverVirtualTrap(vc, cause, raw.Mtval, faultErr.OrigPC)
			return virtctx.ModeFirmware, nil
		}
		return vc.Mode, fmt.Errorf("dispatch: vmprv emulate access: %w", err)
	}

	if ls.Kind == arch.LSLoad && ls.Rd != 0 {
		vc.GPR[ls.Rd] = littleEndianToGPR(data, ls.Signed)
	}
	vc.PC += uint64(ls.Length)
	return vc.Mode, nil
}

func putLittleEndian(buf []byte, v uint64) {
	for i := range buf {
		buf[i] = byte(v >> (8 * uint(i)))
	}
}

func littleEndianToGPR(buf []byte, signed bool) uint64 {
	var v uint64
	for i := len(buf) - 1; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	if signed && len(buf) < 8 {
		shift := uint(64 - 8*len(buf))
		return uint64(int64(v<<shift) >> shift)
	}
	return v
}

// handlePayloadSyncException implements step 4 of spec.md §4.1.
func (d *Dispatcher) handlePayloadSyncException(vc *virtctx.VirtContext, raw RawTrap, chain *module.Chain) (virtctx.Mode, error) {
	if raw.Mcause == arch.CauseECallFromS {
		if result, _ := chain.EcallFromPayload(vc); result == module.Overwrite {
			// A module fully serviced this SBI call (spec.md §4.5's
			// "implement SBI extensions" hook); advance past the ecall the
			// same way the built-in firmware ecall path does.
			vc.PC += 4
			return virtctx.ModePayload, nil
		}
	}

	if result, _ := chain.TrapFromPayload(vc); result == module.Overwrite {
		return virtctx.ModePayload, nil
	}

	if vc.Vmedeleg&(1<<raw.Mcause) != 0 {
		// The firmware delegated this cause to S-mode; redeliver via the
		// payload's own trap vector without leaving S-mode.
		return virtctx.ModePayload, nil
	}

	d.deliverVirtualTrap(vc, raw.Mcause, raw.Mtval, raw.Mepc)
	return virtctx.ModeFirmware, nil
}

// deliverVirtualTrap synthesises a trap observable by the firmware: sets
// vmcause/vmepc/vmtval, updates vmstatus.MPP/MPIE, and redirects pc to
// vmtvec (spec.md §4.1 step 3). This is the only place vCSRs change to
// reflect a delivered trap, per VirtContext's invariant V1.
func (d *Dispatcher) deliverVirtualTrap(vc *virtctx.VirtContext, cause, tval, faultingPC uint64) {
	priorMPIE := vc.Vmstatus&arch.MstatusMIE != 0
	vc.Vmcause = cause
	vc.Vmepc = faultingPC
	vc.Vmtval = tval

	if priorMPIE {
		vc.Vmstatus |= arch.MstatusMPIE
	} else {
		vc.Vmstatus &^= arch.MstatusMPIE
	}
	vc.Vmstatus &^= arch.MstatusMIE
	vc.SetMPP(modeToPrivilege(vc.Mode))

	vc.PC = vc.Vmtvec
}

func modeToPrivilege(m virtctx.Mode) arch.Privilege {
	if m == virtctx.ModePayload {
		return arch.PrivilegeS
	}
	return arch.PrivilegeU
}

// emulationRefused marks a decoded instruction Miralis will not emulate —
// an unsupported CSR, or a privileged op that makes no sense coming from
// vM-mode (spec.md §4.1's tie-break: "raises a virtual illegal-instruction
// into the firmware" rather than propagating an internal error).
type emulationRefused struct{ reason string }

func (e emulationRefused) Error() string { return "dispatch: refused to emulate: " + e.reason }

// emulate carries out the privileged operation decoded from the
// firmware's faulting instruction (spec.md §4.2, §4.4). mret is the only
// op that can change vc.Mode; every other op leaves the firmware running.
func (d *Dispatcher) emulate(vc *virtctx.VirtContext, pc uint64, ins arch.Instruction) error {
	switch ins.Op {
	case arch.OpMret:
		d.emulateMret(vc)
		return nil
	case arch.OpWfi, arch.OpFenceI, arch.OpSfenceVma:
		// Miralis never needs to act on these beyond retiring them: wfi is
		// a hint the real hart already observed by trapping here, and
		// fence.i/sfence.vma act on real hardware state no vCSR models.
		vc.PC += uint64(ins.Length)
		return nil
	case arch.OpCsrrw, arch.OpCsrrs, arch.OpCsrrc, arch.OpCsrrwi, arch.OpCsrrsi, arch.OpCsrrci:
		return d.emulateCsr(vc, ins)
	default:
		return emulationRefused{reason: fmt.Sprintf("op %v not valid from vM-mode", ins.Op)}
	}
}

// emulateMret implements the mret emulation of spec.md §4.4, grounded on
// ccvm/vm.go's handleMret: MIE <- MPIE, MPIE <- 1, MPP <- U, pc <- mepc,
// and the guest's next mode is whatever MPP named.
func (d *Dispatcher) emulateMret(vc *virtctx.VirtContext) {
	mpp := vc.MPP()
	if vc.Vmstatus&arch.MstatusMPIE != 0 {
		vc.Vmstatus |= arch.MstatusMIE
	} else {
		vc.Vmstatus &^= arch.MstatusMIE
	}
	vc.Vmstatus |= arch.MstatusMPIE
	vc.SetMPP(arch.PrivilegeU)

	if mpp == arch.PrivilegeS {
		vc.Mode = virtctx.ModePayload
	} else {
		vc.Mode = virtctx.ModeFirmware
	}
	vc.PC = vc.Vmepc
}

// emulateCsr implements the generic CSRR{W,S,C}[I] read-modify-write
// sequence (spec.md §4.2): read the old value into rd, then conditionally
// write back, honouring the x0/zimm-0 "no side effect" special case.
func (d *Dispatcher) emulateCsr(vc *virtctx.VirtContext, ins arch.Instruction) error {
	old, err := d.readCsr(vc, ins.Csr)
	if err != nil {
		return err
	}
	if ins.Rd != 0 {
		vc.GPR[ins.Rd] = old
	}

	var srcVal uint64
	switch ins.Op {
	case arch.OpCsrrwi, arch.OpCsrrsi, arch.OpCsrrci:
		srcVal = ins.Uimm
	default:
		srcVal = vc.GPR[ins.Rs1]
	}

	var newVal uint64
	write := true
	switch ins.Op {
	case arch.OpCsrrw, arch.OpCsrrwi:
		newVal = srcVal
	case arch.OpCsrrs, arch.OpCsrrsi:
		newVal = old | srcVal
		write = ins.Rs1 != 0
	case arch.OpCsrrc, arch.OpCsrrci:
		newVal = old &^ srcVal
		write = ins.Rs1 != 0
	}

	if write {
		if err := d.writeCsr(vc, ins.Csr, newVal); err != nil {
			return err
		}
	}
	vc.PC += uint64(ins.Length)
	return nil
}

func (d *Dispatcher) readCsr(vc *virtctx.VirtContext, csr arch.CSR) (uint64, error) {
	switch csr {
	case arch.CsrMstatus:
		return vc.Vmstatus, nil
	case arch.CsrMisa:
		return 0, nil
	case arch.CsrMedeleg:
		return uint64(vc.Vmedeleg), nil
	case arch.CsrMideleg:
		return uint64(vc.Vmideleg), nil
	case arch.CsrMie:
		return uint64(vc.Vmie), nil
	case arch.CsrMtvec:
		return vc.Vmtvec, nil
	case arch.CsrMscratch:
		return vc.Vmscratch, nil
	case arch.CsrMepc:
		return vc.Vmepc, nil
	case arch.CsrMcause:
		return vc.Vmcause, nil
	case arch.CsrMtval:
		return vc.Vmtval, nil
	case arch.CsrMip:
		if d.Interrupt != nil {
			var sig interrupt.Signals
			if d.Signals != nil {
				sig = d.Signals.Signals(vc.HartID)
			}
			return uint64(d.Interrupt.ReadVmip(vc.Vmip, sig)), nil
		}
		return uint64(vc.Vmip), nil
	case arch.CsrMhartid:
		return uint64(vc.HartID), nil
	}
	if n, ok := arch.IsPmpCfg(csr); ok {
		slot, err := d.readVirtualPmp(n)
		if err != nil {
			return 0, err
		}
		return uint64(slot.Cfg), nil
	}
	if n, ok := arch.IsPmpAddr(csr); ok {
		slot, err := d.readVirtualPmp(n)
		if err != nil {
			return 0, err
		}
		return slot.Addr, nil
	}
	return 0, emulationRefused{reason: fmt.Sprintf("csr 0x%x not implemented", uint16(csr))}
}

func (d *Dispatcher) writeCsr(vc *virtctx.VirtContext, csr arch.CSR, val uint64) error {
	switch csr {
	case arch.CsrMstatus:
		vc.Vmstatus = arch.CanonicalizeMstatus(vc.Vmstatus, val)
		if d.Vmprv != nil {
			if changed := vc.SetMPRVFlag(vc.Vmstatus&arch.MstatusMPRV != 0); changed {
				if err := d.Vmprv.OnTransition(vc.Flags.VMPRV); err != nil {
					return fmt.Errorf("dispatch: vmprv transition: %w", err)
				}
			}
		}
		return nil
	case arch.CsrMisa, arch.CsrMhartid:
		// Read-only in this implementation; a write is a genuine guest
		// mistake (spec.md §4.2 tie-break).
		return emulationRefused{reason: "csr is read-only"}
	case arch.CsrMedeleg:
		vc.Vmedeleg = uint32(val)
		return nil
	case arch.CsrMideleg:
		vc.Vmideleg = uint32(val)
		return nil
	case arch.CsrMie:
		vc.Vmie = uint32(val)
		return nil
	case arch.CsrMtvec:
		vc.Vmtvec = val
		return nil
	case arch.CsrMscratch:
		vc.Vmscratch = val
		return nil
	case arch.CsrMepc:
		vc.Vmepc = val
		return nil
	case arch.CsrMcause:
		vc.Vmcause = val
		return nil
	case arch.CsrMtval:
		vc.Vmtval = val
		return nil
	case arch.CsrMip:
		if d.Interrupt != nil {
			d.Interrupt.WriteVmip(&vc.Vmip, uint32(val))
			return nil
		}
		// Only the software-settable bit is writable through mip on real
		// hardware; SEIP/STIP/MEIP are live-sampled (spec.md §4.3, I-SEIP).
		const writableMask = uint32(1) << arch.IrqSSI
		vc.Vmip = (vc.Vmip &^ writableMask) | (uint32(val) & writableMask)
		return nil
	}
	if n, ok := arch.IsPmpCfg(csr); ok {
		slot, err := d.readVirtualPmp(n)
		if err != nil {
			return err
		}
		slot.Cfg = pmp.Cfg(val)
		return d.writeVirtualPmp(n, slot)
	}
	if n, ok := arch.IsPmpAddr(csr); ok {
		slot, err := d.readVirtualPmp(n)
		if err != nil {
			return err
		}
		slot.Addr = val
		return d.writeVirtualPmp(n, slot)
	}
	return emulationRefused{reason: fmt.Sprintf("csr 0x%x not implemented", uint16(csr))}
}

func (d *Dispatcher) readVirtualPmp(i int) (pmp.Slot, error) {
	if d.Csr == nil {
		return pmp.Slot{}, emulationRefused{reason: "no pmp csr backend wired"}
	}
	return d.Csr.ReadVirtualPmp(i)
}

func (d *Dispatcher) writeVirtualPmp(i int, s pmp.Slot) error {
	if d.Csr == nil {
		return emulationRefused{reason: "no pmp csr backend wired"}
	}
	return d.Csr.WriteVirtualPmp(i, s)
}
