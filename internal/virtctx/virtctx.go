// Package virtctx implements VirtContext, the per-hart mirror of the
// architectural M-mode state the firmware believes it owns (spec.md §3).
package virtctx

import "github.com/miralis-rv/miralis/internal/arch"

// Mode is the guest execution mode as observed from inside Miralis: the
// firmware runs in vM-mode (physically U-mode), the payload runs in
// S-mode, and M-mode is never observed by the guest (spec.md §3).
type Mode uint8

const (
	ModeFirmware Mode = iota // vM-mode, physically U-mode
	ModePayload              // S-mode
)

func (m Mode) String() string {
	if m == ModePayload {
		return "payload(S)"
	}
	return "firmware(vM)"
}

// TrapInfo is the trap info block spec.md §3 describes: raw cause, faulting
// instruction bytes, faulting address, and prior privilege.
type TrapInfo struct {
	Cause      uint64
	Tval       uint64
	Insn       uint32
	PriorMode  Mode
	InsnLength uint32
}

// VirtContext is the per-hart mirror of M-mode state. Invariant V1 (spec.md
// §3): the virtual CSR set here is only mutated on trap entry (to reflect a
// delivered trap) or by explicit CSR write emulation — nothing else in this
// package ever writes these fields directly from outside internal/dispatch
// and internal/interrupt, which are the only packages spec.md licenses to
// mutate vCSRs.
type VirtContext struct {
	HartID int

	GPR [32]uint64
	PC  uint64

	Mode Mode

	Vmstatus  uint64
	Vmie      uint32
	Vmip      uint32
	Vmideleg  uint32
	Vmedeleg  uint32
	Vmtvec    uint64
	Vmepc     uint64
	Vmcause   uint64
	Vmtval    uint64
	Vmscratch uint64

	// Vsatp is the pre-image of the payload's S-mode satp, read by the
	// vMPRV helper (internal/vmprv) when the firmware accesses payload
	// memory through the payload's own translation.
	Vsatp uint64

	Trap TrapInfo

	// Flags holds the small per-hart bitset spec.md §3 describes (today
	// just vMPRV); kept as a struct field rather than a raw bitmask since
	// Go has no natural packed-bitfield syntax and the set is tiny.
	Flags Flags
}

// Flags is the small per-hart flag bitset from spec.md §3.
type Flags struct {
	// VMPRV mirrors vmstatus.MPRV without ever being installed into the
	// real machine's mstatus.MPRV (spec.md §4.4); it is tracked here
	// separately so internal/dispatch can detect the 0->1 and 1->0 edges
	// and hand them to internal/vmprv.
	VMPRV bool
}

// New returns a freshly reset VirtContext for the given hart, matching the
// architectural reset state a RISC-V M-mode core boots into: M-mode view
// is hidden, so the guest starts executing firmware code in vM-mode.
func New(hartID int, resetPC uint64) *VirtContext {
	return &VirtContext{
		HartID: hartID,
		PC:     resetPC,
		Mode:   ModeFirmware,
	}
}

// MPP returns the privilege level in vmstatus.MPP.
func (vc *VirtContext) MPP() arch.Privilege {
	return arch.Privilege((vc.Vmstatus & arch.MstatusMPP) >> arch.MstatusMPPShift)
}

// SetMPP writes vmstatus.MPP.
func (vc *VirtContext) SetMPP(p arch.Privilege) {
	vc.Vmstatus = (vc.Vmstatus &^ arch.MstatusMPP) | (uint64(p&3) << arch.MstatusMPPShift)
}

// MIE reports vmstatus.MIE.
func (vc *VirtContext) MIE() bool { return vc.Vmstatus&arch.MstatusMIE != 0 }

// SetMPRVFlag updates the tracked vMPRV flag and returns true if it changed,
// so callers (internal/dispatch) can detect the transition edge.
func (vc *VirtContext) SetMPRVFlag(on bool) (changed bool) {
	changed = vc.Flags.VMPRV != on
	vc.Flags.VMPRV = on
	return changed
}
