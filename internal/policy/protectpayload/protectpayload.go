// Package protectpayload implements the exemplar isolation policy of
// spec.md §4.6: it snapshots and scrubs the payload's register and
// S-CSR state across every switch into the firmware, and denies the
// firmware physical access to payload memory via two policy-owned PMP
// slots, restoring both on the way back.
package protectpayload

import (
	"fmt"

	"github.com/miralis-rv/miralis/internal/arch"
	"github.com/miralis-rv/miralis/internal/module"
	"github.com/miralis-rv/miralis/internal/pmp"
	"github.com/miralis-rv/miralis/internal/virtctx"
)

// SCSR identifies one of the payload's real S-mode CSRs the policy
// snapshots across a switch (spec.md §4.6: "all S-mode CSRs").
type SCSR int

const (
	Sstatus SCSR = iota
	Stvec
	Sscratch
	Sepc
	Scause
	Stval
	Satp
	Sie
)

var allSCSRs = [...]SCSR{Sstatus, Stvec, Sscratch, Sepc, Scause, Stval, Satp, Sie}

// SCsrAccess is the narrow surface the policy needs onto the real,
// hardware-resident S-mode CSR bank; Miralis does not virtualise these
// (only M-mode CSRs go through VirtContext), so the policy talks to them
// directly through whatever per-hart accessor cmd/miralis wires in.
type SCsrAccess interface {
	ReadSCSR(id SCSR) (uint64, error)
	WriteSCSR(id SCSR, v uint64) error
}

// PMPController is the slice of internal/pmp.Shadow the policy needs to
// toggle its two reserved slots between NO_PERMISSIONS and RWX.
type PMPController interface {
	WriteModule(offset int, s pmp.Slot) error
}

// MisalignedEmulator safely emulates a misaligned load/store from the
// payload without ever letting the access, or the state it would reveal,
// reach the firmware (spec.md §4.6: "a safe misaligned-access emulator
// that never transitions the state into the firmware").
type MisalignedEmulator interface {
	EmulateMisaligned(vc *virtctx.VirtContext) error
}

// defaultForwardMask permits only a0/a1 (x10/x11) — the SBI return-value
// registers — to cross from firmware back into the payload's register
// file unscrubbed (spec.md §4.6: "except for registers the firmware is
// permitted to forward ... typically a0-a1").
const defaultForwardMask = uint64(1)<<10 | uint64(1)<<11

type snapshot struct {
	gpr   [32]uint64
	scsr  [len(allSCSRs)]uint64
	valid bool
}

// Policy implements module.Module plus the switch/trap hooks spec.md
// §4.6 describes. Scsr has no hart parameter of its own (it talks
// directly to one hart's real S-CSR bank), so a wiring layer registers
// one Policy per hart — each bound to that hart's own PMP shadow and
// S-CSR bank — rather than sharing a single instance across the fleet.
// The per-hart snapshots map exists anyway so a Policy could still be
// shared for deployments where Scsr is itself hart-aware.
type Policy struct {
	Pmp         PMPController
	Scsr        SCsrAccess
	Misaligned  MisalignedEmulator
	PayloadBase uint64
	ForwardMask uint64

	pmpOffset int
	snapshots map[int]*snapshot
}

// New returns a Policy guarding [payloadBase, topOfMemory) with the
// default a0/a1 forwarding mask.
func New(pmpCtl PMPController, scsr SCsrAccess, payloadBase uint64) *Policy {
	return &Policy{
		Pmp:         pmpCtl,
		Scsr:        scsr,
		PayloadBase: payloadBase,
		ForwardMask: defaultForwardMask,
		snapshots:   make(map[int]*snapshot),
	}
}

func (p *Policy) Name() string { return "protect-payload" }

// NumberPMPs declares the two TOR slots the policy reserves at boot
// (spec.md P4): one boundary anchor, one permission-carrying top slot.
func (p *Policy) NumberPMPs() int { return 2 }

// SetPMPOffset records the disjoint offset module.Builder assigned this
// policy; cmd/miralis calls this once per hart, after the PMP shadow is
// built, with the offset listed for this policy by Builder.Reservations.
func (p *Policy) SetPMPOffset(offset int) { p.pmpOffset = offset }

func (p *Policy) snapshotFor(hartID int) *snapshot {
	s, ok := p.snapshots[hartID]
	if !ok {
		s = &snapshot{}
		p.snapshots[hartID] = s
	}
	return s
}

// SwitchFromPayloadToFirmware snapshots the payload's full register and
// S-CSR state, scrubs everything the firmware isn't permitted to see,
// then denies the firmware physical access to payload memory.
func (p *Policy) SwitchFromPayloadToFirmware(vc *virtctx.VirtContext) {
	snap := p.snapshotFor(vc.HartID)
	snap.gpr = vc.GPR
	for i, id := range allSCSRs {
		v, err := p.Scsr.ReadSCSR(id)
		if err != nil {
			continue
		}
		snap.scsr[i] = v
	}
	snap.valid = true

	// Unconditionally zero every GPR: ForwardMask gates what the *restore*
	// on the way back skips (so the firmware's SBI return value survives),
	// not what gets scrubbed on the way out. Scrubbing here has to clear
	// a0/a1 too, or the firmware would see the payload's pre-call values
	// before it ever writes its own.
	vc.GPR = [32]uint64{}
	for _, id := range allSCSRs {
		_ = p.Scsr.WriteSCSR(id, 0)
	}

	p.writeRange(pmp.NoPermissions)
}

// SwitchFromFirmwareToPayload restores everything scrubbed on the way
// in, except the registers the firmware is permitted to forward, and
// re-opens the payload's memory range.
func (p *Policy) SwitchFromFirmwareToPayload(vc *virtctx.VirtContext) {
	snap := p.snapshotFor(vc.HartID)
	if !snap.valid {
		p.writeRange(pmp.RWX)
		return
	}

	for i := range vc.GPR {
		if p.ForwardMask&(uint64(1)<<uint(i)) != 0 {
			continue
		}
		vc.GPR[i] = snap.gpr[i]
	}
	for i, id := range allSCSRs {
		_ = p.Scsr.WriteSCSR(id, snap.scsr[i])
	}

	p.writeRange(pmp.RWX)
	snap.valid = false
}

// TrapFromPayload emulates misaligned accesses in place (spec.md §4.6
// and the open question it leaves for implementers) so the faulting
// state never needs to cross into the firmware. This happens only when a
// MisalignedEmulator is set and it succeeds; otherwise, and for any other
// synchronous cause, the trap is left for the dispatcher's normal
// forwarding path.
func (p *Policy) TrapFromPayload(vc *virtctx.VirtContext) module.HookResult {
	switch vc.Trap.Cause {
	case arch.CauseLoadMisaligned, arch.CauseStoreMisaligned:
		if p.Misaligned != nil {
			if err := p.Misaligned.EmulateMisaligned(vc); err == nil {
				return module.Overwrite
			}
		}
	}
	return module.Ignore
}

func (p *Policy) writeRange(perm pmp.Cfg) {
	boundary := pmp.Slot{Addr: p.PayloadBase, Cfg: pmp.CfgATOR}
	top := pmp.Slot{Addr: ^uint64(0) >> 1, Cfg: perm}
	if err := p.Pmp.WriteModule(p.pmpOffset, boundary); err != nil {
		panic(fmt.Sprintf("protectpayload: write boundary slot: %v", err))
	}
	if err := p.Pmp.WriteModule(p.pmpOffset+1, top); err != nil {
		panic(fmt.Sprintf("protectpayload: write top slot: %v", err))
	}
}
