// Package vmprv implements the virtual memory access helper triggered by
// vMPRV (spec.md §4.4): it never mirrors vmstatus.MPRV into the real
// machine, and instead emulates exactly one load or store under the
// firmware's S-mode translation when the firmware's MPRV-enabled access
// traps.
package vmprv

import "fmt"

// AccessKind mirrors ccvm's AccessMode enum (ACCESS_READ/WRITE/CODE); vMPRV
// only ever emulates data accesses.
type AccessKind int

const (
	AccessRead AccessKind = iota
	AccessWrite
)

// PhysMemory is the minimal physical-memory surface the single-step
// translation walk needs: reading page table entries and the final datum.
type PhysMemory interface {
	ReadPhys(addr uint64, data []byte) error
	WritePhys(addr uint64, data []byte) error
}

// PMPSlotController activates/deactivates the Miralis-owned trapping slot
// spec.md §4.4 step 1/4 describes. Implemented in cmd/miralis by
// mprvTrapSlot, which drives an internal/pmp.Shadow's fall-through slot;
// a small interface here keeps this package decoupled from the
// PMP layout details it doesn't need.
type PMPSlotController interface {
	ActivateTrap() error
	DeactivateTrap() error
}

// ErrFaultAtOriginalPC is returned when the single emulated access itself
// faults. Per spec.md §4.4 step 3, the firmware must observe this as a
// single load/store fault at the *original* faulting instruction, not as a
// nested trap — callers synthesize the virtual trap using OrigPC, not
// whatever PC the internal single-step reached.
type ErrFaultAtOriginalPC struct {
	OrigPC  uint64
	Inner   error
	IsWrite bool
}

func (e ErrFaultAtOriginalPC) Error() string {
	return fmt.Sprintf("vmprv: access at original pc 0x%x faulted: %v", e.OrigPC, e.Inner)
}

func (e ErrFaultAtOriginalPC) Unwrap() error { return e.Inner }

// sv39 page table walk constants, same shape as ccvm's translatePhysicalAddress.
const (
	pgShift  = 12
	pteVMask = 1 << 0
	pteUMask = 1 << 4
)

// translate walks a single-level-aware Sv39 page table (satp in "bare" mode
// returns vaddr unchanged, matching ccvm's mode==0 short-circuit). It
// intentionally does not update accessed/dirty bits: spec.md's vMPRV
// helper performs exactly one access, not general MMU emulation, so there
// is no ongoing TLB state to maintain.
func translate(satp uint64, vaddr uint64, write bool, mem PhysMemory) (uint64, error) {
	mode := (satp >> 60) & 0xf
	if mode == 0 {
		return vaddr, nil
	}
	if mode != 8 { // Sv39 only; Sv48/Sv57 are out of this helper's scope.
		return 0, fmt.Errorf("vmprv: unsupported satp mode %d", mode)
	}

	const levels = 3
	pteAddr := (satp & ((uint64(1) << 44) - 1)) << pgShift
	for i := 0; i < levels; i++ {
		shift := uint(pgShift + 9*(levels-1-i))
		idx := (vaddr >> shift) & 0x1ff
		pteAddr += idx << 3

		var buf [8]byte
		if err := mem.ReadPhys(pteAddr, buf[:]); err != nil {
			return 0, fmt.Errorf("vmprv: read pte: %w", err)
		}
		pte := le64(buf[:])
		if pte&pteVMask == 0 {
			return 0, fmt.Errorf("vmprv: invalid pte at level %d", i)
		}
		xwr := (pte >> 1) & 7
		if xwr != 0 {
			if write && xwr&2 == 0 {
				return 0, fmt.Errorf("vmprv: pte not writable")
			}
			paddr := (pte >> 10) << pgShift
			return paddr | (vaddr & (1<<shift - 1)), nil
		}
		pteAddr = (pte >> 10) << pgShift
	}
	return 0, fmt.Errorf("vmprv: page walk exhausted levels without a leaf pte")
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// Helper drives the four-step vMPRV protocol from spec.md §4.4.
type Helper struct {
	pmp PMPSlotController
}

// New returns a Helper bound to the per-hart PMP trap-slot controller.
func New(pmp PMPSlotController) *Helper {
	return &Helper{pmp: pmp}
}

// OnTransition implements steps 1 and 4: activate the trapping slot on the
// vMPRV 0->1 edge, deactivate it on the 1->0 edge. Callers only invoke this
// when virtctx.VirtContext.SetMPRVFlag reports a real edge.
func (h *Helper) OnTransition(enteringMPRV bool) error {
	if enteringMPRV {
		return h.pmp.ActivateTrap()
	}
	return h.pmp.DeactivateTrap()
}

// EmulateAccess implements steps 2 and 3: on the access-fault trap caused
// by the activated slot, translate the single faulting access through the
// payload's satp and perform it. The page walk and the access are done in
// software against mem; no real satp, mstatus.MPRV or PMP state is changed,
// so there is nothing to restore, and the trapping slot stays active until
// OnTransition(false). origPC is the address of the faulting load/store instruction
// and is what any resulting fault must be reported against.
func (h *Helper) EmulateAccess(vsatp uint64, origPC, vaddr uint64, kind AccessKind, data []byte, mem PhysMemory) error {
	paddr, err := translate(vsatp, vaddr, kind == AccessWrite, mem)
	if err != nil {
		return ErrFaultAtOriginalPC{OrigPC: origPC, Inner: err, IsWrite: kind == AccessWrite}
	}

	if kind == AccessWrite {
		err = mem.WritePhys(paddr, data)
	} else {
		err = mem.ReadPhys(paddr, data)
	}
	if err != nil {
		return ErrFaultAtOriginalPC{OrigPC: origPC, Inner: err, IsWrite: kind == AccessWrite}
	}
	return nil
}
