// Package interrupt virtualises mie/mip/mideleg/mstatus.MIE layering, per
// spec.md §4.3, including the SEIP and MSI/MEI live-sampling subtleties.
package interrupt

import "github.com/miralis-rv/miralis/internal/arch"

// World identifies which execution context is currently running, so the
// virtualiser knows which contract from spec.md §4.3 to apply.
type World int

const (
	WorldFirmware World = iota // vM-mode, physically U-mode
	WorldPayload               // S-mode
	WorldMiralis                // Miralis itself
)

// Signals carries the hardware-sampled bits the virtualiser must never
// let software clear or set by writing a vCSR: the external interrupt wire
// (SEIP) and, for multi-hart platforms, pending MSI/MEI lines delivered by
// the platform interrupt controller outside Miralis' control.
type Signals struct {
	ExternalSEIP bool
	MSIPending   bool
	MEIPending   bool
}

// Virtualizer maintains the virtual interrupt-enable state for one hart and
// computes what must be programmed onto real hardware per world.
type Virtualizer struct {
	// softwareSEIP is the software-writable half of vmip.SEIP. The
	// observable vmip.SEIP is always softwareSEIP OR the live external
	// signal (spec.md §4.3 SEIP rule); only this field is ever mutated by
	// a CSR write.
	softwareSEIP bool

	Vmie     uint32
	Vmideleg uint32
	MIE      bool // vmstatus.MIE, mirrored here for the delivery-contract checks
}

// ReadVmip computes the value a CSR read of vmip observes, folding in the
// SEIP OR-rule and live MSI/MEI sampling (spec.md §4.3: "the virtualiser...
// must recompute vmip.SEIP | (hardware_SEIP_signal)" and "MSI and MEI bits
// ... are sampled live from hardware on each virtual read").
func (v *Virtualizer) ReadVmip(softwareMip uint32, sig Signals) uint32 {
	val := softwareMip
	val = setBit(val, arch.IrqSEI, v.readSEIP(sig))
	val = setBit(val, arch.IrqMSI, sig.MSIPending)
	val = setBit(val, arch.IrqMEI, sig.MEIPending)
	return val
}

func (v *Virtualizer) readSEIP(sig Signals) bool {
	return v.softwareSEIP || sig.ExternalSEIP
}

// WriteVmip applies a firmware write to vmip. Only the software-writable
// bit of SEIP is modified (spec.md §4.3: "on write emulation, only the
// software-writable bit of vmip.SEIP is modified"). SEIP, MSI and MEI are
// all cleared from the software shadow: SEIP lives in softwareSEIP, and
// MSI/MEI are only ever sampled live on read and never installed on world
// switch (see InstallOnWorldSwitch). Every other written bit is stored.
func (v *Virtualizer) WriteVmip(softwareMip *uint32, value uint32) {
	v.softwareSEIP = value&(1<<arch.IrqSEI) != 0
	*softwareMip = value &^ (1<<arch.IrqSEI | 1<<arch.IrqMSI | 1<<arch.IrqMEI)
}

// RealMie computes the real mie register to program for the given world,
// per spec.md §4.3's per-world contract table.
func (v *Virtualizer) RealMie(world World) uint32 {
	switch world {
	case WorldFirmware:
		return v.Vmie &^ v.Vmideleg & mieBit(v.MIE)
	case WorldPayload:
		return v.Vmie
	default: // WorldMiralis
		return 0
	}
}

// RealMideleg computes the real mideleg register to program for the given
// world.
func (v *Virtualizer) RealMideleg(world World) uint32 {
	switch world {
	case WorldFirmware:
		return 0
	case WorldPayload:
		return v.Vmideleg
	default:
		return 0
	}
}

// InstallOnWorldSwitch reports whether a given mip bit should be installed
// into real mip when switching worlds. SEIP, MSI, and MEI are hardware-
// sampled and must never be installed (spec.md §4.3: installing SEIP would
// let Miralis "write" a bit the firmware can't clear; MSI/MEI would create
// "phantom" bits).
func InstallOnWorldSwitch(bit int) bool {
	switch bit {
	case arch.IrqSEI, arch.IrqMSI, arch.IrqMEI:
		return false
	default:
		return true
	}
}

// DeliveryFirmware evaluates invariant I-DELIVERY-VM (spec.md §8): with the
// firmware running, a real trap on bit i occurs iff
// mip[i] && vmie[i] && vmstatus.MIE && !vmideleg[i].
func DeliveryFirmware(mip, vmie uint32, mie bool, vmideleg uint32, bit int) bool {
	return bitSet(mip, bit) && bitSet(vmie, bit) && mie && !bitSet(vmideleg, bit)
}

// DeliveryPayload evaluates invariant I-DELIVERY-S (spec.md §8): with the
// payload running, a real trap into Miralis on bit i occurs iff
// mip[i] && vmie[i] && !vmideleg[i] (the delegated case never reaches
// Miralis at all).
func DeliveryPayload(mip, vmie uint32, vmideleg uint32, bit int) bool {
	return bitSet(mip, bit) && bitSet(vmie, bit) && !bitSet(vmideleg, bit)
}

func mieBit(on bool) uint32 {
	if on {
		return ^uint32(0)
	}
	return 0
}

func bitSet(val uint32, bit int) bool { return val&(1<<uint(bit)) != 0 }

func setBit(val uint32, bit int, on bool) uint32 {
	if on {
		return val | (1 << uint(bit))
	}
	return val &^ (1 << uint(bit))
}
