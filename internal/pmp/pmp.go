// Package pmp virtualises Physical Memory Protection: it maps a fixed
// number of firmware-visible vPMP registers onto a sub-range of the real
// PMP slot array, under the layout spec.md §3 specifies.
package pmp

import "fmt"

// Cfg is a single PMP cfg byte: [L | 0 0 | A A | X W R].
type Cfg uint8

const (
	CfgR Cfg = 1 << 0
	CfgW Cfg = 1 << 1
	CfgX Cfg = 1 << 2
	// CfgAOff/TOR/NA4/NAPOT occupy bits 3-4 (the "A" field).
	CfgAOff  Cfg = 0 << 3
	CfgATOR  Cfg = 1 << 3
	CfgANA4  Cfg = 2 << 3
	CfgANAPOT Cfg = 3 << 3
	CfgAMask Cfg = 3 << 3
	CfgL     Cfg = 1 << 7
)

// NoPermissions denies every access; RWX grants every access. Named per
// spec.md §4.6's "NO_PERMISSIONS" / "RWX" vocabulary.
const (
	NoPermissions Cfg = CfgATOR
	RWX           Cfg = CfgATOR | CfgR | CfgW | CfgX
)

// Slot is one physical PMP register pair.
type Slot struct {
	Addr uint64
	Cfg  Cfg
}

// Owner identifies who a physical slot belongs to, per spec.md §3's slot
// range table.
type Owner int

const (
	OwnerMiralis Owner = iota
	OwnerNullAnchor
	OwnerVirtual
	OwnerModule
	OwnerFallthrough
)

// Layout partitions the physical PMP slot array per spec.md §3:
//
//	[0, KMiralis)                     Miralis-owned (text/data/stack)
//	KMiralis                          null TOR anchor (address 0)
//	[KMiralis+1, KMiralis+1+V)        firmware-visible vPMP 0..V-1
//	[.., ..+ModuleBudget)             module-owned, one disjoint range per module
//	last slot                         Miralis-owned allow-all-or-deny-all fall-through
type Layout struct {
	KMiralis     int // Miralis-owned slots preceding the null anchor
	VirtualCount int // number of firmware-visible vPMP registers (V)
	ModuleBudget int // total module-reserved slots (sum of declared NUMBER_PMPS)
	HardwareN    int // real number of physical PMP slots
}

// Validate checks invariant P1 (spec.md §3): total slots <= hardware N.
func (l Layout) Validate() error {
	if l.total() > l.HardwareN {
		return fmt.Errorf("pmp: layout needs %d slots, hardware has %d", l.total(), l.HardwareN)
	}
	if l.KMiralis < 0 || l.VirtualCount < 0 || l.ModuleBudget < 0 {
		return fmt.Errorf("pmp: layout has negative slot count")
	}
	return nil
}

func (l Layout) total() int {
	// Miralis slots + null anchor + virtual slots + module budget + fall-through.
	return l.KMiralis + 1 + l.VirtualCount + l.ModuleBudget + 1
}

// NullAnchorSlot is the physical slot index of the null TOR anchor.
func (l Layout) NullAnchorSlot() int { return l.KMiralis }

// VirtualSlot maps vPMP index i to its physical slot, per spec.md §4.2:
// "Writes to vPMP[i] by the firmware land in physical slot K_miralis+1+i".
func (l Layout) VirtualSlot(i int) (int, error) {
	if i < 0 || i >= l.VirtualCount {
		return 0, fmt.Errorf("pmp: vPMP index %d out of range [0,%d)", i, l.VirtualCount)
	}
	return l.KMiralis + 1 + i, nil
}

// ModuleBase is the first physical slot of the module-owned range.
func (l Layout) ModuleBase() int {
	return l.KMiralis + 1 + l.VirtualCount
}

// FallthroughSlot is the last physical slot: the allow-all-or-deny-all
// catch-all (spec.md §3, P3).
func (l Layout) FallthroughSlot() int {
	return l.total() - 1
}

// OwnerOf classifies a physical slot index per the layout table.
func (l Layout) OwnerOf(slot int) Owner {
	switch {
	case slot < l.KMiralis:
		return OwnerMiralis
	case slot == l.NullAnchorSlot():
		return OwnerNullAnchor
	case slot < l.ModuleBase():
		return OwnerVirtual
	case slot == l.FallthroughSlot():
		return OwnerFallthrough
	default:
		return OwnerModule
	}
}

// ModuleReservation is a disjoint module-owned slot range, recorded by
// Builder.Register in internal/module and listed by Builder.Reservations.
// Offset is relative to Layout.ModuleBase(); Shadow itself does not check
// writes against these ranges.
type ModuleReservation struct {
	Name   string
	Offset int
	Count  int
}

// Shadow is the per-hart PMP shadow: the ordered list of physical slots
// Miralis maintains, plus the layout that partitions them.
type Shadow struct {
	Layout Layout
	Slots  []Slot

	// HW performs the real hardware write + flush spec.md §4.2 requires
	// ("the virtualiser must then issue a hardware write and, if necessary,
	// a sfence.vma"). nil in tests that only assert shadow-state
	// invariants; cmd/miralis wires an implementation per hart at boot.
	HW HardwareWriter
}

// HardwareWriter issues a real PMP register write and, when told to,
// flushes stale translations. Grounded on spec.md §4.2's
// "write_pmp(...).flush()" vocabulary.
type HardwareWriter interface {
	WritePmp(slot int, s Slot) Flush
}

// Flush is returned by WritePmp so callers can chain `.Flush()` the way
// spec.md's design note writes it; a no-op Flush is valid when the write
// doesn't need one (e.g. narrowing permissions never needs a flush for
// PMP, only widening after a previous deny).
type Flush interface {
	Flush() error
}

// NewShadow allocates a shadow with one slot per layout slot. Only the null
// anchor is populated; every other slot (Miralis-owned, vPMP, module and
// fall-through) starts zeroed until it is written.
func NewShadow(layout Layout, hw HardwareWriter) (*Shadow, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	s := &Shadow{
		Layout: layout,
		Slots:  make([]Slot, layout.total()),
		HW:     hw,
	}
	s.Slots[layout.NullAnchorSlot()] = Slot{Addr: 0, Cfg: CfgATOR}
	return s, nil
}

// ReadVirtual returns the shadow value of vPMP[i] (spec.md §4.2: "Reads
// return the shadow").
func (s *Shadow) ReadVirtual(i int) (Slot, error) {
	slot, err := s.Layout.VirtualSlot(i)
	if err != nil {
		return Slot{}, err
	}
	return s.Slots[slot], nil
}

// WriteVirtual stores a firmware write to vPMP[i] into the shadow and onto
// real hardware, honouring P2: Miralis' own protection slots precede vPMP
// in priority order regardless of what the firmware requests (spec.md
// §4.2's unlock-attempt edge case — the shadow is updated unconditionally,
// but physical ordering means Miralis' own slots still win).
func (s *Shadow) WriteVirtual(i int, value Slot) error {
	slot, err := s.Layout.VirtualSlot(i)
	if err != nil {
		return err
	}
	s.Slots[slot] = value
	if s.HW == nil {
		return nil
	}
	return s.HW.WritePmp(slot, value).Flush()
}

// WriteModule stores a policy-owned slot write (spec.md §4.2: "Module
// slots are managed by policies directly"). offset is relative to
// Layout.ModuleBase().
func (s *Shadow) WriteModule(offset int, value Slot) error {
	base := s.Layout.ModuleBase()
	if offset < 0 || base+offset >= s.Layout.FallthroughSlot() {
		return fmt.Errorf("pmp: module slot offset %d out of range", offset)
	}
	slot := base + offset
	s.Slots[slot] = value
	if s.HW == nil {
		return nil
	}
	return s.HW.WritePmp(slot, value).Flush()
}

// SetFallthrough programs the catch-all slot per invariant P3: allow when
// the firmware runs, deny when the payload or Miralis runs.
func (s *Shadow) SetFallthrough(firmwareRunning bool) error {
	slot := s.Layout.FallthroughSlot()
	value := Slot{Addr: ^uint64(0) >> 1, Cfg: NoPermissions}
	if firmwareRunning {
		value = Slot{Addr: ^uint64(0) >> 1, Cfg: RWX}
	}
	s.Slots[slot] = value
	if s.HW == nil {
		return nil
	}
	return s.HW.WritePmp(slot, value).Flush()
}

// WriteMiralisOwn programs one of Miralis' own reserved slots ([0,
// KMiralis)), used at boot to protect Miralis' own text/data/stack.
func (s *Shadow) WriteMiralisOwn(slot int, value Slot) error {
	if slot < 0 || slot >= s.Layout.KMiralis {
		return fmt.Errorf("pmp: slot %d is not Miralis-owned", slot)
	}
	s.Slots[slot] = value
	if s.HW == nil {
		return nil
	}
	return s.HW.WritePmp(slot, value).Flush()
}
