package pmp

import "testing"

type fakeFlush struct{ called *int }

func (f fakeFlush) Flush() error {
	*f.called++
	return nil
}

type fakeHW struct {
	writes []struct {
		slot int
		s    Slot
	}
	flushes int
}

func (h *fakeHW) WritePmp(slot int, s Slot) Flush {
	h.writes = append(h.writes, struct {
		slot int
		s    Slot
	}{slot, s})
	return fakeFlush{called: &h.flushes}
}

func testLayout() Layout {
	return Layout{KMiralis: 2, VirtualCount: 8, ModuleBudget: 3, HardwareN: 16}
}

func TestLayoutValidate(t *testing.T) {
	l := testLayout()
	if err := l.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	l.HardwareN = 10
	if err := l.Validate(); err == nil {
		t.Fatalf("Validate() expected error when slots exceed hardware N")
	}
}

func TestVirtualSlotMapping(t *testing.T) {
	l := testLayout()
	slot, err := l.VirtualSlot(0)
	if err != nil || slot != l.KMiralis+1 {
		t.Fatalf("VirtualSlot(0) = %d, %v, want %d, nil", slot, err, l.KMiralis+1)
	}
	if _, err := l.VirtualSlot(8); err == nil {
		t.Fatalf("VirtualSlot(8) expected out-of-range error")
	}
}

func TestOwnerOf(t *testing.T) {
	l := testLayout()
	if got := l.OwnerOf(0); got != OwnerMiralis {
		t.Fatalf("OwnerOf(0) = %v, want OwnerMiralis", got)
	}
	if got := l.OwnerOf(l.NullAnchorSlot()); got != OwnerNullAnchor {
		t.Fatalf("OwnerOf(nullAnchor) = %v, want OwnerNullAnchor", got)
	}
	if got := l.OwnerOf(l.KMiralis + 1); got != OwnerVirtual {
		t.Fatalf("OwnerOf(firstVirtual) = %v, want OwnerVirtual", got)
	}
	if got := l.OwnerOf(l.FallthroughSlot()); got != OwnerFallthrough {
		t.Fatalf("OwnerOf(fallthrough) = %v, want OwnerFallthrough", got)
	}
	if got := l.OwnerOf(l.ModuleBase()); got != OwnerModule {
		t.Fatalf("OwnerOf(moduleBase) = %v, want OwnerModule", got)
	}
}

// TestWriteVirtualFlushesHardware covers scenario 3 from spec.md §8: a vPMP
// write must land in the physical slot K_miralis+1+i and trigger a
// hardware write + flush.
func TestWriteVirtualFlushesHardware(t *testing.T) {
	hw := &fakeHW{}
	l := testLayout()
	shadow, err := NewShadow(l, hw)
	if err != nil {
		t.Fatalf("NewShadow() error = %v", err)
	}

	value := Slot{Addr: 0x80200000 >> 2, Cfg: CfgATOR | CfgR | CfgW | CfgX}
	if err := shadow.WriteVirtual(0, value); err != nil {
		t.Fatalf("WriteVirtual(0) error = %v", err)
	}

	got, err := shadow.ReadVirtual(0)
	if err != nil || got != value {
		t.Fatalf("ReadVirtual(0) = %+v, %v, want %+v", got, err, value)
	}

	other, err := shadow.ReadVirtual(1)
	if err != nil || other != (Slot{}) {
		t.Fatalf("ReadVirtual(1) = %+v, want zero value", other)
	}

	if len(hw.writes) != 1 || hw.writes[0].slot != l.KMiralis+1 {
		t.Fatalf("hardware write went to slot %+v, want %d", hw.writes, l.KMiralis+1)
	}
	if hw.flushes != 1 {
		t.Fatalf("flush count = %d, want 1", hw.flushes)
	}
}

func TestFallthroughTogglesWithWorld(t *testing.T) {
	l := testLayout()
	shadow, err := NewShadow(l, nil)
	if err != nil {
		t.Fatalf("NewShadow() error = %v", err)
	}
	if err := shadow.SetFallthrough(true); err != nil {
		t.Fatalf("SetFallthrough(true) error = %v", err)
	}
	if shadow.Slots[l.FallthroughSlot()].Cfg&CfgR == 0 {
		t.Fatalf("firmware fall-through should allow access")
	}
	if err := shadow.SetFallthrough(false); err != nil {
		t.Fatalf("SetFallthrough(false) error = %v", err)
	}
	if shadow.Slots[l.FallthroughSlot()].Cfg&(CfgR|CfgW|CfgX) != 0 {
		t.Fatalf("payload/Miralis fall-through should deny access")
	}
}

func TestWriteMiralisOwnRejectsOutOfRange(t *testing.T) {
	shadow, err := NewShadow(testLayout(), nil)
	if err != nil {
		t.Fatalf("NewShadow() error = %v", err)
	}
	if err := shadow.WriteMiralisOwn(5, Slot{}); err == nil {
		t.Fatalf("expected error writing outside Miralis-owned range")
	}
}
