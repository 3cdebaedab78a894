package vmprv

import "testing"

type fakeController struct {
	activated, deactivated int
}

func (f *fakeController) ActivateTrap() error   { f.activated++; return nil }
func (f *fakeController) DeactivateTrap() error { f.deactivated++; return nil }

type flatMemory struct {
	data []byte
}

func (m *flatMemory) ReadPhys(addr uint64, data []byte) error {
	copy(data, m.data[addr:])
	return nil
}

func (m *flatMemory) WritePhys(addr uint64, data []byte) error {
	copy(m.data[addr:], data)
	return nil
}

func TestOnTransitionActivatesAndDeactivates(t *testing.T) {
	ctrl := &fakeController{}
	h := New(ctrl)

	if err := h.OnTransition(true); err != nil {
		t.Fatalf("OnTransition(true) error = %v", err)
	}
	if ctrl.activated != 1 {
		t.Fatalf("activated = %d, want 1", ctrl.activated)
	}
	if err := h.OnTransition(false); err != nil {
		t.Fatalf("OnTransition(false) error = %v", err)
	}
	if ctrl.deactivated != 1 {
		t.Fatalf("deactivated = %d, want 1", ctrl.deactivated)
	}
}

// TestEmulateAccessBareMode covers scenario 6 from spec.md §8: a bare-mode
// (no translation) vMPRV access returns the bytes at the translated
// (here, identical) address.
func TestEmulateAccessBareMode(t *testing.T) {
	mem := &flatMemory{data: make([]byte, 0x10000)}
	mem.data[0x1000] = 0xef
	mem.data[0x1001] = 0xbe

	h := New(&fakeController{})
	var out [2]byte
	if err := h.EmulateAccess(0 /* bare satp */, 0x8000_1000, 0x1000, AccessRead, out[:], mem); err != nil {
		t.Fatalf("EmulateAccess() error = %v", err)
	}
	if out[0] != 0xef || out[1] != 0xbe {
		t.Fatalf("EmulateAccess() read %x, want efbe", out)
	}
}

// TestEmulateAccessFaultReportsOriginalPC covers spec.md §4.4 step 3: a
// nested fault during the single emulated access must be reported against
// the instruction's original address, not any intermediate state.
func TestEmulateAccessFaultReportsOriginalPC(t *testing.T) {
	mem := &flatMemory{data: make([]byte, 0x10)}
	h := New(&fakeController{})

	// Sv39 satp with a PTE table that will fail validity (all zero -> V=0).
	satp := uint64(8) << 60
	var out [8]byte
	err := h.EmulateAccess(satp, 0x8000_2000, 0x1000, AccessRead, out[:], mem)
	if err == nil {
		t.Fatalf("EmulateAccess() expected fault")
	}
	faultErr, ok := err.(ErrFaultAtOriginalPC)
	if !ok {
		t.Fatalf("EmulateAccess() error type = %T, want ErrFaultAtOriginalPC", err)
	}
	if faultErr.OrigPC != 0x8000_2000 {
		t.Fatalf("OrigPC = %x, want 0x8000_2000", faultErr.OrigPC)
	}
}
