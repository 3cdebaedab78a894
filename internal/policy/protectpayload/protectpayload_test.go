package protectpayload

import (
	"testing"

	"github.com/miralis-rv/miralis/internal/module"
	"github.com/miralis-rv/miralis/internal/pmp"
	"github.com/miralis-rv/miralis/internal/virtctx"
)

type fakeScsr struct {
	values map[SCSR]uint64
}

func newFakeScsr() *fakeScsr { return &fakeScsr{values: make(map[SCSR]uint64)} }

func (f *fakeScsr) ReadSCSR(id SCSR) (uint64, error)  { return f.values[id], nil }
func (f *fakeScsr) WriteSCSR(id SCSR, v uint64) error { f.values[id] = v; return nil }

type fakePmp struct {
	slots map[int]pmp.Slot
}

func newFakePmp() *fakePmp { return &fakePmp{slots: make(map[int]pmp.Slot)} }

func (f *fakePmp) WriteModule(offset int, s pmp.Slot) error {
	f.slots[offset] = s
	return nil
}

func TestSwitchOutScrubsAllGPRsAndDeniesMemory(t *testing.T) {
	// Covers spec.md §8 scenario 5: payload canary must not survive the
	// switch into the firmware.
	scsr := newFakeScsr()
	pmpCtl := newFakePmp()
	p := New(pmpCtl, scsr, 0x8000_0000)
	p.SetPMPOffset(0)

	vc := virtctx.New(0, 0)
	vc.Mode = virtctx.ModePayload
	for i := 10; i <= 17; i++ {
		vc.GPR[i] = 0xDEADBEEF
	}
	scsr.values[Satp] = 0x1234

	p.SwitchFromPayloadToFirmware(vc)

	if vc.GPR[10] != 0 {
		t.Fatalf("GPR[10] = 0x%x, want 0 (the forward mask applies only on switch-in; switch-out scrubs a0 too)", vc.GPR[10])
	}
	if vc.GPR[11] != 0 {
		t.Fatalf("GPR[11] = 0x%x, want 0", vc.GPR[11])
	}
	if vc.GPR[17] != 0 {
		t.Fatalf("GPR[17] = 0x%x, want 0 (a7 must be scrubbed)", vc.GPR[17])
	}
	if scsr.values[Satp] != 0 {
		t.Fatalf("satp = 0x%x, want 0 (S-CSRs scrubbed)", scsr.values[Satp])
	}
	if pmpCtl.slots[1].Cfg != pmp.NoPermissions {
		t.Fatalf("top slot cfg = %v, want NoPermissions after switch-out", pmpCtl.slots[1].Cfg)
	}
}

func TestSwitchInRestoresStateAndForwardsA0(t *testing.T) {
	scsr := newFakeScsr()
	pmpCtl := newFakePmp()
	p := New(pmpCtl, scsr, 0x8000_0000)
	p.SetPMPOffset(0)

	vc := virtctx.New(0, 0)
	vc.Mode = virtctx.ModePayload
	vc.GPR[5] = 0x1111
	scsr.values[Stvec] = 0x9999

	p.SwitchFromPayloadToFirmware(vc)

	// Firmware computes an SBI return value in a0 before switching back.
	vc.GPR[10] = 42
	p.SwitchFromFirmwareToPayload(vc)

	if vc.GPR[5] != 0x1111 {
		t.Fatalf("GPR[5] = 0x%x, want restored 0x1111", vc.GPR[5])
	}
	if vc.GPR[10] != 42 {
		t.Fatalf("GPR[10] = %d, want forwarded firmware value 42", vc.GPR[10])
	}
	if pmpCtl.slots[1].Cfg != pmp.RWX {
		t.Fatalf("top slot cfg = %v, want RWX after switch-in", pmpCtl.slots[1].Cfg)
	}
}

type recordingMisaligned struct{ called bool }

func (m *recordingMisaligned) EmulateMisaligned(vc *virtctx.VirtContext) error {
	m.called = true
	vc.PC += 4
	return nil
}

func TestTrapFromPayloadEmulatesMisalignedInPlace(t *testing.T) {
	p := New(newFakePmp(), newFakeScsr(), 0x8000_0000)
	mis := &recordingMisaligned{}
	p.Misaligned = mis

	vc := virtctx.New(0, 0x100)
	vc.Trap.Cause = 4 // CauseLoadMisaligned

	result := p.TrapFromPayload(vc)
	if result != module.Overwrite {
		t.Fatalf("result = %v, want Overwrite", result)
	}
	if !mis.called {
		t.Fatalf("misaligned emulator was not invoked")
	}
}

func TestTrapFromPayloadIgnoresOtherCauses(t *testing.T) {
	p := New(newFakePmp(), newFakeScsr(), 0x8000_0000)
	vc := virtctx.New(0, 0)
	vc.Trap.Cause = 7 // CauseStoreFault

	if result := p.TrapFromPayload(vc); result != module.Ignore {
		t.Fatalf("result = %v, want Ignore", result)
	}
}
