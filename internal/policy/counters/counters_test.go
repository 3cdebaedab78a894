package counters

import (
	"log/slog"
	"testing"

	"github.com/miralis-rv/miralis/internal/virtctx"
)

func TestDecidedNextExecModeCountsFirmwareExitsByPriorMode(t *testing.T) {
	p := New(slog.Default())
	vc := virtctx.New(1, 0)

	vc.Trap.PriorMode = virtctx.ModeFirmware
	p.DecidedNextExecMode(vc, virtctx.ModeFirmware)

	vc.Trap.PriorMode = virtctx.ModePayload
	p.DecidedNextExecMode(vc, virtctx.ModeFirmware)

	p.DecidedNextExecMode(vc, virtctx.ModePayload) // not a firmware exit

	h := p.entry(1)
	if h.firmwareExits != 2 {
		t.Fatalf("firmwareExits = %d, want 2", h.firmwareExits)
	}
	if h.ecallsFromFW != 1 {
		t.Fatalf("ecallsFromFW = %d, want 1", h.ecallsFromFW)
	}
	if h.trapsFromVM != 1 {
		t.Fatalf("trapsFromVM = %d, want 1", h.trapsFromVM)
	}
}

func TestOverGuardTripsAtThreshold(t *testing.T) {
	p := New(slog.Default())
	p.MaxFirmwareExits = 2
	vc := virtctx.New(0, 0)

	if p.OverGuard(0) {
		t.Fatalf("OverGuard should be false before any exits")
	}
	p.DecidedNextExecMode(vc, virtctx.ModeFirmware)
	if p.OverGuard(0) {
		t.Fatalf("OverGuard should be false after 1 of 2 exits")
	}
	p.DecidedNextExecMode(vc, virtctx.ModeFirmware)
	if !p.OverGuard(0) {
		t.Fatalf("OverGuard should be true after reaching threshold")
	}
}

func TestOnShutdownFlushesThroughSink(t *testing.T) {
	p := New(slog.Default())
	vc := virtctx.New(7, 0)
	p.DecidedNextExecMode(vc, virtctx.ModeFirmware)
	p.OnInterrupt(7)

	var got []Snapshot
	p.Sink = func(snaps []Snapshot) { got = snaps }
	p.OnShutdown()

	if len(got) != 1 {
		t.Fatalf("len(got) = %d, want 1", len(got))
	}
	if got[0].HartID != 7 || got[0].FirmwareExits != 1 || got[0].Interrupts != 1 {
		t.Fatalf("snapshot = %+v, unexpected", got[0])
	}
}
