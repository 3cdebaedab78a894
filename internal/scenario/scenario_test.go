package scenario

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/miralis-rv/miralis/internal/arch"
	"github.com/miralis-rv/miralis/internal/hart"
	"github.com/miralis-rv/miralis/internal/virtctx"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "scenario.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write scenario: %v", err)
	}
	return path
}

func TestLoadScriptAndPlaybackOrder(t *testing.T) {
	path := writeScript(t, `
steps:
  - hart: 0
    cause: illegal-instruction
    mepc: 0x1000
    mtval: 0x12345678
  - hart: 0
    cause: ecall-u
    mepc: 0x1004
    fromMode: firmware
`)
	script, err := LoadScript(path)
	if err != nil {
		t.Fatalf("LoadScript() error = %v", err)
	}
	p := NewPlayer(script)

	first, err := p.NextTrap(context.Background(), 0)
	if err != nil {
		t.Fatalf("NextTrap() error = %v", err)
	}
	if first.Mcause != arch.CauseIllegalInstruction || first.Mepc != 0x1000 || first.Mtval != 0x12345678 {
		t.Fatalf("first = %+v, want illegal-instruction at 0x1000", first)
	}
	if first.FromMode != virtctx.ModeFirmware {
		t.Fatalf("FromMode = %v, want firmware default", first.FromMode)
	}

	second, err := p.NextTrap(context.Background(), 0)
	if err != nil {
		t.Fatalf("NextTrap() error = %v", err)
	}
	if second.Mcause != arch.CauseECallFromU || second.Mepc != 0x1004 {
		t.Fatalf("second = %+v, want ecall-u at 0x1004", second)
	}

	if _, err := p.NextTrap(context.Background(), 0); !errors.Is(err, hart.ErrSourceExhausted) {
		t.Fatalf("third NextTrap() error = %v, want ErrSourceExhausted", err)
	}
}

func TestPlayerPartitionsByHart(t *testing.T) {
	script := &Script{Steps: []Step{
		{Hart: 0, Cause: "ecall-u"},
		{Hart: 1, Cause: "ecall-s", FromMode: "payload"},
	}}
	p := NewPlayer(script)

	t0, err := p.NextTrap(context.Background(), 0)
	if err != nil {
		t.Fatalf("hart 0 NextTrap() error = %v", err)
	}
	if t0.Mcause != arch.CauseECallFromU {
		t.Fatalf("hart 0 cause = %d, want ecall-u", t0.Mcause)
	}

	t1, err := p.NextTrap(context.Background(), 1)
	if err != nil {
		t.Fatalf("hart 1 NextTrap() error = %v", err)
	}
	if t1.Mcause != arch.CauseECallFromS || t1.FromMode != virtctx.ModePayload {
		t.Fatalf("hart 1 trap = %+v, want ecall-s from payload", t1)
	}
}

func TestUnknownCauseIsRejected(t *testing.T) {
	script := &Script{Steps: []Step{{Hart: 0, Cause: "not-a-real-cause"}}}
	p := NewPlayer(script)
	if _, err := p.NextTrap(context.Background(), 0); err == nil {
		t.Fatalf("expected error for unknown cause name")
	}
}
