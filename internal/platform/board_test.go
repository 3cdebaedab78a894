package platform

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteThenLoadBoardRoundTrips(t *testing.T) {
	dir := t.TempDir()
	want := Board{
		Name:     "qemu-virt-riscv64",
		NumHarts: 4,
		Memory: MemoryLayout{
			StartAddress:    0x80000000,
			FirmwareAddress: 0x80200000,
			PayloadAddress:  0x80400000,
			StackSize:       0x4000,
		},
		PMP: PMPBudget{KMiralis: 2, VirtualCount: 8, HardwareN: 16},
	}
	if err := WriteBoardTemplate(dir, want); err != nil {
		t.Fatalf("WriteBoardTemplate() error = %v", err)
	}

	got, err := LoadBoard(dir)
	if err != nil {
		t.Fatalf("LoadBoard() error = %v", err)
	}
	if got.Name != want.Name || got.NumHarts != want.NumHarts {
		t.Fatalf("got = %+v, want %+v", got, want)
	}
	if got.Memory != want.Memory {
		t.Fatalf("Memory = %+v, want %+v", got.Memory, want.Memory)
	}
}

func TestLoadBoardDefaultsStackSizeAndHartCount(t *testing.T) {
	dir := t.TempDir()
	data := []byte("name: bare\nmemory:\n  startAddress: 0\n  firmwareAddress: 0x1000\n  payloadAddress: 0x2000\n")
	if err := os.WriteFile(filepath.Join(dir, DescriptorFilename), data, 0o644); err != nil {
		t.Fatalf("write descriptor: %v", err)
	}

	b, err := LoadBoard(dir)
	if err != nil {
		t.Fatalf("LoadBoard() error = %v", err)
	}
	if b.NumHarts != 1 {
		t.Fatalf("NumHarts = %d, want default 1", b.NumHarts)
	}
	if b.Memory.StackSize != 64*1024 {
		t.Fatalf("StackSize = %d, want default 64KiB", b.Memory.StackSize)
	}
}

func TestValidateRejectsOverlappingAddresses(t *testing.T) {
	b := Board{NumHarts: 1, Memory: MemoryLayout{StartAddress: 0x1000, FirmwareAddress: 0x1000, PayloadAddress: 0x2000}}
	if err := b.Validate(); err == nil {
		t.Fatalf("expected error for overlapping start/firmware addresses")
	}
}

func TestPMPLayoutIncludesModuleBudget(t *testing.T) {
	b := Board{PMP: PMPBudget{KMiralis: 2, VirtualCount: 8, HardwareN: 16}}
	layout := b.PMPLayout(3)
	if layout.ModuleBudget != 3 {
		t.Fatalf("ModuleBudget = %d, want 3", layout.ModuleBudget)
	}
	if err := layout.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestDeviceTreeStartsWithFDTMagicAndEncodesHartCount(t *testing.T) {
	b := Board{
		Name:     "qemu-virt-riscv64",
		NumHarts: 4,
		Memory: MemoryLayout{
			StartAddress:    0x80000000,
			FirmwareAddress: 0x80200000,
			PayloadAddress:  0x80400000,
			StackSize:       0x4000,
		},
	}

	blob, err := b.DeviceTree()
	if err != nil {
		t.Fatalf("DeviceTree() error = %v", err)
	}
	if len(blob) < 4 {
		t.Fatalf("blob too short: %d bytes", len(blob))
	}
	const fdtMagic = 0xd00dfeed
	if got := binary.BigEndian.Uint32(blob[0:4]); got != fdtMagic {
		t.Fatalf("magic = 0x%x, want 0x%x", got, fdtMagic)
	}
	if !bytes.Contains(blob, []byte("cpu@0")) || !bytes.Contains(blob, []byte("cpu@3")) {
		t.Fatalf("blob missing expected cpu node names for %d harts", b.NumHarts)
	}
	if bytes.Contains(blob, []byte("cpu@4")) {
		t.Fatalf("blob contains a cpu node beyond NumHarts")
	}
}
