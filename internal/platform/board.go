// Package platform loads the board descriptor spec.md §7 treats as an
// external collaborator's responsibility ("platform board-specific
// constants: addresses, number of harts"): the build-time memory layout,
// hart count, and PMP slot budget a concrete Miralis build targets. The
// virtualisation core itself never hardcodes these; everything here is
// data the demo runner (cmd/miralis) loads once at boot.
package platform

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/miralis-rv/miralis/internal/fdt"
	"github.com/miralis-rv/miralis/internal/pmp"
)

// DescriptorFilename is the conventional board descriptor name, mirroring
// the bundle metadata file's role: one YAML file per board, checked into
// the demo's boards/ directory.
const DescriptorFilename = "miralis-board.yaml"

// MemoryLayout is the fixed, build-time address plan spec.md §6 describes:
// "Miralis text at a build-time start_address; firmware text at a
// build-time firmware_address; payload text at a build-time
// payload_address; per-hart stacks of stack_size bytes."
type MemoryLayout struct {
	StartAddress    uint64 `yaml:"startAddress"`
	FirmwareAddress uint64 `yaml:"firmwareAddress"`
	PayloadAddress  uint64 `yaml:"payloadAddress"`
	StackSize       uint64 `yaml:"stackSize"`
}

// PMPBudget mirrors internal/pmp.Layout's fields as plain YAML-friendly
// integers; Board.PMPLayout converts it into the real type.
type PMPBudget struct {
	KMiralis     int `yaml:"kMiralis"`
	VirtualCount int `yaml:"virtualCount"`
	HardwareN    int `yaml:"hardwareSlots"`
}

// Board is one platform's complete descriptor: identity, hart count,
// memory layout, and PMP hardware budget (the module-reserved portion of
// the PMP budget is negotiated at runtime by module.Builder and is not
// part of the static descriptor).
type Board struct {
	Version int    `yaml:"version"`
	Name    string `yaml:"name"`

	NumHarts int          `yaml:"numHarts"`
	Memory   MemoryLayout `yaml:"memory"`
	PMP      PMPBudget    `yaml:"pmp"`
}

func (b *Board) normalize() {
	if b.Version == 0 {
		b.Version = 1
	}
	if b.NumHarts == 0 {
		b.NumHarts = 1
	}
	if b.Memory.StackSize == 0 {
		b.Memory.StackSize = 64 * 1024
	}
}

// Validate checks the descriptor is internally consistent: the three
// text regions must be disjoint given their own sizes are unknown at this
// layer (only their base addresses are fixed here), so Validate only
// checks the invariants this layer can actually know about.
func (b *Board) Validate() error {
	if b.NumHarts <= 0 {
		return fmt.Errorf("platform: numHarts must be positive, got %d", b.NumHarts)
	}
	if b.Memory.StartAddress == b.Memory.FirmwareAddress ||
		b.Memory.FirmwareAddress == b.Memory.PayloadAddress ||
		b.Memory.StartAddress == b.Memory.PayloadAddress {
		return fmt.Errorf("platform: start/firmware/payload addresses must be distinct")
	}
	return nil
}

// PMPLayout builds an internal/pmp.Layout from the descriptor's hardware
// budget plus the module budget negotiated at runtime (module.Builder's
// TotalPMPBudget), per invariant P4.
func (b *Board) PMPLayout(moduleBudget int) pmp.Layout {
	return pmp.Layout{
		KMiralis:     b.PMP.KMiralis,
		VirtualCount: b.PMP.VirtualCount,
		ModuleBudget: moduleBudget,
		HardwareN:    b.PMP.HardwareN,
	}
}

// DeviceTree renders the board as a flattened device tree blob describing
// the hart count (one cpu node per hart) and a single memory node that
// starts at StartAddress and spans up to PayloadAddress plus StackSize;
// the firmware and payload regions get no nodes of their own. It is meant
// for handoff to the
// firmware the same way a real RISC-V platform passes a0/a1 (hart id,
// FDT pointer) at reset.
func (b *Board) DeviceTree() ([]byte, error) {
	harts := make([]fdt.Node, 0, b.NumHarts)
	for i := 0; i < b.NumHarts; i++ {
		harts = append(harts, fdt.Node{
			Name: fmt.Sprintf("cpu@%d", i),
			Properties: map[string]fdt.Property{
				"device_type": {Strings: []string{"cpu"}},
				"compatible":  {Strings: []string{"riscv"}},
				"reg":         {U32: []uint32{uint32(i)}},
				"riscv,isa":   {Strings: []string{"rv64imac"}},
				"mmu-type":    {Strings: []string{"riscv,sv39"}},
			},
		})
	}

	root := fdt.Node{
		Name: "",
		Properties: map[string]fdt.Property{
			"model":          {Strings: []string{b.Name}},
			"#address-cells": {U32: []uint32{2}},
			"#size-cells":    {U32: []uint32{2}},
		},
		Children: []fdt.Node{
			{Name: "cpus", Children: harts},
			{
				Name: fmt.Sprintf("memory@%x", b.Memory.StartAddress),
				Properties: map[string]fdt.Property{
					"device_type": {Strings: []string{"memory"}},
					"reg":         {U64: []uint64{b.Memory.StartAddress, b.Memory.PayloadAddress - b.Memory.StartAddress + b.Memory.StackSize}},
				},
			},
		},
	}

	blob, err := fdt.Build(root)
	if err != nil {
		return nil, fmt.Errorf("platform: build device tree: %w", err)
	}
	return blob, nil
}

// LoadBoard reads and validates a board descriptor from dir.
func LoadBoard(dir string) (Board, error) {
	data, err := os.ReadFile(filepath.Join(dir, DescriptorFilename))
	if err != nil {
		return Board{}, fmt.Errorf("platform: read %s: %w", DescriptorFilename, err)
	}

	var b Board
	if err := yaml.Unmarshal(data, &b); err != nil {
		return Board{}, fmt.Errorf("platform: parse %s: %w", DescriptorFilename, err)
	}
	b.normalize()
	if err := b.Validate(); err != nil {
		return Board{}, err
	}
	return b, nil
}

// WriteBoardTemplate writes a descriptor file for a new board, the same
// way bundle.WriteTemplate seeds a new bundle directory.
func WriteBoardTemplate(dir string, b Board) error {
	b.normalize()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("platform: create board dir: %w", err)
	}

	f, err := os.Create(filepath.Join(dir, DescriptorFilename))
	if err != nil {
		return fmt.Errorf("platform: create %s: %w", DescriptorFilename, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&b); err != nil {
		return fmt.Errorf("platform: encode %s: %w", DescriptorFilename, err)
	}
	return enc.Close()
}
