// Package scenario loads the scripted trap sequences spec.md §8's test
// scenarios describe (guest shutdown, mret world switch, PMP denial, SEIP
// delivery, payload-confidentiality) from a YAML script and plays them
// back as a hart.TrapSource, standing in for the real hart hardware/KVM
// trap source a production build would wire in instead.
package scenario

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/miralis-rv/miralis/internal/arch"
	"github.com/miralis-rv/miralis/internal/dispatch"
	"github.com/miralis-rv/miralis/internal/hart"
	"github.com/miralis-rv/miralis/internal/virtctx"
)

// Step is one scripted trap entry, keyed to the hart it is delivered to.
type Step struct {
	Hart      int    `yaml:"hart"`
	Cause     string `yaml:"cause"`
	Interrupt bool   `yaml:"interrupt"`
	Mepc      uint64 `yaml:"mepc"`
	Mtval     uint64 `yaml:"mtval"`
	FromMode  string `yaml:"fromMode"`
}

// Script is an ordered list of scripted traps, one YAML document per
// scenario (spec.md §8).
type Script struct {
	Steps []Step `yaml:"steps"`
}

// causeByName maps the script's symbolic cause names onto arch's numeric
// mcause values, so scenario files stay readable instead of listing raw
// integers.
var causeByName = map[string]uint64{
	"illegal-instruction": arch.CauseIllegalInstruction,
	"ecall-u":             arch.CauseECallFromU,
	"ecall-s":             arch.CauseECallFromS,
	"load-misaligned":     arch.CauseLoadMisaligned,
	"store-misaligned":    arch.CauseStoreMisaligned,
	"load-fault":          arch.CauseLoadFault,
	"store-fault":         arch.CauseStoreFault,
	"external-interrupt":  uint64(arch.IrqSEI),
	"timer-interrupt":     uint64(arch.IrqSTI),
	"software-interrupt":  uint64(arch.IrqSSI),
}

// LoadScript reads and parses a scenario file.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scenario: read %s: %w", path, err)
	}
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("scenario: parse %s: %w", path, err)
	}
	return &s, nil
}

// Player plays a Script back as a hart.TrapSource: each hart pulls its own
// steps off a per-hart queue, in script order, blind to other harts'
// traps.
type Player struct {
	mu    sync.Mutex
	queue map[int][]Step
}

// NewPlayer partitions script's steps by hart and returns a Player ready
// to be wired into each hart's Source field.
func NewPlayer(script *Script) *Player {
	p := &Player{queue: make(map[int][]Step)}
	for _, step := range script.Steps {
		p.queue[step.Hart] = append(p.queue[step.Hart], step)
	}
	return p
}

// NextTrap implements hart.TrapSource.
func (p *Player) NextTrap(ctx context.Context, hartID int) (dispatch.RawTrap, error) {
	select {
	case <-ctx.Done():
		return dispatch.RawTrap{}, ctx.Err()
	default:
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	steps := p.queue[hartID]
	if len(steps) == 0 {
		return dispatch.RawTrap{}, hart.ErrSourceExhausted
	}
	step := steps[0]
	p.queue[hartID] = steps[1:]

	cause, ok := causeByName[step.Cause]
	if !ok {
		return dispatch.RawTrap{}, fmt.Errorf("scenario: unknown cause %q", step.Cause)
	}

	fromMode := virtctx.ModeFirmware
	if step.FromMode == "payload" {
		fromMode = virtctx.ModePayload
	}

	return dispatch.RawTrap{
		Mcause:    cause,
		Mepc:      step.Mepc,
		Mtval:     step.Mtval,
		FromMode:  fromMode,
		Interrupt: step.Interrupt,
	}, nil
}
