// Package offload implements the SBI-offload policy spec.md §7 mentions
// in passing ("Miralis does not itself implement SBI except when a
// policy (offload) chooses to handle a specific call — e.g. satisfying
// sbi_set_timer ... without world-switching"): a handful of SBI calls
// the payload issues are serviced directly against real timer hardware,
// short-circuiting the payload -> firmware -> payload round trip.
package offload

import (
	"github.com/miralis-rv/miralis/internal/arch"
	"github.com/miralis-rv/miralis/internal/module"
	"github.com/miralis-rv/miralis/internal/virtctx"
)

// SBI Timer extension (EID "TIME" little-endian ASCII) and its only
// function, matching the OpenSBI/SBI spec constants rather than
// anything Miralis invents.
const (
	sbiTimeEID     = 0x54494D45
	sbiSetTimerFID = 0
	sbiSuccess     = 0
)

// TimerController programs the real per-hart timer comparator. Backed by
// whatever platform clint/CLINT-alike cmd/miralis wires in; never
// touched outside this policy.
type TimerController interface {
	SetTimer(hartID int, value uint64) error
}

// Policy offloads sbi_set_timer to real hardware without a world switch.
type Policy struct {
	Timer TimerController
}

// New returns a Policy backed by the given timer controller.
func New(timer TimerController) *Policy { return &Policy{Timer: timer} }

func (p *Policy) Name() string { return "offload" }

// TrapFromPayload intercepts sbi_set_timer ecalls from the payload
// (spec.md §4.5's trap_from_payload hook) and services them without
// letting the trap reach the firmware.
func (p *Policy) TrapFromPayload(vc *virtctx.VirtContext) module.HookResult {
	if vc.Trap.Cause != arch.CauseECallFromS {
		return module.Ignore
	}
	eid := vc.GPR[17]
	fid := vc.GPR[16]
	if eid != sbiTimeEID || fid != sbiSetTimerFID {
		return module.Ignore
	}
	if err := p.Timer.SetTimer(vc.HartID, vc.GPR[10]); err != nil {
		return module.Ignore
	}
	vc.GPR[10] = sbiSuccess
	vc.PC += 4
	return module.Overwrite
}
