// Package ipi implements the shared cross-hart coordination state spec.md
// §5 describes: a flat array of atomic flags indexed by hart id, used for
// policy MSI-style intents and fence.i broadcasts. It is the one piece of
// global, statically-initialised state Miralis carries besides the
// per-hart structures array (spec.md §9, "Global state").
package ipi

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// Intent is a cross-hart coordination request a policy or the core can
// publish against a destination hart.
type Intent uint8

const (
	IntentNone Intent = iota
	IntentPolicyInterrupt
	IntentFenceI
)

// Board is the flat, statically-sized array of per-hart atomic flags.
// Publishers claim a flag with compare-and-exchange; the destination
// hart's run loop drains it back to false the same way and then runs the
// modules' on_interrupt hooks (spec.md §5: "publisher uses
// compare-and-exchange to claim; subscriber ... drains with
// compare-and-exchange to false").
type Board struct {
	policyInterrupt []atomicbitops.Bool
	fenceI          []atomicbitops.Bool
}

// NewBoard allocates a Board sized for numHarts; the array is fixed for
// the lifetime of the machine, never grown or shrunk (spec.md §5: "static,
// initialised at boot").
func NewBoard(numHarts int) *Board {
	return &Board{
		policyInterrupt: make([]atomicbitops.Bool, numHarts),
		fenceI:          make([]atomicbitops.Bool, numHarts),
	}
}

func (b *Board) flagsFor(intent Intent) ([]atomicbitops.Bool, error) {
	switch intent {
	case IntentPolicyInterrupt:
		return b.policyInterrupt, nil
	case IntentFenceI:
		return b.fenceI, nil
	default:
		return nil, fmt.Errorf("ipi: unknown intent %d", intent)
	}
}

// Publish claims the flag for hart at the given intent. It is idempotent:
// publishing twice before the target drains is a no-op, matching the
// level-triggered nature of these flags (there is one pending request, not
// a queue of them).
func (b *Board) Publish(hart int, intent Intent) error {
	flags, err := b.flagsFor(intent)
	if err != nil {
		return err
	}
	if hart < 0 || hart >= len(flags) {
		return fmt.Errorf("ipi: hart %d out of range", hart)
	}
	flags[hart].CompareAndSwap(false, true)
	return nil
}

// Drain atomically tests-and-clears the flag for hart at the given intent,
// returning whether it was set. Called by the run loop of the hart that
// owns the flag, which runs the on_interrupt hooks (spec.md §4.5) when it
// returns true.
func (b *Board) Drain(hart int, intent Intent) (bool, error) {
	flags, err := b.flagsFor(intent)
	if err != nil {
		return false, err
	}
	if hart < 0 || hart >= len(flags) {
		return false, fmt.Errorf("ipi: hart %d out of range", hart)
	}
	return flags[hart].CompareAndSwap(true, false), nil
}

// BroadcastPolicyInterrupt publishes IntentPolicyInterrupt to every hart in
// hartMask (bit i set => hart i), matching the
// broadcast_policy_interrupt(hart_mask) contract of spec.md §5.
func (b *Board) BroadcastPolicyInterrupt(hartMask uint64) error {
	for hart := 0; hart < len(b.policyInterrupt); hart++ {
		if hartMask&(1<<uint(hart)) == 0 {
			continue
		}
		if err := b.Publish(hart, IntentPolicyInterrupt); err != nil {
			return err
		}
	}
	return nil
}
