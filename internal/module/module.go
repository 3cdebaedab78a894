// Package module implements the module/policy extension framework spec.md
// §4.5 describes: a fixed, totally-ordered, cooperative set of hooks that
// interpose on the trap dispatcher's flow. Registration order is decided
// once at boot (spec.md's "static dispatch for modules", §9) and never
// changes afterward.
package module

import (
	"fmt"

	"github.com/miralis-rv/miralis/internal/pmp"
	"github.com/miralis-rv/miralis/internal/virtctx"
)

// HookResult is returned by the Overwrite/Ignore class of hooks (spec.md
// §4.5's table). Overwrite short-circuits the chain; Ignore lets the next
// module (or the built-in handler) run.
type HookResult int

const (
	Ignore HookResult = iota
	Overwrite
)

// Module is the minimum every policy implements. All further hooks are
// optional and are detected by type assertion, the same "Supports..."
// optional-capability pattern internal/chipset uses for its devices —
// except here the capability check is a plain interface assertion since
// the hooks are behavior, not declarative data.
type Module interface {
	Name() string
}

// NumberPMPs is implemented by modules that reserve policy-owned PMP
// slots at boot (spec.md §4.5/P4: "modules declare NUMBER_PMPS at compile
// time and receive an offset").
type NumberPMPs interface {
	NumberPMPs() int
}

// Optional per-hook interfaces. A module implements only the ones it needs.
type (
	EcallFromFirmwareHook interface {
		EcallFromFirmware(vc *virtctx.VirtContext) HookResult
	}
	EcallFromPayloadHook interface {
		EcallFromPayload(vc *virtctx.VirtContext) HookResult
	}
	TrapFromFirmwareHook interface {
		TrapFromFirmware(vc *virtctx.VirtContext) HookResult
	}
	TrapFromPayloadHook interface {
		TrapFromPayload(vc *virtctx.VirtContext) HookResult
	}
	SwitchFromPayloadToFirmwareHook interface {
		SwitchFromPayloadToFirmware(vc *virtctx.VirtContext)
	}
	SwitchFromFirmwareToPayloadHook interface {
		SwitchFromFirmwareToPayload(vc *virtctx.VirtContext)
	}
	DecidedNextExecModeHook interface {
		DecidedNextExecMode(vc *virtctx.VirtContext, next virtctx.Mode)
	}
	OnInterruptHook interface {
		OnInterrupt(hartID int)
	}
	OnShutdownHook interface {
		OnShutdown()
	}
)

// Builder registers modules in the order they will run and negotiates PMP
// slot budgets, modeled directly on chipset.ChipsetBuilder's registration
// and disjointness checks.
type Builder struct {
	modules      []Module
	names        map[string]bool
	reservations []pmp.ModuleReservation
	nextOffset   int
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{names: make(map[string]bool)}
}

// Register adds a module to the end of the chain — its position here is
// its position in every hook's invocation order for the lifetime of the
// boot (spec.md §4.5: "totally-ordered by registration order").
func (b *Builder) Register(m Module) error {
	if m == nil {
		return fmt.Errorf("module: nil module")
	}
	name := m.Name()
	if name == "" {
		return fmt.Errorf("module: module has empty name")
	}
	if b.names[name] {
		return fmt.Errorf("module: %q already registered", name)
	}
	if npmp, ok := m.(NumberPMPs); ok {
		n := npmp.NumberPMPs()
		if n < 0 {
			return fmt.Errorf("module: %q declared negative NUMBER_PMPS", name)
		}
		b.reservations = append(b.reservations, pmp.ModuleReservation{
			Name: name, Offset: b.nextOffset, Count: n,
		})
		b.nextOffset += n
	}
	b.names[name] = true
	b.modules = append(b.modules, m)
	return nil
}

// TotalPMPBudget is the sum of every registered module's declared
// NUMBER_PMPS, i.e. Layout.ModuleBudget for internal/pmp.
func (b *Builder) TotalPMPBudget() int { return b.nextOffset }

// Reservations returns the disjoint per-module PMP slot ranges in
// registration order (spec.md §3 invariant P4: the policy slot layout is
// static after boot).
func (b *Builder) Reservations() []pmp.ModuleReservation {
	out := make([]pmp.ModuleReservation, len(b.reservations))
	copy(out, b.reservations)
	return out
}

// Build freezes the registration order into a Chain.
func (b *Builder) Build() *Chain {
	modules := make([]Module, len(b.modules))
	copy(modules, b.modules)
	return &Chain{modules: modules}
}

// Chain is the frozen, ordered set of registered modules — the hand-
// written equivalent of the compile-time-aggregated MainModule struct
// spec.md §9 describes, without needing code generation since Go iterates
// a slice just as cheaply as a generated chain of method calls for this
// hook count.
type Chain struct {
	modules []Module
}

// Modules returns the registered modules in registration order.
func (c *Chain) Modules() []Module { return c.modules }

// EcallFromFirmware runs the ecall_from_firmware hook chain (spec.md §4.5),
// stopping at the first Overwrite.
func (c *Chain) EcallFromFirmware(vc *virtctx.VirtContext) (HookResult, Module) {
	for _, m := range c.modules {
		if h, ok := m.(EcallFromFirmwareHook); ok {
			if h.EcallFromFirmware(vc) == Overwrite {
				return Overwrite, m
			}
		}
	}
	return Ignore, nil
}

// EcallFromPayload runs the ecall_from_payload hook chain.
func (c *Chain) EcallFromPayload(vc *virtctx.VirtContext) (HookResult, Module) {
	for _, m := range c.modules {
		if h, ok := m.(EcallFromPayloadHook); ok {
			if h.EcallFromPayload(vc) == Overwrite {
				return Overwrite, m
			}
		}
	}
	return Ignore, nil
}

// TrapFromFirmware runs the trap_from_firmware hook chain.
func (c *Chain) TrapFromFirmware(vc *virtctx.VirtContext) (HookResult, Module) {
	for _, m := range c.modules {
		if h, ok := m.(TrapFromFirmwareHook); ok {
			if h.TrapFromFirmware(vc) == Overwrite {
				return Overwrite, m
			}
		}
	}
	return Ignore, nil
}

// TrapFromPayload runs the trap_from_payload hook chain.
func (c *Chain) TrapFromPayload(vc *virtctx.VirtContext) (HookResult, Module) {
	for _, m := range c.modules {
		if h, ok := m.(TrapFromPayloadHook); ok {
			if h.TrapFromPayload(vc) == Overwrite {
				return Overwrite, m
			}
		}
	}
	return Ignore, nil
}

// SwitchFromPayloadToFirmware runs every void switch-out hook, in order,
// unconditionally (spec.md §4.5: "void hooks are always all run").
func (c *Chain) SwitchFromPayloadToFirmware(vc *virtctx.VirtContext) {
	for _, m := range c.modules {
		if h, ok := m.(SwitchFromPayloadToFirmwareHook); ok {
			h.SwitchFromPayloadToFirmware(vc)
		}
	}
}

// SwitchFromFirmwareToPayload runs every void switch-in hook, in order.
func (c *Chain) SwitchFromFirmwareToPayload(vc *virtctx.VirtContext) {
	for _, m := range c.modules {
		if h, ok := m.(SwitchFromFirmwareToPayloadHook); ok {
			h.SwitchFromFirmwareToPayload(vc)
		}
	}
}

// DecidedNextExecMode runs the observation-only decided_next_exec_mode hook.
func (c *Chain) DecidedNextExecMode(vc *virtctx.VirtContext, next virtctx.Mode) {
	for _, m := range c.modules {
		if h, ok := m.(DecidedNextExecModeHook); ok {
			h.DecidedNextExecMode(vc, next)
		}
	}
}

// OnInterrupt runs the cross-hart IPI hook for every module that wants it.
func (c *Chain) OnInterrupt(hartID int) {
	for _, m := range c.modules {
		if h, ok := m.(OnInterruptHook); ok {
			h.OnInterrupt(hartID)
		}
	}
}

// OnShutdown runs every module's shutdown hook before halt.
func (c *Chain) OnShutdown() {
	for _, m := range c.modules {
		if h, ok := m.(OnShutdownHook); ok {
			h.OnShutdown()
		}
	}
}
