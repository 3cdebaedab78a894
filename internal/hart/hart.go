// Package hart drives the per-hart run loop: pull the next real trap,
// hand it to the dispatcher, drain any pending cross-hart IPI, repeat.
// Each hart owns its VirtContext, PMP shadow, and module chain
// exclusively — spec.md §5's "no lock is needed" — so Fleet only ever
// needs to launch and join goroutines, never coordinate between them
// beyond the shared ipi.Board.
package hart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/miralis-rv/miralis/internal/dispatch"
	"github.com/miralis-rv/miralis/internal/ipi"
	"github.com/miralis-rv/miralis/internal/module"
	"github.com/miralis-rv/miralis/internal/pmp"
	"github.com/miralis-rv/miralis/internal/trace"
	"github.com/miralis-rv/miralis/internal/virtctx"
)

// TrapSource blocks until the real hart identified by hartID takes its
// next M-mode trap, then returns the raw trap state read out of real
// mcause/mepc/mtval. Production code backs this with whatever hosts the
// simulated or hardware-assisted RISC-V core; tests supply a scripted
// sequence.
type TrapSource interface {
	NextTrap(ctx context.Context, hartID int) (dispatch.RawTrap, error)
}

// ErrSourceExhausted is a benign TrapSource return: there is nothing left
// to run (a scripted scenario reached its end), so Run stops the same way
// it would on a guest shutdown ecall rather than treating it as a fault.
var ErrSourceExhausted = errors.New("hart: trap source exhausted")

// Hart bundles one hart's exclusively-owned state with the shared,
// read-mostly collaborators (dispatcher logic, module chain, IPI board).
type Hart struct {
	ID     int
	VC     *virtctx.VirtContext
	Pmp    *pmp.Shadow
	Chain  *module.Chain
	Source TrapSource

	Dispatcher *dispatch.Dispatcher
	IPI        *ipi.Board
	Log        *slog.Logger

	// Trace, when set, records every handled trap for post-mortem
	// inspection and the max_firmware_exits guard's supporting evidence.
	Trace *trace.Recorder

	// Pin, when true, asks the OS to bind this hart's goroutine to a
	// single logical CPU for the run loop's lifetime (best-effort; see
	// pinToCPU). Disabled by default since it requires a platform that
	// supports it and a free logical CPU per hart.
	Pin bool

	// Guard, when set, is polled after every handled trap; returning true
	// halts this hart the same way the debug-only max_firmware_exits guard
	// does (spec.md §7). Wired to counters.Policy.OverGuard in practice.
	Guard func(hartID int) bool
}

// Run executes the hart's trap loop until ctx is cancelled, the guest
// issues the built-in shutdown ecall, or an unrecoverable error occurs.
// It locks the calling goroutine to its OS thread for its entire
// duration, the same contract internal/hv/kvm's per-vCPU goroutine uses,
// since the underlying trap source (software core or KVM) may itself be
// thread-affine.
func (h *Hart) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if h.Pin {
		if err := pinToCPU(h.ID); err != nil && h.Log != nil {
			h.Log.Warn("hart: could not pin to cpu", "hart", h.ID, "err", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		raw, err := h.Source.NextTrap(ctx, h.ID)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			if errors.Is(err, ErrSourceExhausted) {
				h.Chain.OnShutdown()
				return nil
			}
			return fmt.Errorf("hart %d: next trap: %w", h.ID, err)
		}

		if h.Trace != nil {
			h.Trace.Record(trace.Event{HartID: h.ID, Cause: raw.Mcause, FromMode: raw.FromMode, PC: raw.Mepc, Timestamp: time.Now()})
		}

		if _, err := h.Dispatcher.HandleTrap(h.VC, raw, h.Chain); err != nil {
			if errors.Is(err, dispatch.ErrShutdownRequested) {
				h.Chain.OnShutdown()
				return nil
			}
			return fmt.Errorf("hart %d: handle trap: %w", h.ID, err)
		}

		if h.IPI != nil {
			if drained, _ := h.IPI.Drain(h.ID, ipi.IntentPolicyInterrupt); drained {
				h.Chain.OnInterrupt(h.ID)
			}
		}

		if h.Guard != nil && h.Guard(h.ID) {
			h.Chain.OnShutdown()
			return fmt.Errorf("hart %d: %w", h.ID, ErrGuardTripped)
		}
	}
}

// ErrGuardTripped is returned when Guard reports the debug-only
// max_firmware_exits threshold has been crossed.
var ErrGuardTripped = errors.New("hart: max_firmware_exits guard tripped")

// Fleet owns every hart in the machine and launches their run loops
// together. The first failure stops the rest; a hart that returns cleanly
// does not stop the others.
type Fleet struct {
	Harts []*Hart
}

// Boot launches every hart's Run loop concurrently and blocks until all
// have returned; the first non-nil error cancels the others via the
// shared context and is the error Boot returns — grounded on the same
// golang.org/x/sync/errgroup "first error cancels the group" contract
// the teacher's bundle/fetch pipeline uses for its own fan-out.
func (f *Fleet) Boot(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, h := range f.Harts {
		h := h
		g.Go(func() error { return h.Run(gctx) })
	}
	return g.Wait()
}
