package hart

import (
	"context"
	"errors"
	"testing"

	"github.com/miralis-rv/miralis/internal/arch"
	"github.com/miralis-rv/miralis/internal/dispatch"
	"github.com/miralis-rv/miralis/internal/ipi"
	"github.com/miralis-rv/miralis/internal/module"
	"github.com/miralis-rv/miralis/internal/virtctx"
)

type scriptedSource struct {
	traps []dispatch.RawTrap
	i     int
}

func (s *scriptedSource) NextTrap(ctx context.Context, hartID int) (dispatch.RawTrap, error) {
	if s.i >= len(s.traps) {
		return dispatch.RawTrap{}, errors.New("scriptedSource: exhausted")
	}
	t := s.traps[s.i]
	s.i++
	return t, nil
}

func TestRunStopsOnShutdownEcall(t *testing.T) {
	vc := virtctx.New(0, 0x1000)
	source := &scriptedSource{traps: []dispatch.RawTrap{
		{Mcause: arch.CauseECallFromU, Mepc: 0x1000, FromMode: virtctx.ModeFirmware},
	}}
	vc.GPR[17] = dispatch.BuiltinEID
	vc.GPR[16] = dispatch.FuncShutdown

	h := &Hart{
		ID:         0,
		VC:         vc,
		Chain:      module.NewBuilder().Build(),
		Source:     source,
		Dispatcher: &dispatch.Dispatcher{},
		IPI:        ipi.NewBoard(1),
	}

	if err := h.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v, want nil on clean shutdown", err)
	}
}

func TestRunPropagatesSourceError(t *testing.T) {
	vc := virtctx.New(0, 0)
	h := &Hart{
		ID:         0,
		VC:         vc,
		Chain:      module.NewBuilder().Build(),
		Source:     &scriptedSource{},
		Dispatcher: &dispatch.Dispatcher{},
		IPI:        ipi.NewBoard(1),
	}

	if err := h.Run(context.Background()); err == nil {
		t.Fatalf("expected error when trap source is exhausted")
	}
}

func TestRunDrainsPolicyInterruptAndNotifiesChain(t *testing.T) {
	vc := virtctx.New(0, 0x1000)
	board := ipi.NewBoard(1)
	if err := board.Publish(0, ipi.IntentPolicyInterrupt); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	var interrupted bool
	chain := module.NewBuilder()
	_ = chain.Register(recordingModule{fn: func() { interrupted = true }})

	vc.GPR[17] = dispatch.BuiltinEID
	vc.GPR[16] = dispatch.FuncShutdown
	source := &scriptedSource{traps: []dispatch.RawTrap{
		{Mcause: arch.CauseIllegalInstruction, Mtval: 0xffffffff, Mepc: 0x1000, FromMode: virtctx.ModeFirmware},
		{Mcause: arch.CauseECallFromU, Mepc: 0x1004, FromMode: virtctx.ModeFirmware},
	}}

	h := &Hart{
		ID:         0,
		VC:         vc,
		Chain:      chain.Build(),
		Source:     source,
		Dispatcher: &dispatch.Dispatcher{},
		IPI:        board,
	}
	if err := h.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !interrupted {
		t.Fatalf("on_interrupt hook was not invoked after the pending IPI was drained")
	}
}

type recordingModule struct{ fn func() }

func (r recordingModule) Name() string { return "recorder" }
func (r recordingModule) OnInterrupt(hartID int) { r.fn() }
