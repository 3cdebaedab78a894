// Command miralis boots a configured hart fleet from a board descriptor
// and plays back a scripted trap scenario against it, the same way
// cmd/cc's run() brings up a virtual machine and drives it to
// completion — except the "hardware" driving the trap loop here is a
// scenario.Player reading a scripted trap sequence, since this core has
// no instruction-level RISC-V execution engine of its own (spec.md
// treats the host CPU/KVM side as an external collaborator's concern).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/miralis-rv/miralis/internal/hart"
	"github.com/miralis-rv/miralis/internal/ipi"
	"github.com/miralis-rv/miralis/internal/platform"
	"github.com/miralis-rv/miralis/internal/policy/counters"
	"github.com/miralis-rv/miralis/internal/scenario"
	"github.com/miralis-rv/miralis/internal/trace"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "miralis: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	boardDir := flag.String("board", "boards/qemu-virt", "board descriptor directory")
	scenarioPath := flag.String("scenario", "", "scripted trap scenario to play back")
	maxFirmwareExits := flag.Uint64("max-firmware-exits", 0, "debug guard: halt after N firmware exits per hart (0 disables)")
	verbose := flag.Bool("v", false, "enable debug-level logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	if *scenarioPath == "" {
		return errors.New("miralis: -scenario is required (no hardware trap source is built in)")
	}

	board, err := platform.LoadBoard(*boardDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("miralis: no board descriptor in %s (run with -board pointing at one, or create %s/%s): %w",
				*boardDir, *boardDir, platform.DescriptorFilename, err)
		}
		return err
	}

	script, err := scenario.LoadScript(*scenarioPath)
	if err != nil {
		return err
	}
	player := scenario.NewPlayer(script)

	recorder := trace.NewRecorder(1024, log)

	ipiBoard := ipi.NewBoard(board.NumHarts)
	timer := newSimTimer(log)
	cnt := counters.New(log)
	cnt.MaxFirmwareExits = *maxFirmwareExits
	cnt.Sink = func(snaps []counters.Snapshot) {
		for _, s := range snaps {
			log.Info("final counters", "hart", s.HartID, "firmware_exits", s.FirmwareExits,
				"ecalls", s.EcallsFromFW, "traps", s.TrapsFromVM, "interrupts", s.Interrupts)
		}
	}

	fleet := &hart.Fleet{}
	bar := progressbar.Default(int64(board.NumHarts))
	for id := 0; id < board.NumHarts; id++ {
		h, err := buildHart(id, board, ipiBoard, timer, cnt, recorder, log)
		if err != nil {
			return err
		}
		h.Source = player
		fleet.Harts = append(fleet.Harts, h)
		bar.Add(1)
	}
	bar.Close()

	printStatusLine(board)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	err = interactiveRawMode(func() error { return fleet.Boot(ctx) })
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("miralis: interrupted")
			return nil
		}
		return err
	}
	return nil
}

// printStatusLine renders a one-line boot banner.
func printStatusLine(board platform.Board) {
	fmt.Printf("%s booted: %d hart(s), firmware@0x%x payload@0x%x\n",
		board.Name, board.NumHarts, board.Memory.FirmwareAddress, board.Memory.PayloadAddress)
}

// interactiveRawMode puts the controlling terminal into raw mode for the
// duration of fn, mirroring cmd/cc's term.IsTerminal/term.MakeRaw/
// term.Restore guard around its own interactive session — so a future
// step/continue monitor REPL can read keystrokes without line buffering
// getting in the way, without changing behaviour for piped/non-tty runs.
func interactiveRawMode(fn func() error) error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return fn()
	}
	old, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("miralis: enable raw mode: %w", err)
	}
	defer term.Restore(fd, old)
	return fn()
}
