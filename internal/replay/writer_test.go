package replay

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"wormy/broker/internal/level"
	"wormy/broker/internal/logging"
	"wormy/broker/internal/sim"
)

func fixedClock() func() time.Time {
	current := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		current = current.Add(100 * time.Millisecond)
		return current
	}
}

// recordMatch simulates two levels and records every frame the way the
// authority does, returning the bundle directory.
func recordMatch(t *testing.T, root string) string {
	t.Helper()
	writer, manifest, err := NewWriter(root, Metadata{MatchID: "m/1", Seed: 5, MoveInterval: 2, Depth: 27, PlayAt: 12}, fixedClock(), logging.NewTestLogger())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if manifest.FramesPath != framesName || manifest.EventsPath != eventsName {
		t.Fatalf("unexpected manifest %+v", manifest)
	}
	rules := sim.NewRules(2, nil, nil)
	for lvl := 0; lvl < 2; lvl++ {
		state := sim.NewState(lvl, level.Standard.Level(lvl))
		if err := writer.BeginLevel(lvl, state); err != nil {
			t.Fatalf("BeginLevel: %v", err)
		}
		for f := 0; f < 80; f++ {
			var cmds []sim.Command
			switch f {
			case 0:
				cmds = append(cmds, sim.AddWorm(0, sim.Segment{Y: 5, X: 5, Dir: sim.Right}, "ann"))
				_ = writer.AppendEvent(f, EventJoin, map[string]any{"p": 0, "n": "ann"})
			case 3:
				cmds = append(cmds, sim.SpawnFood(5, 12, sim.PowerSpeed))
			case 30:
				cmds = append(cmds, sim.Move(0, sim.Down))
			}
			frame := state.Frame
			rules.Step(state, cmds, true)
			writer.Fold(frame, cmds, state)
		}
	}
	if writer.Frames() != 160 {
		t.Fatalf("expected 160 frames, got %d", writer.Frames())
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := writer.AppendFrame(0, nil, 0); !errors.Is(err, ErrWriterClosed) {
		t.Fatalf("expected closed writer error, got %v", err)
	}
	return writer.Directory()
}

func TestWriterRoundTripVerifies(t *testing.T) {
	dir := recordMatch(t, t.TempDir())
	if filepath.Base(dir)[:3] != "m1-" {
		t.Fatalf("expected sanitised match id prefix, got %s", filepath.Base(dir))
	}

	bundle, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if bundle.Header.Levels != 2 || bundle.Header.Frames != 160 || bundle.Header.Seed != 5 {
		t.Fatalf("unexpected header %+v", bundle.Header)
	}
	levels, err := bundle.Levels()
	if err != nil || len(levels) != 2 || levels[1].Level != 1 {
		t.Fatalf("unexpected levels %v (%v)", levels, err)
	}
	joins := 0
	for _, event := range bundle.Events {
		if event.Type == EventJoin {
			joins++
		}
	}
	if joins != 2 {
		t.Fatalf("expected two join events, got %d", joins)
	}

	verified, err := Verify(bundle, level.Standard)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if verified != 160 {
		t.Fatalf("expected 160 verified frames, got %d", verified)
	}
}

func TestLoadRejectsTamperedFrames(t *testing.T) {
	dir := recordMatch(t, t.TempDir())
	path := filepath.Join(dir, framesName)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	data[len(data)/2] ^= 0xff
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(dir); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
}

func TestFrameBeforeLevelIsRefused(t *testing.T) {
	writer, _, err := NewWriter(t.TempDir(), Metadata{}, fixedClock(), logging.NewTestLogger())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer writer.Close()
	if err := writer.AppendFrame(0, nil, 0); err == nil {
		t.Fatal("expected frame without level to be refused")
	}
}
