package replayplayer

import (
	"path/filepath"
	"testing"
	"time"

	"wormy/broker/internal/level"
	"wormy/broker/internal/logging"
	"wormy/broker/internal/replay"
	"wormy/broker/internal/sim"
)

func recordBundle(t *testing.T, frames int) string {
	t.Helper()
	now := time.Date(2024, 7, 10, 15, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	writer, _, err := replay.NewWriter(t.TempDir(), replay.Metadata{MatchID: "player"}, clock, logging.NewTestLogger())
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	state := sim.NewState(0, level.Standard.Level(0))
	if err := writer.BeginLevel(0, state); err != nil {
		t.Fatalf("begin level: %v", err)
	}
	rules := sim.NewRules(sim.DefaultMoveInterval, nil, nil)
	for f := 0; f < frames; f++ {
		var cmds []sim.Command
		if f == 0 {
			cmds = []sim.Command{sim.AddWorm(0, sim.Segment{Y: 10, X: 10, Layer: level.Surface, Dir: sim.Right}, "w")}
		}
		rules.Step(state, cmds, true)
		if err := writer.AppendFrame(f, cmds, state.Digest()); err != nil {
			t.Fatalf("append frame %d: %v", f, err)
		}
		now = now.Add(85 * time.Millisecond)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return writer.Directory()
}

func TestReplayBundleSummarisesAndVerifies(t *testing.T) {
	dir := recordBundle(t, 20)

	report, err := ReplayBundle(filepath.Join(dir, "manifest.json"), true)
	if err != nil {
		t.Fatalf("replay bundle: %v", err)
	}
	if report.Dir != dir {
		t.Fatalf("expected dir %q, got %q", dir, report.Dir)
	}
	if len(report.Epochs) != 1 {
		t.Fatalf("expected one epoch, got %d", len(report.Epochs))
	}
	epoch := report.Epochs[0]
	if epoch.Frames != 20 || epoch.FirstFrame != 0 || epoch.LastFrame != 19 || epoch.Commands["a"] != 1 {
		t.Fatalf("unexpected epoch summary %+v", epoch)
	}
	if report.Verified != 20 || report.VerifyError != "" {
		t.Fatalf("expected all frames verified, got %d (%s)", report.Verified, report.VerifyError)
	}
	if len(report.Events) != 1 || report.Events[0].Type != replay.EventLevel {
		t.Fatalf("expected the level event, got %+v", report.Events)
	}
}

func TestReplayBundleSkipsVerification(t *testing.T) {
	report, err := ReplayBundle(recordBundle(t, 3), false)
	if err != nil {
		t.Fatalf("replay bundle: %v", err)
	}
	if report.Verified != 0 || report.Epochs[0].Frames != 3 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestReplayBundleRequiresPath(t *testing.T) {
	if _, err := ReplayBundle("", true); err == nil {
		t.Fatal("expected an error for an empty path")
	}
}
