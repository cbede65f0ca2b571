package client

import (
	"testing"
	"time"

	"wormy/broker/internal/level"
	"wormy/broker/internal/logging"
	"wormy/broker/internal/protocol"
	"wormy/broker/internal/sim"
	"wormy/broker/internal/simulation"
)

func loadCompact(t *testing.T, base sim.Compact) (*Predictor, *recorder) {
	t.Helper()
	rec := &recorder{}
	p := NewPredictor(rec, Config{Clock: simulation.NewManualClock(time.UnixMilli(1_000_000)), Logger: logging.NewTestLogger()})
	if err := p.Handle(protocol.Message{Type: protocol.TypeLoad, Load: &protocol.Load{Frame: base.Frame, Base: base}}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := p.Handle(protocol.Message{Type: protocol.TypeControl, Control: &protocol.Control{Slot: 0, Local: 0}}); err != nil {
		t.Fatalf("control: %v", err)
	}
	return p, rec
}

func TestBotHeadsForFood(t *testing.T) {
	base := wormBase(t)
	base.Food = append(base.Food, sim.Food{Y: 2, X: 7})
	p, rec := loadCompact(t, base)

	bot := NewBot(p, 0, "bot", 1)
	if err := bot.Act(); err != nil {
		t.Fatalf("Act: %v", err)
	}
	turns := rec.ofType(protocol.TypeImmediate)
	if len(turns) != 1 || turns[0].Event.Command.Dir != sim.Up {
		t.Fatalf("expected a single turn up, got %+v", turns)
	}
	if err := bot.Act(); err != nil {
		t.Fatalf("Act: %v", err)
	}
	if n := len(rec.ofType(protocol.TypeImmediate)); n != 1 {
		t.Fatalf("bot must act once per frame, sent %d", n)
	}
}

func TestBotSteersAwayFromWall(t *testing.T) {
	tail := []sim.Segment{
		{Y: 1, X: 7, Layer: level.Surface, Dir: sim.Up},
		{Y: 2, X: 7, Layer: level.Surface, Dir: sim.Up},
		{Y: 3, X: 7, Layer: level.Surface, Dir: sim.Up},
	}
	base := sim.Compact{Frame: 4, Worms: []*sim.Worm{{Tail: tail, MaxLen: 5, Status: sim.Alive, Name: "bot"}}}
	p, rec := loadCompact(t, base)

	if err := NewBot(p, 0, "bot", 7).Act(); err != nil {
		t.Fatalf("Act: %v", err)
	}
	turns := rec.ofType(protocol.TypeImmediate)
	if len(turns) != 1 {
		t.Fatalf("expected the bot to turn, got %d commands", len(turns))
	}
	if dir := turns[0].Event.Command.Dir; dir != sim.Left && dir != sim.Right {
		t.Fatalf("expected a sideways turn, got %v", dir)
	}
}

func TestBotJoinsOnce(t *testing.T) {
	p, rec, clock := loadedPredictor(t, Config{})
	bot := NewBot(p, 1, "second", 3)
	for i := 0; i < 3; i++ {
		if err := bot.Act(); err != nil {
			t.Fatalf("Act: %v", err)
		}
		clock.Advance(85 * time.Millisecond)
		p.Tick(clock.Now())
	}
	starts := rec.ofType(protocol.TypeStart)
	if len(starts) != 1 || starts[0].Start.Local != 1 || starts[0].Start.Name != "second" {
		t.Fatalf("expected one start request, got %+v", starts)
	}
}

func TestBotIdleBeforeLoad(t *testing.T) {
	rec := &recorder{}
	p := NewPredictor(rec, Config{Logger: logging.NewTestLogger()})
	if err := NewBot(p, 0, "bot", 1).Act(); err != nil {
		t.Fatalf("Act: %v", err)
	}
	if len(rec.sent) != 0 {
		t.Fatalf("expected no traffic before load, got %+v", rec.sent)
	}
}
