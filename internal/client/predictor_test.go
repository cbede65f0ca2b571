package client

import (
	"errors"
	"sync"
	"testing"
	"time"

	"wormy/broker/internal/level"
	"wormy/broker/internal/lockstep"
	"wormy/broker/internal/logging"
	"wormy/broker/internal/protocol"
	"wormy/broker/internal/sim"
	"wormy/broker/internal/simulation"
)

type recorder struct {
	mu   sync.Mutex
	sent []protocol.Message
}

func (r *recorder) Send(msg protocol.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recorder) ofType(t protocol.Type) []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Message
	for _, msg := range r.sent {
		if msg.Type == t {
			out = append(out, msg)
		}
	}
	return out
}

// wormBase returns a frame 4 state with a three segment worm in slot 0
// heading right from (5,7).
func wormBase(t *testing.T) sim.Compact {
	t.Helper()
	st := sim.NewState(0, level.Generate(0))
	rules := sim.NewRules(2, nil, logging.NewTestLogger())
	rules.Step(st, []sim.Command{sim.AddWorm(0, sim.Segment{Y: 5, X: 5, Dir: sim.Right}, "slinky")}, true)
	for i := 0; i < 3; i++ {
		rules.Step(st, nil, true)
	}
	if n := len(st.Worms[0].Tail); n != 3 {
		t.Fatalf("expected three segments, got %d", n)
	}
	return st.Compact()
}

func loadedPredictor(t *testing.T, cfg Config) (*Predictor, *recorder, *simulation.ManualClock) {
	t.Helper()
	clock := simulation.NewManualClock(time.UnixMilli(1_000_000))
	rec := &recorder{}
	cfg.Clock = clock
	cfg.Logger = logging.NewTestLogger()
	p := NewPredictor(rec, cfg)
	load := &protocol.Load{Frame: 4, Base: wormBase(t), Players: []protocol.Player{{Slot: 0, Name: "slinky"}}}
	if err := p.Handle(protocol.Message{Type: protocol.TypeLoad, Load: load}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := p.Handle(protocol.Message{Type: protocol.TypeControl, Control: &protocol.Control{Slot: 0, Local: 0}}); err != nil {
		t.Fatalf("control: %v", err)
	}
	return p, rec, clock
}

func TestConnectHandshakeRequestsLoad(t *testing.T) {
	clock := simulation.NewManualClock(time.UnixMilli(1_000_000))
	rec := &recorder{}
	p := NewPredictor(rec, Config{Clock: clock, Logger: logging.NewTestLogger()})
	if err := p.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	clock.Advance(40 * time.Millisecond)
	msg := protocol.Message{Type: protocol.TypeTime, Time: &protocol.TimeSync{Start: 500_000, Now: 2_000_000, Interval: 50}}
	if err := p.Handle(msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if len(rec.sent) != 3 || rec.sent[0].Type != protocol.TypeTime || rec.sent[1].Type != protocol.TypeLag || rec.sent[2].Type != protocol.TypeLoad {
		t.Fatalf("unexpected handshake %+v", rec.sent)
	}
	if rec.sent[1].Lag.PingMS != 40 {
		t.Fatalf("expected 40ms ping, got %v", rec.sent[1].Lag.PingMS)
	}
	// Local clock trails the server by 999.98s once half the ping is removed.
	if want := time.UnixMilli(500_000 - 999_980); !p.GameStart().Equal(want) {
		t.Fatalf("expected game start %v, got %v", want, p.GameStart())
	}
	if p.Interval() != 50*time.Millisecond {
		t.Fatalf("expected server interval, got %v", p.Interval())
	}
}

func TestLoadStartsPrediction(t *testing.T) {
	p, _, clock := loadedPredictor(t, Config{})
	if !p.Started() || p.Frame() != 4 || p.Slot(0) != 0 {
		t.Fatalf("unexpected state after load: started=%v frame=%d slot=%d", p.Started(), p.Frame(), p.Slot(0))
	}
	if players := p.Players(); len(players) != 1 || players[0].Name != "slinky" {
		t.Fatalf("unexpected roster %+v", players)
	}
	wait := p.Tick(clock.Now().Add(170 * time.Millisecond))
	if p.Frame() != 6 {
		t.Fatalf("expected frame 6, got %d", p.Frame())
	}
	if wait != 85*time.Millisecond {
		t.Fatalf("expected a full interval until frame 7, got %v", wait)
	}
}

func TestDirectionRejectsReverseAndDefersSecondTurn(t *testing.T) {
	p, rec, _ := loadedPredictor(t, Config{})
	if err := p.Direction(0, sim.Left); !errors.Is(err, ErrReverse) {
		t.Fatalf("expected ErrReverse, got %v", err)
	}
	if err := p.Direction(0, sim.Up); err != nil {
		t.Fatalf("Direction up: %v", err)
	}
	if err := p.Direction(0, sim.Down); !errors.Is(err, ErrReverse) {
		t.Fatalf("expected the deferred turn checked against up, got %v", err)
	}
	if err := p.Direction(0, sim.Left); err != nil {
		t.Fatalf("Direction left: %v", err)
	}
	sent := rec.ofType(protocol.TypeImmediate)
	if len(sent) != 2 {
		t.Fatalf("expected two immediate commands, got %d", len(sent))
	}
	if sent[0].Event.Frame != 4 || sent[1].Event.Frame != 6 {
		t.Fatalf("expected frames 4 and 6, got %d and %d", sent[0].Event.Frame, sent[1].Event.Frame)
	}
	if sent[1].Event.Command.Dir != sim.Left || sent[1].Event.Command.Slot != 0 {
		t.Fatalf("unexpected deferred command %+v", sent[1].Event.Command)
	}
}

func TestDirectionWithoutWorm(t *testing.T) {
	p, _, _ := loadedPredictor(t, Config{})
	if err := p.Direction(1, sim.Up); !errors.Is(err, ErrNoWorm) {
		t.Fatalf("expected ErrNoWorm, got %v", err)
	}
	if err := p.Direction(9, sim.Up); !errors.Is(err, ErrLocalIndex) {
		t.Fatalf("expected ErrLocalIndex, got %v", err)
	}
	idle := NewPredictor(&recorder{}, Config{Logger: logging.NewTestLogger()})
	if err := idle.Power(0, true); !errors.Is(err, ErrLocalIndex) && !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("expected not loaded, got %v", err)
	}
}

func TestOutOfWindowReportedOnce(t *testing.T) {
	p, rec, _ := loadedPredictor(t, Config{})
	stale := protocol.Broadcast(lockstep.Event{Frame: 1, Command: sim.Move(0, sim.Up)})
	for i := 0; i < 2; i++ {
		if err := p.Handle(stale); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}
	reports := rec.ofType(protocol.TypeOutOfSync)
	if len(reports) != 1 {
		t.Fatalf("expected a single oos report, got %d", len(reports))
	}
	if reports[0].OutOfSync.Frame != 4 || reports[0].OutOfSync.EventFrame != 1 {
		t.Fatalf("unexpected report %+v", reports[0].OutOfSync)
	}
	if !p.OutOfSync() {
		t.Fatal("expected predictor to be out of sync")
	}

	load := &protocol.Load{Frame: 4, Base: wormBase(t)}
	if err := p.Handle(protocol.Message{Type: protocol.TypeLoad, Load: load}); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if p.OutOfSync() {
		t.Fatal("load must clear the out of sync flag")
	}
	if err := p.Handle(stale); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if n := len(rec.ofType(protocol.TypeOutOfSync)); n != 2 {
		t.Fatalf("expected a fresh report after reload, got %d", n)
	}
}

func TestLateEventCatchesUp(t *testing.T) {
	p, rec, _ := loadedPredictor(t, Config{})
	if err := p.Handle(protocol.Broadcast(lockstep.Event{Frame: 21, Command: sim.Move(0, sim.Up)})); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if p.Frame() != 9 {
		t.Fatalf("expected to catch up to frame 9, got %d", p.Frame())
	}
	if n := len(rec.ofType(protocol.TypeOutOfSync)); n != 0 {
		t.Fatalf("expected no oos report, got %d", n)
	}
}

func TestFramePongAdaptsRate(t *testing.T) {
	p, rec, clock := loadedPredictor(t, Config{SyncEvery: 1})
	for round := 0; round < 2; round++ {
		clock.Advance(65 * time.Millisecond)
		if round == 0 {
			clock.Advance(20 * time.Millisecond)
		}
		p.Tick(clock.Now())
		if n := len(rec.ofType(protocol.TypeFramePing)); n != round+1 {
			t.Fatalf("round %d: expected %d frame pings, got %d", round, round+1, n)
		}
		clock.Advance(20 * time.Millisecond)
		if err := p.Handle(protocol.Message{Type: protocol.TypeFramePong, FramePong: &protocol.FramePong{Frame: float64(5 + round)}}); err != nil {
			t.Fatalf("pong: %v", err)
		}
	}
	lags := rec.ofType(protocol.TypeLag)
	if len(lags) != 2 {
		t.Fatalf("expected two lag reports, got %d", len(lags))
	}
	if lags[0].Lag.Synced || lags[0].Lag.PingMS != 20 {
		t.Fatalf("first report only records a reference: %+v", lags[0].Lag)
	}
	if !lags[1].Lag.Synced {
		t.Fatalf("second report should carry rate diagnostics: %+v", lags[1].Lag)
	}
	interval := p.Interval()
	if interval < 63*time.Millisecond || interval > 107*time.Millisecond {
		t.Fatalf("interval %v escaped the adaptation band", interval)
	}
}

func TestCastUpdatesRosterAndPings(t *testing.T) {
	p, _, _ := loadedPredictor(t, Config{})
	casts := []protocol.Cast{
		{Kind: protocol.CastJoin, Slot: 3, Name: "noodle"},
		{Kind: protocol.CastPing, Pings: []protocol.Ping{{Slot: 3, PingMS: 42}}},
		{Kind: protocol.CastQuit, Slot: 0},
	}
	for i := range casts {
		if err := p.Handle(protocol.Message{Type: protocol.TypeCast, Cast: &casts[i]}); err != nil {
			t.Fatalf("cast: %v", err)
		}
	}
	players := p.Players()
	if len(players) != 1 || players[0].Slot != 3 || players[0].Name != "noodle" {
		t.Fatalf("unexpected roster %+v", players)
	}
	if ping, ok := p.Ping(3); !ok || ping != 42 {
		t.Fatalf("unexpected ping %v %v", ping, ok)
	}
}

func TestQuitAndRevive(t *testing.T) {
	p, rec, _ := loadedPredictor(t, Config{})
	if err := p.Revive(0); !errors.Is(err, ErrNoWorm) {
		t.Fatalf("living worm cannot revive, got %v", err)
	}
	if err := p.Quit(0); err != nil {
		t.Fatalf("Quit: %v", err)
	}
	delayed := rec.ofType(protocol.TypeDelayed)
	if len(delayed) != 1 || delayed[0].Event.Command.Kind != sim.CmdDisconnect || delayed[0].Event.Command.Slot != 0 {
		t.Fatalf("unexpected quit message %+v", delayed)
	}
	if p.Slot(0) != -1 {
		t.Fatalf("quit must release the local index")
	}
}
