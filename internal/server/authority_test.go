package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wormy/broker/internal/config"
	"wormy/broker/internal/level"
	"wormy/broker/internal/lockstep"
	"wormy/broker/internal/logging"
	"wormy/broker/internal/protocol"
	"wormy/broker/internal/sim"
	"wormy/broker/internal/simulation"
)

const testInterval = 85 * time.Millisecond

type fakePeer struct {
	id     string
	mu     sync.Mutex
	sent   []protocol.Message
	closed bool
}

func newPeer(id string) *fakePeer { return &fakePeer{id: id} }

func (p *fakePeer) ID() string      { return p.id }
func (p *fakePeer) Subject() string { return "player-" + p.id }

func (p *fakePeer) Send(msg protocol.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, msg)
	return nil
}

func (p *fakePeer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) ofType(t protocol.Type) []protocol.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []protocol.Message
	for _, msg := range p.sent {
		if msg.Type == t {
			out = append(out, msg)
		}
	}
	return out
}

func (p *fakePeer) casts(kind string) []protocol.Cast {
	var out []protocol.Cast
	for _, msg := range p.ofType(protocol.TypeCast) {
		if msg.Cast.Kind == kind {
			out = append(out, *msg.Cast)
		}
	}
	return out
}

func (p *fakePeer) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = nil
}

func newTestAuthority(t *testing.T, mutate func(*config.GameConfig)) (*Authority, *simulation.ManualClock) {
	t.Helper()
	game := config.DefaultGame()
	game.Interval = testInterval
	game.Seed = 1
	if mutate != nil {
		mutate(&game)
	}
	clock := simulation.NewManualClock(time.UnixMilli(1_000_000))
	a, err := New(Options{Game: game, Clock: clock, Logger: logging.NewTestLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, clock
}

func (a *Authority) advanceFrames(clock *simulation.ManualClock, n int) {
	clock.Advance(time.Duration(n) * testInterval)
	a.step(clock.Now())
}

func join(t *testing.T, a *Authority, peer *fakePeer, local int, name string) int {
	t.Helper()
	a.handle(peer, protocol.Message{Type: protocol.TypeStart, Start: &protocol.Start{Local: local, Name: name}})
	for _, msg := range peer.ofType(protocol.TypeControl) {
		if msg.Control.Local == local && msg.Control.Slot >= 0 {
			return msg.Control.Slot
		}
	}
	t.Fatalf("no control message for local %d", local)
	return -1
}

func TestNewStartsOnConfiguredLevel(t *testing.T) {
	a, _ := newTestAuthority(t, func(g *config.GameConfig) { g.StartLevel = 2 })
	if a.level != 2 || a.buf.State().Level != 2 || a.buf.Frame() != 0 {
		t.Fatalf("unexpected start: level=%d frame=%d", a.level, a.buf.Frame())
	}
	if pending := a.buf.Pending(0); len(pending) != 1 || pending[0].Kind != sim.CmdFood {
		t.Fatalf("expected a food spawn scheduled on load, got %+v", pending)
	}
	if st := a.Status(); st.Level != 2 || st.IntervalMS != 85 {
		t.Fatalf("unexpected published status %+v", st)
	}
}

func TestJoinAssignsSlotAndBroadcastsSpawn(t *testing.T) {
	a, clock := newTestAuthority(t, nil)
	p1, p2 := newPeer("a"), newPeer("b")
	a.connected(p1)
	a.connected(p2)

	slot := join(t, a, p1, 0, "ann")
	if slot != 0 {
		t.Fatalf("expected slot 0, got %d", slot)
	}
	for _, p := range []*fakePeer{p1, p2} {
		joins := p.casts(protocol.CastJoin)
		if len(joins) != 1 || joins[0].Slot != 0 || joins[0].Name != "ann" {
			t.Fatalf("peer %s: unexpected join casts %+v", p.id, joins)
		}
		spawns := p.ofType(protocol.TypeDelayed)
		if len(spawns) != 1 || spawns[0].Event.Command.Kind != sim.CmdAddWorm || spawns[0].Event.Frame != a.buf.Frame() {
			t.Fatalf("peer %s: unexpected spawn broadcast %+v", p.id, spawns)
		}
	}
	if len(p2.ofType(protocol.TypeControl)) != 0 {
		t.Fatal("control must only reach the owner")
	}

	a.advanceFrames(clock, 1)
	if w := a.buf.State().Worm(0); w == nil || w.Status != sim.Alive || w.Name != "ann" {
		t.Fatalf("expected worm spawned in slot 0, got %+v", w)
	}
}

func TestJoinUsesSubjectWhenNameEmpty(t *testing.T) {
	a, _ := newTestAuthority(t, nil)
	p := newPeer("a")
	a.connected(p)
	join(t, a, p, 0, "  ")
	if joins := p.casts(protocol.CastJoin); len(joins) != 1 || joins[0].Name != "player-a" {
		t.Fatalf("expected subject as name, got %+v", joins)
	}
}

func TestJoinsInSameFrameGetDistinctSlots(t *testing.T) {
	a, _ := newTestAuthority(t, nil)
	p1, p2 := newPeer("a"), newPeer("b")
	a.connected(p1)
	a.connected(p2)
	first := join(t, a, p1, 0, "one")
	second := join(t, a, p1, 1, "two")
	third := join(t, a, p2, 0, "three")
	if first != 0 || second != 1 || third != 2 {
		t.Fatalf("expected slots 0,1,2 got %d,%d,%d", first, second, third)
	}
}

func TestRepeatStartConfirmsExistingSlot(t *testing.T) {
	a, _ := newTestAuthority(t, nil)
	p := newPeer("a")
	a.connected(p)
	join(t, a, p, 0, "ann")
	join(t, a, p, 0, "ann")
	if controls := p.ofType(protocol.TypeControl); len(controls) != 2 || controls[1].Control.Slot != 0 {
		t.Fatalf("expected a repeated control for slot 0, got %+v", controls)
	}
	if spawns := p.ofType(protocol.TypeDelayed); len(spawns) != 1 {
		t.Fatalf("expected a single spawn, got %d", len(spawns))
	}
}

func TestPlayerLimit(t *testing.T) {
	a, _ := newTestAuthority(t, func(g *config.GameConfig) { g.MaxPlayers = 1 })
	p := newPeer("a")
	a.connected(p)
	join(t, a, p, 0, "one")
	a.handle(p, protocol.Message{Type: protocol.TypeStart, Start: &protocol.Start{Local: 1, Name: "two"}})
	if controls := p.ofType(protocol.TypeControl); len(controls) != 1 {
		t.Fatalf("expected the second start refused, got %+v", controls)
	}
	if drops := a.Drops(); drops.Full != 1 {
		t.Fatalf("expected one full drop, got %+v", drops)
	}
}

func TestImmediateRelayedToOthers(t *testing.T) {
	a, _ := newTestAuthority(t, nil)
	p1, p2 := newPeer("a"), newPeer("b")
	a.connected(p1)
	a.connected(p2)
	slot := join(t, a, p1, 0, "ann")
	p1.reset()
	p2.reset()

	evt := lockstep.Event{Frame: a.buf.Frame() + 2, Command: sim.Move(slot, sim.Up)}
	a.handle(p1, protocol.Immediate(evt))
	relayed := p2.ofType(protocol.TypeDelayed)
	if len(relayed) != 1 || relayed[0].Event.Frame != evt.Frame || relayed[0].Event.Command.Dir != sim.Up {
		t.Fatalf("expected the move relayed, got %+v", relayed)
	}
	if len(p1.sent) != 0 {
		t.Fatalf("sender must not receive its own event, got %+v", p1.sent)
	}
	if pending := a.buf.Pending(evt.Frame); len(pending) != 1 {
		t.Fatalf("expected the move stored, got %+v", pending)
	}
}

func TestRateLimitedImmediateResyncsOncePerTick(t *testing.T) {
	a, clock := newTestAuthority(t, func(g *config.GameConfig) {
		g.MessageRate = 1
		g.MessageBurst = 4
	})
	p1 := newPeer("a")
	a.connected(p1)
	slot := join(t, a, p1, 0, "ann")
	p1.reset()

	//1.- The client predicts every toggle locally; the gate lets only a few through.
	frame := a.buf.Frame() + 2
	for i := 0; i < 30; i++ {
		a.handle(p1, protocol.Immediate(lockstep.Event{Frame: frame, Command: sim.UsePower(slot, i%2 == 0)}))
	}
	if drops := a.Drops(); drops.RateLimited == 0 {
		t.Fatalf("expected rate limited drops, got %+v", drops)
	}
	if stored := len(a.buf.Pending(frame)); stored >= 30 {
		t.Fatalf("expected some commands dropped, stored %d", stored)
	}

	//2.- The next tick corrects the prediction with a single load.
	a.advanceFrames(clock, 1)
	if loads := p1.ofType(protocol.TypeLoad); len(loads) != 1 {
		t.Fatalf("expected one load after dropped commands, got %d", len(loads))
	}
	a.advanceFrames(clock, 1)
	if loads := p1.ofType(protocol.TypeLoad); len(loads) != 1 {
		t.Fatalf("expected no further loads, got %d", len(loads))
	}
}

func TestImmediateForForeignSlotResyncs(t *testing.T) {
	a, _ := newTestAuthority(t, nil)
	p1, p2 := newPeer("a"), newPeer("b")
	a.connected(p1)
	a.connected(p2)
	slot := join(t, a, p1, 0, "ann")
	p1.reset()

	a.handle(p2, protocol.Immediate(lockstep.Event{Frame: a.buf.Frame() + 1, Command: sim.Move(slot, sim.Left)}))
	if loads := p2.ofType(protocol.TypeLoad); len(loads) != 1 {
		t.Fatalf("expected the sender resynced, got %d loads", len(loads))
	}
	if len(p1.sent) != 0 {
		t.Fatal("rejected command must not be relayed")
	}
	if drops := a.Drops(); drops.Unauthorized != 1 {
		t.Fatalf("expected one unauthorized drop, got %+v", drops)
	}
}

func TestImmediateOutsideWindowResyncs(t *testing.T) {
	a, _ := newTestAuthority(t, nil)
	p := newPeer("a")
	a.connected(p)
	slot := join(t, a, p, 0, "ann")

	a.handle(p, protocol.Immediate(lockstep.Event{Frame: a.buf.Frame() + 100, Command: sim.Move(slot, sim.Left)}))
	loads := p.ofType(protocol.TypeLoad)
	if len(loads) != 1 {
		t.Fatalf("expected a resync, got %d loads", len(loads))
	}
	if players := loads[0].Load.Players; len(players) != 1 || players[0].Slot != slot {
		t.Fatalf("expected the roster in the load, got %+v", players)
	}
	if drops := a.Drops(); drops.Window != 1 {
		t.Fatalf("expected one window drop, got %+v", drops)
	}
}

func TestQuitStartsCooldown(t *testing.T) {
	a, clock := newTestAuthority(t, nil)
	p := newPeer("a")
	a.connected(p)
	slot := join(t, a, p, 0, "ann")
	a.advanceFrames(clock, 1)

	a.handle(p, protocol.Delayed(sim.Disconnect(0)))
	if quits := p.casts(protocol.CastQuit); len(quits) != 1 || quits[0].Slot != slot {
		t.Fatalf("expected a quit cast, got %+v", quits)
	}
	before := len(p.ofType(protocol.TypeControl))
	a.handle(p, protocol.Message{Type: protocol.TypeStart, Start: &protocol.Start{Local: 0, Name: "ann"}})
	if len(p.ofType(protocol.TypeControl)) != before {
		t.Fatal("start during cooldown must be ignored")
	}
	if drops := a.Drops(); drops.Cooldown != 1 {
		t.Fatalf("expected one cooldown drop, got %+v", drops)
	}

	a.advanceFrames(clock, config.DefaultCooldownFrames+1)
	a.handle(p, protocol.Message{Type: protocol.TypeStart, Start: &protocol.Start{Local: 0, Name: "ann"}})
	controls := p.ofType(protocol.TypeControl)
	if len(controls) != before+1 || controls[before].Control.Slot < 0 {
		t.Fatalf("expected a new slot after the cooldown, got %+v", controls)
	}
}

func TestReviveRequiresOwnershipAndDeath(t *testing.T) {
	a, clock := newTestAuthority(t, nil)
	p1, p2 := newPeer("a"), newPeer("b")
	a.connected(p1)
	a.connected(p2)
	slot := join(t, a, p1, 0, "ann")
	a.advanceFrames(clock, 1)
	p1.reset()

	a.handle(p1, protocol.Delayed(sim.Revive(slot, sim.Segment{})))
	if len(p1.ofType(protocol.TypeDelayed)) != 0 {
		t.Fatal("a living worm must not be revived")
	}
	a.handle(p2, protocol.Delayed(sim.Revive(slot, sim.Segment{})))
	if len(p2.ofType(protocol.TypeLoad)) != 1 {
		t.Fatal("reviving a foreign worm must resync the sender")
	}
}

func TestTimeRequestReportsClock(t *testing.T) {
	a, clock := newTestAuthority(t, nil)
	p := newPeer("a")
	a.connected(p)
	a.advanceFrames(clock, 3)

	a.handle(p, protocol.Request(protocol.TypeTime))
	replies := p.ofType(protocol.TypeTime)
	if len(replies) != 1 {
		t.Fatalf("expected one time reply, got %d", len(replies))
	}
	ts := replies[0].Time
	if ts.Start != 1_000_000 || ts.Now != clock.Now().UnixMilli() || ts.Interval != 85 || ts.Frame != 3 {
		t.Fatalf("unexpected time sync %+v", ts)
	}
}

func TestFramePingReportsPartialFrame(t *testing.T) {
	a, clock := newTestAuthority(t, nil)
	p := newPeer("a")
	a.connected(p)
	a.advanceFrames(clock, 4)
	clock.Advance(testInterval / 2)

	a.handle(p, protocol.Request(protocol.TypeFramePing))
	pongs := p.ofType(protocol.TypeFramePong)
	if len(pongs) != 1 || pongs[0].FramePong.Frame < 4 || pongs[0].FramePong.Frame >= 5 {
		t.Fatalf("expected a pong between frames 4 and 5, got %+v", pongs)
	}
}

func TestLagReportCastsPings(t *testing.T) {
	a, _ := newTestAuthority(t, nil)
	p1, p2 := newPeer("a"), newPeer("b")
	a.connected(p1)
	a.connected(p2)
	join(t, a, p1, 0, "one")
	join(t, a, p1, 1, "two")

	a.handle(p1, protocol.Message{Type: protocol.TypeLag, Lag: &protocol.Lag{PingMS: 42}})
	pings := p2.casts(protocol.CastPing)
	if len(pings) != 1 || len(pings[0].Pings) != 2 || pings[0].Pings[1].PingMS != 42 {
		t.Fatalf("expected a ping cast for both worms, got %+v", pings)
	}
}

func TestDisconnectRetiresWorms(t *testing.T) {
	a, clock := newTestAuthority(t, nil)
	p1, p2 := newPeer("a"), newPeer("b")
	a.connected(p1)
	a.connected(p2)
	slot := join(t, a, p1, 0, "ann")
	a.advanceFrames(clock, 1)

	a.disconnected(p1)
	if quits := p2.casts(protocol.CastQuit); len(quits) != 1 || quits[0].Slot != slot {
		t.Fatalf("expected a quit cast, got %+v", quits)
	}
	a.advanceFrames(clock, 1)
	if w := a.buf.State().Worm(slot); w == nil || w.Status != sim.Disconnected {
		t.Fatalf("expected the worm disconnected, got %+v", w)
	}
	if a.clients.Len() != 1 {
		t.Fatalf("expected one client left, got %d", a.clients.Len())
	}
}

func TestWinLoadsNextLevel(t *testing.T) {
	a, clock := newTestAuthority(t, nil)
	p := newPeer("a")
	a.connected(p)

	//1.- A 100 segment worm heading right with food right in front of it.
	state := a.buf.State().Clone()
	tail := make([]sim.Segment, 100)
	tail[0] = sim.Segment{Y: 10, X: 10, Layer: level.Surface, Dir: sim.Right}
	for i := 1; i < len(tail); i++ {
		tail[i] = sim.Segment{Y: 10, X: 9, Layer: level.Surface, Dir: sim.Right}
	}
	state.Worms = []*sim.Worm{{Tail: tail, MaxLen: 120, Status: sim.Alive, Name: "long"}}
	state.Food = []sim.Food{{Y: 10, X: 11}}
	state.Grid.Set(10, 11, level.Surface, level.Food)
	a.buf.Reset(state, nil)
	a.clients.Set(p.id, &client{peer: p, worms: []int{0}, names: []string{"long"}})
	p.reset()

	a.advanceFrames(clock, 40)
	if a.level != 1 {
		t.Fatalf("expected level 1 after the win, got %d", a.level)
	}
	if a.buf.Frame() != 0 {
		t.Fatalf("expected the frame restarted, got %d", a.buf.Frame())
	}
	w := a.buf.State().Worm(0)
	if w == nil || w.Status != sim.Dead || len(w.Tail) != 0 {
		t.Fatalf("expected the winner dead and cleared, got %+v", w)
	}
	loads := p.ofType(protocol.TypeLoad)
	if len(loads) != 1 || loads[0].Load.Base.Level != 1 || loads[0].Load.Frame != 0 {
		t.Fatalf("expected a level 1 load, got %+v", loads)
	}
	if a.Stats().Levels != 2 {
		t.Fatalf("expected two level loads, got %d", a.Stats().Levels)
	}
}

func TestLoadLevelKeepsUnspawnedSlotsRevivable(t *testing.T) {
	a, clock := newTestAuthority(t, nil)
	p := newPeer("a")
	a.connected(p)
	slot := join(t, a, p, 0, "ann")

	a.loadLevel(3, clock.Now())
	w := a.buf.State().Worm(slot)
	if w == nil || w.Status != sim.Dead || w.Name != "ann" {
		t.Fatalf("expected a dead placeholder, got %+v", w)
	}
}

func TestIdleWormDisconnectedOnce(t *testing.T) {
	a, clock := newTestAuthority(t, func(g *config.GameConfig) {
		g.IdleFrames = 5
		g.SweepEvery = 10
	})
	p := newPeer("a")
	a.connected(p)
	slot := join(t, a, p, 0, "ann")

	//1.- The worm runs straight into a wall, decays, then idles out.
	for i := 0; i < 200; i++ {
		a.advanceFrames(clock, 5)
	}
	revoked := 0
	for _, msg := range p.ofType(protocol.TypeControl) {
		if msg.Control.Slot == -1 && msg.Control.Local == 0 {
			revoked++
		}
	}
	if revoked != 1 {
		t.Fatalf("expected the local index revoked once, got %d", revoked)
	}
	if quits := p.casts(protocol.CastQuit); len(quits) != 1 || quits[0].Slot != slot {
		t.Fatalf("expected one quit cast, got %+v", quits)
	}
	c, _ := a.clients.Get(p.id)
	if c.worms[0] != -1 {
		t.Fatalf("expected the slot released, got %d", c.worms[0])
	}
	if w := a.buf.State().Worm(slot); w == nil || w.Status != sim.Disconnected {
		t.Fatalf("expected the worm disconnected, got %+v", w)
	}
}

func TestRunProcessesPeersAndStops(t *testing.T) {
	a, clock := newTestAuthority(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	p := newPeer("a")
	a.Attach(p)
	if err := a.StartupError(); err != nil {
		t.Fatalf("expected ready, got %v", err)
	}
	a.Deliver(p, protocol.Message{Type: protocol.TypeStart, Start: &protocol.Start{Local: 0, Name: "ann"}})
	clock.Advance(3 * testInterval)

	st := a.Status()
	if st.Clients != 1 || len(st.Players) != 1 || st.Frame != 3 {
		t.Fatalf("unexpected status %+v", st)
	}
	if a.Clients() != 1 {
		t.Fatalf("expected one client, got %d", a.Clients())
	}
	if err := a.Run(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	if !p.isClosed() {
		t.Fatal("expected peers closed on shutdown")
	}
	if err := a.StartupError(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning after stop, got %v", err)
	}
	a.Deliver(p, protocol.Request(protocol.TypeTime))
}

func TestTimeSampleExtrapolatesFrame(t *testing.T) {
	a, clock := newTestAuthority(t, nil)
	clock.Advance(10 * testInterval)
	sample := a.TimeSample()
	if sample.Frame != 10 || sample.Interval != testInterval || !sample.Start.Equal(time.UnixMilli(1_000_000)) {
		t.Fatalf("unexpected sample %+v", sample)
	}
}
