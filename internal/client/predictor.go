// Package client is the player side of the lockstep protocol: it predicts the
// simulation locally, issues commands and keeps its frame clock aligned with
// the broker.
package client

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"wormy/broker/internal/level"
	"wormy/broker/internal/lockstep"
	"wormy/broker/internal/logging"
	"wormy/broker/internal/protocol"
	"wormy/broker/internal/sim"
	"wormy/broker/internal/simulation"
	"wormy/broker/internal/timesync"
)

// DefaultSyncEvery is how many frames pass between frame-ping rate checks.
const DefaultSyncEvery = 15

// DefaultLocalPlayers is how many local input indexes a predictor tracks.
const DefaultLocalPlayers = 4

var (
	// ErrNotLoaded is returned for commands issued before the first load.
	ErrNotLoaded = errors.New("no game loaded")
	// ErrNoWorm is returned when the local index controls no living worm.
	ErrNoWorm = errors.New("local index controls no living worm")
	// ErrReverse is returned for a turn back into the worm's own body.
	ErrReverse = errors.New("direction reverses into the worm")
	// ErrLocalIndex is returned for a local index out of range.
	ErrLocalIndex = errors.New("local index out of range")
)

// Sender is the outbound half of a connection.
type Sender interface {
	Send(msg protocol.Message) error
}

// Config tunes a Predictor.
type Config struct {
	Depth        int
	PlayAt       int
	MoveInterval int
	Interval     time.Duration
	RateDamping  float64
	SyncEvery    int
	LocalPlayers int
	Levels       level.Provider
	Clock        simulation.Clock
	Logger       *logging.Logger
}

func (c *Config) defaults() {
	if c.Depth <= 0 {
		c.Depth = lockstep.DefaultDepth
	}
	if c.PlayAt <= 0 {
		c.PlayAt = lockstep.DefaultPlayAt
	}
	if c.MoveInterval <= 0 {
		c.MoveInterval = sim.DefaultMoveInterval
	}
	if c.Interval <= 0 {
		c.Interval = 85 * time.Millisecond
	}
	if c.SyncEvery <= 0 {
		c.SyncEvery = DefaultSyncEvery
	}
	if c.LocalPlayers <= 0 {
		c.LocalPlayers = DefaultLocalPlayers
	}
	if c.Levels == nil {
		c.Levels = level.Standard
	}
	if c.Clock == nil {
		c.Clock = simulation.SystemClock{}
	}
}

type localPlayer struct {
	slot      int
	hasDir    bool
	dirWindow int
	lastDir   sim.Direction
}

// Predictor mirrors the broker's simulation. All methods are safe for
// concurrent use; the frame loop and the inbound pump share it.
type Predictor struct {
	mu     sync.Mutex
	cfg    Config
	sender Sender
	clock  simulation.Clock
	logger *logging.Logger
	rules  *sim.Rules

	buf     *lockstep.Buffer
	fclock  *simulation.FrameClock
	rate    *simulation.RateAdapter
	started bool
	oos     bool

	locals []localPlayer
	roster map[int]string
	pings  map[int]float64

	timeSent   time.Time
	pingSent   time.Time
	serverDiff time.Duration
	synced     bool
	wantLoad   bool
	lastPing   int
}

// NewPredictor builds an idle predictor that sends through sender.
func NewPredictor(sender Sender, cfg Config) *Predictor {
	cfg.defaults()
	p := &Predictor{
		cfg:    cfg,
		sender: sender,
		clock:  cfg.Clock,
		logger: cfg.Logger.Named("predictor"),
		fclock: simulation.NewFrameClock(cfg.Clock.Now(), cfg.Interval),
		rate:   simulation.NewRateAdapter(cfg.Interval, cfg.RateDamping),
		locals: make([]localPlayer, cfg.LocalPlayers),
		roster: make(map[int]string),
		pings:  make(map[int]float64),
	}
	p.rules = sim.NewRules(cfg.MoveInterval, nil, p.logger)
	for i := range p.locals {
		p.locals[i].slot = -1
	}
	return p
}

// Connect starts the clock handshake; the load request follows its answer.
func (p *Predictor) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wantLoad = true
	p.timeSent = p.clock.Now()
	return p.sender.Send(protocol.Request(protocol.TypeTime))
}

// Handle applies one inbound message.
func (p *Predictor) Handle(msg protocol.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch msg.Type {
	case protocol.TypeTime:
		return p.handleTime(msg.Time)
	case protocol.TypeLoad:
		return p.handleLoad(msg.Load)
	case protocol.TypeDelayed, protocol.TypeImmediate:
		return p.handleEvent(msg.Event)
	case protocol.TypeControl:
		if c := msg.Control; c != nil && c.Local >= 0 && c.Local < len(p.locals) {
			p.locals[c.Local] = localPlayer{slot: c.Slot}
		}
	case protocol.TypeCast:
		p.handleCast(msg.Cast)
	case protocol.TypeFramePong:
		return p.handleFramePong(msg.FramePong)
	default:
		p.logger.Debug("ignoring message", logging.String("type", string(msg.Type)))
	}
	return nil
}

func (p *Predictor) handleTime(t *protocol.TimeSync) error {
	if t == nil {
		return errors.New("time sync without payload")
	}
	now := p.clock.Now()
	ping := now.Sub(p.timeSent)
	//1.- Half the round trip elapsed since the server read its clock.
	serverNow := time.UnixMilli(t.Now)
	p.serverDiff = now.Add(-ping / 2).Sub(serverNow)
	p.synced = true
	if t.Interval > 0 {
		interval := time.Duration(t.Interval * float64(time.Millisecond))
		p.cfg.Interval = interval
		p.rate = simulation.NewRateAdapter(interval, p.cfg.RateDamping)
		p.fclock = simulation.NewFrameClock(timesync.EstimateStart(time.UnixMilli(t.Start), serverNow, now, ping), interval)
	}
	if err := p.sender.Send(protocol.Message{Type: protocol.TypeLag, Lag: &protocol.Lag{PingMS: ms(ping)}}); err != nil {
		return err
	}
	if p.wantLoad {
		p.wantLoad = false
		return p.sender.Send(protocol.Request(protocol.TypeLoad))
	}
	return nil
}

func (p *Predictor) handleLoad(l *protocol.Load) error {
	if l == nil {
		return errors.New("load without payload")
	}
	base, err := sim.Expand(l.Base, p.cfg.Levels)
	if err != nil {
		return fmt.Errorf("expand base: %w", err)
	}
	if p.buf == nil {
		p.buf = lockstep.New(p.rules, lockstep.Config{Depth: p.cfg.Depth, PlayAt: p.cfg.PlayAt}, base, lockstep.WithLogger(p.logger))
	}
	p.buf.Reset(base, l.Moves)

	//1.- Anchor the frame clock on the server's start time when the offset is known.
	now := p.clock.Now()
	p.fclock = simulation.NewFrameClock(now, p.cfg.Interval)
	if p.synced && l.Start > 0 {
		p.fclock.SetStart(time.UnixMilli(l.Start).Add(p.serverDiff))
	} else {
		p.fclock.Reanchor(p.buf.Frame(), now)
	}
	p.rate.Reset()

	p.roster = make(map[int]string, len(l.Players))
	for _, pl := range l.Players {
		p.roster[pl.Slot] = pl.Name
	}
	p.oos = false
	p.started = true
	p.lastPing = p.buf.Frame()
	p.logger.Info("game loaded", logging.Int("frame", p.buf.Frame()), logging.Int("level", base.Level), logging.Int("players", len(l.Players)))
	return nil
}

func (p *Predictor) handleEvent(evt *lockstep.Event) error {
	if evt == nil {
		return errors.New("event without payload")
	}
	if p.buf == nil {
		return nil
	}
	//1.- Never fall so far behind that an event lands past the lookahead.
	for p.buf.Frame() < evt.Frame-p.cfg.PlayAt {
		p.buf.Advance()
	}
	if p.buf.AddEvent(evt.Frame, evt.Command) || p.oos {
		return nil
	}
	//2.- Report the refusal once; the server answers with a load.
	p.oos = true
	p.logger.Warn("event outside window", logging.Int("frame", p.buf.Frame()), logging.Int("event_frame", evt.Frame))
	return p.sender.Send(protocol.Message{Type: protocol.TypeOutOfSync, OutOfSync: &protocol.OutOfSync{Frame: p.buf.Frame(), EventFrame: evt.Frame}})
}

func (p *Predictor) handleCast(c *protocol.Cast) {
	if c == nil {
		return
	}
	switch c.Kind {
	case protocol.CastJoin:
		p.roster[c.Slot] = c.Name
	case protocol.CastQuit:
		delete(p.roster, c.Slot)
		delete(p.pings, c.Slot)
	case protocol.CastPing:
		for _, ping := range c.Pings {
			p.pings[ping.Slot] = ping.PingMS
		}
	}
}

func (p *Predictor) handleFramePong(pong *protocol.FramePong) error {
	if pong == nil || p.pingSent.IsZero() {
		return nil
	}
	now := p.clock.Now()
	ping := now.Sub(p.pingSent)
	p.pingSent = time.Time{}
	//1.- The server frame has advanced by half a round trip since it answered.
	serverFrame := pong.Frame + float64(ping/2)/float64(p.rate.Target())
	lag := &protocol.Lag{PingMS: ms(ping)}
	if !p.started {
		if p.buf != nil {
			p.buf.AdvanceTo(int(serverFrame))
			p.fclock.Reanchor(p.buf.Frame(), now)
			p.started = true
		}
		return p.sender.Send(protocol.Message{Type: protocol.TypeLag, Lag: lag})
	}
	next, info, ok := p.rate.Sync(p.fclock.Interval(), serverFrame, p.fclock.PartialFrame(p.buf.Frame(), now))
	if ok {
		p.fclock.SetInterval(next, p.buf.Frame(), now)
		lag.Synced = true
		lag.OffsetMS = info.OffsetMS
		lag.SkewPercent = info.SkewPercent
		lag.OldSpeed = info.OldSpeed
		lag.NewSpeed = info.NewSpeed
	}
	return p.sender.Send(protocol.Message{Type: protocol.TypeLag, Lag: lag})
}

// Tick steps up to the frame due at now and returns the wait until the next
// frame. It is the StepFunc of the client frame loop.
func (p *Predictor) Tick(now time.Time) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.buf == nil {
		return p.cfg.Interval
	}
	if n := p.buf.AdvanceTo(p.fclock.Target(now)); n > 0 {
		p.fclock.MarkStep(now)
	}
	frame := p.buf.Frame()
	if frame-p.lastPing >= p.cfg.SyncEvery && p.pingSent.IsZero() {
		p.lastPing = frame
		p.pingSent = now
		if err := p.sender.Send(protocol.Request(protocol.TypeFramePing)); err != nil {
			p.logger.Debug("frame ping failed", logging.Error(err))
			p.pingSent = time.Time{}
		}
	}
	return p.fclock.NextTimeout(frame, now)
}

// Stop halts stepping until the next load, as when the player backgrounds the game.
func (p *Predictor) Stop() {
	p.mu.Lock()
	p.started = false
	p.mu.Unlock()
}

// Join asks the server for a worm on local.
func (p *Predictor) Join(local int, name string) error {
	if local < 0 || local >= p.cfg.LocalPlayers {
		return ErrLocalIndex
	}
	return p.sender.Send(protocol.Message{Type: protocol.TypeStart, Start: &protocol.Start{Local: local, Name: name}})
}

// Quit releases the worm on local. The server stamps the disconnect.
func (p *Predictor) Quit(local int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if local < 0 || local >= len(p.locals) {
		return ErrLocalIndex
	}
	p.locals[local] = localPlayer{slot: -1}
	return p.sender.Send(protocol.Delayed(sim.Disconnect(local)))
}

// Revive asks for a respawn of local's worm once it is dead and fully decayed.
func (p *Predictor) Revive(local int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot, w, err := p.wormLocked(local)
	if err != nil {
		return err
	}
	if w == nil || w.Status != sim.Dead || len(w.Tail) != 0 {
		return ErrNoWorm
	}
	return p.sender.Send(protocol.Delayed(sim.Command{Kind: sim.CmdRevive, Slot: slot}))
}

// Direction turns local's worm. A second turn inside the same move window
// is scheduled for the start of the next window so the first one still
// takes effect.
func (p *Predictor) Direction(local int, dir sim.Direction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot, w, err := p.wormLocked(local)
	if err != nil {
		return err
	}
	if w == nil || w.Status != sim.Alive || len(w.Tail) == 0 {
		return ErrNoWorm
	}
	frame := p.buf.Frame()
	mi := p.rules.EffectiveMoveInterval(w)
	lp := &p.locals[local]
	offset := 0
	//1.- A second turn in the same move window lands after the head has
	// moved along the first turn, so that turn is what it must not reverse.
	if lp.hasDir && lp.dirWindow == frame/mi && !sim.PowerActive(w, sim.PowerFreeze) {
		if dir.Reverse() == lp.lastDir {
			return ErrReverse
		}
		offset = mi - frame%mi
	} else {
		if len(w.Tail) > 1 && dir.Reverse() == w.Tail[1].Dir {
			return ErrReverse
		}
		lp.hasDir = true
		lp.dirWindow = frame / mi
		lp.lastDir = dir
	}
	return p.dispatchLocked(lockstep.Event{Frame: frame + offset, Command: sim.Move(slot, dir)})
}

// Power switches local's power on or off.
func (p *Predictor) Power(local int, on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot, w, err := p.wormLocked(local)
	if err != nil {
		return err
	}
	if w == nil {
		return ErrNoWorm
	}
	return p.dispatchLocked(lockstep.Event{Frame: p.buf.Frame(), Command: sim.UsePower(slot, on)})
}

func (p *Predictor) dispatchLocked(evt lockstep.Event) error {
	if err := p.sender.Send(protocol.Immediate(evt)); err != nil {
		return err
	}
	p.buf.AddEvent(evt.Frame, evt.Command)
	return nil
}

func (p *Predictor) wormLocked(local int) (int, *sim.Worm, error) {
	if local < 0 || local >= len(p.locals) {
		return -1, nil, ErrLocalIndex
	}
	if p.buf == nil {
		return -1, nil, ErrNotLoaded
	}
	slot := p.locals[local].slot
	if slot < 0 {
		return -1, nil, ErrNoWorm
	}
	return slot, p.buf.State().Worm(slot), nil
}

// View is a read-only snapshot handed to callbacks.
type View struct {
	Frame  int
	State  *sim.State
	Slots  []int
	Roster map[int]string
}

// Inspect runs fn with the current predicted state under the lock. fn must
// not retain the state.
func (p *Predictor) Inspect(fn func(View)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.buf == nil {
		fn(View{Roster: p.roster})
		return
	}
	slots := make([]int, len(p.locals))
	for i, lp := range p.locals {
		slots[i] = lp.slot
	}
	fn(View{Frame: p.buf.Frame(), State: p.buf.State(), Slots: slots, Roster: p.roster})
}

// Frame is the predicted frame, or -1 before the first load.
func (p *Predictor) Frame() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.buf == nil {
		return -1
	}
	return p.buf.Frame()
}

// Digest hashes the predicted state.
func (p *Predictor) Digest() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.buf == nil {
		return 0
	}
	return p.buf.State().Digest()
}

// Slot returns the worm slot local controls, or -1.
func (p *Predictor) Slot(local int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if local < 0 || local >= len(p.locals) {
		return -1
	}
	return p.locals[local].slot
}

// Started reports whether the frame clock is running.
func (p *Predictor) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// OutOfSync reports whether a refusal was reported since the last load.
func (p *Predictor) OutOfSync() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.oos
}

// GameStart is the local wall time of frame zero.
func (p *Predictor) GameStart() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fclock.Start()
}

// Interval is the current, possibly rate-adapted, frame duration.
func (p *Predictor) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fclock.Interval()
}

// Players lists the roster slots in ascending order.
func (p *Predictor) Players() []protocol.Player {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]protocol.Player, 0, len(p.roster))
	for slot, name := range p.roster {
		out = append(out, protocol.Player{Slot: slot, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

// Ping returns the last reported round trip of slot in milliseconds.
func (p *Predictor) Ping(slot int) (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.pings[slot]
	return v, ok
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
