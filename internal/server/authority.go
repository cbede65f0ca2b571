// Package server hosts the authoritative copy of the simulation. One
// goroutine owns the state; connections and the frame timer reach it through
// typed channels.
package server

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/elliotchance/orderedmap/v2"

	"wormy/broker/internal/config"
	"wormy/broker/internal/events"
	"wormy/broker/internal/input"
	"wormy/broker/internal/level"
	"wormy/broker/internal/lockstep"
	"wormy/broker/internal/logging"
	"wormy/broker/internal/match"
	"wormy/broker/internal/protocol"
	"wormy/broker/internal/replay"
	"wormy/broker/internal/sim"
	"wormy/broker/internal/simulation"
	"wormy/broker/internal/transport"
)

var (
	// ErrAlreadyRunning is returned by a second concurrent Run.
	ErrAlreadyRunning = errors.New("authority already running")
	// ErrNotRunning is reported by readiness checks outside Run.
	ErrNotRunning = errors.New("authority not running")
)

// Peer is the authority's view of a connection.
type Peer interface {
	ID() string
	Subject() string
	Send(msg protocol.Message) error
	Close()
}

// Options wires the authority's collaborators. Nil collaborators get
// defaults derived from Game.
type Options struct {
	Game      config.GameConfig
	Levels    level.Provider
	Clock     simulation.Clock
	Logger    *logging.Logger
	Session   *match.Session
	Flow      *match.Flow
	Gate      *input.Gate
	Validator *input.Validator
	Events    *events.Stream
	Replay    *replay.Writer
}

// client is one connection and the worms it controls per local index.
type client struct {
	peer  Peer
	worms []int
	names []string
	// stale is set when an immediate command the client already applied
	// locally was dropped; the next tick sends it a load.
	stale bool
}

type envelope struct {
	peer Peer
	msg  protocol.Message
	done chan struct{}
}

type tick struct {
	now   time.Time
	reply chan time.Duration
}

// Authority arbitrates commands, schedules world events and serves resyncs.
type Authority struct {
	game      config.GameConfig
	levels    level.Provider
	clock     simulation.Clock
	logger    *logging.Logger
	session   *match.Session
	flow      *match.Flow
	gate      *input.Gate
	validator *input.Validator
	events    *events.Stream
	replay    *replay.Writer

	rules   *sim.Rules
	buf     *lockstep.Buffer
	fclock  *simulation.FrameClock
	loop    *simulation.Loop
	monitor *simulation.TickMonitor

	clients   *orderedmap.OrderedMap[string, *client]
	idle      map[int]int
	winners   []int
	level     int
	foodCount int

	joins   chan envelope
	leaves  chan envelope
	inbound chan envelope
	ticks   chan tick

	running atomic.Bool
	stopped chan struct{}
	started time.Time
	status  atomic.Pointer[Status]

	levelsLoaded atomic.Uint64
	resyncs      atomic.Uint64
	broadcasts   atomic.Uint64
}

// New builds an authority on its start level. Nothing runs until Run.
func New(opts Options) (*Authority, error) {
	game := opts.Game
	if game.Interval <= 0 {
		game = config.DefaultGame()
	}
	if game.ServerBuffer <= 0 {
		game.ServerBuffer = config.ServerBufferFor(game.Buffer, game.PlayAt)
	}
	if opts.Levels == nil {
		opts.Levels = level.Standard
	}
	if opts.Clock == nil {
		opts.Clock = simulation.SystemClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	logger = logger.Named("authority")
	if opts.Session == nil {
		session, err := match.NewSession(match.WithSessionEnvLookup(nil))
		if err != nil {
			return nil, err
		}
		opts.Session = session
	}
	if opts.Flow == nil {
		opts.Flow = match.NewFlow(match.WithCooldownFrames(game.CooldownFrames), match.WithSeed(game.Seed))
	}
	if opts.Gate == nil {
		opts.Gate = input.NewGate(input.Config{Rate: game.MessageRate, Burst: game.MessageBurst}, logger, input.WithClock(opts.Clock))
	}
	if opts.Validator == nil {
		opts.Validator = input.NewValidator(input.DefaultConstraints, logger, opts.Clock)
	}
	grid := opts.Levels.Level(game.StartLevel)
	if grid == nil {
		return nil, errors.New("start level unavailable")
	}

	a := &Authority{
		game:      game,
		levels:    opts.Levels,
		clock:     opts.Clock,
		logger:    logger,
		session:   opts.Session,
		flow:      opts.Flow,
		gate:      opts.Gate,
		validator: opts.Validator,
		events:    opts.Events,
		replay:    opts.Replay,
		monitor:   simulation.NewTickMonitor(),
		clients:   orderedmap.NewOrderedMap[string, *client](),
		idle:      make(map[int]int),
		joins:     make(chan envelope),
		leaves:    make(chan envelope),
		inbound:   make(chan envelope),
		ticks:     make(chan tick),
		stopped:   make(chan struct{}),
	}
	a.rules = sim.NewRules(game.MoveInterval, hooks{a}, logger)
	a.buf = lockstep.New(a.rules, lockstep.Config{Depth: game.ServerBuffer, PlayAt: game.PlayAt},
		sim.NewState(game.StartLevel, grid),
		lockstep.WithFoldObserver(a.folded),
		lockstep.WithLogger(logger))
	now := a.clock.Now()
	a.fclock = simulation.NewFrameClock(now, game.EffectiveInterval())
	a.loop = simulation.NewLoop(a.clock, a.requestStep, a.monitor)
	a.started = now
	a.loadLevel(game.StartLevel, now)
	a.publish()
	return a, nil
}

// Run owns the simulation until ctx ends. Every state change happens on
// the calling goroutine.
func (a *Authority) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(a.stopped)
	a.logger.Info("authority running",
		logging.String("match_id", a.session.ID()),
		logging.Int("level", a.level),
		logging.Duration("interval", a.fclock.Interval()))
	a.loop.Start(ctx)
	defer a.loop.Stop()
	for {
		select {
		case <-ctx.Done():
			a.shutdown()
			return ctx.Err()
		case env := <-a.joins:
			a.connected(env.peer)
			a.publish()
			close(env.done)
		case env := <-a.leaves:
			a.disconnected(env.peer)
			a.publish()
			close(env.done)
		case env := <-a.inbound:
			a.handle(env.peer, env.msg)
			a.publish()
			close(env.done)
		case t := <-a.ticks:
			wait := a.step(t.now)
			a.publish()
			t.reply <- wait
		}
	}
}

// Attach registers a connection. It returns once the authority processed it.
func (a *Authority) Attach(peer Peer) { a.submit(a.joins, peer, protocol.Message{}) }

// Detach releases a connection and retires its worms.
func (a *Authority) Detach(peer Peer) { a.submit(a.leaves, peer, protocol.Message{}) }

// Deliver hands an inbound message to the authority in arrival order.
func (a *Authority) Deliver(peer Peer, msg protocol.Message) { a.submit(a.inbound, peer, msg) }

// Connected implements transport.Handler.
func (a *Authority) Connected(c *transport.Conn) { a.Attach(c) }

// Received implements transport.Handler.
func (a *Authority) Received(c *transport.Conn, msg protocol.Message) { a.Deliver(c, msg) }

// Disconnected implements transport.Handler.
func (a *Authority) Disconnected(c *transport.Conn) { a.Detach(c) }

// DecodeFailed implements transport.DecodeErrorHandler.
func (a *Authority) DecodeFailed(c *transport.Conn, err error) {
	a.gate.Record(c.ID(), input.DropReasonMalformed)
}

func (a *Authority) submit(ch chan<- envelope, peer Peer, msg protocol.Message) {
	env := envelope{peer: peer, msg: msg, done: make(chan struct{})}
	select {
	case ch <- env:
	case <-a.stopped:
		return
	}
	select {
	case <-env.done:
	case <-a.stopped:
	}
}

func (a *Authority) requestStep(now time.Time) time.Duration {
	t := tick{now: now, reply: make(chan time.Duration, 1)}
	select {
	case a.ticks <- t:
	case <-a.stopped:
		return time.Second
	}
	select {
	case wait := <-t.reply:
		return wait
	case <-a.stopped:
		return time.Second
	}
}

// shutdown tells every peer the match is over by closing it.
func (a *Authority) shutdown() {
	for el := a.clients.Front(); el != nil; el = el.Next() {
		el.Value.peer.Close()
	}
	if err := a.replay.Flush(); err != nil && !errors.Is(err, replay.ErrWriterClosed) {
		a.logger.Warn("replay flush on shutdown failed", logging.Error(err))
	}
	a.logger.Info("authority stopped", logging.Int("frame", a.buf.Frame()))
}

// hooks receives final-frame side effects from the rules.
type hooks struct{ a *Authority }

func (h hooks) FoodEaten(slot int) {
	h.a.foodCount = max(h.a.foodCount-1, 0)
	if slot >= 0 {
		h.a.winners = append(h.a.winners, slot)
	}
}

func (h hooks) Disconnected(slot int) {
	a := h.a
	delete(a.idle, slot)
	if _, err := a.events.PublishRoster(false, slot, ""); err != nil && !errors.Is(err, events.ErrNilStream) {
		a.logger.Debug("roster event dropped", logging.Int("slot", slot), logging.Error(err))
	}
	a.recordEvent(replay.EventQuit, map[string]int{"slot": slot})
}

// folded observes every frame that became final.
func (a *Authority) folded(frame int, cmds []sim.Command, after *sim.State) {
	a.replay.Fold(frame, cmds, after)
	if a.events == nil {
		return
	}
	if _, err := a.events.PublishFrame(frame, cmds, after.Digest()); err != nil {
		a.logger.Debug("frame event dropped", logging.Int("frame", frame), logging.Error(err))
	}
}

func (a *Authority) recordEvent(kind string, payload any) {
	if a.replay == nil {
		return
	}
	if err := a.replay.AppendEvent(a.buf.Frame(), kind, payload); err != nil && !errors.Is(err, replay.ErrWriterClosed) {
		a.logger.Warn("replay event dropped", logging.String("type", kind), logging.Error(err))
	}
}
