package client

import (
	"context"
	"errors"
	"time"

	"wormy/broker/internal/logging"
	"wormy/broker/internal/protocol"
	"wormy/broker/internal/simulation"
	"wormy/broker/internal/transport"
)

// ErrConnectionClosed is returned by Run when the broker hangs up.
var ErrConnectionClosed = errors.New("connection closed by broker")

// Session binds a Predictor to a websocket connection and a frame loop.
type Session struct {
	conn      *transport.Conn
	inbound   <-chan protocol.Message
	predictor *Predictor
	clock     simulation.Clock
	monitor   *simulation.TickMonitor
	logger    *logging.Logger
	afterStep func(now time.Time)
}

// Dial connects to the broker and prepares a predictor on the connection.
func Dial(ctx context.Context, dial transport.DialConfig, cfg Config) (*Session, error) {
	cfg.defaults()
	if dial.Logger == nil {
		dial.Logger = cfg.Logger
	}
	conn, inbound, err := transport.Dial(ctx, dial)
	if err != nil {
		return nil, err
	}
	return &Session{
		conn:      conn,
		inbound:   inbound,
		predictor: NewPredictor(conn, cfg),
		clock:     cfg.Clock,
		monitor:   simulation.NewTickMonitor(),
		logger:    cfg.Logger.Named("session"),
	}, nil
}

// Predictor exposes the session's predictor for issuing commands.
func (s *Session) Predictor() *Predictor { return s.predictor }

// Stats reports frame loop timings.
func (s *Session) Stats() simulation.TickMetricsSnapshot { return s.monitor.Snapshot() }

// OnStep registers fn to run on the loop goroutine after every step.
func (s *Session) OnStep(fn func(now time.Time)) { s.afterStep = fn }

// Run performs the handshake, steps the prediction and applies inbound
// messages until ctx ends or the broker disconnects.
func (s *Session) Run(ctx context.Context) error {
	defer s.conn.Close()
	if err := s.predictor.Connect(); err != nil {
		return err
	}
	loop := simulation.NewLoop(s.clock, s.step, s.monitor)
	loop.Start(ctx)
	defer loop.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-s.inbound:
			if !ok {
				return ErrConnectionClosed
			}
			if err := s.predictor.Handle(msg); err != nil {
				s.logger.Warn("message rejected", logging.String("type", string(msg.Type)), logging.Error(err))
			}
		}
	}
}

func (s *Session) step(now time.Time) time.Duration {
	before := s.predictor.Frame()
	wait := s.predictor.Tick(now)
	if stepped := s.predictor.Frame() - before; before >= 0 && stepped > 0 {
		s.monitor.ObserveFrames(stepped)
	}
	if s.afterStep != nil {
		s.afterStep(now)
	}
	return wait
}
