package transport

import (
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"wormy/broker/internal/logging"
	"wormy/broker/internal/protocol"
)

// Handler receives the lifecycle of every connection. Received is called
// from the connection's read goroutine in arrival order.
type Handler interface {
	Connected(c *Conn)
	Received(c *Conn, msg protocol.Message)
	Disconnected(c *Conn)
}

// DecodeErrorHandler is told about frames that failed to decode.
type DecodeErrorHandler interface {
	DecodeFailed(c *Conn, err error)
}

// Authenticator validates an upgrade request and returns the subject.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// AllowAll accepts every request with an empty subject.
type AllowAll struct{}

func (AllowAll) Authenticate(*http.Request) (string, error) { return "", nil }

// Config tunes the websocket endpoint.
type Config struct {
	AllowedOrigins  []string
	MaxPayloadBytes int64
	PingInterval    time.Duration
	MaxClients      int
	SendBuffer      int
	Authenticator   Authenticator
	Logger          *logging.Logger
}

// Server upgrades HTTP requests and pumps messages to a Handler.
type Server struct {
	cfg      Config
	handler  Handler
	upgrader websocket.Upgrader
	logger   *logging.Logger
	active   atomic.Int64
}

// NewServer builds a websocket endpoint feeding handler.
func NewServer(handler Handler, cfg Config) *Server {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.Authenticator == nil {
		cfg.Authenticator = AllowAll{}
	}
	s := &Server{cfg: cfg, handler: handler, logger: cfg.Logger.Named("transport")}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		Subprotocols:    protocol.Subprotocols(),
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Active reports the number of open connections.
func (s *Server) Active() int { return int(s.active.Load()) }

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and blocks until the connection closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	//1.- Reject unauthenticated and over-capacity requests before upgrading.
	subject, err := s.cfg.Authenticator.Authenticate(r)
	if err != nil {
		s.logger.Warn("websocket auth rejected", logging.String("remote", r.RemoteAddr), logging.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.cfg.MaxClients > 0 && s.Active() >= s.cfg.MaxClients {
		http.Error(w, "server full", http.StatusServiceUnavailable)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", logging.String("remote", r.RemoteAddr), logging.Error(err))
		return
	}

	//2.- Register the connection and start the writer before the handler can send.
	codec := protocol.CodecFor(ws.Subprotocol())
	conn := newConn(uuid.NewString(), subject, r.RemoteAddr, ws, codec, s.cfg.SendBuffer, s.logger)
	s.active.Add(1)
	defer s.active.Add(-1)
	go conn.writePump(s.cfg.PingInterval)
	conn.logger.Info("client connected", logging.String("codec", codec.Name()), logging.String("subject", subject))
	s.handler.Connected(conn)
	defer func() {
		s.handler.Disconnected(conn)
		conn.logger.Info("client disconnected")
	}()

	//3.- Pump inbound frames until the peer leaves.
	onError := func(err error) {
		conn.logger.Debug("discarding malformed frame", logging.Error(err))
		if h, ok := s.handler.(DecodeErrorHandler); ok {
			h.DecodeFailed(conn, err)
		}
	}
	conn.readPump(s.cfg.PingInterval, s.cfg.MaxPayloadBytes, func(msg protocol.Message) {
		s.handler.Received(conn, msg)
	}, onError)
}
