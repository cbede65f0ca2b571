package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"wormy/broker/internal/logging"
	"wormy/broker/internal/protocol"
)

// DialConfig configures an outbound connection.
type DialConfig struct {
	URL          string
	Subprotocol  string
	Header       http.Header
	PingInterval time.Duration
	SendBuffer   int
	Logger       *logging.Logger
}

// Dial connects to a broker and returns the connection plus a channel of
// decoded inbound messages, closed when the connection ends.
func Dial(ctx context.Context, cfg DialConfig) (*Conn, <-chan protocol.Message, error) {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     []string{cfg.Subprotocol},
	}
	if cfg.Subprotocol == "" {
		dialer.Subprotocols = protocol.Subprotocols()
	}
	ws, _, err := dialer.DialContext(ctx, cfg.URL, cfg.Header)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}
	logger := cfg.Logger.Named("client")
	conn := newConn("client", "", cfg.URL, ws, protocol.CodecFor(ws.Subprotocol()), cfg.SendBuffer, logger)
	inbound := make(chan protocol.Message, 64)
	go conn.writePump(cfg.PingInterval)
	go func() {
		defer close(inbound)
		conn.readPump(cfg.PingInterval, 0, func(msg protocol.Message) {
			select {
			case inbound <- msg:
			case <-conn.Done():
			}
		}, func(err error) {
			logger.Warn("discarding malformed frame", logging.Error(err))
		})
	}()
	return conn, inbound, nil
}
