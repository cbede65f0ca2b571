// Package transport carries protocol messages over websockets.
package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/websocket"

	"wormy/broker/internal/logging"
	"wormy/broker/internal/protocol"
)

var (
	// ErrClosed is returned when sending on a closed connection.
	ErrClosed = errors.New("connection closed")
	// ErrSendBufferFull is returned when a peer cannot keep up; the connection is closed.
	ErrSendBufferFull = errors.New("send buffer full")
)

const writeWait = 10 * time.Second

type frame struct {
	kind int
	data []byte
}

// Conn is one websocket peer. Send is safe for concurrent use.
type Conn struct {
	id      string
	subject string
	remote  string
	ws      *websocket.Conn
	codec   protocol.Codec
	logger  *logging.Logger

	send      chan frame
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(id, subject, remote string, ws *websocket.Conn, codec protocol.Codec, buffer int, logger *logging.Logger) *Conn {
	if buffer <= 0 {
		buffer = 256
	}
	return &Conn{
		id:      id,
		subject: subject,
		remote:  remote,
		ws:      ws,
		codec:   codec,
		logger:  logger.With(logging.String("conn_id", id), logging.String("remote", remote)),
		send:    make(chan frame, buffer),
		done:    make(chan struct{}),
	}
}

// ID is the unique connection identifier.
func (c *Conn) ID() string { return c.id }

// Subject is the authenticated identity, empty when auth is disabled.
func (c *Conn) Subject() string { return c.subject }

// Remote is the peer address.
func (c *Conn) Remote() string { return c.remote }

// Codec is the negotiated message codec.
func (c *Conn) Codec() protocol.Codec { return c.codec }

// Done is closed once the connection shuts down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Send encodes msg and queues it without blocking.
func (c *Conn) Send(msg protocol.Message) error {
	data, err := c.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	kind := websocket.TextMessage
	if c.codec.Binary() {
		kind = websocket.BinaryMessage
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- frame{kind: kind, data: data}:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		c.logger.Warn("dropping slow connection", logging.String("type", string(msg.Type)))
		c.Close()
		return ErrSendBufferFull
	}
}

// Close shuts the connection down once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// recoverPanic reports a panic from a connection goroutine and closes the peer.
func (c *Conn) recoverPanic(pump string) {
	if r := recover(); r != nil {
		c.logger.Error("connection goroutine panicked", logging.String("pump", pump), logging.String("panic", fmt.Sprint(r)))
		hub := sentry.CurrentHub().Clone()
		hub.ConfigureScope(func(scope *sentry.Scope) {
			scope.SetTag("pump", pump)
			scope.SetTag("conn_id", c.id)
		})
		hub.Recover(r)
		hub.Flush(2 * time.Second)
		c.Close()
	}
}

func (c *Conn) writePump(pingInterval time.Duration) {
	defer c.recoverPanic("write")
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(f.kind, f.data); err != nil {
				c.logger.Debug("write failed", logging.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump decodes frames until the peer goes away. Undecodable frames are
// reported to onError and skipped.
func (c *Conn) readPump(pingInterval time.Duration, limit int64, deliver func(protocol.Message), onError func(error)) {
	defer c.recoverPanic("read")
	defer c.Close()
	if limit > 0 {
		c.ws.SetReadLimit(limit)
	}
	wait := pingInterval * 2
	_ = c.ws.SetReadDeadline(time.Now().Add(wait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(wait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read failed", logging.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(wait))
		msg, err := c.codec.Decode(data)
		if err != nil {
			onError(err)
			continue
		}
		deliver(msg)
	}
}
