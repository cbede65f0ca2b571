package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"wormy/broker/internal/lockstep"
	"wormy/broker/internal/protocol"
	"wormy/broker/internal/sim"
)

type echoHandler struct {
	mu           sync.Mutex
	connected    []string
	malformed    int
	disconnected chan string
}

func (h *echoHandler) Connected(c *Conn) {
	h.mu.Lock()
	h.connected = append(h.connected, c.Subject())
	h.mu.Unlock()
}

func (h *echoHandler) Received(c *Conn, msg protocol.Message) {
	if msg.Type == protocol.TypeImmediate {
		evt := *msg.Event
		evt.Frame++
		_ = c.Send(protocol.Broadcast(evt))
	}
}

func (h *echoHandler) Disconnected(c *Conn) {
	if h.disconnected != nil {
		h.disconnected <- c.ID()
	}
}

func (h *echoHandler) DecodeFailed(*Conn, error) {
	h.mu.Lock()
	h.malformed++
	h.mu.Unlock()
}

type tokenAuth struct{}

func (tokenAuth) Authenticate(r *http.Request) (string, error) {
	if token := r.URL.Query().Get("auth_token"); token != "" {
		return token, nil
	}
	return "", errors.New("missing auth token")
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestServerEchoesOverBothCodecs(t *testing.T) {
	handler := &echoHandler{}
	srv := httptest.NewServer(NewServer(handler, Config{PingInterval: time.Second}))
	defer srv.Close()

	for _, sub := range []string{protocol.SubprotocolJSON, protocol.SubprotocolMsgpack} {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		conn, inbound, err := Dial(ctx, DialConfig{URL: wsURL(srv), Subprotocol: sub})
		if err != nil {
			cancel()
			t.Fatalf("%s dial: %v", sub, err)
		}
		if conn.Codec().Name() != sub {
			t.Fatalf("expected negotiated %s, got %s", sub, conn.Codec().Name())
		}
		if err := conn.Send(protocol.Immediate(lockstep.Event{Frame: 9, Command: sim.Move(2, sim.Left)})); err != nil {
			t.Fatalf("%s send: %v", sub, err)
		}
		select {
		case msg := <-inbound:
			if msg.Type != protocol.TypeDelayed || msg.Event.Frame != 10 || msg.Event.Command.Dir != sim.Left {
				t.Fatalf("%s: unexpected echo %+v", sub, msg)
			}
		case <-ctx.Done():
			t.Fatalf("%s: timed out waiting for echo", sub)
		}
		conn.Close()
		cancel()
	}
}

func TestServerRejectsUnauthenticated(t *testing.T) {
	handler := &echoHandler{}
	srv := httptest.NewServer(NewServer(handler, Config{Authenticator: tokenAuth{}}))
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := Dial(ctx, DialConfig{URL: wsURL(srv)}); err == nil {
		t.Fatal("expected dial without token to fail")
	}
	conn, _, err := Dial(ctx, DialConfig{URL: wsURL(srv) + "?auth_token=ana"})
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	defer conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		handler.mu.Lock()
		n := len(handler.connected)
		handler.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.connected) != 1 || handler.connected[0] != "ana" {
		t.Fatalf("expected subject ana, got %v", handler.connected)
	}
}

func TestServerReportsDisconnect(t *testing.T) {
	handler := &echoHandler{disconnected: make(chan string, 1)}
	srv := httptest.NewServer(NewServer(handler, Config{}))
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := Dial(ctx, DialConfig{URL: wsURL(srv)})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()
	select {
	case id := <-handler.disconnected:
		if id == "" {
			t.Fatal("expected connection id")
		}
	case <-ctx.Done():
		t.Fatal("expected disconnect notification")
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	handler := &echoHandler{}
	srv := httptest.NewServer(NewServer(handler, Config{}))
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := Dial(ctx, DialConfig{URL: wsURL(srv)})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()
	if err := conn.Send(protocol.Request(protocol.TypeFramePing)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
