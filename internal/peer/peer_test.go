package peer

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"mailrelay/internal/directory"
	"mailrelay/internal/gateway"
	"mailrelay/internal/proto"
)

func newTestServer(t *testing.T) (*httptest.Server, *directory.Directory) {
	t.Helper()
	dir := directory.New(30 * time.Second)
	g := gateway.New(gateway.Config{PingInterval: time.Minute}, dir)
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)
	return srv, dir
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	c := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)
	return c
}

func TestRun_RegistersWithDirectory(t *testing.T) {
	t.Parallel()

	srv, dir := newTestServer(t)
	c := startClient(t, Config{
		GatewayURL:    wsURL(srv),
		MailAddress:   "alice@example.com",
		AdvertiseHost: "10.0.0.1",
		AdvertisePort: 3000,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.WaitRegistered(ctx); err != nil {
		t.Fatalf("WaitRegistered: %v", err)
	}

	id := c.NodeID()
	if id == proto.SenderUnknown {
		t.Fatal("node ID still unknown after registration")
	}
	rec, ok := dir.LookupByID(id)
	if !ok {
		t.Fatalf("directory has no record for %s", id)
	}
	if rec.MailAddress != "alice@example.com" || rec.IPAddress != "10.0.0.1" || rec.Port != 3000 {
		t.Fatalf("record = %+v", rec)
	}
}

func TestSend_QueuedWhileDisconnectedFlushesOnConnect(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	// A raw recipient socket registered ahead of time.
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	reg, err := proto.New(proto.TypeRegister, proto.SenderUnknown, proto.RegisterData{
		IPAddress: "10.0.0.2", Port: 3000, MailAddress: "bob@example.com",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := conn.WriteJSON(reg); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var regReply proto.Envelope
	if err := conn.ReadJSON(&regReply); err != nil {
		t.Fatalf("read register reply: %v", err)
	}

	// Compose before the client ever connects; the envelope queues.
	c := New(Config{
		GatewayURL:    wsURL(srv),
		MailAddress:   "carol@example.com",
		AdvertiseHost: "10.0.0.3",
		AdvertisePort: 3000,
	})
	if err := c.SendMessage("bob@example.com", "hello from the queue"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env proto.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read message: %v", err)
	}
	if env.Type != proto.TypeMessage {
		t.Fatalf("type = %s", env.Type)
	}
	event, err := env.MessageEvent()
	if err != nil {
		t.Fatalf("MessageEvent: %v", err)
	}
	if event.Content != "hello from the queue" {
		t.Fatalf("content = %v", event.Content)
	}
}

func TestRun_RetriesExhausted(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(nil)
	url := wsURL(srv)
	srv.Close()

	c := New(Config{
		GatewayURL:        url,
		MailAddress:       "dave@example.com",
		ReconnectAttempts: 2,
		ReconnectDelay:    10 * time.Millisecond,
	})
	err := c.Run(context.Background())
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("err = %v", err)
	}
}

func TestRun_ContextCancel(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	c := New(Config{
		GatewayURL:    wsURL(srv),
		MailAddress:   "erin@example.com",
		AdvertiseHost: "10.0.0.4",
		AdvertisePort: 3000,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	wctx, wcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer wcancel()
	if err := c.WaitRegistered(wctx); err != nil {
		t.Fatalf("WaitRegistered: %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestLookup_HandlerReceivesResult(t *testing.T) {
	t.Parallel()

	srv, dir := newTestServer(t)
	dir.Register("10.0.0.9", 3000, "frank@example.com")

	c := New(Config{
		GatewayURL:    wsURL(srv),
		MailAddress:   "grace@example.com",
		AdvertiseHost: "10.0.0.5",
		AdvertisePort: 3000,
	})
	results := make(chan proto.Envelope, 1)
	c.OnEnvelope(proto.TypeLookup, func(env proto.Envelope) {
		select {
		case results <- env:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	wctx, wcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer wcancel()
	if err := c.WaitRegistered(wctx); err != nil {
		t.Fatalf("WaitRegistered: %v", err)
	}

	if err := c.Lookup("frank@example.com"); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	select {
	case env := <-results:
		result, err := env.LookupResult()
		if err != nil {
			t.Fatalf("LookupResult: %v", err)
		}
		if !result.Success || result.Node == nil || result.Node.MailAddress != "frank@example.com" {
			t.Fatalf("result = %+v", result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no lookup result")
	}
}

func TestSendHeartbeat_NoopWhenUnregistered(t *testing.T) {
	t.Parallel()

	c := New(Config{GatewayURL: "ws://127.0.0.1:0", MailAddress: "x@example.com"})
	c.SendHeartbeat()
	c.mu.Lock()
	queued := len(c.pending)
	c.mu.Unlock()
	if queued != 0 {
		t.Fatalf("queued = %d", queued)
	}
}
