// Package peer implements the node side of the duplex channel: one
// connection to the relay gateway, registration, liveness pings, and a
// FIFO queue for envelopes composed while disconnected.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"mailrelay/internal/addrutil"
	"mailrelay/internal/model"
	"mailrelay/internal/proto"
	"mailrelay/internal/stunutil"
)

// ErrRetriesExhausted is returned by Run when the bounded reconnect
// policy gives up. The caller must re-initiate explicitly.
var ErrRetriesExhausted = errors.New("reconnect attempts exhausted")

const (
	defaultReconnectAttempts = 5
	defaultReconnectDelay    = 5 * time.Second
	defaultPingInterval      = 15 * time.Second

	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
	stunTimeout      = 5 * time.Second
)

// Config holds the peer client settings.
type Config struct {
	GatewayURL    string // ws://host:port
	MailAddress   string
	AdvertiseHost string
	AdvertisePort int
	STUNServers   []string

	ReconnectAttempts int
	ReconnectDelay    time.Duration
	PingInterval      time.Duration
}

// Handler consumes an inbound envelope of a subscribed type.
type Handler func(proto.Envelope)

// Client owns exactly one gateway connection at a time.
type Client struct {
	cfg Config

	mu       sync.Mutex
	conn     *websocket.Conn
	nodeID   string
	pending  []proto.Envelope
	handlers map[proto.Type]Handler

	registered     chan struct{}
	registeredOnce sync.Once
}

// New constructs a peer client. Zero tunables get the defaults.
func New(cfg Config) *Client {
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = defaultReconnectAttempts
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	return &Client{
		cfg:        cfg,
		handlers:   make(map[proto.Type]Handler),
		registered: make(chan struct{}),
	}
}

// OnEnvelope subscribes a handler for an inbound envelope type. At
// most one handler per type; later calls replace earlier ones.
func (c *Client) OnEnvelope(t proto.Type, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[t] = h
}

// NodeID returns the identity assigned by the gateway, or the unknown
// sentinel before registration completes.
func (c *Client) NodeID() string {
	return c.senderID()
}

// WaitRegistered blocks until the first successful registration or
// context cancellation.
func (c *Client) WaitRegistered(ctx context.Context) error {
	select {
	case <-c.registered:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run connects and serves until the context is cancelled or the
// bounded reconnect policy is exhausted. The delay between attempts is
// fixed; there is no backoff.
func (c *Client) Run(ctx context.Context) error {
	attempts := 0
	for {
		conn, err := c.dial(ctx)
		if err == nil {
			attempts = 0
			err = c.serve(ctx, conn)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempts++
		if attempts >= c.cfg.ReconnectAttempts {
			return fmt.Errorf("%w (%d attempts, last error: %v)", ErrRetriesExhausted, attempts, err)
		}
		log.Printf("peer: connection lost, reconnecting (%d/%d): %v", attempts, c.cfg.ReconnectAttempts, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.GatewayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.GatewayURL, err)
	}
	return conn, nil
}

// serve runs one connection lifetime: register, flush the pending
// queue in order, then pump inbound envelopes until the socket drops.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	done := make(chan struct{})
	defer func() {
		close(done)
		conn.Close()
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		// The identity dies with the connection; the next REGISTER
		// assigns a fresh one.
		c.nodeID = ""
		c.mu.Unlock()
	}()

	// Unblock the read loop when the context goes away.
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if err := c.register(ctx); err != nil {
		return err
	}
	c.flushPending()
	go c.heartbeatLoop(ctx, done)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		env, err := proto.Decode(raw)
		if err != nil {
			log.Printf("peer: discard frame: %v", err)
			continue
		}
		c.handleInbound(env)
	}
}

// register advertises the node's address and mail identity. When STUN
// servers are configured the publicly mapped address wins over the
// configured one, so nodes behind NAT register a reachable endpoint.
func (c *Client) register(ctx context.Context) error {
	host, port := c.cfg.AdvertiseHost, c.cfg.AdvertisePort
	if len(c.cfg.STUNServers) > 0 {
		mapped, err := stunutil.Probe(ctx, c.cfg.STUNServers, stunTimeout)
		if err != nil {
			log.Printf("peer: STUN probe failed, advertising %s:%d: %v", host, port, err)
		} else {
			host, port = addrutil.Advertised(mapped, host, port)
		}
	}

	env, err := proto.New(proto.TypeRegister, c.senderID(), proto.RegisterData{
		IPAddress:   host,
		Port:        port,
		MailAddress: c.cfg.MailAddress,
	})
	if err != nil {
		return err
	}
	c.send(env)
	return nil
}

func (c *Client) heartbeatLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			c.SendHeartbeat()
		}
	}
}

func (c *Client) handleInbound(env proto.Envelope) {
	if env.Type == proto.TypeRegister && env.SenderID == proto.SenderServer {
		if result, err := env.RegisterResult(); err == nil && result.Success && result.Node != nil {
			c.mu.Lock()
			c.nodeID = result.Node.NodeID
			c.mu.Unlock()
			c.registeredOnce.Do(func() { close(c.registered) })
			log.Printf("peer: registered node=%s mail=%s", result.Node.NodeID, result.Node.MailAddress)
		}
	}

	c.mu.Lock()
	h := c.handlers[env.Type]
	c.mu.Unlock()
	if h != nil {
		h(env)
	}
}

// Lookup asks the gateway to resolve a mail address; the result
// arrives as a LOOKUP envelope on the subscribed handler.
func (c *Client) Lookup(mailAddress string) error {
	env, err := proto.New(proto.TypeLookup, c.senderID(), proto.LookupData{MailAddress: mailAddress})
	if err != nil {
		return err
	}
	c.send(env)
	return nil
}

// SendMessage relays arbitrary content to the node behind a mail
// address. Best-effort: a disconnected recipient means silence.
func (c *Client) SendMessage(recipient string, content any) error {
	env, err := proto.New(proto.TypeMessage, c.senderID(), proto.MessageData{
		Recipient: recipient,
		Content:   content,
	})
	if err != nil {
		return err
	}
	c.send(env)
	return nil
}

// SendHeartbeat emits one liveness ping. A no-op until the gateway has
// assigned an identity, since the directory cannot resolve it before.
func (c *Client) SendHeartbeat() {
	id := c.senderID()
	if id == proto.SenderUnknown {
		return
	}
	c.send(proto.NewHeartbeat(id))
}

// Broadcast relays content to every connected node.
func (c *Client) Broadcast(content any) error {
	env, err := proto.New(proto.TypeBroadcast, c.senderID(), proto.BroadcastData{Content: content})
	if err != nil {
		return err
	}
	c.send(env)
	return nil
}

// SendEmail relays an email to its recipient's node.
func (c *Client) SendEmail(email model.Email) error {
	env, err := proto.New(proto.TypeEmailSend, c.senderID(), proto.EmailSendData{Email: email})
	if err != nil {
		return err
	}
	c.send(env)
	return nil
}

// SendEmailReceived confirms an email reached this node's mailbox.
func (c *Client) SendEmailReceived(emailID, recipient string) error {
	return c.sendReceipt(proto.TypeEmailReceived, emailID, recipient)
}

// SendEmailDelivered confirms an email was handed to its recipient.
func (c *Client) SendEmailDelivered(emailID, recipient string) error {
	return c.sendReceipt(proto.TypeEmailDelivered, emailID, recipient)
}

func (c *Client) sendReceipt(t proto.Type, emailID, recipient string) error {
	env, err := proto.New(t, c.senderID(), proto.ReceiptData{EmailID: emailID, Recipient: recipient})
	if err != nil {
		return err
	}
	c.send(env)
	return nil
}

func (c *Client) senderID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nodeID == "" {
		return proto.SenderUnknown
	}
	return c.nodeID
}

// send writes the envelope now or queues it until the connection
// reopens. Queued envelopes flush in FIFO order.
func (c *Client) send(env proto.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		c.pending = append(c.pending, env)
		return
	}
	c.writeLocked(env)
}

func (c *Client) flushPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) > 0 {
		log.Printf("peer: flushing %d queued envelopes", len(c.pending))
	}
	for len(c.pending) > 0 {
		if c.conn == nil {
			return
		}
		env := c.pending[0]
		c.pending = c.pending[1:]
		c.writeLocked(env)
	}
}

func (c *Client) writeLocked(env proto.Envelope) {
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(env); err != nil {
		// The read loop will observe the broken socket and reconnect.
		log.Printf("peer: write failed: %v", err)
	}
}
