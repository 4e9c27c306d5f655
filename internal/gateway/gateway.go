// Package gateway accepts duplex node connections, binds them to
// directory identities, and routes typed envelopes between them.
//
// Routing is always by current binding, never by buffering: when the
// target of a forward is not connected (or its outbound buffer is
// full), the envelope is dropped. Delivery is best-effort, at most
// once; durability belongs to the collaborating mailbox store.
package gateway

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"mailrelay/internal/directory"
	"mailrelay/internal/metrics"
	"mailrelay/internal/model"
	"mailrelay/internal/proto"
)

const (
	readBuffer  = 1024
	writeBuffer = 1024

	defaultPingInterval = 15 * time.Second
	shutdownTimeout     = 5 * time.Second
)

// Drop reasons recorded in metrics and the delivery log.
const (
	reasonOffline       = "offline"
	reasonUnbound       = "unbound"
	reasonBackpressure  = "backpressure"
	reasonUnknownSender = "unknown_sender"
	reasonNoConnections = "no_connections"
)

// Config holds the gateway's listen address and tunables.
type Config struct {
	Listen       string
	PingInterval time.Duration
	DeliveryLog  string // CSV path; empty disables the delivery log
}

// Gateway is the relay router. It owns the connection table; nothing
// else mutates bindings.
type Gateway struct {
	cfg Config
	dir *directory.Directory

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*session

	// logMu serializes delivery-log appends; CSV writes interleave
	// when multiple connections record outcomes concurrently.
	logMu sync.Mutex
}

// New constructs a gateway routing over the given directory.
func New(cfg Config, dir *directory.Directory) *Gateway {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	return &Gateway{
		cfg: cfg,
		dir: dir,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  readBuffer,
			WriteBufferSize: writeBuffer,
			// Nodes are not browsers; the Origin header carries no
			// signal here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[string]*session),
	}
}

// Handler returns the http.Handler that upgrades incoming connections.
func (g *Gateway) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := g.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("gateway: upgrade failed: %v", err)
			return
		}
		g.serve(conn)
	})
}

// ListenAndServe runs the websocket listener until the context is
// cancelled.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	server := &http.Server{
		Addr:              g.cfg.Listen,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		server.Shutdown(shCtx)
	}()

	log.Printf("gateway listening on %s", g.cfg.Listen)
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// serve runs one connection: Unregistered until the first REGISTER,
// then Registered until the socket closes. On close the binding is
// removed and the record forced offline immediately, short-circuiting
// the sweep.
func (g *Gateway) serve(conn *websocket.Conn) {
	sess := newSession(conn)
	go sess.writeLoop(g.cfg.PingInterval)

	var nodeID string
	defer func() {
		sess.close()
		if nodeID != "" {
			g.unbind(nodeID, sess)
			g.dir.MarkOffline(nodeID)
			log.Printf("gateway: node=%s disconnected", nodeID)
		}
	}()

	pongWait := 2 * g.cfg.PingInterval
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		env, err := proto.Decode(raw)
		if err != nil {
			// Malformed envelopes are discarded, never fatal.
			log.Printf("gateway: discard frame: %v", err)
			continue
		}
		metrics.RecordEnvelope(string(env.Type))
		g.dispatch(sess, &nodeID, env, raw)
	}
}

func (g *Gateway) dispatch(sess *session, nodeID *string, env proto.Envelope, raw []byte) {
	switch env.Type {
	case proto.TypeRegister:
		g.handleRegister(sess, nodeID, env)
	case proto.TypeLookup:
		g.handleLookup(sess, env)
	case proto.TypeMessage:
		g.handleMessage(env)
	case proto.TypeHeartbeat:
		g.handleHeartbeat(env)
	case proto.TypeBroadcast:
		g.handleBroadcast(env, raw)
	case proto.TypeEmailSend:
		g.handleEmailSend(sess, env, raw)
	case proto.TypeEmailReceived, proto.TypeEmailDelivered:
		g.handleReceipt(env, raw)
	}
}

func (g *Gateway) handleRegister(sess *session, nodeID *string, env proto.Envelope) {
	data, err := env.Register()
	if err != nil {
		log.Printf("gateway: bad REGISTER: %v", err)
		return
	}

	rec := g.dir.Register(data.IPAddress, data.Port, data.MailAddress)
	metrics.RecordRegistration()

	if *nodeID != "" && *nodeID != rec.NodeID {
		// The connection re-registered: it now answers for the new
		// identity only.
		g.unbind(*nodeID, sess)
	}
	*nodeID = rec.NodeID
	g.bind(rec.NodeID, sess)

	log.Printf("gateway: register node=%s mail=%s", rec.NodeID, data.MailAddress)
	g.reply(sess, proto.TypeRegister, proto.RegisterResult{Success: true, Node: &rec})
}

func (g *Gateway) handleLookup(sess *session, env proto.Envelope) {
	data, err := env.Lookup()
	if err != nil {
		log.Printf("gateway: bad LOOKUP: %v", err)
		return
	}

	result := proto.LookupResult{}
	if rec, ok := g.dir.LookupByMail(data.MailAddress); ok {
		result.Success = true
		result.Node = &rec
	} else {
		result.Error = "node not found"
	}
	g.reply(sess, proto.TypeLookup, result)
}

// handleMessage forwards content to the recipient's bound connection.
// Misses are silent: the sender gets no error, only the absence of a
// response from the other side.
func (g *Gateway) handleMessage(env proto.Envelope) {
	data, err := env.Message()
	if err != nil {
		log.Printf("gateway: bad MESSAGE: %v", err)
		return
	}

	rec, ok := g.dir.LookupByMail(data.Recipient)
	if !ok {
		g.dropped(env, data.Recipient, reasonOffline)
		return
	}
	target, ok := g.binding(rec.NodeID)
	if !ok {
		g.dropped(env, data.Recipient, reasonUnbound)
		return
	}

	fwd, err := proto.New(proto.TypeMessage, env.SenderID, proto.MessageEvent{
		From:    env.SenderID,
		Content: data.Content,
	})
	if err != nil {
		log.Printf("gateway: encode MESSAGE forward: %v", err)
		return
	}
	frame, err := fwd.Encode()
	if err != nil {
		log.Printf("gateway: encode MESSAGE forward: %v", err)
		return
	}
	if !target.trySend(frame) {
		g.dropped(env, data.Recipient, reasonBackpressure)
		return
	}
	g.forwarded(env, data.Recipient)
}

func (g *Gateway) handleHeartbeat(env proto.Envelope) {
	if !g.dir.Heartbeat(env.SenderID) {
		log.Printf("gateway: heartbeat from unknown node=%s", env.SenderID)
	}
}

// handleBroadcast forwards the original envelope unchanged to every
// currently bound connection.
func (g *Gateway) handleBroadcast(env proto.Envelope, raw []byte) {
	g.mu.Lock()
	targets := make([]*session, 0, len(g.conns))
	for _, s := range g.conns {
		targets = append(targets, s)
	}
	g.mu.Unlock()

	delivered := 0
	for _, target := range targets {
		if target.trySend(raw) {
			delivered++
			metrics.RecordForward(string(env.Type))
		} else {
			metrics.RecordDrop(string(env.Type), reasonBackpressure)
		}
	}
	if delivered > 0 {
		g.logDelivery(env, "*", model.OutcomeForwarded, "")
	} else {
		g.logDelivery(env, "*", model.OutcomeDropped, reasonNoConnections)
	}
}

// handleEmailSend forwards the envelope verbatim to the recipient's
// node and, iff the forward succeeded, confirms delivery back to the
// sender exactly once.
func (g *Gateway) handleEmailSend(sess *session, env proto.Envelope, raw []byte) {
	data, err := env.EmailSend()
	if err != nil {
		log.Printf("gateway: bad EMAIL_SEND: %v", err)
		return
	}

	to := data.Email.To
	rec, ok := g.dir.LookupByMail(to)
	if !ok {
		log.Printf("gateway: email %s recipient offline mail=%s", data.Email.ID, to)
		g.dropped(env, to, reasonOffline)
		return
	}
	target, ok := g.binding(rec.NodeID)
	if !ok {
		g.dropped(env, to, reasonUnbound)
		return
	}
	if !target.trySend(raw) {
		g.dropped(env, to, reasonBackpressure)
		return
	}

	log.Printf("gateway: email %s delivered to node=%s", data.Email.ID, rec.NodeID)
	g.forwarded(env, to)
	g.reply(sess, proto.TypeEmailDelivered, proto.ReceiptData{
		EmailID:   data.Email.ID,
		Recipient: to,
	})
}

// handleReceipt routes EMAIL_RECEIVED / EMAIL_DELIVERED confirmations
// through the binding of the confirming node's identity.
func (g *Gateway) handleReceipt(env proto.Envelope, raw []byte) {
	rec, ok := g.dir.LookupByID(env.SenderID)
	if !ok {
		g.dropped(env, "", reasonUnknownSender)
		return
	}
	target, ok := g.binding(rec.NodeID)
	if !ok {
		g.dropped(env, rec.MailAddress, reasonUnbound)
		return
	}
	if !target.trySend(raw) {
		g.dropped(env, rec.MailAddress, reasonBackpressure)
		return
	}
	g.forwarded(env, rec.MailAddress)
}

// reply unicasts a gateway-originated envelope back on a session.
func (g *Gateway) reply(sess *session, t proto.Type, data any) {
	env, err := proto.New(t, proto.SenderServer, data)
	if err != nil {
		log.Printf("gateway: encode %s reply: %v", t, err)
		return
	}
	frame, err := env.Encode()
	if err != nil {
		log.Printf("gateway: encode %s reply: %v", t, err)
		return
	}
	if !sess.trySend(frame) {
		metrics.RecordDrop(string(t), reasonBackpressure)
	}
}

func (g *Gateway) bind(nodeID string, sess *session) {
	g.mu.Lock()
	_, existed := g.conns[nodeID]
	g.conns[nodeID] = sess
	g.mu.Unlock()
	if !existed {
		metrics.BindConnection()
	}
}

// unbind removes the binding only when sess still owns it, so a
// replaced connection's close cannot evict its successor.
func (g *Gateway) unbind(nodeID string, sess *session) {
	g.mu.Lock()
	cur, ok := g.conns[nodeID]
	if ok && cur == sess {
		delete(g.conns, nodeID)
	} else {
		ok = false
	}
	g.mu.Unlock()
	if ok {
		metrics.UnbindConnection()
	}
}

func (g *Gateway) binding(nodeID string) (*session, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sess, ok := g.conns[nodeID]
	return sess, ok
}

func (g *Gateway) forwarded(env proto.Envelope, recipient string) {
	metrics.RecordForward(string(env.Type))
	g.logDelivery(env, recipient, model.OutcomeForwarded, "")
}

func (g *Gateway) dropped(env proto.Envelope, recipient, reason string) {
	metrics.RecordDrop(string(env.Type), reason)
	g.logDelivery(env, recipient, model.OutcomeDropped, reason)
}

func (g *Gateway) logDelivery(env proto.Envelope, recipient, outcome, reason string) {
	if g.cfg.DeliveryLog == "" {
		return
	}
	d := model.Delivery{
		Timestamp: time.Now().UTC(),
		Type:      string(env.Type),
		SenderID:  env.SenderID,
		Recipient: recipient,
		Outcome:   outcome,
		Reason:    reason,
	}
	g.logMu.Lock()
	defer g.logMu.Unlock()
	if err := metrics.AppendCSV(g.cfg.DeliveryLog, []model.Delivery{d}); err != nil {
		log.Printf("gateway: append delivery log: %v", err)
	}
}
