package mqttbroker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"campuswatch/presence-server/internal/model"
)

// ErrBadCredentials is returned by an Authenticator to refuse a CONNECT.
var ErrBadCredentials = errors.New("bad credentials")

// PublishMessage represents a QoS 0 publish received from a client.
type PublishMessage struct {
	ClientID string
	Topic    string
	Payload  []byte
	// Identity is the verified caller when the broker authenticates
	// connections, and the zero value otherwise.
	Identity model.Identity
}

// Handler is invoked for each received publish message.
type Handler func(context.Context, PublishMessage)

// Authenticator verifies the credentials of a CONNECT packet. The password
// carries the client's bearer token.
type Authenticator func(username, password string) (model.Identity, error)

type clientSession struct {
	conn     net.Conn
	reader   *bufio.Reader
	writeMu  sync.Mutex
	clientID string
	identity model.Identity
	closed   atomic.Bool

	subMu         sync.RWMutex
	subscriptions map[string]struct{}
}

func newSession(conn net.Conn) *clientSession {
	return &clientSession{
		conn:          conn,
		reader:        bufio.NewReader(conn),
		subscriptions: make(map[string]struct{}),
	}
}

func (c *clientSession) subscribed(topic string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for filter := range c.subscriptions {
		if topicMatches(filter, topic) {
			return true
		}
	}
	return false
}

func (c *clientSession) addSubscription(filter string) {
	c.subMu.Lock()
	c.subscriptions[filter] = struct{}{}
	c.subMu.Unlock()
}

func (c *clientSession) removeSubscriptions(filters []string) {
	c.subMu.Lock()
	for _, f := range filters {
		delete(c.subscriptions, f)
	}
	c.subMu.Unlock()
}

func (c *clientSession) writePacket(packet []byte) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(packet)
	return err
}

// Broker is a minimal MQTT v3.1.1 broker that supports QoS 0 publish and subscribe semantics.
type Broker struct {
	logger       *slog.Logger
	listener     net.Listener
	handler      atomic.Value // stores Handler
	auth         Authenticator
	mu           sync.Mutex
	wg           sync.WaitGroup
	shuttingDown atomic.Bool

	clientsMu sync.RWMutex
	clients   map[*clientSession]struct{}
}

// Option customizes a Broker.
type Option func(*Broker)

// WithAuthenticator requires every client to present credentials accepted
// by auth. Without it any client may connect anonymously.
func WithAuthenticator(auth Authenticator) Option {
	return func(b *Broker) { b.auth = auth }
}

// New constructs a broker with the supplied logger.
func New(logger *slog.Logger, opts ...Option) *Broker {
	b := &Broker{logger: logger, clients: make(map[*clientSession]struct{})}
	b.handler.Store(Handler(func(context.Context, PublishMessage) {}))
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start begins listening for MQTT clients on the provided bind address.
// The returned channel is closed once the accept loop terminates; fatal errors are sent on it.
func (b *Broker) Start(bind string) (<-chan error, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("mqtt listen: %w", err)
	}

	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	errCh := make(chan error, 1)

	b.logger.Info("mqtt broker listening", "addr", ln.Addr().String())

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if b.shuttingDown.Load() {
					close(errCh)
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					b.logger.Warn("temporary accept error", "error", err)
					time.Sleep(50 * time.Millisecond)
					continue
				}
				errCh <- fmt.Errorf("mqtt accept: %w", err)
				close(errCh)
				return
			}

			session := newSession(conn)
			b.addClient(session)

			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.handleConn(session)
			}()
		}
	}()

	return errCh, nil
}

// Addr reports the listening address, or nil before Start.
func (b *Broker) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Stop shuts down the broker and releases resources.
func (b *Broker) Stop() error {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	ln := b.listener
	b.listener = nil
	b.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	b.clientsMu.Lock()
	for session := range b.clients {
		session.closed.Store(true)
		_ = session.conn.Close()
	}
	b.clients = make(map[*clientSession]struct{})
	b.clientsMu.Unlock()

	b.wg.Wait()
	return nil
}

// SetPublishHandler installs the function invoked for each received publish.
func (b *Broker) SetPublishHandler(h Handler) {
	if h == nil {
		h = func(context.Context, PublishMessage) {}
	}
	b.handler.Store(h)
}

// Publish sends a QoS 0 message to all clients whose subscriptions match the topic.
func (b *Broker) Publish(topic string, payload []byte) error {
	b.forwardToSubscribers(topic, payload, nil)
	return nil
}

// Clients counts connected sessions.
func (b *Broker) Clients() int {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()
	return len(b.clients)
}

func (b *Broker) addClient(session *clientSession) {
	b.clientsMu.Lock()
	b.clients[session] = struct{}{}
	b.clientsMu.Unlock()
}

func (b *Broker) removeClient(session *clientSession) {
	b.clientsMu.Lock()
	delete(b.clients, session)
	b.clientsMu.Unlock()
}

func (b *Broker) handleConn(session *clientSession) {
	defer func() {
		session.closed.Store(true)
		b.removeClient(session)
		_ = session.conn.Close()
	}()

	ctx := context.Background()
	connected := false

	for {
		header, err := session.reader.ReadByte()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				b.logger.Debug("read header error", "error", err)
			}
			return
		}

		remaining, err := readVarInt(session.reader)
		if err != nil {
			b.logger.Debug("read remaining length error", "error", err)
			return
		}

		payload := make([]byte, remaining)
		if _, err := io.ReadFull(session.reader, payload); err != nil {
			b.logger.Debug("read packet payload error", "error", err)
			return
		}

		packetType := header >> 4
		if !connected && packetType != packetConnect {
			b.logger.Debug("packet before connect", "type", packetType)
			return
		}

		switch packetType {
		case packetConnect:
			if connected {
				b.logger.Debug("duplicate connect", "client", session.clientID)
				return
			}
			if err := b.handleConnect(session, payload); err != nil {
				b.logger.Debug("handle connect error", "error", err)
				return
			}
			connected = true
		case packetPublish:
			msg, err := parsePublish(header, payload)
			if err != nil {
				b.logger.Debug("parse publish error", "error", err)
				return
			}
			msg.ClientID = session.clientID
			msg.Identity = session.identity
			if h, ok := b.handler.Load().(Handler); ok {
				safeInvoke(h, ctx, msg, b.logger)
			}
			b.forwardToSubscribers(msg.Topic, msg.Payload, session)
		case packetSubscribe:
			if err := b.handleSubscribe(session, payload); err != nil {
				b.logger.Debug("handle subscribe error", "error", err)
				return
			}
		case packetUnsubscribe:
			if err := b.handleUnsubscribe(session, payload); err != nil {
				b.logger.Debug("write unsuback error", "error", err)
				return
			}
		case packetPingReq:
			if err := session.writePacket([]byte{0xD0, 0x00}); err != nil {
				b.logger.Debug("write pingresp error", "error", err)
				return
			}
		case packetDisconnect:
			return
		default:
			b.logger.Debug("unsupported packet", "type", packetType)
			return
		}
	}
}

func (b *Broker) handleConnect(session *clientSession, payload []byte) error {
	req, err := parseConnect(payload)
	if err != nil {
		// MQTT 3.1.1 has a dedicated return code for a level mismatch.
		if errors.Is(err, errProtocolLevel) {
			_ = session.writePacket(connAck(connAckBadProtocol))
		}
		return err
	}

	clientID := req.clientID
	if clientID == "" {
		clientID = fmt.Sprintf("anon-%d", time.Now().UnixNano())
	}
	session.clientID = clientID

	if b.auth != nil {
		id, err := b.auth(req.username, req.password)
		if err != nil {
			_ = session.writePacket(connAck(connAckNotAuthorized))
			b.logger.Info("mqtt client refused", "client", clientID, "error", err)
			return fmt.Errorf("authenticate %s: %w", clientID, err)
		}
		session.identity = id
	}

	if err := session.writePacket(connAck(connAckAccepted)); err != nil {
		return fmt.Errorf("write connack: %w", err)
	}

	b.logger.Debug("mqtt client connected", "client", clientID, "user", session.identity.ActorID)
	return nil
}

func (b *Broker) handleSubscribe(session *clientSession, payload []byte) error {
	packetID, filters, err := parseSubscribe(payload)
	if err != nil {
		return err
	}
	for _, f := range filters {
		session.addSubscription(f)
	}

	packet, err := buildSubAck(packetID, len(filters))
	if err != nil {
		return err
	}
	return session.writePacket(packet)
}

func (b *Broker) handleUnsubscribe(session *clientSession, payload []byte) error {
	packetID, filters, err := parseUnsubscribe(payload)
	if err != nil {
		return err
	}
	session.removeSubscriptions(filters)

	packet := []byte{0xB0, 0x02, byte(packetID >> 8), byte(packetID & 0xFF)}
	return session.writePacket(packet)
}

func (b *Broker) forwardToSubscribers(topic string, payload []byte, exclude *clientSession) {
	packet, err := buildPublishPacket(topic, payload)
	if err != nil {
		b.logger.Debug("build publish failed", "topic", topic, "error", err)
		return
	}

	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()

	for session := range b.clients {
		if session == exclude {
			continue
		}
		if session.subscribed(topic) {
			if err := session.writePacket(packet); err != nil {
				b.logger.Debug("forward publish failed", "client", session.clientID, "error", err)
			}
		}
	}
}

func safeInvoke(h Handler, ctx context.Context, msg PublishMessage, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("publish handler panic", "panic", r)
		}
	}()
	h(ctx, msg)
}
