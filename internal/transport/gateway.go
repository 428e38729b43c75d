package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mxf/agent-runtime/pkg/models"
)

// DefaultInitTimeout bounds the handshake: the time allowed for
// auth:success, registered, and connected to each arrive in turn.
const DefaultInitTimeout = 10 * time.Second

// DefaultLivenessInterval is how often the gateway sends a liveness ping
// and how long it waits for the matching pong before declaring the
// connection dead.
const DefaultLivenessInterval = 60 * time.Second

var (
	// ErrHandshakeTimeout is returned when a handshake step does not
	// complete within InitTimeout.
	ErrHandshakeTimeout = errors.New("transport: handshake step timed out")
	// ErrAuthRejected is returned when the server replies auth:failure.
	ErrAuthRejected = errors.New("transport: credentials rejected")
	// ErrConnClosed is returned from Send/Recv once the connection is closed.
	ErrConnClosed = errors.New("transport: connection closed")
)

// Dialer opens the underlying WebSocket. Swappable so Conn can be tested
// against an in-memory pipe instead of a real network dial.
type Dialer func(ctx context.Context, url string) (*websocket.Conn, error)

// DefaultDialer dials url with gorilla's default dialer.
func DefaultDialer(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	return conn, err
}

// Config configures a Conn's handshake and liveness parameters.
type Config struct {
	DomainKey        string
	Credentials      string
	AgentID          string
	ChannelID        string
	InitTimeout      time.Duration
	LivenessInterval time.Duration
	Logger           *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.InitTimeout <= 0 {
		c.InitTimeout = DefaultInitTimeout
	}
	if c.LivenessInterval <= 0 {
		c.LivenessInterval = DefaultLivenessInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Conn is one authenticated, registered gateway connection. Outbound
// envelopes for a given (agentId, channelId, eventType) key are written in
// the order Send was called for that key; a dedicated goroutine per key
// serializes onto the shared socket so concurrent publishers never
// interleave a single key's frames.
type Conn struct {
	ws     *websocket.Conn
	config Config

	writeMu sync.Mutex // the physical socket allows one writer at a time

	keyMu   sync.Mutex
	queues  map[string]chan wireFrame
	incoming chan models.Envelope

	closeOnce sync.Once
	closeCh   chan struct{}
	errMu     sync.Mutex
	closeErr  error

	lastPong   time.Time
	lastPongMu sync.Mutex
}

// Dial opens a connection, performs the handshake (auth → register →
// connected), and starts the read pump and liveness beacon.
func Dial(ctx context.Context, dial Dialer, url string, config Config) (*Conn, error) {
	config = config.withDefaults()

	ws, err := dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("transport: dial: %w", err)
	}

	c := &Conn{
		ws:       ws,
		config:   config,
		queues:   make(map[string]chan wireFrame),
		incoming: make(chan models.Envelope, 64),
		closeCh:  make(chan struct{}),
		lastPong: time.Now(),
	}

	if err := c.handshake(); err != nil {
		_ = ws.Close()
		return nil, err
	}

	go c.readPump()
	go c.livenessBeacon()

	return c, nil
}

func (c *Conn) handshake() error {
	deadline := time.Now().Add(c.config.InitTimeout)
	_ = c.ws.SetReadDeadline(deadline)

	authFrame, err := encodeFrame(wireFrame{
		Type:        frameAuth,
		DomainKey:   c.config.DomainKey,
		Credentials: c.config.Credentials,
	})
	if err != nil {
		return err
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, authFrame); err != nil {
		return fmt.Errorf("transport: send auth: %w", err)
	}
	resp, err := c.readHandshakeFrame()
	if err != nil {
		return err
	}
	if resp.Type == frameAuthFailure {
		return fmt.Errorf("%w: %s", ErrAuthRejected, resp.Reason)
	}
	if resp.Type != frameAuthSuccess {
		return fmt.Errorf("transport: expected auth:success, got %q", resp.Type)
	}

	registerFrame, err := encodeFrame(wireFrame{
		Type:      frameRegister,
		AgentID:   c.config.AgentID,
		ChannelID: c.config.ChannelID,
	})
	if err != nil {
		return err
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, registerFrame); err != nil {
		return fmt.Errorf("transport: send register: %w", err)
	}
	resp, err = c.readHandshakeFrame()
	if err != nil {
		return err
	}
	if resp.Type != frameRegistered {
		return fmt.Errorf("transport: expected registered, got %q", resp.Type)
	}

	resp, err = c.readHandshakeFrame()
	if err != nil {
		return err
	}
	if resp.Type != frameConnected {
		return fmt.Errorf("transport: expected connected, got %q", resp.Type)
	}

	_ = c.ws.SetReadDeadline(time.Time{})
	return nil
}

func (c *Conn) readHandshakeFrame() (wireFrame, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
			return wireFrame{}, ErrHandshakeTimeout
		}
		return wireFrame{}, fmt.Errorf("transport: handshake read: %w", err)
	}
	return decodeFrame(data)
}

// Send enqueues env for delivery, preserving order relative to every other
// Send call sharing the same (AgentID, ChannelID, EventType) key.
func (c *Conn) Send(env models.Envelope) error {
	select {
	case <-c.closeCh:
		return ErrConnClosed
	default:
	}

	key := fmt.Sprintf("%s:%s:%s", env.AgentID, env.ChannelID, env.EventType)
	queue := c.queueFor(key)

	select {
	case queue <- wireFrame{Type: frameEvent, Envelope: &env}:
		return nil
	case <-c.closeCh:
		return ErrConnClosed
	}
}

func (c *Conn) queueFor(key string) chan wireFrame {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()

	if q, ok := c.queues[key]; ok {
		return q
	}
	q := make(chan wireFrame, 32)
	c.queues[key] = q
	go c.drainKey(q)
	return q
}

func (c *Conn) drainKey(queue chan wireFrame) {
	for {
		select {
		case frame := <-queue:
			c.writePhysical(frame)
		case <-c.closeCh:
			return
		}
	}
}

func (c *Conn) writePhysical(frame wireFrame) {
	data, err := encodeFrame(frame)
	if err != nil {
		c.config.Logger.Error("transport: failed to encode outbound frame", "error", err)
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.fail(fmt.Errorf("transport: write: %w", err))
	}
}

// Recv returns the channel of inbound event envelopes. It is closed when
// the connection closes.
func (c *Conn) Recv() <-chan models.Envelope {
	return c.incoming
}

// Done returns a channel closed when the connection terminates, and an
// accessor for the terminal error (nil if Close was called deliberately).
func (c *Conn) Done() <-chan struct{} {
	return c.closeCh
}

// Err returns the error that caused the connection to close, if any.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.closeErr
}

// Close shuts the connection down cleanly. It does not close the Recv
// channel itself — only readPump, the channel's sole writer, does that —
// so callers must select on Done() alongside Recv() rather than assume a
// closed Recv channel signals shutdown.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		_ = c.ws.Close()
	})
	return nil
}

func (c *Conn) fail(err error) {
	c.errMu.Lock()
	if c.closeErr == nil {
		c.closeErr = err
	}
	c.errMu.Unlock()
	_ = c.Close()
}

func (c *Conn) readPump() {
	defer close(c.incoming)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(fmt.Errorf("transport: read: %w", err))
			return
		}
		frame, err := decodeFrame(data)
		if err != nil {
			c.config.Logger.Warn("transport: dropping malformed inbound frame", "error", err)
			continue
		}

		switch frame.Type {
		case framePing:
			c.writePhysical(wireFrame{Type: framePong})
		case framePong:
			c.lastPongMu.Lock()
			c.lastPong = time.Now()
			c.lastPongMu.Unlock()
		case frameEvent:
			if frame.Envelope == nil {
				continue
			}
			select {
			case c.incoming <- *frame.Envelope:
			case <-c.closeCh:
				return
			}
		default:
			c.config.Logger.Debug("transport: ignoring unrecognized frame type", "type", frame.Type)
		}
	}
}

func (c *Conn) livenessBeacon() {
	ticker := time.NewTicker(c.config.LivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeCh:
			return
		case <-ticker.C:
			c.lastPongMu.Lock()
			last := c.lastPong
			c.lastPongMu.Unlock()
			if time.Since(last) > 2*c.config.LivenessInterval {
				c.fail(errors.New("transport: liveness beacon timed out, no pong received"))
				return
			}
			c.writePhysical(wireFrame{Type: framePing})
		}
	}
}

// NewEnvelope is a convenience constructor stamping a fresh event ID.
func NewEnvelope(eventType, agentID, channelID string, data map[string]any) models.Envelope {
	return models.NewEnvelope(uuid.NewString(), eventType, agentID, channelID, data, time.Now())
}
