package signal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pairline/internal/core/domain"
	"pairline/internal/core/ports"
	"pairline/pkg/config"
	"pairline/pkg/retry"
	"pairline/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type ClientConfig struct {
	URL          string
	WriteTimeout time.Duration
	PongTimeout  time.Duration
	OpenTimeout  time.Duration
	Retry        retry.Config
}

func ClientConfigFrom(cfg *config.Config) ClientConfig {
	return ClientConfig{
		URL:          cfg.Signal.RelayURL,
		WriteTimeout: cfg.Signal.WriteTimeout,
		PongTimeout:  cfg.Signal.PongTimeout,
		OpenTimeout:  cfg.Signal.OpenTimeout,
		Retry:        retry.DefaultConfig(),
	}
}

// RelayClient is the actor's connection to the signaling relay. It
// implements ports.Relay and acts as the Signaler of every handle it creates.
type RelayClient struct {
	cfg     ClientConfig
	factory ports.ConnFactory
	conn    *websocket.Conn
	id      domain.PeerID
	logger  *zap.SugaredLogger

	writeMu sync.Mutex

	mu       sync.RWMutex
	listener ports.RelayListener
	media    map[string]ports.MediaHandle
	data     map[string]ports.DataHandle
	closed   bool

	done chan struct{}
}

// Dial connects to the relay, retrying with backoff, and waits for the
// identity assigned in the open message.
func Dial(ctx context.Context, cfg ClientConfig, factory ports.ConnFactory, logger *zap.SugaredLogger) (*RelayClient, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 45 * time.Second
	}

	conn, err := retry.RetryWithResult(ctx, cfg.Retry, func() (*websocket.Conn, error) {
		c, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, nil)
		if err != nil {
			logger.Debugw("relay dial failed", "url", cfg.URL, "error", err)
			return nil, fmt.Errorf("%w: dial relay: %v", domain.ErrNetwork, err)
		}
		return c, nil
	})
	if err != nil {
		return nil, err
	}

	id, err := awaitOpen(conn, cfg.OpenTimeout)
	if err != nil {
		conn.Close()
		return nil, err
	}

	c := &RelayClient{
		cfg:     cfg,
		factory: factory,
		conn:    conn,
		id:      id,
		logger:  logger.With("peer_id", id),
		media:   make(map[string]ports.MediaHandle),
		data:    make(map[string]ports.DataHandle),
		done:    make(chan struct{}),
	}

	conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(cfg.WriteTimeout))
	})

	go c.readLoop()

	c.logger.Infow("connected to relay", "url", cfg.URL)
	return c, nil
}

func awaitOpen(conn *websocket.Conn, timeout time.Duration) (domain.PeerID, error) {
	conn.SetReadDeadline(time.Now().Add(timeout))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		return "", fmt.Errorf("%w: waiting for open: %v", domain.ErrNetwork, err)
	}
	if msg.Type != TypeOpen {
		return "", fmt.Errorf("%w: expected open, got %s", domain.ErrNetwork, msg.Type)
	}
	var payload OpenPayload
	if err := msg.Decode(&payload); err != nil {
		return "", err
	}
	if payload.ID == "" {
		return "", fmt.Errorf("%w: relay assigned an empty id", domain.ErrNetwork)
	}
	return payload.ID, nil
}

func (c *RelayClient) ID() domain.PeerID { return c.id }

// Done is closed when the relay connection ends.
func (c *RelayClient) Done() <-chan struct{} { return c.done }

func (c *RelayClient) SetListener(l ports.RelayListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = l
}

func (c *RelayClient) currentListener() ports.RelayListener {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.listener
}

func (c *RelayClient) Call(ctx context.Context, target domain.PeerID, tracks []ports.LocalTrack) (ports.CallConn, error) {
	if c.isClosed() {
		return nil, domain.ErrRelayClosed
	}
	id := utils.GenerateConnectionID(utils.MediaConnPrefix)
	conn, err := c.factory.DialMedia(ctx, target, id, tracks, c)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", target, err)
	}
	c.mu.Lock()
	c.media[id] = conn
	c.mu.Unlock()
	return conn, nil
}

func (c *RelayClient) ConnectData(ctx context.Context, target domain.PeerID) (ports.DataConn, error) {
	if c.isClosed() {
		return nil, domain.ErrRelayClosed
	}
	id := utils.GenerateConnectionID(utils.DataConnPrefix)
	conn, err := c.factory.DialData(ctx, target, id, c)
	if err != nil {
		return nil, fmt.Errorf("connect data %s: %w", target, err)
	}
	c.mu.Lock()
	c.data[id] = conn
	c.mu.Unlock()
	return conn, nil
}

func (c *RelayClient) SendOffer(target domain.PeerID, connectionID string, kind domain.ConnKind, sdp string) error {
	return c.sendDescription(TypeOffer, target, connectionID, kind, sdp)
}

func (c *RelayClient) SendAnswer(target domain.PeerID, connectionID string, kind domain.ConnKind, sdp string) error {
	return c.sendDescription(TypeAnswer, target, connectionID, kind, sdp)
}

func (c *RelayClient) sendDescription(t MessageType, target domain.PeerID, connectionID string, kind domain.ConnKind, sdp string) error {
	msg, err := NewMessage(t, target, DescriptionPayload{ConnectionID: connectionID, Kind: kind, SDP: sdp})
	if err != nil {
		return err
	}
	return c.send(msg)
}

func (c *RelayClient) SendLeave(target domain.PeerID, connectionID string) error {
	msg, err := NewMessage(TypeLeave, target, LeavePayload{ConnectionID: connectionID})
	if err != nil {
		return err
	}
	return c.send(msg)
}

// Release forgets a finished connection.
func (c *RelayClient) Release(connectionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.media, connectionID)
	delete(c.data, connectionID)
}

func (c *RelayClient) send(msg Message) error {
	if c.isClosed() {
		return domain.ErrRelayClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("%w: write %s: %v", domain.ErrRelayClosed, msg.Type, err)
	}
	return nil
}

func (c *RelayClient) readLoop() {
	defer close(c.done)
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if c.isClosed() {
				return
			}
			c.logger.Warnw("relay connection lost", "error", err)
			c.markClosed()
			if l := c.currentListener(); l != nil {
				l.RelayError(fmt.Errorf("%w: %v", domain.ErrRelayClosed, err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		c.dispatch(msg)
	}
}

func (c *RelayClient) dispatch(msg Message) {
	switch msg.Type {
	case TypeOffer:
		c.handleOffer(msg)
	case TypeAnswer:
		var payload DescriptionPayload
		if err := msg.Decode(&payload); err != nil {
			c.logger.Warnw("invalid answer", "src", msg.Src, "error", err)
			return
		}
		if h := c.handle(payload.ConnectionID); h != nil {
			if err := h.HandleAnswer(payload.SDP); err != nil {
				c.logger.Warnw("failed to apply answer", "connection_id", payload.ConnectionID, "error", err)
				h.Fail(fmt.Errorf("%w: apply answer: %v", domain.ErrNetwork, err))
			}
		}
	case TypeLeave:
		var payload LeavePayload
		if err := msg.Decode(&payload); err != nil {
			c.logger.Warnw("invalid leave", "src", msg.Src, "error", err)
			return
		}
		if h := c.handle(payload.ConnectionID); h != nil {
			h.RemoteLeave()
		}
	case TypeError:
		var payload ErrorPayload
		if err := msg.Decode(&payload); err != nil {
			c.logger.Warnw("invalid error message", "error", err)
			return
		}
		err := ErrorFor(payload.Code, payload.Message)
		if payload.ConnectionID != "" {
			if h := c.handle(payload.ConnectionID); h != nil {
				h.Fail(err)
			}
			return
		}
		if l := c.currentListener(); l != nil {
			l.RelayError(err)
		}
	default:
		c.logger.Debugw("ignoring relay message", "type", msg.Type)
	}
}

func (c *RelayClient) handleOffer(msg Message) {
	var payload DescriptionPayload
	if err := msg.Decode(&payload); err != nil {
		c.logger.Warnw("invalid offer", "src", msg.Src, "error", err)
		return
	}
	listener := c.currentListener()

	switch payload.Kind {
	case domain.ConnKindMedia:
		conn := c.factory.AcceptMedia(msg.Src, payload.ConnectionID, payload.SDP, c)
		if listener == nil {
			_ = conn.Close()
			return
		}
		c.mu.Lock()
		c.media[payload.ConnectionID] = conn
		c.mu.Unlock()
		listener.InboundCall(conn)

	case domain.ConnKindData:
		conn, err := c.factory.AcceptData(msg.Src, payload.ConnectionID, payload.SDP, c)
		if err != nil {
			c.logger.Warnw("failed to accept data channel", "src", msg.Src, "connection_id", payload.ConnectionID, "error", err)
			_ = c.SendLeave(msg.Src, payload.ConnectionID)
			return
		}
		if listener == nil {
			_ = conn.Close()
			return
		}
		c.mu.Lock()
		c.data[payload.ConnectionID] = conn
		c.mu.Unlock()
		listener.InboundData(conn)

	default:
		c.logger.Warnw("offer with unknown kind", "src", msg.Src, "kind", payload.Kind)
	}
}

// remoteEnd is the part of a handle the relay drives.
type remoteEnd interface {
	HandleAnswer(sdp string) error
	RemoteLeave()
	Fail(err error)
}

func (c *RelayClient) handle(connectionID string) remoteEnd {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if h, ok := c.media[connectionID]; ok {
		return h
	}
	if h, ok := c.data[connectionID]; ok {
		return h
	}
	return nil
}

func (c *RelayClient) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *RelayClient) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

// Close leaves the relay. Open handles are closed first so that their
// partners receive a leave.
func (c *RelayClient) Close() error {
	c.mu.RLock()
	handles := make([]interface{ Close() error }, 0, len(c.media)+len(c.data))
	for _, h := range c.media {
		handles = append(handles, h)
	}
	for _, h := range c.data {
		handles = append(handles, h)
	}
	c.mu.RUnlock()
	for _, h := range handles {
		_ = h.Close()
	}

	if !c.markClosed() {
		return nil
	}
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(c.cfg.WriteTimeout))
	c.writeMu.Unlock()
	return c.conn.Close()
}
