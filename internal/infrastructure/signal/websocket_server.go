package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"pairline/internal/core/domain"
	"pairline/internal/core/ports"
	"pairline/pkg/config"
	apperrors "pairline/pkg/errors"
	"pairline/pkg/logger"
	"pairline/pkg/tracing"
	"pairline/pkg/validation"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type ServerConfig struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MessagesPerSecond float64
	Burst             int
	MaxMessageSize    int64
	MaxConnections    int
	AllowedOrigins    []string
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		PingInterval:      20 * time.Second,
		PongTimeout:       45 * time.Second,
		WriteTimeout:      10 * time.Second,
		MessagesPerSecond: 20,
		Burst:             40,
		MaxMessageSize:    64 * 1024,
	}
}

// ServerConfigFrom reads the relay settings out of the application config.
// Message rate limits only apply when rate limiting is enabled.
func ServerConfigFrom(cfg *config.Config) ServerConfig {
	sc := DefaultServerConfig()
	sc.PingInterval = cfg.Signal.PingInterval
	sc.PongTimeout = cfg.Signal.PongTimeout
	sc.WriteTimeout = cfg.Signal.WriteTimeout
	sc.AllowedOrigins = cfg.Signal.AllowedOrigins
	sc.MaxMessageSize = cfg.RateLimiting.WebSocket.MaxMessageSizeBytes
	if cfg.RateLimiting.Enabled {
		sc.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		sc.Burst = cfg.RateLimiting.WebSocket.Burst
		sc.MaxConnections = cfg.RateLimiting.WebSocket.MaxConcurrent
	} else {
		sc.MessagesPerSecond = 0
	}
	return sc
}

// Forwarder carries signals to peers whose connection is held by another
// relay instance sharing the same directory.
type Forwarder interface {
	InstanceID() string
	Forward(ctx context.Context, instanceID string, signal []byte) error
	Subscribe(ctx context.Context, deliver func(signal []byte)) error
}

// WebSocketServer is the signaling relay: it assigns identities, keeps the
// directory current and forwards offer/answer/leave between peers.
type WebSocketServer struct {
	directory ports.DirectoryService
	metrics   ports.RelayMetrics
	cfg       ServerConfig
	upgrader  websocket.Upgrader
	newID     func() domain.PeerID

	instanceID string
	forwarder  Forwarder

	connections map[domain.PeerID]*peerConn
	mu          sync.RWMutex

	logger    *zap.SugaredLogger
	ctxLogger *logger.ContextLogger
}

var _ ports.WebSocketHandler = (*WebSocketServer)(nil)

type peerConn struct {
	id          domain.PeerID
	conn        *websocket.Conn
	limiter     *rate.Limiter
	connectedAt time.Time
	log         *zap.SugaredLogger

	writeMu      sync.Mutex
	writeTimeout time.Duration
}

func (p *peerConn) send(msg Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	return p.conn.WriteJSON(msg)
}

func (p *peerConn) ping() error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(p.writeTimeout))
}

func (p *peerConn) closeWith(code int, text string) {
	p.writeMu.Lock()
	_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(p.writeTimeout))
	p.writeMu.Unlock()
	p.conn.Close()
}

func NewWebSocketServer(directory ports.DirectoryService, metrics ports.RelayMetrics, cfg ServerConfig, log *zap.SugaredLogger) *WebSocketServer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultServerConfig().PingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = DefaultServerConfig().PongTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultServerConfig().WriteTimeout
	}

	s := &WebSocketServer{
		directory:   directory,
		metrics:     metrics,
		cfg:         cfg,
		newID:       func() domain.PeerID { return domain.PeerID(uuid.NewString()) },
		instanceID:  uuid.NewString(),
		connections: make(map[domain.PeerID]*peerConn),
		logger:      log,
		ctxLogger:   logger.NewContextLogger(log.Desugar()),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// EnableForwarding routes signals for peers on other instances through f
// and starts receiving theirs. Call it before serving connections.
func (s *WebSocketServer) EnableForwarding(ctx context.Context, f Forwarder) {
	s.forwarder = f
	s.instanceID = f.InstanceID()
	go func() {
		if err := f.Subscribe(ctx, s.deliverForwarded); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Errorw("signal forwarding stopped", "instance_id", s.instanceID, "error", err)
		}
	}()
}

func (s *WebSocketServer) InstanceID() string { return s.instanceID }

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MaxConnections > 0 && s.ConnectionCount() >= s.cfg.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	peer := &peerConn{
		id:           s.newID(),
		conn:         conn,
		connectedAt:  time.Now(),
		writeTimeout: s.cfg.WriteTimeout,
	}
	// Connection logs carry the peer identity and the trace id of the
	// upgrade request.
	ctx := logger.WithPeerID(r.Context(), peer.id.String())
	peer.log = s.ctxLogger.WithContext(ctx).Sugar()
	if s.cfg.MessagesPerSecond > 0 {
		peer.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst)
	}

	info := &domain.PeerInfo{ID: peer.id, Address: r.RemoteAddr, InstanceID: s.instanceID}
	if err := s.directory.Register(ctx, info); err != nil {
		peer.log.Errorw("failed to register peer", "error", err)
		peer.closeWith(websocket.CloseInternalServerErr, "registration failed")
		return
	}

	s.mu.Lock()
	s.connections[peer.id] = peer
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.RecordPeerConnected()
	}
	peer.log.Infow("peer connected", "address", r.RemoteAddr)

	defer s.disconnect(peer)

	open, _ := NewMessage(TypeOpen, "", OpenPayload{ID: peer.id})
	if err := peer.send(open); err != nil {
		peer.log.Warnw("failed to send open", "error", err)
		return
	}

	if s.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageSize)
	}
	conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		if err := s.directory.Heartbeat(context.Background(), peer.id); err != nil {
			peer.log.Debugw("heartbeat failed", "error", err)
		}
		return nil
	})

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan Message, 16)
	errorChan := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
			select {
			case messageChan <- msg:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case msg := <-messageChan:
			if peer.limiter != nil && !peer.limiter.Allow() {
				s.dropped(msg.Type, "rate_limited")
				s.replyError(peer, apperrors.ErrCodeRateLimit, "message rate exceeded", "")
				continue
			}
			if err := s.handleMessage(context.Background(), peer, msg); err != nil {
				peer.log.Infow("rejected message from peer", "type", msg.Type, "error", err)
				s.replyError(peer, CodeFor(err), err.Error(), "")
			}

		case <-pingTicker.C:
			if err := peer.ping(); err != nil {
				peer.log.Infow("error sending ping", "error", err)
				return
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				peer.log.Infow("error reading message from peer", "error", err)
			}
			return
		}
	}
}

func (s *WebSocketServer) disconnect(peer *peerConn) {
	peer.conn.Close()

	s.mu.Lock()
	if current, ok := s.connections[peer.id]; ok && current == peer {
		delete(s.connections, peer.id)
	}
	s.mu.Unlock()

	if err := s.directory.Unregister(context.Background(), peer.id); err != nil {
		peer.log.Warnw("error unregistering peer", "error", err)
	}
	if s.metrics != nil {
		s.metrics.RecordPeerDisconnected(time.Since(peer.connectedAt))
	}
	peer.log.Infow("peer disconnected")
}

// handleMessage validates and routes one message. Routing failures that the
// sender can act on are answered with an error message carrying the
// connection id; malformed input is returned as an error.
func (s *WebSocketServer) handleMessage(ctx context.Context, from *peerConn, msg Message) error {
	ctx, span := tracing.TraceSignal(ctx, string(msg.Type), from.id.String(), msg.Dst.String())
	defer span.End()

	msg.Src = from.id
	if err := s.directory.Heartbeat(ctx, from.id); err != nil {
		s.logger.Debugw("heartbeat failed", "peer_id", from.id, "error", err)
	}

	switch msg.Type {
	case TypeOffer, TypeAnswer:
		var payload DescriptionPayload
		if err := msg.Decode(&payload); err != nil {
			tracing.RecordError(ctx, err)
			return err
		}
		if err := validateDescription(msg.Dst, payload); err != nil {
			tracing.RecordError(ctx, err)
			return err
		}
		tracing.AddSpanAttributes(ctx,
			tracing.ConnectionIDKey.String(payload.ConnectionID),
			tracing.ConnKindKey.String(string(payload.Kind)),
		)
		if !s.route(ctx, msg) {
			s.dropped(msg.Type, "peer_unavailable")
			s.replyError(from, apperrors.ErrCodePeerUnavailable,
				fmt.Sprintf("peer %s is not connected", msg.Dst), payload.ConnectionID)
			return nil
		}
		s.logger.Debugw("routed signal",
			"type", msg.Type,
			"peer_id", from.id,
			"target", msg.Dst,
			"connection_id", payload.ConnectionID,
			"sdp_length", len(payload.SDP),
		)
		return nil

	case TypeLeave:
		var payload LeavePayload
		if err := msg.Decode(&payload); err != nil {
			return err
		}
		if msg.Dst == "" {
			return apperrors.NewInvalidMessageError("leave requires dst")
		}
		if !s.route(ctx, msg) {
			s.dropped(msg.Type, "peer_unavailable")
		}
		return nil

	default:
		return apperrors.NewInvalidMessageError(fmt.Sprintf("unknown message type: %s", msg.Type))
	}
}

func validateDescription(dst domain.PeerID, payload DescriptionPayload) error {
	if err := validation.ValidatePeerID(dst.String()); err != nil {
		return apperrors.NewInvalidMessageError(fmt.Sprintf("dst: %v", err))
	}
	if err := validation.ValidateConnectionID(payload.ConnectionID); err != nil {
		return apperrors.NewInvalidMessageError(fmt.Sprintf("connection_id: %v", err))
	}
	if !payload.Kind.Valid() {
		return apperrors.NewInvalidMessageError(fmt.Sprintf("unknown connection kind %q", payload.Kind))
	}
	if err := validation.ValidateSDP(payload.SDP); err != nil {
		return apperrors.NewInvalidMessageError(fmt.Sprintf("sdp: %v", err))
	}
	return nil
}

// route hands msg to its destination, locally or through the forwarder, and
// reports whether it left this instance's hands.
func (s *WebSocketServer) route(ctx context.Context, msg Message) bool {
	if s.deliverLocal(msg) {
		return true
	}
	if s.forwarder == nil {
		return false
	}

	info, err := s.directory.Lookup(ctx, msg.Dst)
	if err != nil || info.InstanceID == "" || info.InstanceID == s.instanceID {
		return false
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	if err := s.forwarder.Forward(ctx, info.InstanceID, data); err != nil {
		s.logger.Infow("failed to forward signal",
			"type", msg.Type,
			"target", msg.Dst,
			"instance_id", info.InstanceID,
			"error", err,
		)
		return false
	}
	return true
}

// deliverForwarded handles a signal another instance sent here. When the
// target has gone, offers and answers are bounced back to the sender.
func (s *WebSocketServer) deliverForwarded(signal []byte) {
	var msg Message
	if err := json.Unmarshal(signal, &msg); err != nil {
		s.logger.Warnw("dropping malformed forwarded signal", "error", err)
		return
	}
	if s.deliverLocal(msg) {
		return
	}
	s.dropped(msg.Type, "peer_unavailable")

	if msg.Type != TypeOffer && msg.Type != TypeAnswer {
		return
	}
	var payload DescriptionPayload
	if err := msg.Decode(&payload); err != nil {
		return
	}
	reply, err := NewMessage(TypeError, msg.Src, ErrorPayload{
		Code:         apperrors.ErrCodePeerUnavailable,
		Message:      fmt.Sprintf("peer %s is not connected", msg.Dst),
		ConnectionID: payload.ConnectionID,
	})
	if err != nil {
		return
	}
	s.route(context.Background(), reply)
}

func (s *WebSocketServer) deliverLocal(msg Message) bool {
	s.mu.RLock()
	target, ok := s.connections[msg.Dst]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	if err := target.send(msg); err != nil {
		s.logger.Infow("failed to forward signal", "type", msg.Type, "target", msg.Dst, "error", err)
		return false
	}
	if s.metrics != nil {
		s.metrics.RecordSignalRouted(string(msg.Type))
	}
	return true
}

func (s *WebSocketServer) replyError(peer *peerConn, code apperrors.ErrorCode, message, connectionID string) {
	msg, err := NewMessage(TypeError, peer.id, ErrorPayload{Code: code, Message: message, ConnectionID: connectionID})
	if err != nil {
		return
	}
	if err := peer.send(msg); err != nil {
		peer.log.Debugw("failed to send error", "error", err)
	}
}

func (s *WebSocketServer) dropped(t MessageType, reason string) {
	if s.metrics != nil {
		s.metrics.RecordSignalDropped(string(t), reason)
	}
}

func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// Shutdown closes every peer connection with a going-away frame.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	peers := make([]*peerConn, 0, len(s.connections))
	for _, p := range s.connections {
		peers = append(peers, p)
	}
	s.mu.RUnlock()

	for _, p := range peers {
		if err := ctx.Err(); err != nil {
			return errors.Join(err, fmt.Errorf("%d connections left open", len(peers)))
		}
		p.closeWith(websocket.CloseGoingAway, "relay shutting down")
	}
	return nil
}
