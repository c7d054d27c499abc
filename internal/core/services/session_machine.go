package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"pairline/internal/core/domain"
	"pairline/internal/core/ports"
	"pairline/pkg/utils"
	"pairline/pkg/validation"

	"go.uber.org/zap"
)

// MatchmakingConfig holds the timing policy of the search loop.
type MatchmakingConfig struct {
	EmptyBackoff   time.Duration
	NetworkBackoff time.Duration
	MaxJitter      time.Duration
	DialTimeoutMin time.Duration
	DialTimeoutMax time.Duration
}

func DefaultMatchmakingConfig() MatchmakingConfig {
	return MatchmakingConfig{
		EmptyBackoff:   3 * time.Second,
		NetworkBackoff: 3 * time.Second,
		MaxJitter:      2 * time.Second,
		DialTimeoutMin: 5 * time.Second,
		DialTimeoutMax: 8 * time.Second,
	}
}

type SessionDeps struct {
	Relay     ports.Relay
	Directory ports.PeerDirectory
	Media     *MediaController
	Renderer  ports.Renderer
	Recorder  ports.SessionRecorder
	Clock     utils.Clock
	Rand      *rand.Rand
	Logger    *zap.SugaredLogger
}

// SessionMachine owns the session state of the local actor. All transitions
// happen on the goroutine running Run; the public methods only post events
// to it.
type SessionMachine struct {
	cfg      MatchmakingConfig
	self     domain.PeerID
	relay    ports.Relay
	dir      ports.PeerDirectory
	media    *MediaController
	renderer ports.Renderer
	recorder ports.SessionRecorder
	clock    utils.Clock
	rng      *rand.Rand
	logger   *zap.SugaredLogger

	box  *mailbox
	done chan struct{}
	ctx  context.Context

	// loop-owned
	state       domain.SessionState
	call        *CallSession
	data        *DataSession
	pendingData ports.DataConn
	timer       utils.Timer
	timerSeq    uint64
	fetchSeq    uint64
	connectedAt time.Time
	relayLost   bool

	mu       sync.RWMutex
	snapshot domain.SessionState
}

func NewSessionMachine(cfg MatchmakingConfig, deps SessionDeps) *SessionMachine {
	if deps.Clock == nil {
		deps.Clock = utils.SystemClock{}
	}
	if deps.Rand == nil {
		deps.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	// Zero backoffs would spin the search loop; zero jitter is allowed.
	defaults := DefaultMatchmakingConfig()
	if cfg.EmptyBackoff <= 0 {
		cfg.EmptyBackoff = defaults.EmptyBackoff
	}
	if cfg.NetworkBackoff <= 0 {
		cfg.NetworkBackoff = defaults.NetworkBackoff
	}
	if cfg.DialTimeoutMin <= 0 {
		cfg.DialTimeoutMin = defaults.DialTimeoutMin
		cfg.DialTimeoutMax = defaults.DialTimeoutMax
	}

	m := &SessionMachine{
		cfg:      cfg,
		self:     deps.Relay.ID(),
		relay:    deps.Relay,
		dir:      deps.Directory,
		media:    deps.Media,
		renderer: deps.Renderer,
		recorder: deps.Recorder,
		clock:    deps.Clock,
		rng:      deps.Rand,
		logger:   deps.Logger.With("peer_id", deps.Relay.ID()),
		box:      newMailbox(),
		done:     make(chan struct{}),
		ctx:      context.Background(),
		state:    domain.Idle(),
		snapshot: domain.Idle(),
	}
	deps.Relay.SetListener(m)
	return m
}

// Run processes events until ctx is cancelled, then tears down any session.
func (m *SessionMachine) Run(ctx context.Context) error {
	m.ctx = ctx
	defer close(m.done)

	m.renderer.SetStatus("online")
	m.renderer.Log(fmt.Sprintf("relay id %s", m.self))

	for {
		select {
		case <-ctx.Done():
			m.teardown("shutdown")
			return ctx.Err()
		case <-m.box.notify:
			for _, ev := range m.box.drain() {
				m.handle(ev)
			}
		}
	}
}

func (m *SessionMachine) Self() domain.PeerID { return m.self }

// State returns the last committed session state.
func (m *SessionMachine) State() domain.SessionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// StartSearch moves an idle actor into Searching. Local media is acquired
// first when none is held; failing that is reported as ErrMediaUnavailable
// and the actor stays idle until the next explicit attempt.
func (m *SessionMachine) StartSearch(ctx context.Context) error {
	if !m.media.HasTracks() {
		if _, err := m.media.Start(ctx); err != nil {
			m.renderer.SetStatus("camera access denied")
			m.renderer.Log("media acquisition failed")
			return err
		}
		if !m.media.AudioAvailable() {
			m.renderer.Log("microphone unavailable, video only")
		}
	}

	reply := make(chan error, 1)
	m.post(startSearchEvent{reply: reply})
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return domain.ErrRelayClosed
	}
}

// Stop ends whatever the actor is doing and returns it to Idle. Calling it
// while idle has no effect.
func (m *SessionMachine) Stop() {
	reply := make(chan struct{}, 1)
	m.post(stopEvent{reply: reply})
	select {
	case <-reply:
	case <-m.done:
	}
}

// Send queues a chat line for the current partner. Blank input is ignored
// and nothing is sent while the channel is not open.
func (m *SessionMachine) Send(text string) error {
	text = utils.SanitizeString(text)
	if text == "" {
		return nil
	}
	if err := validation.ValidateChatText(text); err != nil {
		return fmt.Errorf("invalid chat message: %w", err)
	}
	m.post(sendEvent{text: text})
	return nil
}

// ToggleMute flips the microphone and reports whether it is now muted.
func (m *SessionMachine) ToggleMute() bool {
	return m.media.ToggleMute()
}

// SwitchFacing re-acquires the camera with the opposite facing and swaps the
// outgoing tracks of the current call in place.
func (m *SessionMachine) SwitchFacing(ctx context.Context) error {
	reply := make(chan ports.CallConn, 1)
	m.post(currentCallEvent{reply: reply})

	var call ports.CallConn
	select {
	case call = <-reply:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return domain.ErrRelayClosed
	}

	var replacer ports.TrackReplacer
	if call != nil {
		replacer = call
	}
	return m.media.SwitchFacing(ctx, replacer)
}

// InboundCall implements ports.RelayListener.
func (m *SessionMachine) InboundCall(conn ports.CallConn) {
	m.post(inboundCallEvent{conn: conn})
}

// InboundData implements ports.RelayListener.
func (m *SessionMachine) InboundData(conn ports.DataConn) {
	m.post(inboundDataEvent{conn: conn})
}

// RelayError implements ports.RelayListener.
func (m *SessionMachine) RelayError(err error) {
	m.post(relayErrorEvent{err: err})
}

func (m *SessionMachine) post(ev sessionEvent) {
	m.box.put(ev)
}

// barrier returns once every event posted before it has been handled.
func (m *SessionMachine) barrier() {
	done := make(chan struct{})
	m.post(barrierEvent{done: done})
	select {
	case <-done:
	case <-m.done:
	}
}

func (m *SessionMachine) handle(ev sessionEvent) {
	switch ev := ev.(type) {
	case startSearchEvent:
		ev.reply <- m.startSearch()
	case stopEvent:
		m.teardown("local stop")
		ev.reply <- struct{}{}
	case sendEvent:
		if m.data != nil {
			m.data.Send(ev.text)
		}
	case currentCallEvent:
		if m.call != nil {
			ev.reply <- m.call.Conn()
		} else {
			ev.reply <- nil
		}
	case barrierEvent:
		close(ev.done)

	case directoryResultEvent:
		m.handleDirectoryResult(ev)
	case retryTimerEvent:
		m.handleRetryTimer(ev)
	case dialTimerEvent:
		m.handleDialTimer(ev)
	case noAnswerEvent:
		m.handleNoAnswer(ev)

	case inboundCallEvent:
		m.handleInboundCall(ev.conn)
	case inboundDataEvent:
		m.handleInboundData(ev.conn)
	case relayErrorEvent:
		m.handleRelayError(ev.err)

	case streamEvent:
		m.handleStream(ev)
	case callClosedEvent:
		m.handleCallEnded(ev.conn, nil)
	case callErrorEvent:
		m.handleCallEnded(ev.conn, ev.err)

	case dataOpenEvent:
		if m.isCurrentData(ev.conn) {
			m.data.HandleOpen()
		}
	case dataMessageEvent:
		if m.isCurrentData(ev.conn) {
			m.data.HandleMessage(ev.text)
		}
	case dataClosedEvent:
		m.handleDataEnded(ev.conn, nil)
	case dataErrorEvent:
		m.handleDataEnded(ev.conn, ev.err)

	default:
		m.logger.Warnw("unknown session event", "event", fmt.Sprintf("%T", ev))
	}
}

func (m *SessionMachine) startSearch() error {
	if m.state.Kind != domain.StateIdle {
		return domain.ErrSessionActive
	}
	if m.relayLost {
		return domain.ErrRelayClosed
	}
	m.closeHandles()
	m.renderer.SetSearchingUI(true)
	m.transition(domain.Searching(), "start search")
	m.beginIteration()
	return nil
}

// transition commits a new state. It is the only place m.state changes.
func (m *SessionMachine) transition(to domain.SessionState, reason string) {
	from := m.state
	m.state = to

	m.mu.Lock()
	m.snapshot = to
	m.mu.Unlock()

	m.logger.Infow("session transition", "from", from.String(), "to", to.String(), "reason", reason)
	m.recorder.RecordTransition(from.Kind, to.Kind)
}

func (m *SessionMachine) handleInboundCall(conn ports.CallConn) {
	peer := conn.Peer()

	switch m.state.Kind {
	case domain.StateSearching:
		m.cancelTimer()
		m.fetchSeq++
		m.attachCall(conn)
		if err := conn.Answer(m.media.Tracks()); err != nil {
			m.logger.Warnw("answer failed", "target", peer, "connection_id", conn.ID(), "error", err)
			m.call.Close()
			m.call = nil
			m.beginIteration()
			return
		}
		m.renderer.SetStatus("synchronizing")
		m.renderer.Log(fmt.Sprintf("incoming link from %s", utils.ShortID(peer.String())))
		timeout := m.noAnswerTimeout()
		m.transition(domain.Dialing(peer, m.clock.Now().Add(timeout)), "inbound offer")
		m.scheduleNoAnswer(timeout)
		m.resolvePendingData()

	case domain.StateDialing:
		if peer != m.state.Target {
			m.reject(conn, domain.ConnKindMedia)
			return
		}
		if !m.keepInbound(peer) {
			// The partner drops its own offer once ours arrives. A leave
			// sent now would end its attempt before that happens.
			m.discard(conn, domain.ConnKindMedia)
			return
		}
		// Both sides dialed each other; the connection offered by the
		// smaller identity survives on both ends.
		old := m.call
		m.attachCall(conn)
		if old != nil {
			old.Close()
		}
		if err := conn.Answer(m.media.Tracks()); err != nil {
			m.logger.Warnw("answer failed", "target", peer, "connection_id", conn.ID(), "error", err)
			m.failAttempt(domain.FailureConnError, "answer failed")
			return
		}
		m.renderer.Log(fmt.Sprintf("collision with %s resolved, answering", utils.ShortID(peer.String())))

	default:
		m.reject(conn, domain.ConnKindMedia)
	}
}

func (m *SessionMachine) handleInboundData(conn ports.DataConn) {
	switch m.state.Kind {
	case domain.StateSearching:
		// The matching call may still be on its way; hold the channel until
		// the state decides who the partner is.
		if m.pendingData != nil {
			m.pendingData.Close()
		}
		m.pendingData = conn
	case domain.StateDialing, domain.StateConnected:
		// The partner's channel may trail its media and land after the
		// stream already connected us.
		m.offerData(conn)
	default:
		m.reject(conn, domain.ConnKindData)
	}
}

// offerData decides an inbound data channel from the current partner.
func (m *SessionMachine) offerData(conn ports.DataConn) {
	if conn.Peer() != m.state.Remote() {
		m.reject(conn, domain.ConnKindData)
		return
	}
	if m.data == nil {
		m.attachData(conn)
		return
	}
	if !m.keepInbound(conn.Peer()) {
		m.discard(conn, domain.ConnKindData)
		return
	}
	old := m.data
	m.attachData(conn)
	old.Close()
}

func (m *SessionMachine) resolvePendingData() {
	if m.pendingData == nil {
		return
	}
	conn := m.pendingData
	m.pendingData = nil
	m.offerData(conn)
}

// keepInbound applies the collision rule: the inbound connection wins when
// it was offered by the smaller identity.
func (m *SessionMachine) keepInbound(remote domain.PeerID) bool {
	return strings.Compare(string(remote), string(m.self)) < 0
}

func (m *SessionMachine) reject(conn interface {
	ID() string
	Peer() domain.PeerID
	Close() error
}, kind domain.ConnKind) {
	m.logger.Infow("rejecting inbound connection",
		"target", conn.Peer(),
		"connection_id", conn.ID(),
		"kind", kind,
		"state", m.state.String(),
	)
	m.recorder.RecordInboundRejected(kind, m.state.Kind)
	if err := conn.Close(); err != nil {
		m.logger.Debugw("close rejected connection", "connection_id", conn.ID(), "error", err)
	}
}

// discard drops the partner's duplicate connection after a collision
// without hanging up on it.
func (m *SessionMachine) discard(conn interface {
	ID() string
	Peer() domain.PeerID
	Discard() error
}, kind domain.ConnKind) {
	m.logger.Debugw("ignoring duplicate offer from partner",
		"target", conn.Peer(),
		"connection_id", conn.ID(),
		"kind", kind,
	)
	if err := conn.Discard(); err != nil {
		m.logger.Debugw("discard connection", "connection_id", conn.ID(), "error", err)
	}
}

func (m *SessionMachine) handleStream(ev streamEvent) {
	if m.call == nil || m.call.Conn() != ev.conn {
		return
	}
	m.call.Deliver(ev.stream)

	if m.state.Kind != domain.StateDialing {
		return
	}
	peer := m.state.Target
	m.cancelTimer()
	m.connectedAt = m.clock.Now()
	m.renderer.SetSearchingUI(false)
	m.renderer.SetConnectedUI(true)
	m.renderer.SetStatus("connected")
	m.renderer.Log(fmt.Sprintf("connected to %s", utils.ShortID(peer.String())))
	m.transition(domain.Connected(peer), "remote media")
}

func (m *SessionMachine) handleCallEnded(conn ports.CallConn, err error) {
	if m.call == nil || m.call.Conn() != conn {
		return
	}

	switch m.state.Kind {
	case domain.StateDialing:
		reason := domain.FailureRemoteClosed
		if err != nil {
			reason = domain.FailureConnError
			if errors.Is(err, domain.ErrPeerUnavailable) {
				reason = domain.FailurePeerUnavailable
			}
		}
		m.failAttempt(reason, describeEnd(err))
	case domain.StateConnected:
		m.teardown(describeEnd(err))
	default:
		m.call.Close()
		m.call = nil
	}
}

func describeEnd(err error) string {
	if err == nil {
		return "remote closed"
	}
	return err.Error()
}

func (m *SessionMachine) handleDataEnded(conn ports.DataConn, err error) {
	if m.pendingData == conn {
		m.pendingData = nil
		return
	}
	if !m.isCurrentData(conn) {
		return
	}
	if err != nil {
		m.logger.Warnw("data channel failed", "connection_id", conn.ID(), "error", err)
	}
	m.data.Close()
	m.data = nil
	m.renderer.Log("chat channel closed")
}

func (m *SessionMachine) handleRelayError(err error) {
	m.logger.Warnw("relay error", "error", err)
	m.renderer.Log(fmt.Sprintf("relay error: %v", err))
	if !errors.Is(err, domain.ErrRelayClosed) {
		return
	}
	m.relayLost = true
	// An established session runs peer to peer and ends only when its media
	// connection does. Anything still negotiating needs the relay.
	if m.state.Kind == domain.StateConnected {
		m.renderer.Log("relay lost, session continues")
		return
	}
	m.teardown("relay closed")
	m.renderer.SetStatus("offline")
}

func (m *SessionMachine) isCurrentData(conn ports.DataConn) bool {
	return m.data != nil && m.data.Conn() == conn
}

func (m *SessionMachine) attachCall(conn ports.CallConn) {
	m.call = NewCallSession(conn, m.renderer)
	conn.OnStream(func(stream ports.RemoteStream) {
		m.post(streamEvent{conn: conn, stream: stream})
	})
	conn.OnClose(func() {
		m.post(callClosedEvent{conn: conn})
	})
	conn.OnError(func(err error) {
		m.post(callErrorEvent{conn: conn, err: err})
	})
}

func (m *SessionMachine) attachData(conn ports.DataConn) {
	m.data = NewDataSession(conn, m.renderer, m.logger)
	conn.OnOpen(func() {
		m.post(dataOpenEvent{conn: conn})
	})
	conn.OnMessage(func(text string) {
		m.post(dataMessageEvent{conn: conn, text: text})
	})
	conn.OnClose(func() {
		m.post(dataClosedEvent{conn: conn})
	})
	conn.OnError(func(err error) {
		m.post(dataErrorEvent{conn: conn, err: err})
	})
}

func (m *SessionMachine) closeHandles() {
	if m.call != nil {
		m.call.Close()
		m.call = nil
	}
	if m.data != nil {
		m.data.Close()
		m.data = nil
	}
	if m.pendingData != nil {
		m.pendingData.Close()
		m.pendingData = nil
	}
}

// failAttempt abandons the current dial and immediately searches again.
func (m *SessionMachine) failAttempt(reason domain.FailureReason, detail string) {
	if m.state.Kind != domain.StateDialing {
		return
	}
	target := m.state.Target
	m.cancelTimer()
	m.closeHandles()
	m.recorder.RecordAttemptFailed(reason)
	m.renderer.Log(fmt.Sprintf("attempt to %s failed: %s", utils.ShortID(target.String()), detail))
	m.transition(domain.Searching(), string(reason))
	m.beginIteration()
}

// teardown is the single path back to Idle.
func (m *SessionMachine) teardown(reason string) {
	if m.state.Kind == domain.StateIdle {
		return
	}
	wasConnected := m.state.Kind == domain.StateConnected

	m.cancelTimer()
	m.fetchSeq++
	m.closeHandles()

	if wasConnected {
		m.renderer.ShowRemoteStream(nil)
		m.renderer.SetConnectedUI(false)
		m.renderer.SetStatus("connection terminated")
		m.recorder.RecordSessionEnded(m.clock.Now().Sub(m.connectedAt))
	} else {
		m.renderer.SetStatus("online")
	}
	m.renderer.SetSearchingUI(false)
	m.transition(domain.Idle(), reason)
	if m.relayLost {
		m.renderer.SetStatus("offline")
	}
}

type nopRecorder struct{}

func (nopRecorder) RecordTransition(from, to domain.StateKind)                         {}
func (nopRecorder) RecordDirectoryQuery(candidates int, err error)                     {}
func (nopRecorder) RecordAttemptFailed(reason domain.FailureReason)                    {}
func (nopRecorder) RecordInboundRejected(kind domain.ConnKind, state domain.StateKind) {}
func (nopRecorder) RecordSessionEnded(duration time.Duration)                          {}
