package services

import (
	"strings"

	"pairline/internal/core/domain"
	"pairline/internal/core/ports"
	"pairline/pkg/utils"

	"go.uber.org/zap"
)

// CallSession wraps the media connection of a session. It is driven from the
// session machine goroutine only.
type CallSession struct {
	conn     ports.CallConn
	renderer ports.Renderer
	streamID string
	closed   bool
}

func NewCallSession(conn ports.CallConn, renderer ports.Renderer) *CallSession {
	return &CallSession{conn: conn, renderer: renderer}
}

func (s *CallSession) Conn() ports.CallConn { return s.conn }

func (s *CallSession) Peer() domain.PeerID { return s.conn.Peer() }

// Received reports whether remote media has been delivered.
func (s *CallSession) Received() bool { return s.streamID != "" }

// Deliver hands a remote stream to the renderer. Repeated notifications for
// the stream already shown are suppressed; it reports whether the stream was
// rendered.
func (s *CallSession) Deliver(stream ports.RemoteStream) bool {
	if s.closed || stream == nil || stream.ID() == s.streamID {
		return false
	}
	s.streamID = stream.ID()
	s.renderer.ShowRemoteStream(stream)
	return true
}

func (s *CallSession) Close() {
	if s.closed {
		return
	}
	s.closed = true
	_ = s.conn.Close()
}

// DataSession wraps the text channel of a session.
type DataSession struct {
	conn     ports.DataConn
	renderer ports.Renderer
	logger   *zap.SugaredLogger
	closed   bool
}

func NewDataSession(conn ports.DataConn, renderer ports.Renderer, logger *zap.SugaredLogger) *DataSession {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &DataSession{conn: conn, renderer: renderer, logger: logger}
}

func (s *DataSession) Conn() ports.DataConn { return s.conn }

// HandleOpen clears the transcript so a new partner never sees the previous
// conversation.
func (s *DataSession) HandleOpen() {
	s.renderer.ClearTranscript()
}

func (s *DataSession) HandleMessage(text string) {
	text = utils.SanitizeString(text)
	if text == "" {
		return
	}
	s.renderer.AppendMessage(text, domain.SenderThem)
}

// Send writes text to the channel and echoes it locally. It is a no-op when
// the text is blank or the channel is not open.
func (s *DataSession) Send(text string) {
	text = strings.TrimSpace(text)
	if text == "" || s.closed || !s.conn.IsOpen() {
		return
	}
	if err := s.conn.Send(text); err != nil {
		s.logger.Warnw("chat send failed", "connection_id", s.conn.ID(), "error", err)
		return
	}
	s.renderer.AppendMessage(text, domain.SenderMe)
}

func (s *DataSession) Close() {
	if s.closed {
		return
	}
	s.closed = true
	_ = s.conn.Close()
}
