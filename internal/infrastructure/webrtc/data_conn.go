package webrtc

import (
	"fmt"
	"sync"

	"pairline/internal/core/domain"
	"pairline/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const dataChannelLabel = "chat"

// DataConn is a text channel carried on its own peer connection.
type DataConn struct {
	id       string
	peer     domain.PeerID
	pc       *webrtc.PeerConnection
	signaler ports.Signaler
	logger   *zap.SugaredLogger

	life lifecycle

	mu        sync.Mutex
	dc        *webrtc.DataChannel
	open      bool
	inbox     []string
	onOpen    func()
	onMessage func(string)
}

func newDataConn(id string, peer domain.PeerID, pc *webrtc.PeerConnection, sig ports.Signaler, logger *zap.SugaredLogger) *DataConn {
	c := &DataConn{
		id:       id,
		peer:     peer,
		pc:       pc,
		signaler: sig,
		logger:   logger.With("connection_id", id, "target", peer),
	}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.logger.Debugw("data connection state changed", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed:
			c.Fail(fmt.Errorf("%w: data connection failed", domain.ErrNetwork))
		case webrtc.PeerConnectionStateClosed:
			c.RemoteLeave()
		}
	})
	return c
}

func (c *DataConn) ID() string          { return c.id }
func (c *DataConn) Peer() domain.PeerID { return c.peer }

func (c *DataConn) attach(dc *webrtc.DataChannel) {
	c.mu.Lock()
	if c.dc != nil {
		c.mu.Unlock()
		c.logger.Warnw("unexpected extra data channel", "label", dc.Label())
		_ = dc.Close()
		return
	}
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.mu.Lock()
		c.open = true
		fn := c.onOpen
		c.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			return
		}
		text := string(msg.Data)
		c.mu.Lock()
		fn := c.onMessage
		if fn == nil {
			c.inbox = append(c.inbox, text)
		}
		c.mu.Unlock()
		if fn != nil {
			fn(text)
		}
	})
	dc.OnClose(func() {
		c.RemoteLeave()
	})
}

func (c *DataConn) HandleAnswer(sdp string) error {
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

func (c *DataConn) OnOpen(fn func()) {
	c.mu.Lock()
	c.onOpen = fn
	open := c.open
	c.mu.Unlock()
	if open {
		fn()
	}
}

// OnMessage delivers buffered messages first, then live ones.
func (c *DataConn) OnMessage(fn func(text string)) {
	c.mu.Lock()
	c.onMessage = fn
	inbox := c.inbox
	c.inbox = nil
	c.mu.Unlock()
	for _, text := range inbox {
		fn(text)
	}
}

func (c *DataConn) OnClose(fn func())      { c.life.setOnClose(fn) }
func (c *DataConn) OnError(fn func(error)) { c.life.setOnError(fn) }

func (c *DataConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open && !c.life.isClosed()
}

func (c *DataConn) Send(text string) error {
	c.mu.Lock()
	dc, open := c.dc, c.open
	c.mu.Unlock()
	if !open || dc == nil || c.life.isClosed() {
		return domain.ErrChannelNotOpen
	}
	return dc.SendText(text)
}

func (c *DataConn) Close() error {
	if !c.life.finish(nil) {
		return nil
	}
	if err := c.signaler.SendLeave(c.peer, c.id); err != nil {
		c.logger.Debugw("failed to send leave", "error", err)
	}
	return c.release()
}

func (c *DataConn) Discard() error {
	if !c.life.finish(nil) {
		return nil
	}
	return c.release()
}

func (c *DataConn) RemoteLeave() {
	if c.life.finish(nil) {
		_ = c.release()
	}
}

func (c *DataConn) Fail(err error) {
	if c.life.finish(err) {
		c.logger.Infow("data connection failed", "error", err)
		_ = c.release()
	}
}

func (c *DataConn) release() error {
	c.signaler.Release(c.id)
	return c.pc.Close()
}
