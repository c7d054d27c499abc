package webrtc

import (
	"fmt"
	"sync"

	"pairline/internal/core/domain"
	"pairline/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// MediaConn is one audio/video peer connection to a single remote peer.
type MediaConn struct {
	id       string
	peer     domain.PeerID
	signaler ports.Signaler
	logger   *zap.SugaredLogger

	// set for inbound calls until answered
	factory     *PeerFactory
	remoteOffer string

	life lifecycle

	mu       sync.Mutex
	pc       *webrtc.PeerConnection
	senders  map[domain.TrackKind]*webrtc.RTPSender
	streams  map[string]*remoteStream
	emitted  []ports.RemoteStream
	onStream func(ports.RemoteStream)
	answered bool
}

func newMediaConn(id string, peer domain.PeerID, sig ports.Signaler, logger *zap.SugaredLogger) *MediaConn {
	return &MediaConn{
		id:       id,
		peer:     peer,
		signaler: sig,
		logger:   logger.With("connection_id", id, "target", peer),
		senders:  make(map[domain.TrackKind]*webrtc.RTPSender),
		streams:  make(map[string]*remoteStream),
	}
}

func (c *MediaConn) ID() string          { return c.id }
func (c *MediaConn) Peer() domain.PeerID { return c.peer }

// setup adds the local tracks and installs the connection callbacks.
func (c *MediaConn) setup(tracks []ports.LocalTrack) error {
	for _, track := range tracks {
		sender, err := c.pc.AddTrack(track.Track())
		if err != nil {
			return fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		c.senders[track.Kind()] = sender
		go drainRTCP(sender)
	}

	c.pc.OnTrack(c.handleTrack)
	c.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.logger.Debugw("media connection state changed", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed:
			c.Fail(fmt.Errorf("%w: media connection failed", domain.ErrNetwork))
		case webrtc.PeerConnectionStateClosed:
			c.RemoteLeave()
		}
	})
	return nil
}

// Answer accepts an inbound call with the given local tracks. Negotiation
// continues in the background.
func (c *MediaConn) Answer(tracks []ports.LocalTrack) error {
	if c.life.isClosed() {
		return domain.ErrRelayClosed
	}
	c.mu.Lock()
	if c.answered || c.factory == nil {
		c.mu.Unlock()
		return fmt.Errorf("connection %s cannot be answered", c.id)
	}
	c.answered = true
	c.mu.Unlock()

	pc, err := c.factory.newPeerConnection()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.pc = pc
	c.mu.Unlock()
	if err := c.setup(tracks); err != nil {
		c.Fail(err)
		return err
	}

	go func() {
		sdp, err := c.factory.localAnswer(pc, c.remoteOffer, c.peer, domain.ConnKindMedia, c.id)
		if err == nil {
			err = c.signaler.SendAnswer(c.peer, c.id, domain.ConnKindMedia, sdp)
		}
		if err != nil {
			c.Fail(fmt.Errorf("%w: answer: %v", domain.ErrNetwork, err))
		}
	}()
	return nil
}

func (c *MediaConn) HandleAnswer(sdp string) error {
	pc := c.peerConnection()
	if pc == nil {
		return fmt.Errorf("connection %s has no local offer", c.id)
	}
	return pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

func (c *MediaConn) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	c.logger.Infow("remote track started", "track_id", track.ID(), "kind", track.Kind().String(), "codec", track.Codec().MimeType)

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		if pc := c.peerConnection(); pc != nil {
			if err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}); err != nil {
				c.logger.Debugw("failed to request keyframe", "error", err)
			}
		}
	}

	c.mu.Lock()
	stream, ok := c.streams[track.StreamID()]
	if !ok {
		stream = &remoteStream{id: track.StreamID()}
		c.streams[track.StreamID()] = stream
	}
	stream.add(track)
	c.emitted = append(c.emitted, stream)
	fn := c.onStream
	c.mu.Unlock()

	if fn != nil {
		fn(stream)
	}
}

func (c *MediaConn) OnStream(fn func(ports.RemoteStream)) {
	c.mu.Lock()
	c.onStream = fn
	emitted := append([]ports.RemoteStream(nil), c.emitted...)
	c.mu.Unlock()
	for _, s := range emitted {
		fn(s)
	}
}

func (c *MediaConn) OnClose(fn func())      { c.life.setOnClose(fn) }
func (c *MediaConn) OnError(fn func(error)) { c.life.setOnError(fn) }

// ReplaceTrack swaps the outgoing track of the same kind without
// renegotiation.
func (c *MediaConn) ReplaceTrack(track ports.LocalTrack) error {
	c.mu.Lock()
	sender, ok := c.senders[track.Kind()]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no %s sender", domain.ErrTrackNotFound, track.Kind())
	}
	return sender.ReplaceTrack(track.Track())
}

// Close hangs up and tells the partner.
func (c *MediaConn) Close() error {
	if !c.life.finish(nil) {
		return nil
	}
	if err := c.signaler.SendLeave(c.peer, c.id); err != nil {
		c.logger.Debugw("failed to send leave", "error", err)
	}
	return c.release()
}

// Discard releases the connection without sending leave, so the partner's
// own attempt under the same negotiation stays alive.
func (c *MediaConn) Discard() error {
	if !c.life.finish(nil) {
		return nil
	}
	return c.release()
}

// RemoteLeave closes the connection after the partner hung up.
func (c *MediaConn) RemoteLeave() {
	if c.life.finish(nil) {
		_ = c.release()
	}
}

// Fail closes the connection with err.
func (c *MediaConn) Fail(err error) {
	if c.life.finish(err) {
		c.logger.Infow("media connection failed", "error", err)
		_ = c.release()
	}
}

func (c *MediaConn) release() error {
	c.signaler.Release(c.id)
	pc := c.peerConnection()
	if pc == nil {
		return nil
	}
	return pc.Close()
}

func (c *MediaConn) peerConnection() *webrtc.PeerConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pc
}

// remoteStream groups the remote tracks that share a stream id.
type remoteStream struct {
	id     string
	mu     sync.Mutex
	tracks []*webrtc.TrackRemote
}

func (s *remoteStream) ID() string { return s.id }

func (s *remoteStream) Tracks() []*webrtc.TrackRemote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*webrtc.TrackRemote(nil), s.tracks...)
}

func (s *remoteStream) add(track *webrtc.TrackRemote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, track)
}

// drainRTCP reads sender RTCP so interceptors keep working.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
