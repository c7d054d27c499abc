package webrtc

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"pairline/internal/core/domain"
	"pairline/internal/core/ports"
	"pairline/internal/infrastructure/media"
	"pairline/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestFactoryConfigFrom(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.WebRTC.PortRange.Min = 50000
	cfg.WebRTC.PortRange.Max = 50100

	fc := FactoryConfigFrom(cfg)
	require.Len(t, fc.ICEServers, len(cfg.WebRTC.ICEServers))
	assert.Equal(t, cfg.WebRTC.ICEServers[0].URLs, fc.ICEServers[0].URLs)
	assert.Equal(t, uint16(50000), fc.PortRange.Min)
	assert.Equal(t, uint16(50100), fc.PortRange.Max)
	assert.Equal(t, cfg.WebRTC.GatherTimeout, fc.GatherTimeout)
}

func TestNewPeerFactory_RejectsBadPortRange(t *testing.T) {
	var fc FactoryConfig
	fc.PortRange.Min = 6000
	fc.PortRange.Max = 5000

	_, err := NewPeerFactory(fc, nil)
	assert.Error(t, err)
}

func TestAcceptMedia_DefersAllocation(t *testing.T) {
	f, err := NewPeerFactory(FactoryConfig{}, nil)
	require.NoError(t, err)

	sig := newLoopback("b")
	h := f.AcceptMedia("a", "mc_1", "v=0", sig)
	c := h.(*MediaConn)
	assert.Nil(t, c.peerConnection())
	assert.Error(t, c.HandleAnswer("v=0"))

	closed := false
	h.OnClose(func() { closed = true })
	require.NoError(t, h.Close())
	assert.True(t, closed)
	assert.Equal(t, []string{"mc_1"}, sig.leaves())
	assert.Equal(t, []string{"mc_1"}, sig.released())

	assert.ErrorIs(t, h.Answer(nil), domain.ErrRelayClosed)
}

func TestAcceptMedia_DiscardSendsNoLeave(t *testing.T) {
	f, err := NewPeerFactory(FactoryConfig{}, nil)
	require.NoError(t, err)

	sig := newLoopback("a")
	h := f.AcceptMedia("b", "mc_2", "v=0", sig)

	closed := false
	h.OnClose(func() { closed = true })
	require.NoError(t, h.Discard())
	require.NoError(t, h.Discard())
	assert.True(t, closed)
	assert.Empty(t, sig.leaves())
	assert.Equal(t, []string{"mc_2"}, sig.released())

	require.NoError(t, h.Close())
	assert.Empty(t, sig.leaves())
}

// loopback delivers signaling between two in-process factories.
type loopback struct {
	self    domain.PeerID
	factory *PeerFactory

	mu       sync.Mutex
	other    *loopback
	handles  map[string]interface{}
	left     []string
	releases []string
	inbound  chan interface{}
}

func newLoopback(self domain.PeerID) *loopback {
	return &loopback{
		self:    self,
		handles: make(map[string]interface{}),
		inbound: make(chan interface{}, 4),
	}
}

func (l *loopback) SendOffer(_ domain.PeerID, connectionID string, kind domain.ConnKind, sdp string) error {
	go l.other.receiveOffer(l.self, connectionID, kind, sdp)
	return nil
}

func (l *loopback) SendAnswer(_ domain.PeerID, connectionID string, _ domain.ConnKind, sdp string) error {
	go func() {
		switch h := l.other.handle(connectionID).(type) {
		case ports.MediaHandle:
			if err := h.HandleAnswer(sdp); err != nil {
				h.Fail(err)
			}
		case ports.DataHandle:
			if err := h.HandleAnswer(sdp); err != nil {
				h.Fail(err)
			}
		}
	}()
	return nil
}

func (l *loopback) SendLeave(_ domain.PeerID, connectionID string) error {
	l.mu.Lock()
	l.left = append(l.left, connectionID)
	other := l.other
	l.mu.Unlock()
	if other == nil {
		return nil
	}
	go func() {
		switch h := other.handle(connectionID).(type) {
		case ports.MediaHandle:
			h.RemoteLeave()
		case ports.DataHandle:
			h.RemoteLeave()
		}
	}()
	return nil
}

func (l *loopback) Release(connectionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.handles, connectionID)
	l.releases = append(l.releases, connectionID)
}

func (l *loopback) register(connectionID string, h interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handles[connectionID] = h
}

func (l *loopback) handle(connectionID string) interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handles[connectionID]
}

func (l *loopback) leaves() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.left...)
}

func (l *loopback) released() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.releases...)
}

func (l *loopback) receiveOffer(from domain.PeerID, connectionID string, kind domain.ConnKind, sdp string) {
	switch kind {
	case domain.ConnKindMedia:
		h := l.factory.AcceptMedia(from, connectionID, sdp, l)
		l.register(connectionID, h)
		l.inbound <- h
	case domain.ConnKindData:
		h, err := l.factory.AcceptData(from, connectionID, sdp, l)
		if err != nil {
			return
		}
		l.register(connectionID, h)
		l.inbound <- h
	}
}

func pair(t *testing.T) (*loopback, *loopback) {
	t.Helper()
	a, b := newLoopback("a"), newLoopback("b")
	a.other, b.other = b, a

	cfg := FactoryConfig{GatherTimeout: 3 * time.Second}
	var err error
	a.factory, err = NewPeerFactory(cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	b.factory, err = NewPeerFactory(cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return a, b
}

func captureTracks(t *testing.T) []ports.LocalTrack {
	t.Helper()
	devices := media.NewSyntheticDevices(media.Config{
		Cameras:       []domain.Facing{domain.FacingUser, domain.FacingEnvironment},
		Microphone:    true,
		FrameInterval: 20 * time.Millisecond,
	}, nil)
	tracks, err := devices.GetUserMedia(context.Background(), domain.MediaConstraints{Video: true, Facing: domain.FacingUser, Audio: true})
	require.NoError(t, err)
	t.Cleanup(func() {
		for _, tr := range tracks {
			tr.Stop()
		}
	})
	return tracks
}

func requireIntegration(t *testing.T) {
	if os.Getenv("PAIRLINE_INTEGRATION") != "1" {
		t.Skip("set PAIRLINE_INTEGRATION=1 to run pion end-to-end tests")
	}
}

func TestPeerFactory_MediaEndToEnd(t *testing.T) {
	requireIntegration(t)
	a, b := pair(t)

	ha, err := a.factory.DialMedia(context.Background(), "b", "mc_1", captureTracks(t), a)
	require.NoError(t, err)
	a.register("mc_1", ha)

	var hb ports.MediaHandle
	select {
	case in := <-b.inbound:
		hb = in.(ports.MediaHandle)
	case <-time.After(10 * time.Second):
		t.Fatal("offer never arrived")
	}
	assert.Equal(t, domain.PeerID("a"), hb.Peer())
	require.NoError(t, hb.Answer(captureTracks(t)))

	streams := make(chan ports.RemoteStream, 8)
	ha.OnStream(func(s ports.RemoteStream) { streams <- s })

	select {
	case s := <-streams:
		assert.Equal(t, "pairline", s.ID())
	case <-time.After(15 * time.Second):
		t.Fatal("no remote stream")
	}

	other := captureTracks(t)
	for _, tr := range other {
		if tr.Kind() == domain.TrackKindVideo {
			assert.NoError(t, ha.ReplaceTrack(tr))
		}
	}

	closed := make(chan struct{})
	hb.OnClose(func() { close(closed) })
	require.NoError(t, ha.Close())
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("remote side never closed")
	}
}

func TestPeerFactory_DataEndToEnd(t *testing.T) {
	requireIntegration(t)
	a, b := pair(t)

	ha, err := a.factory.DialData(context.Background(), "b", "dc_1", a)
	require.NoError(t, err)
	a.register("dc_1", ha)

	var hb ports.DataHandle
	select {
	case in := <-b.inbound:
		hb = in.(ports.DataHandle)
	case <-time.After(10 * time.Second):
		t.Fatal("offer never arrived")
	}

	received := make(chan string, 1)
	hb.OnMessage(func(text string) { received <- text })

	opened := make(chan struct{})
	ha.OnOpen(func() { close(opened) })
	select {
	case <-opened:
	case <-time.After(15 * time.Second):
		t.Fatal("data channel never opened")
	}
	require.NoError(t, ha.Send("hello"))

	select {
	case text := <-received:
		assert.Equal(t, "hello", text)
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}

	require.NoError(t, ha.Close())
	assert.False(t, ha.IsOpen())
	assert.ErrorIs(t, ha.Send("late"), domain.ErrChannelNotOpen)
}
