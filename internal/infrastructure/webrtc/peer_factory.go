package webrtc

import (
	"context"
	"fmt"
	"time"

	"pairline/internal/core/domain"
	"pairline/internal/core/ports"
	"pairline/pkg/config"
	"pairline/pkg/tracing"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// FactoryConfig WebRTC configuration
type FactoryConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	GatherTimeout time.Duration
}

func FactoryConfigFrom(cfg *config.Config) FactoryConfig {
	var fc FactoryConfig
	for _, s := range cfg.WebRTC.ICEServers {
		fc.ICEServers = append(fc.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	fc.PortRange.Min = cfg.WebRTC.PortRange.Min
	fc.PortRange.Max = cfg.WebRTC.PortRange.Max
	fc.GatherTimeout = cfg.WebRTC.GatherTimeout
	return fc
}

// PeerFactory builds one peer connection per media or data handle and runs
// vanilla ICE negotiation: descriptions are signaled only after candidate
// gathering finished.
type PeerFactory struct {
	api           *webrtc.API
	config        webrtc.Configuration
	gatherTimeout time.Duration
	logger        *zap.SugaredLogger
}

func NewPeerFactory(cfg FactoryConfig, logger *zap.SugaredLogger) (*PeerFactory, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("port range: %w", err)
		}
	}

	gatherTimeout := cfg.GatherTimeout
	if gatherTimeout <= 0 {
		gatherTimeout = 5 * time.Second
	}

	return &PeerFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(settingEngine),
		),
		config: webrtc.Configuration{
			ICEServers:   cfg.ICEServers,
			SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
		},
		gatherTimeout: gatherTimeout,
		logger:        logger,
	}, nil
}

func (f *PeerFactory) newPeerConnection() (*webrtc.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return pc, nil
}

func (f *PeerFactory) DialMedia(ctx context.Context, target domain.PeerID, connectionID string, tracks []ports.LocalTrack, sig ports.Signaler) (ports.MediaHandle, error) {
	pc, err := f.newPeerConnection()
	if err != nil {
		return nil, err
	}
	c := newMediaConn(connectionID, target, sig, f.logger)
	c.pc = pc
	if err := c.setup(tracks); err != nil {
		pc.Close()
		return nil, err
	}

	go func() {
		sdp, err := f.localOffer(ctx, pc, target, domain.ConnKindMedia, connectionID)
		if err == nil {
			err = sig.SendOffer(target, connectionID, domain.ConnKindMedia, sdp)
		}
		if err != nil {
			c.Fail(fmt.Errorf("%w: offer: %v", domain.ErrNetwork, err))
		}
	}()
	return c, nil
}

// AcceptMedia wraps an inbound media offer. Nothing is allocated until the
// call is answered.
func (f *PeerFactory) AcceptMedia(peer domain.PeerID, connectionID, offerSDP string, sig ports.Signaler) ports.MediaHandle {
	c := newMediaConn(connectionID, peer, sig, f.logger)
	c.remoteOffer = offerSDP
	c.factory = f
	return c
}

func (f *PeerFactory) DialData(ctx context.Context, target domain.PeerID, connectionID string, sig ports.Signaler) (ports.DataHandle, error) {
	pc, err := f.newPeerConnection()
	if err != nil {
		return nil, err
	}
	c := newDataConn(connectionID, target, pc, sig, f.logger)

	ordered := true
	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	c.attach(dc)

	go func() {
		sdp, err := f.localOffer(ctx, pc, target, domain.ConnKindData, connectionID)
		if err == nil {
			err = sig.SendOffer(target, connectionID, domain.ConnKindData, sdp)
		}
		if err != nil {
			c.Fail(fmt.Errorf("%w: offer: %v", domain.ErrNetwork, err))
		}
	}()
	return c, nil
}

// AcceptData answers an inbound data offer right away; whether the channel
// is kept is decided once it reaches the session.
func (f *PeerFactory) AcceptData(peer domain.PeerID, connectionID, offerSDP string, sig ports.Signaler) (ports.DataHandle, error) {
	pc, err := f.newPeerConnection()
	if err != nil {
		return nil, err
	}
	c := newDataConn(connectionID, peer, pc, sig, f.logger)
	pc.OnDataChannel(c.attach)

	go func() {
		sdp, err := f.localAnswer(pc, offerSDP, peer, domain.ConnKindData, connectionID)
		if err == nil {
			err = sig.SendAnswer(peer, connectionID, domain.ConnKindData, sdp)
		}
		if err != nil {
			c.Fail(fmt.Errorf("%w: answer: %v", domain.ErrNetwork, err))
		}
	}()
	return c, nil
}

func (f *PeerFactory) localOffer(ctx context.Context, pc *webrtc.PeerConnection, target domain.PeerID, kind domain.ConnKind, connectionID string) (string, error) {
	ctx, span := tracing.TraceNegotiation(ctx, "offer", string(kind), target.String(), connectionID)
	defer span.End()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		tracing.RecordError(ctx, err)
		return "", fmt.Errorf("create offer: %w", err)
	}
	sdp, err := f.gather(pc, offer)
	if err != nil {
		tracing.RecordError(ctx, err)
		return "", err
	}
	return sdp, nil
}

func (f *PeerFactory) localAnswer(pc *webrtc.PeerConnection, offerSDP string, peer domain.PeerID, kind domain.ConnKind, connectionID string) (string, error) {
	ctx, span := tracing.TraceNegotiation(context.Background(), "answer", string(kind), peer.String(), connectionID)
	defer span.End()

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}); err != nil {
		tracing.RecordError(ctx, err)
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		tracing.RecordError(ctx, err)
		return "", fmt.Errorf("create answer: %w", err)
	}
	sdp, err := f.gather(pc, answer)
	if err != nil {
		tracing.RecordError(ctx, err)
		return "", err
	}
	return sdp, nil
}

// gather applies the local description and waits for ICE gathering so the
// returned SDP carries every candidate.
func (f *PeerFactory) gather(pc *webrtc.PeerConnection, desc webrtc.SessionDescription) (string, error) {
	complete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	timer := time.NewTimer(f.gatherTimeout)
	defer timer.Stop()
	select {
	case <-complete:
	case <-timer.C:
		f.logger.Debugw("ice gathering timed out, sending partial candidates", "timeout", f.gatherTimeout)
	}

	local := pc.LocalDescription()
	if local == nil {
		return "", fmt.Errorf("no local description")
	}
	return local.SDP, nil
}
