package media

import (
	"context"
	"fmt"
	"time"

	"pairline/internal/core/domain"
	"pairline/internal/core/ports"
	"pairline/pkg/config"

	"go.uber.org/zap"
)

type Config struct {
	Cameras       []domain.Facing
	Microphone    bool
	FrameInterval time.Duration
}

func ConfigFrom(cfg *config.Config) Config {
	c := Config{
		Microphone:    cfg.Media.Microphone,
		FrameInterval: cfg.Media.FrameInterval,
	}
	for _, cam := range cfg.Media.Cameras {
		c.Cameras = append(c.Cameras, domain.Facing(cam))
	}
	return c
}

// SyntheticDevices emulates capture hardware: a set of cameras by facing
// and an optional microphone, each producing generated samples.
type SyntheticDevices struct {
	cameras       []domain.Facing
	microphone    bool
	frameInterval time.Duration
	logger        *zap.SugaredLogger
}

func NewSyntheticDevices(cfg Config, logger *zap.SugaredLogger) *SyntheticDevices {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	interval := cfg.FrameInterval
	if interval <= 0 {
		interval = 33 * time.Millisecond
	}
	return &SyntheticDevices{
		cameras:       append([]domain.Facing(nil), cfg.Cameras...),
		microphone:    cfg.Microphone,
		frameInterval: interval,
		logger:        logger,
	}
}

var _ ports.MediaDevices = (*SyntheticDevices)(nil)

// GetUserMedia captures tracks for the constraints. It fails as a whole
// when any requested device is missing.
func (d *SyntheticDevices) GetUserMedia(ctx context.Context, constraints domain.MediaConstraints) ([]ports.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !constraints.Video && !constraints.Audio {
		return nil, fmt.Errorf("%w: no media requested", domain.ErrMediaUnavailable)
	}

	var facing domain.Facing
	if constraints.Video {
		var ok bool
		facing, ok = d.pickCamera(constraints.Facing, constraints.ExactFacing)
		if !ok {
			return nil, fmt.Errorf("%w: no %s camera", domain.ErrMediaUnavailable, describeFacing(constraints))
		}
	}
	if constraints.Audio && !d.microphone {
		return nil, fmt.Errorf("%w: no microphone", domain.ErrMediaUnavailable)
	}

	var tracks []ports.LocalTrack
	if constraints.Video {
		video, err := newVideoTrack(facing, d.frameInterval, d.logger)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, video)
	}
	if constraints.Audio {
		audio, err := newAudioTrack(d.logger)
		if err != nil {
			stopAll(tracks)
			return nil, err
		}
		tracks = append(tracks, audio)
	}

	d.logger.Debugw("capture started", "video", constraints.Video, "facing", facing, "audio", constraints.Audio)
	return tracks, nil
}

func (d *SyntheticDevices) pickCamera(want domain.Facing, exact bool) (domain.Facing, bool) {
	for _, cam := range d.cameras {
		if want == "" || cam == want {
			return cam, true
		}
	}
	if exact || len(d.cameras) == 0 {
		return "", false
	}
	return d.cameras[0], true
}

func describeFacing(c domain.MediaConstraints) string {
	if c.ExactFacing && c.Facing != "" {
		return string(c.Facing)
	}
	return "usable"
}

func stopAll(tracks []ports.LocalTrack) {
	for _, t := range tracks {
		t.Stop()
	}
}
