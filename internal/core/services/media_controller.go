package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"pairline/internal/core/domain"
	"pairline/internal/core/ports"

	"go.uber.org/zap"
)

// MediaController owns the process-wide local track set.
type MediaController struct {
	devices ports.MediaDevices
	logger  *zap.SugaredLogger

	mu     sync.Mutex
	tracks []ports.LocalTrack
	facing domain.Facing
	muted  bool
	audio  bool
}

func NewMediaController(devices ports.MediaDevices, facing domain.Facing, logger *zap.SugaredLogger) *MediaController {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if facing == "" {
		facing = domain.FacingUser
	}
	return &MediaController{
		devices: devices,
		logger:  logger,
		facing:  facing,
	}
}

type acquireStep struct {
	label       string
	constraints domain.MediaConstraints
}

// Start acquires tracks with the current facing preference.
func (c *MediaController) Start(ctx context.Context) ([]ports.LocalTrack, error) {
	return c.Acquire(ctx, c.Facing())
}

// Acquire releases the held tracks and captures new ones, falling back from
// the requested camera with audio, to any camera with audio, to camera only.
func (c *MediaController) Acquire(ctx context.Context, facing domain.Facing) ([]ports.LocalTrack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.releaseLocked()

	steps := []acquireStep{
		{"requested camera with audio", domain.MediaConstraints{Video: true, Facing: facing, ExactFacing: true, Audio: true}},
		{"any camera with audio", domain.MediaConstraints{Video: true, Audio: true}},
		{"camera only", domain.MediaConstraints{Video: true}},
	}

	var lastErr error
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tracks, err := c.devices.GetUserMedia(ctx, step.constraints)
		if err != nil {
			lastErr = err
			c.logger.Debugw("media acquisition step failed", "step", step.label, "error", err)
			continue
		}

		c.tracks = tracks
		c.audio = findTrack(tracks, domain.TrackKindAudio) != nil
		c.facing = facing
		if video := findTrack(tracks, domain.TrackKindVideo); video != nil && video.Facing() != "" {
			c.facing = video.Facing()
		}
		c.applyMutedLocked()

		if !c.audio {
			c.logger.Warnw("microphone unavailable, continuing with video only")
		}
		c.logger.Infow("local media acquired", "step", step.label, "facing", c.facing, "tracks", len(tracks))
		return c.snapshotLocked(), nil
	}

	return nil, fmt.Errorf("%w: %w", domain.ErrMediaUnavailable, lastErr)
}

// SwitchFacing re-acquires with the opposite facing and, when replacer is
// set, swaps the outgoing tracks in place. If the new camera cannot be
// opened the previous facing is restored.
func (c *MediaController) SwitchFacing(ctx context.Context, replacer ports.TrackReplacer) error {
	prev := c.Facing()
	next := prev.Opposite()

	tracks, switchErr := c.Acquire(ctx, next)
	if switchErr != nil {
		c.logger.Warnw("camera switch failed, restoring", "facing", next, "error", switchErr)
		var err error
		tracks, err = c.Acquire(ctx, prev)
		if err != nil {
			return fmt.Errorf("restore %s camera: %w", prev, err)
		}
	}

	if replacer != nil {
		if err := c.replaceTracks(replacer, tracks); err != nil {
			return err
		}
	}
	return switchErr
}

// replaceTracks swaps the video track first. Kinds the call has no sender
// for are skipped.
func (c *MediaController) replaceTracks(replacer ports.TrackReplacer, tracks []ports.LocalTrack) error {
	ordered := make([]ports.LocalTrack, 0, len(tracks))
	if video := findTrack(tracks, domain.TrackKindVideo); video != nil {
		ordered = append(ordered, video)
	}
	for _, track := range tracks {
		if track.Kind() != domain.TrackKindVideo {
			ordered = append(ordered, track)
		}
	}

	var errs []error
	for _, track := range ordered {
		err := replacer.ReplaceTrack(track)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrTrackNotFound):
			c.logger.Debugw("call has no sender for track", "kind", track.Kind())
		default:
			errs = append(errs, fmt.Errorf("replace %s track: %w", track.Kind(), err))
		}
	}
	return errors.Join(errs...)
}

// SetMuted toggles the audio track without renegotiation.
func (c *MediaController) SetMuted(muted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.muted = muted
	c.applyMutedLocked()
}

// ToggleMute flips the mute state and returns the new value.
func (c *MediaController) ToggleMute() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.muted = !c.muted
	c.applyMutedLocked()
	return c.muted
}

func (c *MediaController) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

func (c *MediaController) Facing() domain.Facing {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.facing
}

func (c *MediaController) AudioAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audio
}

func (c *MediaController) HasTracks() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tracks) > 0
}

func (c *MediaController) Tracks() []ports.LocalTrack {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Release stops every held track.
func (c *MediaController) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked()
}

func (c *MediaController) releaseLocked() {
	for _, track := range c.tracks {
		track.Stop()
	}
	c.tracks = nil
	c.audio = false
}

func (c *MediaController) applyMutedLocked() {
	if audio := findTrack(c.tracks, domain.TrackKindAudio); audio != nil {
		audio.SetEnabled(!c.muted)
	}
}

func (c *MediaController) snapshotLocked() []ports.LocalTrack {
	out := make([]ports.LocalTrack, len(c.tracks))
	copy(out, c.tracks)
	return out
}

func findTrack(tracks []ports.LocalTrack, kind domain.TrackKind) ports.LocalTrack {
	for _, track := range tracks {
		if track.Kind() == kind {
			return track
		}
	}
	return nil
}
