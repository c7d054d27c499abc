package media

import (
	"fmt"
	"sync"
	"time"

	"pairline/internal/core/domain"

	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"
)

const (
	streamID      = "pairline"
	audioInterval = 20 * time.Millisecond
)

// opusSilence is a single Opus frame that decodes to silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SampleTrack is a local track fed by a generator goroutine until stopped.
type SampleTrack struct {
	id       string
	kind     domain.TrackKind
	facing   domain.Facing
	local    *webrtc.TrackLocalStaticSample
	interval time.Duration
	frame    func(seq uint64) []byte
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	enabled bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func newVideoTrack(facing domain.Facing, interval time.Duration, logger *zap.SugaredLogger) (*SampleTrack, error) {
	id := "video-" + string(facing)
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("create video track: %w", err)
	}
	t := newSampleTrack(id, domain.TrackKindVideo, facing, local, interval, logger)
	t.frame = func(seq uint64) []byte { return videoFrame(facing, seq) }
	t.start()
	return t, nil
}

func newAudioTrack(logger *zap.SugaredLogger) (*SampleTrack, error) {
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	t := newSampleTrack("audio", domain.TrackKindAudio, "", local, audioInterval, logger)
	t.frame = func(uint64) []byte { return opusSilence }
	t.start()
	return t, nil
}

func newSampleTrack(id string, kind domain.TrackKind, facing domain.Facing, local *webrtc.TrackLocalStaticSample, interval time.Duration, logger *zap.SugaredLogger) *SampleTrack {
	return &SampleTrack{
		id:       id,
		kind:     kind,
		facing:   facing,
		local:    local,
		interval: interval,
		logger:   logger.With("track_id", id),
		enabled:  true,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (t *SampleTrack) ID() string               { return t.id }
func (t *SampleTrack) Kind() domain.TrackKind   { return t.kind }
func (t *SampleTrack) Facing() domain.Facing    { return t.facing }
func (t *SampleTrack) Track() webrtc.TrackLocal { return t.local }

func (t *SampleTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// SetEnabled pauses or resumes sample generation. A disabled track stays
// bound to its senders.
func (t *SampleTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

// Stop ends generation and waits for the generator to exit.
func (t *SampleTrack) Stop() {
	t.stopOnce.Do(func() {
		close(t.stop)
	})
	<-t.done
}

func (t *SampleTrack) start() {
	go func() {
		defer close(t.done)
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		var seq uint64
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
			}
			if !t.Enabled() {
				continue
			}
			seq++
			// Writes before the track is bound to a sender are discarded by pion.
			if err := t.local.WriteSample(pionmedia.Sample{Data: t.frame(seq), Duration: t.interval}); err != nil {
				t.logger.Debugw("failed to write sample", "error", err)
			}
		}
	}()
}

// videoFrame builds a small payload tagged with the facing and a sequence
// number so receivers can tell cameras apart.
func videoFrame(facing domain.Facing, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s:%d", facing, seq))
}
