package ports

import (
	"context"

	"pairline/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

type LocalTrack interface {
	ID() string
	Kind() domain.TrackKind
	Facing() domain.Facing
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
	Track() webrtc.TrackLocal
}

type MediaDevices interface {
	GetUserMedia(ctx context.Context, constraints domain.MediaConstraints) ([]LocalTrack, error)
}

// TrackReplacer swaps an outgoing track without renegotiation.
type TrackReplacer interface {
	ReplaceTrack(track LocalTrack) error
}
