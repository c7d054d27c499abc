package domain

type Facing string

const (
	FacingUser        Facing = "user"
	FacingEnvironment Facing = "environment"
)

func (f Facing) Opposite() Facing {
	if f == FacingEnvironment {
		return FacingUser
	}
	return FacingEnvironment
}

type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// MediaConstraints describes one capture request.
type MediaConstraints struct {
	Video       bool
	Facing      Facing
	ExactFacing bool
	Audio       bool
}
