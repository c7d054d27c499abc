package domain

import "errors"

var (
	ErrMediaUnavailable = errors.New("media unavailable")
	ErrNetwork          = errors.New("network error")
	ErrPeerUnavailable  = errors.New("peer unavailable")
	ErrNoAnswer         = errors.New("no answer within timeout")
	ErrChannelNotOpen   = errors.New("data channel not open")
	ErrSessionActive    = errors.New("session already active")
	ErrPeerNotFound     = errors.New("peer not found")
	ErrPeerExists       = errors.New("peer already registered")
	ErrRelayClosed      = errors.New("relay connection closed")
	ErrTrackNotFound    = errors.New("track not found")
)
