package domain

import (
	"fmt"
	"time"
)

type StateKind int

const (
	StateIdle StateKind = iota
	StateSearching
	StateDialing
	StateConnected
)

func (k StateKind) String() string {
	switch k {
	case StateIdle:
		return "idle"
	case StateSearching:
		return "searching"
	case StateDialing:
		return "dialing"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// SessionState is the single session state of a local actor. Target and
// Deadline are set only while Dialing, Peer only while Connected.
type SessionState struct {
	Kind     StateKind
	Target   PeerID
	Deadline time.Time
	Peer     PeerID
}

func Idle() SessionState      { return SessionState{Kind: StateIdle} }
func Searching() SessionState { return SessionState{Kind: StateSearching} }

func Dialing(target PeerID, deadline time.Time) SessionState {
	return SessionState{Kind: StateDialing, Target: target, Deadline: deadline}
}

func Connected(peer PeerID) SessionState {
	return SessionState{Kind: StateConnected, Peer: peer}
}

// Remote returns the peer the state refers to, if any.
func (s SessionState) Remote() PeerID {
	switch s.Kind {
	case StateDialing:
		return s.Target
	case StateConnected:
		return s.Peer
	default:
		return ""
	}
}

func (s SessionState) String() string {
	switch s.Kind {
	case StateDialing:
		return fmt.Sprintf("dialing(%s)", s.Target)
	case StateConnected:
		return fmt.Sprintf("connected(%s)", s.Peer)
	default:
		return s.Kind.String()
	}
}

// FailureReason labels why a dial attempt went back to Searching.
type FailureReason string

const (
	FailureTimeout         FailureReason = "timeout"
	FailureRemoteClosed    FailureReason = "remote_closed"
	FailureConnError       FailureReason = "conn_error"
	FailurePeerUnavailable FailureReason = "peer_unavailable"
	FailureNetwork         FailureReason = "network"
)
