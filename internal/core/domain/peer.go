package domain

import "time"

// PeerID is the opaque handle the relay assigns to a connected actor. It is
// valid only while that actor's relay connection stays open.
type PeerID string

func (id PeerID) String() string { return string(id) }

type PeerInfo struct {
	ID          PeerID
	Address     string
	InstanceID  string
	ConnectedAt time.Time
	LastSeen    time.Time
}

// ConnKind distinguishes the two connections negotiated per session.
type ConnKind string

const (
	ConnKindMedia ConnKind = "media"
	ConnKindData  ConnKind = "data"
)

func (k ConnKind) Valid() bool {
	return k == ConnKindMedia || k == ConnKindData
}

// Sender marks who wrote a chat line.
type Sender string

const (
	SenderMe   Sender = "me"
	SenderThem Sender = "them"
)
