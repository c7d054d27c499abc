package ports

import (
	"context"
	"time"

	"pairline/internal/core/domain"
)

// PeerDirectory lists the identities currently registered at the relay.
// Implementations never cache and never retry; failures are reported as
// domain.ErrNetwork.
type PeerDirectory interface {
	ListPeers(ctx context.Context) ([]domain.PeerID, error)
}

// DirectoryService is the relay-side registry of online peers.
type DirectoryService interface {
	Register(ctx context.Context, peer *domain.PeerInfo) error
	Unregister(ctx context.Context, id domain.PeerID) error
	Heartbeat(ctx context.Context, id domain.PeerID) error
	ListPeers(ctx context.Context) ([]domain.PeerID, error)
	IsOnline(ctx context.Context, id domain.PeerID) (bool, error)
	Lookup(ctx context.Context, id domain.PeerID) (*domain.PeerInfo, error)
}

type Renderer interface {
	ShowRemoteStream(stream RemoteStream)
	ClearTranscript()
	AppendMessage(text string, sender domain.Sender)
	SetStatus(text string)
	SetSearchingUI(searching bool)
	SetConnectedUI(connected bool)
	Log(text string)
}

type SessionRecorder interface {
	RecordTransition(from, to domain.StateKind)
	RecordDirectoryQuery(candidates int, err error)
	RecordAttemptFailed(reason domain.FailureReason)
	RecordInboundRejected(kind domain.ConnKind, state domain.StateKind)
	RecordSessionEnded(duration time.Duration)
}

// RelayMetrics observes connections and routed signals on the relay.
type RelayMetrics interface {
	RecordPeerConnected()
	RecordPeerDisconnected(connected time.Duration)
	RecordSignalRouted(messageType string)
	RecordSignalDropped(messageType, reason string)
}
