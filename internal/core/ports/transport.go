package ports

import (
	"context"

	"pairline/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// Relay is the client side of the signaling relay. Call and ConnectData
// return immediately and negotiate in the background; the outcome arrives
// through the handle callbacks.
type Relay interface {
	ID() domain.PeerID
	Call(ctx context.Context, target domain.PeerID, tracks []LocalTrack) (CallConn, error)
	ConnectData(ctx context.Context, target domain.PeerID) (DataConn, error)
	SetListener(l RelayListener)
	Close() error
}

type RelayListener interface {
	InboundCall(conn CallConn)
	InboundData(conn DataConn)
	RelayError(err error)
}

// CallConn is one media peer connection. Callbacks are sticky: registering
// after the event already happened still delivers it.
type CallConn interface {
	ID() string
	Peer() domain.PeerID
	Answer(tracks []LocalTrack) error
	OnStream(fn func(RemoteStream))
	OnClose(fn func())
	OnError(fn func(error))
	ReplaceTrack(track LocalTrack) error
	Close() error
	// Discard drops the connection locally without telling the partner.
	Discard() error
}

// DataConn is one text channel, paired with a CallConn to the same peer.
type DataConn interface {
	ID() string
	Peer() domain.PeerID
	OnOpen(fn func())
	OnMessage(fn func(text string))
	OnClose(fn func())
	OnError(fn func(error))
	Send(text string) error
	IsOpen() bool
	Close() error
	Discard() error
}

type RemoteStream interface {
	ID() string
	Tracks() []*webrtc.TrackRemote
}

// Signaler carries negotiation messages for one relay session.
type Signaler interface {
	SendOffer(target domain.PeerID, connectionID string, kind domain.ConnKind, sdp string) error
	SendAnswer(target domain.PeerID, connectionID string, kind domain.ConnKind, sdp string) error
	SendLeave(target domain.PeerID, connectionID string) error
	Release(connectionID string)
}

// MediaHandle is a CallConn as seen by the relay client, which feeds it the
// remote half of the negotiation.
type MediaHandle interface {
	CallConn
	HandleAnswer(sdp string) error
	RemoteLeave()
	Fail(err error)
}

type DataHandle interface {
	DataConn
	HandleAnswer(sdp string) error
	RemoteLeave()
	Fail(err error)
}

// ConnFactory creates the peer connections behind relay handles. Dial
// methods start negotiating in the background; AcceptMedia defers until
// the call is answered while AcceptData answers right away.
type ConnFactory interface {
	DialMedia(ctx context.Context, target domain.PeerID, connectionID string, tracks []LocalTrack, sig Signaler) (MediaHandle, error)
	AcceptMedia(peer domain.PeerID, connectionID, offerSDP string, sig Signaler) MediaHandle
	DialData(ctx context.Context, target domain.PeerID, connectionID string, sig Signaler) (DataHandle, error)
	AcceptData(peer domain.PeerID, connectionID, offerSDP string, sig Signaler) (DataHandle, error)
}
