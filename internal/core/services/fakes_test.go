package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pairline/internal/core/domain"
	"pairline/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/mock"
)

// MockPeerDirectory for tests
type MockPeerDirectory struct {
	mock.Mock
}

func (m *MockPeerDirectory) ListPeers(ctx context.Context) ([]domain.PeerID, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.PeerID), args.Error(1)
}

// MockPeerRepository for tests
type MockPeerRepository struct {
	mock.Mock
}

func (m *MockPeerRepository) Add(ctx context.Context, peer *domain.PeerInfo) error {
	args := m.Called(ctx, peer)
	return args.Error(0)
}

func (m *MockPeerRepository) Remove(ctx context.Context, id domain.PeerID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockPeerRepository) GetByID(ctx context.Context, id domain.PeerID) (*domain.PeerInfo, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.PeerInfo), args.Error(1)
}

func (m *MockPeerRepository) List(ctx context.Context) ([]domain.PeerID, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.PeerID), args.Error(1)
}

func (m *MockPeerRepository) Touch(ctx context.Context, id domain.PeerID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockPeerRepository) Count(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

// MockMediaDevices for tests
type MockMediaDevices struct {
	mock.Mock
}

func (m *MockMediaDevices) GetUserMedia(ctx context.Context, c domain.MediaConstraints) ([]ports.LocalTrack, error) {
	args := m.Called(ctx, c)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]ports.LocalTrack), args.Error(1)
}

// MockTrackReplacer for tests
type MockTrackReplacer struct {
	mock.Mock
}

func (m *MockTrackReplacer) ReplaceTrack(track ports.LocalTrack) error {
	args := m.Called(track)
	return args.Error(0)
}

type fakeTrack struct {
	mu      sync.Mutex
	id      string
	kind    domain.TrackKind
	facing  domain.Facing
	enabled bool
	stopped bool
}

func newFakeTrack(kind domain.TrackKind, facing domain.Facing) *fakeTrack {
	return &fakeTrack{id: fmt.Sprintf("%s-%s", kind, facing), kind: kind, facing: facing, enabled: true}
}

func (t *fakeTrack) ID() string             { return t.id }
func (t *fakeTrack) Kind() domain.TrackKind { return t.kind }
func (t *fakeTrack) Facing() domain.Facing  { return t.facing }
func (t *fakeTrack) Track() webrtc.TrackLocal {
	return nil
}

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *fakeTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// fakeDevices hands out an audio and a video track per request unless
// failing is set.
type fakeDevices struct {
	mu      sync.Mutex
	failing bool
	issued  []*fakeTrack
}

func (d *fakeDevices) GetUserMedia(ctx context.Context, c domain.MediaConstraints) ([]ports.LocalTrack, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failing {
		return nil, fmt.Errorf("permission denied")
	}
	facing := c.Facing
	if facing == "" {
		facing = domain.FacingUser
	}
	video := newFakeTrack(domain.TrackKindVideo, facing)
	d.issued = append(d.issued, video)
	tracks := []ports.LocalTrack{video}
	if c.Audio {
		audio := newFakeTrack(domain.TrackKindAudio, "")
		d.issued = append(d.issued, audio)
		tracks = append(tracks, audio)
	}
	return tracks, nil
}

func (d *fakeDevices) setFailing(failing bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failing = failing
}

type fakeStream struct{ id string }

func (s fakeStream) ID() string                    { return s.id }
func (s fakeStream) Tracks() []*webrtc.TrackRemote { return nil }

// fakeCallConn is one side of an in-memory media connection. Callbacks are
// sticky like the real transport.
type fakeCallConn struct {
	id    string
	owner domain.PeerID
	peer  domain.PeerID

	mu       sync.Mutex
	remote   *fakeCallConn
	onStream func(ports.RemoteStream)
	onClose  func()
	onError  func(error)
	streams  []ports.RemoteStream
	closed   bool
	err      error
	answered  bool
	discarded bool
	replaced  []ports.LocalTrack
}

func newFakeCallConn(id string, owner, peer domain.PeerID) *fakeCallConn {
	return &fakeCallConn{id: id, owner: owner, peer: peer}
}

func (c *fakeCallConn) ID() string          { return c.id }
func (c *fakeCallConn) Peer() domain.PeerID { return c.peer }

func (c *fakeCallConn) Answer(tracks []ports.LocalTrack) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrRelayClosed
	}
	c.answered = true
	remote := c.remote
	c.mu.Unlock()

	if remote != nil {
		remote.EmitStream(fakeStream{id: "stream-" + string(c.owner)})
		c.EmitStream(fakeStream{id: "stream-" + string(remote.owner)})
	}
	return nil
}

func (c *fakeCallConn) OnStream(fn func(ports.RemoteStream)) {
	c.mu.Lock()
	c.onStream = fn
	streams := append([]ports.RemoteStream(nil), c.streams...)
	c.mu.Unlock()
	for _, s := range streams {
		fn(s)
	}
}

func (c *fakeCallConn) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	closed := c.closed
	c.mu.Unlock()
	if closed {
		fn()
	}
}

func (c *fakeCallConn) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	err := c.err
	c.mu.Unlock()
	if err != nil {
		fn(err)
	}
}

func (c *fakeCallConn) ReplaceTrack(track ports.LocalTrack) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replaced = append(c.replaced, track)
	return nil
}

func (c *fakeCallConn) Close() error {
	if !c.markClosed() {
		return nil
	}
	if remote := c.remoteSide(); remote != nil {
		remote.RemoteClose()
	}
	return nil
}

// Discard closes only the local side.
func (c *fakeCallConn) Discard() error {
	c.mu.Lock()
	c.discarded = true
	c.mu.Unlock()
	c.markClosed()
	return nil
}

func (c *fakeCallConn) IsDiscarded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.discarded
}

// RemoteClose simulates the partner hanging up.
func (c *fakeCallConn) RemoteClose() {
	c.markClosed()
}

func (c *fakeCallConn) markClosed() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	fn := c.onClose
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
	return true
}

func (c *fakeCallConn) EmitStream(s ports.RemoteStream) {
	c.mu.Lock()
	c.streams = append(c.streams, s)
	fn := c.onStream
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (c *fakeCallConn) EmitError(err error) {
	c.mu.Lock()
	c.err = err
	fn := c.onError
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (c *fakeCallConn) remoteSide() *fakeCallConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *fakeCallConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeCallConn) IsAnswered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answered
}

func (c *fakeCallConn) Replaced() []ports.LocalTrack {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ports.LocalTrack(nil), c.replaced...)
}

// fakeDataConn is one side of an in-memory text channel.
type fakeDataConn struct {
	id    string
	owner domain.PeerID
	peer  domain.PeerID

	mu        sync.Mutex
	remote    *fakeDataConn
	onOpen    func()
	onMessage func(string)
	onClose   func()
	onError   func(error)
	open      bool
	closed    bool
	discarded bool
	inbox     []string
	sent      []string
}

func newFakeDataConn(id string, owner, peer domain.PeerID) *fakeDataConn {
	return &fakeDataConn{id: id, owner: owner, peer: peer}
}

func (c *fakeDataConn) ID() string          { return c.id }
func (c *fakeDataConn) Peer() domain.PeerID { return c.peer }

func (c *fakeDataConn) OnOpen(fn func()) {
	c.mu.Lock()
	c.onOpen = fn
	open := c.open
	c.mu.Unlock()
	if open {
		fn()
	}
}

func (c *fakeDataConn) OnMessage(fn func(string)) {
	c.mu.Lock()
	c.onMessage = fn
	inbox := append([]string(nil), c.inbox...)
	c.mu.Unlock()
	for _, text := range inbox {
		fn(text)
	}
}

func (c *fakeDataConn) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	closed := c.closed
	c.mu.Unlock()
	if closed {
		fn()
	}
}

func (c *fakeDataConn) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

func (c *fakeDataConn) Send(text string) error {
	c.mu.Lock()
	if !c.open || c.closed {
		c.mu.Unlock()
		return domain.ErrChannelNotOpen
	}
	c.sent = append(c.sent, text)
	remote := c.remote
	c.mu.Unlock()
	if remote != nil {
		remote.Receive(text)
	}
	return nil
}

func (c *fakeDataConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open && !c.closed
}

func (c *fakeDataConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	fn := c.onClose
	remote := c.remote
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
	if remote != nil {
		_ = remote.Close()
	}
	return nil
}

func (c *fakeDataConn) Discard() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.discarded = true
	fn := c.onClose
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

func (c *fakeDataConn) IsDiscarded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.discarded
}

func (c *fakeDataConn) Open() {
	c.mu.Lock()
	c.open = true
	fn := c.onOpen
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *fakeDataConn) Receive(text string) {
	c.mu.Lock()
	c.inbox = append(c.inbox, text)
	fn := c.onMessage
	c.mu.Unlock()
	if fn != nil {
		fn(text)
	}
}

func (c *fakeDataConn) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func (c *fakeDataConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeNetwork connects fakeRelays in memory.
type fakeNetwork struct {
	mu     sync.Mutex
	seq    int
	relays map[domain.PeerID]*fakeRelay
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{relays: make(map[domain.PeerID]*fakeRelay)}
}

func (n *fakeNetwork) nextID(prefix string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seq++
	return fmt.Sprintf("%s_%04x", prefix, n.seq)
}

func (n *fakeNetwork) relay(id domain.PeerID) *fakeRelay {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.relays[id]
}

type fakeRelay struct {
	id  domain.PeerID
	net *fakeNetwork

	mu       sync.Mutex
	listener ports.RelayListener
	calls    []*fakeCallConn
	datas    []*fakeDataConn
	callErr  error
}

// newFakeRelay creates a relay attached to net. Without a network, calls
// stay unanswered until the test drives them.
func newFakeRelay(id domain.PeerID, net *fakeNetwork) *fakeRelay {
	if net == nil {
		net = newFakeNetwork()
	}
	r := &fakeRelay{id: id, net: net}
	net.mu.Lock()
	net.relays[id] = r
	net.mu.Unlock()
	return r
}

func (r *fakeRelay) ID() domain.PeerID { return r.id }

func (r *fakeRelay) SetListener(l ports.RelayListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = l
}

func (r *fakeRelay) Close() error { return nil }

func (r *fakeRelay) Call(ctx context.Context, target domain.PeerID, tracks []ports.LocalTrack) (ports.CallConn, error) {
	r.mu.Lock()
	if r.callErr != nil {
		err := r.callErr
		r.mu.Unlock()
		return nil, err
	}
	r.mu.Unlock()

	id := r.net.nextID("mc")
	local := newFakeCallConn(id, r.id, target)
	r.mu.Lock()
	r.calls = append(r.calls, local)
	r.mu.Unlock()

	if peer := r.net.relay(target); peer != nil {
		remote := newFakeCallConn(id, target, r.id)
		local.remote, remote.remote = remote, local
		if l := peer.currentListener(); l != nil {
			l.InboundCall(remote)
		}
	}
	return local, nil
}

func (r *fakeRelay) ConnectData(ctx context.Context, target domain.PeerID) (ports.DataConn, error) {
	id := r.net.nextID("dc")
	local := newFakeDataConn(id, r.id, target)
	r.mu.Lock()
	r.datas = append(r.datas, local)
	r.mu.Unlock()

	if peer := r.net.relay(target); peer != nil {
		remote := newFakeDataConn(id, target, r.id)
		local.remote, remote.remote = remote, local
		local.Open()
		remote.Open()
		if l := peer.currentListener(); l != nil {
			l.InboundData(remote)
		}
	}
	return local, nil
}

func (r *fakeRelay) currentListener() ports.RelayListener {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listener
}

func (r *fakeRelay) setCallErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callErr = err
}

func (r *fakeRelay) Calls() []*fakeCallConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*fakeCallConn(nil), r.calls...)
}

func (r *fakeRelay) Datas() []*fakeDataConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*fakeDataConn(nil), r.datas...)
}

type renderedMessage struct {
	text   string
	sender domain.Sender
}

type recordingRenderer struct {
	mu        sync.Mutex
	streams   []ports.RemoteStream
	clears    int
	messages  []renderedMessage
	statuses  []string
	searching bool
	connected bool
	logs      []string
}

func (r *recordingRenderer) ShowRemoteStream(stream ports.RemoteStream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams = append(r.streams, stream)
}

func (r *recordingRenderer) ClearTranscript() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clears++
	r.messages = nil
}

func (r *recordingRenderer) AppendMessage(text string, sender domain.Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, renderedMessage{text: text, sender: sender})
}

func (r *recordingRenderer) SetStatus(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, text)
}

func (r *recordingRenderer) SetSearchingUI(searching bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.searching = searching
}

func (r *recordingRenderer) SetConnectedUI(connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = connected
}

func (r *recordingRenderer) Log(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, text)
}

func (r *recordingRenderer) Statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.statuses...)
}

func (r *recordingRenderer) LastStatus() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return ""
	}
	return r.statuses[len(r.statuses)-1]
}

func (r *recordingRenderer) Streams() []ports.RemoteStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ports.RemoteStream(nil), r.streams...)
}

func (r *recordingRenderer) Messages() []renderedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]renderedMessage(nil), r.messages...)
}

func (r *recordingRenderer) Clears() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clears
}

func (r *recordingRenderer) Flags() (searching, connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.searching, r.connected
}

func (r *recordingRenderer) Logs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.logs...)
}

type fakeRecorder struct {
	mu          sync.Mutex
	transitions []string
	failures    map[domain.FailureReason]int
	rejected    int
	queries     int
	sessions    []time.Duration
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{failures: make(map[domain.FailureReason]int)}
}

func (r *fakeRecorder) RecordTransition(from, to domain.StateKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, from.String()+"->"+to.String())
}

func (r *fakeRecorder) RecordDirectoryQuery(candidates int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries++
}

func (r *fakeRecorder) RecordAttemptFailed(reason domain.FailureReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[reason]++
}

func (r *fakeRecorder) RecordInboundRejected(kind domain.ConnKind, state domain.StateKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected++
}

func (r *fakeRecorder) RecordSessionEnded(duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, duration)
}

func (r *fakeRecorder) Transitions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.transitions...)
}

func (r *fakeRecorder) Failures(reason domain.FailureReason) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures[reason]
}

func (r *fakeRecorder) TotalFailures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, n := range r.failures {
		total += n
	}
	return total
}

func (r *fakeRecorder) Rejected() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rejected
}

func (r *fakeRecorder) Sessions() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.sessions...)
}
