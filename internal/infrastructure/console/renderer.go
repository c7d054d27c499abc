package console

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pairline/internal/core/domain"
	"pairline/internal/core/ports"
	"pairline/pkg/optimize"

	"github.com/fatih/color"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Renderer prints session output to a terminal. There is no video surface;
// remote tracks are drained and summarised as packet counters instead.
type Renderer struct {
	out    io.Writer
	logger *zap.SugaredLogger
	now    func() time.Time

	mu         sync.Mutex
	status     string
	searching  bool
	connected  bool
	transcript []string

	// remote tracks being drained, keyed by track id
	streamsMu sync.Mutex
	streams   map[string]*trackStats

	statusColor *color.Color
	meColor     *color.Color
	themColor   *color.Color
	debugColor  *color.Color
	alertColor  *color.Color
}

type trackStats struct {
	kind    string
	packets atomic.Uint64
	bytes   atomic.Uint64
}

var _ ports.Renderer = (*Renderer)(nil)

// one buffer per drained track, sized for a full MTU packet
var packetPool = optimize.NewBytePool(1500)

func NewRenderer(out io.Writer, logger *zap.SugaredLogger) *Renderer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Renderer{
		out:         out,
		logger:      logger,
		now:         time.Now,
		streams:     make(map[string]*trackStats),
		statusColor: color.New(color.FgYellow, color.Bold),
		meColor:     color.New(color.FgGreen),
		themColor:   color.New(color.FgCyan),
		debugColor:  color.New(color.FgHiBlack),
		alertColor:  color.New(color.FgMagenta),
	}
}

func (r *Renderer) printf(c *color.Color, format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.Fprintf(r.out, format+"\n", args...)
}

// ShowRemoteStream starts draining every track of the stream that is not
// already being drained.
func (r *Renderer) ShowRemoteStream(stream ports.RemoteStream) {
	for _, track := range stream.Tracks() {
		if track == nil {
			continue
		}
		r.streamsMu.Lock()
		if _, ok := r.streams[track.ID()]; ok {
			r.streamsMu.Unlock()
			continue
		}
		stats := &trackStats{kind: track.Kind().String()}
		r.streams[track.ID()] = stats
		r.streamsMu.Unlock()

		r.printf(r.alertColor, "<< remote %s track %s (%s)", stats.kind, track.ID(), track.Codec().MimeType)
		go r.drain(track, stats)
	}
}

func (r *Renderer) drain(track *webrtc.TrackRemote, stats *trackStats) {
	defer func() {
		r.streamsMu.Lock()
		delete(r.streams, track.ID())
		r.streamsMu.Unlock()
		r.logger.Debugw("remote track ended",
			"track_id", track.ID(),
			"packets", stats.packets.Load(),
			"bytes", stats.bytes.Load(),
		)
	}()
	buf := packetPool.Get()
	defer packetPool.Put(buf)

	var pkt rtp.Packet
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		count(stats, &pkt)
	}
}

func count(stats *trackStats, pkt *rtp.Packet) {
	stats.packets.Add(1)
	stats.bytes.Add(uint64(len(pkt.Payload)))
}

// StreamSummary describes the remote tracks currently being received.
func (r *Renderer) StreamSummary() string {
	r.streamsMu.Lock()
	defer r.streamsMu.Unlock()
	if len(r.streams) == 0 {
		return "no remote media"
	}
	parts := make([]string, 0, len(r.streams))
	for _, s := range r.streams {
		parts = append(parts, fmt.Sprintf("%s: %d pkts/%d bytes", s.kind, s.packets.Load(), s.bytes.Load()))
	}
	return strings.Join(parts, ", ")
}

func (r *Renderer) ClearTranscript() {
	r.mu.Lock()
	r.transcript = r.transcript[:0]
	r.mu.Unlock()
	r.printf(r.debugColor, "---")
}

func (r *Renderer) AppendMessage(text string, sender domain.Sender) {
	r.mu.Lock()
	r.transcript = append(r.transcript, string(sender)+": "+text)
	r.mu.Unlock()

	switch sender {
	case domain.SenderMe:
		r.printf(r.meColor, "me> %s", text)
	default:
		r.printf(r.themColor, "them> %s", text)
	}
}

func (r *Renderer) SetStatus(text string) {
	r.mu.Lock()
	if r.status == text {
		r.mu.Unlock()
		return
	}
	r.status = text
	r.mu.Unlock()
	r.printf(r.statusColor, "[%s]", text)
}

func (r *Renderer) SetSearchingUI(searching bool) {
	r.mu.Lock()
	r.searching = searching
	r.mu.Unlock()
}

func (r *Renderer) SetConnectedUI(connected bool) {
	r.mu.Lock()
	r.connected = connected
	r.mu.Unlock()
}

func (r *Renderer) Log(text string) {
	r.printf(r.debugColor, "%s %s", r.now().Format("15:04:05"), text)
}

// Snapshot is the renderer's visible state, used by the host's /status command.
type Snapshot struct {
	Status     string
	Searching  bool
	Connected  bool
	Transcript []string
}

func (r *Renderer) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		Status:     r.status,
		Searching:  r.searching,
		Connected:  r.connected,
		Transcript: append([]string(nil), r.transcript...),
	}
}
