package services

import (
	"testing"

	"pairline/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

func TestCallSession_DeliverOnce(t *testing.T) {
	renderer := &recordingRenderer{}
	conn := newFakeCallConn("mc_0a", "A", "B")
	s := NewCallSession(conn, renderer)

	assert.False(t, s.Received())
	assert.True(t, s.Deliver(fakeStream{id: "s1"}))
	assert.False(t, s.Deliver(fakeStream{id: "s1"}))
	assert.False(t, s.Deliver(nil))
	assert.True(t, s.Received())
	assert.Len(t, renderer.Streams(), 1)
	assert.Equal(t, domain.PeerID("B"), s.Peer())

	// A renegotiated stream replaces the shown one.
	assert.True(t, s.Deliver(fakeStream{id: "s2"}))
	assert.Len(t, renderer.Streams(), 2)
}

func TestCallSession_CloseIsIdempotent(t *testing.T) {
	renderer := &recordingRenderer{}
	conn := newFakeCallConn("mc_0b", "A", "B")
	s := NewCallSession(conn, renderer)

	closes := 0
	conn.OnClose(func() { closes++ })

	s.Close()
	s.Close()
	assert.True(t, conn.IsClosed())
	assert.Equal(t, 1, closes)
	assert.False(t, s.Deliver(fakeStream{id: "late"}), "closed session must not render")
	assert.Empty(t, renderer.Streams())
}

func TestDataSession_Send(t *testing.T) {
	tests := []struct {
		name     string
		open     bool
		closed   bool
		input    string
		wantSent []string
	}{
		{"open channel", true, false, "hello", []string{"hello"}},
		{"trims input", true, false, "  hi there \n", []string{"hi there"}},
		{"blank input", true, false, "   ", nil},
		{"not open", false, false, "hello", nil},
		{"closed session", true, true, "hello", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			renderer := &recordingRenderer{}
			conn := newFakeDataConn("dc_0c", "A", "B")
			if tt.open {
				conn.Open()
			}
			s := NewDataSession(conn, renderer, nil)
			if tt.closed {
				s.Close()
			}

			s.Send(tt.input)

			assert.Equal(t, tt.wantSent, conn.Sent())
			if len(tt.wantSent) == 0 {
				assert.Empty(t, renderer.Messages())
				return
			}
			assert.Equal(t, []renderedMessage{{text: tt.wantSent[0], sender: domain.SenderMe}}, renderer.Messages())
		})
	}
}

func TestDataSession_ReceiveAndOpen(t *testing.T) {
	renderer := &recordingRenderer{}
	renderer.AppendMessage("from previous partner", domain.SenderThem)

	s := NewDataSession(newFakeDataConn("dc_0d", "A", "B"), renderer, nil)
	s.HandleOpen()
	assert.Empty(t, renderer.Messages(), "transcript must be cleared on open")

	s.HandleMessage("hey\x00")
	s.HandleMessage("  ")
	assert.Equal(t, []renderedMessage{{text: "hey", sender: domain.SenderThem}}, renderer.Messages())
}
