package services

import (
	"sync"

	"pairline/internal/core/domain"
	"pairline/internal/core/ports"
)

// Every input to the session machine is one of these events. They are
// handled one at a time on the machine's goroutine.
type sessionEvent interface{}

type (
	startSearchEvent struct{ reply chan error }
	stopEvent        struct{ reply chan struct{} }
	sendEvent        struct{ text string }
	currentCallEvent struct{ reply chan ports.CallConn }
	barrierEvent     struct{ done chan struct{} }

	directoryResultEvent struct {
		seq   uint64
		peers []domain.PeerID
		err   error
	}

	retryTimerEvent struct{ seq uint64 }
	dialTimerEvent  struct {
		seq    uint64
		target domain.PeerID
	}
	noAnswerEvent struct{ seq uint64 }

	inboundCallEvent struct{ conn ports.CallConn }
	inboundDataEvent struct{ conn ports.DataConn }
	relayErrorEvent  struct{ err error }

	streamEvent struct {
		conn   ports.CallConn
		stream ports.RemoteStream
	}
	callClosedEvent struct{ conn ports.CallConn }
	callErrorEvent  struct {
		conn ports.CallConn
		err  error
	}

	dataOpenEvent    struct{ conn ports.DataConn }
	dataMessageEvent struct {
		conn ports.DataConn
		text string
	}
	dataClosedEvent struct{ conn ports.DataConn }
	dataErrorEvent  struct {
		conn ports.DataConn
		err  error
	}
)

// mailbox is an unbounded FIFO. put never blocks, so transport callbacks
// fired from inside the loop (for example by Close) cannot deadlock it.
type mailbox struct {
	mu     sync.Mutex
	queue  []sessionEvent
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (b *mailbox) put(ev sessionEvent) {
	b.mu.Lock()
	b.queue = append(b.queue, ev)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *mailbox) drain() []sessionEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	events := b.queue
	b.queue = nil
	return events
}
