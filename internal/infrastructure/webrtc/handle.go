package webrtc

import "sync"

// lifecycle holds the terminal events of a handle. Callbacks registered
// after the event already fired run immediately.
type lifecycle struct {
	mu      sync.Mutex
	closed  bool
	err     error
	onClose func()
	onError func(error)
}

func (l *lifecycle) setOnClose(fn func()) {
	l.mu.Lock()
	l.onClose = fn
	closed := l.closed
	l.mu.Unlock()
	if closed {
		fn()
	}
}

func (l *lifecycle) setOnError(fn func(error)) {
	l.mu.Lock()
	l.onError = fn
	err := l.err
	l.mu.Unlock()
	if err != nil {
		fn(err)
	}
}

// finish marks the handle closed, reporting err first when set. It returns
// false if the handle was already finished.
func (l *lifecycle) finish(err error) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.closed = true
	l.err = err
	onClose, onError := l.onClose, l.onError
	l.mu.Unlock()

	if err != nil && onError != nil {
		onError(err)
	}
	if onClose != nil {
		onClose()
	}
	return true
}

func (l *lifecycle) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
