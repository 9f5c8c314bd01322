package transport

import "sync"

// Lifecycle implements the Done/Err/Close half of a Stream for transport
// implementations. Embed it and call Fail when the backend drops the
// subscription.
//
// Thread-safety: all methods are safe for concurrent use.
type Lifecycle struct {
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	err     error
	release func() error
}

// NewLifecycle creates a live lifecycle. release runs exactly once when the
// stream ends, by Close or by Fail; it may be nil.
func NewLifecycle(release func() error) *Lifecycle {
	return &Lifecycle{done: make(chan struct{}), release: release}
}

// Done is closed once the stream has ended.
func (l *Lifecycle) Done() <-chan struct{} {
	return l.done
}

// Err returns the failure that ended the stream, nil after a plain Close.
func (l *Lifecycle) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Close ends the stream. Idempotent.
func (l *Lifecycle) Close() error {
	return l.end(nil)
}

// Fail ends the stream with err. Has no effect if it already ended.
func (l *Lifecycle) Fail(err error) {
	_ = l.end(err)
}

// Alive reports whether the stream has not ended.
func (l *Lifecycle) Alive() bool {
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

func (l *Lifecycle) end(err error) error {
	var releaseErr error
	l.once.Do(func() {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		if l.release != nil {
			releaseErr = l.release()
		}
		close(l.done)
	})
	return releaseErr
}
