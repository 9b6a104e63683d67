package source

import (
	"fmt"
	"sync"
)

// Handle is a ready-made Subscription for transports. The transport calls
// Drop when the underlying connection is lost; callers call Close.
type Handle struct {
	once    sync.Once
	done    chan struct{}
	mu      sync.Mutex
	err     error
	onClose func()
}

// NewHandle returns an open handle. onClose runs exactly once, on Close or
// Drop, before Done is closed.
func NewHandle(onClose func()) *Handle {
	return &Handle{
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

// Done is closed once the handle has ended.
func (handle *Handle) Done() <-chan struct{} {
	return handle.done
}

// Err returns the drop reason, or nil after an explicit Close.
func (handle *Handle) Err() error {
	handle.mu.Lock()
	defer handle.mu.Unlock()
	return handle.err
}

// Close ends the subscription.
func (handle *Handle) Close() error {
	handle.finish(nil)
	return nil
}

// Drop ends the subscription on behalf of the transport.
func (handle *Handle) Drop(cause error) {
	if cause == nil {
		cause = ErrDropped
	} else {
		cause = fmt.Errorf("%w: %w", ErrDropped, cause)
	}
	handle.finish(cause)
}

func (handle *Handle) finish(cause error) {
	handle.once.Do(func() {
		handle.mu.Lock()
		handle.err = cause
		handle.mu.Unlock()
		if handle.onClose != nil {
			handle.onClose()
		}
		close(handle.done)
	})
}
