package appcore

import "sync"

// DefaultErrorBuffer is the per-subscriber buffer of an ErrorStream.
const DefaultErrorBuffer = 64

// ErrorStream broadcasts errors to any number of subscribers.
// Every subscriber has its own bounded buffer; when it is full the oldest
// error is dropped. Publish never blocks.
type ErrorStream struct {
	mu     sync.Mutex
	size   int
	subs   []chan error
	closed bool
}

// NewErrorStream creates a stream with the given per-subscriber buffer.
func NewErrorStream(size int) *ErrorStream {
	if size <= 0 {
		size = DefaultErrorBuffer
	}
	return &ErrorStream{size: size}
}

// Subscribe returns a new channel receiving every error published after the
// call. The channel is closed by Close.
func (s *ErrorStream) Subscribe() <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan error, s.size)
	if s.closed {
		close(ch)
		return ch
	}
	s.subs = append(s.subs, ch)
	return ch
}

// Publish delivers err to all subscribers.
func (s *ErrorStream) Publish(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	for _, ch := range s.subs {
		for {
			select {
			case ch <- err:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Close closes all subscriber channels. It is safe to call more than once.
func (s *ErrorStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = nil
}
