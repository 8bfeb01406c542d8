package event

import (
	"errors"
	"sync"
	"time"
)

var ErrStreamClosed = errors.New("cannot notify closed stream")

type Stream[E any] interface {
	ID() string
	Notify(event E, timeout time.Duration) error
	Close()
}

// ChannelStream delivers the messages selected from events on a buffered
// channel. A receiver that falls behind by more than the notify timeout gets
// its stream closed. Close interrupts a Notify blocked on a full buffer.
type ChannelStream[E, M any] struct {
	sync.Mutex

	id string

	closed   bool
	ch       chan M
	selector func(E) (M, bool)

	closing     chan struct{}
	closingOnce sync.Once
}

func NewChannelStream[E, M any](
	id string,
	bufferSize int,
	selector func(event E) (M, bool),
) *ChannelStream[E, M] {
	return &ChannelStream[E, M]{
		id:       id,
		ch:       make(chan M, bufferSize),
		selector: selector,
		closing:  make(chan struct{}),
	}
}

func (s *ChannelStream[E, M]) ID() string {
	return s.id
}

func (s *ChannelStream[E, M]) Notify(event E, timeout time.Duration) error {
	s.Lock()
	if s.closed {
		s.Unlock()
		return ErrStreamClosed
	}

	msg, ok := s.selector(event)
	if !ok {
		s.Unlock()
		return nil
	}

	select {
	case s.ch <- msg:
	case <-s.closing:
		s.closeLocked()
		s.Unlock()
		return ErrStreamClosed
	case <-time.After(timeout):
		s.closeLocked()
		s.Unlock()
		return errors.New("timed out sending message to streamCh")
	}

	s.Unlock()
	return nil
}

func (s *ChannelStream[E, M]) Channel() <-chan M {
	return s.ch
}

func (s *ChannelStream[E, M]) IsClosed() bool {
	s.Lock()
	defer s.Unlock()

	return s.closed
}

func (s *ChannelStream[E, M]) Close() {
	s.signalClosing()

	s.Lock()
	defer s.Unlock()

	s.closeLocked()
}

func (s *ChannelStream[E, M]) closeLocked() {
	if s.closed {
		return
	}

	s.signalClosing()
	s.closed = true
	close(s.ch)
}

func (s *ChannelStream[E, M]) signalClosing() {
	s.closingOnce.Do(func() {
		close(s.closing)
	})
}
