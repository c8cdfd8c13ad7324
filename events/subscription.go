package events

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var ErrClosed = errors.New("subscription closed")

//Publisher is the sending half of a subscription. Publish never blocks.
type Publisher interface {
	Publish(evt Event) error
	Closed() bool
}

//Subscriber is the receiving half of a subscription
type Subscriber interface {
	ID() uuid.UUID
	//Next blocks until an event is queued, ctx is done or the subscription closes
	Next(ctx context.Context) (Event, error)
	Close()
}

type subscription struct {
	id uuid.UUID

	mu     sync.Mutex
	queue  []Event
	closed bool

	notify chan struct{}
	done   chan struct{}
}

//NewSubscription returns both ends of an unbounded FIFO event queue
func NewSubscription() (Publisher, Subscriber) {
	s := &subscription{
		id:     uuid.New(),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	return s, s
}

func (s *subscription) ID() uuid.UUID {
	return s.id
}

func (s *subscription) Publish(evt Event) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.queue = append(s.queue, evt)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

func (s *subscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrClosed
		}
		if len(s.queue) > 0 {
			evt := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return evt, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
		case <-s.notify:
		}
	}
}

func (s *subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.queue = nil
	close(s.done)
}
