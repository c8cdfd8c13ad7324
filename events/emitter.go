package events

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

//Emitter fans events out to any number of subscribers.
//Subscribers that closed are dropped on the next Emit.
type Emitter struct {
	mu   sync.Mutex
	subs map[uuid.UUID]Publisher
	//order keeps delivery deterministic across subscribers
	order []uuid.UUID
}

func NewEmitter() *Emitter {
	return &Emitter{
		subs: make(map[uuid.UUID]Publisher),
	}
}

func (e *Emitter) Subscribe() Subscriber {
	pub, sub := NewSubscription()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs[sub.ID()] = pub
	e.order = append(e.order, sub.ID())

	return sub
}

func (e *Emitter) Emit(evt Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	live := e.order[:0]
	for _, id := range e.order {
		pub := e.subs[id]
		if pub.Closed() || pub.Publish(evt) != nil {
			delete(e.subs, id)
			continue
		}
		live = append(live, id)
	}
	e.order = live
}

//Len is the number of live subscribers
func (e *Emitter) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, pub := range e.subs {
		if !pub.Closed() {
			n++
		}
	}
	return n
}

//Listen calls fn for every event of sub until ctx is done or sub closes
func Listen(ctx context.Context, sub Subscriber, fn func(Event)) {
	for {
		evt, err := sub.Next(ctx)
		if err != nil {
			return
		}
		fn(evt)
	}
}
