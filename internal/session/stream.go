package session

import (
	"sync"

	"crisp/internal/domain"
)

// Stream is a session-scoped broadcast channel. Publishing never blocks:
// each subscriber owns an unbounded queue drained by its own goroutine.
// Events published while no subscriber is attached are buffered and handed
// to the next subscriber that attaches (REST polling covers anything missed
// between attachments); subscribers attached later receive only post-attach
// events. Unbounded buffering was chosen over bounded-with-drop so no
// progress event is ever silently lost; the backlog is cleared on first
// attach, bounding growth to sessions nobody ever watches.
type Stream struct {
	mu      sync.Mutex
	subs    map[int]*subscriber
	backlog []domain.AgentEvent
	nextID  int
	closed  bool
}

func NewStream() *Stream {
	return &Stream{subs: make(map[int]*subscriber)}
}

// Publish broadcasts an event to all subscribers without blocking.
func (s *Stream) Publish(evt domain.AgentEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.subs) == 0 {
		s.backlog = append(s.backlog, evt)
		return
	}
	for _, sub := range s.subs {
		sub.push(evt)
	}
}

// Subscribe attaches a consumer. The returned channel yields events in
// publish order; cancel detaches and releases the subscriber.
func (s *Stream) Subscribe() (<-chan domain.AgentEvent, func()) {
	s.mu.Lock()
	sub := newSubscriber()
	id := s.nextID
	s.nextID++
	if !s.closed {
		s.subs[id] = sub
		if len(s.backlog) > 0 {
			for _, evt := range s.backlog {
				sub.push(evt)
			}
			s.backlog = nil
		}
	}
	s.mu.Unlock()
	go sub.run()

	cancel := func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		sub.stop()
	}
	return sub.ch, cancel
}

// Close detaches all subscribers. Used when a session is removed.
func (s *Stream) Close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[int]*subscriber)
	s.closed = true
	s.backlog = nil
	s.mu.Unlock()
	for _, sub := range subs {
		sub.stop()
	}
}

// subscriber decouples the publisher from a possibly-slow consumer.
type subscriber struct {
	ch       chan domain.AgentEvent
	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu    sync.Mutex
	queue []domain.AgentEvent
}

func newSubscriber() *subscriber {
	return &subscriber{
		ch:   make(chan domain.AgentEvent),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (s *subscriber) push(evt domain.AgentEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, evt)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			evt := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			select {
			case s.ch <- evt:
				continue
			case <-s.done:
				return
			}
		}
		s.mu.Unlock()
		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}

func (s *subscriber) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}
