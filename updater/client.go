package updater

import "sync"

// Subscription receives hub events on Events in publish order until it is
// cancelled, after which Events is closed.
type Subscription struct {
	Events <-chan Event
	Id     uint32

	events     chan Event
	notify     chan struct{}
	cancelChan chan struct{}
	cancelOnce sync.Once
	queueMtx   sync.Mutex
	queue      []Event
	hub        *Hub
}

func newSubscription(id uint32, hub *Hub) *Subscription {
	events := make(chan Event)

	s := &Subscription{
		Events:     events,
		Id:         id,
		events:     events,
		notify:     make(chan struct{}, 1),
		cancelChan: make(chan struct{}),
		hub:        hub,
	}

	go s.pump()

	return s
}

func (s *Subscription) Cancel() {
	s.hub.Unsubscribe(s)
}

func (s *Subscription) enqueue(event Event) {
	s.queueMtx.Lock()
	s.queue = append(s.queue, event)
	s.queueMtx.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) next() (Event, bool) {
	s.queueMtx.Lock()
	defer s.queueMtx.Unlock()

	if len(s.queue) == 0 {
		return Event{}, false
	}

	event := s.queue[0]
	s.queue[0] = Event{}
	s.queue = s.queue[1:]

	return event, true
}

// pump hands queued events to the subscriber one at a time so a slow reader
// only ever delays itself.
func (s *Subscription) pump() {
	defer close(s.events)

	for {
		select {
		case <-s.notify:
		case <-s.cancelChan:
			return
		}

		for {
			event, ok := s.next()
			if !ok {
				break
			}

			select {
			case s.events <- event:
			case <-s.cancelChan:
				return
			}
		}
	}
}

func (s *Subscription) stop() {
	s.cancelOnce.Do(func() {
		close(s.cancelChan)
	})
}
