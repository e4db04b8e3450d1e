package presence

import "sync"

// Subscribe registers a new event consumer. Events arrive on the returned
// channel in mutation order; publishing never blocks the registry, so a slow
// consumer only delays itself. The cancel func unregisters the consumer and
// closes the channel.
func (r *Registry) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 0 {
		buffer = 0
	}
	s := &subscriber{
		notify: make(chan struct{}, 1),
		out:    make(chan Event, buffer),
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	r.subs[s] = struct{}{}
	r.mu.Unlock()

	go s.pump()

	cancel := func() {
		r.mu.Lock()
		delete(r.subs, s)
		r.mu.Unlock()
		s.close()
	}
	return s.out, cancel
}

// Close unregisters every subscriber. Each channel is closed once the events
// already queued for it have been delivered.
func (r *Registry) Close() {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[*subscriber]struct{})
	r.mu.Unlock()

	for s := range subs {
		s.drain()
	}
}

func (r *Registry) publishLocked(ev Event) {
	for s := range r.subs {
		s.push(ev)
	}
}

// subscriber owns an unbounded FIFO drained into out by its pump goroutine.
type subscriber struct {
	mu       sync.Mutex
	queue    []Event
	draining bool
	notify   chan struct{}
	out      chan Event
	done     chan struct{}
	once     sync.Once
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// drain lets the pump finish the queue and then close out.
func (s *subscriber) drain() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			draining := s.draining
			s.mu.Unlock()
			if draining {
				return
			}
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
