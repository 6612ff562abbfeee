package native

import (
	"context"
	"errors"
	"sync"

	"github.com/mschirtzinger/changeguard/internal/event"
)

// ErrBrokerClosed is returned by Subscribe after Close.
var ErrBrokerClosed = errors.New("notification broker closed")

// Broker fans raw notifications out to per-family subscribers. Every
// subscriber has its own unbounded queue, so a slow consumer never blocks
// publishers or other subscribers. Adapters embed a Broker to implement
// EventSource.
type Broker struct {
	mu     sync.Mutex
	subs   map[event.Family]map[*subscriber]struct{}
	closed bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[event.Family]map[*subscriber]struct{})}
}

type subscriber struct {
	out  chan string
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []string
	closed bool
}

func newSubscriber() *subscriber {
	s := &subscriber{out: make(chan string), done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *subscriber) push(raw string) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, raw)
	}
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *subscriber) close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cond.Signal()
		close(s.done)
	})
}

// pump delivers queued notifications in order and closes out once the
// subscriber is closed and its queue is empty.
func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		raw := s.queue[0]
		s.queue[0] = ""
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.out <- raw
	}
}

// Subscribe implements EventSource. The returned channel must be drained
// until it is closed.
func (b *Broker) Subscribe(ctx context.Context, family event.Family) (<-chan string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBrokerClosed
	}

	s := newSubscriber()
	set, ok := b.subs[family]
	if !ok {
		set = make(map[*subscriber]struct{})
		b.subs[family] = set
	}
	set[s] = struct{}{}

	go s.pump()
	go func() {
		select {
		case <-ctx.Done():
			b.unsubscribe(family, s)
		case <-s.done:
		}
	}()
	return s.out, nil
}

func (b *Broker) unsubscribe(family event.Family, s *subscriber) {
	b.mu.Lock()
	delete(b.subs[family], s)
	b.mu.Unlock()
	s.close()
}

// Publish queues raw for every current subscriber of family.
func (b *Broker) Publish(family event.Family, raw string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for s := range b.subs[family] {
		s.push(raw)
	}
}

// Subscribers returns the number of live subscriptions for family.
func (b *Broker) Subscribers(family event.Family) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[family])
}

// Close ends every subscription after its queued notifications are
// delivered. Later Subscribe calls fail with ErrBrokerClosed.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for family, set := range b.subs {
		for s := range set {
			s.close()
		}
		delete(b.subs, family)
	}
}
