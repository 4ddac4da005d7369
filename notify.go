package storageaccess

import (
	"sync"

	"github.com/google/uuid"
)

// Subscription is a handle to an active change subscription. Close stops
// delivery; it is safe to call more than once.
type Subscription struct {
	id   string
	pair notifyPair
	n    *notifier

	closeOnce sync.Once
}

func (s *Subscription) Close() {
	if s == nil || s.n == nil {
		return
	}
	s.closeOnce.Do(func() {
		s.n.unsubscribe(s.pair, s.id)
	})
}

type notifyPair struct {
	rp  string
	idp string
}

// notifier fans grant create/delete events out to subscribers. Each pair
// gets its own buffered channel and delivery goroutine, so events for one
// pair are strictly ordered while pairs never block each other. A full
// buffer blocks the emitter rather than dropping: delivery is
// at-least-once.
type notifier struct {
	mu         sync.Mutex
	bufferSize int
	streams    map[notifyPair]*pairStream
	closed     bool
	wg         sync.WaitGroup
}

type pairStream struct {
	ch   chan AccessChange
	done chan struct{}

	mu   sync.Mutex
	subs map[string]func(AccessChange)
}

func newNotifier(cfg NotifyConfig) *notifier {
	size := cfg.BufferSize
	if size <= 0 {
		size = 1
	}
	return &notifier{
		bufferSize: size,
		streams:    make(map[notifyPair]*pairStream),
	}
}

func (n *notifier) Subscribe(rpSite, idpOrigin string, fn func(AccessChange)) *Subscription {
	if n == nil || fn == nil {
		return nil
	}
	pair := notifyPair{rp: rpSite, idp: idpOrigin}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}

	stream, ok := n.streams[pair]
	if !ok {
		stream = &pairStream{
			ch:   make(chan AccessChange, n.bufferSize),
			done: make(chan struct{}),
			subs: make(map[string]func(AccessChange)),
		}
		n.streams[pair] = stream
		n.wg.Add(1)
		go n.deliver(stream)
	}

	id := uuid.NewString()
	stream.mu.Lock()
	stream.subs[id] = fn
	stream.mu.Unlock()

	return &Subscription{id: id, pair: pair, n: n}
}

func (n *notifier) unsubscribe(pair notifyPair, id string) {
	n.mu.Lock()
	stream, ok := n.streams[pair]
	n.mu.Unlock()
	if !ok {
		return
	}

	stream.mu.Lock()
	delete(stream.subs, id)
	stream.mu.Unlock()
}

// Emit queues change for the pair's subscribers. Events for pairs with no
// active stream are discarded.
func (n *notifier) Emit(change AccessChange) {
	if n == nil {
		return
	}
	pair := notifyPair{rp: change.RPSite, idp: change.IDPOrigin}

	n.mu.Lock()
	stream, ok := n.streams[pair]
	closed := n.closed
	n.mu.Unlock()
	if !ok || closed {
		return
	}

	select {
	case stream.ch <- change:
	case <-stream.done:
	}
}

func (n *notifier) deliver(stream *pairStream) {
	defer n.wg.Done()

	for {
		select {
		case change := <-stream.ch:
			stream.mu.Lock()
			callbacks := make([]func(AccessChange), 0, len(stream.subs))
			for _, fn := range stream.subs {
				callbacks = append(callbacks, fn)
			}
			stream.mu.Unlock()

			for _, fn := range callbacks {
				fn(change)
			}
		case <-stream.done:
			// Deliver whatever is already queued before exiting.
			for {
				select {
				case change := <-stream.ch:
					stream.mu.Lock()
					callbacks := make([]func(AccessChange), 0, len(stream.subs))
					for _, fn := range stream.subs {
						callbacks = append(callbacks, fn)
					}
					stream.mu.Unlock()
					for _, fn := range callbacks {
						fn(change)
					}
				default:
					return
				}
			}
		}
	}
}

func (n *notifier) Close() {
	if n == nil {
		return
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	streams := make([]*pairStream, 0, len(n.streams))
	for _, s := range n.streams {
		streams = append(streams, s)
	}
	n.mu.Unlock()

	for _, s := range streams {
		close(s.done)
	}
	n.wg.Wait()
}
