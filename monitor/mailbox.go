package monitor

import "sync"

// mailbox is an unbounded FIFO queue drained into a channel.
// Producers never block; out is closed once the mailbox is closed
// and every queued event was delivered.
// The pump goroutine runs from start, or close, until out is closed.
type mailbox struct {
	once   sync.Once
	lock   sync.Mutex
	queue  []Event
	closed bool
	notify chan struct{}
	out    chan Event
}

func newMailbox() *mailbox {
	return &mailbox{
		notify: make(chan struct{}, 1),
		out:    make(chan Event),
	}
}

func (b *mailbox) start() {
	b.once.Do(func() { go b.pump() })
}

func (b *mailbox) put(e Event) bool {
	b.lock.Lock()
	if b.closed {
		b.lock.Unlock()
		return false
	}
	b.queue = append(b.queue, e)
	b.lock.Unlock()
	b.wake()
	return true
}

func (b *mailbox) close() {
	b.lock.Lock()
	b.closed = true
	b.lock.Unlock()
	b.start()
	b.wake()
}

func (b *mailbox) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *mailbox) pump() {
	defer close(b.out)
	for {
		b.lock.Lock()
		if len(b.queue) == 0 {
			closed := b.closed
			b.lock.Unlock()
			if closed {
				return
			}
			<-b.notify
			continue
		}
		e := b.queue[0]
		b.queue[0] = Event{}
		b.queue = b.queue[1:]
		b.lock.Unlock()

		b.out <- e
	}
}
