package checkpoint

import "sync/atomic"

// Event types published by the orchestrator.
const (
	EventSessionStarted    = "session_started"
	EventCheckpointCreated = "checkpoint_created"
	EventRestored          = "checkpoint_restored"
	EventFileProgress      = "file_progress"
	EventGCCompleted       = "gc_completed"
)

// Event is one progress notification.
type Event struct {
	Type         string `json:"type"`
	SessionID    string `json:"session_id,omitempty"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
	Sequence     int    `json:"sequence,omitempty"`
	Path         string `json:"path,omitempty"`
	Current      int    `json:"current,omitempty"`
	Total        int    `json:"total,omitempty"`
	Count        int    `json:"count,omitempty"`
}

// Broker fans events out to subscribers, decoupled from the I/O goroutine
// that performs checkpoint work.
//
// Concurrency model: a single internal loop owns the subscriber set; public
// methods talk to it through channels. Slow subscribers drop events rather
// than stall checkpoint creation or restore.
type Broker struct {
	subscribeCh   chan chan Event
	unsubscribeCh chan chan Event
	publishCh     chan Event
	stopCh        chan struct{}
	stopped       chan struct{}
	closed        atomic.Bool
}

// NewBroker creates a running event broker.
func NewBroker() *Broker {
	b := &Broker{
		subscribeCh:   make(chan chan Event),
		unsubscribeCh: make(chan chan Event),
		publishCh:     make(chan Event, 256),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	subscribers := make(map[chan Event]struct{})
	for {
		select {
		case ch := <-b.subscribeCh:
			subscribers[ch] = struct{}{}
		case ch := <-b.unsubscribeCh:
			if _, ok := subscribers[ch]; ok {
				delete(subscribers, ch)
				close(ch)
			}
		case ev := <-b.publishCh:
			for ch := range subscribers {
				select {
				case ch <- ev:
				default:
				}
			}
		case <-b.stopCh:
			for ch := range subscribers {
				close(ch)
			}
			return
		}
	}
}

// Subscribe returns a buffered channel of events. The caller must
// Unsubscribe it when done.
func (b *Broker) Subscribe() chan Event {
	ch := make(chan Event, 64)
	select {
	case b.subscribeCh <- ch:
	case <-b.stopped:
		close(ch)
	}
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Broker) Unsubscribe(ch chan Event) {
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// Publish sends an event to all subscribers without blocking the caller.
func (b *Broker) Publish(ev Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- ev:
	default:
	}
}

// Close stops the broker and closes all subscriber channels.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
		<-b.stopped
	}
}
