package broadcast

import (
	"log"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// sendBuffer bounds per-subscriber backpressure. A subscriber that falls
// this far behind is dropped rather than allowed to stall publishing.
const sendBuffer = 64

// Event is the wire shape pushed to observers.
type Event struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Subscriber is one attached observer. Messages arrive on Events();
// Done() closes when the hub has dropped the subscriber.
type Subscriber struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

// Events returns the subscriber's delivery channel.
func (s *Subscriber) Events() <-chan []byte { return s.ch }

// Done is closed when the subscription ends.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

func (s *Subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

// Hub fans out events to connected observers. Publishing iterates a
// snapshot of the subscriber set, so a subscriber disconnecting
// mid-broadcast cannot corrupt iteration, and a dead subscriber never
// blocks delivery to the rest.
type Hub struct {
	mu   sync.Mutex
	subs map[*Subscriber]struct{}
}

// NewHub builds an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscriber]struct{})}
}

// Subscribe attaches an observer and queues the one-time connected event.
func (h *Hub) Subscribe() *Subscriber {
	s := &Subscriber{
		ch:   make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	welcome, _ := json.Marshal(Event{
		Type:      "connected",
		Message:   "Connected to paygate event stream",
		Timestamp: time.Now().UTC(),
	})
	s.ch <- welcome

	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Unsubscribe detaches an observer. Safe to call more than once.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
	s.stop()
}

// PublishTransaction broadcasts a completed transaction.
func (h *Hub) PublishTransaction(tx any) {
	h.publish(Event{Type: "transaction", Data: tx, Timestamp: time.Now().UTC()})
}

// PublishMetrics broadcasts a metrics snapshot.
func (h *Hub) PublishMetrics(m any) {
	h.publish(Event{Type: "metrics", Data: m, Timestamp: time.Now().UTC()})
}

func (h *Hub) publish(ev Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		log.Printf("broadcast: marshal %s event: %v", ev.Type, err)
		return
	}

	h.mu.Lock()
	snapshot := make([]*Subscriber, 0, len(h.subs))
	for s := range h.subs {
		snapshot = append(snapshot, s)
	}
	h.mu.Unlock()

	for _, s := range snapshot {
		select {
		case s.ch <- msg:
		case <-s.done:
		default:
			// Buffer full: the subscriber is too slow to keep. Dropping it
			// must not abort delivery to the rest.
			h.Unsubscribe(s)
		}
	}
}

// Count reports the number of attached observers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close drops every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.subs = make(map[*Subscriber]struct{})
	h.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
}
