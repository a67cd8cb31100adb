package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Event types sent over the feed.
const (
	// EventMessage carries a chat bubble.
	// Data: {"id": string, "role": "user"|"bot", "text": string}
	EventMessage = "message"

	// EventLoading shows a transient indicator until the matching
	// EventLoadingDone arrives.
	// Data: {"id": string, "text": string}
	EventLoading     = "loading"
	EventLoadingDone = "loading-done"

	// EventStyleChoices is a bot bubble with style buttons.
	// Data: {"id": string, "text": string, "styles": [{"key","name"}]}
	EventStyleChoices = "style-choices"

	// EventSatisfactionChoices is a bot bubble with satisfied/retry/variations.
	// Data: {"id": string, "text": string, "choices": [{"value","label"}]}
	EventSatisfactionChoices = "satisfaction-choices"

	// EventDismiss removes a choice affordance.
	// Data: {"id": string}
	EventDismiss = "dismiss"

	// EventImageGrid renders a batch; tiles carry their index for vary.
	// Data: {"id": string, "images": [{"index": int, "url": string}]}
	EventImageGrid = "image-grid"

	// EventImage renders one image.
	// Data: {"id": string, "url": string}
	EventImage = "image"

	// EventPreview opens the fullscreen overlay. Not replayed.
	// Data: {"url": string}
	EventPreview = "preview"

	// MaxConnections caps concurrent feed subscribers.
	MaxConnections = 64

	// subscriberBuffer is how many events a slow subscriber may lag behind
	// before it is disconnected.
	subscriberBuffer = 128
)

// Event is a named feed event with JSON data.
type Event struct {
	Type string
	Data any
}

type subscriber struct {
	events chan Event
	done   chan struct{}
	once   sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// Broker fans feed events out to every connected browser tab and keeps the
// replayable history so a late subscriber sees the whole conversation.
type Broker struct {
	mu          sync.Mutex
	history     []Event
	subscribers map[*subscriber]struct{}
}

func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[*subscriber]struct{}),
	}
}

// Publish appends ev to the history (unless transient) and delivers it to
// every subscriber. A subscriber whose buffer is full is dropped.
func (b *Broker) Publish(ev Event, transient bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !transient {
		b.history = append(b.history, ev)
	}
	for sub := range b.subscribers {
		select {
		case sub.events <- ev:
		default:
			sub.close()
			delete(b.subscribers, sub)
		}
	}
}

// History returns a copy of the replayable events.
func (b *Broker) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]Event(nil), b.history...)
}

// subscribe registers a subscriber and returns the history it has to replay
// first. Both happen under one lock so no event is lost or duplicated.
func (b *Broker) subscribe() (*subscriber, []Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.subscribers) >= MaxConnections {
		return nil, nil, false
	}
	sub := &subscriber{
		events: make(chan Event, subscriberBuffer),
		done:   make(chan struct{}),
	}
	b.subscribers[sub] = struct{}{}
	return sub, append([]Event(nil), b.history...), true
}

func (b *Broker) unsubscribe(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub.close()
	delete(b.subscribers, sub)
}

// ConnectionCount returns the number of active subscribers.
func (b *Broker) ConnectionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// ServeHTTP streams the feed: the history first, then live events until the
// client disconnects or the broker shuts down.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sub, replay, ok := b.subscribe()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "too many connections")
		return
	}
	defer b.unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// The server's WriteTimeout would otherwise cut long-lived streams.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for _, ev := range replay {
		if err := writeEvent(w, ev); err != nil {
			return
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.done:
			return
		case ev := <-sub.events:
			if err := writeEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// Shutdown disconnects every subscriber.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		sub.close()
		delete(b.subscribers, sub)
	}
	return nil
}

// writeEvent formats ev as
//
//	event: <type>
//	data: <json>
//	<blank line>
func writeEvent(w http.ResponseWriter, ev Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}
