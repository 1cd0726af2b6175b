package upstream

import (
	"sync"
	"time"
)

// Event is one payload recorded by a Hub.
type Event struct {
	Seq       int64
	Channel   string
	Data      string
	Timestamp time.Time
}

// Hub is a Sink that keeps a bounded replay history and fans payloads out to
// subscribers. Slow subscribers are disconnected instead of blocking Send.
type Hub struct {
	mu      sync.Mutex
	channel string
	nextSeq int64
	limit   int
	history []Event
	subs    map[int]chan Event
	nextSub int
}

func NewHub(channel string, limit int) *Hub {
	if limit < 1 {
		limit = 1
	}
	return &Hub{
		channel: channel,
		limit:   limit,
		subs:    make(map[int]chan Event),
	}
}

func (h *Hub) Send(data string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextSeq++
	event := Event{
		Seq:       h.nextSeq,
		Channel:   h.channel,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
	h.history = append(h.history, event)
	if len(h.history) > h.limit {
		h.history = append([]Event(nil), h.history[len(h.history)-h.limit:]...)
	}

	for id, ch := range h.subs {
		select {
		case ch <- event:
		default:
			close(ch)
			delete(h.subs, id)
		}
	}
}

// Subscribe returns events after fromSeq, a live feed and its cancel func.
func (h *Hub) Subscribe(fromSeq int64) ([]Event, <-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	replay := make([]Event, 0)
	for _, event := range h.history {
		if event.Seq > fromSeq {
			replay = append(replay, event)
		}
	}

	id := h.nextSub
	h.nextSub++
	ch := make(chan Event, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			close(sub)
			delete(h.subs, id)
		}
	}
	return replay, ch, cancel
}

func (h *Hub) BacklogSize() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.history)
}
