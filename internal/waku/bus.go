package waku

import "sync"

// Packet is one addressed chat payload on the wire. Payload is opaque to
// the transport.
type Packet struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Payload   []byte `json:"payload"`
}

// Bus is the in-process transport used by the mock backend. Packets for a
// recipient without subscriber wait in a mailbox until it subscribes.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string]func(Packet)
	mailbox     map[string][]Packet
}

func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string]func(Packet)),
		mailbox:     make(map[string][]Packet),
	}
}

var defaultBus = NewBus()

// publish hands pkt to the recipient's handler on the caller's goroutine.
func (b *Bus) publish(pkt Packet) {
	b.mu.Lock()
	handler, ok := b.subscribers[pkt.Recipient]
	if !ok {
		b.mailbox[pkt.Recipient] = append(b.mailbox[pkt.Recipient], pkt)
	}
	b.mu.Unlock()
	if ok {
		handler(pkt)
	}
}

func (b *Bus) subscribe(recipient string, handler func(Packet)) {
	b.mu.Lock()
	b.subscribers[recipient] = handler
	pending := b.mailbox[recipient]
	delete(b.mailbox, recipient)
	b.mu.Unlock()

	for _, pkt := range pending {
		handler(pkt)
	}
}

func (b *Bus) unsubscribe(recipient string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, recipient)
}
