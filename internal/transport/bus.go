package transport

import "sync"

// messageBus backs the mock transport. Frames published to an absent
// subscriber wait in a mailbox and flush on subscription, which mimics the
// relay's store-and-forward behavior closely enough for tests.
type messageBus struct {
	mu          sync.Mutex
	subscribers map[string]func(Frame)
	mailbox     map[string][]Frame
}

var globalBus = &messageBus{
	subscribers: make(map[string]func(Frame)),
	mailbox:     make(map[string][]Frame),
}

func (b *messageBus) publish(frame Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if handler, ok := b.subscribers[frame.Recipient]; ok {
		go handler(frame)
		return
	}
	b.mailbox[frame.Recipient] = append(b.mailbox[frame.Recipient], frame)
}

func (b *messageBus) subscribe(recipient string, handler func(Frame)) {
	b.mu.Lock()
	b.subscribers[recipient] = handler
	pending := append([]Frame(nil), b.mailbox[recipient]...)
	delete(b.mailbox, recipient)
	b.mu.Unlock()

	for _, frame := range pending {
		handler(frame)
	}
}

func (b *messageBus) unsubscribe(recipient string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, recipient)
}
