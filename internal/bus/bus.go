package bus

import "sync"

// MessageBus decouples channel adapters from the gateway: adapters
// publish inbound messages and subscribe for the outbound answers
// addressed to them.
type MessageBus struct {
	inbound chan InboundMessage

	mu          sync.RWMutex
	subscribers map[string]func(OutboundMessage)
}

func NewMessageBus(bufSize int) *MessageBus {
	if bufSize <= 0 {
		bufSize = 100
	}
	return &MessageBus{
		inbound:     make(chan InboundMessage, bufSize),
		subscribers: make(map[string]func(OutboundMessage)),
	}
}

// PublishInbound enqueues a message for the gateway. It blocks when
// the buffer is full, applying backpressure to the channel adapter.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	b.inbound <- msg
}

// Inbound is consumed by exactly one reader, the gateway process
// loop.
func (b *MessageBus) Inbound() <-chan InboundMessage {
	return b.inbound
}

// SubscribeOutbound registers the handler for one channel name,
// replacing any previous handler.
func (b *MessageBus) SubscribeOutbound(channel string, handler func(OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = handler
}

// PublishOutbound dispatches to the subscriber for msg.Channel;
// messages for unknown channels are dropped.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.mu.RLock()
	handler := b.subscribers[msg.Channel]
	b.mu.RUnlock()
	if handler != nil {
		handler(msg)
	}
}

// Close stops the inbound stream.
func (b *MessageBus) Close() {
	close(b.inbound)
}
