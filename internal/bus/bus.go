package bus

import (
	"context"
	"log"
	"sync"
)

// MessageBus decouples chat adapters from the gateway's turn dispatcher.
// Adapters push InboundMessage onto Inbound and register a Send callback
// via SubscribeOutbound; the gateway reads Inbound, runs a turn, and writes
// the reply to Outbound, which DispatchOutbound fans out to whichever
// channel the reply is addressed to.
type MessageBus struct {
	Inbound  chan InboundMessage
	Outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string]func(OutboundMessage)
}

// NewMessageBus allocates a bus with the given channel buffer size.
func NewMessageBus(bufSize int) *MessageBus {
	if bufSize <= 0 {
		bufSize = 1
	}
	return &MessageBus{
		Inbound:     make(chan InboundMessage, bufSize),
		Outbound:    make(chan OutboundMessage, bufSize),
		subscribers: make(map[string]func(OutboundMessage)),
	}
}

// SubscribeOutbound registers the handler a channel adapter uses to
// deliver replies addressed to it. Only one handler per channel name is
// kept; a later subscription for the same name replaces the earlier one.
func (b *MessageBus) SubscribeOutbound(channel string, handler func(OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = handler
}

// DispatchOutbound drains Outbound until ctx is cancelled, routing each
// message to its channel's subscribed handler.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.Outbound:
			b.mu.RLock()
			handler, ok := b.subscribers[msg.Channel]
			b.mu.RUnlock()
			if !ok {
				log.Printf("[bus] no subscriber for channel %q, dropping reply", msg.Channel)
				continue
			}
			handler(msg)
		}
	}
}
