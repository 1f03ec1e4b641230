// Package channel implements spec.md's chat-adapter contract: each
// transport (Telegram, WhatsApp, the local WebUI) normalizes inbound
// traffic onto the shared MessageBus and accepts outbound replies through
// Send. Per spec.md's Non-goals, these adapters are kept only as contract
// demonstrations, not exhaustive transport implementations.
package channel

import (
	"context"
	"strings"

	"github.com/rayclaw/rayclaw/internal/bus"
)

// Channel is the adapter-contract interface every transport satisfies.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(msg bus.OutboundMessage) error
}

// BaseChannel holds what every adapter needs regardless of transport: its
// registered name, a handle to the shared bus, and an allow-list gate.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom []string
}

// NewBaseChannel builds the shared adapter state. An empty allowFrom means
// no restriction — every sender is allowed.
func NewBaseChannel(name string, b *bus.MessageBus, allowFrom []string) BaseChannel {
	return BaseChannel{name: name, bus: b, allowFrom: allowFrom}
}

func (c BaseChannel) Name() string {
	return c.name
}

// IsAllowed reports whether id may reach the agent on this channel. An
// empty allow-list permits everyone.
func (c BaseChannel) IsAllowed(id string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	for _, allowed := range c.allowFrom {
		if strings.EqualFold(strings.TrimSpace(allowed), strings.TrimSpace(id)) {
			return true
		}
	}
	return false
}
