package bus

import "time"

// InboundMessage is a chat adapter's normalized view of one incoming
// message, independent of transport. Media holds file paths/URLs for any
// attachments; rich content blocks are a provider-specific concern handled
// inside LLMClient, not carried across the bus.
type InboundMessage struct {
	Channel   string
	SenderID  string
	ChatID    string
	Content   string
	Timestamp time.Time
	Media     []string
	Metadata  map[string]any
	IsMention bool
}

func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// OutboundMessage is a reply to be delivered back through a channel's
// adapter.
type OutboundMessage struct {
	Channel  string
	ChatID   string
	Content  string
	ReplyTo  string
	Media    []string
	Metadata map[string]any
}
