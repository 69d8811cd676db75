package bus

import "time"

const (
	// MetaReset marks an inbound message that asks to start a new conversation.
	MetaReset = "reset"
	// MetaStage carries the funnel stage on an outbound reply.
	MetaStage = "stage"
)

type InboundMessage struct {
	Channel   string
	SenderID  string
	ChatID    string
	Content   string
	Timestamp time.Time
	Metadata  map[string]any
}

// ChatKey identifies the conversation a message belongs to.
func (m *InboundMessage) ChatKey() string {
	return m.Channel + ":" + m.ChatID
}

func (m *InboundMessage) WantsReset() bool {
	v, _ := m.Metadata[MetaReset].(bool)
	return v
}

type OutboundMessage struct {
	Channel  string
	ChatID   string
	Content  string
	ReplyTo  string
	Metadata map[string]any
}
