// Package bus provides the async event bus between the gateway ingress
// and the dispatch engine, plus the gateway event envelope types.
package bus

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
)

// Well-known gateway event types.
const (
	EventTypeMessage = "Message"
	EventTypeReceipt = "Receipt"
)

// EventInfo carries sender/chat identity for a gateway message event.
type EventInfo struct {
	Chat     string `json:"Chat"`
	Sender   string `json:"Sender"`
	IsFromMe bool   `json:"IsFromMe"`
	IsGroup  bool   `json:"IsGroup"`
}

// ExtendedText is the rich-text message variant.
type ExtendedText struct {
	Text string `json:"text"`
}

// EventMessage is the message body union: exactly one variant is set.
type EventMessage struct {
	Conversation        string        `json:"Conversation,omitempty"`
	ExtendedTextMessage *ExtendedText `json:"ExtendedTextMessage,omitempty"`
}

// MessageEvent is the Info/Message pair inside an envelope.
type MessageEvent struct {
	Info    EventInfo    `json:"Info"`
	Message EventMessage `json:"Message"`
}

// Envelope is a gateway event as delivered by the messaging gateway.
type Envelope struct {
	EventType string       `json:"event_type"`
	TenantID  string       `json:"tenant_id"`
	DeviceID  string       `json:"device_id"`
	Event     MessageEvent `json:"event"`
	AudioData string       `json:"audio_data,omitempty"`

	// Raw preserves the original payload bytes for webhook fan-out and
	// debounce substitution. Not serialized.
	Raw json.RawMessage `json:"-"`
}

// Text returns the free-text content of a message event, preferring the
// plain conversation body over the extended variant.
func (e *Envelope) Text() string {
	if e.Event.Message.Conversation != "" {
		return e.Event.Message.Conversation
	}
	if ext := e.Event.Message.ExtendedTextMessage; ext != nil {
		return ext.Text
	}
	return ""
}

// ChatKey returns the per-chat queue key component: tenant plus chat JID.
func (e *Envelope) ChatKey() string {
	return e.TenantID + ":" + e.Event.Info.Chat
}

// ParseEnvelope decodes a raw gateway payload, keeping the original bytes.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	env.EventType = strings.TrimSpace(env.EventType)
	env.Raw = append(json.RawMessage(nil), raw...)
	return &env, nil
}

// WithText returns a copy of the raw envelope bytes with the message text
// replaced by the given content. Used by the debouncer to substitute the
// merged text into the most recent event before dispatch.
func (e *Envelope) WithText(text string) (*Envelope, error) {
	var generic map[string]any
	if err := json.Unmarshal(e.Raw, &generic); err != nil {
		return nil, err
	}
	event, _ := generic["event"].(map[string]any)
	if event == nil {
		event = map[string]any{}
		generic["event"] = event
	}
	event["Message"] = map[string]any{"Conversation": text}
	raw, err := json.Marshal(generic)
	if err != nil {
		return nil, err
	}
	return ParseEnvelope(raw)
}

// Reply is an outbound message from the engine back to a chat.
type Reply struct {
	TenantID string `json:"tenant_id"`
	ChatJID  string `json:"chat_jid"`
	Content  string `json:"content"`
	AgentID  string `json:"agent_id,omitempty"`
}

// EventBus decouples the ingress from the dispatch engine.
type EventBus struct {
	inbound  chan *Envelope
	outbound chan *Reply
	subs     []func(*Reply)
	mu       sync.RWMutex
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		inbound:  make(chan *Envelope, 100),
		outbound: make(chan *Reply, 100),
	}
}

// PublishInbound hands a gateway event to the engine.
func (b *EventBus) PublishInbound(env *Envelope) {
	b.inbound <- env
}

// ConsumeInbound blocks until an event is available or the context ends.
func (b *EventBus) ConsumeInbound(ctx context.Context) (*Envelope, error) {
	select {
	case env := <-b.inbound:
		return env, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PublishOutbound queues a reply for delivery back to the gateway.
func (b *EventBus) PublishOutbound(r *Reply) {
	b.outbound <- r
}

// SubscribeOutbound registers a callback for outbound replies.
func (b *EventBus) SubscribeOutbound(fn func(*Reply)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

// DispatchOutbound runs the outbound dispatcher until the context ends.
// This should be run as a goroutine.
func (b *EventBus) DispatchOutbound(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-b.outbound:
			b.mu.RLock()
			subs := b.subs
			b.mu.RUnlock()
			for _, fn := range subs {
				fn(r)
			}
		}
	}
}

// InboundSize returns the number of pending inbound events.
func (b *EventBus) InboundSize() int {
	return len(b.inbound)
}
