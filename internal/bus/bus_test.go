package bus

import (
	"context"
	"testing"
	"time"
)

const sampleEvent = `{
	"event_type": "Message",
	"tenant_id": "t1",
	"device_id": "dev-1",
	"event": {
		"Info": {"Chat": "5511999@s.whatsapp.net", "Sender": "5511999@s.whatsapp.net", "IsFromMe": false, "IsGroup": false},
		"Message": {"Conversation": "hello there"}
	}
}`

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope([]byte(sampleEvent))
	if err != nil {
		t.Fatalf("parse envelope: %v", err)
	}
	if env.TenantID != "t1" {
		t.Fatalf("expected tenant t1, got %q", env.TenantID)
	}
	if env.Text() != "hello there" {
		t.Fatalf("expected text, got %q", env.Text())
	}
	if env.ChatKey() != "t1:5511999@s.whatsapp.net" {
		t.Fatalf("unexpected chat key %q", env.ChatKey())
	}
}

func TestTextPrefersConversationThenExtended(t *testing.T) {
	env := &Envelope{}
	env.Event.Message.ExtendedTextMessage = &ExtendedText{Text: "extended"}
	if env.Text() != "extended" {
		t.Fatalf("expected extended text, got %q", env.Text())
	}
	env.Event.Message.Conversation = "plain"
	if env.Text() != "plain" {
		t.Fatalf("expected plain text, got %q", env.Text())
	}
}

func TestWithTextSubstitutesContent(t *testing.T) {
	env, err := ParseEnvelope([]byte(sampleEvent))
	if err != nil {
		t.Fatalf("parse envelope: %v", err)
	}
	merged, err := env.WithText("line1\nline2")
	if err != nil {
		t.Fatalf("with text: %v", err)
	}
	if merged.Text() != "line1\nline2" {
		t.Fatalf("expected merged text, got %q", merged.Text())
	}
	if merged.TenantID != "t1" || merged.Event.Info.Chat != "5511999@s.whatsapp.net" {
		t.Fatalf("envelope identity lost in substitution")
	}
}

func TestEventBusRoundTrip(t *testing.T) {
	b := NewEventBus()
	env, _ := ParseEnvelope([]byte(sampleEvent))
	b.PublishInbound(env)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := b.ConsumeInbound(ctx)
	if err != nil {
		t.Fatalf("consume inbound: %v", err)
	}
	if got.TenantID != "t1" {
		t.Fatalf("unexpected envelope %+v", got)
	}
}

func TestDispatchOutbound(t *testing.T) {
	b := NewEventBus()
	delivered := make(chan *Reply, 1)
	b.SubscribeOutbound(func(r *Reply) { delivered <- r })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.DispatchOutbound(ctx) }()

	b.PublishOutbound(&Reply{TenantID: "t1", ChatJID: "abc", Content: "hi"})
	select {
	case r := <-delivered:
		if r.Content != "hi" {
			t.Fatalf("unexpected reply %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatalf("outbound reply not dispatched")
	}
}
