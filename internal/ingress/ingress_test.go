package ingress

import (
	"context"
	"testing"
	"time"

	"github.com/dispatchd/dispatchd/internal/bus"
)

func runPump(t *testing.T) (*ChannelConsumer, *bus.EventBus) {
	t.Helper()
	consumer := NewChannelConsumer()
	eb := bus.NewEventBus()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = NewPump(consumer, eb).Run(ctx) }()
	return consumer, eb
}

func TestPumpPublishesValidEvents(t *testing.T) {
	consumer, eb := runPump(t)

	consumer.Send(ConsumerMessage{
		Topic: "gateway.events",
		Value: []byte(`{"event_type":"Message","tenant_id":"t1","device_id":"d1","event":{"Info":{"Chat":"5511999999999@s.whatsapp.net","Sender":"5511999999999@s.whatsapp.net"},"Message":{"Conversation":"oi"}}}`),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	env, err := eb.ConsumeInbound(ctx)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if env.TenantID != "t1" || env.Text() != "oi" {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestPumpDropsMalformedPayloads(t *testing.T) {
	consumer, eb := runPump(t)

	consumer.Send(ConsumerMessage{Topic: "gateway.events", Value: []byte(`{not json`)})
	// missing tenant_id fails validation
	consumer.Send(ConsumerMessage{
		Topic: "gateway.events",
		Value: []byte(`{"event_type":"Message","event":{"Info":{"Chat":"5511999999999@s.whatsapp.net"},"Message":{"Conversation":"oi"}}}`),
	})
	consumer.Send(ConsumerMessage{
		Topic: "gateway.events",
		Value: []byte(`{"event_type":"Message","tenant_id":"t1","event":{"Info":{"Chat":"5511988887777@s.whatsapp.net"},"Message":{"Conversation":"sobrevivi"}}}`),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	env, err := eb.ConsumeInbound(ctx)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if env.Text() != "sobrevivi" {
		t.Fatalf("expected only the valid event, got %q", env.Text())
	}
	if eb.InboundSize() != 0 {
		t.Fatalf("queue should be empty, has %d", eb.InboundSize())
	}
}

func TestPumpStopsWhenConsumerCloses(t *testing.T) {
	consumer := NewChannelConsumer()
	eb := bus.NewEventBus()
	done := make(chan error, 1)
	go func() { done <- NewPump(consumer, eb).Run(context.Background()) }()

	consumer.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v, want nil on close", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not stop after consumer close")
	}
}
