// Package ingress consumes gateway events from Kafka and feeds them to
// the event bus after validation.
package ingress

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/segmentio/kafka-go"

	"github.com/dispatchd/dispatchd/internal/bus"
	"github.com/dispatchd/dispatchd/internal/channels"
)

// ConsumerMessage is one raw record from a gateway topic.
type ConsumerMessage struct {
	Topic string
	Key   []byte
	Value []byte
}

// Consumer abstracts the event source so tests can run without brokers.
type Consumer interface {
	Start(ctx context.Context) error
	Messages() <-chan ConsumerMessage
	Subscribe(topic string) error
	Close() error
}

// KafkaConsumer implements Consumer using segmentio/kafka-go, one reader
// per topic sharing a consumer group.
type KafkaConsumer struct {
	brokers       string
	consumerGroup string
	topics        []string
	readers       []*kafka.Reader
	messages      chan ConsumerMessage
	ctx           context.Context
	mu            sync.Mutex
}

// NewKafkaConsumer creates a Kafka consumer for the given topics.
func NewKafkaConsumer(brokers, consumerGroup string, topics []string) *KafkaConsumer {
	return &KafkaConsumer{
		brokers:       brokers,
		consumerGroup: consumerGroup,
		topics:        topics,
		messages:      make(chan ConsumerMessage, 100),
	}
}

// Start begins consuming from all configured topics.
func (c *KafkaConsumer) Start(ctx context.Context) error {
	c.ctx = ctx
	brokerList := strings.Split(c.brokers, ",")
	for _, topic := range c.topics {
		c.startReader(ctx, brokerList, topic)
	}
	return nil
}

// Subscribe adds a topic to consume from. Safe to call after Start.
func (c *KafkaConsumer) Subscribe(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, t := range c.topics {
		if t == topic {
			return nil
		}
	}
	c.topics = append(c.topics, topic)
	if c.ctx != nil {
		c.startReader(c.ctx, strings.Split(c.brokers, ","), topic)
	}
	return nil
}

func (c *KafkaConsumer) startReader(ctx context.Context, brokerList []string, topic string) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokerList,
		Topic:    topic,
		GroupID:  c.consumerGroup,
		MinBytes: 1,
		MaxBytes: 10e6,
	})

	c.mu.Lock()
	c.readers = append(c.readers, reader)
	c.mu.Unlock()

	go func(r *kafka.Reader, t string) {
		for {
			msg, err := r.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("Kafka read failed", "topic", t, "error", err)
				continue
			}
			c.messages <- ConsumerMessage{Topic: t, Key: msg.Key, Value: msg.Value}
		}
	}(reader, topic)
}

// Messages returns the channel of consumed records.
func (c *KafkaConsumer) Messages() <-chan ConsumerMessage {
	return c.messages
}

// Close stops all readers.
func (c *KafkaConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.readers {
		r.Close()
	}
	close(c.messages)
	return nil
}

// ChannelConsumer is an in-process Consumer backed by a Go channel,
// used by tests and by the embedded HTTP ingress.
type ChannelConsumer struct {
	ch chan ConsumerMessage
}

// NewChannelConsumer creates an in-process consumer.
func NewChannelConsumer() *ChannelConsumer {
	return &ChannelConsumer{ch: make(chan ConsumerMessage, 100)}
}

// Start is a no-op for the channel consumer.
func (c *ChannelConsumer) Start(context.Context) error { return nil }

// Messages returns the message channel.
func (c *ChannelConsumer) Messages() <-chan ConsumerMessage { return c.ch }

// Subscribe is a no-op; topics are implicit in pushed records.
func (c *ChannelConsumer) Subscribe(string) error { return nil }

// Close closes the channel.
func (c *ChannelConsumer) Close() error {
	close(c.ch)
	return nil
}

// Send pushes a record into the consumer.
func (c *ChannelConsumer) Send(msg ConsumerMessage) {
	c.ch <- msg
}

// Pump drains a consumer, parses and validates gateway payloads, and
// publishes the survivors to the event bus.
type Pump struct {
	consumer Consumer
	bus      *bus.EventBus
}

// NewPump wires a consumer to the event bus.
func NewPump(consumer Consumer, eb *bus.EventBus) *Pump {
	return &Pump{consumer: consumer, bus: eb}
}

// Run consumes until the context ends. Malformed payloads are logged and
// dropped; the loop never stops on a bad record.
func (p *Pump) Run(ctx context.Context) error {
	if err := p.consumer.Start(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-p.consumer.Messages():
			if !ok {
				return nil
			}
			env, err := bus.ParseEnvelope(msg.Value)
			if err != nil {
				slog.Warn("Gateway payload unparseable", "topic", msg.Topic, "error", err)
				continue
			}
			if err := channels.Normalize(env); err != nil {
				slog.Warn("Gateway event rejected", "topic", msg.Topic, "error", err)
				continue
			}
			p.bus.PublishInbound(env)
		}
	}
}
