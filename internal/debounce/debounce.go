// Package debounce coalesces rapid consecutive text messages from the
// same chat into one synthetic event before the expensive dispatch path
// runs. The queue and the scheduling lock live in Redis so concurrent
// engine instances cooperate; the lock is SetNX with a TTL, not a fenced
// distributed lock, so a duplicate flush is possible and harmless (the
// second flush finds an empty queue).
package debounce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dispatchd/dispatchd/internal/bus"
)

const (
	queueKeyPrefix = "whatsapp_message_queue:"
	lockKeyPrefix  = "whatsapp_processing_scheduled:"
	lockGrace      = 5 * time.Second
)

// DispatchFunc receives the merged event once the chat has gone quiet.
type DispatchFunc func(ctx context.Context, env *bus.Envelope)

// QueuedMessage is one pending message in a chat's merge queue.
type QueuedMessage struct {
	Raw        json.RawMessage `json:"raw"`
	Text       string          `json:"text"`
	EnqueuedAt int64           `json:"enqueued_at"` // unix milliseconds
}

// Debouncer merges rapid-fire inbound messages per chat key.
type Debouncer struct {
	rdb      *redis.Client
	delay    time.Duration
	queueTTL time.Duration
	dispatch DispatchFunc
	now      func() time.Time
}

// New creates a debouncer. delay is the quiet window (default 15s),
// queueTTL bounds how long an unflushed queue may linger.
func New(rdb *redis.Client, delay, queueTTL time.Duration, dispatch DispatchFunc) *Debouncer {
	if delay <= 0 {
		delay = 15 * time.Second
	}
	if queueTTL <= 0 {
		queueTTL = 5 * time.Minute
	}
	return &Debouncer{
		rdb:      rdb,
		delay:    delay,
		queueTTL: queueTTL,
		dispatch: dispatch,
		now:      time.Now,
	}
}

// Enqueue appends a text event to its chat queue and, if no flush is
// scheduled for the chat, schedules one after the quiet window.
func (d *Debouncer) Enqueue(ctx context.Context, env *bus.Envelope) error {
	chatKey := env.ChatKey()
	item, err := json.Marshal(QueuedMessage{
		Raw:        env.Raw,
		Text:       env.Text(),
		EnqueuedAt: d.now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode queued message: %w", err)
	}

	queueKey := queueKeyPrefix + chatKey
	if err := d.rdb.RPush(ctx, queueKey, item).Err(); err != nil {
		return fmt.Errorf("enqueue message for %s: %w", chatKey, err)
	}
	if err := d.rdb.Expire(ctx, queueKey, d.queueTTL).Err(); err != nil {
		return fmt.Errorf("refresh queue ttl for %s: %w", chatKey, err)
	}

	locked, err := d.rdb.SetNX(ctx, lockKeyPrefix+chatKey, "1", d.delay+lockGrace).Result()
	if err != nil {
		return fmt.Errorf("acquire schedule lock for %s: %w", chatKey, err)
	}
	if locked {
		d.schedule(ctx, chatKey, d.delay)
	}
	return nil
}

// schedule arranges a deferred flush. The flush goroutine must never
// take the request path down with it.
func (d *Debouncer) schedule(ctx context.Context, chatKey string, wait time.Duration) {
	timer := time.NewTimer(wait)
	go func() {
		defer timer.Stop()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Debounce flush panicked", "chat", chatKey, "panic", r)
			}
		}()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		d.flush(ctx, chatKey)
	}()
}

// flush drains the queue for a chat. If the newest message is still
// inside the quiet window, the flush is rescheduled for the remaining
// wait instead (classic debounce).
func (d *Debouncer) flush(ctx context.Context, chatKey string) {
	queueKey := queueKeyPrefix + chatKey
	lockKey := lockKeyPrefix + chatKey

	raws, err := d.rdb.LRange(ctx, queueKey, 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		slog.Error("Debounce queue read failed", "chat", chatKey, "error", err)
		d.rdb.Del(ctx, lockKey)
		return
	}
	if len(raws) == 0 {
		d.rdb.Del(ctx, lockKey)
		return
	}

	msgs := make([]QueuedMessage, 0, len(raws))
	for _, raw := range raws {
		var m QueuedMessage
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			slog.Warn("Debounce dropping undecodable queue entry", "chat", chatKey, "error", err)
			continue
		}
		msgs = append(msgs, m)
	}
	if len(msgs) == 0 {
		d.rdb.Del(ctx, queueKey, lockKey)
		return
	}

	newest := msgs[0].EnqueuedAt
	for _, m := range msgs[1:] {
		if m.EnqueuedAt > newest {
			newest = m.EnqueuedAt
		}
	}
	age := d.now().Sub(time.UnixMilli(newest))
	if age < d.delay {
		remaining := d.delay - age
		if err := d.rdb.Expire(ctx, lockKey, remaining+lockGrace).Err(); err != nil {
			slog.Warn("Debounce lock ttl refresh failed", "chat", chatKey, "error", err)
		}
		d.schedule(ctx, chatKey, remaining)
		return
	}

	merged, err := d.merge(msgs)
	if err != nil {
		slog.Error("Debounce merge failed", "chat", chatKey, "error", err)
		d.rdb.Del(ctx, queueKey, lockKey)
		return
	}

	d.dispatch(ctx, merged)
	d.rdb.Del(ctx, queueKey, lockKey)
}

// merge sorts the queued messages by enqueue time, joins their text
// oldest-first with newline separators and substitutes the combined
// text into the most recent raw event.
func (d *Debouncer) merge(msgs []QueuedMessage) (*bus.Envelope, error) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].EnqueuedAt < msgs[j].EnqueuedAt
	})
	texts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		texts = append(texts, m.Text)
	}
	latest, err := bus.ParseEnvelope(msgs[len(msgs)-1].Raw)
	if err != nil {
		return nil, fmt.Errorf("parse latest event: %w", err)
	}
	if len(texts) == 1 {
		return latest, nil
	}
	return latest.WithText(strings.Join(texts, "\n"))
}

// QueueLen reports the pending queue depth for a chat key.
func (d *Debouncer) QueueLen(ctx context.Context, chatKey string) (int64, error) {
	return d.rdb.LLen(ctx, queueKeyPrefix+chatKey).Result()
}
