package debounce

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/dispatchd/dispatchd/internal/bus"
)

type capture struct {
	mu   sync.Mutex
	envs []*bus.Envelope
	at   []time.Time
}

func (c *capture) dispatch(_ context.Context, env *bus.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	c.at = append(c.at, time.Now())
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envs)
}

func newTestDebouncer(t *testing.T, delay time.Duration) (*Debouncer, *capture) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	sink := &capture{}
	return New(rdb, delay, time.Minute, sink.dispatch), sink
}

func textEnvelope(t *testing.T, text string) *bus.Envelope {
	t.Helper()
	raw := fmt.Sprintf(`{"event_type":"Message","tenant_id":"t1","device_id":"d1","event":{"Info":{"Chat":"5511999999999@s.whatsapp.net","Sender":"5511999999999@s.whatsapp.net"},"Message":{"Conversation":%q}}}`, text)
	env, err := bus.ParseEnvelope([]byte(raw))
	if err != nil {
		t.Fatalf("parse envelope: %v", err)
	}
	return env
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestMergesRapidMessagesOldestFirst(t *testing.T) {
	d, sink := newTestDebouncer(t, 80*time.Millisecond)
	ctx := context.Background()

	for _, text := range []string{"M1", "M2", "M3"} {
		if err := d.Enqueue(ctx, textEnvelope(t, text)); err != nil {
			t.Fatalf("enqueue %s: %v", text, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	waitFor(t, 2*time.Second, func() bool { return sink.count() == 1 })

	got := sink.envs[0].Text()
	if got != "M1\nM2\nM3" {
		t.Fatalf("merged text = %q, want %q", got, "M1\nM2\nM3")
	}
	if sink.envs[0].TenantID != "t1" {
		t.Fatalf("tenant = %q, want t1", sink.envs[0].TenantID)
	}

	n, err := d.QueueLen(ctx, sink.envs[0].ChatKey())
	if err != nil {
		t.Fatalf("queue len: %v", err)
	}
	if n != 0 {
		t.Fatalf("queue not drained, %d entries left", n)
	}
}

func TestSingleMessagePassesThroughUnchanged(t *testing.T) {
	d, sink := newTestDebouncer(t, 50*time.Millisecond)
	if err := d.Enqueue(context.Background(), textEnvelope(t, "hello")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return sink.count() == 1 })
	if got := sink.envs[0].Text(); got != "hello" {
		t.Fatalf("text = %q, want hello", got)
	}
}

func TestReschedulesWhileChatStillActive(t *testing.T) {
	delay := 150 * time.Millisecond
	d, sink := newTestDebouncer(t, delay)
	ctx := context.Background()

	if err := d.Enqueue(ctx, textEnvelope(t, "first")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Second message lands late in the quiet window, so the first flush
	// must defer instead of dispatching.
	time.Sleep(120 * time.Millisecond)
	lastEnqueue := time.Now()
	if err := d.Enqueue(ctx, textEnvelope(t, "second")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return sink.count() == 1 })

	if got := sink.envs[0].Text(); got != "first\nsecond" {
		t.Fatalf("merged text = %q, want %q", got, "first\nsecond")
	}
	quiet := sink.at[0].Sub(lastEnqueue)
	if quiet < delay-20*time.Millisecond {
		t.Fatalf("dispatched %v after last message, want at least ~%v", quiet, delay)
	}
}

func TestSeparateChatsFlushIndependently(t *testing.T) {
	d, sink := newTestDebouncer(t, 50*time.Millisecond)
	ctx := context.Background()

	a := textEnvelope(t, "from A")
	raw := `{"event_type":"Message","tenant_id":"t1","device_id":"d1","event":{"Info":{"Chat":"5511888888888@s.whatsapp.net","Sender":"5511888888888@s.whatsapp.net"},"Message":{"Conversation":"from B"}}}`
	b, err := bus.ParseEnvelope([]byte(raw))
	if err != nil {
		t.Fatalf("parse envelope: %v", err)
	}

	if err := d.Enqueue(ctx, a); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	if err := d.Enqueue(ctx, b); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return sink.count() == 2 })

	texts := map[string]bool{}
	for _, env := range sink.envs {
		texts[env.Text()] = true
	}
	if !texts["from A"] || !texts["from B"] {
		t.Fatalf("wrong dispatches: %v", texts)
	}
}
