package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchTopic(t *testing.T) {
	cases := []struct {
		pattern, topic string
		want           bool
	}{
		{"ingestion.completed", "ingestion.completed", true},
		{"ingestion.completed", "ingestion.started", false},
		{"ingestion.*", "ingestion.completed", true},
		{"ingestion.*", "linking.completed", false},
		{"*.completed", "ingestion.completed", true},
		{"*.completed", "ingestion.started", false},
		{"*", "anything.at.all", true},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, matchTopic(c.pattern, c.topic), "%s vs %s", c.pattern, c.topic)
	}
}

func TestPriorityOrder(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	var mu sync.Mutex
	var got []Priority
	done := make(chan struct{})
	b.Subscribe("*", func(ctx context.Context, m *Message) error {
		mu.Lock()
		got = append(got, m.Priority)
		n := len(got)
		mu.Unlock()
		if n == 4 {
			close(done)
		}
		return nil
	})

	ctx := context.Background()
	for _, p := range []Priority{PriorityCritical, PriorityLow, PriorityHigh, PriorityNormal} {
		require.NoError(t, b.PublishMessage(ctx, &Message{Topic: "t", Priority: p}))
	}
	b.Start()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("messages not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}, got)
}

func TestTTLExpiry(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	delivered := make(chan struct{}, 1)
	b.Subscribe("t", func(ctx context.Context, m *Message) error {
		delivered <- struct{}{}
		return nil
	})

	require.NoError(t, b.PublishMessage(context.Background(), &Message{Topic: "t", TTL: 100 * time.Millisecond}))
	time.Sleep(250 * time.Millisecond)
	b.Start()

	require.Eventually(t, func() bool {
		return b.Stats().Expired == 1
	}, 2*time.Second, 10*time.Millisecond)
	select {
	case <-delivered:
		t.Fatal("expired message was delivered")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCircuitBreaker(t *testing.T) {
	b := New(Options{BreakerFailures: 5, BreakerReset: 80 * time.Millisecond})
	defer b.Close()
	b.Start()

	var mu sync.Mutex
	invocations := 0
	b.Subscribe("fail", func(ctx context.Context, m *Message) error {
		mu.Lock()
		invocations++
		mu.Unlock()
		return errors.New("boom")
	})

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		require.NoError(t, b.Publish(ctx, "fail", nil))
	}
	// 6 failures counted, but only 5 handler invocations: the 6th is
	// skipped by the open breaker.
	require.Eventually(t, func() bool {
		return b.Stats().Failed == 6
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, 5, invocations)
	mu.Unlock()

	// After the reset timeout the next message is attempted (half-open).
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, b.Publish(ctx, "fail", nil))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return invocations == 6
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBreakerClosesOnSuccess(t *testing.T) {
	br := newBreaker(5, time.Minute)
	now := time.Now()
	for i := 0; i < 5; i++ {
		br.failure(now)
	}
	assert.False(t, br.allow(now))
	assert.True(t, br.allow(now.Add(time.Minute)))
	br.success()
	assert.True(t, br.allow(now))
	assert.Equal(t, 0, br.consecutiveFailures)
}

func TestRequestResponse(t *testing.T) {
	b := New(Options{})
	defer b.Close()
	b.Start()

	HandleRequests(b, "echo", nil, 0, func(ctx context.Context, msg *Message) (map[string]any, error) {
		return map[string]any{"echo": msg.Payload["text"]}, nil
	})

	resp, err := b.Request(context.Background(), "echo", map[string]any{"text": "hi"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hi", resp["echo"])
}

func TestRequestTimeoutCleansUp(t *testing.T) {
	b := New(Options{})
	defer b.Close()
	b.Start()

	before := b.SubscriptionCount()
	start := time.Now()
	resp, err := b.Request(context.Background(), "nobody.home", nil, 200*time.Millisecond)
	elapsed := time.Since(start)

	assert.Nil(t, resp)
	require.Error(t, err)
	assert.Less(t, elapsed, 250*time.Millisecond)
	assert.Equal(t, before, b.SubscriptionCount(), "reply subscription leaked")
}

func TestSubscriberErrorIsolation(t *testing.T) {
	b := New(Options{})
	defer b.Close()
	b.Start()

	ok := make(chan struct{}, 1)
	b.Subscribe("t", func(ctx context.Context, m *Message) error {
		panic("bad subscriber")
	})
	b.Subscribe("t", func(ctx context.Context, m *Message) error {
		ok <- struct{}{}
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), "t", nil))
	select {
	case <-ok:
	case <-time.After(2 * time.Second):
		t.Fatal("healthy subscriber starved by failing peer")
	}
	require.Eventually(t, func() bool {
		return len(b.DeadLetters()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	dl := b.DeadLetters()[0]
	assert.Contains(t, dl.Error, "panic")
	assert.Equal(t, "t", dl.Message.Topic)
}

func TestHandleRequestsDedupe(t *testing.T) {
	b := New(Options{})
	defer b.Close()
	b.Start()

	var mu sync.Mutex
	calls := 0
	HandleRequests(b, "work", NewMemoryDedupeStore(), time.Minute, func(ctx context.Context, msg *Message) (map[string]any, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return map[string]any{"success": true}, nil
	})

	ctx := context.Background()
	msg := &Message{Type: TypeRequest, Topic: "work", CorrelationID: "corr-1"}
	require.NoError(t, b.PublishMessage(ctx, msg))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.PublishMessage(ctx, &Message{Type: TypeRequest, Topic: "work", CorrelationID: "corr-1"}))
	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, calls, "duplicate correlation id re-processed")
	mu.Unlock()
}

func TestMemoryDedupeClaim(t *testing.T) {
	s := NewMemoryDedupeStore()
	now := time.Now()
	s.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := s.Claim(ctx, "corr-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "first claim wins")

	ok, err = s.Claim(ctx, "corr-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second claim loses while the first is live")

	now = now.Add(2 * time.Minute)
	ok, err = s.Claim(ctx, "corr-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired claims can be re-won")
}

func TestRingBounds(t *testing.T) {
	r := newRing[int](3)
	for i := 1; i <= 5; i++ {
		r.push(i)
	}
	assert.Equal(t, []int{3, 4, 5}, r.items())
	r.clear()
	assert.Empty(t, r.items())
}
