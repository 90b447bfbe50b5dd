package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"knowgraph/internal/errs"
	"knowgraph/internal/logging"
)

// Handler consumes one delivered message. A non-nil error counts against the
// subscriber's circuit breaker and lands the delivery in the dead-letter
// ring; it never affects other subscribers.
type Handler func(ctx context.Context, msg *Message) error

// Subscription is one registered handler. Patterns are exact topics,
// `prefix*`, `*suffix`, or the full wildcard `*`; no infix wildcards.
type Subscription struct {
	ID      string
	Pattern string
	handler Handler
	breaker *breaker
}

// DeadLetter records one failed delivery.
type DeadLetter struct {
	Message        *Message
	SubscriptionID string
	Pattern        string
	Error          string
	Timestamp      time.Time
}

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	Published     uint64
	Delivered     uint64
	Failed        uint64
	Expired       uint64
	QueueDepths   map[string]int
	Subscriptions int
	DeadLetters   int
}

// Options tunes a Bus. Zero values take the built-in defaults.
type Options struct {
	HistorySize     int
	DeadLetterSize  int
	BreakerFailures int
	BreakerReset    time.Duration
	Clock           func() time.Time
}

// Bus is the in-process message bus. All queues are processed by a single
// dispatcher goroutine; handlers run on that goroutine, isolated from
// each other by error and panic recovery.
type Bus struct {
	mu     sync.Mutex
	queues [numPriorities][]*Message
	subs   map[string]*Subscription

	history *ring[*Message]
	dead    *ring[DeadLetter]

	published uint64
	delivered uint64
	failed    uint64
	expired   uint64

	breakerFailures int
	breakerReset    time.Duration
	now             func() time.Time

	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
	started bool
}

// New builds a Bus. Call Start to launch the dispatcher.
func New(opt Options) *Bus {
	if opt.HistorySize <= 0 {
		opt.HistorySize = 1000
	}
	if opt.DeadLetterSize <= 0 {
		opt.DeadLetterSize = 1000
	}
	if opt.BreakerFailures <= 0 {
		opt.BreakerFailures = 5
	}
	if opt.BreakerReset <= 0 {
		opt.BreakerReset = 60 * time.Second
	}
	if opt.Clock == nil {
		opt.Clock = time.Now
	}
	return &Bus{
		subs:            make(map[string]*Subscription),
		history:         newRing[*Message](opt.HistorySize),
		dead:            newRing[DeadLetter](opt.DeadLetterSize),
		breakerFailures: opt.BreakerFailures,
		breakerReset:    opt.BreakerReset,
		now:             opt.Clock,
		wake:            make(chan struct{}, 1),
		done:            make(chan struct{}),
		stopped:         make(chan struct{}),
	}
}

// Start launches the dispatcher goroutine. Messages published before Start
// are queued and dispatched once it runs.
func (b *Bus) Start() {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()
	go b.dispatch()
}

// Close stops the dispatcher. Queued messages are not drained.
func (b *Bus) Close() {
	b.mu.Lock()
	started := b.started
	b.mu.Unlock()
	close(b.done)
	if started {
		<-b.stopped
	}
}

// Subscribe registers a handler for a topic pattern.
func (b *Bus) Subscribe(pattern string, fn Handler) *Subscription {
	sub := &Subscription{
		ID:      newID(),
		Pattern: pattern,
		handler: fn,
		breaker: newBreaker(b.breakerFailures, b.breakerReset),
	}
	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscription. Safe to call more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	delete(b.subs, sub.ID)
	b.mu.Unlock()
}

// SubscriptionCount reports the size of the subscription table.
func (b *Bus) SubscriptionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish enqueues an event on topic at normal priority. Publishers never
// see delivery failures; the error return covers only a closed bus.
func (b *Bus) Publish(ctx context.Context, topic string, payload map[string]any) error {
	return b.PublishMessage(ctx, &Message{Type: TypeEvent, Topic: topic, Payload: payload})
}

// PublishMessage enqueues a fully-specified message by priority.
func (b *Bus) PublishMessage(ctx context.Context, msg *Message) error {
	select {
	case <-b.done:
		return errs.Wrap(errs.KindCancelled, "bus closed", nil)
	default:
	}
	if msg.ID == "" {
		msg.ID = newID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.now()
	}
	if msg.Priority < PriorityLow || msg.Priority > PriorityCritical {
		msg.Priority = PriorityNormal
	}
	b.mu.Lock()
	b.queues[msg.Priority] = append(b.queues[msg.Priority], msg)
	b.published++
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
	return nil
}

// Request publishes a request on topic and awaits the correlated response:
// a fresh correlation id, a unique reply topic, a one-shot subscription
// that is always removed on completion or timeout.
func (b *Bus) Request(ctx context.Context, topic string, payload map[string]any, timeout time.Duration) (map[string]any, error) {
	corr := newID()
	replyTopic := "reply." + corr

	ch := make(chan *Message, 1)
	sub := b.Subscribe(replyTopic, func(ctx context.Context, m *Message) error {
		select {
		case ch <- m:
		default:
		}
		return nil
	})
	defer b.Unsubscribe(sub)

	err := b.PublishMessage(ctx, &Message{
		Type:          TypeRequest,
		Priority:      PriorityNormal,
		Topic:         topic,
		Payload:       payload,
		CorrelationID: corr,
		ReplyTo:       replyTopic,
	})
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case m := <-ch:
		return m.Payload, nil
	case <-timer.C:
		return nil, errs.Wrap(errs.KindTimeout, fmt.Sprintf("request to %q timed out after %s", topic, timeout), nil)
	case <-ctx.Done():
		return nil, errs.Wrap(errs.KindCancelled, "request cancelled", ctx.Err())
	}
}

// Respond publishes a response correlated to req on its reply topic.
func (b *Bus) Respond(ctx context.Context, req *Message, payload map[string]any) error {
	if req.ReplyTo == "" {
		return errs.Wrap(errs.KindInvalidInput, "request has no reply topic", nil)
	}
	return b.PublishMessage(ctx, &Message{
		Type:          TypeResponse,
		Priority:      req.Priority,
		Topic:         req.ReplyTo,
		Payload:       payload,
		CorrelationID: req.CorrelationID,
	})
}

// Stats snapshots the counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	depths := make(map[string]int, numPriorities)
	for p := PriorityLow; p <= PriorityCritical; p++ {
		depths[p.String()] = len(b.queues[p])
	}
	return Stats{
		Published:     b.published,
		Delivered:     b.delivered,
		Failed:        b.failed,
		Expired:       b.expired,
		QueueDepths:   depths,
		Subscriptions: len(b.subs),
		DeadLetters:   b.dead.len(),
	}
}

// DeadLetters returns the dead-letter ring oldest-first.
func (b *Bus) DeadLetters() []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dead.items()
}

// ClearDeadLetters empties the dead-letter ring.
func (b *Bus) ClearDeadLetters() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dead.clear()
}

// History returns the bounded delivery history oldest-first.
func (b *Bus) History() []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.history.items()
}

func (b *Bus) dispatch() {
	defer close(b.stopped)
	for {
		msg := b.pop()
		if msg == nil {
			select {
			case <-b.wake:
				continue
			case <-b.done:
				return
			}
		}
		b.deliver(msg)
	}
}

// pop removes the next message: queues drain strictly in descending priority,
// fully emptying each level before the next is touched.
func (b *Bus) pop() *Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	for p := PriorityCritical; p >= PriorityLow; p-- {
		if len(b.queues[p]) > 0 {
			msg := b.queues[p][0]
			b.queues[p] = b.queues[p][1:]
			return msg
		}
	}
	return nil
}

func (b *Bus) deliver(msg *Message) {
	now := b.now()
	if msg.expired(now) {
		b.mu.Lock()
		b.expired++
		b.mu.Unlock()
		return
	}

	b.mu.Lock()
	b.history.push(msg)
	matched := make([]*Subscription, 0, 4)
	for _, sub := range b.subs {
		if matchTopic(sub.Pattern, msg.Topic) {
			matched = append(matched, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range matched {
		if !sub.breaker.allow(now) {
			b.mu.Lock()
			b.failed++
			b.mu.Unlock()
			continue
		}
		err := b.invoke(sub, msg)
		if err != nil {
			sub.breaker.failure(now)
			b.mu.Lock()
			b.failed++
			b.dead.push(DeadLetter{
				Message:        msg,
				SubscriptionID: sub.ID,
				Pattern:        sub.Pattern,
				Error:          err.Error(),
				Timestamp:      now,
			})
			b.mu.Unlock()
			logging.Log.WithError(err).WithField("topic", msg.Topic).Warn("subscriber failed")
			continue
		}
		sub.breaker.success()
		b.mu.Lock()
		b.delivered++
		b.mu.Unlock()
	}
}

// invoke runs a handler with panic isolation so one bad subscriber cannot
// take down the dispatcher or its peers.
func (b *Bus) invoke(sub *Subscription, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return sub.handler(context.Background(), msg)
}

// matchTopic implements subscription matching: exact, `prefix*`,
// `*suffix`, or `*`. No infix wildcards.
func matchTopic(pattern, topic string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(topic, strings.TrimSuffix(pattern, "*"))
	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(topic, strings.TrimPrefix(pattern, "*"))
	default:
		return pattern == topic
	}
}
