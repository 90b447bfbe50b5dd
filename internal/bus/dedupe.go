package bus

import (
	"context"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// DedupeStore records which request correlation ids have already been
// answered, so a republished request does not re-run its side effects.
type DedupeStore interface {
	// Claim marks key as handled for ttl. It returns false when the key
	// was already claimed; exactly one caller wins a racing claim.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// MemoryDedupeStore is a process-local DedupeStore for single-process
// deployments and tests. Entries expire lazily on the next claim.
type MemoryDedupeStore struct {
	mu      sync.Mutex
	claimed map[string]time.Time // key -> expiry
	now     func() time.Time
}

func NewMemoryDedupeStore() *MemoryDedupeStore {
	return &MemoryDedupeStore{claimed: make(map[string]time.Time), now: time.Now}
}

func (s *MemoryDedupeStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if exp, ok := s.claimed[key]; ok && now.Before(exp) {
		return false, nil
	}
	s.claimed[key] = now.Add(ttl)
	return true, nil
}

// RedisDedupe is a DedupeStore shared across processes answering the same
// request topics. Claims use SET NX so concurrent responders racing on one
// correlation id resolve to a single winner. The caller owns the client's
// lifecycle; construction and connectivity checks live with the rest of the
// config-driven wiring.
type RedisDedupe struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisDedupe(client *redis.Client, keyPrefix string) *RedisDedupe {
	if keyPrefix == "" {
		keyPrefix = "knowgraph:req:"
	}
	return &RedisDedupe{client: client, keyPrefix: keyPrefix}
}

func (d *RedisDedupe) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return d.client.SetNX(ctx, d.keyPrefix+key, "1", ttl).Result()
}

// RequestFunc computes a response payload for one request.
type RequestFunc func(ctx context.Context, msg *Message) (map[string]any, error)

// HandleRequests subscribes fn as a request handler on topic: the computed
// payload is published back on the request's reply topic with its
// correlation id. When dedupe is non-nil, a correlation id is claimed
// before fn runs; requests that lose the claim are acknowledged without
// re-running fn (at-most-once side effects).
func HandleRequests(b *Bus, topic string, dedupe DedupeStore, dedupeTTL time.Duration, fn RequestFunc) *Subscription {
	return b.Subscribe(topic, func(ctx context.Context, msg *Message) error {
		if dedupe != nil && msg.CorrelationID != "" {
			claimed, err := dedupe.Claim(ctx, msg.CorrelationID, dedupeTTL)
			if err == nil && !claimed {
				return nil
			}
		}
		payload, err := fn(ctx, msg)
		if err != nil {
			if msg.ReplyTo != "" {
				_ = b.Respond(ctx, msg, map[string]any{"success": false, "error": err.Error()})
			}
			return err
		}
		if msg.ReplyTo == "" {
			return nil
		}
		return b.Respond(ctx, msg, payload)
	})
}
