package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/phd-nexus/nexus/internal/access"
)

// EventsChannel is the Redis channel sign-outs are mirrored on.
const EventsChannel = "auth:events"

const subscriberBuffer = 16

// Broadcaster fans auth events out to per-session subscribers. Each
// subscriber receives its events in publish order on its own goroutine and
// follows its session across a sign-in renewal.
type Broadcaster struct {
	client *redis.Client
	origin string
	logger *slog.Logger

	mu   sync.Mutex
	subs map[uint64]*subscriber
	next uint64
}

type subscriber struct {
	sessionID string
	ch        chan Event
	done      chan struct{}
}

// NewBroadcaster constructs a Broadcaster. A nil client keeps events in process.
func NewBroadcaster(client *redis.Client, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		client: client,
		origin: uuid.NewString(),
		logger: logger,
		subs:   make(map[uint64]*subscriber),
	}
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	b    *Broadcaster
	id   uint64
	once sync.Once
}

// Unsubscribe stops delivery and waits for the delivery goroutine to exit.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.b.mu.Lock()
		sub, ok := s.b.subs[s.id]
		delete(s.b.subs, s.id)
		s.b.mu.Unlock()
		if !ok {
			return
		}
		close(sub.ch)
		<-sub.done
	})
}

// Subscribe delivers events for sessionID to handler until unsubscribed.
func (b *Broadcaster) Subscribe(sessionID string, handler func(Event)) *Subscription {
	sub := &subscriber{
		sessionID: sessionID,
		ch:        make(chan Event, subscriberBuffer),
		done:      make(chan struct{}),
	}
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		defer close(sub.done)
		for ev := range sub.ch {
			handler(ev)
		}
	}()
	return &Subscription{b: b, id: id}
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish delivers ev to local subscribers of its session and mirrors
// sign-outs to other instances through Redis.
func (b *Broadcaster) Publish(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if ev.Origin == "" {
		ev.Origin = b.origin
	}
	b.deliver(ev)

	if b.client == nil || ev.Kind != access.EventSignedOut || ev.Origin != b.origin {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Warn("auth event encode", slog.Any("error", err))
		return
	}
	if err := b.client.Publish(ctx, EventsChannel, payload).Err(); err != nil {
		b.logger.Warn("auth event publish", slog.Any("error", err))
	}
}

func (b *Broadcaster) deliver(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if ev.Previous != "" && sub.sessionID == ev.Previous {
			sub.sessionID = ev.SessionID
		}
		if sub.sessionID != ev.SessionID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("auth event dropped", slog.String("kind", string(ev.Kind)))
		}
	}
}

// Listen mirrors sign-outs published by other instances into local
// subscribers until ctx is cancelled.
func (b *Broadcaster) Listen(ctx context.Context) error {
	if b.client == nil {
		return nil
	}
	pubsub := b.client.Subscribe(ctx, EventsChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Warn("auth event decode", slog.Any("error", err))
					continue
				}
				if ev.Origin == b.origin {
					continue
				}
				b.deliver(ev)
			}
		}
	}()
	return nil
}
