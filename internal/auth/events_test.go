package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/phd-nexus/nexus/internal/access"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) add(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) kinds() []access.AuthEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]access.AuthEvent, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Kind
	}
	return out
}

func TestBroadcasterDeliversInOrderPerSession(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	b := NewBroadcaster(nil, nil)
	var mine, other collector
	subA := b.Subscribe("s1", mine.add)
	subB := b.Subscribe("s2", other.add)

	ctx := context.Background()
	b.Publish(ctx, Event{Kind: access.EventSignedIn, SessionID: "s1"})
	b.Publish(ctx, Event{Kind: access.EventTokenRefreshed, SessionID: "s1"})
	b.Publish(ctx, Event{Kind: access.EventSignedOut, SessionID: "s1"})

	subA.Unsubscribe()
	subB.Unsubscribe()

	assert.Equal(t, []access.AuthEvent{access.EventSignedIn, access.EventTokenRefreshed, access.EventSignedOut}, mine.kinds())
	assert.Empty(t, other.kinds())
	assert.Zero(t, b.Subscribers())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	b := NewBroadcaster(nil, nil)
	var got collector
	sub := b.Subscribe("s1", got.add)
	sub.Unsubscribe()
	sub.Unsubscribe()

	b.Publish(context.Background(), Event{Kind: access.EventSignedIn, SessionID: "s1"})
	assert.Empty(t, got.kinds())
}

func TestPublishStampsEvents(t *testing.T) {
	b := NewBroadcaster(nil, nil)
	var got collector
	sub := b.Subscribe("s1", got.add)
	b.Publish(context.Background(), Event{Kind: access.EventSignedIn, SessionID: "s1"})
	sub.Unsubscribe()

	require.Len(t, got.events, 1)
	assert.False(t, got.events[0].At.IsZero())
	assert.Equal(t, b.origin, got.events[0].Origin)
}

func TestSignOutMirroredAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	newClient := func() *redis.Client {
		c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = c.Close() })
		return c
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	local := NewBroadcaster(newClient(), nil)
	remote := NewBroadcaster(newClient(), nil)
	require.NoError(t, remote.Listen(ctx))

	var got collector
	sub := remote.Subscribe("s1", got.add)
	defer sub.Unsubscribe()

	local.Publish(ctx, Event{Kind: access.EventTokenRefreshed, SessionID: "s1"})
	local.Publish(ctx, Event{Kind: access.EventSignedOut, SessionID: "s1"})

	require.Eventually(t, func() bool { return len(got.kinds()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []access.AuthEvent{access.EventSignedOut}, got.kinds())
}
