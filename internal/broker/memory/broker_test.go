package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/fanout/internal/pubsub"
)

func TestParseFilter(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		attrs   map[string]string
		match   bool
		wantErr bool
	}{
		{name: "empty matches all", expr: "", attrs: nil, match: true},
		{name: "equals", expr: `attributes.user_id = "42"`, attrs: map[string]string{"user_id": "42"}, match: true},
		{name: "equals mismatch", expr: `attributes.user_id = "42"`, attrs: map[string]string{"user_id": "7"}, match: false},
		{name: "equals missing", expr: `attributes.user_id = "42"`, attrs: map[string]string{}, match: false},
		{name: "not equals missing", expr: `attributes.kind != "digest"`, attrs: map[string]string{}, match: true},
		{name: "not equals same", expr: `attributes.kind != "digest"`, attrs: map[string]string{"kind": "digest"}, match: false},
		{name: "has", expr: `attributes:priority`, attrs: map[string]string{"priority": ""}, match: true},
		{name: "not has", expr: `NOT attributes:muted`, attrs: map[string]string{"muted": "1"}, match: false},
		{
			name:  "and",
			expr:  `attributes.user_id = "42" AND attributes.kind = "like"`,
			attrs: map[string]string{"user_id": "42", "kind": "like"},
			match: true,
		},
		{
			name:  "and partial",
			expr:  `attributes.user_id = "42" AND attributes.kind = "like"`,
			attrs: map[string]string{"user_id": "42", "kind": "follow"},
			match: false,
		},
		{name: "escaped quote", expr: `attributes.q = "a\"b"`, attrs: map[string]string{"q": `a"b`}, match: true},
		{name: "unquoted value", expr: `attributes.user_id = 42`, wantErr: true},
		{name: "or unsupported", expr: `attributes:a OR attributes:b`, wantErr: true},
		{name: "hasPrefix unsupported", expr: `hasPrefix(attributes.a, "x")`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ParseFilter(tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.match, f.Match(tt.attrs))
		})
	}
}

// collector gathers messages delivered to a listener.
type collector struct {
	mu   sync.Mutex
	msgs []*pubsub.Message
}

func (c *collector) handle(msg *pubsub.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
}

func (c *collector) get() []*pubsub.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*pubsub.Message(nil), c.msgs...)
}

func newTestBroker(t *testing.T, opts ...Option) *Broker {
	t.Helper()
	b := New(opts...)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBroker_CreateAndLookup(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	exists, err := b.SubscriptionExists(ctx, "notifications-subscription")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = b.Subscription(ctx, "notifications-subscription")
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)

	h, err := b.CreateSubscription(ctx, "notifications", "notifications-subscription", pubsub.CreateOptions{TTL: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, "notifications-subscription", h.Name())

	exists, err = b.SubscriptionExists(ctx, "notifications-subscription")
	require.NoError(t, err)
	assert.True(t, exists)

	got, err := b.Subscription(ctx, "notifications-subscription")
	require.NoError(t, err)
	assert.Same(t, h, got)

	_, err = b.CreateSubscription(ctx, "notifications", "notifications-subscription", pubsub.CreateOptions{})
	assert.ErrorIs(t, err, ErrSubscriptionExists)

	_, err = b.CreateSubscription(ctx, "notifications", "bad", pubsub.CreateOptions{Filter: "nonsense"})
	assert.Error(t, err)
}

func TestBroker_PublishDelivers(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	h, err := b.CreateSubscription(ctx, "notifications", "all", pubsub.CreateOptions{})
	require.NoError(t, err)
	c := &collector{}
	h.OnMessage(c.handle)

	require.NoError(t, b.Publish(ctx, "notifications", []byte(`{"msg":"hi"}`), map[string]string{"user_id": "42"}))
	require.NoError(t, b.Publish(ctx, "other", []byte(`{}`), nil))

	require.Eventually(t, func() bool { return len(c.get()) == 1 }, time.Second, 5*time.Millisecond)
	msg := c.get()[0]
	assert.Equal(t, "notifications", msg.Topic)
	assert.JSONEq(t, `{"msg":"hi"}`, string(msg.Data))
	assert.Equal(t, map[string]string{"user_id": "42"}, msg.Attributes)
	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.PublishedAt.IsZero())
}

func TestBroker_FilterAndOrdering(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	h, err := b.CreateSubscription(ctx, "notifications", "user-42", pubsub.CreateOptions{Filter: `attributes.user_id = "42"`})
	require.NoError(t, err)
	c := &collector{}
	h.OnMessage(c.handle)

	for i, user := range []string{"42", "7", "42", "42"} {
		data := []byte{byte('a' + i)}
		require.NoError(t, b.Publish(ctx, "notifications", data, map[string]string{"user_id": user}))
	}

	require.Eventually(t, func() bool { return len(c.get()) == 3 }, time.Second, 5*time.Millisecond)
	var order string
	for _, m := range c.get() {
		order += string(m.Data)
	}
	assert.Equal(t, "acd", order)
}

func TestBroker_RemoveListener(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	h, err := b.CreateSubscription(ctx, "notifications", "n", pubsub.CreateOptions{})
	require.NoError(t, err)

	c := &collector{}
	mid := h.OnMessage(c.handle)
	eid := h.OnError(func(error) {})
	assert.NotEqual(t, mid, eid)

	require.NoError(t, h.RemoveListener(mid))
	require.NoError(t, h.RemoveListener(eid))
	assert.ErrorIs(t, h.RemoveListener(mid), ErrUnknownListener)

	// Without listeners the message is acked and dropped.
	require.NoError(t, b.Publish(ctx, "notifications", []byte("x"), nil))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, c.get())
	assert.Equal(t, 0, h.(*subscription).ListenerCount())
}

func TestBroker_IdleExpiry(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, WithJanitorInterval(5*time.Millisecond))

	h, err := b.CreateSubscription(ctx, "notifications", "short", pubsub.CreateOptions{TTL: 30 * time.Millisecond})
	require.NoError(t, err)
	_, err = b.CreateSubscription(ctx, "notifications", "forever", pubsub.CreateOptions{})
	require.NoError(t, err)

	// A listener keeps the subscription alive past its TTL.
	lid := h.OnMessage(func(*pubsub.Message) {})
	time.Sleep(60 * time.Millisecond)
	exists, err := b.SubscriptionExists(ctx, "short")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, h.RemoveListener(lid))
	require.Eventually(t, func() bool {
		ok, _ := b.SubscriptionExists(ctx, "short")
		return !ok
	}, time.Second, 5*time.Millisecond)

	exists, err = b.SubscriptionExists(ctx, "forever")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestBroker_DeleteSubscription(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	_, err := b.CreateSubscription(ctx, "notifications", "n", pubsub.CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, b.DeleteSubscription(ctx, "n"))
	exists, err := b.SubscriptionExists(ctx, "n")
	require.NoError(t, err)
	assert.False(t, exists)

	assert.ErrorIs(t, b.DeleteSubscription(ctx, "n"), ErrSubscriptionNotFound)
}

func TestBroker_Close(t *testing.T) {
	ctx := context.Background()
	b := New()

	_, err := b.CreateSubscription(ctx, "notifications", "n", pubsub.CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, err = b.SubscriptionExists(ctx, "n")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Publish(ctx, "notifications", nil, nil), ErrClosed)
}
