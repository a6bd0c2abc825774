package cmd

import (
	"bytes"
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/fanout/internal/broker/memory"
	"github.com/nfrund/fanout/internal/pubsub"
	"github.com/nfrund/fanout/internal/server"
	"github.com/nfrund/fanout/internal/topicmgr"
	ws "github.com/nfrund/fanout/internal/websocket"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startServer(t *testing.T) (*apiClient, *ws.Streamer) {
	t.Helper()
	broker := memory.New()
	svc := pubsub.NewService(broker)
	t.Cleanup(func() {
		_ = svc.Close(context.Background())
		_ = broker.Close()
	})

	topics := topicmgr.NewManager()
	for _, topic := range topicmgr.CoreTopics() {
		topics.MustRegister(topic)
	}
	streamer := ws.NewStreamer(svc, ws.NewClientManager())
	reg := prometheus.NewRegistry()
	s := server.New(server.Dependencies{PubSub: svc, Topics: topics, Streamer: streamer},
		server.Options{Registerer: reg, Gatherer: reg})

	srv := httptest.NewServer(s.E)
	t.Cleanup(srv.Close)

	client, err := newAPIClient(srv.URL)
	require.NoError(t, err)
	return client, streamer
}

func TestParseAttributes(t *testing.T) {
	attrs, err := parseAttributes([]string{"user_id=42", "note=a=b", "empty="})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"user_id": "42", "note": "a=b", "empty": ""}, attrs)

	attrs, err = parseAttributes(nil)
	require.NoError(t, err)
	assert.Nil(t, attrs)

	for _, bad := range []string{"novalue", "=x"} {
		_, err := parseAttributes([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestEncodeData(t *testing.T) {
	assert.Equal(t, `{"msg":"hi"}`, string(encodeData(`{"msg":"hi"}`)))
	assert.Equal(t, `42`, string(encodeData(`42`)))
	assert.Equal(t, `"plain text"`, string(encodeData(`plain text`)))
}

func TestFilterTopics(t *testing.T) {
	m := topicmgr.NewManager()
	for _, topic := range topicmgr.CoreTopics() {
		m.MustRegister(topic)
	}
	m.MustRegister(topicmgr.Define(topicmgr.Definition{
		Name:        "billing.invoices",
		Owner:       "billing",
		Description: "Invoice events",
	}))

	got, err := filterTopics(m, "", "core", "")
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = filterTopics(m, "billing", "", "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "billing.invoices", got[0].Name())

	got, err = filterTopics(m, "", "APP", "billing.*")
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = filterTopics(m, "", "", "feed.*")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "feed.updates", got[0].Name())

	_, err = filterTopics(m, "", "framework", "")
	assert.Error(t, err)
}

func TestValidateTopic(t *testing.T) {
	m := topicmgr.NewManager()
	m.MustRegister(topicmgr.Notifications)

	topic, err := validateTopic(m, "notifications", "42")
	require.NoError(t, err)
	assert.Equal(t, "notifications", topic.Name())

	_, err = validateTopic(m, "Bad-Topic", "")
	assert.Error(t, err)

	_, err = validateTopic(m, "missing", "")
	assert.True(t, topicmgr.IsNotFound(err))

	_, err = validateTopic(m, "notifications", "a b")
	assert.Error(t, err)
}

func TestAPIClient_URLs(t *testing.T) {
	_, err := newAPIClient("ftp://example.com")
	assert.Error(t, err)

	c, err := newAPIClient("https://fanout.example.com/base/")
	require.NoError(t, err)
	assert.Equal(t, "https://fanout.example.com/base/api/topics/feed.updates/publish",
		c.endpoint("topics", "feed.updates", "publish").String())
	assert.Equal(t, "wss://fanout.example.com/base/api/topics/notifications/stream?filter=attributes.user_id+%3D+%2242%22&subject=42",
		c.streamURL("notifications", "42", `attributes.user_id = "42"`))

	c, err = newAPIClient("http://localhost:8080")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/api/topics/broadcast/stream", c.streamURL("broadcast", "", ""))
}

func TestPublishStreamAndStats(t *testing.T) {
	client, streamer := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stats, err := client.stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.PubSub.ActivePools)
	assert.Equal(t, 3, stats.Topics.RegistryStats.TotalTopics)

	streamCtx, stopStream := context.WithCancel(ctx)
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- runStream(streamCtx, client.streamURL("notifications", "42", ""), out, false)
	}()
	require.Eventually(t, func() bool { return streamer.Manager().Count() == 1 }, 5*time.Second, 10*time.Millisecond)

	stats, err = client.stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Streams)
	assert.Equal(t, 1, stats.PubSub.ActivePools)

	require.NoError(t, client.publish(ctx, "notifications", server.PublishRequest{
		Data:       encodeData(`{"msg":"hi"}`),
		Attributes: map[string]string{"subject": "42"},
	}))
	require.Eventually(t, func() bool {
		s := out.String()
		return bytes.Contains([]byte(s), []byte("[notifications]")) && bytes.Contains([]byte(s), []byte(`"msg"`))
	}, 5*time.Second, 10*time.Millisecond)

	stopStream()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop")
	}

	err = client.publish(ctx, "Bad-Topic", server.PublishRequest{Data: encodeData("x")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestPrintFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printFrame(&buf, []byte(`{"type":"message","id":"m1","topic":"broadcast","data":"hello"}`), false))
	assert.Equal(t, "[broadcast] m1 \"hello\"\n", buf.String())

	buf.Reset()
	require.NoError(t, printFrame(&buf, []byte(`{"type":"message"}`), true))
	assert.Equal(t, "{\"type\":\"message\"}\n", buf.String())

	err := printFrame(&buf, []byte(`{"type":"error","error":"stream closed"}`), false)
	assert.EqualError(t, err, "stream closed")
}

func TestAPIError(t *testing.T) {
	assert.EqualError(t, apiError(400, []byte(`{"message":"invalid topic"}`)), "server returned 400: invalid topic")
	assert.EqualError(t, apiError(429, []byte(`{"error":"too many requests"}`)), "server returned 429: too many requests")
	assert.EqualError(t, apiError(502, []byte(`bad gateway`)), "server returned 502")
}
