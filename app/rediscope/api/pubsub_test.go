package api

import (
	"context"
	"errors"
	"net/http/httptest"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flonle/rediscope/app/rediscope/relay"
)

// stubBroker acknowledges every command at once and fans published
// messages out to matching subscriptions.
type stubBroker struct {
	mu       sync.Mutex
	conns    []*stubConn
	calls    []string
	channels []string
	numsub   map[string]int64
}

func newStubBroker() *stubBroker { return &stubBroker{} }

func (b *stubBroker) OpenConn(context.Context) (relay.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := &stubConn{broker: b, subs: map[string]bool{}, ch: make(chan relay.Delivery, 256), closed: make(chan struct{})}
	b.conns = append(b.conns, c)
	return c, nil
}

func (b *stubBroker) Publish(_ context.Context, channel, payload string) (int64, error) {
	b.mu.Lock()
	conns := append([]*stubConn(nil), b.conns...)
	b.mu.Unlock()
	var n int64
	for _, c := range conns {
		n += c.deliver(channel, payload)
	}
	return n, nil
}

func (b *stubBroker) PubSubChannels(context.Context, string) ([]string, error) {
	return b.channels, nil
}

func (b *stubBroker) PubSubNumSub(context.Context, ...string) (map[string]int64, error) {
	return b.numsub, nil
}

func (b *stubBroker) record(call string) {
	b.mu.Lock()
	b.calls = append(b.calls, call)
	b.mu.Unlock()
}

func (b *stubBroker) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

type stubConn struct {
	broker *stubBroker
	mu     sync.Mutex
	subs   map[string]bool // name -> is pattern
	ch     chan relay.Delivery
	closed chan struct{}
	once   sync.Once
}

func (c *stubConn) set(cmd, name string, pattern, on bool, kind relay.DeliveryKind) error {
	c.broker.record(cmd + " " + name)
	c.mu.Lock()
	if on {
		c.subs[name] = pattern
	} else {
		delete(c.subs, name)
	}
	c.mu.Unlock()
	d := relay.Delivery{Kind: kind, Channel: name}
	if pattern {
		d = relay.Delivery{Kind: kind, Pattern: name}
	}
	c.ch <- d
	return nil
}

func (c *stubConn) Subscribe(_ context.Context, ch string) error {
	return c.set("SUBSCRIBE", ch, false, true, relay.DeliverySubscribed)
}

func (c *stubConn) PSubscribe(_ context.Context, p string) error {
	return c.set("PSUBSCRIBE", p, true, true, relay.DeliverySubscribed)
}

func (c *stubConn) Unsubscribe(_ context.Context, ch string) error {
	return c.set("UNSUBSCRIBE", ch, false, false, relay.DeliveryUnsubscribed)
}

func (c *stubConn) PUnsubscribe(_ context.Context, p string) error {
	return c.set("PUNSUBSCRIBE", p, true, false, relay.DeliveryUnsubscribed)
}

func (c *stubConn) deliver(channel, payload string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return 0
	default:
	}
	var n int64
	for name, pattern := range c.subs {
		switch {
		case !pattern && name == channel:
			c.ch <- relay.Delivery{Kind: relay.DeliveryMessage, Channel: channel, Payload: payload}
			n++
		case pattern:
			if ok, _ := path.Match(name, channel); ok {
				c.ch <- relay.Delivery{Kind: relay.DeliveryMessage, Channel: channel, Pattern: name, Payload: payload}
				n++
			}
		}
	}
	return n
}

func (c *stubConn) Receive(ctx context.Context) (relay.Delivery, error) {
	select {
	case d := <-c.ch:
		return d, nil
	case <-c.closed:
		return relay.Delivery{}, errors.New("closed")
	case <-ctx.Done():
		return relay.Delivery{}, ctx.Err()
	}
}

func (c *stubConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/pubsub/subscribe" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) relay.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var e relay.Event
	require.NoError(t, conn.ReadJSON(&e))
	return e
}

func TestRelaySocket(t *testing.T) {
	f := newFixture(t, Options{})
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	conn := dial(t, srv, "?target=news")
	assert.Equal(t, relay.Event{Type: relay.EventSubscribed, Target: relay.Target{Name: "news"}}, readEvent(t, conn))

	n, err := f.relay.Publish(context.Background(), "news", `{"headline":"hi"}`)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	e := readEvent(t, conn)
	assert.Equal(t, relay.EventMessage, e.Type)
	assert.Equal(t, "news", e.Message.Channel)
	assert.Equal(t, `{"headline":"hi"}`, e.Message.Payload)
	assert.False(t, e.Message.ReceivedAt.IsZero())

	require.NoError(t, conn.WriteJSON(Control{Action: "subscribe", Target: "orders.*"}))
	assert.Equal(t, relay.Event{Type: relay.EventSubscribed, Target: relay.Target{Name: "orders.*", Pattern: true}}, readEvent(t, conn))
	assert.Equal(t, []string{"SUBSCRIBE news", "UNSUBSCRIBE news", "PSUBSCRIBE orders.*"}, f.broker.Calls())

	_, err = f.relay.Publish(context.Background(), "orders.eu", "o1")
	require.NoError(t, err)
	e = readEvent(t, conn)
	assert.Equal(t, "orders.*", e.Message.Pattern)
	assert.Equal(t, "orders.eu", e.Message.Channel)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return f.relay.Sessions() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "PUNSUBSCRIBE orders.*", f.broker.Calls()[3])
}

func TestRelaySocketIdleUntilSubscribe(t *testing.T) {
	f := newFixture(t, Options{})
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	conn := dial(t, srv, "")
	require.Eventually(t, func() bool { return f.relay.Sessions() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, f.broker.Calls())

	require.NoError(t, conn.WriteJSON(Control{Action: "subscribe"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var body map[string]string
	require.NoError(t, conn.ReadJSON(&body))
	assert.Equal(t, "error", body["type"])
	assert.Contains(t, body["error"], "malformed input")

	require.NoError(t, conn.WriteJSON(Control{Action: "subscribe", Target: "news"}))
	assert.Equal(t, relay.EventSubscribed, readEvent(t, conn).Type)

	require.NoError(t, conn.WriteJSON(Control{Action: "pause"}))
	require.Eventually(t, func() bool { return len(f.broker.Calls()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "UNSUBSCRIBE news", f.broker.Calls()[1])
	assert.Equal(t, 1, f.relay.Sessions())

	require.NoError(t, conn.WriteJSON(Control{Action: "subscribe", Target: "alerts"}))
	assert.Equal(t, relay.Event{Type: relay.EventSubscribed, Target: relay.Target{Name: "alerts"}}, readEvent(t, conn))
}

func TestRelaySocketUnsubscribeCloses(t *testing.T) {
	f := newFixture(t, Options{})
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	conn := dial(t, srv, "?target=news")
	readEvent(t, conn)

	require.NoError(t, conn.WriteJSON(Control{Action: "unsubscribe"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	require.Eventually(t, func() bool { return f.relay.Sessions() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"SUBSCRIBE news", "UNSUBSCRIBE news"}, f.broker.Calls())
}

func TestRelaySocketClosedOnShutdown(t *testing.T) {
	f := newFixture(t, Options{})
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	conn := dial(t, srv, "?target=news")
	readEvent(t, conn)

	f.relay.Shutdown()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}
