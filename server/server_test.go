package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhimiaox/zmqx-retain/config"
	"github.com/zhimiaox/zmqx-retain/consts"
	"github.com/zhimiaox/zmqx-retain/errors"
	"github.com/zhimiaox/zmqx-retain/metrics"
	"github.com/zhimiaox/zmqx-retain/models"
	"github.com/zhimiaox/zmqx-retain/packets"
)

type delivery struct {
	topic    string
	payload  string
	qos      uint8
	retained bool
}

// recorder is a counting sink.
type recorder struct {
	mu  sync.Mutex
	got []delivery
}

func (r *recorder) Deliver(topicName string, payload []byte, qos uint8, retained bool) {
	r.mu.Lock()
	r.got = append(r.got, delivery{topic: topicName, payload: string(payload), qos: qos, retained: retained})
	r.mu.Unlock()
}

func (r *recorder) all() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.got...)
}

func (r *recorder) count() map[string]int {
	rs := make(map[string]int)
	for _, d := range r.all() {
		rs[d.topic]++
	}
	return rs
}

// blockingSink blocks every delivery until release is closed.
type blockingSink struct {
	entered     chan struct{}
	release     chan struct{}
	onceEntered sync.Once
	n           atomic.Int64
}

func newBlockingSink() *blockingSink {
	return &blockingSink{entered: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingSink) Deliver(string, []byte, uint8, bool) {
	b.onceEntered.Do(func() { close(b.entered) })
	<-b.release
	b.n.Add(1)
}

func testServer(t *testing.T, modify func(cfg *config.Config), opts ...Options) *server {
	t.Helper()
	cfg := config.New()
	cfg.Server.TCP = nil
	if modify != nil {
		modify(cfg)
	}
	require.NoError(t, config.Validate(cfg))
	opts = append([]Options{
		WithConfig(cfg),
		WithLoggerHandler(slog.NewTextHandler(io.Discard, nil)),
	}, opts...)
	srv := New(opts...).(*server)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv
}

func waitReplay(t *testing.T, r *Replay) error {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(10 * time.Second):
		require.FailNow(t, "retained replay did not finish", r.TopicFilter())
	}
	return r.Wait(context.Background())
}

func TestSubscribeReplaysRetained(t *testing.T) {
	srv := testServer(t, nil)
	const n = 500
	for i := 0; i < n; i++ {
		require.NoError(t, srv.PublishRetained(fmt.Sprintf("a/b/%d", i), []byte("v"), packets.Qos1))
	}
	require.NoError(t, srv.PublishRetained("b/x", []byte("other"), packets.Qos1))
	require.NoError(t, srv.Connect("c1"))

	rec := &recorder{}
	replay, err := srv.Subscribe("c1", "a/#", packets.Qos0, rec)
	require.NoError(t, err)
	require.NoError(t, waitReplay(t, replay))

	assert.Equal(t, n, replay.Matched())
	assert.Equal(t, n, replay.Queued())
	assert.Equal(t, n, replay.Delivered())
	assert.Equal(t, "a/#", replay.TopicFilter())

	counts := rec.count()
	require.Len(t, counts, n)
	for name, c := range counts {
		assert.Equal(t, 1, c, name)
	}
	for _, d := range rec.all() {
		assert.True(t, d.retained)
		assert.Equal(t, packets.Qos0, d.qos)
	}
	assert.Equal(t, float64(n), testutil.ToFloat64(srv.metrics.RetainedDelivered))
	assert.Equal(t, float64(n+1), testutil.ToFloat64(srv.metrics.RetainedMessages))
}

func TestSubscribeReplaysLatestRecord(t *testing.T) {
	srv := testServer(t, nil)
	require.NoError(t, srv.PublishRetained("s/1", []byte("1"), packets.Qos0))
	require.NoError(t, srv.PublishRetained("s/2", []byte("2"), packets.Qos0))
	require.NoError(t, srv.PublishRetained("s/1", []byte("3"), packets.Qos0))
	require.NoError(t, srv.Connect("c1"))

	rec := &recorder{}
	replay, err := srv.Subscribe("c1", "s/+", packets.Qos1, rec)
	require.NoError(t, err)
	require.NoError(t, waitReplay(t, replay))

	got := rec.all()
	require.Len(t, got, 2)
	assert.Equal(t, delivery{topic: "s/1", payload: "3", qos: packets.Qos0, retained: true}, got[0])
	assert.Equal(t, delivery{topic: "s/2", payload: "2", qos: packets.Qos0, retained: true}, got[1])
}

func TestResubscribeReplaysAgain(t *testing.T) {
	srv := testServer(t, nil)
	require.NoError(t, srv.PublishRetained("r/1", []byte("1"), packets.Qos0))
	require.NoError(t, srv.PublishRetained("r/2", []byte("2"), packets.Qos0))
	require.NoError(t, srv.Connect("c1"))

	rec := &recorder{}
	for i := 0; i < 2; i++ {
		replay, err := srv.Subscribe("c1", "r/#", packets.Qos0, rec)
		require.NoError(t, err)
		require.NoError(t, waitReplay(t, replay))
		assert.Equal(t, 2, replay.Delivered())
	}
	assert.Equal(t, map[string]int{"r/1": 2, "r/2": 2}, rec.count())
	assert.Len(t, srv.Sessions().Get("c1").Subscriptions(), 1)
}

func TestRemovedRetainedNotReplayed(t *testing.T) {
	srv := testServer(t, nil)
	require.NoError(t, srv.PublishRetained("d/1", []byte("1"), packets.Qos0))
	require.NoError(t, srv.PublishRetained("d/2", []byte("2"), packets.Qos0))
	require.NoError(t, srv.PublishRetained("d/1", nil, packets.Qos0))
	assert.Equal(t, 1, srv.Retained().Len())
	assert.Equal(t, float64(1), testutil.ToFloat64(srv.metrics.RetainedRemoved))

	require.NoError(t, srv.Connect("c1"))
	rec := &recorder{}
	replay, err := srv.Subscribe("c1", "d/#", packets.Qos0, rec)
	require.NoError(t, err)
	require.NoError(t, waitReplay(t, replay))
	assert.Equal(t, map[string]int{"d/2": 1}, rec.count())
}

func TestLivePublish(t *testing.T) {
	srv := testServer(t, nil)
	require.NoError(t, srv.Connect("c1"))
	rec := &recorder{}
	replay, err := srv.Subscribe("c1", "live/+", packets.Qos1, rec)
	require.NoError(t, err)
	require.NoError(t, waitReplay(t, replay))
	assert.Zero(t, replay.Matched())

	require.NoError(t, srv.PublishRetained("live/1", []byte("r"), packets.Qos1))
	require.NoError(t, srv.Publish(&models.Message{Topic: "live/2", Payload: []byte("p"), QoS: packets.Qos2}))
	require.NoError(t, srv.Publish(&models.Message{Topic: "other", Payload: []byte("p")}))

	require.Eventually(t, func() bool { return len(rec.all()) == 2 }, 5*time.Second, 10*time.Millisecond)
	got := rec.all()
	assert.Equal(t, delivery{topic: "live/1", payload: "r", qos: packets.Qos1}, got[0])
	assert.Equal(t, delivery{topic: "live/2", payload: "p", qos: packets.Qos1}, got[1])
	assert.NotNil(t, srv.Retained().Get("live/1"))
	assert.Nil(t, srv.Retained().Get("live/2"))
}

func TestOverlappingSubscriptionsDeliverOnce(t *testing.T) {
	srv := testServer(t, nil)
	require.NoError(t, srv.Connect("c1"))
	low, high := &recorder{}, &recorder{}
	_, err := srv.Subscribe("c1", "o/#", packets.Qos0, low)
	require.NoError(t, err)
	_, err = srv.Subscribe("c1", "o/+", packets.Qos1, high)
	require.NoError(t, err)

	require.NoError(t, srv.Publish(&models.Message{Topic: "o/x", Payload: []byte("p"), QoS: packets.Qos1}))
	require.Eventually(t, func() bool { return len(high.all()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, packets.Qos1, high.all()[0].qos)
	assert.Empty(t, low.all())
}

func TestQueueFullDrops(t *testing.T) {
	var dropped atomic.Int64
	srv := testServer(t, func(cfg *config.Config) {
		cfg.MQTT.MaxQueuedMsg = 1
	}, WithHook(WithOnMsgDropped(func(clientID string, msg *models.Message, err error) {
		if clientID == "c1" && errors.Is(err, errors.QueueDropQueueFull) {
			dropped.Add(1)
		}
	})))
	require.NoError(t, srv.Connect("c1"))
	sink := newBlockingSink()
	_, err := srv.Subscribe("c1", "q", packets.Qos0, sink)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, srv.Publish(&models.Message{Topic: "q", Payload: []byte("p")}))
	}
	// at most one in the sink and one in the queue
	assert.GreaterOrEqual(t, dropped.Load(), int64(3))
	assert.Equal(t, float64(dropped.Load()), testutil.ToFloat64(srv.metrics.MessagesDropped.WithLabelValues(metrics.ReasonQueueFull)))

	close(sink.release)
	require.Eventually(t, func() bool { return sink.n.Load()+dropped.Load() == 5 }, 5*time.Second, 10*time.Millisecond)
}

func TestInvalidArguments(t *testing.T) {
	srv := testServer(t, nil)
	rec := &recorder{}

	assert.ErrorIs(t, srv.PublishRetained("a/+", []byte("x"), packets.Qos0), errors.ErrInvalidTopic)
	assert.ErrorIs(t, srv.PublishRetained("", []byte("x"), packets.Qos0), errors.ErrInvalidTopic)
	assert.ErrorIs(t, srv.PublishRetained("a", []byte("x"), 3), errors.ErrInvalidQoS)

	_, err := srv.Subscribe("nobody", "a/#", packets.Qos0, rec)
	assert.ErrorIs(t, err, errors.ErrUnknownSession)
	assert.ErrorIs(t, srv.Unsubscribe("nobody", "a/#"), errors.ErrUnknownSession)

	require.NoError(t, srv.Connect("c1"))
	_, err = srv.Subscribe("c1", "a/#/b", packets.Qos0, rec)
	assert.ErrorIs(t, err, errors.ErrInvalidFilter)
	_, err = srv.Subscribe("c1", "a+", packets.Qos0, rec)
	assert.ErrorIs(t, err, errors.ErrInvalidFilter)
	_, err = srv.Subscribe("c1", "a", 3, rec)
	assert.ErrorIs(t, err, errors.ErrInvalidQoS)
	assert.ErrorIs(t, srv.Connect(""), errors.ErrInvalidClientID)

	// unknown filter is a no-op
	assert.NoError(t, srv.Unsubscribe("c1", "never/subscribed"))
}

func TestSubscribeHookSeesKnownSessionsOnly(t *testing.T) {
	var calls atomic.Int64
	srv := testServer(t, nil, WithHook(WithOnSubscribe(func(clientID string, sub *models.Subscription) error {
		calls.Add(1)
		return nil
	})))
	_, err := srv.Subscribe("nobody", "a/#", packets.Qos0, &recorder{})
	assert.ErrorIs(t, err, errors.ErrUnknownSession)
	assert.Zero(t, calls.Load())

	require.NoError(t, srv.Connect("c1"))
	_, err = srv.Subscribe("c1", "a/#", packets.Qos0, &recorder{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.Load())
}

func TestFeatureSwitches(t *testing.T) {
	srv := testServer(t, func(cfg *config.Config) {
		cfg.MQTT.RetainAvailable = false
		cfg.MQTT.WildcardAvailable = false
		cfg.MQTT.MaximumQoS = packets.Qos0
	})
	require.NoError(t, srv.Connect("c1"))
	assert.ErrorIs(t, srv.PublishRetained("a", []byte("x"), packets.Qos0), errors.ErrRetainUnavailable)
	_, err := srv.Subscribe("c1", "a/#", packets.Qos0, &recorder{})
	assert.ErrorIs(t, err, errors.ErrWildcardUnavailable)

	_, err = srv.Subscribe("c1", "a", packets.Qos1, &recorder{})
	require.NoError(t, err)
	sub, ok := srv.Sessions().Get("c1").Subscription("a")
	require.True(t, ok)
	assert.Equal(t, packets.Qos0, sub.Subscription.QoS)
}

func TestSystemTopicIsolation(t *testing.T) {
	srv := testServer(t, nil)
	require.NoError(t, srv.PublishRetained("$SYS/uptime", []byte("1"), packets.Qos0))
	require.NoError(t, srv.PublishRetained("a", []byte("2"), packets.Qos0))
	require.NoError(t, srv.Connect("c1"))

	all, sys := &recorder{}, &recorder{}
	replay, err := srv.Subscribe("c1", "#", packets.Qos0, all)
	require.NoError(t, err)
	require.NoError(t, waitReplay(t, replay))
	replay, err = srv.Subscribe("c1", "$SYS/#", packets.Qos0, sys)
	require.NoError(t, err)
	require.NoError(t, waitReplay(t, replay))

	assert.Equal(t, map[string]int{"a": 1}, all.count())
	assert.Equal(t, map[string]int{"$SYS/uptime": 1}, sys.count())
}

func TestPublishDuringSubscribe(t *testing.T) {
	srv := testServer(t, nil)
	const n = 2000
	for i := 0; i < n/2; i++ {
		require.NoError(t, srv.PublishRetained(fmt.Sprintf("c/%d", i), []byte("v"), packets.Qos0))
	}
	require.NoError(t, srv.Connect("c1"))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := n / 2; i < n; i++ {
			assert.NoError(t, srv.PublishRetained(fmt.Sprintf("c/%d", i), []byte("v"), packets.Qos0))
		}
	}()
	rec := &recorder{}
	replay, err := srv.Subscribe("c1", "c/#", packets.Qos0, rec)
	require.NoError(t, err)
	require.NoError(t, waitReplay(t, replay))
	wg.Wait()

	// every topic arrives, through the replay or live
	require.Eventually(t, func() bool { return len(rec.count()) == n }, 10*time.Second, 10*time.Millisecond)
}

func TestDisconnectStopsReplay(t *testing.T) {
	var replayErr atomic.Value
	srv := testServer(t, func(cfg *config.Config) {
		cfg.MQTT.MaxQueuedMsg = 1
	}, WithHook(WithOnRetainedReplayed(func(clientID string, topicFilter string, queued int, err error) {
		if err != nil {
			replayErr.Store(err)
		}
	})))
	for i := 0; i < 100; i++ {
		require.NoError(t, srv.PublishRetained(fmt.Sprintf("x/%d", i), []byte("v"), packets.Qos0))
	}
	require.NoError(t, srv.Connect("c1"))
	sink := newBlockingSink()
	replay, err := srv.Subscribe("c1", "x/#", packets.Qos0, sink)
	require.NoError(t, err)

	<-sink.entered
	srv.Disconnect("c1")
	srv.Disconnect("c1")
	close(sink.release)

	err = waitReplay(t, replay)
	assert.ErrorIs(t, err, errors.ErrSessionClosed)
	assert.Less(t, replay.Queued(), 100)
	assert.LessOrEqual(t, sink.n.Load(), int64(2))
	assert.Nil(t, srv.Sessions().Get("c1"))
	assert.ErrorIs(t, replayErr.Load().(error), errors.ErrSessionClosed)
	assert.Positive(t, testutil.ToFloat64(srv.metrics.MessagesDropped.WithLabelValues(metrics.ReasonSessionClosed)))
}

func TestReplayDeadline(t *testing.T) {
	srv := testServer(t, func(cfg *config.Config) {
		cfg.MQTT.MaxQueuedMsg = 1
		cfg.MQTT.RetainedDeliveryTimeout = consts.Duration(100 * time.Millisecond)
	})
	for i := 0; i < 10; i++ {
		require.NoError(t, srv.PublishRetained(fmt.Sprintf("t/%d", i), []byte("v"), packets.Qos0))
	}
	require.NoError(t, srv.Connect("c1"))
	sink := newBlockingSink()
	replay, err := srv.Subscribe("c1", "t/#", packets.Qos0, sink)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(srv.metrics.MessagesDropped.WithLabelValues(metrics.ReasonReplayTimeout)) > 0
	}, 5*time.Second, 10*time.Millisecond)
	close(sink.release)

	assert.ErrorIs(t, waitReplay(t, replay), context.DeadlineExceeded)
	assert.Equal(t, 10, replay.Matched())
	assert.Less(t, replay.Queued(), 10)
	// the session outlives the replay
	assert.NotNil(t, srv.Sessions().Get("c1"))
}

func TestTakeOver(t *testing.T) {
	var closed atomic.Int64
	srv := testServer(t, nil, WithHook(WithOnClosed(func(clientID string) {
		closed.Add(1)
	})))
	require.NoError(t, srv.Connect("c1"))
	old := &recorder{}
	_, err := srv.Subscribe("c1", "a", packets.Qos0, old)
	require.NoError(t, err)
	first := srv.Sessions().Get("c1")

	require.NoError(t, srv.Connect("c1"))
	assert.Equal(t, int64(1), closed.Load())
	assert.True(t, first.Closed())
	assert.NotSame(t, first, srv.Sessions().Get("c1"))
	assert.Empty(t, srv.Sessions().Get("c1").Subscriptions())
	assert.Equal(t, 1, srv.Sessions().Len())

	require.NoError(t, srv.Publish(&models.Message{Topic: "a", Payload: []byte("p")}))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, old.all())
}

func TestUnsubscribe(t *testing.T) {
	var unsubscribed atomic.Int64
	srv := testServer(t, nil, WithHook(WithOnUnsubscribed(func(clientID string, topicFilter string) {
		unsubscribed.Add(1)
	})))
	require.NoError(t, srv.Connect("c1"))
	rec := &recorder{}
	_, err := srv.Subscribe("c1", "u/+", packets.Qos0, rec)
	require.NoError(t, err)
	require.NoError(t, srv.Unsubscribe("c1", "u/+"))
	require.NoError(t, srv.Unsubscribe("c1", "u/+"))
	assert.Equal(t, int64(1), unsubscribed.Load())

	require.NoError(t, srv.Publish(&models.Message{Topic: "u/1", Payload: []byte("p")}))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.all())
}

func TestStoppedServer(t *testing.T) {
	srv := testServer(t, nil)
	require.NoError(t, srv.Connect("c1"))
	srv.Stop()
	assert.ErrorIs(t, srv.Connect("c2"), errors.ErrServerStopped)
	assert.ErrorIs(t, srv.Start(), errors.ErrServerStopped)
	assert.Zero(t, srv.Sessions().Len())
}

// TestConnectionChurn opens and closes raw connections back to back, the io
// buffers of a closed connection go back to the pool only once its loops are gone.
func TestConnectionChurn(t *testing.T) {
	srv := testServer(t, func(cfg *config.Config) {
		cfg.Server.TCP = &config.TCPListen{Listen: "127.0.0.1:0"}
	})
	for i := 0; i < 50; i++ {
		conn, err := net.Dial("tcp", srv.Addr().String())
		require.NoError(t, err)
		id := fmt.Sprintf("churn-%d", i)
		connect := []byte{0x10, byte(12 + len(id)), 0x00, 0x04, 'M', 'Q', 'T', 'T', 0x04, 0x02, 0x00, 0x3c, 0x00, byte(len(id))}
		_, err = conn.Write(append(connect, id...))
		require.NoError(t, err)
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		connack := make([]byte, 4)
		_, err = io.ReadFull(conn, connack)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x20, 0x02, 0x00, 0x00}, connack)
		_, err = conn.Write([]byte{0xe0, 0x00})
		require.NoError(t, err)
		_ = conn.Close()
	}
	require.Eventually(t, func() bool {
		return srv.clientLen() == 0 && srv.Sessions().Len() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWebsocketTransport(t *testing.T) {
	srv := testServer(t, func(cfg *config.Config) {
		cfg.Server.Websocket = &config.WebsocketListen{Listen: "127.0.0.1:0", Path: "/mqtt"}
	})
	require.NoError(t, srv.PublishRetained("ws/a", []byte("hello"), packets.Qos1))

	opts := mqtt.NewClientOptions().
		AddBroker("ws://" + srv.wsListener.Addr + "/mqtt").
		SetClientID("ws-client").
		SetAutoReconnect(false)
	c := mqtt.NewClient(opts)
	tok := c.Connect()
	require.True(t, tok.WaitTimeout(5*time.Second))
	require.NoError(t, tok.Error())
	defer c.Disconnect(250)

	got := make(chan mqtt.Message, 1)
	tok = c.Subscribe("ws/#", 1, func(_ mqtt.Client, msg mqtt.Message) { got <- msg })
	require.True(t, tok.WaitTimeout(5*time.Second))
	require.NoError(t, tok.Error())
	select {
	case msg := <-got:
		assert.Equal(t, "ws/a", msg.Topic())
		assert.Equal(t, "hello", string(msg.Payload()))
		assert.True(t, msg.Retained())
	case <-time.After(5 * time.Second):
		t.Fatal("retained message didn't arrive over websocket")
	}

	resp, err := http.Get("http://" + srv.wsListener.Addr + "/mqtt")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := testServer(t, func(cfg *config.Config) {
		cfg.Server.Metrics = &config.MetricsListen{Listen: "127.0.0.1:0", Path: "/metrics"}
	})
	require.NoError(t, srv.PublishRetained("m/a", []byte("x"), packets.Qos0))

	resp, err := http.Get("http://" + srv.metricsListener.Addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "zmqx_retained_messages 1")
	assert.Contains(t, string(body), "zmqx_retained_published_total 1")
}
