package session

import (
	"io"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhimiaox/zmqx-retain/errors"
	"github.com/zhimiaox/zmqx-retain/models"
	"github.com/zhimiaox/zmqx-retain/persistence"
	"github.com/zhimiaox/zmqx-retain/persistence/memory"
	"github.com/zhimiaox/zmqx-retain/topic"
)

type queues int

func (n queues) Queue(clientID string) persistence.Queue {
	return memory.NewQueue(clientID, int(n))
}

func newTestRegistry(maxQueued int) *Registry {
	return NewRegistry(queues(maxQueued), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type recorder struct {
	mu     sync.Mutex
	topics []string
	got    chan struct{}
}

func newRecorder() *recorder {
	return &recorder{got: make(chan struct{}, 1024)}
}

func (r *recorder) Deliver(topicName string, _ []byte, _ uint8, _ bool) {
	r.mu.Lock()
	r.topics = append(r.topics, topicName)
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *recorder) wait(t *testing.T, n int) []string {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.got:
		case <-time.After(time.Second):
			t.Fatalf("delivered %d of %d", i, n)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.topics...)
}

func matched(r *Registry, name string) []string {
	var rs []string
	r.Match(topic.MustParseName(name), func(s *Subscriber) bool {
		rs = append(rs, s.Session.ClientID()+":"+s.Subscription.TopicFilter)
		return true
	})
	sort.Strings(rs)
	return rs
}

func TestRegistrySubscribe(t *testing.T) {
	r := newTestRegistry(10)
	_, _, err := r.Subscribe("nobody", topic.MustParseFilter("a"), 0, nil)
	assert.ErrorIs(t, err, errors.ErrUnknownSession)

	r.Connect("c1")
	r.Connect("c2")
	_, res, err := r.Subscribe("c1", topic.MustParseFilter("a/#"), 1, nil)
	require.NoError(t, err)
	assert.False(t, res.AlreadyExisted)
	assert.EqualValues(t, 1, res.Subscription.QoS)
	_, res, err = r.Subscribe("c1", topic.MustParseFilter("a/#"), 0, nil)
	require.NoError(t, err)
	assert.True(t, res.AlreadyExisted)
	_, _, err = r.Subscribe("c2", topic.MustParseFilter("+/b"), 0, nil)
	require.NoError(t, err)
	_, _, err = r.Subscribe("c2", topic.MustParseFilter("$SYS/+"), 0, nil)
	require.NoError(t, err)
	_, _, err = r.Subscribe("c2", topic.MustParseFilter("#"), 0, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"c1:a/#", "c2:#", "c2:+/b"}, matched(r, "a/b"))
	assert.Equal(t, []string{"c1:a/#", "c2:#"}, matched(r, "a"))
	assert.Equal(t, []string{"c2:$SYS/+"}, matched(r, "$SYS/x"))
	assert.Equal(t, []string{"c2:#"}, matched(r, "b"))

	sub, ok := r.Get("c1").Subscription("a/#")
	require.True(t, ok)
	assert.EqualValues(t, 0, sub.Subscription.QoS)
	assert.Len(t, r.Get("c2").Subscriptions(), 3)

	removed, err := r.Unsubscribe("c2", "#")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = r.Unsubscribe("c2", "#")
	require.NoError(t, err)
	assert.False(t, removed)
	_, err = r.Unsubscribe("nobody", "#")
	assert.ErrorIs(t, err, errors.ErrUnknownSession)
	assert.Equal(t, []string{"c1:a/#"}, matched(r, "a"))
}

func TestRegistryDisconnect(t *testing.T) {
	r := newTestRegistry(10)
	s, takenOver := r.Connect("c1")
	assert.False(t, takenOver)
	_, _, err := r.Subscribe("c1", topic.MustParseFilter("a/+"), 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Len())

	assert.True(t, r.Disconnect("c1"))
	assert.False(t, r.Disconnect("c1"))
	assert.True(t, s.Closed())
	assert.Nil(t, r.Get("c1"))
	assert.Empty(t, matched(r, "a/b"))
	assert.Empty(t, r.userTrie.children)
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("drain loop still running")
	}
	assert.ErrorIs(t, s.Enqueue(&models.Message{Topic: "a/b"}, nil), errors.QueueClosed)
}

func TestRegistryTakeOver(t *testing.T) {
	r := newTestRegistry(10)
	old, _ := r.Connect("c1")
	_, _, err := r.Subscribe("c1", topic.MustParseFilter("a"), 0, nil)
	require.NoError(t, err)

	s, takenOver := r.Connect("c1")
	assert.True(t, takenOver)
	assert.True(t, old.Closed())
	assert.False(t, s.Closed())
	assert.Empty(t, matched(r, "a"))

	// the old connection going away leaves the new session alone
	assert.False(t, r.DisconnectSession(old))
	assert.Same(t, s, r.Get("c1"))
	assert.True(t, r.DisconnectSession(s))
	assert.Equal(t, 0, r.Len())
}

func TestRegistryConcurrentSubscribe(t *testing.T) {
	const clients = 16
	r := newTestRegistry(10)
	for i := 0; i < clients; i++ {
		r.Connect("c" + strconv.Itoa(i))
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				matched(r, "a/b")
			}
		}
	}()
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(clientID string) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _, err := r.Subscribe(clientID, topic.MustParseFilter("a/+"), 0, nil)
				assert.NoError(t, err)
				_, _, err = r.Subscribe(clientID, topic.MustParseFilter("a/#"), 1, nil)
				assert.NoError(t, err)
				_, err = r.Unsubscribe(clientID, "a/+")
				assert.NoError(t, err)
			}
		}("c" + strconv.Itoa(i))
	}
	wg.Wait()
	close(stop)

	rs := matched(r, "a/b")
	assert.Len(t, rs, clients)
	for _, m := range rs {
		assert.Contains(t, m, ":a/#")
	}
	r.Close()
	assert.Empty(t, matched(r, "a/b"))
	assert.Empty(t, r.userTrie.children)
}

func TestSessionDeliversInOrder(t *testing.T) {
	r := newTestRegistry(100)
	s, _ := r.Connect("c1")
	rec := newRecorder()
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, s.Enqueue(&models.Message{Topic: name}, rec))
	}
	assert.Equal(t, []string{"a", "b", "c"}, rec.wait(t, 3))

	// a sink disconnecting its own session does not deadlock
	stop := SinkFunc(func(string, []byte, uint8, bool) { r.Disconnect("c1") })
	require.NoError(t, s.Enqueue(&models.Message{Topic: "d"}, stop))
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("drain loop still running")
	}
}

func TestSessionEnqueueWait(t *testing.T) {
	r := newTestRegistry(1)
	s, _ := r.Connect("c1")
	block := make(chan struct{})
	first := SinkFunc(func(string, []byte, uint8, bool) { <-block })
	require.NoError(t, s.Enqueue(&models.Message{Topic: "a"}, first))
	// wait for the drain loop to pick up a, then fill the queue
	require.Eventually(t, func() bool { return s.QueueLen() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, s.Enqueue(&models.Message{Topic: "b"}, first))
	assert.ErrorIs(t, s.Enqueue(&models.Message{Topic: "c"}, first), errors.QueueDropQueueFull)

	done := make(chan error, 1)
	go func() {
		done <- s.EnqueueWait(t.Context(), &models.QueueElem{Message: &models.Message{Topic: "c"}})
	}()
	r.Disconnect("c1")
	assert.Error(t, <-done)
	close(block)
}
