package memory

import (
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhimiaox/zmqx-retain/models"
	"github.com/zhimiaox/zmqx-retain/persistence"
	"github.com/zhimiaox/zmqx-retain/topic"
)

var _ persistence.Retained = (*retained)(nil)

// shard holds the records whose topic shares the first level, with their index.
// Records and index change under the same lock.
type shard struct {
	sync.RWMutex
	records map[string]*models.Message
	trie    *retainTrie
}

// retained implement the persistence.Retained, it shards the records by the first topic level.
// Shards are never removed, the number of first levels is small in practice.
type retained struct {
	mu     sync.RWMutex
	shards map[string]*shard

	sequence atomic.Uint64
	count    atomic.Int64
	logger   *slog.Logger
}

func newRetained(logger *slog.Logger) *retained {
	return &retained{
		shards: make(map[string]*shard),
		logger: logger,
	}
}

func (t *retained) getShard(key string, create bool) *shard {
	t.mu.RLock()
	s := t.shards[key]
	t.mu.RUnlock()
	if s != nil || !create {
		return s
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if s = t.shards[key]; s == nil {
		s = &shard{
			records: make(map[string]*models.Message),
			trie:    newRetainTrie(),
		}
		t.shards[key] = s
	}
	return s
}

// sortedShards returns the shards in key order, skipping system shards when asked.
func (t *retained) sortedShards(skipSystem bool) []*shard {
	t.mu.RLock()
	defer t.mu.RUnlock()
	keys := make([]string, 0, len(t.shards))
	for k := range t.shards {
		if skipSystem && topic.IsSystem(k) {
			continue
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)
	rs := make([]*shard, len(keys))
	for i, k := range keys {
		rs[i] = t.shards[k]
	}
	return rs
}

// Publish add or replace a retain message.
func (t *retained) Publish(message *models.Message) bool {
	name, err := topic.ParseName(message.Topic)
	if err != nil {
		t.logger.Warn("retained publish invalid topic", "topic", message.Topic, "err", err)
		return false
	}
	if len(message.Payload) == 0 {
		return t.remove(name)
	}
	levels := name.Levels()
	record := message.Copy()
	record.Retained = true
	record.PacketID = 0
	record.Dup = false
	if record.PublishedAt.IsZero() {
		record.PublishedAt = time.Now()
	}
	s := t.getShard(levels[0], true)
	s.Lock()
	defer s.Unlock()
	record.Sequence = t.sequence.Add(1)
	if _, ok := s.records[record.Topic]; !ok {
		s.trie.add(record.Topic, levels[1:])
		t.count.Add(1)
	}
	s.records[record.Topic] = record
	return false
}

// Remove the retain message of the topic name.
func (t *retained) Remove(topicName string) bool {
	name, err := topic.ParseName(topicName)
	if err != nil {
		return false
	}
	return t.remove(name)
}

func (t *retained) remove(name topic.Name) bool {
	levels := name.Levels()
	s := t.getShard(levels[0], false)
	if s == nil {
		return false
	}
	s.Lock()
	defer s.Unlock()
	if _, ok := s.records[name.String()]; !ok {
		return false
	}
	delete(s.records, name.String())
	s.trie.remove(levels[1:])
	t.count.Add(-1)
	return true
}

func (t *retained) Get(topicName string) *models.Message {
	key, _, _ := strings.Cut(topicName, topic.Separator)
	s := t.getShard(key, false)
	if s == nil {
		return nil
	}
	s.RLock()
	defer s.RUnlock()
	if msg := s.records[topicName]; msg != nil {
		return msg.Copy()
	}
	return nil
}

// Match returns all topics that match the topic filter.
func (t *retained) Match(filter topic.Filter) []string {
	levels := filter.Levels()
	if len(levels) == 0 {
		return nil
	}
	var rs []string
	if filter.LeadingWildcard() {
		rest := levels[1:]
		if levels[0] == topic.MultiWildcard {
			rest = levels
		}
		for _, s := range t.sortedShards(true) {
			s.RLock()
			rs = s.trie.matchTopic(rest, rs)
			s.RUnlock()
		}
		return rs
	}
	s := t.getShard(levels[0], false)
	if s == nil {
		return nil
	}
	s.RLock()
	defer s.RUnlock()
	return s.trie.matchTopic(levels[1:], rs)
}

// Snapshot read-locks every shard in key order and copies the records.
// Writers only ever hold one shard lock, so the lock order can not deadlock.
func (t *retained) Snapshot() iter.Seq[*models.Message] {
	shards := t.sortedShards(false)
	var rs []*models.Message
	for _, s := range shards {
		s.RLock()
	}
	for _, s := range shards {
		for _, msg := range s.records {
			rs = append(rs, msg.Copy())
		}
	}
	for i := len(shards) - 1; i >= 0; i-- {
		shards[i].RUnlock()
	}
	slices.SortFunc(rs, func(a, b *models.Message) int {
		switch {
		case a.Sequence < b.Sequence:
			return -1
		case a.Sequence > b.Sequence:
			return 1
		}
		return 0
	})
	return slices.Values(rs)
}

func (t *retained) Len() int {
	return int(t.count.Load())
}
