package redis

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zhimiaox/zmqx-retain/errors"
	"github.com/zhimiaox/zmqx-retain/models"
	"github.com/zhimiaox/zmqx-retain/persistence"
	"github.com/zhimiaox/zmqx-retain/topic"
)

var _ persistence.Retained = (*retained)(nil)

// publishScript stores the record and registers every level of the topic in the trie sets.
// KEYS: data, seq, trie-root, trie:P1 .. trie:Pn-1
// ARGV: topic, message, level1 .. leveln
var publishScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[2])
redis.call('HSET', KEYS[1], ARGV[1], seq .. ':' .. ARGV[2])
redis.call('SADD', KEYS[3], ARGV[3])
for d = 1, #ARGV - 3 do
	redis.call('SADD', KEYS[3 + d], ARGV[3 + d])
end
return seq
`)

// removeScript deletes the record and prunes the trie branches left without topics.
// KEYS: data, trie-root, trie:P1 .. trie:Pn
// ARGV: topic, level1 .. leveln
var removeScript = redis.NewScript(`
if redis.call('HDEL', KEYS[1], ARGV[1]) == 0 then
	return 0
end
local n = #ARGV - 1
local prefixes = {}
local p = ARGV[2]
prefixes[1] = p
for d = 2, n do
	p = p .. '/' .. ARGV[1 + d]
	prefixes[d] = p
end
for d = n, 1, -1 do
	if redis.call('SCARD', KEYS[2 + d]) > 0 or redis.call('HEXISTS', KEYS[1], prefixes[d]) == 1 then
		break
	end
	redis.call('SREM', KEYS[1 + d], ARGV[1 + d])
end
return 1
`)

// retained implement the persistence.Retained on a redis hash, it use a trie of redis sets to match filters.
// The hash makes Len and Snapshot single commands, the scripts keep hash and trie consistent.
type retained struct {
	rdb     redis.UniversalClient
	timeout time.Duration
	logger  *slog.Logger
}

func (p *persistenceImpl) newRetained() *retained {
	return &retained{
		rdb:     p.rdb,
		timeout: time.Duration(p.cfg.MQTT.RetainedDeliveryTimeout),
		logger:  p.logger.With("persistence", "retained"),
	}
}

func (t *retained) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), t.timeout)
}

// trieKeys returns the trie set of every proper prefix of levels, and of the full topic when full is set.
func trieKeys(levels []string, full bool) []string {
	n := len(levels) - 1
	if full {
		n++
	}
	keys := make([]string, 0, n)
	prefix := &strings.Builder{}
	for i := 0; i < n; i++ {
		if i > 0 {
			prefix.WriteString(topic.Separator)
		}
		prefix.WriteString(levels[i])
		keys = append(keys, retainedTrieKey+prefix.String())
	}
	return keys
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
	record := message.Copy()
	record.Retained = true
	if record.PublishedAt.IsZero() {
		record.PublishedAt = time.Now()
	}
	b := &bytes.Buffer{}
	models.EncodeMessage(record, b)

	levels := name.Levels()
	keys := append([]string{retainedDataKey, retainedSeqKey, retainedTrieRootKey}, trieKeys(levels, false)...)
	args := make([]any, 0, len(levels)+2)
	args = append(args, record.Topic, b.String())
	for _, lv := range levels {
		args = append(args, lv)
	}
	ctx, cancel := t.context()
	defer cancel()
	if err = publishScript.Run(ctx, t.rdb, keys, args...).Err(); err != nil {
		t.logger.Error("retained data store err", "topic", record.Topic, "err", err)
	}
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
	keys := append([]string{retainedDataKey, retainedTrieRootKey}, trieKeys(levels, true)...)
	args := make([]any, 0, len(levels)+1)
	args = append(args, name.String())
	for _, lv := range levels {
		args = append(args, lv)
	}
	ctx, cancel := t.context()
	defer cancel()
	removed, err := removeScript.Run(ctx, t.rdb, keys, args...).Int()
	if err != nil {
		t.logger.Error("retained data remove err", "topic", name.String(), "err", err)
		return false
	}
	return removed == 1
}

func (t *retained) Get(topicName string) *models.Message {
	ctx, cancel := t.context()
	defer cancel()
	data, err := t.rdb.HGet(ctx, retainedDataKey, topicName).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			t.logger.Error("retained data get err", "topic", topicName, "err", err)
		}
		return nil
	}
	msg, err := decodeRecord(data)
	if err != nil {
		t.logger.Error("retained data decode err", "topic", topicName, "err", err)
		return nil
	}
	return msg
}

// Match walks the trie sets one level at a time, each level is a pipelined round trip,
// then drops the prefixes that hold no record. Topics come back in level order,
// the order of the memory store.
func (t *retained) Match(filter topic.Filter) []string {
	ctx, cancel := t.context()
	defer cancel()
	candidates, err := t.walk(ctx, filter.Levels())
	if err != nil {
		t.logger.Error("retained trie walk err", "filter", filter.String(), "err", err)
		return nil
	}
	if len(candidates) == 0 {
		return nil
	}
	rs := make([]string, 0, len(candidates))
	for chunk := range slices.Chunk(candidates, pipelineBatch) {
		exists, err := t.rdb.HMGet(ctx, retainedDataKey, chunk...).Result()
		if err != nil {
			t.logger.Error("retained data exists err", "filter", filter.String(), "err", err)
			return nil
		}
		for i, v := range exists {
			if v != nil {
				rs = append(rs, chunk[i])
			}
		}
	}
	slices.SortFunc(rs, compareLevels)
	return rs
}

// pipelineBatch bounds the commands sent in one pipeline.
const pipelineBatch = 512

// trieNode is a visited node of the redis trie, prefix is the topic up to it.
type trieNode struct {
	prefix string
	root   bool
}

func (n trieNode) setKey() string {
	if n.root {
		return retainedTrieRootKey
	}
	return retainedTrieKey + n.prefix
}

func (n trieNode) child(lv string) trieNode {
	if n.root {
		return trieNode{prefix: lv}
	}
	return trieNode{prefix: n.prefix + topic.Separator + lv}
}

// walk returns the prefixes of the trie matching filter, breadth first.
func (t *retained) walk(ctx context.Context, filter []string) ([]string, error) {
	nodes := []trieNode{{root: true}}
	for i, lv := range filter {
		if len(nodes) == 0 {
			return nil, nil
		}
		switch lv {
		case topic.MultiWildcard:
			var rs []string
			for len(nodes) > 0 {
				for _, n := range nodes {
					// the multi level wildcard matches the parent level too
					if !n.root {
						rs = append(rs, n.prefix)
					}
				}
				next, err := t.children(ctx, nodes)
				if err != nil {
					return nil, err
				}
				nodes = next
			}
			return rs, nil
		case topic.SingleWildcard:
			next, err := t.children(ctx, nodes)
			if err != nil {
				return nil, err
			}
			nodes = next
		default:
			next, err := t.child(ctx, nodes, filter[i])
			if err != nil {
				return nil, err
			}
			nodes = next
		}
	}
	rs := make([]string, 0, len(nodes))
	for _, n := range nodes {
		rs = append(rs, n.prefix)
	}
	return rs, nil
}

// children fetches every child of nodes. A leading wildcard never reaches system topics.
func (t *retained) children(ctx context.Context, nodes []trieNode) ([]trieNode, error) {
	var next []trieNode
	for chunk := range slices.Chunk(nodes, pipelineBatch) {
		cmds := make([]*redis.StringSliceCmd, len(chunk))
		_, err := t.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, n := range chunk {
				cmds[i] = pipe.SMembers(ctx, n.setKey())
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		for i, n := range chunk {
			for _, lv := range cmds[i].Val() {
				if n.root && topic.IsSystem(lv) {
					continue
				}
				next = append(next, n.child(lv))
			}
		}
	}
	return next, nil
}

// child keeps the nodes having lv as a child and steps into it.
func (t *retained) child(ctx context.Context, nodes []trieNode, lv string) ([]trieNode, error) {
	var next []trieNode
	for chunk := range slices.Chunk(nodes, pipelineBatch) {
		cmds := make([]*redis.BoolCmd, len(chunk))
		_, err := t.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, n := range chunk {
				cmds[i] = pipe.SIsMember(ctx, n.setKey(), lv)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		for i, n := range chunk {
			if cmds[i].Val() {
				next = append(next, n.child(lv))
			}
		}
	}
	return next, nil
}

// compareLevels orders topic names level by level, a parent before its children.
func compareLevels(a, b string) int {
	for {
		la, ra, moreA := strings.Cut(a, topic.Separator)
		lb, rb, moreB := strings.Cut(b, topic.Separator)
		if c := strings.Compare(la, lb); c != 0 {
			return c
		}
		switch {
		case !moreA && !moreB:
			return 0
		case !moreA:
			return -1
		case !moreB:
			return 1
		}
		a, b = ra, rb
	}
}

func (t *retained) Snapshot() iter.Seq[*models.Message] {
	ctx, cancel := t.context()
	defer cancel()
	all, err := t.rdb.HGetAll(ctx, retainedDataKey).Result()
	if err != nil {
		t.logger.Error("retained snapshot err", "err", err)
		return func(func(*models.Message) bool) {}
	}
	rs := make([]*models.Message, 0, len(all))
	for name, data := range all {
		msg, err := decodeRecord(data)
		if err != nil {
			t.logger.Error("retained data decode err", "topic", name, "err", err)
			continue
		}
		rs = append(rs, msg)
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
	ctx, cancel := t.context()
	defer cancel()
	n, err := t.rdb.HLen(ctx, retainedDataKey).Result()
	if err != nil {
		t.logger.Error("retained len err", "err", err)
		return 0
	}
	return int(n)
}

// decodeRecord parses the "<sequence>:<message>" hash value.
func decodeRecord(data string) (*models.Message, error) {
	seq, encoded, ok := strings.Cut(data, ":")
	if !ok {
		return nil, fmt.Errorf("retained record without sequence: %w", errors.ErrMalformed)
	}
	sequence, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return nil, err
	}
	msg, err := models.DecodeMessage(bytes.NewBufferString(encoded))
	if err != nil {
		return nil, err
	}
	msg.Sequence = sequence
	return msg, nil
}
