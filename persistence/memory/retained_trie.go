package memory

import (
	"slices"
)

// retainTrie is the filter matching index of one shard. The root node stands
// for the first topic level, the shard key. Nodes only hold topic keys,
// the records live in the shard map.
type retainTrie struct {
	children map[string]*retainTrie
	// keys are the children names in lexicographic order
	keys []string
	// topicName is set when a record is stored under this node
	topicName string
}

// newRetainTrie create a new trie tree
func newRetainTrie() *retainTrie {
	return &retainTrie{
		children: make(map[string]*retainTrie),
	}
}

// add inserts the topic, levels excludes the shard key.
func (t *retainTrie) add(topicName string, levels []string) {
	pNode := t
	for _, lv := range levels {
		n, ok := pNode.children[lv]
		if !ok {
			n = newRetainTrie()
			pNode.children[lv] = n
			i, _ := slices.BinarySearch(pNode.keys, lv)
			pNode.keys = slices.Insert(pNode.keys, i, lv)
		}
		pNode = n
	}
	pNode.topicName = topicName
}

// remove clears the topic and prunes the branches left without topics.
func (t *retainTrie) remove(levels []string) {
	path := make([]*retainTrie, 0, len(levels)+1)
	pNode := t
	path = append(path, pNode)
	for _, lv := range levels {
		n, ok := pNode.children[lv]
		if !ok {
			return
		}
		pNode = n
		path = append(path, pNode)
	}
	pNode.topicName = ""
	for i := len(path) - 1; i > 0; i-- {
		n := path[i]
		if n.topicName != "" || len(n.children) > 0 {
			return
		}
		path[i-1].removeChild(levels[i-1])
	}
}

func (t *retainTrie) removeChild(lv string) {
	delete(t.children, lv)
	if i, ok := slices.BinarySearch(t.keys, lv); ok {
		t.keys = slices.Delete(t.keys, i, i+1)
	}
}

// matchTopic walk through the tire and append each topic witch match the remaining filter levels.
func (t *retainTrie) matchTopic(filter []string, rs []string) []string {
	if len(filter) == 0 {
		if t.topicName != "" {
			rs = append(rs, t.topicName)
		}
		return rs
	}
	switch filter[0] {
	case "#":
		// the parent level matches too
		return t.preOrderTraverse(rs)
	case "+":
		// match all the current layer
		for _, lv := range t.keys {
			rs = t.children[lv].matchTopic(filter[1:], rs)
		}
	default:
		if n := t.children[filter[0]]; n != nil {
			rs = n.matchTopic(filter[1:], rs)
		}
	}
	return rs
}

func (t *retainTrie) preOrderTraverse(rs []string) []string {
	if t.topicName != "" {
		rs = append(rs, t.topicName)
	}
	for _, lv := range t.keys {
		rs = t.children[lv].preOrderTraverse(rs)
	}
	return rs
}
