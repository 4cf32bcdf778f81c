package session

// subscriptionTrie indexes the live subscriptions by filter level.
type subscriptionTrie struct {
	children map[string]*subscriptionTrie
	// clients store the subscribers of the filter ending at this node, key by client id
	clients map[string]*Subscriber
	parent  *subscriptionTrie // pointer of parent node
}

// newTopicTrie create a new trie tree
func newTopicTrie() *subscriptionTrie {
	return &subscriptionTrie{
		children: make(map[string]*subscriptionTrie),
		clients:  make(map[string]*Subscriber),
	}
}

// newChild create a child node of t
func (t *subscriptionTrie) newChild() *subscriptionTrie {
	n := newTopicTrie()
	n.parent = t
	return n
}

// subscribe add a subscription and return the added node
func (t *subscriptionTrie) subscribe(clientID string, s *Subscriber) *subscriptionTrie {
	var pNode = t
	for _, lv := range s.Subscription.Filter.Levels() {
		if _, ok := pNode.children[lv]; !ok {
			pNode.children[lv] = pNode.newChild()
		}
		pNode = pNode.children[lv]
	}
	pNode.clients[clientID] = s
	return pNode
}

// unsubscribe removes the subscriber of clientID and prunes the empty branch
func (t *subscriptionTrie) unsubscribe(clientID string, levels []string) {
	var pNode = t
	for _, lv := range levels {
		if _, ok := pNode.children[lv]; ok {
			pNode = pNode.children[lv]
		} else {
			return
		}
	}
	delete(pNode.clients, clientID)
	for i := len(levels) - 1; i >= 0 && pNode.parent != nil; i-- {
		if len(pNode.clients) != 0 || len(pNode.children) != 0 {
			return
		}
		pNode = pNode.parent
		delete(pNode.children, levels[i])
	}
}

// setRs hands every subscriber of node to fn
func (t *subscriptionTrie) setRs(node *subscriptionTrie, fn func(*Subscriber) bool) bool {
	for _, s := range node.clients {
		if !fn(s) {
			return false
		}
	}
	return true
}

// matchTopic calls fn for every subscriber whose filter matches topicSlice.
// Returning false from fn stops the walk.
func (t *subscriptionTrie) matchTopic(topicSlice []string, fn func(*Subscriber) bool) bool {
	endFlag := len(topicSlice) == 1
	if childNode := t.children["#"]; childNode != nil {
		if !t.setRs(childNode, fn) {
			return false
		}
	}
	if childNode := t.children["+"]; childNode != nil {
		if !childNode.matchNext(topicSlice, endFlag, fn) {
			return false
		}
	}
	if childNode := t.children[topicSlice[0]]; childNode != nil {
		if !childNode.matchNext(topicSlice, endFlag, fn) {
			return false
		}
	}
	return true
}

func (t *subscriptionTrie) matchNext(topicSlice []string, endFlag bool, fn func(*Subscriber) bool) bool {
	if !endFlag {
		return t.matchTopic(topicSlice[1:], fn)
	}
	if !t.setRs(t, fn) {
		return false
	}
	// the multi level wildcard matches the parent level too
	if n := t.children["#"]; n != nil {
		return t.setRs(n, fn)
	}
	return true
}
