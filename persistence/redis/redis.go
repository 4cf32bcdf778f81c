package redis

import (
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/zhimiaox/zmqx-retain/config"
	"github.com/zhimiaox/zmqx-retain/consts"
	"github.com/zhimiaox/zmqx-retain/persistence"
	"github.com/zhimiaox/zmqx-retain/persistence/memory"
)

// Every retained key carries the {retained} hash tag so the scripts touch a single cluster slot.
const (
	retainedPrefix = consts.GlobalPrefix + ":{retained}"
	// topic => "<sequence>:<message>" 保留消息
	retainedDataKey = retainedPrefix + ":data"
	// last issued sequence
	retainedSeqKey = retainedPrefix + ":seq"
	// first levels
	retainedTrieRootKey = retainedPrefix + ":trie-root"
	// topic prefix => child levels
	retainedTrieKey = retainedPrefix + ":trie:"
)

type persistenceImpl struct {
	rdb redis.UniversalClient

	retainedStore *retained
	cfg           *config.Config
	logger        *slog.Logger
}

func (p *persistenceImpl) Retained() persistence.Retained {
	return p.retainedStore
}

// Queue returns an in-memory queue, session queues never leave the node.
func (p *persistenceImpl) Queue(clientID string) persistence.Queue {
	return memory.NewQueue(clientID, p.cfg.MQTT.MaxQueuedMsg)
}

func (p *persistenceImpl) Close() error {
	return p.rdb.Close()
}

func New(rdb redis.UniversalClient, cfg *config.Config, logger *slog.Logger) persistence.Persistence {
	impl := &persistenceImpl{
		rdb:    rdb,
		cfg:    cfg,
		logger: logger,
	}
	impl.retainedStore = impl.newRetained()
	return impl
}
