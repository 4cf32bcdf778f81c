package memory

import (
	"log/slog"

	"github.com/zhimiaox/zmqx-retain/config"
	"github.com/zhimiaox/zmqx-retain/persistence"
)

type persistenceImpl struct {
	retainedStore *retained
	cfg           *config.Config
	logger        *slog.Logger
}

func (p *persistenceImpl) Retained() persistence.Retained {
	return p.retainedStore
}

func (p *persistenceImpl) Queue(clientID string) persistence.Queue {
	return NewQueue(clientID, p.cfg.MQTT.MaxQueuedMsg)
}

func (p *persistenceImpl) Close() error {
	return nil
}

func New(cfg *config.Config, logger *slog.Logger) persistence.Persistence {
	return &persistenceImpl{
		cfg:           cfg,
		retainedStore: newRetained(logger.With("persistence", "retained")),
		logger:        logger,
	}
}
