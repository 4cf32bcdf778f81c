package server

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"github.com/zhimiaox/zmqx-retain/common"
	"github.com/zhimiaox/zmqx-retain/config"
	"github.com/zhimiaox/zmqx-retain/consts"
	"github.com/zhimiaox/zmqx-retain/errors"
	"github.com/zhimiaox/zmqx-retain/metrics"
	"github.com/zhimiaox/zmqx-retain/models"
	"github.com/zhimiaox/zmqx-retain/packets"
	"github.com/zhimiaox/zmqx-retain/persistence"
	pmemory "github.com/zhimiaox/zmqx-retain/persistence/memory"
	predis "github.com/zhimiaox/zmqx-retain/persistence/redis"
	"github.com/zhimiaox/zmqx-retain/session"
	"github.com/zhimiaox/zmqx-retain/topic"
)

// Publisher provides the ability to Publish messages to the broker.
type Publisher interface {
	// Publish a message to broker. A retained message is stored first, then the
	// message is delivered to the current subscribers.
	// Calling this method will not trigger OnMsgArrived hook.
	Publish(message *models.Message) error
	// PublishRetained stores payload as the retained message of topicName and delivers it.
	// An empty payload removes the retained message.
	PublishRetained(topicName string, payload []byte, qos uint8) error
}

type Server interface {
	// Start opens the configured listeners.
	Start() error
	Stop()
	SetHooks(hooks Hooks)
	// Connect creates the session of clientID, taking over an existing one.
	Connect(clientID string) error
	// Disconnect closes the session of clientID and discards its undelivered messages.
	Disconnect(clientID string)
	// Subscribe registers the filter for the session and replays the matching retained
	// messages to sink in the background. The subscription is live before Subscribe returns.
	Subscribe(clientID, topicFilter string, qos uint8, sink session.DeliverySink) (*Replay, error)
	Unsubscribe(clientID, topicFilter string) error
	Retained() persistence.Retained
	Sessions() *session.Registry
	Metrics() *metrics.Metrics
	// Addr returns the address of the tcp listener, nil before Start.
	Addr() net.Addr
	Publisher
}

type server struct {
	ctx struct {
		context.Context
		cancel context.CancelFunc
	}
	onceStop sync.Once
	stopping atomic.Bool
	cfg      *config.Config
	logger   *slog.Logger
	hooks    Hooks

	wsListener      *http.Server
	tcpListener     net.Listener
	metricsListener *http.Server

	clientsMu sync.Mutex
	clients   map[*client]struct{}
	ioPool    *common.IOPool

	persistence persistence.Persistence
	registry    *session.Registry
	filters     *expirable.LRU[string, topic.Filter]
	metrics     *metrics.Metrics
}

func New(opts ...Options) Server {
	srv := &server{
		clients: make(map[*client]struct{}),
		ioPool:  common.NewIOPool(consts.ReadBufferSize, consts.WriteBufferSize),
	}
	for _, fn := range opts {
		fn(srv)
	}
	if srv.hooks == nil {
		srv.hooks = NewHooks()
	}
	if srv.cfg == nil {
		srv.cfg = config.New()
	}
	if srv.logger == nil {
		logLevel := new(slog.LevelVar)
		if srv.cfg.Server.Debug {
			logLevel.Set(slog.LevelDebug)
		}
		srv.logger = slog.New(common.NewLogHandler(srv.cfg.Server.LogFormat, os.Stdout, logLevel))
	}
	srv.ctx.Context, srv.ctx.cancel = context.WithCancel(context.Background())
	if srv.persistence == nil {
		switch srv.cfg.Server.Persistence.Type {
		case consts.Redis:
			rdb := redis.NewUniversalClient(&redis.UniversalOptions{
				Addrs:    srv.cfg.Server.Persistence.Redis.Addr,
				Password: srv.cfg.Server.Persistence.Redis.Password, // 没有密码，默认值
				DB:       srv.cfg.Server.Persistence.Redis.Database, // 默认DB 0
			})
			srv.persistence = predis.New(rdb, srv.cfg, srv.logger)
		default:
			srv.persistence = pmemory.New(srv.cfg, srv.logger)
		}
	}
	srv.registry = session.NewRegistry(srv.persistence, srv.logger.With("component", "session"))
	if size := srv.cfg.MQTT.FilterCacheSize; size > 0 {
		srv.filters = expirable.NewLRU[string, topic.Filter](size, nil, time.Duration(srv.cfg.MQTT.FilterCacheTTL))
	}
	srv.metrics = metrics.New(srv.persistence.Retained().Len)
	return srv
}

func (srv *server) Start() error {
	if srv.stopping.Load() {
		return errors.ErrServerStopped
	}
	if conf := srv.cfg.Server.TCP; conf != nil {
		if err := srv.tcpListen(conf); err != nil {
			return err
		}
	}
	if conf := srv.cfg.Server.Websocket; conf != nil {
		if err := srv.wsListen(conf); err != nil {
			return err
		}
	}
	if conf := srv.cfg.Server.Metrics; conf != nil {
		if err := srv.metricsListen(conf); err != nil {
			return err
		}
	}
	return nil
}

func (srv *server) Stop() {
	srv.onceStop.Do(func() {
		srv.stopping.Store(true)
		if srv.tcpListener != nil {
			if err := srv.tcpListener.Close(); err != nil {
				srv.logger.Error("tcp listener close", "err", err)
			} else {
				srv.logger.Info("tcp listener closed")
			}
		}
		if srv.wsListener != nil {
			if err := srv.wsListener.Close(); err != nil {
				srv.logger.Error("ws listener close", "err", err)
			} else {
				srv.logger.Info("ws listener closed")
			}
		}
		srv.ctx.cancel()
		srv.registry.Close()
		srv.metrics.Sessions.Set(0)
		for deadline := time.Now().Add(10 * time.Second); srv.clientLen() > 0; {
			if time.Now().After(deadline) {
				srv.logger.Warn("stopping with connections still open", "clients", srv.clientLen())
				break
			}
			srv.logger.Info("stopping waiting...")
			time.Sleep(100 * time.Millisecond)
		}
		if srv.metricsListener != nil {
			if err := srv.metricsListener.Close(); err != nil {
				srv.logger.Error("metrics listener close", "err", err)
			}
		}
		if err := srv.persistence.Close(); err != nil {
			srv.logger.Error("persistence close", "err", err)
		}
		srv.hooks.OnStop()
		srv.logger.Info("server stopped")
	})
}

func (srv *server) clientLen() int {
	srv.clientsMu.Lock()
	defer srv.clientsMu.Unlock()
	return len(srv.clients)
}

func (srv *server) SetHooks(hooks Hooks) {
	srv.hooks = hooks
}

func (srv *server) Retained() persistence.Retained {
	return srv.persistence.Retained()
}

func (srv *server) Sessions() *session.Registry {
	return srv.registry
}

func (srv *server) Metrics() *metrics.Metrics {
	return srv.metrics
}

func (srv *server) Addr() net.Addr {
	if srv.tcpListener == nil {
		return nil
	}
	return srv.tcpListener.Addr()
}

func (srv *server) Connect(clientID string) error {
	_, err := srv.connect(clientID)
	return err
}

func (srv *server) connect(clientID string) (*session.Session, error) {
	if srv.stopping.Load() {
		return nil, errors.ErrServerStopped
	}
	if clientID == "" {
		return nil, errors.ErrInvalidClientID
	}
	s, takenOver := srv.registry.Connect(clientID)
	if takenOver {
		srv.hooks.OnClosed(clientID)
	}
	srv.metrics.Sessions.Set(float64(srv.registry.Len()))
	srv.hooks.OnConnected(clientID)
	srv.logger.Info("session connected", "client_id", clientID, "taken_over", takenOver)
	return s, nil
}

func (srv *server) Disconnect(clientID string) {
	if srv.registry.Disconnect(clientID) {
		srv.closed(clientID)
	}
}

func (srv *server) disconnectSession(s *session.Session) {
	if srv.registry.DisconnectSession(s) {
		srv.closed(s.ClientID())
	}
}

func (srv *server) closed(clientID string) {
	srv.metrics.Sessions.Set(float64(srv.registry.Len()))
	srv.hooks.OnClosed(clientID)
	srv.logger.Info("session disconnected", "client_id", clientID)
}

func (srv *server) Subscribe(clientID, topicFilter string, qos uint8, sink session.DeliverySink) (*Replay, error) {
	s, sub, err := srv.subscribe(clientID, topicFilter, qos, sink)
	if err != nil {
		return nil, err
	}
	return srv.replayRetained(s, sub, sink), nil
}

// subscribe registers the subscription, the caller starts the retained replay.
func (srv *server) subscribe(clientID, topicFilter string, qos uint8, sink session.DeliverySink) (*session.Session, *models.Subscription, error) {
	if qos > packets.Qos2 {
		return nil, nil, errors.ErrInvalidQoS
	}
	f, err := srv.parseFilter(topicFilter)
	if err != nil {
		return nil, nil, err
	}
	if !srv.cfg.MQTT.WildcardAvailable && f.HasWildcard() {
		return nil, nil, errors.ErrWildcardUnavailable
	}
	if srv.registry.Get(clientID) == nil {
		return nil, nil, errors.ErrUnknownSession
	}
	granted := min(qos, srv.cfg.MQTT.MaximumQoS)
	if err = srv.hooks.OnSubscribe(clientID, &models.Subscription{TopicFilter: f.String(), Filter: f, QoS: granted}); err != nil {
		return nil, nil, err
	}
	s, res, err := srv.registry.Subscribe(clientID, f, granted, sink)
	if err != nil {
		return nil, nil, err
	}
	srv.metrics.Subscriptions.Inc()
	srv.hooks.OnSubscribed(clientID, res.Subscription)
	srv.logger.Info("subscribe succeeded",
		"client_id", clientID,
		"topic", topicFilter,
		"qos", granted,
		"already_existed", res.AlreadyExisted)
	return s, res.Subscription, nil
}

func (srv *server) Unsubscribe(clientID, topicFilter string) error {
	removed, err := srv.registry.Unsubscribe(clientID, topicFilter)
	if err != nil {
		return err
	}
	if removed {
		srv.hooks.OnUnsubscribed(clientID, topicFilter)
		srv.logger.Info("unsubscribed succeed", "client_id", clientID, "topic", topicFilter)
	}
	return nil
}

// parseFilter parses the filter through the cache, subscribers tend to repeat the same filters.
func (srv *server) parseFilter(topicFilter string) (topic.Filter, error) {
	if srv.filters != nil {
		if f, ok := srv.filters.Get(topicFilter); ok {
			return f, nil
		}
	}
	f, err := topic.ParseFilter(topicFilter)
	if err != nil {
		return f, err
	}
	if srv.filters != nil {
		srv.filters.Add(topicFilter, f)
	}
	return f, nil
}

func (srv *server) PublishRetained(topicName string, payload []byte, qos uint8) error {
	return srv.Publish(&models.Message{
		QoS:      qos,
		Retained: true,
		Topic:    topicName,
		Payload:  payload,
	})
}

func (srv *server) Publish(message *models.Message) error {
	if message.QoS > packets.Qos2 {
		return errors.ErrInvalidQoS
	}
	name, err := topic.ParseName(message.Topic)
	if err != nil {
		return err
	}
	if message.Retained {
		if !srv.cfg.MQTT.RetainAvailable {
			return errors.ErrRetainUnavailable
		}
		srv.storeRetained(message)
	}
	srv.deliver(name, message)
	return nil
}

func (srv *server) storeRetained(message *models.Message) {
	if len(message.Payload) == 0 {
		if srv.persistence.Retained().Publish(message) {
			srv.metrics.RetainedRemoved.Inc()
			srv.logger.Debug("retained message removed", "topic", message.Topic)
		}
		return
	}
	srv.persistence.Retained().Publish(message)
	srv.metrics.RetainedPublished.Inc()
}

func (srv *server) wsListen(conf *config.WebsocketListen) error {
	var defaultUpgrade = &websocket.Upgrader{
		ReadBufferSize:  consts.ReadBufferSize,
		WriteBufferSize: consts.WriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
		Subprotocols: []string{"mqtt"},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(conf.Path, func(w http.ResponseWriter, r *http.Request) {
		if srv.stopping.Load() || !websocket.IsWebSocketUpgrade(r) {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte("0.0?"))
			return
		}
		c, err := defaultUpgrade.Upgrade(w, r, nil)
		if err != nil {
			srv.logger.Error("websocket upgrade", "err", err)
			return
		}
		srv.newClient(&models.WsConn{Conn: c.NetConn(), W: c})
	})
	ln, err := net.Listen("tcp", conf.Listen)
	if err != nil {
		return err
	}
	srv.wsListener = &http.Server{
		Addr:           ln.Addr().String(),
		Handler:        mux,
		MaxHeaderBytes: 1 << 20,
	}
	srv.logger.Info("websocket listen running", "listen", ln.Addr().String(), "path", conf.Path)
	go func() {
		var err error
		if conf.TLS != nil {
			err = srv.wsListener.ServeTLS(ln, conf.TLS.Cert, conf.TLS.Key)
		} else {
			err = srv.wsListener.Serve(ln)
		}
		if err != nil {
			if errors.Is(err, http.ErrServerClosed) && srv.stopping.Load() {
				return
			}
			srv.logger.Error("ws listen and serve", "err", err)
		}
	}()
	return nil
}

func (srv *server) metricsListen(conf *config.MetricsListen) error {
	mux := http.NewServeMux()
	mux.Handle(conf.Path, srv.metrics.Handler())
	ln, err := net.Listen("tcp", conf.Listen)
	if err != nil {
		return err
	}
	srv.metricsListener = &http.Server{Addr: ln.Addr().String(), Handler: mux}
	srv.logger.Info("metrics listen running", "listen", ln.Addr().String(), "path", conf.Path)
	go func() {
		if err := srv.metricsListener.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.logger.Error("metrics listen and serve", "err", err)
		}
	}()
	return nil
}

func (srv *server) tcpListen(conf *config.TCPListen) error {
	var err error
	if conf.TLS != nil {
		var cert tls.Certificate
		cert, err = tls.LoadX509KeyPair(conf.TLS.Cert, conf.TLS.Key)
		if err != nil {
			srv.logger.Error("LoadX509KeyPair", "err", err)
			return err
		}
		srv.tcpListener, err = tls.Listen("tcp", conf.Listen, &tls.Config{
			Certificates: []tls.Certificate{cert},
		})
	} else {
		srv.tcpListener, err = net.Listen("tcp", conf.Listen)
	}
	if err != nil {
		srv.logger.Error("tcp listen", "err", err)
		return err
	}
	srv.logger.Info("tcp listen running", "listen", srv.tcpListener.Addr().String())
	go func() {
		for {
			conn, err := srv.tcpListener.Accept()
			if err != nil {
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					continue
				}
				break
			}
			if srv.stopping.Load() {
				_ = conn.Close()
				break
			}
			go srv.newClient(conn)
		}
	}()
	return nil
}
