package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/zhimiaox/zmqx-retain/common"
	"github.com/zhimiaox/zmqx-retain/consts"
	"github.com/zhimiaox/zmqx-retain/packets"
)

func New() *Config {
	return &Config{
		Server: Server{
			Debug:       false,
			NodeID:      common.NanoID(),
			LogFormat:   consts.LogText,
			TCP:         &TCPListen{Listen: ":1883"},
			Websocket:   nil,
			Metrics:     nil,
			Persistence: Persistence{Type: consts.Memory},
		},
		MQTT: MQTT{
			RetainedDeliveryTimeout: consts.Duration(10 * time.Second),
			ConnectTimeout:          consts.Duration(10 * time.Second),
			MaxPacketSize:           packets.MaxSize,
			MaxKeepAlive:            300,
			MaxQueuedMsg:            100000,
			MaxInflight:             100,
			MaximumQoS:              packets.Qos1,
			WildcardAvailable:       true,
			RetainAvailable:         true,
			AllowZeroLenClientID:    true,
			FilterCacheSize:         1024,
			FilterCacheTTL:          consts.Duration(10 * time.Minute),
		},
	}
}

type Config struct {
	Server Server `toml:"server"`
	MQTT   MQTT   `toml:"mqtt"`
}

type Server struct {
	Debug  bool   `toml:"debug" default:"false"`
	NodeID string `toml:"node_id"`
	// LogFormat selects the log handler: text, json or color.
	LogFormat   string           `toml:"log_format" default:"text"`
	TCP         *TCPListen       `toml:"tcp"`
	Websocket   *WebsocketListen `toml:"websocket"`
	Metrics     *MetricsListen   `toml:"metrics"`
	Persistence Persistence      `toml:"persistence"`
}

type TCPListen struct {
	Listen string `toml:"listen" default:":1883"`
	TLS    *TLS   `toml:"tls"`
}

type WebsocketListen struct {
	Listen string `toml:"listen" default:":8083"`
	Path   string `toml:"path" default:"/mqtt"`
	TLS    *TLS   `toml:"tls"`
}

type MetricsListen struct {
	Listen string `toml:"listen" default:":9090"`
	Path   string `toml:"path" default:"/metrics"`
}

type TLS struct {
	Cert string `toml:"cert"`
	Key  string `toml:"key"`
}

type Persistence struct {
	Type  string `toml:"type"`
	Redis *Redis `toml:"redis"`
}

type Redis struct {
	Addr     []string `toml:"addr"`
	Password string   `toml:"password"`
	Database int      `toml:"database"`
}

type MQTT struct {
	// RetainedDeliveryTimeout bounds how long a retained replay may wait for room
	// in the subscriber queue. Records still pending when it expires are not delivered.
	RetainedDeliveryTimeout consts.Duration `toml:"retained_delivery_timeout" default:"10s"`
	// ConnectTimeout is how long a new connection may take to send CONNECT.
	ConnectTimeout consts.Duration `toml:"connect_timeout" default:"10s"`
	// MaxPacketSize is the maximum packet size that the server is willing to accept from the client
	MaxPacketSize uint32 `toml:"max_packet_size" default:"268435455"`
	// MaxKeepAlive is the keep alive in seconds applied to clients that connect without one.
	// Zero disables the read deadline for them.
	MaxKeepAlive uint16 `toml:"max_keepalive" default:"300"`
	// MaxQueuedMsg is the maximum queue length of the outgoing messages of a session.
	// Live messages arriving at a full queue are dropped, retained replays wait for room.
	MaxQueuedMsg int `toml:"max_queued_messages" default:"100000"`
	// MaxInflight limits unacknowledged QoS 1 messages sent to a client.
	MaxInflight uint16 `toml:"max_inflight" default:"100"`
	// MaximumQoS is the highest QoS granted to a subscription. QoS 2 is not served.
	MaximumQoS uint8 `toml:"maximum_qos" default:"1"`
	// WildcardAvailable indicates whether the server supports Wildcard Subscriptions.
	WildcardAvailable bool `toml:"wildcard_subscription_available" default:"true"`
	// RetainAvailable indicates whether the server supports retained messages.
	RetainAvailable bool `toml:"retain_available" default:"true"`
	// AllowZeroLenClientID indicates whether to allow a client to connect with empty client id.
	AllowZeroLenClientID bool `toml:"allow_zero_length_client_id" default:"true"`
	// FilterCacheSize is the number of parsed topic filters kept for reuse. 0 disables the cache.
	FilterCacheSize int `toml:"filter_cache_size" default:"1024"`
	// FilterCacheTTL is how long a parsed filter stays in the cache.
	FilterCacheTTL consts.Duration `toml:"filter_cache_ttl" default:"10m"`
}

func ParseConfigFile(file string) (*Config, error) {
	config := New()
	if _, err := toml.DecodeFile(file, config); err != nil {
		return nil, err
	}
	if err := Validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

// Parse decodes a toml document on top of the defaults.
func Parse(data string) (*Config, error) {
	config := New()
	if _, err := toml.Decode(data, config); err != nil {
		return nil, err
	}
	if err := Validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

func Validate(cfg *Config) error {
	if cfg.MQTT.MaximumQoS > packets.Qos1 {
		return fmt.Errorf("invalid maximum_qos: %d", cfg.MQTT.MaximumQoS)
	}
	if cfg.MQTT.MaxQueuedMsg <= 0 {
		return fmt.Errorf("invalid max_queued_messages : %d", cfg.MQTT.MaxQueuedMsg)
	}
	if cfg.MQTT.MaxPacketSize == 0 {
		return fmt.Errorf("max_packet_size cannot be 0")
	}
	if cfg.MQTT.MaxPacketSize > packets.MaxSize {
		return fmt.Errorf("max_packet_size cannot be out max size")
	}
	if cfg.MQTT.MaxInflight == 0 {
		return fmt.Errorf("max_inflight cannot be 0")
	}
	if cfg.MQTT.RetainedDeliveryTimeout <= 0 {
		return fmt.Errorf("invalid retained_delivery_timeout: %s", time.Duration(cfg.MQTT.RetainedDeliveryTimeout))
	}
	if cfg.MQTT.ConnectTimeout <= 0 {
		return fmt.Errorf("invalid connect_timeout: %s", time.Duration(cfg.MQTT.ConnectTimeout))
	}
	if cfg.MQTT.FilterCacheSize < 0 {
		return fmt.Errorf("invalid filter_cache_size: %d", cfg.MQTT.FilterCacheSize)
	}
	switch cfg.Server.LogFormat {
	case consts.LogText, consts.LogJSON, consts.LogColor:
	default:
		return fmt.Errorf("invalid log_format: %s", cfg.Server.LogFormat)
	}
	switch cfg.Server.Persistence.Type {
	case consts.Memory:
	case consts.Redis:
		if cfg.Server.Persistence.Redis == nil || len(cfg.Server.Persistence.Redis.Addr) == 0 {
			return fmt.Errorf("persistence type redis needs [server.persistence.redis] addr")
		}
	default:
		return fmt.Errorf("invalid persistence type: %s", cfg.Server.Persistence.Type)
	}
	if cfg.Server.Websocket != nil && !strings.HasPrefix(cfg.Server.Websocket.Path, "/") {
		return fmt.Errorf("invalid websocket path: %q", cfg.Server.Websocket.Path)
	}
	if cfg.Server.Metrics != nil && !strings.HasPrefix(cfg.Server.Metrics.Path, "/") {
		return fmt.Errorf("invalid metrics path: %q", cfg.Server.Metrics.Path)
	}
	if cfg.Server.NodeID == "" {
		return fmt.Errorf("invalid server NodeID with empty")
	}
	if strings.Contains(cfg.Server.NodeID, ":") {
		return fmt.Errorf("invalid server NodeID with : ")
	}
	return nil
}
