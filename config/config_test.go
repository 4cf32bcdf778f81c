package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhimiaox/zmqx-retain/consts"
)

func TestDefaults(t *testing.T) {
	cfg := New()
	require.NoError(t, Validate(cfg))
	assert.Equal(t, consts.Memory, cfg.Server.Persistence.Type)
	assert.Equal(t, 10*time.Second, time.Duration(cfg.MQTT.RetainedDeliveryTimeout))
	assert.EqualValues(t, 1, cfg.MQTT.MaximumQoS)
	assert.NotEmpty(t, cfg.Server.NodeID)
}

func TestParseConfigFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(file, []byte(`
[server]
debug = true
node_id = "node-1"
log_format = "color"
[server.tcp]
listen = "127.0.0.1:0"
[server.websocket]
listen = ":8083"
path = "/mqtt"
[server.metrics]
listen = ":9090"
path = "/metrics"
[server.persistence]
type = "redis"
[server.persistence.redis]
addr = ["127.0.0.1:6379"]
database = 2
[mqtt]
retained_delivery_timeout = "30s"
max_queued_messages = 200000
`), 0o644))
	cfg, err := ParseConfigFile(file)
	require.NoError(t, err)
	assert.True(t, cfg.Server.Debug)
	assert.Equal(t, "node-1", cfg.Server.NodeID)
	assert.Equal(t, consts.LogColor, cfg.Server.LogFormat)
	assert.Equal(t, "/mqtt", cfg.Server.Websocket.Path)
	assert.Equal(t, "/metrics", cfg.Server.Metrics.Path)
	assert.Equal(t, []string{"127.0.0.1:6379"}, cfg.Server.Persistence.Redis.Addr)
	assert.Equal(t, 2, cfg.Server.Persistence.Redis.Database)
	assert.Equal(t, 30*time.Second, time.Duration(cfg.MQTT.RetainedDeliveryTimeout))
	assert.Equal(t, 200000, cfg.MQTT.MaxQueuedMsg)
	// untouched keys keep their defaults
	assert.EqualValues(t, 100, cfg.MQTT.MaxInflight)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"qos2", "[mqtt]\nmaximum_qos = 2"},
		{"queue", "[mqtt]\nmax_queued_messages = 0"},
		{"timeout", "[mqtt]\nretained_delivery_timeout = \"0s\""},
		{"log format", "[server]\nlog_format = \"xml\""},
		{"persistence", "[server.persistence]\ntype = \"mongo\""},
		{"redis addr", "[server.persistence]\ntype = \"redis\""},
		{"node id", "[server]\nnode_id = \"a:b\""},
		{"ws path", "[server.websocket]\nlisten = \":8083\"\npath = \"mqtt\""},
	}
	for _, tt := range tests {
		_, err := Parse(tt.doc)
		assert.Error(t, err, tt.name)
	}
	_, err := Parse("[mqtt]\nretained_delivery_timeout = \"soon\"")
	assert.Error(t, err)
}
