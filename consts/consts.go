package consts

const (
	GlobalPrefix = "github.com/zhimiaox/zmqx-retain"
	Redis        = "redis"
	Memory       = "memory"
)

const (
	ReadBufferSize  = 1024
	WriteBufferSize = 1024
)

// log formats accepted by server.log_format
const (
	LogText  = "text"
	LogJSON  = "json"
	LogColor = "color"
)

const (
	// MaxTopicLength is the largest topic name or filter an UTF-8 encoded string field can carry.
	MaxTopicLength = 65535
)
