package common

import "github.com/spf13/viper"

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// DDP Server Related Config

// DDPEndpointConfig defines DDP server endpoint config
type DDPEndpointConfig struct {
	// PathPrefix is the end-point path prefix for all the server routes
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
	// WebsocketPath is the path, relative to PathPrefix, of the DDP websocket endpoint
	WebsocketPath string `mapstructure:"websocket_path" json:"websocket_path" validate:"required"`
	// AllowedOrigins is the list of origins permitted to open a websocket. An
	// empty list permits any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins" json:"allowed_origins,omitempty" validate:"omitempty,dive,url"`
}

// DDPSessionConfig defines per-connection session parameters
type DDPSessionConfig struct {
	// OutboundBuffer is the number of outbound frames which can be queued per
	// connection before senders are made to wait
	OutboundBuffer int `mapstructure:"outbound_buffer" json:"outbound_buffer" validate:"gte=1"`
	// SendTimeout is the max duration a sender will wait to queue an outbound
	// frame in seconds
	SendTimeout int `mapstructure:"send_timeout_sec" json:"send_timeout_sec" validate:"gte=1"`
	// WriteTimeout is the websocket write deadline in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
	// KeepAliveInterval is the interval between server side websocket pings in
	// seconds. 0 disables the keepalive.
	KeepAliveInterval int `mapstructure:"keepalive_interval_sec" json:"keepalive_interval_sec" validate:"gte=0"`
	// MaxMessageSize is the max size of an inbound frame in bytes
	MaxMessageSize int64 `mapstructure:"max_message_size" json:"max_message_size" validate:"gte=1024"`
}

// WorkerPoolConfig defines the shared worker pool parameters
type WorkerPoolConfig struct {
	// Size is the number of workers in the pool
	Size int `mapstructure:"size" json:"size" validate:"gte=1"`
}

// DDPServerConfig defines configuration for the DDP server
type DDPServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the DDP server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the DDP server
	Endpoints DDPEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
	// Session is the per-connection session parameters
	Session DDPSessionConfig `mapstructure:"session" json:"session" validate:"required,dive"`
	// Workers is the shared worker pool parameters
	Workers WorkerPoolConfig `mapstructure:"workers" json:"workers" validate:"required,dive"`
}

// ===============================================================================
// Storage Related Config

// StorageConfig defines the document store config
type StorageConfig struct {
	// Backend selects the document store implementation
	Backend string `mapstructure:"backend" json:"backend" validate:"required,oneof=memory sqlite"`
	// SQLitePath is the SQLite database file. Required for the sqlite backend.
	SQLitePath string `mapstructure:"sqlite_path" json:"sqlite_path" validate:"required_if=Backend sqlite"`
	// Collections is the list of collections the server will expose
	Collections []string `mapstructure:"collections" json:"collections" validate:"required,min=1,dive,required,alphanumunicode"`
	// Schemas maps a collection name to a JSON schema file which documents of
	// that collection must satisfy
	Schemas map[string]string `mapstructure:"schemas" json:"schemas,omitempty" validate:"omitempty,dive,keys,required,endkeys,file"`
}

// ===============================================================================
// Change Feed Related Config

// ChangeFeedConfig defines parameters for exporting collection mutations to JetStream
type ChangeFeedConfig struct {
	// Enabled whether the change feed is active
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required_if=Enabled true"`
	// Stream is the JetStream stream which will hold the change events
	Stream string `mapstructure:"stream" json:"stream" validate:"required_if=Enabled true"`
	// SubjectPrefix is the prefix of the subjects change events are published under
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required_if=Enabled true"`
	// PublishTimeout is the max duration to wait for a publish ACK in seconds
	PublishTimeout int `mapstructure:"publish_timeout_sec" json:"publish_timeout_sec" validate:"gte=1"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config used by the DDP server
type SystemConfig struct {
	// DDP are the DDP server configs
	DDP DDPServerConfig `mapstructure:"ddp" json:"ddp" validate:"required,dive"`
	// Storage are the document store configs
	Storage StorageConfig `mapstructure:"storage" json:"storage" validate:"required,dive"`
	// ChangeFeed are the change feed configs
	ChangeFeed ChangeFeedConfig `mapstructure:"changefeed" json:"changefeed" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default DDP server settings
	viper.SetDefault("ddp.endpoint_config.path_prefix", "/")
	viper.SetDefault("ddp.endpoint_config.websocket_path", "/websocket")
	viper.SetDefault("ddp.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("ddp.api_server.server_config.listen_port", 3003)
	viper.SetDefault("ddp.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("ddp.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("ddp.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"ddp.api_server.logging_config.request_id_header", "DDP-Request-ID",
	)
	viper.SetDefault(
		"ddp.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
	viper.SetDefault("ddp.session.outbound_buffer", 256)
	viper.SetDefault("ddp.session.send_timeout_sec", 10)
	viper.SetDefault("ddp.session.write_timeout_sec", 10)
	viper.SetDefault("ddp.session.keepalive_interval_sec", 30)
	viper.SetDefault("ddp.session.max_message_size", 1048576)
	viper.SetDefault("ddp.workers.size", 64)

	// Default storage settings
	viper.SetDefault("storage.backend", "memory")
	viper.SetDefault("storage.collections", []string{"todos"})

	// Default change feed settings
	viper.SetDefault("changefeed.enabled", false)
	viper.SetDefault("changefeed.nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("changefeed.nats.connect_timeout_sec", 30)
	viper.SetDefault("changefeed.nats.reconnect.max_attempts", -1)
	viper.SetDefault("changefeed.nats.reconnect.wait_interval_sec", 15)
	viper.SetDefault("changefeed.stream", "ddp-changes")
	viper.SetDefault("changefeed.subject_prefix", "ddp.changes")
	viper.SetDefault("changefeed.publish_timeout_sec", 5)
}
