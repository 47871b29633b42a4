package common

import (
	"time"

	"github.com/alwitt/goutils"
	"github.com/spf13/viper"
)

// ===============================================================================
// HTTP Server Configuration Structures

// HTTPServerTimeoutConfig defines the timeout settings for an HTTP server
type HTTPServerTimeoutConfig struct {
	// ReadTimeout is the maximum duration for reading the entire request,
	// including the body, in seconds. Zero means no timeout.
	ReadTimeout int `mapstructure:"read" json:"read" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out writes of the
	// response, in seconds.
	WriteTimeout int `mapstructure:"write" json:"write" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the next request
	// when keep-alives are enabled, in seconds.
	IdleTimeout int `mapstructure:"idle" json:"idle" validate:"gte=0"`
}

// HTTPServerConfig defines the HTTP control-plane server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listenOn" json:"listenOn" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"appPort" json:"appPort" validate:"required,gt=0,lt=65536"`
	// Timeouts sets the HTTP timeout settings
	Timeouts HTTPServerTimeoutConfig `mapstructure:"timeoutSecs" json:"timeoutSecs" validate:"required,dive"`
	// ShutdownTimeoutInSec bounds how long graceful shutdown waits for in-flight requests
	ShutdownTimeoutInSec uint32 `mapstructure:"shutdownTimeoutInSec" json:"shutdownTimeoutInSec" validate:"gte=1"`
}

// ShutdownTimeout convert ShutdownTimeoutInSec to time.Duration
func (c HTTPServerConfig) ShutdownTimeout() time.Duration {
	return time.Second * time.Duration(c.ShutdownTimeoutInSec)
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// LogLevel output request logs at this level
	LogLevel goutils.HTTPRequestLogLevel `mapstructure:"logLevel" json:"logLevel" validate:"oneof=warn info debug"`
	// HealthLogLevel output health check logs at this level
	HealthLogLevel goutils.HTTPRequestLogLevel `mapstructure:"healthLogLevel" json:"healthLogLevel" validate:"oneof=warn info debug"`
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"requestIDHeader" json:"requestIDHeader"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"skipHeaders" json:"skipHeaders"`
}

// EndpointConfig defines API endpoint config
type EndpointConfig struct {
	// PathPrefix is the end-point path prefix for the APIs
	PathPrefix string `mapstructure:"pathPrefix" json:"pathPrefix" validate:"required"`
}

// CORSConfig defines the cross-origin resource sharing middleware parameters
type CORSConfig struct {
	// AllowedOrigins list of origins allowed to make cross-origin requests
	AllowedOrigins []string `mapstructure:"allowedOrigins" json:"allowedOrigins"`
}

// APIConfig defines API settings for the control plane
type APIConfig struct {
	// Endpoint sets API endpoint related parameters
	Endpoint EndpointConfig `mapstructure:"endPoint" json:"endPoint" validate:"required,dive"`
	// RequestLogging sets API request logging parameters
	RequestLogging HTTPRequestLogging `mapstructure:"requestLogging" json:"requestLogging" validate:"required,dive"`
	// CORS cross-origin middleware configuration
	CORS CORSConfig `mapstructure:"cors" json:"cors"`
}

// APIServerConfig defines HTTP API / server parameters
type APIServerConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"service" json:"service" validate:"required,dive"`
	// APIs defines API settings for the control plane
	APIs APIConfig `mapstructure:"apis" json:"apis" validate:"required,dive"`
}

// ===============================================================================
// Persistence Configuration Structures

// PostgresSSLConfig Postgres connection SSL config
type PostgresSSLConfig struct {
	// Enabled whether to enable SSL when connecting to Postgres
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// CAFile the CA cert file to challenge remote with
	CAFile *string `mapstructure:"caFile" json:"caFile,omitempty" validate:"omitempty,file"`
}

// PostgresConfig Postgres connection config
type PostgresConfig struct {
	Host     string            `mapstructure:"host" json:"host" validate:"required"`
	Port     uint16            `mapstructure:"port" json:"port" validate:"lte=65535,gte=0"`
	Database string            `mapstructure:"db" json:"db" validate:"required"`
	User     string            `mapstructure:"user" json:"user" validate:"required"`
	SSL      PostgresSSLConfig `mapstructure:"ssl" json:"ssl" validate:"required,dive"`
}

// SqliteConfig sqlite config
type SqliteConfig struct {
	// DBFile the sqlite DB file path
	DBFile string `mapstructure:"db" json:"db" validate:"required"`
}

// PersistenceConfig selects and configures the camera-registry persistence backend
type PersistenceConfig struct {
	// Driver one of "sqlite" or "postgres"
	Driver   string       `mapstructure:"driver" json:"driver" validate:"required,oneof=sqlite postgres"`
	Sqlite   SqliteConfig `mapstructure:"sqlite" json:"sqlite" validate:"required_if=Driver sqlite,dive"`
	Postgres PostgresConfig `mapstructure:"postgres" json:"postgres" validate:"required_if=Driver postgres,dive"`
}

// ===============================================================================
// Event Bus Configuration Structures

// RedisConfig configures the Redis-backed Event Bus Adapter transport
type RedisConfig struct {
	// URL Redis connection URL, e.g. redis://host:6379/0
	URL string `mapstructure:"url" json:"url" validate:"required"`
	// DialTimeoutInSec connection dial timeout in secs
	DialTimeoutInSec uint32 `mapstructure:"dialTimeoutInSec" json:"dialTimeoutInSec" validate:"gte=1"`
}

// DialTimeout convert DialTimeoutInSec to time.Duration
func (c RedisConfig) DialTimeout() time.Duration {
	return time.Second * time.Duration(c.DialTimeoutInSec)
}

// ===============================================================================
// Frame Cache Configuration Structures

// MemcachedFrameCacheConfig optional second-tier shared cache for `latest()` frame bytes
type MemcachedFrameCacheConfig struct {
	// Servers list of memcached servers to establish connection with
	Servers []string `mapstructure:"servers" json:"servers" validate:"required,gte=1"`
	// TTLInSec entry retention in secs
	TTLInSec uint32 `mapstructure:"ttlInSec" json:"ttlInSec" validate:"gte=1"`
}

// TTL convert TTLInSec to time.Duration
func (c MemcachedFrameCacheConfig) TTL() time.Duration {
	return time.Second * time.Duration(c.TTLInSec)
}

// ===============================================================================
// Webhook Configuration Structures

// WebhookConfig optional outbound lifecycle-event notification
type WebhookConfig struct {
	// URL target URL to POST camera.connected/camera.disconnected notifications to
	URL string `mapstructure:"url" json:"url" validate:"omitempty,url"`
	// TimeoutInSec request timeout in secs
	TimeoutInSec uint32 `mapstructure:"timeoutInSec" json:"timeoutInSec" validate:"gte=1"`
}

// Timeout convert TimeoutInSec to time.Duration
func (c WebhookConfig) Timeout() time.Duration {
	return time.Second * time.Duration(c.TimeoutInSec)
}

// ===============================================================================
// Metrics Configuration Structures

// MetricsConfig application metrics config
type MetricsConfig struct {
	// MetricsEndpoint Prometheus metrics endpoint path. The control-plane
	// server does not read it: metrics are always served at `/metrics` under
	// the API path prefix.
	MetricsEndpoint string `mapstructure:"metricsEndpoint" json:"metricsEndpoint" validate:"required"`
}

// ===============================================================================
// Ingest Pipeline Configuration Structures

// RingBufferConfig default ring buffer sizing
type RingBufferConfig struct {
	// DefaultSize default per-camera ring buffer capacity when not overridden at registration
	DefaultSize int `mapstructure:"defaultSize" json:"defaultSize" validate:"gt=0"`
}

// MotionConfig default motion-stage parameters
type MotionConfig struct {
	// Threshold per-channel grayscale difference threshold, 0-255
	Threshold int `mapstructure:"threshold" json:"threshold" validate:"gte=0,lte=255"`
	// AreaMin minimum fraction of frame pixels that must differ to emit motion.detected
	AreaMin float64 `mapstructure:"areaMin" json:"areaMin" validate:"gt=0,lte=1"`
	// CooldownSeconds minimum spacing between motion.detected events for one camera
	CooldownSeconds float64 `mapstructure:"cooldownSeconds" json:"cooldownSeconds" validate:"gt=0"`
}

// QueueConfig bounded queue sizing for the motion and publish stages
type QueueConfig struct {
	// PublishQueueSize capacity of the per-camera publish queue
	PublishQueueSize int `mapstructure:"publishQueueSize" json:"publishQueueSize" validate:"gt=0"`
	// MotionQueueSize capacity of the per-camera motion-stage input queue
	MotionQueueSize int `mapstructure:"motionQueueSize" json:"motionQueueSize" validate:"gt=0"`
}

// TaskStopGrace task stop acknowledgement window (§5). It is validated but not
// applied: the RTSP worker's Stop waits a fixed 2 s grace period.
type TaskStopGrace struct {
	// GraceSeconds acknowledgement window in secs
	GraceSeconds uint32 `mapstructure:"graceSeconds" json:"graceSeconds" validate:"gte=1"`
}

// Grace convert GraceSeconds to time.Duration
func (c TaskStopGrace) Grace() time.Duration {
	return time.Second * time.Duration(c.GraceSeconds)
}

// ===============================================================================
// Complete Configuration Structure

// IngestConfig defines the complete camera-ingestion service configuration
type IngestConfig struct {
	// LogLevel process log level: debug, info, warn, error
	LogLevel string `mapstructure:"logLevel" json:"logLevel" validate:"oneof=debug info warn error"`
	// HTTPServer control-plane HTTP server config
	HTTPServer APIServerConfig `mapstructure:"http" json:"http" validate:"required,dive"`
	// Metrics metrics framework config
	Metrics MetricsConfig `mapstructure:"metrics" json:"metrics" validate:"required,dive"`
	// Persistence camera registry persistence config
	Persistence PersistenceConfig `mapstructure:"persistence" json:"persistence" validate:"required,dive"`
	// Redis event bus transport config
	Redis RedisConfig `mapstructure:"redis" json:"redis" validate:"required,dive"`
	// RingBuffer default ring buffer sizing
	RingBuffer RingBufferConfig `mapstructure:"ringBuffer" json:"ringBuffer" validate:"required,dive"`
	// Motion default motion-stage parameters
	Motion MotionConfig `mapstructure:"motion" json:"motion" validate:"required,dive"`
	// Queues bounded queue sizing
	Queues QueueConfig `mapstructure:"queues" json:"queues" validate:"required,dive"`
	// TaskStop task cancellation acknowledgement window
	TaskStop TaskStopGrace `mapstructure:"taskStop" json:"taskStop" validate:"required,dive"`
	// FrameCache optional memcached second-tier frame cache, nil disables it
	FrameCache *MemcachedFrameCacheConfig `mapstructure:"frameCache,omitempty" json:"frameCache,omitempty" validate:"omitempty,dive"`
	// Webhook optional outbound lifecycle-event notification, empty URL disables it
	Webhook WebhookConfig `mapstructure:"webhook" json:"webhook"`
}

// ===============================================================================
// Default Configuration Setter

// InstallDefaultIngestConfigValues installs default config parameters in viper
// for the camera ingestion service
func InstallDefaultIngestConfigValues() {
	// Default log level
	viper.SetDefault("logLevel", "info")

	// Default HTTP control plane
	viper.SetDefault("http.service.listenOn", "0.0.0.0")
	viper.SetDefault("http.service.appPort", 8080)
	viper.SetDefault("http.service.timeoutSecs.read", 60)
	viper.SetDefault("http.service.timeoutSecs.write", 60)
	viper.SetDefault("http.service.timeoutSecs.idle", 60)
	viper.SetDefault("http.service.shutdownTimeoutInSec", 10)
	viper.SetDefault("http.apis.endPoint.pathPrefix", "/")
	viper.SetDefault("http.apis.requestLogging.logLevel", "info")
	viper.SetDefault("http.apis.requestLogging.healthLogLevel", "debug")
	viper.SetDefault("http.apis.requestLogging.requestIDHeader", "X-Request-ID")
	viper.SetDefault("http.apis.requestLogging.skipHeaders", []string{
		"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
	})
	viper.SetDefault("http.apis.cors.allowedOrigins", []string{})

	// Default metrics config
	viper.SetDefault("metrics.metricsEndpoint", "/metrics")

	// Default persistence config
	viper.SetDefault("persistence.driver", "sqlite")
	viper.SetDefault("persistence.sqlite.db", "/tmp/camera-ingest.db")
	viper.SetDefault("persistence.postgres.port", 5432)
	viper.SetDefault("persistence.postgres.ssl.enabled", false)

	// Default Redis event bus config
	viper.SetDefault("redis.dialTimeoutInSec", 5)

	// Default ring buffer config
	viper.SetDefault("ringBuffer.defaultSize", 100)

	// Default motion stage config
	viper.SetDefault("motion.threshold", 25)
	viper.SetDefault("motion.areaMin", 0.005)
	viper.SetDefault("motion.cooldownSeconds", 2.0)

	// Default queue config
	viper.SetDefault("queues.publishQueueSize", 64)
	viper.SetDefault("queues.motionQueueSize", 64)

	// Default task cancellation grace window
	viper.SetDefault("taskStop.graceSeconds", 2)

	// Default webhook config (disabled: empty URL)
	viper.SetDefault("webhook.timeoutInSec", 5)
}

// BindIngestConfigEnvVars binds the service's documented environment
// variable overrides to their viper keys, on top of the mapstructure-tagged
// defaults above.
func BindIngestConfigEnvVars() error {
	bindings := map[string]string{
		"redis.url":                  "REDIS_URL",
		"ringBuffer.defaultSize":     "DEFAULT_BUFFER_SIZE",
		"motion.threshold":           "MOTION_THRESHOLD",
		"motion.areaMin":             "MOTION_AREA_MIN",
		"motion.cooldownSeconds":     "MOTION_COOLDOWN_SECONDS",
		"queues.publishQueueSize":    "PUBLISH_QUEUE_SIZE",
		"http.service.listenOn":      "HTTP_BIND_ADDR",
		"logLevel":                   "LOG_LEVEL",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}
	return nil
}
