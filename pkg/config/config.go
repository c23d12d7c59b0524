package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"sigbridge-server/pkg/errors"
)

// Config represents the complete application configuration
type Config struct {
	Network      NetworkConfig      `json:"network"`
	Routing      RoutingConfig      `json:"routing"`
	Media        MediaConfig        `json:"media"`
	Provisioning ProvisioningConfig `json:"provisioning"`
	Registrar    RegistrarConfig    `json:"registrar"`
	Metrics      MetricsConfig      `json:"metrics"`
	Logging      LoggingConfig      `json:"logging"`
}

// NetworkConfig holds the signaling listener addresses
type NetworkConfig struct {
	// UDPListenAddr is the well-known UDP signaling socket
	UDPListenAddr string `json:"udp_listen_addr" env:"SIP_UDP_LISTEN" default:"0.0.0.0:5060"`

	// TCPListenAddr is the well-known stream signaling socket
	TCPListenAddr string `json:"tcp_listen_addr" env:"SIP_TCP_LISTEN" default:"0.0.0.0:5060"`

	// AdvertisedHost is placed in Via and Contact headers this server adds
	AdvertisedHost string `json:"advertised_host" env:"SIP_ADVERTISED_HOST" default:"127.0.0.1"`

	// AdvertisedPort is the port advertised alongside AdvertisedHost
	AdvertisedPort int `json:"advertised_port" env:"SIP_ADVERTISED_PORT" default:"5060"`
}

// RoutingConfig governs the call routing engine
type RoutingConfig struct {
	// LocalDomain is the domain this server is authoritative for
	LocalDomain string `json:"local_domain" env:"SIP_LOCAL_DOMAIN" default:"example.com"`

	// ExternalRouting permits forwarding INVITEs for unregistered,
	// non-local targets to their host
	ExternalRouting bool `json:"external_routing" env:"SIP_EXTERNAL_ROUTING" default:"true"`

	// ExternalPort is the signaling port used for externally-routed INVITEs
	ExternalPort int `json:"external_port" env:"SIP_EXTERNAL_PORT" default:"5060"`

	// IdleCallTimeout bounds how long a call may sit in trying/ringing
	IdleCallTimeout time.Duration `json:"idle_call_timeout" env:"SIP_IDLE_CALL_TIMEOUT" default:"5m"`
}

// MediaConfig governs the media relay
type MediaConfig struct {
	// PortMin/PortMax bound the relay port range; both zero means
	// ephemeral allocation
	PortMin int `json:"port_min" env:"MEDIA_PORT_MIN" default:"0"`
	PortMax int `json:"port_max" env:"MEDIA_PORT_MAX" default:"0"`
}

// ProvisioningConfig governs the provisioning extension
type ProvisioningConfig struct {
	// User is the reserved user part of the provisioning address
	User string `json:"user" env:"PROVISION_USER" default:"provision"`

	// StorePath is the profile snapshot file; empty disables persistence
	StorePath string `json:"store_path" env:"PROVISION_STORE_PATH" default:""`

	// SMDPHost names the download server in minted activation codes
	SMDPHost string `json:"smdp_host" env:"PROVISION_SMDP_HOST" default:"smdp.example.com"`
}

// RegistrarConfig governs the registration directory
type RegistrarConfig struct {
	// DefaultExpires applies when a REGISTER carries no Expires header
	DefaultExpires int `json:"default_expires" env:"REGISTRAR_DEFAULT_EXPIRES" default:"3600"`

	// SweepInterval drives the background expiry sweep; zero disables it
	SweepInterval time.Duration `json:"sweep_interval" env:"REGISTRAR_SWEEP_INTERVAL" default:"1m"`
}

// MetricsConfig governs the optional prometheus endpoint
type MetricsConfig struct {
	Enabled    bool   `json:"enabled" env:"METRICS_ENABLED" default:"false"`
	ListenAddr string `json:"listen_addr" env:"METRICS_LISTEN" default:"0.0.0.0:9090"`
}

// LoggingConfig controls log output
type LoggingConfig struct {
	Level  string `json:"level" env:"LOG_LEVEL" default:"info"`
	Format string `json:"format" env:"LOG_FORMAT" default:"text"`
}

// Load reads configuration from the environment, optionally seeded from a
// .env file, and validates it.
func Load(logger *logrus.Logger) (*Config, error) {
	if err := godotenv.Load(); err == nil {
		logger.Debug("Loaded environment from .env file")
	}

	cfg := &Config{
		Network: NetworkConfig{
			UDPListenAddr:  getEnv("SIP_UDP_LISTEN", "0.0.0.0:5060"),
			TCPListenAddr:  getEnv("SIP_TCP_LISTEN", "0.0.0.0:5060"),
			AdvertisedHost: getEnv("SIP_ADVERTISED_HOST", "127.0.0.1"),
			AdvertisedPort: getEnvInt("SIP_ADVERTISED_PORT", 5060),
		},
		Routing: RoutingConfig{
			LocalDomain:     getEnv("SIP_LOCAL_DOMAIN", "example.com"),
			ExternalRouting: getEnvBool("SIP_EXTERNAL_ROUTING", true),
			ExternalPort:    getEnvInt("SIP_EXTERNAL_PORT", 5060),
			IdleCallTimeout: getEnvDuration("SIP_IDLE_CALL_TIMEOUT", 5*time.Minute),
		},
		Media: MediaConfig{
			PortMin: getEnvInt("MEDIA_PORT_MIN", 0),
			PortMax: getEnvInt("MEDIA_PORT_MAX", 0),
		},
		Provisioning: ProvisioningConfig{
			User:      getEnv("PROVISION_USER", "provision"),
			StorePath: getEnv("PROVISION_STORE_PATH", ""),
			SMDPHost:  getEnv("PROVISION_SMDP_HOST", "smdp.example.com"),
		},
		Registrar: RegistrarConfig{
			DefaultExpires: getEnvInt("REGISTRAR_DEFAULT_EXPIRES", 3600),
			SweepInterval:  getEnvDuration("REGISTRAR_SWEEP_INTERVAL", time.Minute),
		},
		Metrics: MetricsConfig{
			Enabled:    getEnvBool("METRICS_ENABLED", false),
			ListenAddr: getEnv("METRICS_LISTEN", "0.0.0.0:9090"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot start with
func (c *Config) Validate() error {
	if c.Network.UDPListenAddr == "" {
		return errors.Wrap(errors.ErrInvalidInput, "SIP_UDP_LISTEN must not be empty")
	}
	if c.Network.TCPListenAddr == "" {
		return errors.Wrap(errors.ErrInvalidInput, "SIP_TCP_LISTEN must not be empty")
	}
	if c.Routing.LocalDomain == "" {
		return errors.Wrap(errors.ErrInvalidInput, "SIP_LOCAL_DOMAIN must not be empty")
	}
	if c.Routing.ExternalPort <= 0 || c.Routing.ExternalPort > 65535 {
		return errors.Wrap(errors.ErrInvalidInput, "SIP_EXTERNAL_PORT out of range")
	}
	if c.Media.PortMin > c.Media.PortMax {
		return errors.Wrap(errors.ErrInvalidInput, "MEDIA_PORT_MIN exceeds MEDIA_PORT_MAX")
	}
	if (c.Media.PortMin == 0) != (c.Media.PortMax == 0) {
		return errors.Wrap(errors.ErrInvalidInput, "MEDIA_PORT_MIN and MEDIA_PORT_MAX must be set together")
	}
	return nil
}

// ConfigureLogger applies the logging section to a logrus logger
func (c *Config) ConfigureLogger(logger *logrus.Logger) {
	level, err := logrus.ParseLevel(strings.ToLower(c.Logging.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if strings.EqualFold(c.Logging.Format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// Helper function to get an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// Helper function to get a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	switch strings.ToLower(value) {
	case "true", "yes", "1", "on":
		return true
	case "false", "no", "0", "off":
		return false
	default:
		return defaultValue
	}
}

// Helper function to get an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}

	return intValue
}

// Helper function to get a duration environment variable with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}

	return d
}
