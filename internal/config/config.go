// Package config loads service settings from an optional config file, an
// optional .env file and SUPPORTCHAT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/constants"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/util"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Chat   ChatConfig   `mapstructure:"chat"`
	Store  StoreConfig  `mapstructure:"store"`
	Log    LogConfig    `mapstructure:"log"`
}

// ServerConfig holds HTTP and WebSocket server settings
type ServerConfig struct {
	Port                   int           `mapstructure:"port" validate:"min=1,max=65535"`
	JWTSecret              string        `mapstructure:"jwt_secret" validate:"required"`
	PathPrefix             string        `mapstructure:"path_prefix" validate:"required,startswith=/"`
	MaxConnectionsPerUser  int           `mapstructure:"max_connections_per_user" validate:"gt=0"`
	RateLimit              int           `mapstructure:"rate_limit" validate:"gt=0"`
	RateWindow             time.Duration `mapstructure:"rate_window" validate:"gt=0"`
	AdminRateLimit         int           `mapstructure:"admin_rate_limit" validate:"gt=0"`
	AdminRateWindow        time.Duration `mapstructure:"admin_rate_window" validate:"gt=0"`
	AllowedOrigins         []string      `mapstructure:"allowed_origins"`
	TrustedProxies         string        `mapstructure:"trusted_proxies"`
	MetricsAllowedNetworks string        `mapstructure:"metrics_allowed_networks"`
	ShutdownTimeout        time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// ChatConfig holds message and connection limits
type ChatConfig struct {
	MaxContentLength     int   `mapstructure:"max_content_length" validate:"gt=0"`
	MaxMessageSize       int64 `mapstructure:"max_message_size" validate:"gt=0"`
	SendBuffer           int   `mapstructure:"send_buffer" validate:"gt=0"`
	UnreachableThreshold int   `mapstructure:"unreachable_threshold" validate:"gt=0"`
}

// StoreConfig selects and configures the history store backend
type StoreConfig struct {
	Driver string       `mapstructure:"driver" validate:"oneof=memory mongo badger"`
	Mongo  MongoConfig  `mapstructure:"mongo"`
	Badger BadgerConfig `mapstructure:"badger"`
}

// MongoConfig holds MongoDB connection settings
type MongoConfig struct {
	URI            string        `mapstructure:"uri"`
	Database       string        `mapstructure:"database"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	RetryAttempts  int           `mapstructure:"retry_attempts" validate:"gte=1"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
}

// BadgerConfig holds embedded store settings
type BadgerConfig struct {
	Path     string `mapstructure:"path"`
	InMemory bool   `mapstructure:"in_memory"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Dev   bool   `mapstructure:"dev"`
}

// envAliases lets the service pick up the names other FinanceFlow services
// already export, alongside the prefixed form.
var envAliases = map[string]string{
	"server.jwt_secret": "JWT_SECRET",
	"server.port":       "PORT",
	"store.mongo.uri":   "MONGO_URI",
}

// Load reads configuration. path may be empty, in which case only defaults
// and the environment are used. A missing .env file is not an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(constants.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, alias := range envAliases {
		prefixed := constants.EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, alias); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", constants.DefaultPort)
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.path_prefix", constants.DefaultPathPrefix)
	v.SetDefault("server.max_connections_per_user", constants.DefaultMaxConnectionsPerUser)
	v.SetDefault("server.rate_limit", constants.DefaultRateLimit)
	v.SetDefault("server.rate_window", constants.DefaultRateWindow)
	v.SetDefault("server.admin_rate_limit", constants.DefaultAdminRateLimit)
	v.SetDefault("server.admin_rate_window", constants.DefaultRateWindow)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.trusted_proxies", constants.DefaultTrustedProxies)
	v.SetDefault("server.metrics_allowed_networks", constants.DefaultMetricsAllowedNetworks)
	v.SetDefault("server.shutdown_timeout", constants.ShutdownTimeout)

	v.SetDefault("chat.max_content_length", constants.DefaultMaxContentLength)
	v.SetDefault("chat.max_message_size", constants.DefaultMaxMessageSize)
	v.SetDefault("chat.send_buffer", constants.DefaultSendBuffer)
	v.SetDefault("chat.unreachable_threshold", constants.DefaultUnreachableThreshold)

	v.SetDefault("store.driver", constants.DefaultStoreDriver)
	v.SetDefault("store.mongo.uri", constants.DefaultMongoURI)
	v.SetDefault("store.mongo.database", constants.DefaultDatabase)
	v.SetDefault("store.mongo.connect_timeout", constants.DefaultContextTimeout)
	v.SetDefault("store.mongo.retry_attempts", constants.MaxRetryAttempts)
	v.SetDefault("store.mongo.retry_delay", constants.InitialRetryDelay)
	v.SetDefault("store.mongo.retry_max_delay", constants.MaxRetryDelay)
	v.SetDefault("store.badger.path", constants.DefaultBadgerPath)
	v.SetDefault("store.badger.in_memory", false)

	v.SetDefault("log.level", constants.DefaultLogLevel)
	v.SetDefault("log.dev", false)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []error

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
		} else {
			errs = append(errs, err)
		}
	}

	if secret := c.Server.JWTSecret; secret != "" {
		if len(secret) < constants.MinJWTSecretLength {
			errs = append(errs, fmt.Errorf(
				"JWT secret must be at least %d characters (got %d). "+
					"Generate a strong secret with: openssl rand -base64 32",
				constants.MinJWTSecretLength, len(secret)))
		}
		if weak, pattern := util.ContainsWeakPattern(secret, constants.WeakSecrets); weak {
			errs = append(errs, fmt.Errorf(
				"JWT secret appears to be weak (contains '%s'). "+
					"Use a cryptographically random secret generated with: openssl rand -base64 32",
				pattern))
		}
	}

	switch c.Store.Driver {
	case "mongo":
		if c.Store.Mongo.URI == "" {
			errs = append(errs, errors.New("store.mongo.uri is required for the mongo driver"))
		}
		if c.Store.Mongo.Database == "" {
			errs = append(errs, errors.New("store.mongo.database is required for the mongo driver"))
		}
	case "badger":
		if !c.Store.Badger.InMemory && c.Store.Badger.Path == "" {
			errs = append(errs, errors.New("store.badger.path is required unless in_memory is set"))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %w", errors.Join(errs...))
	}
	return nil
}
