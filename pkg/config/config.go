package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"liveroom-backend/pkg/env"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Log      LogConfig      `mapstructure:"log"`
	Presence PresenceConfig `mapstructure:"presence"`
	Mesh     MeshConfig     `mapstructure:"mesh"`
	Session  SessionConfig  `mapstructure:"session"`
	Invite   InviteConfig   `mapstructure:"invite"`
	Client   ClientConfig   `mapstructure:"client"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	Environment    string   `mapstructure:"environment"` // development, staging, production
	ServiceName    string   `mapstructure:"service_name"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	MaxConnections int      `mapstructure:"max_connections"`
}

// DatabaseConfig holds CockroachDB configuration
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"name"`
	SSLMode  string `mapstructure:"ssl_mode"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	PoolSize int           `mapstructure:"pool_size"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret            string        `mapstructure:"secret"`
	AccessTokenExpiry time.Duration `mapstructure:"access_expiry"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string `mapstructure:"level"`  // debug, info, warn, error
	Format   string `mapstructure:"format"` // json, console
	Output   string `mapstructure:"output"` // stdout, file
	FilePath string `mapstructure:"file_path"`
}

// PresenceConfig tunes the Redis presence transport.
type PresenceConfig struct {
	MemberTTL         time.Duration `mapstructure:"member_ttl"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// MeshConfig tunes peer connection bring-up.
type MeshConfig struct {
	ICEServers  []string      `mapstructure:"ice_servers"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// SessionConfig bounds the automatic presence join retry.
type SessionConfig struct {
	JoinAttempts   int           `mapstructure:"join_attempts"`
	JoinBackoff    time.Duration `mapstructure:"join_backoff"`
	JoinBackoffMax time.Duration `mapstructure:"join_backoff_max"`
}

// InviteConfig holds call-invite policy.
type InviteConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	MaxRecipients int           `mapstructure:"max_recipients"`
	// Store is "cockroach" or "sqlite"
	Store      string `mapstructure:"store"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// ClientConfig is read by the headless session client.
type ClientConfig struct {
	APIBaseURL  string `mapstructure:"api_base_url"`
	AccessToken string `mapstructure:"access_token"`
	SessionID   string `mapstructure:"session_id"`
	DisplayName string `mapstructure:"display_name"`
	Role        string `mapstructure:"role"`
	Synthetic   bool   `mapstructure:"synthetic_media"`
}

// bindings maps config keys onto the environment variables used in deployment.
var bindings = map[string]string{
	"server.port":                 "PORT",
	"server.environment":          "ENV",
	"server.service_name":         "SERVICE_NAME",
	"server.allowed_origins":      "ALLOWED_ORIGINS",
	"server.max_connections":      "WS_MAX_CONNECTIONS",
	"database.host":               "DB_HOST",
	"database.port":               "DB_PORT",
	"database.user":               "DB_USER",
	"database.password":           "DB_PASSWORD",
	"database.name":               "DB_NAME",
	"database.ssl_mode":           "DB_SSL_MODE",
	"database.max_conns":          "DB_MAX_CONNS",
	"database.min_conns":          "DB_MIN_CONNS",
	"redis.host":                  "REDIS_HOST",
	"redis.port":                  "REDIS_PORT",
	"redis.password":              "REDIS_PASSWORD",
	"redis.db":                    "REDIS_DB",
	"redis.pool_size":             "REDIS_POOL_SIZE",
	"redis.timeout":               "REDIS_TIMEOUT",
	"jwt.secret":                  "JWT_SECRET",
	"jwt.access_expiry":           "JWT_ACCESS_EXPIRY",
	"log.level":                   "LOG_LEVEL",
	"log.format":                  "LOG_FORMAT",
	"log.output":                  "LOG_OUTPUT",
	"log.file_path":               "LOG_FILE_PATH",
	"presence.member_ttl":         "PRESENCE_MEMBER_TTL",
	"presence.heartbeat_interval": "PRESENCE_HEARTBEAT_INTERVAL",
	"mesh.ice_servers":            "ICE_SERVERS",
	"mesh.dial_timeout":           "MESH_DIAL_TIMEOUT",
	"session.join_attempts":       "SESSION_JOIN_ATTEMPTS",
	"session.join_backoff":        "SESSION_JOIN_BACKOFF",
	"session.join_backoff_max":    "SESSION_JOIN_BACKOFF_MAX",
	"invite.ttl":                  "INVITE_TTL",
	"invite.poll_interval":        "INVITE_POLL_INTERVAL",
	"invite.max_recipients":       "INVITE_MAX_RECIPIENTS",
	"invite.store":                "INVITE_STORE",
	"invite.sqlite_path":          "INVITE_SQLITE_PATH",
	"client.api_base_url":         "API_BASE_URL",
	"client.access_token":         "CLIENT_ACCESS_TOKEN",
	"client.session_id":           "CLIENT_SESSION_ID",
	"client.display_name":         "CLIENT_DISPLAY_NAME",
	"client.role":                 "CLIENT_ROLE",
	"client.synthetic_media":      "CLIENT_SYNTHETIC_MEDIA",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.service_name", "session-service")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.max_connections", 1000)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 26257)
	v.SetDefault("database.user", "root")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "liveroom")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 25)
	v.SetDefault("database.min_conns", 5)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.timeout", "5s")

	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.access_expiry", "15m")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file_path", "/logs/app.log")

	v.SetDefault("presence.member_ttl", "15s")
	v.SetDefault("presence.heartbeat_interval", "5s")

	v.SetDefault("mesh.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("mesh.dial_timeout", "20s")

	v.SetDefault("session.join_attempts", 3)
	v.SetDefault("session.join_backoff", "500ms")
	v.SetDefault("session.join_backoff_max", "5s")

	v.SetDefault("invite.ttl", "2h")
	v.SetDefault("invite.poll_interval", "30s")
	v.SetDefault("invite.max_recipients", 20)
	v.SetDefault("invite.store", "cockroach")
	v.SetDefault("invite.sqlite_path", "data/invites.db")

	v.SetDefault("client.api_base_url", "http://localhost:8080")
	v.SetDefault("client.role", "guest")
	v.SetDefault("client.synthetic_media", true)
}

// Load reads configuration from defaults, an optional YAML file named by
// CONFIG_FILE, and environment variables, in increasing precedence.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if file := env.String("CONFIG_FILE", ""); file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	for key, name := range bindings {
		if err := v.BindEnv(key, name); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", name, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Secrets may be mounted as files (Docker secrets).
	cfg.JWT.Secret = env.Secret("JWT_SECRET", cfg.JWT.Secret)
	cfg.Database.Password = env.Secret("DB_PASSWORD", cfg.Database.Password)
	cfg.Redis.Password = env.Secret("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Server.AllowedOrigins = splitList(cfg.Server.AllowedOrigins)
	cfg.Mesh.ICEServers = splitList(cfg.Mesh.ICEServers)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Watch reloads the configuration whenever CONFIG_FILE is written and hands
// the result to fn. It returns false when no config file is in use. Only
// settings read after startup, such as the log level, take effect.
func Watch(fn func(*Config, error)) bool {
	file := env.String("CONFIG_FILE", "")
	if file == "" {
		return false
	}

	v := viper.New()
	v.SetConfigFile(file)
	v.SetConfigType("yaml")
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		fn(Load())
	})
	v.WatchConfig()
	return true
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Environment == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
	}
	if c.Session.JoinAttempts < 1 {
		return fmt.Errorf("SESSION_JOIN_ATTEMPTS must be at least 1")
	}
	if c.Presence.HeartbeatInterval <= 0 || c.Presence.MemberTTL <= c.Presence.HeartbeatInterval {
		return fmt.Errorf("PRESENCE_MEMBER_TTL must exceed PRESENCE_HEARTBEAT_INTERVAL")
	}
	switch c.Invite.Store {
	case "cockroach", "sqlite":
	default:
		return fmt.Errorf("INVITE_STORE must be cockroach or sqlite, got %q", c.Invite.Store)
	}
	return nil
}

// IsProduction reports whether the service runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// splitList flattens comma-separated entries that arrive as a single env value.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
