package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath = "config.toml"
	DefaultHTTPAddr   = ":8080"
	DefaultPGHost     = "127.0.0.1"
	DefaultPGPort     = 5432
	DefaultPGUser     = "postgres"
	DefaultPGDatabase = "unibox"
	DefaultPGSSLMode  = "disable"
	DefaultRedisAddr  = "127.0.0.1:6379"
	DefaultARIAppName = "unibox"
)

type Config struct {
	Log       LogConfig       `toml:"log"`
	Server    ServerConfig    `toml:"server"`
	Auth      AuthConfig      `toml:"auth"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	ARI       ARIConfig       `toml:"ari"`
	Dispatch  DispatchConfig  `toml:"dispatch"`
	Recording RecordingConfig `toml:"recording"`
	Media     MediaConfig     `toml:"media"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret"`
	// CredentialKey is the hex-encoded AES-256 key used to seal
	// integration credential blobs at rest.
	CredentialKey string `toml:"credential_key"`
}

type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// ARIConfig points at the PBX control interface. Telephony integrations
// may override the endpoint in their own credentials; this is the default.
type ARIConfig struct {
	BaseURL  string `toml:"base_url"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	App      string `toml:"app"`
}

type DispatchConfig struct {
	MaxAttempts    int      `toml:"max_attempts"`
	BaseBackoff    Duration `toml:"base_backoff"`
	MaxBackoff     Duration `toml:"max_backoff"`
	RequestTimeout Duration `toml:"request_timeout"`
}

type RecordingConfig struct {
	MaxAttempts  int      `toml:"max_attempts"`
	PollInterval Duration `toml:"poll_interval"`
}

type MediaConfig struct {
	// Root is the directory the local media store writes fetched
	// attachments into. The core only keeps the resulting URL.
	Root    string `toml:"root"`
	BaseURL string `toml:"base_url"`
}

// Duration wraps time.Duration with TOML string decoding ("30s", "1m").
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Value() time.Duration { return time.Duration(d) }

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Redis: RedisConfig{
			Addr: DefaultRedisAddr,
		},
		ARI: ARIConfig{
			App: DefaultARIAppName,
		},
		Dispatch: DispatchConfig{
			MaxAttempts:    5,
			BaseBackoff:    Duration(time.Second),
			MaxBackoff:     Duration(60 * time.Second),
			RequestTimeout: Duration(5 * time.Second),
		},
		Recording: RecordingConfig{
			MaxAttempts:  5,
			PollInterval: Duration(3 * time.Second),
		},
		Media: MediaConfig{
			Root:    "data/media",
			BaseURL: "/media",
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}
