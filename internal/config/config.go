package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the variable pointing at the optional YAML file.
const EnvConfigPath = "GATEWAY_CONFIG"

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Gateway GatewayConfig `yaml:"gateway"`
	Notify  NotifyConfig  `yaml:"notify"`
	Auth    AuthConfig    `yaml:"auth"`
	Hooks   HooksConfig   `yaml:"hooks"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type StorageConfig struct {
	DBPath     string `yaml:"db_path"`
	PolicyFile string `yaml:"policy_file"`
}

type GatewayConfig struct {
	WaitTimeout         time.Duration `yaml:"wait_timeout"`
	MaxWaitTimeout      time.Duration `yaml:"max_wait_timeout"`
	DefaultAction       string        `yaml:"default_action"`
	ExpireOnWaitTimeout bool          `yaml:"expire_on_wait_timeout"`
	ApprovalExpiry      time.Duration `yaml:"approval_expiry"`
	EventRetention      time.Duration `yaml:"event_retention"`
	ApprovalRetention   time.Duration `yaml:"approval_retention"`
	RetentionInterval   time.Duration `yaml:"retention_interval"`
}

type NotifyConfig struct {
	Buffer        int    `yaml:"buffer"`
	PubSubProject string `yaml:"pubsub_project"`
	PubSubTopic   string `yaml:"pubsub_topic"`
}

type AuthConfig struct {
	RequireAuth bool   `yaml:"require_auth"`
	JWTSecret   string `yaml:"jwt_secret"`
	// Users uses the "email:password:name:roles;..." format.
	Users     string `yaml:"users"`
	HookToken string `yaml:"hook_token"`
}

type HooksConfig struct {
	Dir        string `yaml:"dir"`
	GatewayURL string `yaml:"gateway_url"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    150 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			DBPath: "./data/gateway.db",
		},
		Gateway: GatewayConfig{
			WaitTimeout:       30 * time.Second,
			MaxWaitTimeout:    120 * time.Second,
			DefaultAction:     "deny",
			ApprovalExpiry:    10 * time.Minute,
			EventRetention:    720 * time.Hour,
			ApprovalRetention: 168 * time.Hour,
			RetentionInterval: time.Hour,
		},
		Notify: NotifyConfig{
			Buffer: 64,
		},
		Hooks: HooksConfig{
			Dir: "./hooks",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads the YAML file at path (skipped when empty), overlays the
// environment and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		expanded := os.ExpandEnv(string(raw))
		expanded = strings.ReplaceAll(expanded, "\r\n", "\n")
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, cfg.Validate()
}

// LoadFromEnv is Load with the path taken from GATEWAY_CONFIG.
func LoadFromEnv() (Config, error) {
	return Load(os.Getenv(EnvConfigPath))
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnvInt("PORT", c.Server.Port)
	c.Server.ReadTimeout = getEnvDuration("READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvDuration("WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)

	c.Storage.DBPath = getEnv("DB_PATH", c.Storage.DBPath)
	c.Storage.PolicyFile = getEnv("POLICY_FILE", c.Storage.PolicyFile)

	c.Gateway.WaitTimeout = getEnvDuration("WAIT_TIMEOUT", c.Gateway.WaitTimeout)
	c.Gateway.MaxWaitTimeout = getEnvDuration("MAX_WAIT_TIMEOUT", c.Gateway.MaxWaitTimeout)
	c.Gateway.DefaultAction = strings.ToLower(getEnv("DEFAULT_ACTION", c.Gateway.DefaultAction))
	c.Gateway.ExpireOnWaitTimeout = getEnvBool("EXPIRE_ON_WAIT_TIMEOUT", c.Gateway.ExpireOnWaitTimeout)
	c.Gateway.ApprovalExpiry = getEnvDuration("APPROVAL_EXPIRY", c.Gateway.ApprovalExpiry)
	c.Gateway.EventRetention = getEnvDuration("EVENT_RETENTION", c.Gateway.EventRetention)
	c.Gateway.ApprovalRetention = getEnvDuration("APPROVAL_RETENTION", c.Gateway.ApprovalRetention)
	c.Gateway.RetentionInterval = getEnvDuration("RETENTION_INTERVAL", c.Gateway.RetentionInterval)

	c.Notify.Buffer = getEnvInt("NOTIFY_BUFFER", c.Notify.Buffer)
	c.Notify.PubSubProject = getEnv("PUBSUB_PROJECT", c.Notify.PubSubProject)
	c.Notify.PubSubTopic = getEnv("PUBSUB_TOPIC", c.Notify.PubSubTopic)

	c.Auth.RequireAuth = getEnvBool("REQUIRE_AUTH", c.Auth.RequireAuth)
	c.Auth.JWTSecret = getEnv("JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.Users = getEnv("AUTH_USERS", c.Auth.Users)
	c.Auth.HookToken = getEnv("HOOK_TOKEN", c.Auth.HookToken)

	c.Hooks.Dir = getEnv("HOOKS_DIR", c.Hooks.Dir)
	c.Hooks.GatewayURL = getEnv("GATEWAY_URL", c.Hooks.GatewayURL)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = strings.ToLower(getEnv("LOG_FORMAT", c.Log.Format))
}

func (c Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Server.Port))
	}
	if c.Storage.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if c.Gateway.WaitTimeout <= 0 {
		errs = append(errs, errors.New("wait_timeout must be positive"))
	}
	if c.Gateway.MaxWaitTimeout < c.Gateway.WaitTimeout {
		errs = append(errs, errors.New("max_wait_timeout must not be shorter than wait_timeout"))
	}
	// a response cut off by the write deadline reads as deny to the caller
	if c.Server.WriteTimeout > 0 && c.Server.WriteTimeout <= c.Gateway.MaxWaitTimeout {
		errs = append(errs, fmt.Errorf("write_timeout %s must be longer than max_wait_timeout %s",
			c.Server.WriteTimeout, c.Gateway.MaxWaitTimeout))
	}
	if c.Gateway.DefaultAction != "allow" && c.Gateway.DefaultAction != "deny" {
		errs = append(errs, fmt.Errorf("default_action must be allow or deny, got %q", c.Gateway.DefaultAction))
	}
	if c.Gateway.ApprovalExpiry <= 0 {
		errs = append(errs, errors.New("approval_expiry must be positive"))
	}
	if c.Gateway.EventRetention < 0 || c.Gateway.ApprovalRetention < 0 || c.Gateway.RetentionInterval < 0 {
		errs = append(errs, errors.New("retention durations must not be negative"))
	}
	if c.Notify.Buffer <= 0 {
		errs = append(errs, errors.New("notify buffer must be positive"))
	}
	if c.Notify.PubSubTopic != "" && c.Notify.PubSubProject == "" {
		errs = append(errs, errors.New("pubsub_project is required when pubsub_topic is set"))
	}
	if c.Auth.RequireAuth && c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("jwt_secret is required when require_auth=true"))
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log format must be console or json, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// HookURL is the base URL the forwarder scripts post to.
func (c Config) HookURL() string {
	if c.Hooks.GatewayURL != "" {
		return strings.TrimRight(c.Hooks.GatewayURL, "/")
	}
	return fmt.Sprintf("http://localhost:%d", c.Server.Port)
}
