package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	NATS       NATSConfig              `yaml:"nats"`
	Store      StoreConfig             `yaml:"store"`
	Dispatch   DispatchConfig          `yaml:"dispatch"`
	Resilience ResilienceConfig        `yaml:"resilience"`
	Scheduler  SchedulerConfig         `yaml:"scheduler"`
	Web        WebConfig               `yaml:"web"`
	Vault      VaultConfig             `yaml:"vault"`
	Webhooks   map[string]WebhookAgent `yaml:"webhooks"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

// DispatchConfig selects the routing mode and tunes the message
// stream consumed by distributed workers.
type DispatchConfig struct {
	Mode      string        `yaml:"mode"` // local, distributed, auto
	Stream    string        `yaml:"stream"`
	Group     string        `yaml:"group"`
	BlockFor  time.Duration `yaml:"block_for"`
	BatchSize int           `yaml:"batch_size"`
	AckWait   time.Duration `yaml:"ack_wait"`
}

type ResilienceConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	HandlerTimeout   time.Duration `yaml:"handler_timeout"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

// WebhookAgent configures an external agent reached over HTTP. The
// fallback content is returned as the agent's reply when the call
// fails; failure is part of the contract, not an error path.
type WebhookAgent struct {
	URL      string        `yaml:"url"`
	Auth     WebhookAuth   `yaml:"auth"`
	Timeout  time.Duration `yaml:"timeout"`
	Fallback string        `yaml:"fallback"`
}

type WebhookAuth struct {
	Mode         string `yaml:"mode"` // none, bearer, apikey, basic, oauth2
	Token        string `yaml:"token"`
	Header       string `yaml:"header"`
	Key          string `yaml:"key"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TokenURL     string `yaml:"token_url"`
}

func defaults() Config {
	return Config{
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/agora.db",
		},
		Dispatch: DispatchConfig{
			Mode:      "auto",
			Stream:    "AGORA",
			Group:     "agora-workers",
			BlockFor:  2 * time.Second,
			BatchSize: 10,
			AckWait:   30 * time.Second,
		},
		Resilience: ResilienceConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			BreakerTimeout:   30 * time.Second,
			MaxRetries:       3,
			BaseDelay:        100 * time.Millisecond,
			MaxDelay:         10 * time.Second,
			HandlerTimeout:   60 * time.Second,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("AGORA_CONFIG")
	if path == "" {
		path = "config/agora.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	applyEnv(&cfg)

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("AGORA_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("AGORA_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("AGORA_DISPATCH_MODE"); v != "" {
		cfg.Dispatch.Mode = v
	}
	if v := os.Getenv("AGORA_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("AGORA_WEB_AUTH"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("AGORA_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
}
