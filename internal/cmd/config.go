package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/oauth2"
	"gopkg.in/yaml.v3"

	"github.com/cratehq/crate-go/pkg/request"
	"github.com/cratehq/crate-go/pkg/retry"
	"github.com/cratehq/crate-go/pkg/transport"
)

// Config is the CLI configuration file.
type Config struct {
	// BaseURL of the Crate API, e.g. https://api.crate.example.com.
	BaseURL string `yaml:"base_url"`

	// Token is a developer access token. The CLI wraps it in a static
	// token source; real integrations plug in a refreshing one.
	Token string `yaml:"token"`

	// PollInterval overrides the stream's inter-poll sleep.
	PollInterval time.Duration `yaml:"poll_interval"`

	// MaxRetries and RetryInterval configure the request executor.
	MaxRetries    int           `yaml:"max_retries"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("config: base_url is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("config: token is required")
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = time.Second
	}
	return &cfg, nil
}

// newExecutor builds the request executor the commands share.
func newExecutor(cfg *Config, log hclog.Logger) (*request.Executor, error) {
	tp := transport.NewHTTPTransport(transport.HTTPConfig{
		TokenSource: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}),
		UserAgent:   "crate-events/" + versionString(),
		Logger:      log,
	})

	return request.New(request.Config{
		Transport: tp,
		BaseURL:   cfg.BaseURL,
		Retry: retry.Config{
			MaxRetries: cfg.MaxRetries,
			Interval:   cfg.RetryInterval,
		},
		Logger: log,
	})
}
