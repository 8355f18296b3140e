package durable

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvDeploymentID names the environment variable consulted when no
// deployment ID is configured explicitly.
const EnvDeploymentID = "DURABLE_DEPLOYMENT_ID"

// Config holds configuration for an Engine and its delivery endpoints.
type Config struct {
	// DeploymentID pins continuations to the build that created them.
	// When empty, EnvDeploymentID is consulted.
	DeploymentID string `json:"deployment_id" yaml:"deployment_id"`

	// Concurrency is the number of messages processed concurrently per
	// delivery endpoint.
	Concurrency int `json:"concurrency" yaml:"concurrency"`

	// PollInterval is how often an idle endpoint polls for messages.
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`

	// VisibilityTimeout is how long a received message stays hidden from
	// other consumers before it is redelivered.
	VisibilityTimeout time.Duration `json:"visibility_timeout" yaml:"visibility_timeout"`

	// MaxDeliveries is how many times a failing message is redelivered
	// before it is dead-lettered. Zero means unlimited.
	MaxDeliveries int `json:"max_deliveries" yaml:"max_deliveries"`

	// ResultPollInterval is how often Handle.Result polls the run.
	ResultPollInterval time.Duration `json:"result_poll_interval" yaml:"result_poll_interval"`

	// ShutdownTimeout is the maximum time to wait for in-flight deliveries
	// when stopping.
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:        10,
		PollInterval:       500 * time.Millisecond,
		VisibilityTimeout:  30 * time.Second,
		MaxDeliveries:      48,
		ResultPollInterval: 250 * time.Millisecond,
		ShutdownTimeout:    30 * time.Second,
	}
}

// LoadConfig reads a YAML (or JSON) config file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("durable: read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("durable: parse config %s: %w", path, err)
	}

	return cfg, nil
}

// ResolveDeploymentID returns explicit when set, then the configured
// deployment, then the value of EnvDeploymentID. It fails with a
// missing-deployment RuntimeError when none is available.
func (c Config) ResolveDeploymentID(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if c.DeploymentID != "" {
		return c.DeploymentID, nil
	}
	if v, ok := os.LookupEnv(EnvDeploymentID); ok && v != "" {
		return v, nil
	}
	return "", NewRuntimeError(KindMissingDeployment,
		"no deployment id: pass one explicitly, set Config.DeploymentID or %s", EnvDeploymentID)
}
