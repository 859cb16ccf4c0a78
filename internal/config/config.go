// Package config provides bridge configuration loaded from environment variables.
package config

import (
	"fmt"
	"net"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const logPrefix = "config:LoadConfig"

// Config holds backend-bridge configuration.
type Config struct {
	ServiceName string `envconfig:"SERVICE_NAME" default:"backend-bridge"`

	// Channel addresses. The backend embeds the call server, the frontend the event server.
	CallAddr     string `envconfig:"CALL_ADDR" default:"127.0.0.1:5556"`
	EventAddr    string `envconfig:"EVENT_ADDR" default:"127.0.0.1:5667"`
	CallSubject  string `envconfig:"CALL_SUBJECT" default:"bridge.call"`
	EventSubject string `envconfig:"EVENT_SUBJECT" default:"bridge.event"`

	// Call channel timing
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"5s"`
	CallPollTimeout   time.Duration `envconfig:"CALL_POLL_TIMEOUT" default:"1s"`
	CallPollTries     int           `envconfig:"CALL_POLL_TRIES" default:"3"`

	// Event channel timing
	EventPollTimeout time.Duration `envconfig:"EVENT_POLL_TIMEOUT" default:"4s"`
	EventPollTries   int           `envconfig:"EVENT_POLL_TRIES" default:"3"`

	// Receive loops and shutdown
	ReceivePollInterval time.Duration `envconfig:"RECEIVE_POLL_INTERVAL" default:"10ms"`
	ShutdownGrace       time.Duration `envconfig:"SHUTDOWN_GRACE" default:"5s"`
	ShutdownPoll        time.Duration `envconfig:"SHUTDOWN_POLL" default:"500ms"`

	// Key material and contract
	KeysDir            string `envconfig:"KEYS_DIR" default:"certificates"`
	ContractFile       string `envconfig:"BRIDGE_CONTRACT_FILE"`
	ContractConstraint string `envconfig:"CONTRACT_CONSTRAINT" default:"^1.0.0"`

	// Database (empty = in-memory store)
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"migrations"`

	// Frontend HTTP surface
	HTTPPort int `envconfig:"HTTP_PORT" default:"8080"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ValidateForBackend checks required config when running the backend.
func (c *Config) ValidateForBackend() error {
	if err := c.validateChannels(); err != nil {
		return err
	}
	if c.ShutdownGrace <= 0 {
		return fmt.Errorf("%s - SHUTDOWN_GRACE must be positive", logPrefix)
	}
	if c.ShutdownPoll <= 0 {
		return fmt.Errorf("%s - SHUTDOWN_POLL must be positive", logPrefix)
	}
	if c.RunMigrations && c.DatabaseURL == "" {
		return fmt.Errorf("%s - RUN_MIGRATIONS requires DATABASE_URL", logPrefix)
	}
	return nil
}

// ValidateForFrontend checks required config when running the frontend.
func (c *Config) ValidateForFrontend() error {
	if err := c.validateChannels(); err != nil {
		return err
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("%s - HEARTBEAT_INTERVAL must be positive", logPrefix)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("%s - HTTP_PORT %d out of range", logPrefix, c.HTTPPort)
	}
	return nil
}

// ValidateForDB checks required config when running DB-dependent commands (migrate).
func (c *Config) ValidateForDB() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}

func (c *Config) validateChannels() error {
	for name, addr := range map[string]string{"CALL_ADDR": c.CallAddr, "EVENT_ADDR": c.EventAddr} {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("%s - %s %q is not host:port: %w", logPrefix, name, addr, err)
		}
	}
	if c.CallAddr == c.EventAddr {
		return fmt.Errorf("%s - CALL_ADDR and EVENT_ADDR must differ", logPrefix)
	}
	if c.CallSubject == "" || c.EventSubject == "" {
		return fmt.Errorf("%s - CALL_SUBJECT and EVENT_SUBJECT are required", logPrefix)
	}
	if c.CallPollTimeout <= 0 || c.EventPollTimeout <= 0 {
		return fmt.Errorf("%s - poll timeouts must be positive", logPrefix)
	}
	if c.CallPollTries <= 0 || c.EventPollTries <= 0 {
		return fmt.Errorf("%s - poll tries must be positive", logPrefix)
	}
	if c.ReceivePollInterval <= 0 {
		return fmt.Errorf("%s - RECEIVE_POLL_INTERVAL must be positive", logPrefix)
	}
	return nil
}
