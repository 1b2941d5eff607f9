package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server  ServerConfig
	VM      VMConfig
	Docker  DockerConfig
	Remote  RemoteConfig
	Fleet   FleetConfig
	Ports   PortsConfig
	Logging LogConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
}

// VMConfig selects the sandbox backend and the shared execution limits.
type VMConfig struct {
	// Backend names the provider implementation: "docker", "remote" or "fleet".
	Backend string `envconfig:"VM_BACKEND" default:"docker"`

	// CommandTimeout bounds a single command execution unless the caller
	// passes its own timeout.
	CommandTimeout time.Duration `envconfig:"VM_COMMAND_TIMEOUT" default:"30s"`

	// InstallTimeout bounds package installs, which routinely outlive
	// CommandTimeout.
	InstallTimeout time.Duration `envconfig:"VM_INSTALL_TIMEOUT" default:"5m"`

	// CreateTimeout bounds sandbox provisioning.
	CreateTimeout time.Duration `envconfig:"VM_CREATE_TIMEOUT" default:"2m"`
}

// DockerConfig holds local container backend configuration.
type DockerConfig struct {
	Host          string `envconfig:"DOCKER_HOST_ADDR" default:""`
	Image         string `envconfig:"DOCKER_IMAGE" default:"ubuntu:22.04"`
	WorkspaceBase string `envconfig:"DOCKER_WORKSPACE_BASE" default:"/var/lib/sandboxd/workspaces"`
	NetworkMode   string `envconfig:"DOCKER_NETWORK_MODE" default:"bridge"`

	// PublishPorts are container ports published to ephemeral host ports at
	// create time. Docker cannot add port bindings to a running container,
	// so the common app ports are published up front.
	PublishPorts []int `envconfig:"DOCKER_PUBLISH_PORTS" default:"3000,5173,8000,8080"`
}

// RemoteConfig holds the ephemeral micro-VM service configuration.
type RemoteConfig struct {
	APIURL   string        `envconfig:"REMOTE_API_URL" default:""`
	APIToken string        `envconfig:"REMOTE_API_TOKEN" default:""`
	Domain   string        `envconfig:"REMOTE_DOMAIN" default:""`
	Template string        `envconfig:"REMOTE_TEMPLATE" default:"base"`
	Timeout  time.Duration `envconfig:"REMOTE_HTTP_TIMEOUT" default:"15s"`
}

// FleetConfig holds the fleet machine service configuration.
type FleetConfig struct {
	APIURL   string        `envconfig:"FLEET_API_URL" default:""`
	APIToken string        `envconfig:"FLEET_API_TOKEN" default:""`
	AppName  string        `envconfig:"FLEET_APP_NAME" default:""`
	Image    string        `envconfig:"FLEET_IMAGE" default:""`
	Region   string        `envconfig:"FLEET_REGION" default:""`
	Domain   string        `envconfig:"FLEET_DOMAIN" default:"fly.dev"`
	Timeout  time.Duration `envconfig:"FLEET_HTTP_TIMEOUT" default:"15s"`
}

// PortsConfig holds background port-exposure worker configuration.
type PortsConfig struct {
	QueueSize   int           `envconfig:"PORTS_QUEUE_SIZE" default:"64"`
	TaskTimeout time.Duration `envconfig:"PORTS_TASK_TIMEOUT" default:"30s"`
	PollTimeout time.Duration `envconfig:"PORTS_POLL_TIMEOUT" default:"1s"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// Default returns default configuration. Used by tests.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8080",
			Host: "0.0.0.0",
		},
		VM: VMConfig{
			Backend:        "docker",
			CommandTimeout: 30 * time.Second,
			InstallTimeout: 5 * time.Minute,
			CreateTimeout:  2 * time.Minute,
		},
		Docker: DockerConfig{
			Image:         "ubuntu:22.04",
			WorkspaceBase: "/var/lib/sandboxd/workspaces",
			NetworkMode:   "bridge",
			PublishPorts:  []int{3000, 5173, 8000, 8080},
		},
		Remote: RemoteConfig{
			Template: "base",
			Timeout:  15 * time.Second,
		},
		Fleet: FleetConfig{
			Domain:  "fly.dev",
			Timeout: 15 * time.Second,
		},
		Ports: PortsConfig{
			QueueSize:   64,
			TaskTimeout: 30 * time.Second,
			PollTimeout: time.Second,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
	}
}
