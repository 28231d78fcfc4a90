// Package config loads the lighthouse configuration from defaults, an
// optional YAML file and LIGHTHOUSE_* environment variables, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/retry"
)

const EnvPrefix = "LIGHTHOUSE"

// OptionDockerHost is the resource option naming the remote daemon,
// e.g. tcp://gpu1.lab:2376.
const OptionDockerHost = "docker_host"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Remote   RemoteConfig   `mapstructure:"remote"`
	Tunnel   TunnelConfig   `mapstructure:"tunnel"`
	Services ServicesConfig `mapstructure:"services"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// ProxyDomain enables the access proxy for <service>-<hash>.<ProxyDomain>.
	ProxyDomain string `mapstructure:"proxy_domain"`
}

func (s ServerConfig) Address() string {
	return net.JoinHostPort(s.Host, fmt.Sprint(s.Port))
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type JobsConfig struct {
	DockerHost    string `mapstructure:"docker_host"`
	ContainerRoot string `mapstructure:"container_root"`
	X11Socket     string `mapstructure:"x11_socket"`
	Quiet         bool   `mapstructure:"quiet"`
	Verbose       bool   `mapstructure:"verbose"`
}

// RemoteConfig selects a remote resource. When Enabled, jobs run through
// the resource's daemon and project files travel over rsync.
type RemoteConfig struct {
	Enabled    bool            `mapstructure:"enabled"`
	Resource   domain.Resource `mapstructure:"resource"`
	JobDir     string          `mapstructure:"job_dir"`
	ControlDir string          `mapstructure:"control_dir"`
}

type TunnelConfig struct {
	ControlPersist time.Duration `mapstructure:"control_persist"`
	LocalIP        string        `mapstructure:"local_ip"`
}

type ServicesConfig struct {
	ReadyTries    int           `mapstructure:"ready_tries"`
	ReadyInterval time.Duration `mapstructure:"ready_interval"`
	// Stacks maps a service name to the stack it runs on.
	Stacks map[string]ServiceStack `mapstructure:"stacks"`
}

// ServiceStack is the file form of a service's stack.
type ServiceStack struct {
	Image         string            `mapstructure:"image"`
	Path          string            `mapstructure:"path"`
	ContextDir    string            `mapstructure:"context_dir"`
	GitURL        string            `mapstructure:"git_url"`
	GitRef        string            `mapstructure:"git_ref"`
	ContainerRoot string            `mapstructure:"container_root"`
	// Env holds KEY=value entries. A list keeps key case, which viper
	// folds for map keys.
	Env []string `mapstructure:"env"`
}

// Stack converts s to the domain form.
func (s ServiceStack) Stack() domain.StackConfiguration {
	return domain.StackConfiguration{
		Path:          s.Path,
		Image:         s.Image,
		ContainerRoot: s.ContainerRoot,
		Env:           s.envMap(),
		Build: domain.BuildConfiguration{
			ContextDir: s.ContextDir,
			GitURL:     s.GitURL,
			GitRef:     s.GitRef,
		},
	}
}

func (s ServiceStack) envMap() map[string]string {
	if len(s.Env) == 0 {
		return nil
	}
	env := make(map[string]string, len(s.Env))
	for _, kv := range s.Env {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}
	return env
}

// Ready returns the polling policy for readiness checks.
func (s ServicesConfig) Ready() retry.Options {
	return retry.Options{MaxTries: s.ReadyTries, Interval: s.ReadyInterval}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "5m")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.proxy_domain", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("jobs.docker_host", "")
	v.SetDefault("jobs.container_root", "/")
	v.SetDefault("jobs.x11_socket", "/tmp/.X11-unix")
	v.SetDefault("jobs.quiet", false)
	v.SetDefault("jobs.verbose", false)

	v.SetDefault("remote.enabled", false)
	v.SetDefault("remote.resource.name", "")
	v.SetDefault("remote.resource.address", "")
	v.SetDefault("remote.resource.username", "")
	v.SetDefault("remote.resource.type", "ssh")
	v.SetDefault("remote.job_dir", ".lighthouse/jobs")
	v.SetDefault("remote.control_dir", "/tmp")

	v.SetDefault("tunnel.control_persist", "10m")
	v.SetDefault("tunnel.local_ip", "127.0.0.1")

	v.SetDefault("services.ready_tries", 10)
	v.SetDefault("services.ready_interval", "1s")
}

// Load reads configuration. path may be empty, in which case only defaults
// and the environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	if f := c.Logging.Format; f != "json" && f != "console" {
		errs = append(errs, fmt.Errorf("logging.format %q must be json or console", f))
	}
	if c.Remote.Enabled {
		if c.Remote.Resource.Address == "" {
			errs = append(errs, errors.New("remote.resource.address is required when remote is enabled"))
		}
		if c.Remote.Resource.Options[OptionDockerHost] == "" {
			errs = append(errs, errors.New("remote.resource.options.docker_host is required when remote is enabled"))
		}
		if c.Remote.Resource.Name == "" {
			c.Remote.Resource.Name = c.Remote.Resource.Address
		}
	}
	if c.Tunnel.LocalIP != "" && net.ParseIP(c.Tunnel.LocalIP) == nil {
		errs = append(errs, fmt.Errorf("tunnel.local_ip %q is not an IP address", c.Tunnel.LocalIP))
	}
	if c.Services.ReadyTries < 1 {
		errs = append(errs, errors.New("services.ready_tries must be at least 1"))
	}
	for name, stack := range c.Services.Stacks {
		for _, kv := range stack.Env {
			if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
				errs = append(errs, fmt.Errorf("services.stacks.%s.env entry %q must be KEY=value", name, kv))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", domain.ErrValidation, errors.Join(errs...))
	}
	return nil
}
