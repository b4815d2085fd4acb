// Package config loads process configuration from defaults, an optional
// YAML file and HPC_ environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. HPC_DATABASE_URL
const EnvPrefix = "HPC"

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Session  SessionConfig  `mapstructure:"session"`
	Poll     PollConfig     `mapstructure:"poll"`
	StateDir string         `mapstructure:"state_dir"` // Local plan snapshots
	Backends BackendsConfig `mapstructure:"backends"`
}

// ServerConfig configures the REST server
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig configures the remote plan store
type DatabaseConfig struct {
	URL string `mapstructure:"url"` // postgres:// URL or SQLite path
}

// LoggingConfig configures the logger
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// SessionConfig identifies the principal remote operations run under
type SessionConfig struct {
	Principal string        `mapstructure:"principal"` // Defaults to $USER
	Token     string        `mapstructure:"token"`     // Bearer token the REST API requires when set
	TTL       time.Duration `mapstructure:"ttl"`       // Zero means no expiry
}

// PollConfig tunes status polling
type PollConfig struct {
	Interval    time.Duration `mapstructure:"interval"`     // Server monitor tick and first Wait backoff
	MaxInterval time.Duration `mapstructure:"max_interval"` // Wait backoff cap
	Concurrency int           `mapstructure:"concurrency"`
	RateLimit   float64       `mapstructure:"rate_limit"` // Backend polls per second, 0 for unlimited
	Burst       int           `mapstructure:"burst"`
}

// BackendsConfig enables and configures the remote backends
type BackendsConfig struct {
	Local LocalConfig `mapstructure:"local"`
	Slurm SlurmConfig `mapstructure:"slurm"`
	AWS   AWSConfig   `mapstructure:"aws"`
}

// LocalConfig configures the local process backend
type LocalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Shell   string `mapstructure:"shell"`
	Python  string `mapstructure:"python"`
}

// SlurmConfig configures the SSH connection to Slurm login nodes
type SlurmConfig struct {
	Enabled               bool          `mapstructure:"enabled"`
	User                  string        `mapstructure:"user"`
	Port                  int           `mapstructure:"port"`
	PrivateKeyFile        string        `mapstructure:"private_key_file"`
	Passphrase            string        `mapstructure:"passphrase"`
	Password              string        `mapstructure:"password"`
	KnownHostsFile        string        `mapstructure:"known_hosts_file"`
	InsecureIgnoreHostKey bool          `mapstructure:"insecure_ignore_host_key"`
	Timeout               time.Duration `mapstructure:"timeout"`
	ScratchRoot           string        `mapstructure:"scratch_root"`
	Python                string        `mapstructure:"python"`
}

// AWSConfig configures the EC2 backend
type AWSConfig struct {
	Enabled         bool              `mapstructure:"enabled"`
	Bucket          string            `mapstructure:"bucket"`
	Prefix          string            `mapstructure:"prefix"`
	Region          string            `mapstructure:"region"`
	Profile         string            `mapstructure:"profile"`
	AccessKeyID     string            `mapstructure:"access_key_id"`
	SecretAccessKey string            `mapstructure:"secret_access_key"`
	Endpoint        string            `mapstructure:"endpoint"`
	ForcePathStyle  bool              `mapstructure:"force_path_style"`
	InstanceProfile string            `mapstructure:"instance_profile"`
	InstanceType    string            `mapstructure:"instance_type"`
	AMIs            map[string]string `mapstructure:"amis"`
	AMINamePattern  string            `mapstructure:"ami_name_pattern"`
	SubnetID        string            `mapstructure:"subnet_id"`
	SecurityGroups  []string          `mapstructure:"security_groups"`
	KeyName         string            `mapstructure:"key_name"`
}

// Load reads the configuration. An empty path looks for hpc-orchestrator.yaml
// in the working directory and the user config directory; a missing file is
// not an error unless path names it explicitly.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("hpc-orchestrator")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "hpc-orchestrator"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.Session.Principal == "" {
		cfg.Session.Principal = os.Getenv("USER")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every key so environment overrides reach Unmarshal
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "5m")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("database.url", filepath.Join(defaultStateRoot(), "plans.db"))

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("session.principal", "")
	v.SetDefault("session.token", "")
	v.SetDefault("session.ttl", "0s")

	v.SetDefault("poll.interval", "30s")
	v.SetDefault("poll.max_interval", "5m")
	v.SetDefault("poll.concurrency", 8)
	v.SetDefault("poll.rate_limit", 5.0)
	v.SetDefault("poll.burst", 5)

	v.SetDefault("state_dir", filepath.Join(defaultStateRoot(), "plans"))

	v.SetDefault("backends.local.enabled", true)
	v.SetDefault("backends.local.shell", "sh")
	v.SetDefault("backends.local.python", "python3")

	v.SetDefault("backends.slurm.enabled", false)
	v.SetDefault("backends.slurm.user", "")
	v.SetDefault("backends.slurm.port", 22)
	v.SetDefault("backends.slurm.private_key_file", "")
	v.SetDefault("backends.slurm.passphrase", "")
	v.SetDefault("backends.slurm.password", "")
	v.SetDefault("backends.slurm.known_hosts_file", defaultKnownHosts())
	v.SetDefault("backends.slurm.insecure_ignore_host_key", false)
	v.SetDefault("backends.slurm.timeout", "30s")
	v.SetDefault("backends.slurm.scratch_root", "")
	v.SetDefault("backends.slurm.python", "python3")

	v.SetDefault("backends.aws.enabled", false)
	v.SetDefault("backends.aws.bucket", "")
	v.SetDefault("backends.aws.prefix", "hpc-orchestrator")
	v.SetDefault("backends.aws.region", "")
	v.SetDefault("backends.aws.profile", "")
	v.SetDefault("backends.aws.access_key_id", "")
	v.SetDefault("backends.aws.secret_access_key", "")
	v.SetDefault("backends.aws.endpoint", "")
	v.SetDefault("backends.aws.force_path_style", false)
	v.SetDefault("backends.aws.instance_profile", "")
	v.SetDefault("backends.aws.instance_type", "c5.xlarge")
	v.SetDefault("backends.aws.ami_name_pattern", "")
	v.SetDefault("backends.aws.subnet_id", "")
	v.SetDefault("backends.aws.security_groups", []string{})
	v.SetDefault("backends.aws.key_name", "")
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if strings.TrimSpace(c.Database.URL) == "" {
		return fmt.Errorf("database url is required")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("logging format %q: want json or console", c.Logging.Format)
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.Poll.MaxInterval < c.Poll.Interval {
		return fmt.Errorf("poll max_interval %s is below interval %s", c.Poll.MaxInterval, c.Poll.Interval)
	}
	if c.Poll.RateLimit < 0 {
		return fmt.Errorf("poll rate_limit must not be negative")
	}
	if !c.Backends.Local.Enabled && !c.Backends.Slurm.Enabled && !c.Backends.AWS.Enabled {
		return fmt.Errorf("no backend is enabled")
	}
	if s := c.Backends.Slurm; s.Enabled {
		if s.User == "" {
			return fmt.Errorf("backends.slurm.user is required")
		}
		if s.PrivateKeyFile == "" && s.Password == "" {
			return fmt.Errorf("backends.slurm needs private_key_file or password")
		}
	}
	if a := c.Backends.AWS; a.Enabled {
		if a.Bucket == "" {
			return fmt.Errorf("backends.aws.bucket is required")
		}
		if (a.AccessKeyID == "") != (a.SecretAccessKey == "") {
			return fmt.Errorf("backends.aws access_key_id and secret_access_key must be set together")
		}
	}
	return nil
}

func defaultStateRoot() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "hpc-orchestrator")
	}
	return ".hpc-orchestrator"
}

func defaultKnownHosts() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".ssh", "known_hosts")
	}
	return ""
}
