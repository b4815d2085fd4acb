package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("USER", "alice")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "localhost:8080", cfg.Server.Addr())
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "alice", cfg.Session.Principal)
	assert.Zero(t, cfg.Session.TTL)
	assert.Equal(t, 30*time.Second, cfg.Poll.Interval)
	assert.Equal(t, 5*time.Minute, cfg.Poll.MaxInterval)
	assert.Equal(t, 8, cfg.Poll.Concurrency)
	assert.True(t, cfg.Backends.Local.Enabled)
	assert.False(t, cfg.Backends.Slurm.Enabled)
	assert.Equal(t, 22, cfg.Backends.Slurm.Port)
	assert.Equal(t, "hpc-orchestrator", cfg.Backends.AWS.Prefix)
	assert.NotEmpty(t, cfg.Database.URL)
	assert.NotEmpty(t, cfg.StateDir)
}

func TestLoadFileAndEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
database:
  url: postgres://db/hpc?sslmode=disable
logging:
  format: console
poll:
  interval: 10s
backends:
  slurm:
    enabled: true
    user: hpcuser
    private_key_file: /home/hpcuser/.ssh/id_ed25519
  aws:
    enabled: true
    bucket: runs
    amis:
      us-east-1: ami-123
    security_groups: [sg-1, sg-2]
`), 0o644))

	t.Setenv("HPC_SERVER_PORT", "9100")
	t.Setenv("HPC_SESSION_TOKEN", "s3cret")
	t.Setenv("HPC_BACKENDS_AWS_REGION", "eu-west-1")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port, "environment wins over the file")
	assert.Equal(t, "postgres://db/hpc?sslmode=disable", cfg.Database.URL)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, "s3cret", cfg.Session.Token)
	assert.Equal(t, 10*time.Second, cfg.Poll.Interval)
	assert.Equal(t, "hpcuser", cfg.Backends.Slurm.User)
	assert.Equal(t, "eu-west-1", cfg.Backends.AWS.Region)
	assert.Equal(t, "ami-123", cfg.Backends.AWS.AMIs["us-east-1"])
	assert.Equal(t, []string{"sg-1", "sg-2"}, cfg.Backends.AWS.SecurityGroups)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Server:   ServerConfig{Port: 8080},
			Database: DatabaseConfig{URL: ":memory:"},
			Logging:  LoggingConfig{Level: "info", Format: "json"},
			Poll:     PollConfig{Interval: time.Second, MaxInterval: time.Minute},
			Backends: BackendsConfig{Local: LocalConfig{Enabled: true}},
		}
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(*Config) {}, true},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, false},
		{"no database", func(c *Config) { c.Database.URL = " " }, false},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, false},
		{"inverted poll", func(c *Config) { c.Poll.MaxInterval = time.Millisecond }, false},
		{"no backend", func(c *Config) { c.Backends.Local.Enabled = false }, false},
		{"slurm without auth", func(c *Config) {
			c.Backends.Slurm = SlurmConfig{Enabled: true, User: "u"}
		}, false},
		{"slurm with key", func(c *Config) {
			c.Backends.Slurm = SlurmConfig{Enabled: true, User: "u", PrivateKeyFile: "/k"}
		}, true},
		{"aws without bucket", func(c *Config) { c.Backends.AWS.Enabled = true }, false},
		{"aws half credentials", func(c *Config) {
			c.Backends.AWS = AWSConfig{Enabled: true, Bucket: "b", AccessKeyID: "AKIA"}
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
