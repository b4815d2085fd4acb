// Package app wires configuration into a running engine: the remote store,
// the enabled backends and the plan engine built on them.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"hpc-orchestrator/config"
	"hpc-orchestrator/core/backends"
	"hpc-orchestrator/core/executor"
	"hpc-orchestrator/core/monitoring"
	"hpc-orchestrator/core/plan"
	"hpc-orchestrator/core/repository"
	"hpc-orchestrator/core/session"
	"hpc-orchestrator/providers/aws"
	"hpc-orchestrator/providers/local"
	"hpc-orchestrator/providers/slurm"
)

// App holds the long-lived components of a process
type App struct {
	Config    *config.Config
	Log       *zap.Logger
	Session   *session.Session
	DB        *repository.DB
	Plans     *repository.PlanRepository
	Events    *repository.EventRepository
	Artifacts *repository.ArtifactRepository
	Registry  *backends.Registry
	Engine    *plan.Engine

	closers []func() error
}

// New opens the store and builds the engine. Close releases everything.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{Config: cfg, Log: log}

	sess, err := NewSession(cfg.Session)
	if err != nil {
		return nil, err
	}
	a.Session = sess

	db, err := repository.NewDB(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open plan store: %w", err)
	}
	a.DB = db
	a.closers = append(a.closers, db.Close)
	a.Plans = repository.NewPlanRepository(db)
	a.Events = repository.NewEventRepository(db)
	a.Artifacts = repository.NewArtifactRepository(db)

	reg, closers, err := BuildRegistry(ctx, cfg.Backends, log)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Registry = reg
	a.closers = append(a.closers, closers...)

	engine, err := plan.NewEngine(plan.Options{
		Session:   sess,
		Registry:  reg,
		Store:     a.Plans,
		Artifacts: a.Artifacts,
		Poll: monitoring.PollerOptions{
			RateLimit:   cfg.Poll.RateLimit,
			Burst:       cfg.Poll.Burst,
			Concurrency: cfg.Poll.Concurrency,
		},
		Concurrency: cfg.Poll.Concurrency,
		WaitInitial: cfg.Poll.Interval,
		WaitMax:     cfg.Poll.MaxInterval,
		Logger:      log,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Engine = engine

	log.Info("engine ready",
		zap.String("principal", sess.Principal),
		zap.String("database", string(db.Dialect())),
		zap.Any("backends", reg.Names()))
	return a, nil
}

// Close releases the store and backend connections
func (a *App) Close() error {
	var errList []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errList = append(errList, err)
		}
	}
	a.closers = nil
	return errors.Join(errList...)
}

// SnapshotPath returns where the local snapshot of a plan is kept
func (a *App) SnapshotPath(id string) string {
	return filepath.Join(a.Config.StateDir, id+".json")
}

// NewSession creates the session every remote operation runs under. Without
// a configured token the process authenticates itself with a random one.
func NewSession(cfg config.SessionConfig) (*session.Session, error) {
	principal := cfg.Principal
	if principal == "" {
		principal = "local"
	}
	token := cfg.Token
	if token == "" {
		token = uuid.New().String()
	}
	return session.New(principal, token, cfg.TTL)
}

// BuildRegistry creates every enabled backend. The returned closers release
// backend connections.
func BuildRegistry(ctx context.Context, cfg config.BackendsConfig, log *zap.Logger) (*backends.Registry, []func() error, error) {
	reg := backends.NewRegistry()
	var closers []func() error

	if cfg.Local.Enabled {
		reg.Register(local.New(local.Config{Shell: cfg.Local.Shell, Python: cfg.Local.Python}, log))
	}

	if s := cfg.Slurm; s.Enabled {
		sshCfg := executor.SSHConfig{
			User:                  s.User,
			PrivateKeyFile:        s.PrivateKeyFile,
			Passphrase:            s.Passphrase,
			Password:              s.Password,
			KnownHostsFile:        s.KnownHostsFile,
			InsecureIgnoreHostKey: s.InsecureIgnoreHostKey,
			Port:                  s.Port,
			Timeout:               s.Timeout,
		}
		if sshCfg.PrivateKeyFile != "" {
			if _, err := os.Stat(sshCfg.PrivateKeyFile); err != nil {
				return nil, closers, fmt.Errorf("slurm private key: %w", err)
			}
		}
		client, err := executor.NewSSHClient(sshCfg, log)
		if err != nil {
			return nil, closers, fmt.Errorf("failed to configure slurm ssh: %w", err)
		}
		closers = append(closers, client.Close)
		reg.Register(slurm.New(client, slurm.Config{ScratchRoot: s.ScratchRoot, Python: s.Python}, log))
	}

	if c := cfg.AWS; c.Enabled {
		client, err := aws.NewClient(ctx, aws.Config{
			Bucket:          c.Bucket,
			Prefix:          c.Prefix,
			Region:          c.Region,
			Profile:         c.Profile,
			AccessKeyID:     c.AccessKeyID,
			SecretAccessKey: c.SecretAccessKey,
			Endpoint:        c.Endpoint,
			ForcePathStyle:  c.ForcePathStyle,
			InstanceProfile: c.InstanceProfile,
			InstanceType:    c.InstanceType,
			AMIs:            c.AMIs,
			AMINamePattern:  c.AMINamePattern,
			SubnetID:        c.SubnetID,
			SecurityGroups:  c.SecurityGroups,
			KeyName:         c.KeyName,
		}, log)
		if err != nil {
			return nil, closers, fmt.Errorf("failed to configure aws: %w", err)
		}
		reg.Register(client)
	}

	if len(reg.Names()) == 0 {
		return nil, closers, fmt.Errorf("no backend is enabled")
	}
	return reg, closers, nil
}
