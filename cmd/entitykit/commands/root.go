// Package commands implements the entitykit command tree.
package commands

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"entitykit/internal/archive"
	"entitykit/internal/blob"
	"entitykit/internal/config"
	"entitykit/internal/logger"
	"entitykit/internal/metrics"
	"entitykit/internal/models/company"
	"entitykit/internal/models/ticket"
	"entitykit/internal/storage"
	"entitykit/pkg/domain"
	"entitykit/pkg/orm"
)

// app carries state shared by every subcommand of one invocation.
type app struct {
	configPath string
	cfg        *config.Config
	log        *zap.SugaredLogger
	blobs      blob.Store
}

// Option customizes the command tree.
type Option func(*app)

// WithBlobStore archives snapshots to blobs instead of the configured driver.
func WithBlobStore(blobs blob.Store) Option {
	return func(a *app) { a.blobs = blobs }
}

// NewRootCommand builds the entitykit command tree.
func NewRootCommand(opts ...Option) *cobra.Command {
	a := &app{log: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(a)
	}
	root := &cobra.Command{
		Use:   "entitykit",
		Short: "Unit of work and identity map toolkit",
		Long: `entitykit - Unit of work and identity map toolkit

Configuration is read from an optional file (--config) and ENTITYKIT_*
environment variables, e.g. ENTITYKIT_STORAGE_DRIVER=memory.

Examples:
  entitykit check                    # Verify reference/query/find identity
  entitykit schema --dialect postgres
  entitykit backup                   # Archive a snapshot of the store
  entitykit restore                  # Restore the latest snapshot`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (yaml, json or toml)")
	root.AddCommand(
		newCheckCommand(a),
		newSchemaCommand(a),
		newBackupCommand(a),
		newRestoreCommand(a),
		newSnapshotsCommand(a),
	)
	return root
}

func (a *app) init() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if err := logger.Initialize(cfg.Log.JSON, cfg.Log.Level); err != nil {
		return err
	}
	a.cfg = cfg
	a.log = logger.Named("cli")
	return nil
}

func registry() (*orm.Registry, error) {
	r := orm.NewRegistry()
	if err := ticket.Register(r); err != nil {
		return nil, err
	}
	if err := company.Register(r); err != nil {
		return nil, err
	}
	if err := r.Build(); err != nil {
		return nil, err
	}
	return r, nil
}

func (a *app) openStore(ctx context.Context, reg *orm.Registry) (storage.Store, error) {
	engine := domain.NewRulesEngine()
	engine.Register(orm.ConstraintRules(reg)...)
	return storage.Open(ctx, a.cfg.Storage, engine)
}

// sessionOptions wires the orm logger and, when enabled, the flush metrics.
func (a *app) sessionOptions() ([]orm.SessionOption, *metrics.FlushCollector, error) {
	opts := []orm.SessionOption{orm.WithLogger(logger.Named("orm"))}
	if !a.cfg.Metrics.Enabled {
		return opts, nil, nil
	}
	collector, err := metrics.NewFlushCollector(a.cfg.Metrics.Namespace)
	if err != nil {
		return nil, nil, err
	}
	return append(opts, orm.WithObserver(collector)), collector, nil
}

func (a *app) archiver(ctx context.Context) (*archive.Archiver, error) {
	blobs := a.blobs
	if blobs == nil {
		s3 := a.cfg.Archive.S3
		var err error
		blobs, err = blob.Open(ctx, blob.Config{
			Driver: blob.Driver(a.cfg.Archive.Driver),
			FSRoot: a.cfg.Archive.FSRoot,
			S3: blob.S3Config{
				Bucket:    s3.Bucket,
				Region:    s3.Region,
				Endpoint:  s3.Endpoint,
				PathStyle: s3.PathStyle,
			},
		})
		if err != nil {
			return nil, err
		}
	}
	return archive.New(blobs, a.cfg.Archive.Prefix, archive.WithLogger(logger.Named("archive"))), nil
}
