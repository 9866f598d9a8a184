package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/health-records/internal/app"
	"github.com/joseph-ayodele/health-records/internal/common"
	"github.com/joseph-ayodele/health-records/internal/telemetry"
)

type cli struct {
	configPath string
	logLevel   string
	owner      string

	cfg    *common.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "records",
		Short:         "Health records document processing queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return c.load()
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "config file (yaml, json or toml); env vars still override it")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "debug, info, warn or error; overrides LOG_LEVEL")

	root.AddCommand(
		c.serveCmd(),
		c.workerCmd(),
		c.migrateCmd(),
		c.dbhealthCmd(),
		c.ingestCmd(),
		c.queueCmd(),
		c.exportCmd(),
		c.tokenCmd(),
		c.extractCmd(),
	)
	return root
}

func (c *cli) load() error {
	cfg, err := common.LoadConfig(c.configPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	c.cfg = cfg
	c.logger = common.NewLogger(cfg.Log)
	slog.SetDefault(c.logger)
	return nil
}

func (c *cli) open(ctx context.Context) (*app.App, error) {
	if err := c.cfg.Validate(); err != nil {
		return nil, err
	}
	return app.New(ctx, c.cfg, c.logger)
}

func (c *cli) initTelemetry(ctx context.Context, role string) func() {
	shutdown, err := telemetry.Init(ctx, c.cfg.Telemetry, role, c.logger)
	if err != nil {
		c.logger.Warn("telemetry.init_failed", "err", err)
		return func() {}
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			c.logger.Warn("telemetry.shutdown_failed", "err", err)
		}
	}
}

func (c *cli) addOwnerFlag(cmd *cobra.Command) {
	cmd.Flags().StringVar(&c.owner, "owner", "", "owner id to act as (default $RECORDS_OWNER)")
}

// ownerContext scopes ctx to the owner given by --owner or RECORDS_OWNER.
func (c *cli) ownerContext(ctx context.Context) (context.Context, uuid.UUID, error) {
	raw := c.owner
	if raw == "" {
		raw = os.Getenv("RECORDS_OWNER")
	}
	id, err := uuid.Parse(raw)
	if err != nil || id == uuid.Nil {
		return nil, uuid.Nil, fmt.Errorf("--owner or RECORDS_OWNER must be a UUID")
	}
	return common.WithOwnerID(ctx, id), id, nil
}
