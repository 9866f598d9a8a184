package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/health-records/internal/repository"
)

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.cfg.Validate(); err != nil {
				return err
			}
			ctx := cmd.Context()
			db, err := repository.Open(ctx, repository.Config{
				Driver:      c.cfg.Database.Driver,
				DSN:         c.cfg.Database.DSN,
				MaxConns:    2,
				MinConns:    1,
				DialTimeout: c.cfg.Database.DialTimeout,
			}, c.logger)
			if err != nil {
				return err
			}
			defer repository.Close(db, c.logger)

			if err := repository.Migrate(ctx, db, c.logger); err != nil {
				return err
			}
			fmt.Println("schema up to date")
			return nil
		},
	}
}
