package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/health-records/internal/app"
	"github.com/joseph-ayodele/health-records/internal/extract"
	"github.com/joseph-ayodele/health-records/internal/repository"
)

// extractCmd runs the pipeline's providers on one local file without touching the queue.
func (c *cli) extractCmd() *cobra.Command {
	var (
		enhance bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "extract <file>",
		Short: "Run OCR (and optionally enhancement) on a single file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if enhance {
				if err := c.cfg.ValidateWorker(); err != nil {
					return err
				}
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			pr, err := app.BuildProviders(c.cfg, c.logger)
			if err != nil {
				return err
			}
			start := time.Now()
			text, err := pr.Text.Extract(ctx, args[0])
			if err != nil {
				return fmt.Errorf("text extraction failed: %w", err)
			}
			c.logger.Info("text extraction OK",
				"method", text.Method,
				"pages", text.Pages,
				"confidence", text.Confidence,
				"chars", len(text.Text),
				"duration_ms", time.Since(start).Milliseconds(),
			)
			if !enhance {
				fmt.Println(text.Text)
				return nil
			}

			req := extract.EnhanceRequest{Text: text.Text, Filename: filepath.Base(args[0])}
			if p, ok := pr.Entities.(extract.Prober); ok && p.Probe(ctx) == nil {
				if req.Entities, err = pr.Entities.DetectEntities(ctx, text.Text); err != nil {
					c.logger.Warn("entities failed", "err", err)
				}
			}
			out, _, err := pr.Enhancer.Enhance(ctx, req)
			if err != nil {
				return fmt.Errorf("enhancement failed: %w", err)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().BoolVar(&enhance, "enhance", false, "also run entity detection and LLM enhancement")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "overall deadline")
	return cmd
}

func (c *cli) dbhealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dbhealth",
		Short: "Check that the database is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.cfg.Validate(); err != nil {
				return err
			}
			ctx := cmd.Context()
			db, err := repository.Open(ctx, repository.Config{
				Driver:      c.cfg.Database.Driver,
				DSN:         c.cfg.Database.DSN,
				MaxConns:    1,
				DialTimeout: c.cfg.Database.DialTimeout,
			}, c.logger)
			if err != nil {
				return err
			}
			defer repository.Close(db, c.logger)

			if err := repository.HealthCheck(ctx, db, time.Second, c.logger); err != nil {
				return fmt.Errorf("DB health: FAIL (%w)", err)
			}
			fmt.Printf("DB health: OK (%s)\n", db.Dialect())
			return nil
		},
	}
}
