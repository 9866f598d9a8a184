package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/health-records/internal/app"
	"github.com/joseph-ayodele/health-records/internal/entity"
	"github.com/joseph-ayodele/health-records/internal/ingest"
	"github.com/joseph-ayodele/health-records/internal/pipeline"
)

func (c *cli) ingestCmd() *cobra.Command {
	var (
		priority   int
		watch      bool
		process    bool
		skipHidden bool
		debounce   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "ingest <file-or-dir>...",
		Short: "Store documents and queue them for processing",
		Long: "Store documents and queue them for processing. Directories are walked recursively.\n" +
			"--process runs the pipeline in this process and waits for every new entry;\n" +
			"--watch keeps ingesting files that appear under the given directories.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if process {
				if err := c.cfg.ValidateWorker(); err != nil {
					return err
				}
			}
			ctx, _, err := c.ownerContext(cmd.Context())
			if err != nil {
				return err
			}
			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if process {
				stop, err := startWorkers(ctx, a)
				if err != nil {
					return err
				}
				defer stop()
			}

			if watch {
				fmt.Printf("watching %d path(s); Ctrl-C to stop\n", len(args))
				err := a.Ingest.Watch(ctx, ingest.WatchConfig{Roots: args, InitialScan: true, Debounce: debounce}, priority)
				if err != nil && ctx.Err() == nil {
					return err
				}
				return nil
			}

			var (
				queued []uuid.UUID
				stats  ingest.DirStats
			)
			for _, p := range args {
				results, st, err := ingestArg(ctx, a, p, skipHidden, priority)
				if err != nil {
					return err
				}
				stats.Scanned += st.Scanned
				stats.Matched += st.Matched
				stats.Succeeded += st.Succeeded
				stats.Deduplicated += st.Deduplicated
				stats.Failed += st.Failed
				for _, r := range results {
					switch {
					case r.Err != "":
						fmt.Printf("  failed     %s: %s\n", r.SourcePath, r.Err)
					case r.Deduplicated:
						fmt.Printf("  duplicate  %s (document %s)\n", r.SourcePath, r.DocumentID)
					default:
						fmt.Printf("  queued     %s (entry %s)\n", r.SourcePath, r.EntryID)
						queued = append(queued, r.EntryID)
					}
				}
			}
			fmt.Printf("Ingest complete!\n")
			fmt.Printf("- Files matched: %d\n", stats.Matched)
			fmt.Printf("- Queued: %d\n", len(queued))
			fmt.Printf("- Duplicates: %d\n", stats.Deduplicated)
			fmt.Printf("- Failures: %d\n", stats.Failed)

			if process {
				return waitAll(ctx, a, queued)
			}
			return nil
		},
	}
	c.addOwnerFlag(cmd)
	cmd.Flags().IntVar(&priority, "priority", 0, "queue priority for new entries (-1000..1000)")
	cmd.Flags().BoolVar(&watch, "watch", false, "keep watching the directories for new files")
	cmd.Flags().BoolVar(&process, "process", false, "run the pipeline in this process")
	cmd.Flags().BoolVar(&skipHidden, "skip-hidden", true, "skip dot files and directories")
	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "quiet period before a watched file is ingested")
	return cmd
}

func ingestArg(ctx context.Context, a *app.App, path string, skipHidden bool, priority int) ([]ingest.Result, ingest.DirStats, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, ingest.DirStats{}, err
	}
	if info.IsDir() {
		return a.Ingest.IngestDirectory(ctx, path, skipHidden, priority)
	}
	st := ingest.DirStats{Scanned: 1, Matched: 1}
	r, err := a.Ingest.IngestPath(ctx, path, priority)
	if err != nil {
		st.Failed++
		return []ingest.Result{{SourcePath: path, Err: err.Error()}}, st, nil
	}
	st.Succeeded++
	if r.Deduplicated {
		st.Deduplicated++
	}
	return []ingest.Result{r}, st, nil
}

func startWorkers(ctx context.Context, a *app.App) (func(), error) {
	proc, err := a.NewProcessor()
	if err != nil {
		return nil, err
	}
	stop := a.StartLocalWorkers(ctx, proc)
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
		defer cancel()
		stop(shutdownCtx)
	}, nil
}

// waitAll polls each entry until it finishes and prints its progress.
func waitAll(ctx context.Context, a *app.App, ids []uuid.UUID) error {
	poller := pipeline.NewPoller(a.Queue,
		pipeline.WithPollInterval(a.Config.Queue.PollInterval),
		pipeline.WithMaxPolls(a.Config.Queue.PollMaxAttempts),
	)
	failed := 0
	for _, id := range ids {
		lastPhase := ""
		e, err := poller.Wait(ctx, id, func(e *entity.QueueEntry) {
			if string(e.Phase) != lastPhase {
				lastPhase = string(e.Phase)
				fmt.Printf("  %s  %3d%%  %s\n", id, e.Progress, e.Phase)
			}
		})
		if err != nil {
			fmt.Printf("  %s  gave up: %v\n", id, err)
			failed++
			continue
		}
		if e.Error() != "" {
			fmt.Printf("  %s  %s: %s\n", id, e.Status, e.Error())
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d entries did not complete", failed, len(ids))
	}
	return nil
}
