package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/health-records/constants"
	"github.com/joseph-ayodele/health-records/internal/app"
	"github.com/joseph-ayodele/health-records/internal/entity"
	"github.com/joseph-ayodele/health-records/internal/queue"
)

func (c *cli) queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the processing queue",
	}
	cmd.AddCommand(
		c.queueListCmd(),
		c.queueStatsCmd(),
		c.queueEntryCmd("retry", "Retry a failed entry", func(ctx context.Context, a *app.App, id uuid.UUID) error {
			e, err := a.Queue.Retry(ctx, id)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s (attempt %d/%d)\n", e.ID, e.Status, e.AttemptCount, e.MaxAttempts)
			return nil
		}),
		c.queueEntryCmd("cancel", "Remove a queued entry", func(ctx context.Context, a *app.App, id uuid.UUID) error {
			if err := a.Queue.Cancel(ctx, id); err != nil {
				return err
			}
			fmt.Printf("%s cancelled\n", id)
			return nil
		}),
		c.queueBulkCmd("retry-failed", "Retry every failed entry with attempts left", (*queue.Service).RetryAllFailed),
		c.queueBulkCmd("clear", "Delete completed entries", (*queue.Service).ClearCompleted),
		c.queuePriorityCmd(),
	)
	return cmd
}

// withOwnerApp runs fn against an opened app scoped to the owner.
func (c *cli) withOwnerApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx, _, err := c.ownerContext(cmd.Context())
	if err != nil {
		return err
	}
	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func (c *cli) queueListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List entries in queue order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withOwnerApp(cmd, func(ctx context.Context, a *app.App) error {
				var (
					list []*entity.QueueEntry
					err  error
				)
				if status != "" {
					s, perr := constants.ParseQueueStatus(status)
					if perr != nil {
						return perr
					}
					list, err = a.Queue.ItemsByStatus(ctx, s)
				} else {
					list, err = a.Queue.ListQueue(ctx)
				}
				if err != nil {
					return err
				}
				printEntries(list)
				return nil
			})
		},
	}
	c.addOwnerFlag(cmd)
	cmd.Flags().StringVar(&status, "status", "", "only entries with this status")
	return cmd
}

func (c *cli) queueStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show per-status counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withOwnerApp(cmd, func(ctx context.Context, a *app.App) error {
				st, err := a.Queue.GetStats(ctx)
				if err != nil {
					return err
				}
				avg, err := a.Queue.AverageProcessingTime(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintf(w, "total\t%d\n", st.Total)
				fmt.Fprintf(w, "queued\t%d\n", st.Queued)
				fmt.Fprintf(w, "processing\t%d\n", st.Processing)
				fmt.Fprintf(w, "completed\t%d\n", st.Completed)
				fmt.Fprintf(w, "failed\t%d\n", st.Failed)
				fmt.Fprintf(w, "retrying\t%d\n", st.Retrying)
				fmt.Fprintf(w, "avg processing\t%.0f ms\n", avg)
				return w.Flush()
			})
		},
	}
	c.addOwnerFlag(cmd)
	return cmd
}

func (c *cli) queueEntryCmd(use, short string, fn func(context.Context, *app.App, uuid.UUID) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <entry-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid entry id %q", args[0])
			}
			return c.withOwnerApp(cmd, func(ctx context.Context, a *app.App) error {
				return fn(ctx, a, id)
			})
		},
	}
	c.addOwnerFlag(cmd)
	return cmd
}

func (c *cli) queueBulkCmd(use, short string, op func(*queue.Service, context.Context) (queue.BulkResult, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withOwnerApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := op(a.Queue, ctx)
				if err != nil {
					return err
				}
				if res.NoOp() {
					fmt.Println("nothing to do")
					return nil
				}
				fmt.Printf("%d affected, %d skipped\n", len(res.Affected), len(res.Skipped))
				for id, msg := range res.Failures {
					fmt.Printf("  %s: %s\n", id, msg)
				}
				return res.Err()
			})
		},
	}
	c.addOwnerFlag(cmd)
	return cmd
}

func (c *cli) queuePriorityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "priority <entry-id> <priority>",
		Short: "Change an entry's priority",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid entry id %q", args[0])
			}
			p, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid priority %q", args[1])
			}
			return c.withOwnerApp(cmd, func(ctx context.Context, a *app.App) error {
				e, err := a.Queue.SetPriority(ctx, id, p)
				if err != nil {
					return err
				}
				fmt.Printf("%s priority %d\n", e.ID, e.Priority)
				return nil
			})
		},
	}
	c.addOwnerFlag(cmd)
	return cmd
}

func printEntries(list []*entity.QueueEntry) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tATTEMPTS\tPHASE\tPROGRESS\tCREATED\tERROR")
	for _, e := range list {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d/%d\t%s\t%d%%\t%s\t%s\n",
			e.ID, e.Status, e.Priority, e.AttemptCount, e.MaxAttempts,
			e.Phase, e.Progress, e.CreatedAt.Format("2006-01-02 15:04:05"), e.Error())
	}
	_ = w.Flush()
}
