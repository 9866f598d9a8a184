package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/health-records/constants"
)

func (c *cli) exportCmd() *cobra.Command {
	var (
		out      string
		statuses []string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the queue to an Excel workbook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := make([]constants.QueueStatus, 0, len(statuses))
			for _, raw := range statuses {
				s, err := constants.ParseQueueStatus(raw)
				if err != nil {
					return err
				}
				filter = append(filter, s)
			}
			ctx, owner, err := c.ownerContext(cmd.Context())
			if err != nil {
				return err
			}
			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			data, err := a.Export.ExportQueueXLSX(ctx, owner, filter...)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			fmt.Printf("wrote %s (%d bytes)\n", out, len(data))
			return nil
		},
	}
	c.addOwnerFlag(cmd)
	cmd.Flags().StringVarP(&out, "out", "o", "queue.xlsx", "output file")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only entries with these statuses (repeatable)")
	return cmd
}
