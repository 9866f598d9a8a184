package main

import (
	"github.com/spf13/cobra"
)

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gRPC and HTTP APIs",
		Long: "Run the gRPC and HTTP APIs. With QUEUE_DISPATCHER=local the pipeline runs in this process;\n" +
			"with QUEUE_DISPATCHER=amqp jobs are published for `records worker`.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.cfg.ValidateServer(); err != nil {
				return err
			}
			ctx := cmd.Context()
			defer c.initTelemetry(ctx, "server")()

			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			c.logger.Info("records.serve.starting",
				"grpc_addr", c.cfg.Server.GRPCAddr,
				"http_addr", c.cfg.Server.HTTPAddr,
				"dispatcher", c.cfg.Queue.Dispatcher,
			)
			return a.Serve(ctx)
		},
	}
}

func (c *cli) workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Process queue entries until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.cfg.ValidateWorker(); err != nil {
				return err
			}
			ctx := cmd.Context()
			defer c.initTelemetry(ctx, "worker")()

			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.RunWorker(ctx)
		},
	}
}
