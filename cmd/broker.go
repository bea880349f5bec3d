package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/billm/m2mipc/pkg/container"
)

func newBrokerCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Manage a local MQTT broker in docker",
		Long: `broker starts and stops an eclipse-mosquitto container for local
development. The container is bound to 127.0.0.1 on broker.port and accepts
anonymous clients.`,
	}
	cmd.PersistentFlags().StringVar(&opts.dockerHost, "docker-host", "",
		"Docker daemon host (default: unix:///var/run/docker.sock)")

	withLauncher := func(cmd *cobra.Command, fn func(ctx context.Context, l *container.Launcher) error) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		cfg := opts.cfg.Broker

		client, err := container.NewClient(ctx, cfg.DockerHost, opts.log)
		if err != nil {
			return err
		}
		defer client.Close()

		l, err := container.NewLauncher(client, cfg, opts.log)
		if err != nil {
			return err
		}
		return fn(ctx, l)
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Start the broker and wait until it accepts connections",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withLauncher(cmd, func(ctx context.Context, l *container.Launcher) error {
					status, err := l.Up(ctx)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), status)
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Stop and remove the broker container",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withLauncher(cmd, func(ctx context.Context, l *container.Launcher) error {
					return l.Down(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the broker container",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withLauncher(cmd, func(ctx context.Context, l *container.Launcher) error {
					status, err := l.Status(ctx)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), status)
				})
			},
		},
	)
	return cmd
}
