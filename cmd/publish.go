package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newPublishCmd(opts *options) *cobra.Command {
	var (
		t       string
		payload string
	)

	cmd := &cobra.Command{
		Use:     "publish",
		Short:   "Publish one message",
		Example: `  m2mipc publish --topic sbrick/1/sp/battery --payload '{"volts": 7.4}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if t == "" {
				return fmt.Errorf("--topic is required")
			}
			body, err := parsePayload(payload)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			e, err := opts.connect(ctx)
			if err != nil {
				return err
			}

			pubErr := e.session.Publish(ctx, t, body)
			if err := e.close(); err != nil && pubErr == nil {
				pubErr = err
			}
			return pubErr
		},
	}

	cmd.Flags().StringVar(&t, "topic", "", "Topic to publish to")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload (default: null)")
	return cmd
}
