package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newRequestCmd(opts *options) *cobra.Command {
	var (
		base    string
		payload string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "request",
		Short: "Send one request and print the response",
		Long: `request publishes payload to the request topic derived from --topic and
waits for the DONE response. The response is printed as JSON; CONTINUE parts
received before DONE are listed under "parts".

The command exits with status 2 when the request times out and 1 on any
other failure.`,
		Example: `  m2mipc request --topic sbrick/1/rr/drive --payload '{"speed": 3}' --timeout 2s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if base == "" {
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

			resp, callErr := e.session.Call(ctx, base, body, timeout)
			if err := e.close(); err != nil && callErr == nil {
				callErr = err
			}
			if resp != nil {
				if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
					return err
				}
			}
			return callErr
		},
	}

	cmd.Flags().StringVar(&base, "topic", "", "Base topic of the server")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON request payload (default: null)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Response timeout (default: ipc.default_timeout)")
	return cmd
}
