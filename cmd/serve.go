package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/billm/m2mipc/internal/config"
	"github.com/billm/m2mipc/internal/logger"
	"github.com/billm/m2mipc/internal/reload"
	"github.com/billm/m2mipc/internal/shutdown"
	"github.com/billm/m2mipc/pkg/ipc"
)

func newServeCmd(opts *options) *cobra.Command {
	var (
		topics []string
		stream int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an echo server on one or more base topics",
		Long: `serve registers an echo server on every --topic and answers each request
with its own payload. With --stream N the server first sends N CONTINUE parts
of the form {"part": i, "of": N} before the final DONE response.

The server runs until SIGINT or SIGTERM. SIGHUP reloads the configuration
file and applies the new log level.`,
		Example: `  m2mipc serve --topic sbrick/1/rr/drive
  m2mipc serve --topic svc/rr/upload --stream 3 --transport nats`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(topics) == 0 {
				return fmt.Errorf("at least one --topic is required")
			}
			if stream < 0 {
				return fmt.Errorf("--stream cannot be negative")
			}
			return runServe(cmd.Context(), opts, topics, stream)
		},
	}

	cmd.Flags().StringArrayVar(&topics, "topic", nil, "Base topic to serve (repeatable)")
	cmd.Flags().IntVar(&stream, "stream", 0, "Number of CONTINUE parts sent before the DONE response")
	return cmd
}

func runServe(ctx context.Context, opts *options, topics []string, stream int) error {
	log := opts.log.With("command", "serve")

	sm := shutdown.New(shutdown.DefaultTimeout, opts.log)

	e, err := opts.connect(sm.Context())
	if err != nil {
		return err
	}
	// hooks run newest first: the session stops before the bus goes away
	var closeErr error
	sm.AddHook("endpoint", func(ctx context.Context) error {
		closeErr = e.close()
		return closeErr
	})

	for _, base := range topics {
		if err := e.session.RegisterServer(base, stream, echoServer); err != nil {
			_ = sm.Shutdown(context.Background(), "registration failed")
			return err
		}
	}

	reloader, err := reload.New(opts.configPath(), opts.cfg, opts.log)
	if err != nil {
		_ = sm.Shutdown(context.Background(), "reloader setup failed")
		return err
	}
	reloader.AddCallback(func(ctx context.Context, newConfig *config.Config) error {
		level, err := logger.ParseLevel(newConfig.Logging.Level)
		if err != nil {
			return err
		}
		opts.log.SetLevel(level)
		log.Info("Applied reloaded configuration", "log_level", newConfig.Logging.Level)
		return nil
	})
	reloader.Start()
	sm.AddHook("config_reloader", func(ctx context.Context) error {
		reloader.Stop()
		return nil
	})

	sm.Start()
	defer sm.Stop()
	log.Info("Serving, press Ctrl+C to stop", "topics", topics, "stream", stream)

	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-sm.Done():
	case <-e.session.Done():
		// the bus went away underneath the session
		_ = sm.Shutdown(context.Background(), "session stopped")
	case <-ctx.Done():
		_ = sm.Shutdown(context.Background(), "context canceled")
	}
	<-sm.Done()
	return closeErr
}

// echoServer answers with the request payload. appdata holds the number of
// CONTINUE parts to send first.
func echoServer(ss *ipc.ServerSession, appdata any, payload json.RawMessage) ipc.Status {
	parts, _ := appdata.(int)
	for i := 1; i <= parts; i++ {
		part := map[string]int{"part": i, "of": parts}
		if status := ss.SendResponse(part, ipc.StatusContinue); status == ipc.StatusError {
			return status
		}
	}
	return ss.SendResponse(payload, ipc.StatusDone)
}
