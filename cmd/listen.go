package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"github.com/billm/m2mipc/internal/shutdown"
)

// listenedMessage is one line of listen output
type listenedMessage struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

func newListenCmd(opts *options) *cobra.Command {
	var (
		pattern string
		count   int
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print every message published on a topic pattern",
		Long: `listen subscribes to --topic, which may contain the + and # wildcards, and
prints each message as one line of JSON. It runs until SIGINT or SIGTERM, or
until --count messages have been printed.`,
		Example: `  m2mipc listen --topic 'sbrick/+/sp/#'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if pattern == "" {
				return fmt.Errorf("--topic is required")
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runListen(ctx, opts, pattern, count, cmd.OutOrStdout(), nil)
		},
	}

	cmd.Flags().StringVar(&pattern, "topic", "", "Topic pattern to subscribe to")
	cmd.Flags().IntVar(&count, "count", 0, "Exit after this many messages (0: run until interrupted)")
	return cmd
}

// runListen prints messages matching pattern to w. ready, when set, is
// closed once the subscription is in place.
func runListen(ctx context.Context, opts *options, pattern string, count int, w io.Writer, ready chan<- struct{}) error {
	sm := shutdown.New(shutdown.DefaultTimeout, opts.log)

	e, err := opts.connect(sm.Context())
	if err != nil {
		return err
	}
	var closeErr error
	sm.AddHook("endpoint", func(ctx context.Context) error {
		closeErr = e.close()
		return closeErr
	})

	var (
		mu       sync.Mutex
		received int
		printErr error
	)
	err = e.session.RegisterSubscribe(pattern, nil, func(t string, _ any, payload json.RawMessage) {
		mu.Lock()
		defer mu.Unlock()
		if printErr != nil || (count > 0 && received >= count) {
			return
		}
		if err := printJSON(w, listenedMessage{Topic: t, Payload: payload}); err != nil {
			printErr = err
		}
		received++
		if printErr != nil || (count > 0 && received == count) {
			go sm.Shutdown(context.Background(), "listen finished")
		}
	})
	if err != nil {
		_ = sm.Shutdown(context.Background(), "subscription failed")
		return err
	}
	if ready != nil {
		close(ready)
	}

	sm.Start()
	defer sm.Stop()
	opts.log.Info("Listening", "pattern", pattern, "count", count)

	select {
	case <-sm.Done():
	case <-e.session.Done():
		_ = sm.Shutdown(context.Background(), "session stopped")
	case <-ctx.Done():
		_ = sm.Shutdown(context.Background(), "context canceled")
	}
	<-sm.Done()

	mu.Lock()
	defer mu.Unlock()
	if printErr != nil {
		return printErr
	}
	return closeErr
}
