// Package cmd implements the m2mipc command line.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/billm/m2mipc/internal/config"
	"github.com/billm/m2mipc/internal/logger"
	"github.com/billm/m2mipc/pkg/bus"
	"github.com/billm/m2mipc/pkg/ipc"
	"github.com/billm/m2mipc/pkg/transport"
	"github.com/billm/m2mipc/pkg/types"
)

// Version is the m2mipc release
const Version = "0.1.0"

// options holds the persistent flags and the state they produce
type options struct {
	cfgFile   string
	logLevel  string
	logFormat string
	logOutput string
	transport string
	url       string
	clientID  string

	dockerHost string

	cfg *config.Config
	log *logger.Logger
}

// NewRootCmd builds the m2mipc command tree
func NewRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "m2mipc",
		Short: "Request/response and pub/sub IPC over a message bus",
		Long: `m2mipc runs IPC endpoints on top of a publish/subscribe bus.

Servers register a base topic and answer requests published beneath it;
clients send requests with a correlation suffix and receive responses on
the rewritten reply topic. MQTT, NATS, AMQP and Redis are supported, plus an
in-process memory bus.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.log != nil {
				_ = opts.log.Close()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.cfgFile, "config", "",
		"Config file path (default: ~/.config/m2mipc/config.yaml when present)")
	flags.StringVar(&opts.logLevel, "log-level", "",
		"Log level: debug, info, warn, error (default: from config or env)")
	flags.StringVar(&opts.logFormat, "log-format", "",
		"Log format: json, text (default: from config or env)")
	flags.StringVar(&opts.logOutput, "log-output", "",
		"Log output: stdout, stderr, or file path (default: from config or env)")
	flags.StringVar(&opts.transport, "transport", "",
		"Bus transport: mqtt, nats, amqp, redis, memory (default: mqtt)")
	flags.StringVar(&opts.url, "url", "",
		"Bus URL (default: the local broker of the transport)")
	flags.StringVar(&opts.clientID, "client-id", "",
		"Bus client identifier (default: generated)")

	root.AddCommand(
		newServeCmd(opts),
		newRequestCmd(opts),
		newPublishCmd(opts),
		newListenCmd(opts),
		newBrokerCmd(opts),
	)
	return root
}

// Execute runs the root command. This is called by main.main().
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode reports a timed out request with the TIMEOUT status code
func exitCode(err error) int {
	if types.IsErrCode(err, types.ErrCodeTimeout) {
		return int(ipc.StatusTimeout)
	}
	return 1
}

// init loads the configuration and builds the logger. Flags win over the
// config file and the environment.
func (o *options) init() error {
	var (
		cfg *config.Config
		err error
	)
	if o.cfgFile != "" {
		cfg, err = config.LoadWithPath(o.cfgFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	cfg.ApplyOverrides(config.OverrideOptions{
		Transport: o.transport,
		URL:       o.url,
		ClientID:  o.clientID,
		LogLevel:  o.logLevel,
		LogFormat: o.logFormat,
		LogOutput: o.logOutput,

		DockerHost: o.dockerHost,
	})
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetGlobal(log)

	o.cfg = cfg
	o.log = log
	return nil
}

// configPath is the file a SIGHUP reload reads
func (o *options) configPath() string {
	if o.cfgFile != "" {
		return o.cfgFile
	}
	path, err := config.GetDefaultConfigPath()
	if err != nil {
		return ""
	}
	return path
}

// endpoint is a connected bus client with a running IPC session
type endpoint struct {
	client  bus.Client
	session *ipc.Session
	runErr  chan error
}

// connect dials the configured bus and starts a session on it. The session
// runs until ctx ends or close is called.
func (o *options) connect(ctx context.Context) (*endpoint, error) {
	client, err := transport.Dial(ctx, o.cfg.Bus, o.log)
	if err != nil {
		return nil, err
	}
	session, err := ipc.New(client, o.cfg.IPC, o.log)
	if err != nil {
		client.Close()
		return nil, err
	}

	e := &endpoint{client: client, session: session, runErr: make(chan error, 1)}
	go func() {
		e.runErr <- session.Run(ctx)
	}()
	return e, nil
}

// close stops the session, waits for Run to return and disconnects the bus.
// The error that stopped Run is returned when the bus closed cleanly.
func (e *endpoint) close() error {
	_ = e.session.Close()
	runErr := <-e.runErr
	if err := e.client.Close(); err != nil {
		return err
	}
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

// parsePayload turns a JSON flag value into a request payload. An empty value
// is sent as null.
func parsePayload(raw string) (any, error) {
	if raw == "" {
		return nil, nil
	}
	if !json.Valid([]byte(raw)) {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "payload is not valid JSON: "+raw)
	}
	return json.RawMessage(raw), nil
}

// printJSON writes v as one line of JSON
func printJSON(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to encode output", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
