package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/panll/ensaid/internal/inspector"
	"github.com/panll/ensaid/internal/orchestrator"
	"github.com/panll/ensaid/pkg/protocol"
)

type serveFlags struct {
	inspectorPort int
	noInspector   bool
	watch         bool
}

func serveCmd(flags *globalFlags) *cobra.Command {
	sf := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve host commands as JSON-RPC on stdin/stdout",
		Long: `Reads one JSON-RPC 2.0 request per line from stdin and writes one
response per line to stdout. Logs go to stderr. The process exits when stdin
is closed or on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, flags, sf, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().IntVar(&sf.inspectorPort, "inspector-port", 0, "serve the inspector on this port (overrides config)")
	cmd.Flags().BoolVar(&sf.noInspector, "no-inspector", false, "disable the inspector")
	cmd.Flags().BoolVar(&sf.watch, "watch", false, "reload the profiles file when it changes")
	return cmd
}

// runServe runs the RPC loop, sink forwarder, profile watcher and inspector
// until in is exhausted or ctx is cancelled.
func runServe(ctx context.Context, flags *globalFlags, sf *serveFlags, in io.Reader, out, errOut io.Writer) error {
	cfg, logger, err := loadConfig(flags, errOut)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	handler := protocol.NewHandler()
	orchestrator.Register(handler, a.orch)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.sink.Run(ctx)
	})

	if sf.watch || cfg.Constraints.Watch {
		if path := cfg.Constraints.ProfilesPath; path != "" {
			g.Go(func() error {
				return a.orch.WatchProfiles(ctx, path, 0)
			})
		}
	}

	if port := inspectorPort(cfg.Inspector.Enabled, cfg.Inspector.Port, sf); port > 0 {
		srv := inspector.New(a.bus, a.orch,
			inspector.WithMetrics(a.metrics),
			inspector.WithProvenance(a.prov),
			inspector.WithLogger(logger.With("component", "inspector")),
		)
		g.Go(func() error {
			return srv.ListenAndServe(ctx, port)
		})
	}

	// Serve blocks in Read, so it runs outside the group; a signal must not
	// wait for the next line of input.
	served := make(chan error, 1)
	logger.Info("serving host commands", "methods", handler.Methods(), "origin", a.sink.Origin())
	go func() { served <- handler.Serve(ctx, in, out) }()

	g.Go(func() error {
		select {
		case err := <-served:
			cancel()
			return err
		case <-ctx.Done():
			return nil
		}
	})

	return g.Wait()
}

// inspectorPort resolves the inspector port from flags and config; 0 means
// disabled.
func inspectorPort(enabled bool, port int, sf *serveFlags) int {
	const defaultPort = 4200
	switch {
	case sf.noInspector:
		return 0
	case sf.inspectorPort > 0:
		return sf.inspectorPort
	case enabled && port > 0:
		return port
	case enabled:
		return defaultPort
	}
	return 0
}
