package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/archivist/internal/config"
	"github.com/roach88/archivist/internal/node"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string
	NodeID string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the archive node",
		Long: `Run the archive node: the queue workers, the retention sweep, the
HTTP store endpoint and, when configured, the import folder watcher.

The node runs until interrupted (Ctrl-C) or terminated (SIGTERM).`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "HTTP listen address (overrides http.listen)")
	cmd.Flags().StringVar(&opts.NodeID, "node-id", "", "node name used in worker tokens (default host name)")

	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if opts.Listen != "" {
		cfg.HTTP.Listen = opts.Listen
	}

	nodeOpts := []node.Option{node.WithLogger(slog.Default())}
	if opts.NodeID != "" {
		nodeOpts = append(nodeOpts, node.WithNodeID(opts.NodeID))
	}
	n, err := node.New(commandContext(cmd), cfg, nodeOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start node", err)
	}
	defer closeNode(n)

	// The command context is set by tests; signals stop a real process.
	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("node starting", "db", cfg.Database, "listen", cfg.HTTP.Listen)
	fmt.Fprintln(cmd.OutOrStdout(), "Archive node started.")
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	if err := n.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "node error", err)
	}
	slog.Info("node stopped gracefully")
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return cfg, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

// openNode wires the node without running it.
func openNode(cmd *cobra.Command, opts *RootOptions) (*node.Node, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	n, err := node.New(commandContext(cmd), cfg, node.WithLogger(slog.Default()))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open archive", err)
	}
	return n, nil
}

func closeNode(n *node.Node) {
	if err := n.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}
