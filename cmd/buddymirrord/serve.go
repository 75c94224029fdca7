package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"buddymirror/internal/config"
	"buddymirror/internal/logging"
	"buddymirror/internal/node"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a metadata target",
	Long: `Serve starts the local target: it opens the metadata store, loads the
persisted target states and buddy groups, and serves mirrored requests and
administrative calls until interrupted.`,
	Example: `  buddymirrord serve --config /etc/buddymirror/node1.yaml
  BUDDYMIRROR_NODE_TARGET=2 buddymirrord serve --listen :9701`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("listen", "", "listen address (overrides node.listen_addr)")
	serveCmd.Flags().Uint16("target", 0, "local target ID (overrides node.target)")
	serveCmd.Flags().String("peers", "", "peer list id=host:port,... (overrides peers)")
	serveCmd.Flags().String("root", "", "metadata store root (overrides store.root)")
	serveCmd.Flags().String("log-level", "", "log level (overrides log.level)")

	_ = v.BindPFlag("node.listen_addr", serveCmd.Flags().Lookup("listen"))
	_ = v.BindPFlag("node.target", serveCmd.Flags().Lookup("target"))
	_ = v.BindPFlag("peers", serveCmd.Flags().Lookup("peers"))
	_ = v.BindPFlag("store.root", serveCmd.Flags().Lookup("root"))
	_ = v.BindPFlag("log.level", serveCmd.Flags().Lookup("log-level"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(v, configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return err
	}

	n, err := node.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(n.Start)
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("Shutting down")
		n.Stop()
		return nil
	})
	return g.Wait()
}
