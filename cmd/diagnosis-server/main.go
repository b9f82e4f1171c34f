// Command diagnosis-server runs the chunked, time-windowed list store
// (§4.3) behind its RPC endpoint (§6).
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dstotijn/ssev/internal/config"
	"github.com/dstotijn/ssev/internal/dsserver"
	"github.com/dstotijn/ssev/internal/dsstore"
	"github.com/dstotijn/ssev/internal/logging"
)

var (
	configPath string
	logFile    string
	verbosity  int
)

func main() {
	root := &cobra.Command{
		Use:           "diagnosis-server",
		Short:         "Diagnosis server: chunked exposure-key list store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to DS config file (required)")
	root.PersistentFlags().StringVar(&logFile, "log", "", "log output file (default: stdout)")
	root.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "increase log verbosity")

	root.AddCommand(runCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the diagnosis server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return fmt.Errorf("--config is required")
			}

			logger, err := logging.New(logFile, verbosity)
			if err != nil {
				return err
			}
			defer logger.Sync()

			cfg, err := config.LoadDS(configPath)
			if err != nil {
				return err
			}

			ln, err := net.Listen("tcp", cfg.ListenAddr)
			if err != nil {
				return fmt.Errorf("diagnosis-server: listen: %w", err)
			}
			defer ln.Close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			store := dsstore.New(cfg.Params, nil)
			go store.Run(ctx)

			srv := dsserver.New(store, logger)
			serveErr := make(chan error, 1)
			go func() { serveErr <- srv.Serve(ln) }()

			logger.Infow("diagnosis server listening", "addr", cfg.ListenAddr)

			select {
			case <-ctx.Done():
				logger.Infow("shutting down")
				ln.Close()
				return nil
			case err := <-serveErr:
				return fmt.Errorf("diagnosis-server: serve: %w", err)
			}
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("diagnosis-server (ssev)")
			return nil
		},
	}
}
