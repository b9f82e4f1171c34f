// Command participant-node runs one participant's event loop (§4.4):
// contact matching, blacklist/greylist forwarding, and the periodic
// diagnosis-server updater.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dstotijn/ssev/internal/bluetooth"
	"github.com/dstotijn/ssev/internal/config"
	"github.com/dstotijn/ssev/internal/dsclient"
	"github.com/dstotijn/ssev/internal/entime"
	"github.com/dstotijn/ssev/internal/forwarder"
	"github.com/dstotijn/ssev/internal/logging"
	"github.com/dstotijn/ssev/internal/pnstate"
)

var (
	configPath string
	logFile    string
	verbosity  int
)

func main() {
	root := &cobra.Command{
		Use:           "participant-node",
		Short:         "Participant node: contact matching and SSEV forwarding",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to PN config file (required)")
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
		Short: "Run the participant node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return fmt.Errorf("--config is required")
			}

			logger, err := logging.New(logFile, verbosity)
			if err != nil {
				return err
			}
			defer logger.Sync()

			cfg, err := config.LoadPN(configPath)
			if err != nil {
				return err
			}

			keys, err := pnstate.NewKeyHistory(time.Now(), cfg.Params)
			if err != nil {
				return fmt.Errorf("participant-node: key history: %w", err)
			}
			bt := bluetooth.New(cfg.Params.TEKRollingPeriod)

			ds := dsclient.New(cfg.DSAddr, 5*time.Second)
			dial := forwarder.NewClient(5*time.Second, 5*time.Second)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			pn := pnstate.New(0, cfg.Name, cfg.PositivelyTested, cfg.Params, keys, bt, ds, dial, nil, logger)
			window := forwarder.NewListener(cfg.ForwarderAddr, cfg.Params.ComputationPeriod, 5*time.Second, pn, logger)
			pn.Window = window

			go runUpdater(ctx, pn, ds, cfg.Params.RefreshPeriod, logger)

			logger.Infow("participant node starting", "name", cfg.Name, "forwarder_addr", cfg.ForwarderAddr)

			if err := pn.Start(ctx); err != nil {
				return fmt.Errorf("participant-node: %w", err)
			}
			logger.Infow("participant node shut down", "name", cfg.Name)
			return nil
		},
	}
}

// runUpdater polls the diagnosis server every refreshPeriod and hands
// newly downloaded chunks to the event loop, per §4.3/§4.4.
func runUpdater(ctx context.Context, pn *pnstate.PN, ds *dsclient.Client, refreshPeriod time.Duration, logger *zap.SugaredLogger) {
	next := entime.TickOf(time.Now())
	ticker := time.NewTicker(refreshPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			chunks, err := ds.Download(ctx, next)
			if err != nil {
				logger.Warnw("download failed, will retry next tick", "err", err)
				continue
			}
			if len(chunks) == 0 {
				continue
			}
			next = pn.SubmitNewChunks(ctx, next, chunks)
		}
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("participant-node (ssev)")
			return nil
		},
	}
}
