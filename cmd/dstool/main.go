// Command dstool is an operator inspection utility for a diagnosis
// server: it renders chunk coverage windows and per-computation
// blacklist/greylist sizes as a table (§6.1). It never mutates
// protocol state.
package main

import (
	"fmt"
	"os"

	"github.com/markkurossi/tabulate"
	"github.com/spf13/cobra"

	"github.com/dstotijn/ssev/internal/config"
	"github.com/dstotijn/ssev/internal/dsstore"
	"github.com/dstotijn/ssev/internal/entime"
	"github.com/dstotijn/ssev/internal/model"
)

var (
	configPath string
	local      bool
)

func main() {
	root := &cobra.Command{
		Use:           "dstool",
		Short:         "Diagnosis server operator inspection tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to DS config file (required)")
	root.PersistentFlags().BoolVar(&local, "local", false, "open an embedded store (the only mode; the flag does not change behavior)")

	root.AddCommand(chunksCmd(), computationsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openLocalStore is the only mode currently implemented: dstool opens
// its own in-process store seeded from the DS config's params. A
// --local=false mode that queries a running server over an inspection
// RPC is future work; the protocol (§6) defines no such RPC today.
func openLocalStore() (*dsstore.Store, error) {
	if configPath == "" {
		return nil, fmt.Errorf("--config is required")
	}
	cfg, err := config.LoadDS(configPath)
	if err != nil {
		return nil, err
	}
	return dsstore.New(cfg.Params, nil), nil
}

func chunksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chunks",
		Short: "List sealed chunk coverage windows and list sizes",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openLocalStore()
			if err != nil {
				return err
			}

			chunks := store.Download(entime.Tick(0))

			tab := tabulate.New(tabulate.Github)
			tab.Header("Covers from").SetAlign(tabulate.MR)
			tab.Header("Covers to").SetAlign(tabulate.MR)
			tab.Header("Computations").SetAlign(tabulate.MR)
			tab.Header("Blacklist").SetAlign(tabulate.MR)
			tab.Header("Greylist").SetAlign(tabulate.MR)

			for _, c := range chunks {
				var bl, gl int
				for _, entry := range c.Data {
					bl += len(entry.Blacklist)
					gl += len(entry.Greylist)
				}
				row := tab.Row()
				row.Column(fmt.Sprintf("%d", c.Covers.From))
				row.Column(fmt.Sprintf("%d", c.Covers.To))
				row.Column(fmt.Sprintf("%d", len(c.Data)))
				row.Column(fmt.Sprintf("%d", bl))
				row.Column(fmt.Sprintf("%d", gl))
			}

			tab.Print(os.Stdout)
			return nil
		},
	}
}

func computationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "computations",
		Short: "List computation ids and their blacklist/greylist membership across all sealed chunks",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openLocalStore()
			if err != nil {
				return err
			}

			chunks := store.Download(entime.Tick(0))

			totals := make(map[model.ComputationID][2]int)
			for _, c := range chunks {
				for id, entry := range c.Data {
					t := totals[id]
					t[0] += len(entry.Blacklist)
					t[1] += len(entry.Greylist)
					totals[id] = t
				}
			}

			tab := tabulate.New(tabulate.Github)
			tab.Header("Computation").SetAlign(tabulate.MR)
			tab.Header("Blacklist").SetAlign(tabulate.MR)
			tab.Header("Greylist").SetAlign(tabulate.MR)

			for id, t := range totals {
				row := tab.Row()
				row.Column(fmt.Sprintf("%d", id))
				row.Column(fmt.Sprintf("%d", t[0]))
				row.Column(fmt.Sprintf("%d", t[1]))
			}

			tab.Print(os.Stdout)
			return nil
		},
	}
}
