package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/daglnode/daglnode/core"
)

func catchupCmd() *cobra.Command {
	parent := &cobra.Command{Use: "catchup", Short: "inspect catchup/witness-proof state on the local store"}
	parent.AddCommand(catchupRequestCmd())
	parent.AddCommand(catchupHashTreeCmd())
	return parent
}

func catchupHashTreeCmd() *cobra.Command {
	var fromMCI, toMCI int64

	cmd := &cobra.Command{
		Use:   "hash-tree",
		Short: "serve a bounded get_hash_tree range directly from the local store",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := connectStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			engine := core.NewCatchupEngine(store, nil)
			resp, err := engine.GetHashTree(cmd.Context(), core.HashTreeRequest{FromMCI: fromMCI, ToMCI: toMCI})
			if err != nil {
				return fmt.Errorf("daglctl: get hash tree: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "units=%d\n", len(resp.Units))
			return nil
		},
	}
	cmd.Flags().Int64Var(&fromMCI, "from-mci", 0, "exclusive lower bound of the requested MCI range")
	cmd.Flags().Int64Var(&toMCI, "to-mci", 0, "inclusive upper bound of the requested MCI range")
	return cmd
}

func catchupRequestCmd() *cobra.Command {
	var knownStable []string
	var lastStableMCI int64

	cmd := &cobra.Command{
		Use:   "request",
		Short: "build a catchup chain from a claimed set of known-stable units",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := connectStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			claimed := make([]core.Hash, 0, len(knownStable))
			for _, s := range knownStable {
				h, err := core.DecodeHash(s)
				if err != nil {
					return fmt.Errorf("daglctl: decode unit hash %q: %w", s, err)
				}
				claimed = append(claimed, h)
			}

			engine := core.NewCatchupEngine(store, nil)
			resp, err := engine.BuildCatchupChain(cmd.Context(), core.CatchupChainRequest{
				KnownStableUnits: claimed,
				LastStableMCI:    lastStableMCI,
			})
			if err != nil {
				return fmt.Errorf("daglctl: build catchup chain: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "session=%s stable_balls=%d unstable_units=%d\n",
				resp.SessionID, len(resp.StableBallHashes), len(resp.UnstableUnits))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&knownStable, "known-stable", nil, "unit hashes the requester claims as stable (hex)")
	cmd.Flags().Int64Var(&lastStableMCI, "last-stable-mci", 0, "the requester's last known stable MCI")
	return cmd
}
