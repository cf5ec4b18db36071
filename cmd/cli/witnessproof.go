package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/daglnode/daglnode/core"
)

func witnessProofCmd() *cobra.Command {
	parent := &cobra.Command{Use: "witness-proof", Short: "build or verify a light-client witness proof over a main-chain range"}
	parent.AddCommand(witnessProofBuildCmd())
	parent.AddCommand(witnessProofVerifyCmd())
	return parent
}

func witnessProofBuildCmd() *cobra.Command {
	var fromMCI, toMCI int64

	cmd := &cobra.Command{
		Use:   "build",
		Short: "assemble a witness proof for [from-mci, to-mci] from the local store",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := connectStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			engine := core.NewWitnessProofEngine(store, nil)
			proof, err := engine.BuildWitnessProof(cmd.Context(), fromMCI, toMCI)
			if err != nil {
				return fmt.Errorf("daglctl: build witness proof: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "units=%d\n", len(proof.Units))
			return nil
		},
	}
	cmd.Flags().Int64Var(&fromMCI, "from-mci", 0, "inclusive lower bound of the proof range")
	cmd.Flags().Int64Var(&toMCI, "to-mci", 0, "inclusive upper bound of the proof range")
	return cmd
}

func witnessProofVerifyCmd() *cobra.Command {
	var fromMCI, toMCI int64

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "rebuild and verify a witness proof for [from-mci, to-mci] against the local store",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := connectStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			engine := core.NewWitnessProofEngine(store, nil)
			proof, err := engine.BuildWitnessProof(cmd.Context(), fromMCI, toMCI)
			if err != nil {
				return fmt.Errorf("daglctl: build witness proof: %w", err)
			}
			if err := engine.VerifyWitnessProof(proof); err != nil {
				return fmt.Errorf("daglctl: witness proof rejected: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok units=%d\n", len(proof.Units))
			return nil
		},
	}
	cmd.Flags().Int64Var(&fromMCI, "from-mci", 0, "inclusive lower bound of the proof range")
	cmd.Flags().Int64Var(&toMCI, "to-mci", 0, "inclusive upper bound of the proof range")
	return cmd
}
