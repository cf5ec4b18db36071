package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/daglnode/daglnode/core"
)

func aaCmd() *cobra.Command {
	parent := &cobra.Command{Use: "aa", Short: "query autonomous agent trigger outcomes"}
	parent.AddCommand(aaQueryCmd())
	return parent
}

func aaQueryCmd() *cobra.Command {
	var triggerUnitHex, aaAddressStr string

	cmd := &cobra.Command{
		Use:   "query",
		Short: "look up and verify an AA's response to a trigger unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := connectStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			triggerUnit, err := core.DecodeHash(triggerUnitHex)
			if err != nil {
				return fmt.Errorf("daglctl: decode trigger unit hash: %w", err)
			}
			aaAddress, err := core.DecodeAddress(aaAddressStr)
			if err != nil {
				return fmt.Errorf("daglctl: decode aa address: %w", err)
			}

			svc := core.NewAADeliveryService(store, nil)
			delivery, found, err := svc.QueryDelivery(cmd.Context(), triggerUnit, aaAddress)
			if err != nil {
				return fmt.Errorf("daglctl: query delivery: %w", err)
			}
			if !found {
				fmt.Fprintln(cmd.OutOrStdout(), "no response recorded for this trigger unit")
				return nil
			}

			if err := svc.VerifyLinkage(cmd.Context(), delivery); err != nil {
				return fmt.Errorf("daglctl: linkage verification failed: %w", err)
			}

			if delivery.Bounced {
				fmt.Fprintf(cmd.OutOrStdout(), "bounced: %s\n", delivery.BounceMessage)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "response_unit=%s linkage=verified\n%s\n",
				core.EncodeHash(delivery.ResponseUnit), string(delivery.ResponseJSON))
			return nil
		},
	}
	cmd.Flags().StringVar(&triggerUnitHex, "trigger-unit", "", "hex-encoded trigger unit hash")
	cmd.Flags().StringVar(&aaAddressStr, "aa-address", "", "the autonomous agent's address")
	cmd.MarkFlagRequired("trigger-unit")
	cmd.MarkFlagRequired("aa-address")
	return cmd
}
