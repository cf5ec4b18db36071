package cli

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "print the node's uptime and last stable main-chain index",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fetchAndPrint(cmd, "/status")
		},
	}
	return cmd
}

func peersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "list currently connected peer IDs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fetchAndPrint(cmd, "/peers")
		},
	}
	return cmd
}

func fetchAndPrint(cmd *cobra.Command, path string) error {
	addr, _ := cmd.Flags().GetString("admin-addr")
	resp, err := http.Get(addr + path)
	if err != nil {
		return fmt.Errorf("daglctl: %w", err)
	}
	defer resp.Body.Close()

	var v interface{}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return fmt.Errorf("daglctl: decode response: %w", err)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
