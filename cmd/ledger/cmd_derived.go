package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"ledger/internal/summary"
)

func runSummaryRefresh(cmd *cobra.Command, args []string) error {
	full, _ := cmd.Flags().GetBool("full")
	if !full {
		created, err := services.Summaries.CreateMissing(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Dirty summaries refreshed, %d created\n", created)
		return nil
	}
	res, err := services.Summaries.UpdateAndCreateMany(cmd.Context(), summary.UpdateOptions{AllowCreation: true})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Summaries refreshed: %d updated, %d created\n", res.Updated, res.Created)
	return nil
}

func runTransferRefresh(cmd *cobra.Command, args []string) error {
	n, err := services.Journals.UpdateManyTransferInfo(cmd.Context(), nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Transfer flags updated on %d journals\n", n)
	return nil
}
