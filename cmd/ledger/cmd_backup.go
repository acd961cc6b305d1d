package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"ledger/internal/backup"
)

func runBackupCreate(cmd *cobra.Command, args []string) error {
	title, _ := cmd.Flags().GetString("title")
	compress, _ := cmd.Flags().GetBool("compress")
	by, _ := cmd.Flags().GetString("by")

	info, err := services.Backups.StoreBackup(cmd.Context(), backup.StoreOptions{
		Title:          title,
		Compress:       compress,
		CreationReason: backup.ReasonManual,
		CreatedBy:      by,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Backup written: %s (%d bytes)\n", info.Filename, info.Size)
	return nil
}

func runBackupList(cmd *cobra.Command, args []string) error {
	list, err := services.Backups.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No backups found.")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FILENAME\tCREATED\tSIZE\tCOMPRESSED")
	for _, b := range list {
		fmt.Fprintf(w, "%s\t%s\t%d\t%t\n", b.Filename, b.CreatedAt.Local().Format(time.DateTime), b.Size, b.Compressed)
	}
	return w.Flush()
}

func runBackupRestore(cmd *cobra.Command, args []string) error {
	includeUsers, _ := cmd.Flags().GetBool("include-users")
	res, err := services.Backups.RestoreBackup(cmd.Context(), backup.RestoreOptions{
		Filename:     args[0],
		IncludeUsers: includeUsers,
	})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Restored %s. Previous data saved as %s\n", args[0], res.PreRestoreBackup)
	for _, t := range backup.Tables {
		if n, ok := res.ItemCount[t.Name]; ok {
			fmt.Fprintf(out, "  %-20s %d\n", t.Name, n)
		}
	}
	return nil
}

func runBackupDelete(cmd *cobra.Command, args []string) error {
	if err := services.Backups.DeleteBackup(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Backup deleted: %s\n", args[0])
	return nil
}
