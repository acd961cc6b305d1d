package main

import (
	"github.com/spf13/cobra"

	"ledger/internal/cli"
	"ledger/internal/config"
	"ledger/internal/log"
)

var (
	cfg      *config.Config
	services *cli.Services

	rootCmd = &cobra.Command{
		Use:           "ledger",
		Short:         "Household double-entry ledger maintenance",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cli.LoadEnvFile()
			var err error
			if cfg, err = cli.LoadConfig(); err != nil {
				return err
			}
			cli.SetupLogger(cfg, log.ComponentCLI)
			services, err = cli.Build(cmd.Context(), cfg)
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if services == nil {
				return nil
			}
			return services.Close()
		},
	}

	// --- Backups ---
	backupCmd = &cobra.Command{
		Use:   "backup",
		Short: "Create, list, restore and delete ledger backups",
	}
	backupCreateCmd = &cobra.Command{
		Use:   "create",
		Short: "Write a backup of every table",
		Args:  cobra.NoArgs,
		RunE:  runBackupCreate,
	}
	backupListCmd = &cobra.Command{
		Use:   "list",
		Short: "List stored backups, newest first",
		Args:  cobra.NoArgs,
		RunE:  runBackupList,
	}
	backupRestoreCmd = &cobra.Command{
		Use:   "restore [filename]",
		Short: "DANGER: Replace the ledger with a backup (a pre-restore backup is written first)",
		Args:  cobra.ExactArgs(1),
		RunE:  runBackupRestore,
	}
	backupDeleteCmd = &cobra.Command{
		Use:   "delete [filename]",
		Short: "Delete a stored backup",
		Args:  cobra.ExactArgs(1),
		RunE:  runBackupDelete,
	}

	// --- Imports ---
	importCmd = &cobra.Command{
		Use:   "import",
		Short: "Upload, queue and execute CSV or JSON imports",
	}
	importFileCmd = &cobra.Command{
		Use:   "file [path]",
		Short: "Store and process an import file",
		Args:  cobra.ExactArgs(1),
		RunE:  runImportFile,
	}
	importTriggerCmd = &cobra.Command{
		Use:   "trigger [import-id]",
		Short: "Queue a processed import for execution",
		Args:  cobra.ExactArgs(1),
		RunE:  runImportTrigger,
	}
	importRunCmd = &cobra.Command{
		Use:   "run",
		Short: "Execute queued imports now",
		Args:  cobra.NoArgs,
		RunE:  runImportRun,
	}
	importListCmd = &cobra.Command{
		Use:   "list",
		Short: "List imports with their item counts",
		Args:  cobra.NoArgs,
		RunE:  runImportList,
	}
	importReprocessCmd = &cobra.Command{
		Use:   "reprocess [import-id]",
		Short: "Parse a failed or processed import again",
		Args:  cobra.ExactArgs(1),
		RunE:  runImportReprocess,
	}
	importUndoCmd = &cobra.Command{
		Use:   "undo [import-id]",
		Short: "Delete everything an import created and reset it to created",
		Args:  cobra.ExactArgs(1),
		RunE:  runImportUndo,
	}
	importCleanCmd = &cobra.Command{
		Use:   "clean [import-id]",
		Short: "Drop item details that were not imported",
		Args:  cobra.ExactArgs(1),
		RunE:  runImportClean,
	}
	importDeleteCmd = &cobra.Command{
		Use:   "delete [import-id]",
		Short: "Forget an import and delete its file, keeping imported data",
		Args:  cobra.ExactArgs(1),
		RunE:  runImportDelete,
	}

	// --- Import mappings ---
	mappingCmd = &cobra.Command{
		Use:   "mapping",
		Short: "Manage column mappings for mapped imports",
	}
	mappingCreateCmd = &cobra.Command{
		Use:   "create [title] [config-file]",
		Short: "Create a mapping from a YAML or JSON configuration file",
		Args:  cobra.ExactArgs(2),
		RunE:  runMappingCreate,
	}
	mappingListCmd = &cobra.Command{
		Use:   "list",
		Short: "List import mappings",
		Args:  cobra.NoArgs,
		RunE:  runMappingList,
	}
	mappingDeleteCmd = &cobra.Command{
		Use:   "delete [mapping-id]",
		Short: "Delete a mapping no import uses",
		Args:  cobra.ExactArgs(1),
		RunE:  runMappingDelete,
	}

	// --- Derived data ---
	summaryCmd = &cobra.Command{
		Use:   "summary",
		Short: "Summary cache maintenance",
	}
	summaryRefreshCmd = &cobra.Command{
		Use:   "refresh",
		Short: "Recompute dirty summaries (all of them with --full)",
		Args:  cobra.NoArgs,
		RunE:  runSummaryRefresh,
	}
	transferCmd = &cobra.Command{
		Use:   "transfer",
		Short: "Transfer flag maintenance",
	}
	transferRefreshCmd = &cobra.Command{
		Use:   "refresh",
		Short: "Recompute the transfer flag of every journal",
		Args:  cobra.NoArgs,
		RunE:  runTransferRefresh,
	}
)

func init() {
	backupCreateCmd.Flags().String("title", "manual", "title stored with the backup")
	backupCreateCmd.Flags().Bool("compress", true, "gzip the backup")
	backupCreateCmd.Flags().String("by", "", "user recorded as the creator")
	backupRestoreCmd.Flags().Bool("include-users", false, "also restore users and sessions")
	backupCmd.AddCommand(backupCreateCmd, backupListCmd, backupRestoreCmd, backupDeleteCmd)

	importFileCmd.Flags().String("type", "transaction", "import type: transaction, account, bill, budget, category, tag, label or mappedImport")
	importFileCmd.Flags().String("mapping", "", "mapping id for mappedImport files")
	importFileCmd.Flags().String("title", "", "title of the import (defaults to the file name)")
	importFileCmd.Flags().Bool("auto-process", false, "queue the import as soon as it is processed")
	importFileCmd.Flags().Bool("auto-clean", false, "clean the import automatically once old enough")
	importFileCmd.Flags().Bool("check-imported-only", false, "only treat already imported rows as duplicates")
	importListCmd.Flags().StringSlice("status", nil, "only list imports in these statuses")
	importCmd.AddCommand(importFileCmd, importTriggerCmd, importRunCmd, importListCmd,
		importReprocessCmd, importUndoCmd, importCleanCmd, importDeleteCmd)

	mappingCreateCmd.Flags().String("sample", "", "file with sample data kept next to the mapping")
	mappingCmd.AddCommand(mappingCreateCmd, mappingListCmd, mappingDeleteCmd)

	summaryRefreshCmd.Flags().Bool("full", false, "recompute every summary, not only dirty ones")
	summaryCmd.AddCommand(summaryRefreshCmd)
	transferCmd.AddCommand(transferRefreshCmd)

	rootCmd.AddCommand(backupCmd, importCmd, mappingCmd, summaryCmd, transferCmd)
}
