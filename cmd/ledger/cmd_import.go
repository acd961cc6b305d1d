package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"ledger/internal/core"
	"ledger/internal/importer"
)

func runImportFile(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read import file: %w", err)
	}
	flags := cmd.Flags()
	typ, _ := flags.GetString("type")
	mapping, _ := flags.GetString("mapping")
	title, _ := flags.GetString("title")
	autoProcess, _ := flags.GetBool("auto-process")
	autoClean, _ := flags.GetBool("auto-clean")
	checkImportedOnly, _ := flags.GetBool("check-imported-only")
	if title == "" {
		title = filepath.Base(args[0])
	}

	imp, err := services.Imports.Store(cmd.Context(), importer.StoreInput{
		Title:             title,
		Data:              data,
		Type:              core.ImportType(typ),
		MappingID:         mapping,
		AutoClean:         autoClean,
		AutoProcess:       autoProcess,
		CheckImportedOnly: checkImportedOnly,
	})
	if err != nil {
		return err
	}
	return printImport(cmd, imp)
}

func printImport(cmd *cobra.Command, imp *core.Import) error {
	counts, err := services.Imports.DetailCounts(cmd.Context(), imp.ID)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Import %s (%s) is %s\n", imp.ID, imp.Type, imp.Status)
	fmt.Fprintf(out, "  processed %d, duplicate %d, error %d, imported %d, import error %d\n",
		counts.Processed, counts.Duplicate, counts.Error, counts.Imported, counts.ImportError)
	if len(imp.ErrorInfo) > 0 {
		fmt.Fprintf(out, "  error: %s\n", imp.ErrorInfo)
	}
	return nil
}

func runImportTrigger(cmd *cobra.Command, args []string) error {
	if err := services.Imports.TriggerImport(cmd.Context(), args[0]); err != nil {
		return err
	}
	imp, err := services.Imports.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printImport(cmd, imp)
}

func runImportRun(cmd *cobra.Command, args []string) error {
	ran := 0
	for {
		id, err := services.Imports.DoRequiredImports(cmd.Context())
		if id != "" {
			ran++
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Import %s failed: %v\n", id, err)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Import %s complete\n", id)
			}
			continue
		}
		if err != nil {
			return err
		}
		break
	}
	if ran == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Nothing to import.")
	}
	return nil
}

func runImportList(cmd *cobra.Command, args []string) error {
	raw, _ := cmd.Flags().GetStringSlice("status")
	statuses := make([]core.ImportStatus, len(raw))
	for i, s := range raw {
		statuses[i] = core.ImportStatus(s)
	}
	imports, err := services.Imports.List(cmd.Context(), statuses...)
	if err != nil {
		return err
	}
	if len(imports) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No imports found.")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tTYPE\tSTATUS\tROWS\tIMPORTED\tCREATED")
	for _, imp := range imports {
		counts, err := services.Imports.DetailCounts(cmd.Context(), imp.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n", imp.ID, imp.Title, imp.Type, imp.Status,
			counts.Total(), counts.Imported, imp.CreatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func runImportReprocess(cmd *cobra.Command, args []string) error {
	imp, err := services.Imports.Reprocess(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printImport(cmd, imp)
}

func runImportUndo(cmd *cobra.Command, args []string) error {
	if err := services.Imports.DeleteLinked(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Import %s undone\n", args[0])
	return nil
}

func runImportClean(cmd *cobra.Command, args []string) error {
	if err := services.Imports.Clean(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Import %s cleaned\n", args[0])
	return nil
}

func runImportDelete(cmd *cobra.Command, args []string) error {
	if err := services.Imports.Delete(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Import %s deleted\n", args[0])
	return nil
}

func runMappingCreate(cmd *cobra.Command, args []string) error {
	configuration, err := os.ReadFile(args[1])
	if err != nil {
		return fmt.Errorf("read mapping configuration: %w", err)
	}
	in := importer.MappingInput{Title: args[0], Configuration: string(configuration)}
	if sample, _ := cmd.Flags().GetString("sample"); sample != "" {
		data, err := os.ReadFile(sample)
		if err != nil {
			return fmt.Errorf("read sample data: %w", err)
		}
		in.SampleData = string(data)
	}
	m, err := services.Mappings.Create(cmd.Context(), in)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Mapping %s created: %s\n", m.ID, m.Title)
	return nil
}

func runMappingList(cmd *cobra.Command, args []string) error {
	mappings, err := services.Mappings.List(cmd.Context())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tUPDATED")
	for _, m := range mappings {
		fmt.Fprintf(w, "%s\t%s\t%s\n", m.ID, m.Title, m.UpdatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func runMappingDelete(cmd *cobra.Command, args []string) error {
	if err := services.Mappings.Delete(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Mapping %s deleted\n", args[0])
	return nil
}
