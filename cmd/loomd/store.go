package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/untoldecay/ThreadLoom/internal/suggest"
	"github.com/untoldecay/ThreadLoom/internal/system"
)

var (
	exportOutput  string
	importReplace bool
)

var exportCmd = &cobra.Command{
	Use:   "export <store>",
	Short: "Export a store as a JSON document",
	Long:  "Exports every record of a store, across all users, with collections included. Run while the daemon is stopped; the data directory lock is exclusive.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		sys, err := system.New(ctx, log)
		if err != nil {
			return err
		}
		defer func() { _ = sys.Shutdown(context.Background()) }()

		schema, err := sys.Engine.FindStore(ctx, args[0])
		if err != nil {
			return err
		}
		if schema == nil {
			stores, _ := sys.Engine.ListStores(ctx)
			return fmt.Errorf("unknown store %q%s", args[0], suggest.Hint(args[0], stores))
		}

		out := os.Stdout
		if exportOutput != "" {
			f, err := os.Create(exportOutput)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()
			out = f
		}
		if err := sys.Engine.ExportStore(ctx, args[0], out); err != nil {
			return err
		}
		if exportOutput != "" {
			fmt.Fprintf(os.Stderr, "Exported store %q to %s\n", args[0], exportOutput)
		}
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a store export document",
	Long:  "Imports records from an export document in a single transaction. Records whose ids already exist are skipped unless --replace is given, which clears the store first.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		sys, err := system.New(ctx, log)
		if err != nil {
			return err
		}
		defer func() { _ = sys.Shutdown(context.Background()) }()

		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()

		imported, err := sys.Engine.ImportStore(ctx, f, importReplace)
		if err != nil {
			return err
		}
		fmt.Printf("Imported %d records from %s\n", imported, args[0])
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "write the export to a file instead of stdout")
	importCmd.Flags().BoolVar(&importReplace, "replace", false, "clear the store before importing")
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}
