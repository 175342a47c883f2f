package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/docstore/internal/store"
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Export every document in a collection as a JSON array",
	Long: `Dump streams every document in a collection to stdout or a file.

Examples:
  docstored dump -c widgets
  docstored dump -c widgets -o widgets.json`,
	RunE: runDump,
}

func init() {
	dumpCmd.Flags().StringP("collection", "c", "", "collection to export (required)")
	dumpCmd.Flags().StringP("output", "o", "", "output file (defaults to stdout)")
	_ = dumpCmd.MarkFlagRequired("collection")
}

func runDump(cmd *cobra.Command, args []string) error {
	collection, _ := cmd.Flags().GetString("collection")
	outputPath, _ := cmd.Flags().GetString("output")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	s := store.New(cfg.DataPath)
	if err := s.Initialize(); err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	defer s.Close()

	docs, err := s.GetAll(collection)
	if err != nil {
		return fmt.Errorf("read collection %s: %w", collection, err)
	}

	views := make([]map[string]interface{}, len(docs))
	for i, d := range docs {
		views[i] = d.View()
	}

	body, err := json.MarshalIndent(views, "", "  ")
	if err != nil {
		return fmt.Errorf("encode documents: %w", err)
	}

	out := os.Stdout
	if outputPath != "" {
		f, err := os.Create(outputPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	if _, err := out.Write(body); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	if outputPath == "" {
		fmt.Fprintln(out)
	}

	if outputPath != "" {
		fmt.Printf("✓ dumped %d document(s) from %s to %s\n", len(docs), collection, outputPath)
	} else {
		fmt.Fprintf(os.Stderr, "✓ dumped %d document(s) from %s\n", len(docs), collection)
	}
	return nil
}
