package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/docstore/internal/model"
	"github.com/cuemby/docstore/internal/store"
)

// manifest is the YAML shape accepted by `docstored apply`: a list of
// collections, each with the documents to insert.
type manifest struct {
	Collections []manifestCollection `yaml:"collections"`
}

type manifestCollection struct {
	Name      string                   `yaml:"collection"`
	Documents []map[string]interface{} `yaml:"documents"`
}

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Bulk-load documents from a YAML manifest",
	Long: `Apply inserts every document in a YAML manifest into the store.

Examples:
  docstored apply -f seed.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML manifest to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}

	s := store.New(cfg.DataPath)
	if err := s.Initialize(); err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	defer s.Close()

	total := 0
	for _, c := range m.Collections {
		for _, raw := range c.Documents {
			id, _ := raw["_id"].(string)
			if id == "" {
				generated, err := newManifestID()
				if err != nil {
					return fmt.Errorf("generate document id: %w", err)
				}
				id = generated
			}
			data := make(map[string]interface{}, len(raw))
			for k, v := range raw {
				if k == "_id" {
					continue
				}
				data[k] = v
			}
			doc := &model.Document{ID: id, Data: data}
			if _, err := s.Insert(c.Name, doc); err != nil {
				return fmt.Errorf("insert into %s: %w", c.Name, err)
			}
			total++
		}
		fmt.Printf("✓ applied %d document(s) to %s\n", len(c.Documents), c.Name)
	}

	fmt.Printf("✓ done: %d document(s) across %d collection(s)\n", total, len(m.Collections))
	return nil
}

func newManifestID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
