package schema

import (
	"testing"

	"github.com/spf13/cobra"
)

func TestBuildSchema(t *testing.T) {
	root := &cobra.Command{Use: "wizard"}
	child := &cobra.Command{Use: "tokens", Short: "token registry"}
	leaf := &cobra.Command{Use: "refresh", Short: "refresh top memecoins"}
	leaf.Flags().Int("limit", 5, "number of tokens to keep")
	child.AddCommand(leaf)
	root.AddCommand(child)

	s, err := Build(root, "tokens refresh")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if s.Path != "wizard tokens refresh" {
		t.Fatalf("unexpected path: %s", s.Path)
	}
	if len(s.Flags) != 1 || s.Flags[0].Name != "limit" {
		t.Fatalf("unexpected flags: %+v", s.Flags)
	}
}

func TestBuildSchemaUnknownCommand(t *testing.T) {
	root := &cobra.Command{Use: "wizard"}
	if _, err := Build(root, "nope"); err == nil {
		t.Fatal("expected error for unknown command")
	}
}
