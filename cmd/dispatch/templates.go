package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/dispatch/internal/config"
	"github.com/ShayCichocki/dispatch/internal/template"
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "List available task templates",
	Long: `List the YAML task templates in the configured template directory.
Submit against one with 'dispatch submit --template <name>'.`,
	RunE: runTemplates,
}

func runTemplates(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Paths.Templates == "" {
		fmt.Println("No template directory configured (set paths.templates).")
		return nil
	}

	lib, err := template.LoadDir(cfg.Paths.Templates)
	if err != nil {
		return err
	}
	names := lib.Names()
	if len(names) == 0 {
		fmt.Printf("No templates in %s.\n", cfg.Paths.Templates)
		return nil
	}
	sort.Strings(names)

	for _, name := range names {
		t, err := lib.Get(name)
		if err != nil {
			return err
		}
		mode := t.Mode
		if mode == "" {
			mode = "direct"
		}
		fmt.Printf("%-20s %-6s pri %-2d %s\n", t.Name, mode, t.Priority, t.Description)
	}
	return nil
}
