package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/talosaether/hubs/moduledata"
)

var (
	hubStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	moduleStyle = lipgloss.NewStyle().Bold(true)
	slugStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

var modulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "Print the module catalog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := loadRegistry()
		if err != nil {
			return err
		}
		catalog := registry.Catalog()
		if flagJSON {
			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			return encoder.Encode(catalog)
		}
		fmt.Print(renderCatalog(catalog))
		return nil
	},
}

// loadRegistry reads moduledata.registry_path, falling back to the
// built-in catalog.
func loadRegistry() (*moduledata.Registry, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if path := cfg.GetString("moduledata.registry_path"); path != "" {
		registry, err := moduledata.LoadRegistry(path)
		if err != nil {
			return nil, fmt.Errorf("load registry: %w", err)
		}
		return registry, nil
	}
	return moduledata.DefaultRegistry(), nil
}

func renderCatalog(catalog moduledata.Catalog) string {
	var b strings.Builder
	for _, hub := range catalog.Hubs {
		b.WriteString(hubStyle.Render(hub.Label) + "\n")
		for _, mod := range hub.Modules {
			b.WriteString("  " + moduleStyle.Render(mod.Name) + " " + slugStyle.Render(mod.ID) + "\n")
			for _, spec := range mod.Tabs {
				b.WriteString(fmt.Sprintf("    %-20s %s\n", spec.Slug, slugStyle.Render(spec.Table)))
			}
		}
	}
	if len(catalog.Tabs) > 0 {
		b.WriteString(hubStyle.Render("Shared tabs") + "\n")
		for _, spec := range catalog.Tabs {
			b.WriteString(fmt.Sprintf("    %-20s %s\n", spec.Slug, slugStyle.Render(spec.Table)))
		}
	}
	return b.String()
}
