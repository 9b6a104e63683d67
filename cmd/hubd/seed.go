package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/talosaether/hubs/source"
	"github.com/talosaether/hubs/source/postgres"
	"github.com/talosaether/hubs/workspace"
)

var (
	flagSeedUser string
	flagSeedName string
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create a demo workspace with sample rows",
	Long: `Create a workspace owned by --user and fill the files, events,
personnel and productions tables with sample rows. Prints the new
workspace id.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := buildApp(ctx, false, nil)
		if err != nil {
			return err
		}
		defer rt.close(context.WithoutCancel(ctx))

		ws, err := seedDemo(ctx, rt, flagSeedUser, flagSeedName)
		if err != nil {
			return err
		}
		if flagJSON {
			return json.NewEncoder(os.Stdout).Encode(ws)
		}
		fmt.Println(ws.ID)
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVar(&flagSeedUser, "user", "demo", "owner of the demo workspace")
	seedCmd.Flags().StringVar(&flagSeedName, "name", "Fall Tour", "demo workspace name")
}

type demoTable struct {
	name    string
	columns []postgres.Column
	rows    []map[string]any
}

var demoTables = []demoTable{
	{
		name:    "files",
		columns: []postgres.Column{{Name: "name", Type: "text"}, {Name: "category", Type: "text"}, {Name: "folder", Type: "text"}},
		rows: []map[string]any{
			{"name": "Venue contract.pdf", "category": "contracts", "folder": "Legal"},
			{"name": "Headliner rider.pdf", "category": "riders", "folder": "Artists"},
			{"name": "Day 1 call sheet.pdf", "category": "call-sheets", "folder": "Schedules"},
			{"name": "Stage plot.png", "category": "site", "folder": "Production"},
		},
	},
	{
		name:    "events",
		columns: []postgres.Column{{Name: "name", Type: "text"}, {Name: "start_time", Type: "timestamptz"}},
		rows: []map[string]any{
			{"name": "Load in", "start_time": "2026-11-02T08:00:00Z"},
			{"name": "Soundcheck", "start_time": "2026-11-02T15:00:00Z"},
			{"name": "Doors", "start_time": "2026-11-02T19:00:00Z"},
		},
	},
	{
		name:    "personnel",
		columns: []postgres.Column{{Name: "first_name", Type: "text"}, {Name: "last_name", Type: "text"}, {Name: "role", Type: "text"}},
		rows: []map[string]any{
			{"first_name": "Ada", "last_name": "Okafor", "role": "Production manager"},
			{"first_name": "Sam", "last_name": "Reyes", "role": "Stage manager"},
		},
	},
	{
		name:    "productions",
		columns: []postgres.Column{{Name: "name", Type: "text"}, {Name: "status", Type: "text"}},
		rows: []map[string]any{
			{"name": "Fall Tour 2026", "status": "active"},
		},
	},
}

// seedDemo creates a workspace owned by userID and writes the demo rows
// into it through the App's source.
func seedDemo(ctx context.Context, rt *runtime, userID, name string) (*workspace.Workspace, error) {
	writer, ok := rt.app.Source().(source.Writer)
	if !ok {
		return nil, fmt.Errorf("source %T cannot write", rt.app.Source())
	}
	if pg, ok := rt.app.Source().(*postgres.Source); ok {
		for _, table := range demoTables {
			if err := pg.EnsureTable(ctx, table.name, table.columns...); err != nil {
				return nil, err
			}
		}
	}

	ws, err := rt.directory.Create(ctx, workspace.CreateInput{Name: name, OwnerID: userID})
	if err != nil {
		return nil, fmt.Errorf("failed to create demo workspace: %w", err)
	}
	for _, table := range demoTables {
		for _, row := range table.rows {
			if _, err := writer.Insert(ctx, table.name, ws.ID, row); err != nil {
				return ws, fmt.Errorf("failed to seed %s: %w", table.name, err)
			}
		}
	}
	rt.app.Logger().Info("demo workspace seeded", "workspace_id", ws.ID, "owner", userID)
	return ws, nil
}
