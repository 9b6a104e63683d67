package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/talosaether/hubs/moduledata"
	"github.com/talosaether/hubs/tab"
	"github.com/talosaether/hubs/workspace"
)

var (
	flagTabWorkspace string
	flagTabUser      string
	flagTabWatch     bool
	flagTabTimeout   time.Duration
)

var tabCmd = &cobra.Command{
	Use:   "tab <module> <tab>",
	Short: "Render a module tab",
	Long: `Render one module tab for a workspace. With --user the workspace is
selected through a session, so membership is checked first. With --watch
the tab is redrawn on every change until interrupted.`,
	Example: `  hubd tab files contracts -w 8f1c...
  hubd tab events all-events -w 8f1c... --user u1 --watch`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := buildApp(ctx, false, nil)
		if err != nil {
			return err
		}
		defer rt.close(context.WithoutCancel(ctx))
		return runTab(ctx, rt, args[0], args[1])
	},
}

func init() {
	tabCmd.Flags().StringVarP(&flagTabWorkspace, "workspace", "w", "", "workspace id (required)")
	tabCmd.Flags().StringVar(&flagTabUser, "user", "", "open the workspace as this user")
	tabCmd.Flags().BoolVar(&flagTabWatch, "watch", false, "redraw on every change")
	tabCmd.Flags().DurationVar(&flagTabTimeout, "timeout", 20*time.Second, "how long to wait for the first fetch")
	_ = tabCmd.MarkFlagRequired("workspace")
}

func runTab(ctx context.Context, rt *runtime, moduleID, tabSlug string) error {
	spec, err := rt.registry.Lookup(moduleID, tabSlug)
	if err != nil {
		return err
	}
	scope := moduledata.Scope{WorkspaceID: flagTabWorkspace, ModuleID: moduleID, TabSlug: tabSlug}
	opts := append([]moduledata.Option{moduledata.WithLive(flagTabWatch)}, rt.hookOpts...)

	var session *workspace.Session
	if flagTabUser != "" {
		session = workspace.NewSession(rt.directory, flagTabUser, workspace.WithSessionLogger(rt.app.Logger()))
		scope.WorkspaceID = ""
	}
	hook, err := moduledata.ModuleData(rt.app.Source(), rt.registry, scope, opts...)
	if err != nil {
		return err
	}
	hook.Mount(ctx)
	defer hook.Unmount()

	if session != nil {
		defer session.Follow(hook)()
		if err := session.SwitchWorkspace(ctx, flagTabWorkspace); err != nil {
			return err
		}
	}

	bound := tab.ForSpec(spec).Bind(hook)
	printer := &viewPrinter{json: flagJSON}
	if !flagTabWatch {
		waitCtx, cancel := context.WithTimeout(ctx, flagTabTimeout)
		defer cancel()
		if _, err := hook.Settled(waitCtx); err != nil {
			return fmt.Errorf("tab did not load: %w", err)
		}
		view := bound.View()
		printer.print(view)
		if view.Kind == tab.ViewError {
			return errors.New(view.Message)
		}
		return nil
	}

	printer.print(bound.View())
	defer bound.Watch(printer.print)()
	<-ctx.Done()
	return nil
}

// viewPrinter serializes redraws coming from hook callbacks.
type viewPrinter struct {
	mu   sync.Mutex
	json bool
}

func (p *viewPrinter) print(view tab.View) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.json {
		if err := json.NewEncoder(os.Stdout).Encode(view); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
		return
	}
	fmt.Println(tab.Text(view, tab.DefaultStyles()))
}
