package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	flagServeAddr string
	flagServeSeed string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Long: `Serve the module data gateway: table reads and writes, tab views and
the realtime socket, scoped to the caller's workspaces.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := buildApp(ctx, true, map[string]string{"gateway.addr": flagServeAddr})
		if err != nil {
			return err
		}
		defer rt.close(context.WithoutCancel(ctx))

		if flagServeSeed != "" {
			ws, err := seedDemo(ctx, rt, flagServeSeed, "Demo")
			if err != nil {
				return err
			}
			rt.app.Logger().Info("serving demo workspace", "workspace_id", ws.ID, "user", flagServeSeed)
		}
		return rt.gateway.Serve(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&flagServeAddr, "addr", "", "listen address (overrides gateway.addr)")
	serveCmd.Flags().StringVar(&flagServeSeed, "seed", "", "seed a demo workspace owned by this user before serving")
}
