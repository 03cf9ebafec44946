package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kreteshq/huncwot/internal/dev"
	"github.com/kreteshq/huncwot/internal/rpc"
	"github.com/kreteshq/huncwot/internal/server"
)

func serveCmd(app *App) *cobra.Command {
	var (
		addr    string
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the application's services and routes",
		Long: `Serve the registered services and routes without watching.

The development loop runs this command on every freshly built binary and
proxies to it, so the code that answers requests is always the code that
was just compiled.`,
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(cmd.ErrOrStderr(), verbose)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			modules := app.Modules
			if modules == nil {
				modules = rpc.NewModules()
			}
			providers := append([]server.RouteProvider{rpc.NewDispatcher(modules, nil, logger)}, app.Providers...)
			return server.ServeApp(ctx, server.AppOptions{
				Addr:      addr,
				Providers: providers,
				Logger:    logger,
			})
		},
	}

	defaultAddr := os.Getenv(dev.AppAddrEnv)
	if defaultAddr == "" {
		defaultAddr = "127.0.0.1:5545"
	}
	cmd.Flags().StringVar(&addr, "addr", defaultAddr, "Address to listen on")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output")

	return cmd
}
