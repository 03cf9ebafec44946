package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kreteshq/huncwot/internal/config"
	"github.com/kreteshq/huncwot/internal/dev"
)

// lookupToolchain is replaced in tests.
var lookupToolchain = dev.LookupToolchain

func startCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start [dir]",
		Short: "Start the development loop",
		Long: `Start the development server with live reload.

The project is rebuilt when Go files change; stylesheets, templates,
SQL scripts and Service interfaces get their own reactions.

Examples:
  huncwot start
  huncwot start ./myapp --port 8080
  huncwot start --production --database=false`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			if _, err := lookupToolchain(); err != nil {
				return err
			}

			root, err := config.FindProjectRoot(dir)
			if err != nil {
				return err
			}
			cfg, err := config.Load(root, cmd.Flags())
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := newLogger(cmd.ErrOrStderr(), cfg.Dev.Verbose)
			logger.Debug("configuration loaded", "dir", cfg.Dir(), "file", cfg.File())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			session := dev.NewSession(dev.SessionOptions{
				Config:    cfg,
				Version:   Version,
				Modules:   app.Modules,
				Providers: app.Providers,
				Logger:    logger,
				Output:    cmd.OutOrStdout(),
				AppOutput: cmd.ErrOrStderr(),
			})
			return session.Run(ctx)
		},
	}

	flags := cmd.Flags()
	flags.IntP("port", "p", config.DefaultPort, "Port to listen on")
	flags.String("host", config.DefaultHost, "Host to bind to")
	flags.Bool("production", false, "Run without live reload")
	flags.Bool("database", true, "Open the SQLite development database")
	flags.BoolP("verbose", "v", false, "Log debug output")
	flags.Bool("app", true, "Run the built binary and proxy to it")

	return cmd
}
