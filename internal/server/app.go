package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/kreteshq/huncwot/internal/errors"
)

// AppHealthPath answers 200 once an application process is serving.
const AppHealthPath = "/__app/health"

// AppOptions configures the server run inside the application process.
type AppOptions struct {
	// Addr is the host:port to listen on.
	Addr string

	// Providers contribute the application's routes.
	Providers []RouteProvider

	Logger *slog.Logger

	// ShutdownTimeout bounds the graceful stop (default 5s).
	ShutdownTimeout time.Duration
}

// ServeApp serves the application's own routes until ctx is done. The
// development server proxies to it; every build runs a fresh process.
func ServeApp(ctx context.Context, opts AppOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "app")
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}

	router, err := appRouter(ctx, opts.Providers, logger)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return errors.New(errors.CodeBind).
			WithDetailf("Cannot listen on %s", opts.Addr).
			Wrap(err)
	}

	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelDebug),
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()
	logger.Info("application serving", "addr", ln.Addr().String(), "pid", os.Getpid())

	select {
	case err := <-serveErr:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		_ = srv.Close()
	}
	<-serveErr
	return nil
}

func appRouter(ctx context.Context, providers []RouteProvider, logger *slog.Logger) (chi.Router, error) {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(chimiddleware.Recoverer)

	r.Get(AppHealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "pid": os.Getpid()})
	})

	for _, p := range providers {
		bindings, err := p.Routes(ctx)
		if err != nil {
			return nil, errors.New(errors.CodeSetup).Wrap(fmt.Errorf("%s: %w", p.Name(), err))
		}
		for _, b := range bindings {
			if err := mountBinding(r, b); err != nil {
				return nil, errors.New(errors.CodeSetup).Wrap(fmt.Errorf("%s: %w", p.Name(), err))
			}
		}
	}
	return r, nil
}

// mountBinding adds b to r, turning chi's pattern panics into errors.
func mountBinding(r chi.Router, b RouteBinding) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%s %s: %v", b.Method, b.Path, rec)
		}
	}()
	r.Method(b.Method, b.Path, b.Handler)
	return nil
}
