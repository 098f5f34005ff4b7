// Command tokengate serves bearer-token protected endpoints, or with the
// check subcommand verifies a single token and prints its claims.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/upb/tokengate/app"
	"github.com/upb/tokengate/autherr"
	"github.com/upb/tokengate/config"
	"github.com/upb/tokengate/internal/observability"
	"github.com/upb/tokengate/routes"
)

const (
	exitOK          = 0
	exitAuthFailure = 1
	exitUsage       = 2
)

const usage = `usage: tokengate [serve | check [-token TOKEN]]

  serve   run the HTTP server (default)
  check   verify TOKEN (or $TOKEN / $Token) against $AUTHORITY and print its claims
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	command := "serve"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	switch command {
	case "serve", "check":
	case "-h", "-help", "--help", "help":
		fmt.Fprint(stdout, usage)
		return exitOK
	default:
		fmt.Fprintf(stderr, "tokengate: unknown command %q\n%s", command, usage)
		return exitUsage
	}

	cfg, err := config.New(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "tokengate: %v\n", err)
		return exitUsage
	}

	logger, err := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(stderr, "tokengate: failed to initialize logger: %v\n", err)
		return exitUsage
	}
	defer func() { _ = logger.Sync() }()

	if command == "check" {
		return check(ctx, cfg, logger, args, stdout, stderr)
	}

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("server error", zap.Error(err))
		return exitAuthFailure
	}
	return exitOK
}

// serve runs the HTTP server until ctx is cancelled, then drains it
func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	deps, err := app.NewDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           routes.SetupRoutes(deps),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("tokengate listening",
			zap.String("addr", srv.Addr),
			zap.String("environment", cfg.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return deps.Close(shutdownCtx)
}

// check verifies one token and prints its claims as indented JSON. On
// failure the error kind and message go to stderr and the exit status is 1.
func check(ctx context.Context, cfg *config.Config, logger *zap.Logger, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	token := fs.String("token", cfg.Token, "bearer token to verify (default $TOKEN or $Token)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *token == "" {
		fmt.Fprintln(stderr, "tokengate: no token given; set TOKEN or pass -token")
		return exitUsage
	}

	deps, err := app.NewDependencies(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "tokengate: %v\n", err)
		return exitUsage
	}
	defer func() { _ = deps.Close(ctx) }()

	result, err := deps.Verifier.Verify(ctx, *token)
	if err != nil {
		fmt.Fprintf(stderr, "authentication failed [%s]: %v\n", autherr.KindOf(err), err)
		return exitAuthFailure
	}

	out, err := json.MarshalIndent(result.Claims, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "tokengate: failed to render claims: %v\n", err)
		return exitAuthFailure
	}
	fmt.Fprintln(stdout, string(out))
	return exitOK
}
