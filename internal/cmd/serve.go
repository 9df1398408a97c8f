package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	httpAdapter "github.com/cwygoda/scout/internal/adapter/http"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the job workers",
	Long: `Run the HTTP API together with a worker pool in one process.

Examples:
  scout serve
  scout serve --port 9090 --concurrency 4
  scout serve --no-worker     # API only, workers run elsewhere`,
	RunE: runServe,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run job workers without the HTTP API",
	RunE:  runWorker,
}

var serveNoWorker bool

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)

	serveCmd.Flags().Int("port", 0, "HTTP port")
	serveCmd.Flags().BoolVar(&serveNoWorker, "no-worker", false, "Do not start workers in this process")
	for _, c := range []*cobra.Command{serveCmd, workerCmd} {
		c.Flags().Int("concurrency", 0, "Jobs processed in parallel")
	}
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// startWorkers runs the worker pool until ctx is done. The returned wait
// func blocks until in-flight jobs and notifications are settled.
func startWorkers(ctx context.Context, a *app) (wait func(), err error) {
	orch, err := a.orchestrator()
	if err != nil {
		return nil, err
	}
	a.recoverQueue(ctx)

	pool := a.worker(orch)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		pool.Run(ctx)
	}()
	return func() {
		wg.Wait()
		orch.Wait()
	}, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	wait := func() {}
	if !serveNoWorker {
		if wait, err = startWorkers(ctx, a); err != nil {
			return err
		}
	}

	addr := fmt.Sprintf(":%d", a.cfg.Server.Port)
	srv := httpAdapter.NewServer(a.svc, addr, a.cfg.Server.Secret, a.log.Named("http"))

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("HTTP server listening",
			zap.String("addr", addr),
			zap.String("database", a.cfg.Database.Path),
			zap.Bool("signed_requests", a.cfg.Server.Secret != ""))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.log.Info("Shutting down")
	case serveErr = <-errCh:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("HTTP server shutdown error", zap.Error(err))
	}
	wait()

	if serveErr != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "HTTP server failed", serveErr)
	}
	a.log.Info("Shutdown complete")
	return nil
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	wait, err := startWorkers(ctx, a)
	if err != nil {
		return err
	}
	<-ctx.Done()
	a.log.Info("Shutting down")
	wait()
	a.log.Info("Shutdown complete")
	return nil
}
