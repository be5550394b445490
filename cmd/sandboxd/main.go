// sandboxd runs inside an isolated container and serves one directory to
// SandboxBackend clients over a websocket. Requests are JSON messages
// multiplexed by id; file operations and shell commands run against the
// sandbox root.
//
//	Request:  {"id":"r1","op":"exec","cmd":"go test ./...","timeout":60}
//	Response: {"id":"r1","exec":{"stdout":"...","stderr":"","exit_code":0}}
//
// Environment variables:
//
//	SANDBOXD_LISTEN      listen address (default "0.0.0.0:9090")
//	SANDBOXD_ROOT        sandbox root (default "/workspace")
//	SANDBOXD_TIMEOUT     default exec timeout (default "2m")
//	SANDBOXD_MAX_OUTPUT  exec output cap in bytes (default 100000)
//	SANDBOXD_DEBUG       any non-empty value enables debug logging
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"wick_core/backend"
)

func main() {
	zc := zap.NewProductionConfig()
	if os.Getenv("SANDBOXD_DEBUG") != "" {
		zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := zc.Build()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := serve(logger); err != nil {
		logger.Fatal("sandboxd failed", zap.Error(err))
	}
}

func serve(logger *zap.Logger) error {
	listenAddr := envOr("SANDBOXD_LISTEN", "0.0.0.0:9090")
	root := envOr("SANDBOXD_ROOT", "/workspace")
	timeout, err := time.ParseDuration(envOr("SANDBOXD_TIMEOUT", "2m"))
	if err != nil {
		return err
	}
	maxOutput, err := strconv.Atoi(envOr("SANDBOXD_MAX_OUTPUT", "100000"))
	if err != nil {
		return err
	}

	fs, err := backend.NewDiskBackend(root, backend.WithLocalExec(timeout, maxOutput))
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           newMux(backend.NewDaemonServer(fs, logger.Named("daemon"))),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("sandboxd listening", zap.String("addr", listenAddr), zap.String("root", fs.Root()))
		errCh <- srv.ListenAndServe()
	}()

	// Block until SIGTERM/SIGINT
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("sandboxd shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newMux(daemon http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/", daemon)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
