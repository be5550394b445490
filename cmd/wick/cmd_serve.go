package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"wick_core/agent"
	"wick_core/deep"
	"wick_core/server"
	"wick_core/tracing"
)

func newServeCmd(c *cli) *cobra.Command {
	var (
		listen string
		model  string
		traces int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the configured agents over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.file == nil {
				return fmt.Errorf("serve needs an agents file (set --config or WICK_CONFIG)")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			tracer := tracing.NewHook(tracing.NewStore(traces))
			handler := server.New(server.Deps{
				Agents: c.file.AgentNames,
				Build: func(ctx context.Context, name string) (*agent.Agent, error) {
					// Gated tools are denied: there is no one to ask.
					return c.buildAgent(ctx, name, model, deep.WithHooks(tracer))
				},
				Tracer: tracer,
				Logger: c.logger.Named("http"),
			})
			return c.serve(ctx, listen, handler)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", envOr("WICK_LISTEN", "127.0.0.1:8000"), "listen address")
	cmd.Flags().StringVar(&model, "model", "", "model spec for every agent, overrides the agents file")
	cmd.Flags().IntVar(&traces, "traces", 100, "number of finished run traces to keep")
	return cmd
}

func (c *cli) serve(ctx context.Context, listen string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		c.logger.Info("wick listening", zap.String("addr", listen), zap.Strings("agents", c.file.AgentNames()))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	c.logger.Info("wick shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
