package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// shutdownContext returns a context that cancels on the first SIGINT/SIGTERM
// and force-exits on the second. Requests already sent cannot be taken back,
// so while inFlight reports true the first signal only logs; the batch runs
// to completion and the second signal still forces the exit.
func shutdownContext(parent context.Context, inFlight func() bool, logger *slog.Logger) context.Context {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			if inFlight != nil && inFlight() {
				logger.Warn("received signal while requests are in flight; waiting for them to finish, send again to force exit",
					slog.String("signal", sig.String()),
				)
			} else {
				logger.Info("received signal, shutting down",
					slog.String("signal", sig.String()),
				)
				cancel()
			}
		case <-ctx.Done():
			return
		}

		// Wait for second signal: force exit.
		select {
		case sig := <-sigCh:
			logger.Warn("received second signal, forcing exit",
				slog.String("signal", sig.String()),
			)
			os.Exit(1)
		case <-parent.Done():
			return
		}
	}()

	return ctx
}
