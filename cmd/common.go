package cmd

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
)

// ContextWithSignals returns a child of ctx that is cancelled when SIGTERM,
// SIGINT or SIGHUP arrives from the OS. The provided logger is used to print
// which signal was caught. The returned CancelFunc releases the signal
// handler and should be deferred by the caller.
func ContextWithSignals(ctx context.Context, logger *log.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Printf("Caught %s signal\n", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}
