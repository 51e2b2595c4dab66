package stage

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"
)

// SignalHandler maps SIGINT/SIGTERM onto the graceful-stop contract: the
// first signal cancels the stage context so loops stop at the next batch
// boundary and flush their checkpoint; a second signal exits immediately
// without flushing. The exit code is 128+signo either way.
type SignalHandler struct {
	signo atomic.Int32
	stop  func()
}

// InstallSignals wires the handler and returns the derived context.
func InstallSignals(ctx context.Context, logger *zap.Logger) (context.Context, *SignalHandler) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)

	h := &SignalHandler{}
	h.stop = func() {
		signal.Stop(ch)
		cancel()
	}
	go func() {
		select {
		case sig := <-ch:
			signo := int32(sig.(syscall.Signal))
			h.signo.Store(signo)
			logger.Warn("signal received, finishing current batch",
				zap.String("signal", sig.String()))
			cancel()
			sig = <-ch
			logger.Error("second signal, exiting immediately",
				zap.String("signal", sig.String()))
			os.Exit(128 + int(sig.(syscall.Signal)))
		case <-ctx.Done():
		}
	}()
	return ctx, h
}

// ExitCode is 0 when no signal arrived, otherwise 128+signo.
func (h *SignalHandler) ExitCode() int {
	if s := h.signo.Load(); s != 0 {
		return 128 + int(s)
	}
	return 0
}

// Stop releases the signal registration.
func (h *SignalHandler) Stop() { h.stop() }
