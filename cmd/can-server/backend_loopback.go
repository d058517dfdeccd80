package main

import (
	"context"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-canalyst-server/internal/can"
	"github.com/kstaniek/go-canalyst-server/internal/hub"
	"github.com/kstaniek/go-canalyst-server/internal/transport"
)

// initLoopbackBackend echoes every client frame back through the hub.
// Useful for integration tests and for running the daemon without hardware.
func initLoopbackBackend(ctx context.Context, cfg *appConfig, h *hub.Hub, l *slog.Logger, wg *sync.WaitGroup) (func(can.Frame) error, func(), error) {
	l.Info("loopback_backend", "note", "frames are echoed to all clients, no hardware involved")
	tx := transport.NewAsyncTx(ctx, txQueueSize, func(fr can.Frame) error {
		h.Broadcast(fr)
		return nil
	}, transport.Hooks{
		OnDrop: func() error { return transport.ErrTxOverflow },
	})
	return tx.SendFrame, func() { tx.Close() }, nil
}
