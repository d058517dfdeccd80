package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-canalyst-server/internal/can"
	"github.com/kstaniek/go-canalyst-server/internal/hub"
)

// initBackend selects the backend, starts its RX loop and returns a frame sender and cleanup.
// It returns an error instead of exiting the process to allow graceful handling by the caller.
func initBackend(ctx context.Context, cfg *appConfig, h *hub.Hub, l *slog.Logger, wg *sync.WaitGroup) (func(can.Frame) error, func(), error) {
	switch cfg.backend {
	case "canalyst":
		return initCanalystBackend(ctx, cfg, h, l, wg)
	case "loopback":
		return initLoopbackBackend(ctx, cfg, h, l, wg)
	default:
		return nil, func() {}, fmt.Errorf("unknown backend %q (use canalyst|loopback)", cfg.backend)
	}
}
