package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-canalyst-server/internal/can"
	"github.com/kstaniek/go-canalyst-server/internal/canalyst"
	"github.com/kstaniek/go-canalyst-server/internal/hub"
	"github.com/kstaniek/go-canalyst-server/internal/transport"
	"github.com/kstaniek/go-canalyst-server/internal/usb"
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// openTransport is a hook for tests (overridden in unit tests).
var openTransport = func(cfg *appConfig) (canalyst.Transport, func() error, error) {
	d, err := usb.OpenIndex(canalyst.USBVendorID, canalyst.USBProductID, cfg.deviceIndex)
	if err != nil {
		return nil, nil, err
	}
	return d, d.Close, nil
}

// initCanalystBackend opens the adapter, programs the configured channel
// and launches the RX poll loop. TX goes through an AsyncTx so many TCP
// readers funnel into the one goroutine allowed to touch the USB handle.
func initCanalystBackend(ctx context.Context, cfg *appConfig, h *hub.Hub, l *slog.Logger, wg *sync.WaitGroup) (func(can.Frame) error, func(), error) {
	tr, closeTransport, err := openTransport(cfg)
	if err != nil {
		return nil, func() {}, fmt.Errorf("open usb device %d: %w", cfg.deviceIndex, err)
	}
	dev := canalyst.NewDevice(tr, l)
	chCfg := canalyst.ChannelConfig{}
	if cfg.timing0 >= 0 {
		chCfg.RawTimings = true
		chCfg.Timing0 = uint32(cfg.timing0)
		chCfg.Timing1 = uint32(cfg.timing1)
	} else {
		chCfg.Bitrate = uint32(cfg.bitrate)
	}
	ch := cfg.channel
	if err := dev.Init(ch, chCfg); err != nil {
		_ = closeTransport()
		return nil, func() {}, fmt.Errorf("init channel %d: %w", ch, err)
	}
	l.Info("canalyst_open", "device_index", cfg.deviceIndex, "channel", ch,
		"bitrate", cfg.bitrate, "timing0", chCfg.Timing0, "timing1", chCfg.Timing1)

	tx := transport.NewAsyncTx(ctx, txQueueSize, func(fr can.Frame) error {
		return dev.Send(ch, []canalyst.Message{canalyst.FromFrame(fr)})
	}, transport.Hooks{
		OnError: func(err error) { l.Warn("usb_send_error", "error", err) },
		OnDrop:  func() error { return transport.ErrTxOverflow },
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("canalyst_rx_end")
		backoff := rxBackoffMin
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			msgs, err := dev.Receive(ch)
			if err != nil {
				if ctx.Err() != nil { // shutting down
					return
				}
				if errors.Is(err, canalyst.ErrChannelNotReady) {
					return // stopped underneath us, fatal
				}
				l.Warn("canalyst_read_error", "error", err, "backoff", backoff)
				sleepFn(backoff)
				backoff *= 2
				if backoff > rxBackoffMax {
					backoff = rxBackoffMax
				}
				continue
			}
			backoff = rxBackoffMin
			for _, m := range msgs {
				h.Broadcast(m.Frame())
			}
			if len(msgs) == 0 {
				sleepFn(cfg.pollInterval)
			}
		}
	}()
	cleanup := func() {
		tx.Close()
		if err := dev.Stop(ch); err != nil {
			l.Warn("canalyst_stop_error", "channel", ch, "error", err)
		}
		_ = closeTransport()
	}
	return tx.SendFrame, cleanup, nil
}
