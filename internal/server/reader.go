package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-canalyst-server/internal/can"
	"github.com/kstaniek/go-canalyst-server/internal/hub"
	"github.com/kstaniek/go-canalyst-server/internal/metrics"
	"github.com/kstaniek/go-canalyst-server/internal/transport"
)

// forward hands one client frame to the backend, classifying overflow
// drops separately from hard backend errors.
func (s *Server) forward(fr can.Frame, logger *slog.Logger) {
	metrics.IncTCPRx()
	err := s.Send(fr)
	if err == nil {
		return
	}
	if errors.Is(err, transport.ErrTxOverflow) {
		s.totalBackendOverflow.Add(1)
		metrics.IncError(metrics.ErrBackendTxO)
		logger.Debug("backend_overflow_drop", "can_id", fmt.Sprintf("0x%X", fr.CANID), "len", fr.Len)
		return
	}
	wrap := fmt.Errorf("%w: %v", ErrBackendTx, err)
	s.setError(wrap)
	s.totalBackendErrors.Add(1)
	logger.Error("backend_tx_error", "error", wrap, "can_id", fmt.Sprintf("0x%X", fr.CANID))
}

func (s *Server) startReader(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { _ = conn.Close() }()
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			var count int
			var err error
			if mfd, ok := s.Codec.(transport.MultiFrameDecoder); ok {
				count, err = mfd.DecodeN(conn, 16, func(fr can.Frame) {
					if s.frameFilter != nil && !s.frameFilter(&fr) {
						return
					}
					s.forward(fr, logger)
				})
			} else {
				var fr can.Frame
				fr, err = s.Codec.Decode(conn)
				if err == nil {
					if s.frameFilter == nil || s.frameFilter(&fr) {
						s.forward(fr, logger)
					}
					count = 1
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				return
			}
			if count == 0 {
				time.Sleep(100 * time.Microsecond)
			}
			select {
			case <-ctxDone:
				return
			default:
			}
		}
	}()
}
