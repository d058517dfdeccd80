package server

import (
	"context"
	"net"

	"github.com/kstaniek/go-canalyst-server/internal/cnl"
)

// handshake runs the required TCP hello exchange.
func (s *Server) handshake(ctx context.Context, c net.Conn) error {
	return cnl.Handshake(ctx, c, s.handshakeTimeout)
}
