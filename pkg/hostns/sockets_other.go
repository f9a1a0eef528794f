//go:build !linux

package hostns

import (
	"go.uber.org/zap"

	"github.com/easzlab/ezsock/pkg/lbmap"
	"github.com/easzlab/ezsock/pkg/sockaddr"
)

// SocketProber reports no listeners where sock_diag is unavailable.
type SocketProber struct {
	logger *zap.Logger
}

// NewSocketProber creates a SocketProber.
func NewSocketProber(logger *zap.Logger) *SocketProber {
	logger.Info("socket diagnostics unsupported on this platform, local redirect loop detection disabled")
	return &SocketProber{logger: logger}
}

// Listening always reports false.
func (p *SocketProber) Listening(protocol lbmap.Protocol, ep sockaddr.Endpoint) bool {
	return false
}
