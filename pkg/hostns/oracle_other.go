//go:build !linux

package hostns

import "go.uber.org/zap"

// staticHostCookie stands in for the host namespace where namespaces do not exist.
const staticHostCookie = 1

// NewOracle returns an Oracle that treats every caller as the host.
func NewOracle(logger *zap.Logger) (*Oracle, error) {
	logger.Info("network namespaces unsupported on this platform, all callers are host")
	return NewStaticOracle(staticHostCookie), nil
}

// CookieOfPid returns the static host cookie.
func CookieOfPid(pid int) (uint64, error) {
	return staticHostCookie, nil
}

// CurrentCookie returns the static host cookie.
func CurrentCookie() (uint64, error) {
	return staticHostCookie, nil
}
