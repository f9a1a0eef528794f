//go:build !linux

package healthcheck

import "syscall"

// Socket marks only exist on linux.
func markControl(uint32) func(network, address string, c syscall.RawConn) error {
	return nil
}
