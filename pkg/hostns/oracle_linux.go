//go:build linux

package hostns

import (
	"fmt"

	"github.com/vishvananda/netns"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// NewOracle resolves the host namespace from the init process, falling back
// to the namespace of the current thread when /proc/1 is not accessible.
func NewOracle(logger *zap.Logger) (*Oracle, error) {
	cookie, err := CookieOfPid(1)
	if err != nil {
		logger.Warn("cannot read init network namespace, using own namespace as host", zap.Error(err))
		cookie, err = CurrentCookie()
		if err != nil {
			return nil, err
		}
	}
	logger.Info("host network namespace resolved", zap.Uint64("cookie", cookie))
	return NewStaticOracle(cookie), nil
}

// CookieOfPid returns the namespace cookie of a process.
func CookieOfPid(pid int) (uint64, error) {
	handle, err := netns.GetFromPid(pid)
	if err != nil {
		return 0, fmt.Errorf("open network namespace of pid %d: %w", pid, err)
	}
	defer handle.Close()
	return cookieOf(handle)
}

// CurrentCookie returns the namespace cookie of the calling thread.
func CurrentCookie() (uint64, error) {
	handle, err := netns.Get()
	if err != nil {
		return 0, fmt.Errorf("open current network namespace: %w", err)
	}
	defer handle.Close()
	return cookieOf(handle)
}

// cookieOf uses the nsfs inode, which is unique per namespace for the
// lifetime of the namespace.
func cookieOf(handle netns.NsHandle) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(handle), &st); err != nil {
		return 0, fmt.Errorf("stat network namespace: %w", err)
	}
	return st.Ino, nil
}
