//go:build linux

package identity

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// NetAdmin reports whether the process runs as root or holds CAP_NET_ADMIN
// in its effective set.
func NetAdmin() (bool, error) {
	if os.Geteuid() == 0 {
		return true, nil
	}

	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	if err := unix.Capget(&hdr, &data[0]); err != nil {
		return false, fmt.Errorf("reading capabilities: %w", err)
	}

	const bit = unix.CAP_NET_ADMIN
	return data[bit/32].Effective&(1<<(bit%32)) != 0, nil
}
