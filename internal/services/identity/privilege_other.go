//go:build !linux

package identity

import "os"

// NetAdmin reports whether the process runs as root.
func NetAdmin() (bool, error) {
	return os.Geteuid() == 0, nil
}
