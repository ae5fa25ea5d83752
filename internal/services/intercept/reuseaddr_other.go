//go:build !linux

package intercept

import "net"

func reuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{}
}
