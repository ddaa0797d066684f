//go:build !linux && !windows

package network

import "net"

// ReuseAddrListenConfig returns a plain ListenConfig on platforms without a
// tuned socket option path.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{}
}
