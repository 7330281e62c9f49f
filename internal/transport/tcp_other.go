//go:build !linux
// +build !linux

package transport

import (
	"net"
)

// ListenConfig returns a default listener config on non-Linux systems.
func ListenConfig() net.ListenConfig {
	return net.ListenConfig{}
}

// SetAdaptiveTCPOptions applies basic per-connection TCP tuning.
func SetAdaptiveTCPOptions(conn net.Conn) error {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
		_ = tcpConn.SetKeepAlive(true)
	}
	return nil
}
