//go:build linux
// +build linux

// Package transport tunes TCP sockets for high-throughput blob transfers.
package transport

import (
	"net"
	"syscall"
)

func setTCPOptions(network, address string, c syscall.RawConn) error {
	return c.Control(func(fd uintptr) {
		syscall.SetsockoptInt(int(fd), syscall.IPPROTO_TCP, syscall.TCP_NODELAY, 1)
		syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_SNDBUF, 4*1024*1024)
		syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_RCVBUF, 4*1024*1024)
		syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_KEEPALIVE, 1)
		syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	})
}

// ListenConfig returns a listener config with larger socket buffers and
// keep-alives for blob-sized payloads.
func ListenConfig() net.ListenConfig {
	return net.ListenConfig{Control: setTCPOptions}
}

// SetAdaptiveTCPOptions applies per-connection TCP tuning.
func SetAdaptiveTCPOptions(conn net.Conn) error {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
		_ = tcpConn.SetKeepAlive(true)
	}
	return nil
}
