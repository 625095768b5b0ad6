package net

import (
	"fmt"
	"net"
)

// ListenLoopback binds a TCP listener to an OS-assigned port on 127.0.0.1.
// The listener is returned still open so the port cannot be taken between
// choosing it and serving on it.
func ListenLoopback() (*net.TCPListener, int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, 0, fmt.Errorf("resolving 127.0.0.1:0: %w", err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, 0, fmt.Errorf("listening on ephemeral port: %w", err)
	}
	return listener, listener.Addr().(*net.TCPAddr).Port, nil
}
