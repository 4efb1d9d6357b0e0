package devutil

import (
	"errors"
	"net"
	"strconv"
)

// PickFreePort returns preferred if it can be bound on loopback, else an
// ephemeral port chosen by the kernel.
func PickFreePort(preferred int) (int, error) {
	if preferred > 0 {
		ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(preferred)))
		if err == nil {
			_ = ln.Close()
			return preferred, nil
		}
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	addr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return 0, errors.New("unexpected addr type")
	}
	return addr.Port, nil
}

// LoopbackAddr picks a free port and returns the hub listen address and the
// matching agent server URL for path.
func LoopbackAddr(preferred int, path string) (addr, serverURL string, err error) {
	port, err := PickFreePort(preferred)
	if err != nil {
		return "", "", err
	}
	addr = net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	return addr, "ws://" + addr + path, nil
}
