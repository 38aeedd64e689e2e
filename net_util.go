package main

import (
	"net"
	"path/filepath"
	"strconv"
)

// absPath resolves path to an absolute, cleaned form.
func absPath(path string) (string, error) {
	return filepath.Abs(path)
}

// listen opens a TCP listener on port (0 = OS-assigned free port) and
// returns it along with the port actually bound.
func listen(port int) (net.Listener, int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return nil, 0, err
	}
	return ln, ln.Addr().(*net.TCPAddr).Port, nil
}
