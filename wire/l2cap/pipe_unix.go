//go:build unix

package l2cap

import (
	"fmt"
	"net"
	"os"
	"syscall"
)

// Pipe returns two bearers connected through a Unix socket pair. Unlike
// net.Pipe the kernel buffers writes, so both ends may write at once.
func Pipe() (*ConnBearer, *ConnBearer, error) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("l2cap: socketpair: %w", err)
	}
	a, err := fileConn(fds[0], "l2cap-a")
	if err != nil {
		syscall.Close(fds[1])
		return nil, nil, err
	}
	b, err := fileConn(fds[1], "l2cap-b")
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return NewConnBearer(a), NewConnBearer(b), nil
}

func fileConn(fd int, name string) (net.Conn, error) {
	f := os.NewFile(uintptr(fd), name)
	defer f.Close()
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("l2cap: %s: %w", name, err)
	}
	return conn, nil
}
