//go:build linux

// Package socket wraps fd/address construction for listening and
// connecting sockets, the thin collaborator layer spec.md §6 describes
// (create/bind/listen/accept/connect, address/port reuse, local/peer
// address query). Grounded in the teacher's own socket package, extended
// with github.com/libp2p/go-reuseport for SO_REUSEPORT-enabled listeners.
package socket

import (
	"errors"
	"net"
	"os"
	"strconv"

	"github.com/libp2p/go-reuseport"
	"golang.org/x/sys/unix"

	"github.com/moqsien/greactor/sys"
)

var errNotTCPListener = errors.New("socket: listener does not expose a duplicable fd")

// Listen creates a non-blocking listening TCP socket bound to address.
// When reusePort is set the socket is created through
// github.com/libp2p/go-reuseport so multiple processes/loops can bind the
// same port (SO_REUSEPORT); otherwise it is a plain net.Listen with
// SO_REUSEADDR applied if reuseAddr is set.
func Listen(network, address string, reuseAddr, reusePort bool) (fd int, bound net.Addr, err error) {
	var ln net.Listener
	if reusePort {
		ln, err = reuseport.Listen(network, address)
	} else {
		ln, err = net.Listen(network, address)
	}
	if err != nil {
		return -1, nil, err
	}

	fd, err = ResolveFd(ln)
	if err != nil {
		ln.Close()
		return -1, nil, err
	}
	bound = ln.Addr()
	// fd is now the socket's only descriptor, so closing it stops the
	// socket listening.
	ln.Close()

	if reuseAddr && !reusePort {
		if err = sys.SetReuseAddr(fd); err != nil {
			return -1, nil, err
		}
	}
	if err = sys.SetNonblock(fd); err != nil {
		return -1, nil, err
	}
	return fd, bound, nil
}

// fileConn is satisfied by *net.TCPListener and by the *net.TCPListener
// github.com/libp2p/go-reuseport hands back from Listen.
type fileConn interface {
	File() (*os.File, error)
}

// ResolveFd returns a close-on-exec duplicate of the fd backing ln, taken
// from ln's File() and owned by the caller alone: the *os.File wrapper is
// closed before returning, and closing ln leaves the returned fd open.
func ResolveFd(ln net.Listener) (int, error) {
	fc, ok := ln.(fileConn)
	if !ok {
		return -1, errNotTCPListener
	}
	f, err := fc.File()
	if err != nil {
		return -1, err
	}
	defer f.Close()
	return unix.FcntlInt(f.Fd(), unix.F_DUPFD_CLOEXEC, 0)
}

// Dial opens a non-blocking TCP socket and returns its fd along with the
// syscall sockaddr for the resolved remote address, ready for Connector
// to call sys.Connect on.
func Dial(address string) (fd int, sa unix.Sockaddr, err error) {
	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return -1, nil, err
	}
	family := unix.AF_INET
	if addr.IP.To4() == nil {
		family = unix.AF_INET6
	}
	fd, err = sys.Socket(family)
	if err != nil {
		return -1, nil, err
	}
	sa, err = addrToSockaddr(addr)
	if err != nil {
		sys.CloseFd(fd)
		return -1, nil, err
	}
	return fd, sa, nil
}

func addrToSockaddr(addr *net.TCPAddr) (unix.Sockaddr, error) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		var a [4]byte
		copy(a[:], ip4)
		return &unix.SockaddrInet4{Port: addr.Port, Addr: a}, nil
	}
	var a [16]byte
	copy(a[:], addr.IP.To16())
	return &unix.SockaddrInet6{Port: addr.Port, Addr: a}, nil
}

func ParseHostPort(address string) (host string, port int, err error) {
	h, p, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0, err
	}
	port, err = strconv.Atoi(p)
	return h, port, err
}
