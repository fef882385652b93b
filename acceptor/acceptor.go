// Package acceptor implements spec.md §4.5's Acceptor: a non-blocking
// listening socket whose Channel accepts new connections on read
// readiness and invokes a NewConnectionCallback with the new fd and peer
// address. Grounded in the teacher's socket.Listen + sys.Accept, ported
// onto the channel/poll abstraction and extended with the EMFILE
// reserved-fd mitigation spec.md requires but the teacher's Accept loop
// does not implement.
package acceptor

import (
	"net"
	"time"

	"github.com/moqsien/greactor/channel"
	"github.com/moqsien/greactor/errs"
	"github.com/moqsien/greactor/iface"
	"github.com/moqsien/greactor/internal/netlog"
	"github.com/moqsien/greactor/socket"
	"github.com/moqsien/greactor/sys"
)

// Acceptor owns a listening socket and the Channel that watches it for
// read readiness.
type Acceptor struct {
	listenFd  int
	addr      net.Addr
	channel   *channel.Channel
	listening bool

	// idleFd is the EMFILE mitigation's reserved fd to /dev/null (spec.md
	// §4.5): held open so the process always has one spare fd to sacrifice
	// when accept(2) fails with EMFILE.
	idleFd int

	NewConnectionCallback iface.NewConnectionCallback
}

// New binds and listens on address, configuring address/port reuse per
// reuseAddr/reusePort, and binds the listening socket's Channel to loop
// without yet registering it or enabling read interest (call Listen to
// start accepting).
func New(loop channel.Updater, address string, reuseAddr, reusePort bool) (*Acceptor, error) {
	fd, bound, err := socket.Listen("tcp", address, reuseAddr, reusePort)
	if err != nil {
		return nil, err
	}

	idleFd, err := sys.OpenDevNull()
	if err != nil {
		sys.CloseFd(fd)
		return nil, err
	}

	a := &Acceptor{
		listenFd: fd,
		addr:     bound,
		idleFd:   idleFd,
	}
	a.channel = channel.New(loop, fd)
	a.channel.SetReadCallback(a.handleRead)
	return a, nil
}

// Addr is the bound local address.
func (a *Acceptor) Addr() net.Addr { return a.addr }

// Fd is the listening socket's fd.
func (a *Acceptor) Fd() int { return a.listenFd }

// Listen enables the listening channel's read interest (spec.md §4.5:
// "listen() binds, listens, and enables the channel's read interest" —
// bind/listen already happened in New via socket.Listen).
func (a *Acceptor) Listen() {
	a.listening = true
	a.channel.EnableRead()
}

// Close stops accepting and releases the listening socket and the
// reserved idle fd. Must run on the owner loop's thread.
func (a *Acceptor) Close() error {
	a.channel.DisableAll()
	a.channel.Remove()
	sys.CloseFd(a.idleFd)
	return sys.CloseFd(a.listenFd)
}

// handleRead is the listening Channel's on_read callback: accept in a
// bounded drain loop per readiness, dispatching every accepted fd to
// NewConnectionCallback (spec.md §4.5).
func (a *Acceptor) handleRead(time.Time) {
	for {
		fd, sa, err := sys.Accept4(a.listenFd)
		if err != nil {
			a.handleAcceptError(err)
			return
		}
		peerAddr, err := sys.SockaddrToAddr(sa)
		if err != nil {
			netlog.Warningf("acceptor: unresolvable peer address: %v", err)
		}
		if a.NewConnectionCallback != nil {
			a.NewConnectionCallback(fd, peerAddr)
		} else {
			sys.CloseFd(fd)
		}
	}
}

func (a *Acceptor) handleAcceptError(err error) {
	switch {
	case err == sys.EAGAIN:
		// Drained every pending connection for this readiness.
	case err == sys.EMFILE:
		a.handleEMFILE()
	case err == sys.ECONNABORTED || err == sys.EPROTO || err == sys.EPERM:
		netlog.Warningf("acceptor: transient accept error: %v", err)
	default:
		netlog.Errorf("%v: %v", errs.ErrAcceptSocket, err)
	}
}

// handleEMFILE implements spec.md §4.5's EMFILE mitigation: release the
// reserved idle fd, accept once to claim the doomed connection (now that
// a slot is free), close it immediately, then reopen the reserved fd.
// Without this, a level-triggered loop spins forever on a readiness it
// cannot clear.
func (a *Acceptor) handleEMFILE() {
	sys.CloseFd(a.idleFd)
	fd, _, err := sys.Accept4(a.listenFd)
	if err == nil {
		sys.CloseFd(fd)
	}
	idleFd, err := sys.OpenDevNull()
	if err != nil {
		netlog.Errorf("acceptor: failed to reopen reserved fd after EMFILE: %v", err)
		return
	}
	a.idleFd = idleFd
}
