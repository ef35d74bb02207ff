package sockutil

import (
	"net"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const listenBacklog = 128

// ListenTCP opens a non-blocking IPv4 listening socket. When portMin is
// positive, the first free port in [portMin, portMax] is bound and an
// exhausted range is an error; when portMin is zero an ephemeral port is
// used. Returns the descriptor and the bound port.
func ListenTCP(portMin int, portMax int) (int, int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, 0, errors.Wrap(err, "creating listening socket")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, 0, errors.Wrap(err, "setting SO_REUSEADDR")
	}

	if portMin > 0 {
		bound := false
		for port := portMin; port <= portMax; port++ {
			err = unix.Bind(fd, &unix.SockaddrInet4{Port: port})
			if err == nil {
				bound = true
				break
			}
			if err != unix.EADDRINUSE && err != unix.EACCES {
				unix.Close(fd)
				return -1, 0, errors.Wrapf(err, "binding port %d", port)
			}
		}
		if !bound {
			unix.Close(fd)
			return -1, 0, errors.Errorf("no free port in configured range %d-%d", portMin, portMax)
		}
	} else {
		if err := unix.Bind(fd, &unix.SockaddrInet4{}); err != nil {
			unix.Close(fd)
			return -1, 0, errors.Wrap(err, "binding ephemeral port")
		}
	}

	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return -1, 0, errors.Wrap(err, "listening")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, 0, errors.Wrap(err, "setting listener non-blocking")
	}

	sa, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return -1, 0, errors.Wrap(err, "reading bound address")
	}
	inet4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		unix.Close(fd)
		return -1, 0, errors.Errorf("unexpected socket address family %T", sa)
	}
	return fd, inet4.Port, nil
}

// IsWouldBlock reports whether err indicates that no more work is pending on
// a non-blocking descriptor.
func IsWouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

// IsTransientAcceptError reports whether an accept failure should be
// swallowed and the accept loop continued.
func IsTransientAcceptError(err error) bool {
	return err == unix.EINTR || err == unix.ECONNABORTED
}

// IsClosedDescriptor reports whether err indicates the descriptor was shut
// down underneath the caller.
func IsClosedDescriptor(err error) bool {
	return err == unix.EBADF || err == unix.EINVAL
}

// FileConn wraps an accepted descriptor into a net.Conn. Ownership of fd
// passes to the returned connection; fd itself is closed here in all cases.
func FileConn(fd int) (net.Conn, error) {
	f := os.NewFile(uintptr(fd), "pmix-conn")
	conn, err := net.FileConn(f)
	closeErr := f.Close()
	if err != nil {
		return nil, errors.Wrap(err, "wrapping accepted connection")
	}
	if closeErr != nil {
		conn.Close()
		return nil, errors.Wrap(closeErr, "releasing accepted descriptor")
	}
	return conn, nil
}

// PeerString renders the peer address returned by accept for logging.
func PeerString(sa unix.Sockaddr) string {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IPv4(addr.Addr[0], addr.Addr[1], addr.Addr[2], addr.Addr[3])
		return (&net.TCPAddr{IP: ip, Port: addr.Port}).String()
	case *unix.SockaddrInet6:
		return (&net.TCPAddr{IP: addr.Addr[:], Port: addr.Port}).String()
	default:
		return "unknown"
	}
}
