package util

import (
	"io"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

func CloseResource(name string, c io.Closer) {
	if err := c.Close(); err != nil {
		log.WithError(err).Warnf("Failed to close %s cleanly", name)
	}
}

// CloseFd closes a raw file descriptor, logging rather than propagating
// failures. Intended for teardown paths where the descriptor state is
// already known to be terminal.
func CloseFd(name string, fd int) {
	if err := unix.Close(fd); err != nil {
		log.WithError(err).Warnf("Failed to close %s (fd %d) cleanly", name, fd)
	}
}
