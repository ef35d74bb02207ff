// Package timer drives the agent's periodic cleanup sweep. A dedicated
// goroutine waits on a "stop" pipe with a bounded timeout; every timeout it
// writes one byte into a "work" pipe registered with the reactor, which
// wakes the reactor and triggers the sweep. The pipe carries the coalescing
// behaviour for free: however many ticks pile up while the reactor is busy,
// one drain runs one sweep.
package timer

import (
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/giovtorres/slurm-docker-cluster-sub003/internal/pmixagent/sockutil"
)

// Channels holds the two signalling pipe pairs. The work read-end is meant
// to be registered with a reactor; ownership of that descriptor can be
// handed over with DetachWorkRead so Close does not double-close it.
type Channels struct {
	workRead  int
	workWrite int
	stopRead  int
	stopWrite int

	workReadDetached bool
	closed           bool
}

func NewChannels() (*Channels, error) {
	work := make([]int, 2)
	if err := unix.Pipe(work); err != nil {
		return nil, errors.Wrap(err, "creating timer work pipe")
	}
	stop := make([]int, 2)
	if err := unix.Pipe(stop); err != nil {
		unix.Close(work[0])
		unix.Close(work[1])
		return nil, errors.Wrap(err, "creating timer stop pipe")
	}
	ch := &Channels{
		workRead:  work[0],
		workWrite: work[1],
		stopRead:  stop[0],
		stopWrite: stop[1],
	}
	// Both work ends are non-blocking: the reactor drains the read end
	// without blocking, and a full pipe must never stall the timer
	// goroutine (the pending byte already guarantees a wakeup).
	for _, fd := range work {
		if err := unix.SetNonblock(fd, true); err != nil {
			ch.Close()
			return nil, errors.Wrap(err, "setting timer work pipe non-blocking")
		}
	}
	return ch, nil
}

// WorkReadFd returns the descriptor the reactor should poll for ticks.
func (c *Channels) WorkReadFd() int {
	return c.workRead
}

// DetachWorkRead transfers ownership of the work read-end to the caller
// (the reactor retires and closes registered descriptors itself).
func (c *Channels) DetachWorkRead() int {
	c.workReadDetached = true
	return c.workRead
}

// Close releases all descriptors. Idempotent.
func (c *Channels) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	var result *multierror.Error
	if !c.workReadDetached {
		result = multierror.Append(result, closeFd(c.workRead))
	}
	result = multierror.Append(result, closeFd(c.workWrite))
	result = multierror.Append(result, closeFd(c.stopRead))
	result = multierror.Append(result, closeFd(c.stopWrite))
	return result.ErrorOrNil()
}

func closeFd(fd int) error {
	if err := unix.Close(fd); err != nil {
		return errors.Wrapf(err, "closing timer pipe fd %d", fd)
	}
	return nil
}

// Ticker is the running timer goroutine.
type Ticker struct {
	channels *Channels
	done     chan struct{}
}

// StartTicker spawns the timer goroutine. Every interval without a stop
// signal it writes one byte into the work pipe; a byte on the stop pipe
// terminates it.
func StartTicker(channels *Channels, interval time.Duration) *Ticker {
	t := &Ticker{channels: channels, done: make(chan struct{})}
	go t.run(interval)
	return t
}

func (t *Ticker) run(interval time.Duration) {
	defer close(t.done)
	pollFds := []unix.PollFd{{Fd: int32(t.channels.stopRead), Events: unix.POLLIN}}
	for {
		pollFds[0].Revents = 0
		n, err := unix.Poll(pollFds, int(interval.Milliseconds()))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			log.WithError(err).Error("Timer wait failed, stopping periodic sweeps")
			return
		}
		if n > 0 {
			return
		}
		if _, err := unix.Write(t.channels.workWrite, []byte{1}); err != nil && !sockutil.IsWouldBlock(err) {
			log.WithError(err).Warn("Failed to signal timer tick")
		}
	}
}

// Stop signals the timer goroutine and waits for it to exit.
func (t *Ticker) Stop() {
	if _, err := unix.Write(t.channels.stopWrite, []byte{1}); err != nil {
		log.WithError(err).Warn("Failed to signal timer stop")
	}
	<-t.done
}

// Drain empties the work read-end, returning the number of coalesced ticks
// and whether the write end was observed closed (an anomaly upstream).
func Drain(fd int) (ticks int, closed bool) {
	buf := make([]byte, 64)
	for {
		n, err := unix.Read(fd, buf)
		if n > 0 {
			ticks += n
			continue
		}
		if n == 0 && err == nil {
			return ticks, true
		}
		if err == unix.EINTR {
			continue
		}
		if !sockutil.IsWouldBlock(err) {
			log.WithError(err).Warn("Failed to drain timer channel")
		}
		return ticks, false
	}
}
