package agent

import (
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/giovtorres/slurm-docker-cluster-sub003/internal/pmixagent/metrics"
	"github.com/giovtorres/slurm-docker-cluster-sub003/internal/pmixagent/reactor"
	"github.com/giovtorres/slurm-docker-cluster-sub003/internal/pmixagent/sockutil"
	"github.com/giovtorres/slurm-docker-cluster-sub003/internal/pmixagent/timer"
)

type listenerKind int

const (
	kindControl listenerKind = iota
	kindDirect
)

func (k listenerKind) String() string {
	switch k {
	case kindControl:
		return "control"
	case kindDirect:
		return "direct"
	default:
		return "unknown"
	}
}

// listener is a listening socket registered with the primary reactor.
// retired flips when the descriptor reports a shutdown condition mid-loop;
// the reactor then reaps the object.
type listener struct {
	fd      int
	kind    listenerKind
	retired atomic.Bool
}

// runReactor is the body of the reactor worker goroutine. It constructs
// the reactor, opens and registers the listeners and the timer work
// channel, then reports readiness before entering the wait loop. Agent
// fields are written here only before the ready send; the channel
// publishes them to the controller.
func (a *Agent) runReactor(ready chan<- error) {
	defer close(a.reactorDone)

	r, err := reactor.New(4)
	if err != nil {
		ready <- err
		return
	}

	controlFd, controlPort, err := sockutil.ListenTCP(a.cfg.ControlPortRangeMin, a.cfg.ControlPortRangeMax)
	if err != nil {
		r.Close()
		ready <- err
		return
	}
	if err := a.registerListener(r, controlFd, kindControl); err != nil {
		unix.Close(controlFd)
		r.Close()
		ready <- err
		return
	}
	a.controlPort = controlPort

	if a.cfg.DirectConn {
		directFd, directPort, err := sockutil.ListenTCP(0, 0)
		if err != nil {
			r.RequestShutdown()
			r.Run()
			r.Close()
			ready <- err
			return
		}
		if err := a.registerListener(r, directFd, kindDirect); err != nil {
			unix.Close(directFd)
			r.RequestShutdown()
			r.Run()
			r.Close()
			ready <- err
			return
		}
		a.directPort = directPort
	}

	ts := &timerSource{agent: a}
	err = r.Register(reactor.IoObject{
		Fd:     a.channels.DetachWorkRead(),
		Name:   "timer channel",
		Active: func() bool { return !ts.retired.Load() },
		OnRead: ts.handleTick,
	})
	if err != nil {
		r.RequestShutdown()
		r.Run()
		r.Close()
		ready <- err
		return
	}
	a.timerSource = ts

	a.reactor = r
	ready <- nil
	r.Run()
}

func (a *Agent) registerListener(r *reactor.Reactor, fd int, kind listenerKind) error {
	l := &listener{fd: fd, kind: kind}
	a.listeners = append(a.listeners, l)
	return r.Register(reactor.IoObject{
		Fd:     fd,
		Name:   kind.String() + " listener",
		Active: func() bool { return !l.retired.Load() },
		OnRead: func(int) { a.acceptConnections(l) },
		Tag:    l,
	})
}

// acceptConnections drains every pending connection on the listener in one
// reactor cycle, dispatching each by the identity of the listening socket.
func (a *Agent) acceptConnections(l *listener) {
	for {
		fd, _, err := unix.Accept4(l.fd, unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK)
		if err != nil {
			if sockutil.IsWouldBlock(err) {
				return
			}
			if sockutil.IsTransientAcceptError(err) {
				continue
			}
			if sockutil.IsClosedDescriptor(err) {
				log.Warnf("%s listener shut down, retiring it", l.kind)
				l.retired.Store(true)
				return
			}
			log.WithError(err).Errorf("Accept failed on %s listener", l.kind)
			metrics.AcceptErrors.WithLabelValues(l.kind.String()).Inc()
			return
		}

		conn, err := sockutil.FileConn(fd)
		if err != nil {
			log.WithError(err).Warnf("Failed to wrap connection accepted on %s listener", l.kind)
			continue
		}
		metrics.ConnectionsAccepted.WithLabelValues(l.kind.String()).Inc()

		switch l.kind {
		case kindControl:
			a.control.HandleControl(conn)
		case kindDirect:
			if a.direct != nil {
				a.direct.HandleDirect(conn)
			} else {
				log.Warn("Direct connection accepted without a direct handler")
				conn.Close()
			}
		default:
			// Never leak a descriptor for a listener we cannot place.
			log.Warnf("Connection accepted on unrecognised listener %d, closing it", l.fd)
			conn.Close()
		}
	}
}

// timerSource adapts the timer work channel into a reactor event source.
type timerSource struct {
	agent   *Agent
	retired atomic.Bool
}

// handleTick drains the work channel, coalescing pending ticks, and runs
// the cleanup sweep exactly once per drain. A closed channel means the
// timer side is gone; the source retires itself rather than crash the
// reactor.
func (t *timerSource) handleTick(fd int) {
	ticks, closed := timer.Drain(fd)
	if closed {
		log.Error("Timer channel closed unexpectedly, periodic sweeps disabled")
		t.retired.Store(true)
	}
	if ticks == 0 {
		return
	}
	if ticks > 1 {
		metrics.TimerTicksCoalesced.Add(float64(ticks - 1))
	}
	if t.agent.sweeper != nil {
		t.agent.sweeper.Sweep()
	}
}
