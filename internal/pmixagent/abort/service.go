// Package abort implements the reference-counted abort notification
// service. Several job steps in one process may request it concurrently;
// the underlying listener, reactor and worker goroutine are created when
// the count goes 0->1 and torn down when it returns to 0. Each accepted
// connection is one abort notification: the peer address and connection are
// handed to the configured hook, then the connection is closed.
package abort

import (
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/giovtorres/slurm-docker-cluster-sub003/internal/pmixagent/configuration"
	"github.com/giovtorres/slurm-docker-cluster-sub003/internal/pmixagent/metrics"
	"github.com/giovtorres/slurm-docker-cluster-sub003/internal/pmixagent/reactor"
	"github.com/giovtorres/slurm-docker-cluster-sub003/internal/pmixagent/sockutil"
)

// PortEnvVar is published into the job environment so spawned processes
// know where to report aborts.
const PortEnvVar = "SLURM_PMIXP_ABORT_AGENT_PORT"

var ErrNotStarted = errors.New("abort agent is not running")

// Hook receives one abort notification. The service closes the connection
// after the hook returns; the hook must not retain it.
type Hook func(peer string, conn net.Conn)

// Environment is where the chosen listening port is published.
type Environment interface {
	Set(key string, value string) error
}

type OsEnvironment struct{}

func (OsEnvironment) Set(key string, value string) error {
	return os.Setenv(key, value)
}

// MapEnvironment is a job-environment fragment (and the test double).
type MapEnvironment map[string]string

func (e MapEnvironment) Set(key string, value string) error {
	e[key] = value
	return nil
}

// instance is the state of one 0->1 service generation. All callers that
// raced the same generation share its reference count and its result.
type instance struct {
	refs       int
	done       chan struct{}
	err        error
	port       int
	reactor    *reactor.Reactor
	workerDone chan struct{}
}

type Service struct {
	cfg  configuration.AbortConfiguration
	hook Hook

	mu          sync.Mutex
	current     *instance
	tearingDown chan struct{}
}

func NewService(cfg configuration.AbortConfiguration, hook Hook) *Service {
	return &Service{cfg: cfg, hook: hook}
}

// Start requests the abort service. The caller that takes the reference
// count from 0 to 1 performs the setup outside the lock; everyone else
// blocks until the result is known and receives that same result. On
// failure the reference count is rolled back. Start and Stop calls must be
// paired 1:1.
func (s *Service) Start(env Environment) error {
	s.mu.Lock()
	s.awaitTeardownLocked()
	if inst := s.current; inst != nil {
		inst.refs++
		s.mu.Unlock()
		<-inst.done
		if inst.err != nil {
			s.mu.Lock()
			inst.refs--
			s.mu.Unlock()
			return inst.err
		}
		return s.publish(env, inst.port)
	}

	inst := &instance{refs: 1, done: make(chan struct{})}
	s.current = inst
	s.mu.Unlock()

	inst.err = s.bringUp(inst)

	s.mu.Lock()
	if inst.err != nil && s.current == inst {
		s.current = nil
	}
	s.mu.Unlock()
	close(inst.done)

	if inst.err != nil {
		return inst.err
	}
	return s.publish(env, inst.port)
}

// Stop releases one reference. The caller that takes the count back to 0
// shuts the reactor down, joins the worker and releases the listener.
// Unpaired calls return ErrNotStarted.
func (s *Service) Stop() error {
	s.mu.Lock()
	s.awaitTeardownLocked()
	inst := s.current
	if inst == nil {
		s.mu.Unlock()
		return ErrNotStarted
	}
	inst.refs--
	if inst.refs > 0 {
		s.mu.Unlock()
		return nil
	}
	s.current = nil
	teardown := make(chan struct{})
	s.tearingDown = teardown
	s.mu.Unlock()

	var err error
	if inst.reactor != nil {
		inst.reactor.RequestShutdown()
		<-inst.workerDone
		err = inst.reactor.Close()
	}

	s.mu.Lock()
	s.tearingDown = nil
	s.mu.Unlock()
	close(teardown)

	log.Info("Abort agent stopped")
	return err
}

// Port returns the listening port of the running service, or 0.
func (s *Service) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return 0
	}
	return s.current.port
}

// awaitTeardownLocked blocks callers that race an in-flight teardown until
// it completes, so they observe either a fully running or a fully stopped
// service. Called with s.mu held; returns with s.mu held.
func (s *Service) awaitTeardownLocked() {
	for s.tearingDown != nil {
		teardown := s.tearingDown
		s.mu.Unlock()
		<-teardown
		s.mu.Lock()
	}
}

func (s *Service) bringUp(inst *instance) error {
	fd, port, err := sockutil.ListenTCP(s.cfg.PortRangeMin, s.cfg.PortRangeMax)
	if err != nil {
		return errors.Wrap(err, "starting abort agent listener")
	}

	r, err := reactor.New(1)
	if err != nil {
		unix.Close(fd)
		return errors.Wrap(err, "creating abort agent reactor")
	}
	err = r.Register(reactor.IoObject{
		Fd:     fd,
		Name:   "abort listener",
		OnRead: s.acceptNotifications,
	})
	if err != nil {
		unix.Close(fd)
		r.Close()
		return errors.Wrap(err, "registering abort agent listener")
	}

	inst.port = port
	inst.reactor = r
	inst.workerDone = make(chan struct{})
	go func() {
		defer close(inst.workerDone)
		r.Run()
	}()

	log.Infof("Abort agent listening on port %d", port)
	return nil
}

func (s *Service) publish(env Environment, port int) error {
	if err := env.Set(PortEnvVar, strconv.Itoa(port)); err != nil {
		return errors.Wrapf(err, "publishing %s", PortEnvVar)
	}
	return nil
}

func (s *Service) acceptNotifications(listenFd int) {
	for {
		fd, sa, err := unix.Accept4(listenFd, unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK)
		if err != nil {
			if sockutil.IsWouldBlock(err) {
				return
			}
			if sockutil.IsTransientAcceptError(err) {
				continue
			}
			log.WithError(err).Error("Accept failed on abort listener")
			metrics.AcceptErrors.WithLabelValues("abort").Inc()
			return
		}
		peer := sockutil.PeerString(sa)
		conn, err := sockutil.FileConn(fd)
		if err != nil {
			log.WithError(err).Warnf("Failed to wrap abort notification from %s", peer)
			continue
		}
		metrics.ConnectionsAccepted.WithLabelValues("abort").Inc()
		metrics.AbortNotifications.Inc()
		log.Infof("Abort notification from %s", peer)
		if s.hook != nil {
			s.hook(peer, conn)
		}
		conn.Close()
	}
}
