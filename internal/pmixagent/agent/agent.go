// Package agent is the runtime coordination agent for parallel job steps.
// It owns the primary reactor goroutine that multiplexes the control and
// direct-peer channels, the timer goroutine that drives the periodic
// cleanup sweep, and the start/stop lifecycle tying them together.
package agent

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/giovtorres/slurm-docker-cluster-sub003/internal/pmixagent/configuration"
	"github.com/giovtorres/slurm-docker-cluster-sub003/internal/pmixagent/protocol"
	"github.com/giovtorres/slurm-docker-cluster-sub003/internal/pmixagent/reactor"
	"github.com/giovtorres/slurm-docker-cluster-sub003/internal/pmixagent/resolver"
	"github.com/giovtorres/slurm-docker-cluster-sub003/internal/pmixagent/sweep"
	"github.com/giovtorres/slurm-docker-cluster-sub003/internal/pmixagent/timer"
)

var (
	ErrNotStarted     = errors.New("pmix agent is not running")
	ErrAlreadyStarted = errors.New("pmix agent is already running")
)

// ControlHandler executes one structured command per accepted control
// connection. It owns the connection's lifetime and must not block the
// calling goroutine.
type ControlHandler interface {
	HandleControl(conn net.Conn)
}

// DirectHandler performs the peer-to-peer data exchange on an accepted
// direct connection. Same ownership and blocking rules as ControlHandler.
type DirectHandler interface {
	HandleDirect(conn net.Conn)
}

type Agent struct {
	cfg      configuration.AgentConfiguration
	control  ControlHandler
	direct   DirectHandler
	sweeper  *sweep.Sweeper
	resolver *resolver.Resolver

	mu          sync.Mutex
	started     bool
	channels    *timer.Channels
	ticker      *timer.Ticker
	reactor     *reactor.Reactor
	reactorDone chan struct{}

	listeners   []*listener
	timerSource *timerSource
	controlPort int
	directPort  int
}

func New(
	cfg configuration.AgentConfiguration,
	control ControlHandler,
	direct DirectHandler,
	sweeper *sweep.Sweeper,
	res *resolver.Resolver,
) *Agent {
	return &Agent{
		cfg:      cfg,
		control:  control,
		direct:   direct,
		sweeper:  sweeper,
		resolver: res,
	}
}

// Start brings up the reactor and timer goroutines. It returns only once
// the reactor is constructed and its listeners registered, so a connection
// to the control channel succeeds as soon as Start returns.
func (a *Agent) Start() (err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return ErrAlreadyStarted
	}
	defer func() {
		if err != nil {
			if teardownErr := a.teardownLocked(); teardownErr != nil {
				log.WithError(teardownErr).Warn("Cleanup after failed start was incomplete")
			}
		}
	}()

	a.channels, err = timer.NewChannels()
	if err != nil {
		return errors.Wrap(err, "allocating timer channels")
	}

	ready := make(chan error, 1)
	a.reactorDone = make(chan struct{})
	go a.runReactor(ready)
	if err = <-ready; err != nil {
		return err
	}

	if a.cfg.EarlyConnect && a.cfg.DirectConn {
		// Best effort: a cold direct channel is only a latency cost.
		if err := a.earlyConnect(); err != nil {
			log.WithError(err).Warnf("Early direct connection to %s failed", a.cfg.EarlyConnectAddress)
		}
	}
	if a.cfg.SelfTest {
		if err = a.selfTest(); err != nil {
			return errors.Wrap(err, "agent self test failed")
		}
	}

	a.ticker = timer.StartTicker(a.channels, a.cfg.TickInterval)
	a.started = true
	log.Infof("Pmix agent started, control port %d", a.controlPort)
	return nil
}

// Stop tears the agent down: reactor shutdown and join first, then timer
// cancellation and join, then the signalling channels. Safe to call after a
// partially failed start; a second call returns ErrNotStarted.
func (a *Agent) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return ErrNotStarted
	}
	a.started = false
	return a.teardownLocked()
}

func (a *Agent) ControlPort() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.controlPort
}

func (a *Agent) DirectPort() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.directPort
}

// teardownLocked releases whatever subset of the agent's resources exists;
// every step is skipped if the corresponding resource was never created.
func (a *Agent) teardownLocked() error {
	var result *multierror.Error
	if a.reactor != nil {
		a.reactor.RequestShutdown()
		<-a.reactorDone
		result = multierror.Append(result, a.reactor.Close())
		a.reactor = nil
	} else if a.reactorDone != nil {
		// The worker goroutine failed before handing the reactor over.
		<-a.reactorDone
	}
	a.reactorDone = nil
	a.listeners = nil
	a.timerSource = nil
	a.controlPort = 0
	a.directPort = 0

	if a.ticker != nil {
		a.ticker.Stop()
		a.ticker = nil
	}
	if a.channels != nil {
		result = multierror.Append(result, a.channels.Close())
		a.channels = nil
	}
	return result.ErrorOrNil()
}

func (a *Agent) earlyConnect() error {
	host, port, err := net.SplitHostPort(a.cfg.EarlyConnectAddress)
	if err != nil {
		return errors.Wrapf(err, "parsing early connect address %q", a.cfg.EarlyConnectAddress)
	}
	addr := a.cfg.EarlyConnectAddress
	if a.resolver != nil {
		resolved, err := a.resolver.LookupHost(host)
		if err != nil {
			return err
		}
		if len(resolved) > 0 {
			addr = net.JoinHostPort(resolved[0], port)
		}
	}
	return retry.Do(
		func() error {
			conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
			if err != nil {
				return err
			}
			return conn.Close()
		},
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
	)
}

// selfTest connects to the agent's own control listener and sends a ping
// frame, verifying the accept path end to end.
func (a *Agent) selfTest() error {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", a.controlPort), 2*time.Second)
	if err != nil {
		return errors.Wrap(err, "connecting to own control listener")
	}
	defer conn.Close()
	return protocol.WriteHeader(conn, protocol.Header{Type: protocol.TypePing})
}
