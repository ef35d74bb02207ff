package reactor

import (
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/giovtorres/slurm-docker-cluster-sub003/internal/common/util"
	"github.com/giovtorres/slurm-docker-cluster-sub003/internal/pmixagent/sockutil"
)

// IoObject is a registered I/O source. The reactor polls its descriptor
// while the Active predicate holds; once the predicate reports false the
// object is retired: OnClose (if set) fires exactly once and the reactor
// closes the descriptor. Callbacks must never close the descriptor
// themselves.
type IoObject struct {
	Fd int
	// Name identifies the object in log messages.
	Name string
	// Active reports whether the descriptor should still be polled.
	// A nil predicate means always active.
	Active func() bool
	// OnRead is invoked on the reactor goroutine when the descriptor is
	// readable. It must not block.
	OnRead func(fd int)
	// OnClose, if set, is invoked exactly once when the object is retired,
	// before the descriptor is closed.
	OnClose func(fd int)
	Tag     interface{}
}

// Reactor multiplexes a set of IoObjects on a single goroutine. Register is
// only legal before Run is entered or from within an OnRead callback; Run is
// run by exactly one goroutine; Close must only be called after Run has
// returned. RequestShutdown is the only method safe to call from other
// goroutines.
type Reactor struct {
	objs           []*IoObject
	wakeRead       int
	wakeWrite      int
	shutdown       atomic.Bool
	everRegistered bool
}

func New(capacityHint int) (*Reactor, error) {
	pipeFds := make([]int, 2)
	if err := unix.Pipe(pipeFds); err != nil {
		return nil, errors.Wrap(err, "creating reactor wake pipe")
	}
	for _, fd := range pipeFds {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(pipeFds[0])
			unix.Close(pipeFds[1])
			return nil, errors.Wrap(err, "setting wake pipe non-blocking")
		}
	}
	return &Reactor{
		objs:      make([]*IoObject, 0, capacityHint),
		wakeRead:  pipeFds[0],
		wakeWrite: pipeFds[1],
	}, nil
}

func (r *Reactor) Register(obj IoObject) error {
	if obj.Fd < 0 {
		return errors.Errorf("cannot register %s with invalid descriptor %d", obj.Name, obj.Fd)
	}
	if obj.OnRead == nil {
		return errors.Errorf("cannot register %s without a read callback", obj.Name)
	}
	registered := obj
	r.objs = append(r.objs, &registered)
	r.everRegistered = true
	return nil
}

// RequestShutdown asks the reactor to retire all objects and return from
// Run. Safe to call from any goroutine, at most once effective.
func (r *Reactor) RequestShutdown() {
	if r.shutdown.CompareAndSwap(false, true) {
		if _, err := unix.Write(r.wakeWrite, []byte{1}); err != nil && !sockutil.IsWouldBlock(err) {
			log.WithError(err).Warn("Failed to wake reactor for shutdown")
		}
	}
}

// Run polls all active objects and dispatches readable ones until an
// explicit shutdown is processed or every object has been retired.
func (r *Reactor) Run() {
	pollFds := make([]unix.PollFd, 0, len(r.objs)+1)
	for {
		if r.shutdown.Load() {
			break
		}
		r.reap()
		if r.everRegistered && len(r.objs) == 0 {
			return
		}

		pollFds = pollFds[:0]
		pollFds = append(pollFds, unix.PollFd{Fd: int32(r.wakeRead), Events: unix.POLLIN})
		for _, obj := range r.objs {
			pollFds = append(pollFds, unix.PollFd{Fd: int32(obj.Fd), Events: unix.POLLIN})
		}

		n, err := unix.Poll(pollFds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			log.WithError(err).Error("Reactor poll failed")
			continue
		}
		if n == 0 {
			continue
		}

		if pollFds[0].Revents != 0 {
			drainWakePipe(r.wakeRead)
		}
		for i, obj := range r.objs {
			if pollFds[i+1].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) == 0 {
				continue
			}
			if r.shutdown.Load() {
				break
			}
			if active(obj) {
				obj.OnRead(obj.Fd)
			}
		}
		r.reap()
	}
	r.retireAll()
}

// Close releases the reactor's wake pipe. Must only be called after Run has
// returned.
func (r *Reactor) Close() error {
	var result error
	if err := unix.Close(r.wakeRead); err != nil {
		result = errors.Wrap(err, "closing reactor wake pipe")
	}
	if err := unix.Close(r.wakeWrite); err != nil && result == nil {
		result = errors.Wrap(err, "closing reactor wake pipe")
	}
	return result
}

func (r *Reactor) reap() {
	remaining := r.objs[:0]
	for _, obj := range r.objs {
		if active(obj) {
			remaining = append(remaining, obj)
		} else {
			r.retire(obj)
		}
	}
	r.objs = remaining
}

func (r *Reactor) retireAll() {
	for _, obj := range r.objs {
		r.retire(obj)
	}
	r.objs = r.objs[:0]
}

func (r *Reactor) retire(obj *IoObject) {
	if obj.OnClose != nil {
		obj.OnClose(obj.Fd)
	}
	util.CloseFd(obj.Name, obj.Fd)
}

func active(obj *IoObject) bool {
	return obj.Active == nil || obj.Active()
}

func drainWakePipe(fd int) {
	buf := make([]byte, 16)
	for {
		n, err := unix.Read(fd, buf)
		if n <= 0 || err != nil {
			return
		}
	}
}
