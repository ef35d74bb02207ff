package agent

import (
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"

	"github.com/giovtorres/slurm-docker-cluster-sub003/internal/pmixagent/configuration"
	"github.com/giovtorres/slurm-docker-cluster-sub003/internal/pmixagent/sweep"
)

type chanHandler struct {
	conns chan net.Conn
}

func newChanHandler() *chanHandler {
	return &chanHandler{conns: make(chan net.Conn, 16)}
}

func (h *chanHandler) HandleControl(conn net.Conn) {
	conn.Close()
	h.conns <- conn
}

func (h *chanHandler) HandleDirect(conn net.Conn) {
	conn.Close()
	h.conns <- conn
}

func (h *chanHandler) await(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-h.conns:
		case <-time.After(2 * time.Second):
			t.Fatalf("handler saw %d of %d expected connections", i, n)
		}
	}
}

type atomicExpirer struct {
	calls int64
}

func (e *atomicExpirer) ExpireStale(time.Time) int {
	atomic.AddInt64(&e.calls, 1)
	return 0
}

func testConfig() configuration.AgentConfiguration {
	return configuration.AgentConfiguration{
		TickInterval: time.Second,
	}
}

func dialPort(t *testing.T, port int) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
	require.NoError(t, err)
	return conn
}

func TestAgent_ControlChannelIsReachableOnceStartReturns(t *testing.T) {
	control := newChanHandler()
	a := New(testConfig(), control, nil, nil, nil)
	require.NoError(t, a.Start())
	defer a.Stop()

	require.Greater(t, a.ControlPort(), 0)
	conn := dialPort(t, a.ControlPort())
	defer conn.Close()
	control.await(t, 1)
}

func TestAgent_DrainsConnectionBacklogInOneCycle(t *testing.T) {
	control := newChanHandler()
	a := New(testConfig(), control, nil, nil, nil)
	require.NoError(t, a.Start())
	defer a.Stop()

	for i := 0; i < 3; i++ {
		conn := dialPort(t, a.ControlPort())
		defer conn.Close()
	}
	control.await(t, 3)
}

func TestAgent_DirectConnectionsRouteToDirectHandler(t *testing.T) {
	control := newChanHandler()
	direct := newChanHandler()
	cfg := testConfig()
	cfg.DirectConn = true
	a := New(cfg, control, direct, nil, nil)
	require.NoError(t, a.Start())
	defer a.Stop()

	require.Greater(t, a.DirectPort(), 0)
	assert.NotEqual(t, a.ControlPort(), a.DirectPort())

	conn := dialPort(t, a.DirectPort())
	defer conn.Close()
	direct.await(t, 1)
	assert.Empty(t, control.conns)
}

func TestAgent_TimerTicksDriveCleanupSweep(t *testing.T) {
	expirer := &atomicExpirer{}
	sweeper := sweep.New(expirer, nil, nil, clock.RealClock{})
	cfg := testConfig()
	cfg.TickInterval = 50 * time.Millisecond

	a := New(cfg, newChanHandler(), nil, sweeper, nil)
	require.NoError(t, a.Start())
	defer a.Stop()

	time.Sleep(400 * time.Millisecond)
	assert.GreaterOrEqual(t, atomic.LoadInt64(&expirer.calls), int64(2))
}

func TestAgent_SelfTestExercisesControlChannel(t *testing.T) {
	control := newChanHandler()
	cfg := testConfig()
	cfg.SelfTest = true
	a := New(cfg, control, nil, nil, nil)
	require.NoError(t, a.Start())
	defer a.Stop()

	control.await(t, 1)
}

func TestAgent_StartFailsWhenControlRangeIsBusy(t *testing.T) {
	busy, err := net.Listen("tcp4", ":0")
	require.NoError(t, err)
	defer busy.Close()
	busyPort := busy.Addr().(*net.TCPAddr).Port

	cfg := testConfig()
	cfg.ControlPortRangeMin = busyPort
	cfg.ControlPortRangeMax = busyPort

	a := New(cfg, newChanHandler(), nil, nil, nil)
	require.Error(t, a.Start())
	assert.ErrorIs(t, a.Stop(), ErrNotStarted)
}

func TestAgent_DoubleStartReturnsAlreadyStarted(t *testing.T) {
	a := New(testConfig(), newChanHandler(), nil, nil, nil)
	require.NoError(t, a.Start())
	defer a.Stop()

	assert.ErrorIs(t, a.Start(), ErrAlreadyStarted)
}

func TestAgent_SecondStopReturnsNotStarted(t *testing.T) {
	a := New(testConfig(), newChanHandler(), nil, nil, nil)
	require.NoError(t, a.Start())
	require.NoError(t, a.Stop())
	assert.ErrorIs(t, a.Stop(), ErrNotStarted)

	// Ports are cleared by teardown.
	assert.Equal(t, 0, a.ControlPort())
}

func TestAgent_RestartsAfterStop(t *testing.T) {
	control := newChanHandler()
	a := New(testConfig(), control, nil, nil, nil)
	require.NoError(t, a.Start())
	require.NoError(t, a.Stop())

	require.NoError(t, a.Start())
	defer a.Stop()
	conn := dialPort(t, a.ControlPort())
	defer conn.Close()
	control.await(t, 1)
}
