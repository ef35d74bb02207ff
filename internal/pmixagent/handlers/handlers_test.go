package handlers

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giovtorres/slurm-docker-cluster-sub003/internal/pmixagent/protocol"
)

func TestControlHandler_ConsumesOneFrameAndCloses(t *testing.T) {
	client, server := net.Pipe()
	NewControlHandler().HandleControl(server)

	payload := protocol.PackKVs(map[string]string{"cmd": "spawn"})
	require.NoError(t, protocol.WriteHeader(client, protocol.Header{
		Type:       protocol.TypeControl,
		NodeID:     1,
		SeqNum:     9,
		PayloadLen: uint32(len(payload)),
	}))
	_, err := client.Write(payload)
	require.NoError(t, err)

	assertClosed(t, client)
}

func TestControlHandler_DropsMalformedFrames(t *testing.T) {
	client, server := net.Pipe()
	NewControlHandler().HandleControl(server)

	// A header-sized run of zeroes fails the magic check.
	_, err := client.Write(make([]byte, protocol.HeaderSize))
	require.NoError(t, err)

	assertClosed(t, client)
}

func TestDirectHandler_ConsumesModexFrame(t *testing.T) {
	client, server := net.Pipe()
	NewDirectHandler().HandleDirect(server)

	require.NoError(t, protocol.WriteHeader(client, protocol.Header{
		Type:   protocol.TypeDirectModex,
		NodeID: 4,
	}))

	assertClosed(t, client)
}

// assertClosed verifies the handler side closed the connection, which is how
// every serve path terminates.
func assertClosed(t *testing.T, client net.Conn) {
	t.Helper()
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1)
	_, err := client.Read(buf)
	assert.Error(t, err)
}
