// Package handlers provides the default collaborators for the agent's
// control and direct channels. They read a single framed command, log it
// and close the connection; the full process-management command set is
// implemented by the surrounding job-management layers and plugged in
// through the same interfaces.
package handlers

import (
	"io"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/giovtorres/slurm-docker-cluster-sub003/internal/pmixagent/protocol"
)

const readTimeout = 30 * time.Second

type ControlHandler struct{}

func NewControlHandler() *ControlHandler {
	return &ControlHandler{}
}

// HandleControl takes ownership of the connection. It returns immediately;
// the command is read on a separate goroutine so the reactor is never
// blocked by a slow peer.
func (h *ControlHandler) HandleControl(conn net.Conn) {
	go h.serve(conn)
}

func (h *ControlHandler) serve(conn net.Conn) {
	defer conn.Close()
	header, payload, err := readFrame(conn)
	if err != nil {
		log.WithError(err).Warnf("Dropping malformed control connection from %s", conn.RemoteAddr())
		return
	}
	switch header.Type {
	case protocol.TypePing:
		log.Debugf("Control ping from node %d", header.NodeID)
	case protocol.TypeControl:
		kvs, err := protocol.UnpackKVs(payload)
		if err != nil {
			log.WithError(err).Warnf("Dropping control command with malformed payload from %s", conn.RemoteAddr())
			return
		}
		log.Infof("Control command from node %d (seq %d): %v", header.NodeID, header.SeqNum, kvs)
	default:
		log.Warnf("Unexpected message type %d on control channel from %s", header.Type, conn.RemoteAddr())
	}
}

type DirectHandler struct{}

func NewDirectHandler() *DirectHandler {
	return &DirectHandler{}
}

// HandleDirect takes ownership of the connection, reading one direct modex
// frame on a separate goroutine.
func (h *DirectHandler) HandleDirect(conn net.Conn) {
	go h.serve(conn)
}

func (h *DirectHandler) serve(conn net.Conn) {
	defer conn.Close()
	header, _, err := readFrame(conn)
	if err != nil {
		log.WithError(err).Warnf("Dropping malformed direct connection from %s", conn.RemoteAddr())
		return
	}
	if header.Type != protocol.TypeDirectModex && header.Type != protocol.TypePing {
		log.Warnf("Unexpected message type %d on direct channel from %s", header.Type, conn.RemoteAddr())
		return
	}
	log.Debugf("Direct modex frame from node %d (seq %d, %d bytes)", header.NodeID, header.SeqNum, header.PayloadLen)
}

func readFrame(conn net.Conn) (protocol.Header, []byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return protocol.Header{}, nil, err
	}
	header, err := protocol.ReadHeader(conn)
	if err != nil {
		return protocol.Header{}, nil, err
	}
	payload := make([]byte, header.PayloadLen)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return protocol.Header{}, nil, err
	}
	return header, payload, nil
}
