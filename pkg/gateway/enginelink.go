package gateway

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dispatchd/faasgate/pkg/protocol"
)

var ErrBadHandshake = errors.New("gateway: engine connection did not start with a handshake")

const handshakeTimeout = 10 * time.Second

// sendTimeout bounds one framed write; a link too congested to accept the
// frame surfaces as a send failure instead of blocking the caller.
const sendTimeout = 5 * time.Second

// maxPayloadSize bounds a single inbound engine frame.
const maxPayloadSize = 32 << 20

// EngineLink is one framed connection to an engine node. An engine node may
// hold several links; sends on a single link are serialized by the write
// mutex so header and payload go out as one frame.
type EngineLink struct {
	nodeID uint16
	connID uint16

	conn    net.Conn
	writeMu sync.Mutex

	closeOnce sync.Once
	logger    *slog.Logger
}

// AcceptEngineLink performs the handshake read on a freshly accepted engine
// socket. The first frame must be an EngineHandshake carrying the node and
// connection ids; anything else closes the socket.
func AcceptEngineLink(conn net.Conn, logger *slog.Logger) (*EngineLink, error) {
	if err := conn.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("gateway: handshake deadline: %w", err)
	}
	var buf [protocol.HeaderSize]byte
	if _, err := io.ReadFull(conn, buf[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("gateway: read handshake: %w", err)
	}
	msg, err := protocol.Decode(buf[:])
	if err != nil {
		conn.Close()
		return nil, err
	}
	if !msg.IsEngineHandshake() {
		conn.Close()
		return nil, ErrBadHandshake
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("gateway: clear handshake deadline: %w", err)
	}
	return &EngineLink{
		nodeID: msg.NodeID,
		connID: msg.ConnID,
		conn:   conn,
		logger: logger.With("node_id", msg.NodeID, "conn_id", msg.ConnID),
	}, nil
}

func (l *EngineLink) NodeID() uint16 { return l.nodeID }
func (l *EngineLink) ConnID() uint16 { return l.connID }

// Send serializes the envelope and payload as a single write. It is safe for
// concurrent use; concurrent sends on the same link do not interleave.
func (l *EngineLink) Send(msg protocol.GatewayMessage, payload []byte) error {
	msg.PayloadSize = uint32(len(payload))
	frame := make([]byte, protocol.HeaderSize+len(payload))
	if err := msg.Encode(frame); err != nil {
		return err
	}
	copy(frame[protocol.HeaderSize:], payload)

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.conn.SetWriteDeadline(time.Now().Add(sendTimeout)); err != nil {
		return fmt.Errorf("gateway: send deadline: %w", err)
	}
	if _, err := l.conn.Write(frame); err != nil {
		return fmt.Errorf("gateway: send to node %d: %w", l.nodeID, err)
	}
	return nil
}

// MessageHandler consumes inbound engine messages.
type MessageHandler func(nodeID uint16, msg protocol.GatewayMessage, payload []byte)

// ReadLoop reads frames until the connection fails or is closed, handing each
// message to the handler. It returns the terminating error (io.EOF on an
// orderly close).
func (l *EngineLink) ReadLoop(handler MessageHandler) error {
	header := make([]byte, protocol.HeaderSize)
	for {
		if _, err := io.ReadFull(l.conn, header); err != nil {
			return err
		}
		msg, err := protocol.Decode(header)
		if err != nil {
			return err
		}
		if msg.PayloadSize > maxPayloadSize {
			return fmt.Errorf("gateway: payload of %d bytes exceeds limit", msg.PayloadSize)
		}
		var payload []byte
		if msg.PayloadSize > 0 {
			payload = make([]byte, msg.PayloadSize)
			if _, err := io.ReadFull(l.conn, payload); err != nil {
				return err
			}
		}
		handler(l.nodeID, msg, payload)
	}
}

// Close shuts the underlying connection down. Idempotent.
func (l *EngineLink) Close() {
	l.closeOnce.Do(func() {
		if err := l.conn.Close(); err != nil {
			l.logger.Debug("error closing engine link", "error", err)
		}
	})
}
