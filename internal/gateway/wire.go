package gateway

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"voicegateway/internal/protocol"
)

// WSConn is the WebSocket connection surface the session needs, satisfied
// directly by *gorilla/websocket.Conn. Grounded on client/transport.go's
// own habit of depending on the narrow interface it actually calls rather
// than the concrete connection type.
type WSConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// lockedConn serializes writes to a WSConn: the heartbeat goroutine and the
// read loop both send, and gorilla/websocket allows one writer at a time.
type lockedConn struct {
	WSConn
	mu sync.Mutex
}

func (c *lockedConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.WSConn.WriteMessage(messageType, data)
}

// writeJSON marshals payload into a protocol.Frame and sends it as a text
// frame.
func writeJSON(conn WSConn, op protocol.VoiceOp, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("gateway: marshal op %d payload: %w", op, err)
		}
		raw = b
	}
	frame := protocol.Frame{Op: op, D: raw}
	b, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("gateway: marshal frame: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("gateway: write op %d: %w", op, err)
	}
	return nil
}

// writeBinary encodes a DAVE-family message as
// [seq_hi, seq_lo, op, payload...] and sends it as a binary frame.
func writeBinary(conn WSConn, seq uint16, op protocol.VoiceOp, payload []byte) error {
	buf := make([]byte, 3+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], seq)
	buf[2] = byte(op)
	copy(buf[3:], payload)
	if err := conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
		return fmt.Errorf("gateway: write binary op %d: %w", op, err)
	}
	return nil
}

// inboundFrame is one parsed inbound message, text or binary.
type inboundFrame struct {
	Op      protocol.VoiceOp
	Seq     int64 // -1 if this frame carried no sequence number
	Payload json.RawMessage
	Binary  []byte // raw payload bytes, for binary (DAVE) frames
}

// readFrame reads one WebSocket message and decodes it into an
// inboundFrame, handling both the JSON text framing and the binary
// [seq_hi, seq_lo, op, payload...] framing.
func readFrame(conn WSConn) (inboundFrame, error) {
	messageType, data, err := conn.ReadMessage()
	if err != nil {
		return inboundFrame{}, err
	}

	switch messageType {
	case websocket.BinaryMessage:
		if len(data) < 3 {
			return inboundFrame{}, fmt.Errorf("gateway: binary frame too short: %d bytes", len(data))
		}
		seq := binary.BigEndian.Uint16(data[0:2])
		op := protocol.VoiceOp(data[2])
		return inboundFrame{Op: op, Seq: int64(seq), Binary: data[3:]}, nil

	default:
		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			return inboundFrame{}, fmt.Errorf("gateway: unmarshal frame: %w", err)
		}
		seq := extractSeq(data)
		return inboundFrame{Op: frame.Op, Seq: seq, Payload: frame.D}, nil
	}
}

// extractSeq pulls the top-level "seq" field out of a text frame, if
// present, for Resume's seq_ack bookkeeping. Returns -1 if absent.
func extractSeq(data []byte) int64 {
	var withSeq struct {
		Seq *int64 `json:"seq"`
	}
	if err := json.Unmarshal(data, &withSeq); err != nil || withSeq.Seq == nil {
		return -1
	}
	return *withSeq.Seq
}
