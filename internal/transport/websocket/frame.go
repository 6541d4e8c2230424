package websocket

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Frame types. send and resolve flow to the bridge; ack, resolved and
// message flow back.
const (
	FrameSend     = "send"
	FrameAck      = "ack"
	FrameResolve  = "resolve"
	FrameResolved = "resolved"
	FrameMessage  = "message"
)

// Frame is one JSON text message on the bridge connection.
type Frame struct {
	Type  string     `json:"type"`
	ID    string     `json:"id,omitempty"`
	To    string     `json:"to,omitempty"`
	Name  string     `json:"name,omitempty"`
	Text  string     `json:"text,omitempty"`
	From  string     `json:"from,omitempty"`
	At    *time.Time `json:"at,omitempty"`
	OK    bool       `json:"ok,omitempty"`
	Error string     `json:"error,omitempty"`
	Peer  *PeerInfo  `json:"peer,omitempty"`
}

// PeerInfo is the bridge's answer to a resolve.
type PeerInfo struct {
	ID       string `json:"id"`
	Identity string `json:"identity"`
	Name     string `json:"name,omitempty"`
}

// EncodeFrame validates an outbound frame and serializes it.
func EncodeFrame(f Frame) ([]byte, error) {
	switch f.Type {
	case FrameSend:
		if f.ID == "" || f.To == "" {
			return nil, fmt.Errorf("send frame requires id and to")
		}
		if f.Text == "" {
			return nil, fmt.Errorf("send frame requires text")
		}
	case FrameResolve:
		if f.ID == "" || f.Name == "" {
			return nil, fmt.Errorf("resolve frame requires id and name")
		}
	default:
		return nil, fmt.Errorf("unsupported outbound frame type: %q", f.Type)
	}

	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return data, nil
}

// DecodeFrame parses and validates an inbound frame. Unknown fields are
// rejected.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame

	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields() // Strict parsing

	if err := decoder.Decode(&f); err != nil {
		return Frame{}, fmt.Errorf("failed to decode frame: %w", err)
	}

	switch f.Type {
	case "":
		return Frame{}, fmt.Errorf("frame missing required field: type")
	case FrameAck:
		if f.ID == "" {
			return Frame{}, fmt.Errorf("ack frame missing required field: id")
		}
		if !f.OK && f.Error == "" {
			return Frame{}, fmt.Errorf("ack frame has ok=false but no error message")
		}
	case FrameResolved:
		if f.ID == "" {
			return Frame{}, fmt.Errorf("resolved frame missing required field: id")
		}
		if f.OK && (f.Peer == nil || f.Peer.ID == "" || f.Peer.Identity == "") {
			return Frame{}, fmt.Errorf("resolved frame has ok=true but no peer id/identity")
		}
	case FrameMessage:
		if f.From == "" {
			return Frame{}, fmt.Errorf("message frame missing required field: from")
		}
	default:
		return Frame{}, fmt.Errorf("unsupported inbound frame type: %q", f.Type)
	}

	return f, nil
}
