package websocket

import (
	"strings"
	"testing"
)

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{name: "ack ok", input: `{"type":"ack","id":"c-1","ok":true}`},
		{name: "ack error", input: `{"type":"ack","id":"c-1","ok":false,"error":"flood wait"}`},
		{name: "resolved", input: `{"type":"resolved","id":"c-2","ok":true,"peer":{"id":"42","identity":"GrokAI"}}`},
		{name: "resolved not found", input: `{"type":"resolved","id":"c-2","ok":false}`},
		{name: "message", input: `{"type":"message","from":"GrokAI","text":"hi","at":"2026-01-02T03:04:05Z"}`},
		{name: "missing type", input: `{"id":"c-1"}`, wantErr: "missing required field: type"},
		{name: "unknown type", input: `{"type":"ping"}`, wantErr: "unsupported inbound frame type"},
		{name: "ack without id", input: `{"type":"ack","ok":true}`, wantErr: "missing required field: id"},
		{name: "failed ack without error", input: `{"type":"ack","id":"c-1"}`, wantErr: "no error message"},
		{name: "resolved ok without peer", input: `{"type":"resolved","id":"c-1","ok":true}`, wantErr: "no peer"},
		{name: "message without sender", input: `{"type":"message","text":"hi"}`, wantErr: "missing required field: from"},
		{name: "unknown field", input: `{"type":"ack","id":"c-1","ok":true,"extra":1}`, wantErr: "unknown field"},
		{name: "not json", input: `hello`, wantErr: "failed to decode frame"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeFrame([]byte(tt.input))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestEncodeFrame(t *testing.T) {
	data, err := EncodeFrame(Frame{Type: FrameSend, ID: "c-1", To: "42", Text: "hello"})
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	if got := string(data); got != `{"type":"send","id":"c-1","to":"42","text":"hello"}` {
		t.Fatalf("unexpected encoding: %s", got)
	}

	if _, err := EncodeFrame(Frame{Type: FrameSend, ID: "c-1", To: "42"}); err == nil {
		t.Fatal("expected error for send without text")
	}
	if _, err := EncodeFrame(Frame{Type: FrameResolve, ID: "c-1"}); err == nil {
		t.Fatal("expected error for resolve without name")
	}
	if _, err := EncodeFrame(Frame{Type: FrameAck, ID: "c-1", OK: true}); err == nil {
		t.Fatal("expected error for inbound-only frame type")
	}
}
