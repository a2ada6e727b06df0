package ws

import (
	"encoding/json"
	"testing"
)

func TestEnvelopeDecodesType(t *testing.T) {
	data := []byte(`{"type":"ping"}`)
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Type != TypePing {
		t.Fatalf("expected type %q, got %q", TypePing, env.Type)
	}
}

func TestRelayCommandRoundTrip(t *testing.T) {
	cmd := Command{Type: TypeCommand, SessionID: "sess-1", Data: map[string]any{"action": "browse"}}
	data, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Command
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.SessionID != "sess-1" || decoded.Type != TypeCommand {
		t.Fatalf("round-trip mismatch: %+v", decoded)
	}
}

func TestFileChunkMessageShape(t *testing.T) {
	chunk := FileChunk{Type: TypeFileChunk, TransferID: "t1", ChunkIndex: 3, Data: "YWJj"}
	data, _ := json.Marshal(chunk)

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Type != TypeFileChunk {
		t.Fatalf("expected file_chunk type, got %q", env.Type)
	}
}
