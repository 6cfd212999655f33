package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestUploadStateProgress(t *testing.T) {
	tests := []struct {
		name     string
		chunks   []int
		total    int
		expected int
	}{
		{name: "empty", chunks: nil, total: 3, expected: 0},
		{name: "one of three", chunks: []int{0}, total: 3, expected: 33},
		{name: "two of three", chunks: []int{0, 1}, total: 3, expected: 66},
		{name: "all", chunks: []int{0, 1, 2}, total: 3, expected: 100},
		{name: "zero total", chunks: nil, total: 0, expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := NewUploadState("x", 48, tt.total, "client-a")
			for _, i := range tt.chunks {
				state.AddChunk(i)
			}

			if got := state.Progress(); got != tt.expected {
				t.Errorf("expected progress %d, got %d", tt.expected, got)
			}
		})
	}
}

func TestUploadStateChunkIdempotence(t *testing.T) {
	state := NewUploadState("x", 48, 3, "client-a")

	state.AddChunk(1)
	state.AddChunk(1)

	if len(state.UploadedChunks) != 1 {
		t.Errorf("expected 1 uploaded chunk, got %d", len(state.UploadedChunks))
	}
	if state.IsComplete() {
		t.Error("upload should not be complete")
	}
}

func TestUploadStateRoundTrip(t *testing.T) {
	state := NewUploadState("report.pdf", 1<<20, 16, "client-a")
	state.AddChunk(0)
	state.AddChunk(5)
	state.AddChunk(9)
	state.PendingAcks[5] = PendingAck{Timestamp: time.Now().Truncate(time.Millisecond), Retries: 2}
	state.ChunkChecksums[0] = "deadbeef"

	data, err := json.Marshal(state)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded UploadState
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	for _, i := range []int{0, 5, 9} {
		if !decoded.HasChunk(i) {
			t.Errorf("chunk %d lost in round-trip", i)
		}
	}
	if decoded.HasChunk(1) {
		t.Error("chunk 1 appeared from nowhere")
	}

	ack, exists := decoded.PendingAcks[5]
	if !exists {
		t.Fatal("pending ack for chunk 5 lost")
	}
	if ack.Retries != 2 {
		t.Errorf("expected 2 retries, got %d", ack.Retries)
	}

	if decoded.ChunkChecksums[0] != "deadbeef" {
		t.Errorf("checksum lost, got %q", decoded.ChunkChecksums[0])
	}
}

func TestBinaryWrapper(t *testing.T) {
	payload := Binary{0x00, 0x01, 0xff, 0xfe}

	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	if string(data[:11]) != `{"_base64":` {
		t.Errorf("expected tagged wrapper, got %s", data)
	}

	var decoded Binary
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if string(decoded) != string(payload) {
		t.Errorf("bytes mangled: %v != %v", decoded, payload)
	}

	// plain base64 strings are accepted too
	var plain Binary
	if err := json.Unmarshal([]byte(`"AAH//g=="`), &plain); err != nil {
		t.Fatalf("unmarshal plain failed: %v", err)
	}
	if string(plain) != string(payload) {
		t.Errorf("plain bytes mangled: %v != %v", plain, payload)
	}
}
