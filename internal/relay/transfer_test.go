package relay

import (
	"encoding/base64"
	"testing"
	"time"
)

// TestFileUploadRoundTrip covers the single-chunk case: a 10-byte file
// "a.txt" sent whole as chunk 0 reassembles byte-for-byte.
func TestFileUploadRoundTrip(t *testing.T) {
	e := NewTransferEngine(1<<20, time.Minute, 20)
	content := []byte("abcdefghij") // 10 bytes

	transferID, errMsg := e.Start("alpha", "a.txt", int64(len(content)), "text/plain")
	if errMsg != "" {
		t.Fatalf("Start rejected: %s", errMsg)
	}

	chunk := base64.StdEncoding.EncodeToString(content)
	if _, _, ok := e.Chunk(transferID, 0, chunk); !ok {
		t.Fatalf("expected chunk 0 to be accepted")
	}

	fileDataB64, fileName, fileSize, errMsg, ok := e.Complete(transferID)
	if !ok {
		t.Fatalf("Complete rejected: %s", errMsg)
	}
	if fileName != "a.txt" || fileSize != int64(len(content)) {
		t.Fatalf("unexpected metadata: name=%s size=%d", fileName, fileSize)
	}
	got, err := base64.StdEncoding.DecodeString(fileDataB64)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("round-trip mismatch: got %q want %q", got, content)
	}
}

// TestFileUploadMultiChunkRoundTrip mirrors scenario S4 exactly: a 10-byte
// file "a.txt" sent as two 5-byte chunks, delivered out of order, still
// reassembles into the full 10 bytes. A reassembly that assumes a fixed
// chunk size would derive need=1 from fileSize=10 and silently drop chunk 1.
func TestFileUploadMultiChunkRoundTrip(t *testing.T) {
	e := NewTransferEngine(1<<20, time.Minute, 20)
	content := []byte("abcdefghij") // 10 bytes, split 5+5
	first, second := content[:5], content[5:]

	transferID, errMsg := e.Start("alpha", "a.txt", int64(len(content)), "text/plain")
	if errMsg != "" {
		t.Fatalf("Start rejected: %s", errMsg)
	}

	// Delivered out of order: index 1 before index 0.
	if _, _, ok := e.Chunk(transferID, 1, base64.StdEncoding.EncodeToString(second)); !ok {
		t.Fatalf("expected chunk 1 to be accepted")
	}
	if _, _, ok := e.Chunk(transferID, 0, base64.StdEncoding.EncodeToString(first)); !ok {
		t.Fatalf("expected chunk 0 to be accepted")
	}

	fileDataB64, fileName, fileSize, errMsg, ok := e.Complete(transferID)
	if !ok {
		t.Fatalf("Complete rejected: %s", errMsg)
	}
	if fileName != "a.txt" || fileSize != int64(len(content)) {
		t.Fatalf("unexpected metadata: name=%s size=%d", fileName, fileSize)
	}
	got, err := base64.StdEncoding.DecodeString(fileDataB64)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("round-trip mismatch: got %q want %q", got, content)
	}
}

func TestFileUploadRejectsOversize(t *testing.T) {
	e := NewTransferEngine(10, time.Minute, 20)
	_, errMsg := e.Start("alpha", "big.bin", 1000, "application/octet-stream")
	if errMsg != "File too large" {
		t.Fatalf("expected size rejection, got %q", errMsg)
	}
}

func TestFileUploadRejectsDisallowedType(t *testing.T) {
	e := NewTransferEngine(1<<20, time.Minute, 20)
	_, errMsg := e.Start("alpha", "x.exe", 100, "application/x-msdownload")
	if errMsg != "File type not allowed" {
		t.Fatalf("expected type rejection, got %q", errMsg)
	}
}

// TestFileUploadIncompleteRejected exercises the gap-detection policy: a
// missing chunk index fails Complete rather than zero-filling it, even
// though a later (present) index and the total received size both look
// plausible on their own.
func TestFileUploadIncompleteRejected(t *testing.T) {
	e := NewTransferEngine(1<<20, time.Minute, 20)
	transferID, _ := e.Start("alpha", "big.bin", 20, "application/octet-stream")

	e.Chunk(transferID, 0, base64.StdEncoding.EncodeToString(make([]byte, 10)))
	e.Chunk(transferID, 2, base64.StdEncoding.EncodeToString(make([]byte, 10)))
	// chunk index 1 intentionally never sent, leaving a gap

	_, _, _, errMsg, ok := e.Complete(transferID)
	if ok || errMsg != "Incomplete upload" {
		t.Fatalf("expected incomplete-upload rejection, got ok=%v errMsg=%q", ok, errMsg)
	}
}

func TestFileCancelRemovesTransfer(t *testing.T) {
	e := NewTransferEngine(1<<20, time.Minute, 20)
	transferID, _ := e.Start("alpha", "a.txt", 10, "text/plain")
	e.Cancel(transferID)

	_, _, _, errMsg, ok := e.Complete(transferID)
	if ok || errMsg != "Transfer not found" {
		t.Fatalf("expected cancelled transfer to be gone, got ok=%v errMsg=%q", ok, errMsg)
	}
}

func TestRecentFilesFIFOCap(t *testing.T) {
	e := NewTransferEngine(1<<20, time.Minute, 2)
	for i := 0; i < 3; i++ {
		e.addRecent("alpha", "f.txt", 10, "text/plain")
	}
	if got := e.RecentFilesFor("alpha"); len(got) != 2 {
		t.Fatalf("expected recent files capped at 2, got %d", len(got))
	}
}
