package relay

import (
	"encoding/base64"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// allowedMIMETypes supplements the "text/*" prefix rule with a short
// allowlist of common binary types a remote-control session legitimately
// exchanges.
var allowedMIMETypes = map[string]bool{
	"application/json":       true,
	"application/pdf":        true,
	"application/zip":        true,
	"application/octet-stream": true,
	"image/png":              true,
	"image/jpeg":             true,
	"image/gif":              true,
	"image/webp":             true,
}

// Transfer is one in-flight (or recently completed) upload.
type Transfer struct {
	ID           string
	FileName     string
	FileSize     int64
	FileType     string
	Password     string
	Status       string // pending, transferring, completed, failed, cancelled
	StartTime    time.Time

	mu           sync.Mutex
	chunks       map[int][]byte
	receivedSize int64
}

// RecentFile is one completed-transfer descriptor kept per password.
type RecentFile struct {
	FileName    string
	FileSize    int64
	FileType    string
	CompletedAt time.Time
}

// TransferEngine buffers chunked uploads keyed by transfer ID, reassembles
// them on completion, and tracks each password's recent-files FIFO.
type TransferEngine struct {
	mu          sync.Mutex
	transfers   map[string]*Transfer
	recentFiles map[string][]RecentFile

	maxFileSize int64
	graceWindow time.Duration
	recentLimit int
}

// NewTransferEngine builds an engine with the given tunables.
func NewTransferEngine(maxFileSize int64, graceWindow time.Duration, recentLimit int) *TransferEngine {
	return &TransferEngine{
		transfers:   make(map[string]*Transfer),
		recentFiles: make(map[string][]RecentFile),
		maxFileSize: maxFileSize,
		graceWindow: graceWindow,
		recentLimit: recentLimit,
	}
}

func allowedFileType(mime string) bool {
	return strings.HasPrefix(mime, "text/") || allowedMIMETypes[mime]
}

// Start validates and allocates a new upload. errMsg is non-empty (and
// transferID empty) on rejection.
func (e *TransferEngine) Start(password, fileName string, fileSize int64, fileType string) (transferID, errMsg string) {
	if fileSize > e.maxFileSize {
		return "", "File too large"
	}
	if !allowedFileType(fileType) {
		return "", "File type not allowed"
	}

	id := uuid.NewString()
	t := &Transfer{
		ID:        id,
		FileName:  fileName,
		FileSize:  fileSize,
		FileType:  fileType,
		Password:  password,
		Status:    "pending",
		StartTime: time.Now(),
		chunks:    make(map[int][]byte),
	}

	e.mu.Lock()
	e.transfers[id] = t
	e.mu.Unlock()
	return id, ""
}

// Chunk decodes and stores one base64 chunk, returning the transfer's
// current progress (0..100) and speed (bytes/sec). ok is false if the
// transfer is unknown or data fails to decode.
func (e *TransferEngine) Chunk(transferID string, index int, dataB64 string) (progress int, speed float64, ok bool) {
	data, err := base64.StdEncoding.DecodeString(dataB64)
	if err != nil {
		return 0, 0, false
	}

	e.mu.Lock()
	t := e.transfers[transferID]
	e.mu.Unlock()
	if t == nil {
		return 0, 0, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.chunks[index] = data
	t.Status = "transferring"

	var total int64
	for _, c := range t.chunks {
		total += int64(len(c))
	}
	t.receivedSize = total

	elapsed := time.Since(t.StartTime).Seconds()
	if elapsed > 0 {
		speed = float64(t.receivedSize) / elapsed
	}
	if t.FileSize > 0 {
		progress = int(float64(t.receivedSize) / float64(t.FileSize) * 100)
		if progress > 100 {
			progress = 100
		}
	}
	return progress, speed, true
}

// Complete reassembles a transfer's chunks in ascending index order. The
// controller picks its own chunk size, so completeness is judged against the
// actual received index set rather than a count derived from file size: the
// indices must form an unbroken run starting at 0, with no gaps. errMsg is
// "Incomplete upload" if they don't.
func (e *TransferEngine) Complete(transferID string) (fileDataB64, fileName string, fileSize int64, errMsg string, ok bool) {
	e.mu.Lock()
	t := e.transfers[transferID]
	e.mu.Unlock()
	if t == nil {
		return "", "", 0, "Transfer not found", false
	}

	t.mu.Lock()
	indices := make([]int, 0, len(t.chunks))
	for i := range t.chunks {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	if len(indices) == 0 && t.FileSize != 0 {
		t.mu.Unlock()
		return "", "", 0, "Incomplete upload", false
	}
	for i, idx := range indices {
		if idx != i {
			t.mu.Unlock()
			return "", "", 0, "Incomplete upload", false
		}
	}

	buf := make([]byte, 0, t.FileSize)
	for _, idx := range indices {
		buf = append(buf, t.chunks[idx]...)
	}
	t.Status = "completed"
	fileName = t.FileName
	fileSize = t.FileSize
	fileType := t.FileType
	password := t.Password
	t.mu.Unlock()

	fileDataB64 = base64.StdEncoding.EncodeToString(buf)
	e.addRecent(password, fileName, fileSize, fileType)
	e.schedulePurge(transferID)
	return fileDataB64, fileName, fileSize, "", true
}

// Cancel marks a transfer cancelled and removes it immediately.
func (e *TransferEngine) Cancel(transferID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.transfers[transferID]; ok {
		t.mu.Lock()
		t.Status = "cancelled"
		t.mu.Unlock()
		delete(e.transfers, transferID)
	}
}

func (e *TransferEngine) schedulePurge(transferID string) {
	go func() {
		time.Sleep(e.graceWindow)
		e.mu.Lock()
		delete(e.transfers, transferID)
		e.mu.Unlock()
	}()
}

func (e *TransferEngine) addRecent(password, fileName string, fileSize int64, fileType string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := append(e.recentFiles[password], RecentFile{
		FileName:    fileName,
		FileSize:    fileSize,
		FileType:    fileType,
		CompletedAt: time.Now(),
	})
	if len(list) > e.recentLimit {
		list = list[len(list)-e.recentLimit:]
	}
	e.recentFiles[password] = list
}

// RecentFilesFor returns the FIFO of recently completed files for password.
func (e *TransferEngine) RecentFilesFor(password string) []RecentFile {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]RecentFile, len(e.recentFiles[password]))
	copy(out, e.recentFiles[password])
	return out
}
