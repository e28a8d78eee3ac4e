package uds

import (
	"os"
	"sync/atomic"
)

var nextSessionID atomic.Uint64

// ReprogSession holds one diagnostic session's reprogramming-sequence
// progress: the fields spec.md §3 names as belonging to SESS rather than to
// the process-wide UDS dispatcher. Create one with NewReprogSession: a zero
// value has id 0, which the programming token treats as "unowned". The
// reprogramming fields are populated by RequestDownload, advanced by
// TransferData, and cleared by RequestTransferExit regardless of whether the
// integrity check passes.
type ReprogSession struct {
	id uint64

	expectedSize    uint32
	bytesReceived   uint32
	lastBlockCount  uint8
	outputFile      *os.File
	outputPath      string
}

// NewReprogSession returns a session with a unique id, used by the
// Dispatcher's single-programming-token serialization (SPEC_FULL.md §4.4).
func NewReprogSession() *ReprogSession {
	return &ReprogSession{id: nextSessionID.Add(1)}
}

func (s *ReprogSession) reset() {
	if s.outputFile != nil {
		s.outputFile.Close()
	}
	s.expectedSize = 0
	s.bytesReceived = 0
	s.lastBlockCount = 0
	s.outputFile = nil
	s.outputPath = ""
}
