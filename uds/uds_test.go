package uds

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veculab/vecu-doip/doip"
	"github.com/veculab/vecu-doip/els"
	"github.com/veculab/vecu-doip/internal/vlog"
	"github.com/veculab/vecu-doip/pkvs"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *els.Machine) {
	t.Helper()
	dir := t.TempDir()
	store := pkvs.New(filepath.Join(dir, "nvram.dat"))
	require.NoError(t, store.Load())

	lcy := els.New()
	return &Dispatcher{
		Store:      store,
		Lifecycle:  lcy,
		Log:        vlog.Discard(),
		ScratchDir: dir,
	}, lcy
}

func TestReadDataByIdentifierDefaultSpeed(t *testing.T) {
	d, lcy := newTestDispatcher(t)
	lcy.Store(els.Application)

	pt, payload := d.Dispatch(NewReprogSession(), []byte{0x22, 0xF1, 0x01})
	assert.Equal(t, doip.PayloadTypeDiagnosticMessage, pt)
	assert.Equal(t, []byte{0x62, 0xF1, 0x01, 0x41}, payload) // 65.0 -> 65 -> 0x41
}

func TestReadUnknownDIDIsNegative(t *testing.T) {
	d, lcy := newTestDispatcher(t)
	lcy.Store(els.Application)

	pt, payload := d.Dispatch(NewReprogSession(), []byte{0x22, 0x00, 0x01})
	assert.Equal(t, doip.PayloadTypeGenericNegativeAck, pt)
	assert.Empty(t, payload)
}

func TestWriteThenReadFloatDID(t *testing.T) {
	d, lcy := newTestDispatcher(t)
	lcy.Store(els.Application)
	sess := NewReprogSession()

	pt, payload := d.Dispatch(sess, []byte{0x2E, 0xD1, 0x01, 0x05})
	require.Equal(t, doip.PayloadTypeDiagnosticMessage, pt)
	assert.Equal(t, []byte{0x6E, 0xD1, 0x01}, payload)

	pt, payload = d.Dispatch(sess, []byte{0x22, 0xD1, 0x01})
	require.Equal(t, doip.PayloadTypeDiagnosticMessage, pt)
	assert.Equal(t, []byte{0x62, 0xD1, 0x01, 0x05}, payload) // 0.5 * 10 = 5
}

func TestWriteNonWritableDIDIsNegative(t *testing.T) {
	d, lcy := newTestDispatcher(t)
	lcy.Store(els.Application)

	pt, _ := d.Dispatch(NewReprogSession(), []byte{0x2E, 0xF1, 0x03, 0x20})
	assert.Equal(t, doip.PayloadTypeGenericNegativeAck, pt)
}

func TestRequestDownloadRejectedWithoutProgrammingSession(t *testing.T) {
	d, lcy := newTestDispatcher(t)
	lcy.Store(els.Application)

	pt, payload := d.Dispatch(NewReprogSession(), []byte{0x34, 0x00, 0x44, 0, 0, 0, 0, 0, 0, 0, 16})
	assert.Equal(t, doip.PayloadTypeGenericNegativeAck, pt)
	assert.Empty(t, payload)
}

func TestHappyPathOTASequence(t *testing.T) {
	d, lcy := newTestDispatcher(t)
	lcy.Store(els.Application)
	sess := NewReprogSession()

	var swappedPath string
	d.OnSwap = func(path string) error {
		swappedPath = path
		return nil
	}

	pt, payload := d.Dispatch(sess, []byte{0x31, 0x01, 0xFF, 0x00})
	require.Equal(t, doip.PayloadTypeDiagnosticMessage, pt)
	assert.Equal(t, []byte{0x71, 0x01, 0xFF, 0x00}, payload)
	assert.Equal(t, els.UpdatePending, lcy.Load())

	data := []byte("hello world 1234")
	reqDownload := []byte{0x34, 0x00, 0x44, 0, 0, 0, 0, byte(len(data) >> 24), byte(len(data) >> 16), byte(len(data) >> 8), byte(len(data))}
	pt, payload = d.Dispatch(sess, reqDownload)
	require.Equal(t, doip.PayloadTypeDiagnosticMessage, pt)
	assert.Equal(t, []byte{0x74, 0x20, 0x10, 0x00}, payload)

	transferPayload := append([]byte{0x36, 0x01}, data...)
	pt, payload = d.Dispatch(sess, transferPayload)
	require.Equal(t, doip.PayloadTypeDiagnosticMessage, pt)
	assert.Equal(t, []byte{0x76, 0x01}, payload)

	sum := sha256.Sum256(data)
	hexSum := hex.EncodeToString(sum[:])
	exitPayload := append([]byte{0x37}, []byte(hexSum)...)
	pt, payload = d.Dispatch(sess, exitPayload)
	require.Equal(t, doip.PayloadTypeDiagnosticMessage, pt)
	assert.Equal(t, []byte{0x77}, payload)

	require.NotEmpty(t, swappedPath)
	written, err := os.ReadFile(swappedPath)
	require.NoError(t, err)
	assert.Equal(t, data, written)
}

func TestOTAIntegrityFailureKeepsFileAndState(t *testing.T) {
	d, lcy := newTestDispatcher(t)
	lcy.Store(els.Application)
	sess := NewReprogSession()

	swapCalled := false
	d.OnSwap = func(path string) error {
		swapCalled = true
		return nil
	}

	d.Dispatch(sess, []byte{0x31, 0x01, 0xFF, 0x00})
	data := []byte("hello world 1234")
	reqDownload := []byte{0x34, 0x00, 0x44, 0, 0, 0, 0, byte(len(data) >> 24), byte(len(data) >> 16), byte(len(data) >> 8), byte(len(data))}
	d.Dispatch(sess, reqDownload)
	transferPayload := append([]byte{0x36, 0x01}, data...)
	d.Dispatch(sess, transferPayload)

	badHex := "ff" + hex.EncodeToString(make([]byte, 31))
	exitPayload := append([]byte{0x37}, []byte(badHex)...)
	pt, payload := d.Dispatch(sess, exitPayload)

	assert.Equal(t, doip.PayloadTypeGenericNegativeAck, pt)
	assert.Empty(t, payload)
	assert.False(t, swapCalled)
	assert.Equal(t, els.UpdatePending, lcy.Load(), "ELS stays UPDATE_PENDING after a failed integrity check")

	retained, err := os.ReadFile(filepath.Join(d.ScratchDir, fmt.Sprintf("update-%d.bin", sess.id)))
	require.NoError(t, err, "scratch file must be retained on integrity failure")
	assert.Equal(t, data, retained)
}

func TestSecondSessionCannotStealDownloadToken(t *testing.T) {
	d, lcy := newTestDispatcher(t)
	lcy.Store(els.Application)

	owner := NewReprogSession()
	d.Dispatch(owner, []byte{0x31, 0x01, 0xFF, 0x00})
	data := []byte("0123456789abcdef")
	reqDownload := []byte{0x34, 0x00, 0x44, 0, 0, 0, 0, byte(len(data) >> 24), byte(len(data) >> 16), byte(len(data) >> 8), byte(len(data))}
	pt, _ := d.Dispatch(owner, reqDownload)
	require.Equal(t, doip.PayloadTypeDiagnosticMessage, pt)

	intruder := NewReprogSession()
	pt, payload := d.Dispatch(intruder, reqDownload)
	assert.Equal(t, doip.PayloadTypeGenericNegativeAck, pt)
	assert.Empty(t, payload)
}

func TestTransferDataOutOfSequenceIsNegative(t *testing.T) {
	d, lcy := newTestDispatcher(t)
	lcy.Store(els.Application)

	pt, _ := d.Dispatch(NewReprogSession(), []byte{0x36, 0x01, 0xAA})
	assert.Equal(t, doip.PayloadTypeGenericNegativeAck, pt)
}

func TestUnknownServiceIsNegative(t *testing.T) {
	d, lcy := newTestDispatcher(t)
	lcy.Store(els.Application)

	pt, _ := d.Dispatch(NewReprogSession(), []byte{0x10})
	assert.Equal(t, doip.PayloadTypeGenericNegativeAck, pt)
}
