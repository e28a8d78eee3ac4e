// Package doip implements the subset of ISO 13400 (DoIP) framing this
// simulator needs: the fixed 8-octet header plus a length-prefixed payload,
// read and write over a TCP stream. It is adapted from the header codec in
// _examples/eshenhu-doip/doip/server.go (readTCP) and
// _examples/eshenhu-doip/const.go (protocol version constants); the routing
// activation and alive-check services that teacher package implements are
// out of scope here (spec.md §1 Non-goals).
package doip

import (
	"encoding/binary"
	"errors"
	"io"
)

// PayloadType identifies the kind of DoIP payload carried after the header.
type PayloadType uint16

// Payload types used by this simulator (spec.md §4.3).
const (
	PayloadTypeVehicleIDRequest    PayloadType = 0x0004
	PayloadTypeVehicleAnnouncement PayloadType = 0x0005
	PayloadTypeDiagnosticMessage   PayloadType = 0x8001
	PayloadTypeGenericNegativeAck  PayloadType = 0x8002
)

const (
	protocolVersion        uint8 = 0x02
	inverseProtocolVersion uint8 = ^protocolVersion
	headerSize                   = 8
)

// ErrProtocolMismatch is never returned by ReadFrame in this implementation:
// spec.md §4.3/§9 requires accepting frames whose inverse-version byte
// doesn't match, so the mismatch is tolerated rather than rejected. The
// error is kept exported for callers (or future strict modes) that want to
// detect it themselves via HeaderMismatch.
var ErrProtocolMismatch = errors.New("doip: protocol_version/inverse_protocol_version mismatch")

// Header is the 8-octet DoIP frame header.
type Header struct {
	ProtocolVersion        uint8
	InverseProtocolVersion uint8
	PayloadType            PayloadType
	PayloadLength          uint32
}

// HeaderMismatch reports whether h's inverse-version byte does not
// complement its protocol-version byte.
func (h Header) HeaderMismatch() bool {
	return h.InverseProtocolVersion != ^h.ProtocolVersion
}

// ReadFrame blockingly reads one DoIP frame from r: 8 header octets
// followed by exactly PayloadLength payload octets. A clean EOF before any
// header bytes are read is returned as io.EOF so callers can treat it as a
// quiet connection close (spec.md §4.3); an EOF in the middle of a frame is
// returned as io.ErrUnexpectedEOF via io.ReadFull. The inverse-version byte
// is parsed into the header but never rejected, per spec.md §9.
func ReadFrame(r io.Reader) (PayloadType, []byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}

	pt := PayloadType(binary.BigEndian.Uint16(hdr[2:4]))
	length := binary.BigEndian.Uint32(hdr[4:8])

	if length == 0 {
		return pt, []byte{}, nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	return pt, payload, nil
}

// WriteFrame writes one DoIP frame to w: the 8-octet header followed by
// payload, assembled into a single buffer so the write is gathered into one
// underlying Write call where possible (spec.md §4.3's "single send when
// possible"), mirroring the reference's PackMsg-then-Write pattern.
func WriteFrame(w io.Writer, pt PayloadType, payload []byte) error {
	buf := make([]byte, headerSize+len(payload))
	buf[0] = protocolVersion
	buf[1] = inverseProtocolVersion
	binary.BigEndian.PutUint16(buf[2:4], uint16(pt))
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[headerSize:], payload)

	_, err := w.Write(buf)
	return err
}
