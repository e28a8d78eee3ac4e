// Package session drives one accepted TCP connection end to end: it reads a
// DoIP frame, decides what the payload type means, and writes the DoIP frame
// back. Per spec.md §5 each session is handled sequentially on its own
// goroutine — there is no pipelining of requests within a connection, and no
// cross-session synchronization here (that lives in uds.Dispatcher's
// programming token).
package session

import (
	"errors"
	"io"
	"net"

	"github.com/veculab/vecu-doip/doip"
	"github.com/veculab/vecu-doip/internal/vlog"
	"github.com/veculab/vecu-doip/uds"
)

// vehicleID is the fixed VIN-like identifier this simulator announces in
// response to a VehicleIDRequest, matching original_source's hardcoded
// announcement string.
const vehicleID = "VECU-SIM-1234567"

// Session owns one net.Conn and the reprogramming progress associated with
// it (uds.ReprogSession). A Session is single-use: call Serve once.
type Session struct {
	conn       net.Conn
	dispatcher *uds.Dispatcher
	reprog     *uds.ReprogSession
	log        vlog.Logger
}

// New builds a Session bound to conn, ready to Serve.
func New(conn net.Conn, dispatcher *uds.Dispatcher, log vlog.Logger) *Session {
	return &Session{
		conn:       conn,
		dispatcher: dispatcher,
		reprog:     uds.NewReprogSession(),
		log:        log,
	}
}

// Serve blocks reading and answering DoIP frames until the peer closes the
// connection or a framing error occurs. The connection is always closed
// before Serve returns.
func (s *Session) Serve() {
	defer s.conn.Close()

	addr := s.conn.RemoteAddr()
	s.log.Debugf("session: accepted %s", addr)

	for {
		pt, payload, err := doip.ReadFrame(s.conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.log.Debugf("session: %s closed connection", addr)
			} else {
				s.log.Errorf("session: read frame from %s: %v", addr, err)
			}
			return
		}

		respType, respPayload, ok := s.handle(pt, payload)
		if !ok {
			continue
		}

		if err := doip.WriteFrame(s.conn, respType, respPayload); err != nil {
			s.log.Errorf("session: write frame to %s: %v", addr, err)
			return
		}
	}
}

// handle maps one received DoIP payload type to a response. The second
// return value is false when the payload type calls for no reply at all
// (spec.md §4.2 — unrecognized payload types are silently ignored rather
// than nack'd, since they are not UDS traffic).
func (s *Session) handle(pt doip.PayloadType, payload []byte) (doip.PayloadType, []byte, bool) {
	switch pt {
	case doip.PayloadTypeVehicleIDRequest:
		return doip.PayloadTypeVehicleAnnouncement, []byte(vehicleID), true
	case doip.PayloadTypeDiagnosticMessage:
		respType, respPayload := s.dispatcher.Dispatch(s.reprog, payload)
		return respType, respPayload, true
	default:
		s.log.Debugf("session: ignoring payload type 0x%04x", uint16(pt))
		return 0, nil, false
	}
}
