package main

import (
	"fmt"
	"net"
	"time"

	"github.com/veculab/vecu-doip/doip"
)

const dialTimeout = 3 * time.Second
const responseTimeout = 5 * time.Second

// exchange opens one connection, writes a single DoIP frame, reads the
// single reply frame, and closes the connection. Every subcommand in this
// binary performs exactly one request/response pair, matching the tester
// role in spec.md §7 — there is no persistent session across commands.
func exchange(target string, pt doip.PayloadType, payload []byte) (doip.PayloadType, []byte, error) {
	conn, err := net.DialTimeout("tcp", target, dialTimeout)
	if err != nil {
		return 0, nil, fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.Close()

	if err := doip.WriteFrame(conn, pt, payload); err != nil {
		return 0, nil, fmt.Errorf("write frame: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(responseTimeout))
	respType, respPayload, err := doip.ReadFrame(conn)
	if err != nil {
		return 0, nil, fmt.Errorf("read frame: %w", err)
	}
	return respType, respPayload, nil
}

// udsExchange wraps exchange for the common case of a diagnostic message,
// returning an error when the ECU answers with a GenericNegativeAck.
func udsExchange(target string, request []byte) ([]byte, error) {
	respType, respPayload, err := exchange(target, doip.PayloadTypeDiagnosticMessage, request)
	if err != nil {
		return nil, err
	}
	if respType == doip.PayloadTypeGenericNegativeAck {
		return nil, fmt.Errorf("ECU returned a negative response")
	}
	return respPayload, nil
}
