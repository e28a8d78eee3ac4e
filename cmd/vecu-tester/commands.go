package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/veculab/vecu-doip/doip"
)

// paramSpec is the tester's own copy of the wire encoding for each
// parameter, independent of the server's internal DID table — a real
// diagnostic tool ships its own copy of the DID catalog rather than
// importing the ECU's package.
type paramSpec struct {
	did        uint16
	floatScale bool
	writable   bool
}

var params = map[string]paramSpec{
	"lead-speed": {did: 0xF101, floatScale: false, writable: true},
	"gap":        {did: 0xF102, floatScale: false, writable: true},
	"own-speed":  {did: 0xF103, floatScale: false, writable: false},
	"kp":         {did: 0xD101, floatScale: true, writable: true},
	"ki":         {did: 0xD102, floatScale: true, writable: true},
	"max-accel":  {did: 0xD103, floatScale: true, writable: true},
	"max-decel":  {did: 0xD104, floatScale: true, writable: true},
}

func newIdentifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "identify",
		Short: "Send a VehicleIDRequest and print the announced VIN",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, payload, err := exchange(addr, doip.PayloadTypeVehicleIDRequest, nil)
			if err != nil {
				return err
			}
			fmt.Println(string(payload))
			return nil
		},
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "get [lead-speed|own-speed|gap|kp|ki|max-accel|max-decel]",
		Short:     "Read one diagnostic parameter",
		Args:      cobra.ExactArgs(1),
		ValidArgs: paramNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, ok := params[args[0]]
			if !ok {
				return fmt.Errorf("unknown parameter %q", args[0])
			}

			req := []byte{0x22, byte(spec.did >> 8), byte(spec.did)}
			resp, err := udsExchange(addr, req)
			if err != nil {
				return err
			}
			if len(resp) < 4 {
				return fmt.Errorf("short ReadDataByIdentifier response")
			}
			wire := resp[3]

			if spec.floatScale {
				fmt.Printf("%s = %.1f\n", args[0], float64(wire)/10.0)
			} else {
				fmt.Printf("%s = %d\n", args[0], wire)
			}
			return nil
		},
	}
}

func newSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set [lead-speed|gap|kp|ki|max-accel|max-decel] <value>",
		Short: "Write one diagnostic parameter",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, ok := params[args[0]]
			if !ok {
				return fmt.Errorf("unknown parameter %q", args[0])
			}
			if !spec.writable {
				return fmt.Errorf("%s is read-only", args[0])
			}

			value, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid value %q: %w", args[1], err)
			}

			var wire byte
			if spec.floatScale {
				wire = byte(math.Round(value * 10))
			} else {
				wire = byte(value)
			}

			req := []byte{0x2E, byte(spec.did >> 8), byte(spec.did), wire}
			if _, err := udsExchange(addr, req); err != nil {
				return err
			}
			fmt.Printf("%s set to %s\n", args[0], args[1])
			return nil
		},
	}
}

func newProgramCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "program",
		Short: "Enter the programming session (RoutineControl 0xFF00)",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := []byte{0x31, 0x01, 0xFF, 0x00}
			if _, err := udsExchange(addr, req); err != nil {
				return err
			}
			fmt.Println("entered programming session")
			return nil
		},
	}
}

func newUpdateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update <firmware-file>",
		Short: "Push a firmware image through RequestDownload/TransferData/RequestTransferExit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpdate(args[0])
		},
	}
}

const transferBlockSize = 0x1000 - 2 // leave room for service id + block counter

func runUpdate(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read firmware image: %w", err)
	}

	sum := sha256.Sum256(data)
	hexSum := hex.EncodeToString(sum[:])

	if _, err := udsExchange(addr, []byte{0x31, 0x01, 0xFF, 0x00}); err != nil {
		return fmt.Errorf("enter programming session: %w", err)
	}

	size := len(data)
	reqDownload := []byte{
		0x34, 0x00, 0x44,
		0, 0, 0, 0,
		byte(size >> 24), byte(size >> 16), byte(size >> 8), byte(size),
	}
	if _, err := udsExchange(addr, reqDownload); err != nil {
		return fmt.Errorf("request download: %w", err)
	}

	var blockCounter byte = 1
	for offset := 0; offset < len(data); offset += transferBlockSize {
		end := offset + transferBlockSize
		if end > len(data) {
			end = len(data)
		}
		chunk := append([]byte{0x36, blockCounter}, data[offset:end]...)
		if _, err := udsExchange(addr, chunk); err != nil {
			return fmt.Errorf("transfer data block %d: %w", blockCounter, err)
		}
		blockCounter++
	}

	exitReq := append([]byte{0x37}, []byte(hexSum)...)
	if _, err := udsExchange(addr, exitReq); err != nil {
		return fmt.Errorf("request transfer exit: integrity check failed: %w", err)
	}

	fmt.Printf("update applied: %d bytes, sha256=%s\n", size, hexSum)
	return nil
}

func paramNames() []string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	return names
}
