package uds

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// sha256HexOf renders the SHA-256 digest of the file at path as 64 lowercase
// hex characters, the encoding the tester is expected to send in
// RequestTransferExit (spec.md §4.4).
func sha256HexOf(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
