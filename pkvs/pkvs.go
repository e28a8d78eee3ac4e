// Package pkvs implements the persistent key-value store shared by the
// diagnostic session handler and the cruise-control application routine. It
// is a direct generalization of original_source/nvram_manager.hpp's
// NVRAMManager: one mutex, one in-memory map, one backing file of
// "key=value\n" lines.
package pkvs

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// Defaults are the entries written to a fresh store when its backing file
// does not exist yet, matching original_source/nvram_manager.hpp's
// create_default_nvram_internal plus the PI-controller tunables the
// data model table in SPEC_FULL.md §3 adds.
var Defaults = map[string]string{
	"FIRMWARE_VERSION":   "3.0.0",
	"ECU_SERIAL_NUMBER":  "VECU-2025-001",
	"LEAD_VEHICLE_SPEED": "65.0",
	"OWN_VEHICLE_SPEED":  "65.0",
	"ACC_GAP_SETTING":    "3",
	"ACC_KP":             "0.4",
	"ACC_KI":             "0.1",
	"ACC_MAX_ACCEL":      "2.0",
	"ACC_MAX_DECEL":      "3.0",
}

// Store is a mutex-guarded key-value table backed by a single file. All
// four public operations hold the mutex for their full duration; there is
// no read/write distinction, matching spec.md §4.1.
type Store struct {
	path string

	mu   sync.Mutex
	data map[string]string
}

// New creates a Store bound to path. Call Load before using it.
func New(path string) *Store {
	return &Store{path: path, data: make(map[string]string)}
}

// Load populates the store from its backing file. If the file is absent, it
// is created with Defaults. Malformed lines (no "=") are skipped silently.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		s.data = make(map[string]string, len(Defaults))
		for k, v := range Defaults {
			s.data[k] = v
		}
		return s.saveLocked()
	}
	if err != nil {
		return fmt.Errorf("pkvs: open %s: %w", s.path, err)
	}
	defer f.Close()

	data := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			continue
		}
		data[line[:idx]] = line[idx+1:]
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("pkvs: read %s: %w", s.path, err)
	}
	s.data = data
	return nil
}

// Save truncates the backing file and writes every pair as "key=value\n" in
// sorted key order, so the file is deterministic across runs.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("pkvs: open %s for write: %w", s.path, err)
	}
	defer f.Close()

	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w := bufio.NewWriter(f)
	for _, k := range keys {
		if _, err := fmt.Fprintf(w, "%s=%s\n", k, s.data[k]); err != nil {
			return fmt.Errorf("pkvs: write %s: %w", s.path, err)
		}
	}
	return w.Flush()
}

// Get returns the value for key and whether it was present.
func (s *Store) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

// Set overwrites (or inserts) key's value. It does not persist; callers
// call Save explicitly, matching the reference's two-step set-then-save.
func (s *Store) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}
