// Package telemetry tracks per-origin response-body byte counts and emits
// one "origin, bytes" line per origin once every worker charging it has
// finished.
//
// spec.md §4.5 permits two designs (refcount-based or time-based); this
// package implements the refcount-based variant for determinism, grounded
// on the time-based TelemetryStore/TeleRecord in
// original_source/modules/telemetry.py generalized to track active
// worker counts instead of last-updated timestamps.
package telemetry

import (
	"fmt"
	"os"
	"sync"
)

type record struct {
	bytes   int64
	workers int
}

// Store maps origin strings to an accumulating byte counter and the count
// of workers currently charging it.
type Store struct {
	mu      sync.Mutex
	records map[string]*record
}

// New returns an empty Store.
func New() *Store {
	return &Store{records: make(map[string]*record)}
}

// Start registers one worker as actively charging origin, creating the
// record on first use.
func (s *Store) Start(origin string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[origin]
	if !ok {
		r = &record{}
		s.records[origin] = r
	}
	r.workers++
}

// Update adds bytes to origin's running total. A zero-byte update is
// ignored, matching spec.md §4.5's "no emission for zero-byte origins".
func (s *Store) Update(origin string, bytes int) {
	if bytes == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[origin]
	if !ok {
		r = &record{}
		s.records[origin] = r
	}
	r.bytes += int64(bytes)
}

// Close unregisters one worker from origin. Once the last worker charging
// an origin closes, the record is removed and emitted if it accumulated
// any bytes.
func (s *Store) Close(origin string) {
	s.mu.Lock()
	r, ok := s.records[origin]
	if !ok {
		s.mu.Unlock()
		return
	}
	r.workers--
	if r.workers > 0 {
		s.mu.Unlock()
		return
	}
	delete(s.records, origin)
	bytes := r.bytes
	s.mu.Unlock()

	emit(origin, bytes)
}

// CloseAll emits every record with a nonzero byte count and clears the
// store; called once at supervisor shutdown.
func (s *Store) CloseAll() {
	s.mu.Lock()
	records := s.records
	s.records = make(map[string]*record)
	s.mu.Unlock()

	for origin, r := range records {
		emit(origin, r.bytes)
	}
}

func emit(origin string, bytes int64) {
	if bytes > 0 {
		fmt.Fprintf(os.Stdout, "%s, %d\n", origin, bytes)
	}
}
