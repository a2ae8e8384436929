// Package devicestore holds the device records produced by scans: the
// scan results keyed by (user_id, ip), upserted by the scanner and mutated
// only by credential-save/RTSP-test commands.
package devicestore

import (
	"sync"
	"time"

	"github.com/technosupport/camguard/internal/scanner"
)

// Record extends scanner.DeviceRecord with the mutable fields the dispatcher
// adds after a scan: a validated RTSP URL and the outcome of the last
// test_rtsp command run against it.
type Record struct {
	scanner.DeviceRecord
	UserID           string
	ValidatedRTSPURL string
	LastTestOutcome  string
}

type key struct {
	userID string
	ip     string
}

// Store is the per-process map of device records, guarded by a mutex;
// only the orchestrator and the dispatcher mutate it.
type Store struct {
	mu      sync.Mutex
	records map[key]*Record
}

func New() *Store {
	return &Store{records: map[key]*Record{}}
}

// BeginScan deletes all prior records for userID, implementing the
// scanner's "starting a new scan first deletes prior device records for
// that user" invariant.
func (s *Store) BeginScan(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.records {
		if k.userID == userID {
			delete(s.records, k)
		}
	}
}

// Upsert records or replaces a scanner.DeviceRecord for (userID, rec.IP).
func (s *Store) Upsert(userID string, rec scanner.DeviceRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{userID: userID, ip: rec.IP}
	existing, ok := s.records[k]
	if !ok {
		existing = &Record{}
	}
	existing.DeviceRecord = rec
	existing.UserID = userID
	s.records[k] = existing
}

// SetTestOutcome records the result of a test_rtsp command against ip,
// optionally promoting it to the device's validated URL on success.
func (s *Store) SetTestOutcome(userID, ip, outcome, validatedURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{userID: userID, ip: ip}
	rec, ok := s.records[k]
	if !ok {
		return
	}
	rec.LastTestOutcome = outcome
	if validatedURL != "" {
		rec.ValidatedRTSPURL = validatedURL
	}
}

// Get returns the record for (userID, ip), if present.
func (s *Store) Get(userID, ip string) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[key{userID: userID, ip: ip}]
	return r, ok
}

// List returns all records for userID, discovered no earlier than since.
func (s *Store) List(userID string, since time.Time) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for k, r := range s.records {
		if k.userID != userID {
			continue
		}
		if r.DiscoveredAt.Before(since) {
			continue
		}
		out = append(out, *r)
	}
	return out
}
