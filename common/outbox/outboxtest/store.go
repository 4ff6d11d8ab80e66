// Package outboxtest provides an in-memory outbox store for tests.
package outboxtest

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/telhawk-systems/taskhub/common/events"
	"github.com/telhawk-systems/taskhub/common/outbox"
)

// Store is an in-memory outbox.Store and outbox.Admin with the same claim
// rules as the Postgres store: due, unleased, head of its partition key.
// Settling requires the claim of this store's owner.
type Store struct {
	*table
	owner string

	// FetchErr, when set, is returned by FetchPending.
	FetchErr error
	// MarkFailedCalls counts MarkFailed invocations.
	MarkFailedCalls int
}

type table struct {
	mu      sync.Mutex
	now     func() time.Time
	lease   time.Duration
	seq     int64
	records []*entry
}

type entry struct {
	rec         outbox.Record
	lockedBy    string
	lockedUntil time.Time
}

// Lease is how long a FetchPending claim lasts.
const Lease = 30 * time.Second

// NewStore creates an empty store using clock for "now". A nil clock uses
// time.Now.
func NewStore(clock func() time.Time) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{table: &table{now: clock, lease: Lease}, owner: "outboxtest"}
}

// Instance returns a view of the same records that claims under owner, as a
// second publisher process would.
func (s *Store) Instance(owner string) *Store {
	return &Store{table: s.table, owner: owner}
}

// Add appends evt as a PENDING record, as a committed Append would.
func (s *Store) Add(evt *events.Event, opts ...outbox.AppendOption) *outbox.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	rec := outbox.NewRecord(evt, s.now(), opts...)
	rec.Sequence = s.seq
	s.records = append(s.records, &entry{rec: *rec})
	return copyRecord(rec)
}

// FetchPending claims due head-of-key records.
func (s *Store) FetchPending(_ context.Context, limit int) ([]*outbox.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FetchErr != nil {
		return nil, s.FetchErr
	}
	now := s.now()
	heads := map[string]bool{}
	var out []*outbox.Record
	for _, e := range s.records {
		if len(out) >= limit {
			break
		}
		if e.rec.Status != outbox.StatusPending {
			continue
		}
		if heads[e.rec.PartitionKey] {
			continue
		}
		heads[e.rec.PartitionKey] = true
		if e.rec.NextAttemptAt.After(now) || e.lockedUntil.After(now) {
			continue
		}
		e.lockedBy = s.owner
		e.lockedUntil = now.Add(s.lease)
		rec := copyRecord(&e.rec)
		rec.ClaimedUntil = e.lockedUntil
		out = append(out, rec)
	}
	return out, nil
}

// MarkPublished moves a PENDING record to PUBLISHED.
func (s *Store) MarkPublished(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.claimed(id)
	if err != nil || e == nil {
		return err
	}
	now := s.now()
	e.rec.Status = outbox.StatusPublished
	e.rec.PublishedAt = &now
	e.rec.LastAttemptAt = &now
	e.rec.AttemptCount++
	e.release()
	return nil
}

// MarkFailed moves a PENDING record to FAILED.
func (s *Store) MarkFailed(_ context.Context, id, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MarkFailedCalls++
	e, err := s.claimed(id)
	if err != nil || e == nil {
		return false, err
	}
	now := s.now()
	e.rec.Status = outbox.StatusFailed
	e.rec.FailedAt = &now
	e.rec.LastAttemptAt = &now
	e.rec.AttemptCount++
	e.rec.LastError = reason
	e.release()
	return true, nil
}

// RecordAttempt counts an attempt and reschedules.
func (s *Store) RecordAttempt(_ context.Context, id, reason string, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.claimed(id)
	if err != nil || e == nil {
		return err
	}
	now := s.now()
	e.rec.AttemptCount++
	e.rec.LastAttemptAt = &now
	e.rec.LastError = reason
	e.rec.NextAttemptAt = next
	e.release()
	return nil
}

// Get returns one record.
func (s *Store) Get(_ context.Context, id string) (*outbox.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.find(id)
	if err != nil {
		return nil, err
	}
	return copyRecord(&e.rec), nil
}

// ListFailed returns FAILED records, most recent failure first.
func (s *Store) ListFailed(_ context.Context, limit, offset int) ([]*outbox.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var failed []*outbox.Record
	for _, e := range s.records {
		if e.rec.Status == outbox.StatusFailed {
			failed = append(failed, copyRecord(&e.rec))
		}
	}
	slices.SortStableFunc(failed, func(a, b *outbox.Record) int {
		return b.FailedAt.Compare(*a.FailedAt)
	})
	if offset >= len(failed) {
		return nil, nil
	}
	failed = failed[offset:]
	if limit < len(failed) {
		failed = failed[:limit]
	}
	return failed, nil
}

// Requeue moves a FAILED record back to PENDING.
func (s *Store) Requeue(_ context.Context, id string) (*outbox.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.find(id)
	if err != nil {
		return nil, err
	}
	if e.rec.Status != outbox.StatusFailed {
		return nil, outbox.ErrNotFailed
	}
	e.rec.Status = outbox.StatusPending
	e.rec.AttemptCount = 0
	e.rec.NextAttemptAt = s.now()
	e.rec.FailedAt = nil
	e.release()
	return copyRecord(&e.rec), nil
}

// Records returns a snapshot of every record in append order.
func (s *Store) Records() []*outbox.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*outbox.Record, 0, len(s.records))
	for _, e := range s.records {
		out = append(out, copyRecord(&e.rec))
	}
	return out
}

// Fail claims and fails the PENDING record id, as an exhausted publisher
// would.
func (s *Store) Fail(id, reason string) error {
	s.mu.Lock()
	e, err := s.find(id)
	if err == nil {
		e.lockedBy = s.owner
		e.lockedUntil = s.now().Add(s.lease)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	_, err = s.MarkFailed(context.Background(), id, reason)
	return err
}

// claimed returns the entry to settle, nil when it is already settled, or
// ErrLeaseLost when another owner (or nobody) holds its claim.
func (s *Store) claimed(id string) (*entry, error) {
	e, err := s.find(id)
	if err != nil {
		return nil, err
	}
	if e.rec.Status != outbox.StatusPending {
		return nil, nil
	}
	if e.lockedBy != s.owner {
		return nil, outbox.ErrLeaseLost
	}
	return e, nil
}

func (e *entry) release() {
	e.lockedBy = ""
	e.lockedUntil = time.Time{}
}

func (s *Store) find(id string) (*entry, error) {
	for _, e := range s.records {
		if e.rec.Event.ID == id {
			return e, nil
		}
	}
	return nil, outbox.ErrRecordNotFound
}

func copyRecord(r *outbox.Record) *outbox.Record {
	c := *r
	return &c
}
