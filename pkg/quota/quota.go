// Package quota implements the owner-scoped quota ledger: a fixed number
// of free generation passes per owner, handed out through a
// reserve/commit/release cycle. One reservation is taken before a
// generation attempt and then either committed (consumed) or released
// (returned) exactly once; both finishing operations are idempotent.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arborchat-dev/arborchat/pkg/observability"
)

// Common errors for ledger operations.
var (
	// ErrQuotaExhausted is returned when a reservation asks for more
	// passes than remain.
	ErrQuotaExhausted = errors.New("quota exhausted")
	// ErrOwnerMismatch is returned when a stored record belongs to a
	// different owner than the caller.
	ErrOwnerMismatch = errors.New("quota record owner mismatch")
	// ErrReservationReused is returned when reserving with an id that
	// already finished its lifecycle.
	ErrReservationReused = errors.New("reservation id already finished")
	// ErrRecordNotFound is returned by backends when no record exists.
	ErrRecordNotFound = errors.New("quota record not found")
	// ErrStorageClosed is returned when operating on a closed backend.
	ErrStorageClosed = errors.New("storage backend is closed")
)

// ReservationState is the lifecycle state of one reservation.
type ReservationState string

const (
	ReservationHeld      ReservationState = "reserved"
	ReservationCommitted ReservationState = "committed"
	ReservationReleased  ReservationState = "released"
)

// Reservation is one provisional hold against an owner's quota.
type Reservation struct {
	ID        string           `json:"id"`
	Count     int              `json:"count"`
	State     ReservationState `json:"state"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// Record is the durable per-owner ledger record.
type Record struct {
	OwnerID      string                  `json:"ownerId"`
	Total        int                     `json:"total"`
	Used         int                     `json:"used"`
	Reservations map[string]*Reservation `json:"reservations"`
}

// Snapshot is the caller-visible view of an owner's quota.
type Snapshot struct {
	Total     int `json:"total"`
	Used      int `json:"used"`
	Reserved  int `json:"reserved"`
	Remaining int `json:"remaining"`
}

func (r *Record) snapshot() Snapshot {
	reserved := 0
	for _, res := range r.Reservations {
		if res.State == ReservationHeld {
			reserved += res.Count
		}
	}
	remaining := r.Total - r.Used - reserved
	if remaining < 0 {
		remaining = 0
	}
	return Snapshot{
		Total:     r.Total,
		Used:      r.Used,
		Reserved:  reserved,
		Remaining: remaining,
	}
}

// clone returns a deep copy of the record.
func (r *Record) clone() *Record {
	out := *r
	out.Reservations = make(map[string]*Reservation, len(r.Reservations))
	for id, res := range r.Reservations {
		copied := *res
		out.Reservations[id] = &copied
	}
	return &out
}

// StorageBackend persists one Record per owner id.
// Implementations must be safe for concurrent use.
type StorageBackend interface {
	// Load retrieves the record for an owner.
	// Returns ErrRecordNotFound if no record exists.
	Load(ctx context.Context, ownerID string) (*Record, error)

	// Save writes the whole record, replacing any prior version.
	Save(ctx context.Context, ownerID string, record *Record) error

	// Close releases any resources held by the backend.
	Close() error
}

// Ledger serializes quota decisions per owner. Like the conversation
// actor, it admits one writer per key: a per-owner mutex guards the
// read-modify-write cycle against the backend.
type Ledger struct {
	backend      StorageBackend
	defaultTotal int

	mu     sync.Mutex
	owners map[string]*sync.Mutex

	now func() time.Time
}

// NewLedger creates a ledger over the given backend. defaultTotal is the
// number of passes granted to owners without an existing record.
func NewLedger(backend StorageBackend, defaultTotal int) *Ledger {
	return &Ledger{
		backend:      backend,
		defaultTotal: defaultTotal,
		owners:       make(map[string]*sync.Mutex),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (l *Ledger) ownerLock(ownerID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.owners[ownerID]
	if !ok {
		lock = &sync.Mutex{}
		l.owners[ownerID] = lock
	}
	return lock
}

func (l *Ledger) load(ctx context.Context, ownerID string) (*Record, error) {
	record, err := l.backend.Load(ctx, ownerID)
	if errors.Is(err, ErrRecordNotFound) {
		return &Record{
			OwnerID:      ownerID,
			Total:        l.defaultTotal,
			Reservations: make(map[string]*Reservation),
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load quota for %s: %w", ownerID, err)
	}
	if record.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: record for %q loaded under %q", ErrOwnerMismatch, record.OwnerID, ownerID)
	}
	if record.Reservations == nil {
		record.Reservations = make(map[string]*Reservation)
	}
	return record, nil
}

// Get returns the owner's current quota snapshot.
func (l *Ledger) Get(ctx context.Context, ownerID string) (Snapshot, error) {
	lock := l.ownerLock(ownerID)
	lock.Lock()
	defer lock.Unlock()

	record, err := l.load(ctx, ownerID)
	if err != nil {
		return Snapshot{}, err
	}
	return record.snapshot(), nil
}

// Reserve places a provisional hold of count passes. Re-reserving an id
// that is still held is a no-op returning the current snapshot; an id
// that already committed or released cannot be reused. A failed reserve
// changes no counters.
func (l *Ledger) Reserve(ctx context.Context, ownerID, reservationID string, count int) (Snapshot, error) {
	if count <= 0 {
		return Snapshot{}, fmt.Errorf("reservation count must be positive, got %d", count)
	}
	lock := l.ownerLock(ownerID)
	lock.Lock()
	defer lock.Unlock()

	record, err := l.load(ctx, ownerID)
	if err != nil {
		return Snapshot{}, err
	}

	if existing, ok := record.Reservations[reservationID]; ok {
		if existing.State == ReservationHeld {
			observability.RecordQuotaDecision("reserve", "noop")
			return record.snapshot(), nil
		}
		return Snapshot{}, fmt.Errorf("%w: %q is %s", ErrReservationReused, reservationID, existing.State)
	}

	snap := record.snapshot()
	if count > snap.Remaining {
		observability.RecordQuotaDecision("reserve", "exhausted")
		return Snapshot{}, fmt.Errorf("%w: requested %d, remaining %d", ErrQuotaExhausted, count, snap.Remaining)
	}

	work := record.clone()
	work.Reservations[reservationID] = &Reservation{
		ID:        reservationID,
		Count:     count,
		State:     ReservationHeld,
		UpdatedAt: l.now(),
	}
	if err := l.backend.Save(ctx, ownerID, work); err != nil {
		return Snapshot{}, fmt.Errorf("save quota for %s: %w", ownerID, err)
	}
	observability.RecordQuotaDecision("reserve", "ok")
	return work.snapshot(), nil
}

// Commit consumes a held reservation, moving its count into Used.
// Committing an already-committed reservation is a no-op.
func (l *Ledger) Commit(ctx context.Context, ownerID, reservationID string) (Snapshot, error) {
	return l.finish(ctx, ownerID, reservationID, ReservationCommitted)
}

// Release returns a held reservation's passes to the pool. Releasing an
// already-released or already-committed reservation is a no-op.
func (l *Ledger) Release(ctx context.Context, ownerID, reservationID string) (Snapshot, error) {
	return l.finish(ctx, ownerID, reservationID, ReservationReleased)
}

func (l *Ledger) finish(ctx context.Context, ownerID, reservationID string, target ReservationState) (Snapshot, error) {
	op := "commit"
	if target == ReservationReleased {
		op = "release"
	}

	lock := l.ownerLock(ownerID)
	lock.Lock()
	defer lock.Unlock()

	record, err := l.load(ctx, ownerID)
	if err != nil {
		return Snapshot{}, err
	}

	existing, ok := record.Reservations[reservationID]
	if !ok || existing.State != ReservationHeld {
		// Unknown or already-finished reservation: idempotent no-op.
		observability.RecordQuotaDecision(op, "noop")
		return record.snapshot(), nil
	}

	work := record.clone()
	finished := work.Reservations[reservationID]
	finished.State = target
	finished.UpdatedAt = l.now()
	if target == ReservationCommitted {
		work.Used += finished.Count
	}
	if err := l.backend.Save(ctx, ownerID, work); err != nil {
		return Snapshot{}, fmt.Errorf("save quota for %s: %w", ownerID, err)
	}
	observability.RecordQuotaDecision(op, "ok")
	return work.snapshot(), nil
}

// Close releases the underlying backend.
func (l *Ledger) Close() error {
	return l.backend.Close()
}
