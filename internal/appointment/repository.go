package appointment

import (
	"context"
	"errors"
	"time"
)

var (
	ErrSlotNotFound     = errors.New("slot not found")
	ErrInvalidSlotRange = errors.New("slot start must be before its end")
	ErrStaleSlot        = errors.New("slot was modified concurrently")
)

// Store contains all slot persistence needed by the service. List methods
// return slots in natural order: by start time, then id.
type Store interface {
	// Create truncates the slot to the minute, checks start < end and inserts it.
	// It does not check for collisions.
	Create(ctx context.Context, slot *Slot) (int64, error)
	Get(ctx context.Context, id int64) (*Slot, error)

	// SlotsOnDay returns the staff slots starting on day's calendar date,
	// evaluated in day's location.
	SlotsOnDay(ctx context.Context, staffID int64, day time.Time) ([]Slot, error)
	OpenSlots(ctx context.Context, staffID int64) ([]Slot, error)
	BookedSlots(ctx context.Context, staffID int64) ([]Slot, error)
	SlotsFor(ctx context.Context, patientID int64) ([]Slot, error)
	SlotsWith(ctx context.Context, staffID, patientID int64) ([]Slot, error)

	// Update writes patient and time fields only if UpdatedAt still matches the
	// stored row, then refreshes slot.UpdatedAt.
	Update(ctx context.Context, slot *Slot) error
	Delete(ctx context.Context, id int64) error

	// Conditional single-row mutations. They return false when the guard did
	// not hold, leaving the caller to re-read the row and explain why.
	BookIfOpen(ctx context.Context, id, patientID int64) (bool, error)
	CancelBooking(ctx context.Context, id, patientID int64) (bool, error)
	DeleteIfOpen(ctx context.Context, id, staffID int64) (bool, error)

	// DeleteOpenEndedBefore removes open slots whose end is before cutoff.
	DeleteOpenEndedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// WithTx runs fn against a transactional view of the store. Any error
	// returned by fn rolls everything back.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	InsertEvent(ctx context.Context, ev EventLog) error
}
