package appointment

import (
	"time"
)

// Slot is one interval on a staff calendar. A nil PatientID means the slot is
// an open availability; otherwise it is a booked appointment.
type Slot struct {
	ID        int64
	StaffID   int64
	PatientID *int64
	StartTime time.Time
	EndTime   time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (s Slot) IsOpen() bool {
	return s.PatientID == nil
}

func (s Slot) BookedBy(patientID int64) bool {
	return s.PatientID != nil && *s.PatientID == patientID
}

// Overlaps reports whether a and b may not coexist on one calendar: an
// endpoint of one lies strictly inside the other, or both share start and end.
// Touching endpoints are allowed.
func Overlaps(a, b Slot) bool {
	return interiorTo(a, b) || interiorTo(b, a) ||
		(a.StartTime.Equal(b.StartTime) && a.EndTime.Equal(b.EndTime))
}

func interiorTo(outer, inner Slot) bool {
	inside := func(t time.Time) bool {
		return outer.StartTime.Before(t) && t.Before(outer.EndTime)
	}
	return inside(inner.StartTime) || inside(inner.EndTime)
}

type EventLog struct {
	ID        int64
	EventType string
	SlotID    *int64
	ActorID   *int64
	Payload   []byte
	CreatedAt time.Time
}

type BatchOp string

const (
	OpBook   BatchOp = "book"
	OpCancel BatchOp = "cancel"
	OpDelete BatchOp = "delete"
)

func (o BatchOp) Valid() bool {
	switch o {
	case OpBook, OpCancel, OpDelete:
		return true
	}
	return false
}

// BatchResult summarises a finished batch job.
type BatchResult struct {
	Op       BatchOp
	Total    int
	Failures int
	Err      error // storage failure that stopped the job early
}

type GenerateResult struct {
	Created int
	Slots   []Slot
}

type ReassignResult struct {
	Moved     int
	Cancelled int
}
