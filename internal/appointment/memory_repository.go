package appointment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hackgods/covigo-scheduling/internal/clock"
)

// MemoryRepository keeps slots in process. Transactions hold the store lock
// for their whole duration and restore a snapshot on error.
type MemoryRepository struct {
	mu    sync.Mutex
	state *memState
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{state: &memState{slots: make(map[int64]Slot)}}
}

// Events returns a copy of the recorded event log.
func (m *MemoryRepository) Events() []EventLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]EventLog(nil), m.state.events...)
}

func (m *MemoryRepository) Create(ctx context.Context, slot *Slot) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Create(ctx, slot)
}

func (m *MemoryRepository) Get(ctx context.Context, id int64) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Get(ctx, id)
}

func (m *MemoryRepository) SlotsOnDay(ctx context.Context, staffID int64, day time.Time) ([]Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SlotsOnDay(ctx, staffID, day)
}

func (m *MemoryRepository) OpenSlots(ctx context.Context, staffID int64) ([]Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.OpenSlots(ctx, staffID)
}

func (m *MemoryRepository) BookedSlots(ctx context.Context, staffID int64) ([]Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.BookedSlots(ctx, staffID)
}

func (m *MemoryRepository) SlotsFor(ctx context.Context, patientID int64) ([]Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SlotsFor(ctx, patientID)
}

func (m *MemoryRepository) SlotsWith(ctx context.Context, staffID, patientID int64) ([]Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SlotsWith(ctx, staffID, patientID)
}

func (m *MemoryRepository) Update(ctx context.Context, slot *Slot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Update(ctx, slot)
}

func (m *MemoryRepository) Delete(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Delete(ctx, id)
}

func (m *MemoryRepository) BookIfOpen(ctx context.Context, id, patientID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.BookIfOpen(ctx, id, patientID)
}

func (m *MemoryRepository) CancelBooking(ctx context.Context, id, patientID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.CancelBooking(ctx, id, patientID)
}

func (m *MemoryRepository) DeleteIfOpen(ctx context.Context, id, staffID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.DeleteIfOpen(ctx, id, staffID)
}

func (m *MemoryRepository) DeleteOpenEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.DeleteOpenEndedBefore(ctx, cutoff)
}

func (m *MemoryRepository) WithTx(ctx context.Context, fn func(tx Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.WithTx(ctx, fn)
}

func (m *MemoryRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.InsertEvent(ctx, ev)
}

// memState is the unlocked store; callers serialise access.
type memState struct {
	slots    map[int64]Slot
	nextID   int64
	events   []EventLog
	lastTick time.Time
}

// tick returns a strictly increasing timestamp so UpdatedAt always changes.
func (s *memState) tick() time.Time {
	now := time.Now()
	if !now.After(s.lastTick) {
		now = s.lastTick.Add(time.Microsecond)
	}
	s.lastTick = now
	return now
}

func (s *memState) Create(_ context.Context, slot *Slot) (int64, error) {
	slot.StartTime = clock.TruncateToMinute(slot.StartTime)
	slot.EndTime = clock.TruncateToMinute(slot.EndTime)
	if !slot.StartTime.Before(slot.EndTime) {
		return 0, ErrInvalidSlotRange
	}

	s.nextID++
	now := s.tick()
	slot.ID = s.nextID
	slot.CreatedAt = now
	slot.UpdatedAt = now
	s.slots[slot.ID] = copySlot(*slot)
	return slot.ID, nil
}

func (s *memState) Get(_ context.Context, id int64) (*Slot, error) {
	slot, ok := s.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	out := copySlot(slot)
	return &out, nil
}

func (s *memState) filter(keep func(Slot) bool) []Slot {
	var out []Slot
	for _, slot := range s.slots {
		if keep(slot) {
			out = append(out, copySlot(slot))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *memState) SlotsOnDay(_ context.Context, staffID int64, day time.Time) ([]Slot, error) {
	from := clock.StartOfDay(day)
	to := from.AddDate(0, 0, 1)
	return s.filter(func(slot Slot) bool {
		return slot.StaffID == staffID && !slot.StartTime.Before(from) && slot.StartTime.Before(to)
	}), nil
}

func (s *memState) OpenSlots(_ context.Context, staffID int64) ([]Slot, error) {
	return s.filter(func(slot Slot) bool {
		return slot.StaffID == staffID && slot.IsOpen()
	}), nil
}

func (s *memState) BookedSlots(_ context.Context, staffID int64) ([]Slot, error) {
	return s.filter(func(slot Slot) bool {
		return slot.StaffID == staffID && !slot.IsOpen()
	}), nil
}

func (s *memState) SlotsFor(_ context.Context, patientID int64) ([]Slot, error) {
	return s.filter(func(slot Slot) bool {
		return slot.BookedBy(patientID)
	}), nil
}

func (s *memState) SlotsWith(_ context.Context, staffID, patientID int64) ([]Slot, error) {
	return s.filter(func(slot Slot) bool {
		return slot.StaffID == staffID && slot.BookedBy(patientID)
	}), nil
}

func (s *memState) Update(_ context.Context, slot *Slot) error {
	stored, ok := s.slots[slot.ID]
	if !ok {
		return ErrSlotNotFound
	}
	if !stored.UpdatedAt.Equal(slot.UpdatedAt) {
		return ErrStaleSlot
	}

	start := clock.TruncateToMinute(slot.StartTime)
	end := clock.TruncateToMinute(slot.EndTime)
	if !start.Before(end) {
		return ErrInvalidSlotRange
	}

	stored.PatientID = copyID(slot.PatientID)
	stored.StartTime = start
	stored.EndTime = end
	stored.UpdatedAt = s.tick()
	s.slots[slot.ID] = stored

	slot.StartTime = start
	slot.EndTime = end
	slot.UpdatedAt = stored.UpdatedAt
	return nil
}

func (s *memState) Delete(_ context.Context, id int64) error {
	if _, ok := s.slots[id]; !ok {
		return ErrSlotNotFound
	}
	delete(s.slots, id)
	return nil
}

func (s *memState) BookIfOpen(_ context.Context, id, patientID int64) (bool, error) {
	slot, ok := s.slots[id]
	if !ok || !slot.IsOpen() {
		return false, nil
	}
	slot.PatientID = &patientID
	slot.UpdatedAt = s.tick()
	s.slots[id] = slot
	return true, nil
}

func (s *memState) CancelBooking(_ context.Context, id, patientID int64) (bool, error) {
	slot, ok := s.slots[id]
	if !ok || !slot.BookedBy(patientID) {
		return false, nil
	}
	slot.PatientID = nil
	slot.UpdatedAt = s.tick()
	s.slots[id] = slot
	return true, nil
}

func (s *memState) DeleteIfOpen(_ context.Context, id, staffID int64) (bool, error) {
	slot, ok := s.slots[id]
	if !ok || slot.StaffID != staffID || !slot.IsOpen() {
		return false, nil
	}
	delete(s.slots, id)
	return true, nil
}

func (s *memState) DeleteOpenEndedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	var n int64
	for id, slot := range s.slots {
		if slot.IsOpen() && slot.EndTime.Before(cutoff) {
			delete(s.slots, id)
			n++
		}
	}
	return n, nil
}

func (s *memState) WithTx(_ context.Context, fn func(tx Store) error) error {
	snapshot := make(map[int64]Slot, len(s.slots))
	for id, slot := range s.slots {
		snapshot[id] = slot
	}
	nextID, events := s.nextID, len(s.events)

	if err := fn(s); err != nil {
		s.slots = snapshot
		s.nextID = nextID
		s.events = s.events[:events]
		return err
	}
	return nil
}

func (s *memState) InsertEvent(_ context.Context, ev EventLog) error {
	s.events = append(s.events, ev)
	return nil
}

func copySlot(s Slot) Slot {
	s.PatientID = copyID(s.PatientID)
	return s
}

func copyID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}
