package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/covigo-scheduling/internal/clock"
	"github.com/hackgods/covigo-scheduling/internal/metrics"
	"github.com/hackgods/covigo-scheduling/internal/principal"
	redisclient "github.com/hackgods/covigo-scheduling/internal/redis"
)

const (
	EventSlotBooked            = "SLOT_BOOKED"
	EventSlotCancelled         = "SLOT_CANCELLED"
	EventSlotDeleted           = "SLOT_DELETED"
	EventAvailabilityGenerated = "AVAILABILITY_GENERATED"
	EventPatientReassigned     = "PATIENT_REASSIGNED"

	appointmentsHref = "/appointments"
)

var (
	ErrSlotAlreadyBooked = errors.New("slot is already booked")
	ErrSlotIsBooked      = errors.New("slot is booked and must be cancelled before it can be deleted")
	ErrNotAssignedDoctor = errors.New("slot does not belong to the patient's assigned doctor")
	ErrNotAuthorized     = errors.New("not allowed to cancel this slot")
	ErrNotOwner          = errors.New("slot belongs to another staff member")
	ErrNotStaff          = errors.New("principal cannot own availabilities")
	ErrInvalidBatchOp    = errors.New("unknown batch operation")

	// ErrBusy is returned when the principal already has an operation running.
	ErrBusy = redisclient.ErrBusy
)

// Notifier delivers a user-facing notification. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, recipientID int64, text, href string)
}

type Service struct {
	repo     Store
	users    principal.Store
	locker   redisclient.Locker
	notifier Notifier

	clock       clock.Clock
	logger      *zap.Logger
	metrics     *metrics.Scheduling
	batchPacing time.Duration

	jobs sync.WaitGroup
}

type Option func(*Service)

func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithMetrics(m *metrics.Scheduling) Option {
	return func(s *Service) { s.metrics = m }
}

// WithBatchPacing sets how long Batch waits for its job before returning.
func WithBatchPacing(d time.Duration) Option {
	return func(s *Service) { s.batchPacing = d }
}

func NewService(repo Store, users principal.Store, locker redisclient.Locker, notifier Notifier, opts ...Option) *Service {
	s := &Service{
		repo:        repo,
		users:       users,
		locker:      locker,
		notifier:    notifier,
		logger:      zap.NewNop(),
		batchPacing: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = mustUTC()
	}
	return s
}

func mustUTC() clock.Clock {
	c, err := clock.NewSystem("UTC")
	if err != nil {
		panic(err)
	}
	return c
}

func (s *Service) Clock() clock.Clock {
	return s.clock
}

// Wait blocks until every batch job started by this service has finished.
func (s *Service) Wait() {
	s.jobs.Wait()
}

// PruneExpiredAvailabilities removes open slots that ended more than retention
// ago. Booked slots are kept.
func (s *Service) PruneExpiredAvailabilities(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.clock.Now().Add(-retention)
	n, err := s.repo.DeleteOpenEndedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune expired availabilities: %w", err)
	}
	s.metrics.Pruned(n)
	return n, nil
}

// TableRow is one line of a principal's availability table. With names the
// counterparty of a booked slot.
type TableRow struct {
	Slot Slot
	With *string
}

// AvailabilityTable lists what a principal sees on the appointments page.
// Staff see all their own slots. Patients see their doctor's open slots and
// their own bookings.
func (s *Service) AvailabilityTable(ctx context.Context, p principal.Principal) ([]TableRow, error) {
	var slots []Slot

	if p.Role.OwnsSlots() {
		open, err := s.repo.OpenSlots(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("load open slots: %w", err)
		}
		booked, err := s.repo.BookedSlots(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("load booked slots: %w", err)
		}
		slots = append(open, booked...)
	} else {
		if p.AssignedStaffID != nil {
			open, err := s.repo.OpenSlots(ctx, *p.AssignedStaffID)
			if err != nil {
				return nil, fmt.Errorf("load open slots: %w", err)
			}
			slots = open
		}
		mine, err := s.repo.SlotsFor(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("load booked slots: %w", err)
		}
		slots = append(slots, mine...)
	}

	sortSlots(slots)

	var ids []int64
	for _, slot := range slots {
		if slot.IsOpen() {
			continue
		}
		if p.Role.OwnsSlots() {
			ids = append(ids, *slot.PatientID)
		} else {
			ids = append(ids, slot.StaffID)
		}
	}
	names, err := s.users.DisplayNames(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load display names: %w", err)
	}

	rows := make([]TableRow, 0, len(slots))
	for _, slot := range slots {
		row := TableRow{Slot: slot}
		if !slot.IsOpen() {
			id := slot.StaffID
			if p.Role.OwnsSlots() {
				id = *slot.PatientID
			}
			name := names[id]
			row.With = &name
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func sortSlots(slots []Slot) {
	sort.SliceStable(slots, func(i, j int) bool {
		if !slots[i].StartTime.Equal(slots[j].StartTime) {
			return slots[i].StartTime.Before(slots[j].StartTime)
		}
		return slots[i].ID < slots[j].ID
	})
}

func (s *Service) displayName(ctx context.Context, id int64) string {
	names, err := s.users.DisplayNames(ctx, []int64{id})
	if err != nil || names[id] == "" {
		return fmt.Sprintf("user %d", id)
	}
	return names[id]
}

func (s *Service) formatSlot(slot Slot) string {
	loc := s.clock.Location()
	return fmt.Sprintf("%s %s-%s",
		slot.StartTime.In(loc).Format("Mon Jan 2"),
		slot.StartTime.In(loc).Format("15:04"),
		slot.EndTime.In(loc).Format("15:04"),
	)
}

func (s *Service) logEvent(ctx context.Context, slotID, actorID *int64, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("marshal event payload", zap.String("event", eventType), zap.Error(err))
		data = nil
	}

	ev := EventLog{
		EventType: eventType,
		SlotID:    slotID,
		ActorID:   actorID,
		Payload:   data,
		CreatedAt: s.clock.Now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.logger.Warn("insert event log", zap.String("event", eventType), zap.Error(err))
	}
}

func ptr(id int64) *int64 {
	return &id
}
