package appointment

import (
	"context"
	"errors"
	"fmt"

	"github.com/hackgods/covigo-scheduling/internal/principal"
)

// maxCancelAttempts bounds how often Cancel re-reads a slot that changed
// under it.
const maxCancelAttempts = 3

// Book assigns patientID to an open slot of their assigned doctor.
func (s *Service) Book(ctx context.Context, slotID, patientID int64) error {
	slot, err := s.repo.Get(ctx, slotID)
	if err != nil {
		return err
	}
	if !slot.IsOpen() {
		return ErrSlotAlreadyBooked
	}

	assigned, err := s.users.AssignedStaffOf(ctx, patientID)
	if err != nil && !errors.Is(err, principal.ErrNotPatient) {
		return fmt.Errorf("load assigned doctor: %w", err)
	}
	if assigned == nil || *assigned != slot.StaffID {
		return ErrNotAssignedDoctor
	}

	ok, err := s.repo.BookIfOpen(ctx, slotID, patientID)
	if err != nil {
		return fmt.Errorf("book slot: %w", err)
	}
	if !ok {
		if _, err := s.repo.Get(ctx, slotID); err != nil {
			return err
		}
		return ErrSlotAlreadyBooked
	}

	s.logEvent(ctx, ptr(slotID), ptr(patientID), EventSlotBooked, map[string]any{
		"staff_id":   slot.StaffID,
		"patient_id": patientID,
	})
	s.notifier.Notify(ctx, slot.StaffID,
		fmt.Sprintf("%s booked an appointment for %s.", s.displayName(ctx, patientID), s.formatSlot(*slot)),
		appointmentsHref,
	)
	return nil
}

// Cancel reopens a booked slot. Only the slot's staff member or its booked
// patient may cancel. Cancelling an open slot as its owner is a no-op.
func (s *Service) Cancel(ctx context.Context, slotID, principalID int64) error {
	for attempt := 0; attempt < maxCancelAttempts; attempt++ {
		slot, err := s.repo.Get(ctx, slotID)
		if err != nil {
			return err
		}

		byStaff := slot.StaffID == principalID
		if !byStaff && !slot.BookedBy(principalID) {
			return ErrNotAuthorized
		}
		if slot.IsOpen() {
			return nil
		}
		patientID := *slot.PatientID

		ok, err := s.repo.CancelBooking(ctx, slotID, patientID)
		if err != nil {
			return fmt.Errorf("cancel slot: %w", err)
		}
		if !ok {
			continue
		}

		s.logEvent(ctx, ptr(slotID), ptr(principalID), EventSlotCancelled, map[string]any{
			"staff_id":   slot.StaffID,
			"patient_id": patientID,
		})
		if byStaff {
			s.notifier.Notify(ctx, patientID,
				fmt.Sprintf("%s cancelled your appointment for %s.", s.displayName(ctx, slot.StaffID), s.formatSlot(*slot)),
				appointmentsHref,
			)
		} else {
			s.notifier.Notify(ctx, slot.StaffID,
				fmt.Sprintf("%s cancelled their appointment for %s.", s.displayName(ctx, patientID), s.formatSlot(*slot)),
				appointmentsHref,
			)
		}
		return nil
	}
	return ErrStaleSlot
}

// DeleteAvailability removes an open slot owned by staffID.
func (s *Service) DeleteAvailability(ctx context.Context, slotID, staffID int64) error {
	slot, err := s.repo.Get(ctx, slotID)
	if err != nil {
		return err
	}
	if slot.StaffID != staffID {
		return ErrNotOwner
	}
	if !slot.IsOpen() {
		return ErrSlotIsBooked
	}

	ok, err := s.repo.DeleteIfOpen(ctx, slotID, staffID)
	if err != nil {
		return fmt.Errorf("delete slot: %w", err)
	}
	if !ok {
		if _, err := s.repo.Get(ctx, slotID); err != nil {
			return err
		}
		return ErrSlotIsBooked
	}

	s.logEvent(ctx, ptr(slotID), ptr(staffID), EventSlotDeleted, map[string]any{
		"staff_id": staffID,
	})
	return nil
}

// IsDomainError reports whether err is an expected per-slot rejection rather
// than an infrastructure failure.
func IsDomainError(err error) bool {
	for _, target := range []error{
		ErrSlotNotFound,
		ErrSlotAlreadyBooked,
		ErrSlotIsBooked,
		ErrNotAssignedDoctor,
		ErrNotAuthorized,
		ErrNotOwner,
		ErrStaleSlot,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (s *Service) apply(ctx context.Context, op BatchOp, slotID int64, p principal.Principal) error {
	switch op {
	case OpBook:
		return s.Book(ctx, slotID, p.ID)
	case OpCancel:
		return s.Cancel(ctx, slotID, p.ID)
	case OpDelete:
		return s.DeleteAvailability(ctx, slotID, p.ID)
	default:
		return ErrInvalidBatchOp
	}
}
