package appointment

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hackgods/covigo-scheduling/internal/clock"
)

const maxReassignAttempts = 3

// AssignStaff points the patient at a new doctor and moves their bookings.
// The user directory and the slot store do not share a transaction, so when
// the move fails the previous doctor is written back and a retry starts from
// the original state.
func (s *Service) AssignStaff(ctx context.Context, patientID int64, staffID *int64) (*ReassignResult, error) {
	prev, err := s.users.SetAssignedStaff(ctx, patientID, staffID)
	if err != nil {
		return nil, err
	}

	result, err := s.ReassignPatient(ctx, patientID, prev, staffID)
	if err != nil {
		if _, restoreErr := s.users.SetAssignedStaff(context.WithoutCancel(ctx), patientID, prev); restoreErr != nil {
			s.logger.Error("restore assigned staff",
				zap.Int64("patient_id", patientID),
				zap.Error(restoreErr),
			)
		}
		return nil, err
	}
	return result, nil
}

// ReassignPatient moves a patient's bookings from oldStaffID to newStaffID.
// Each booking is released; if the new doctor has an open slot with the same
// start and end minute, the patient takes it. Otherwise the booking is simply
// cancelled. Nothing happens unless both doctors are set and differ.
func (s *Service) ReassignPatient(ctx context.Context, patientID int64, oldStaffID, newStaffID *int64) (*ReassignResult, error) {
	result := &ReassignResult{}
	if oldStaffID == nil || newStaffID == nil || *oldStaffID == *newStaffID {
		return result, nil
	}
	oldID, newID := *oldStaffID, *newStaffID

	var err error
	for attempt := 0; attempt < maxReassignAttempts; attempt++ {
		err = s.repo.WithTx(ctx, func(tx Store) error {
			*result = ReassignResult{}
			return moveBookings(ctx, tx, patientID, oldID, newID, result)
		})
		if !errors.Is(err, ErrStaleSlot) {
			break
		}
		s.logger.Debug("reassign hit a concurrent change, retrying",
			zap.Int64("patient_id", patientID),
			zap.Int("attempt", attempt+1),
		)
	}
	if err != nil {
		return nil, err
	}

	if result.Moved+result.Cancelled > 0 {
		s.metrics.Reassigned(result.Moved, result.Cancelled)
		s.logEvent(ctx, nil, nil, EventPatientReassigned, map[string]any{
			"patient_id":   patientID,
			"old_staff_id": oldID,
			"new_staff_id": newID,
			"moved":        result.Moved,
			"cancelled":    result.Cancelled,
		})
	}
	s.logger.Info("patient reassigned",
		zap.Int64("patient_id", patientID),
		zap.Int64("old_staff_id", oldID),
		zap.Int64("new_staff_id", newID),
		zap.Int("moved", result.Moved),
		zap.Int("cancelled", result.Cancelled),
	)
	return result, nil
}

func moveBookings(ctx context.Context, tx Store, patientID, oldID, newID int64, result *ReassignResult) error {
	booked, err := tx.SlotsWith(ctx, oldID, patientID)
	if err != nil {
		return fmt.Errorf("load bookings: %w", err)
	}
	if len(booked) == 0 {
		return nil
	}

	candidates, err := tx.OpenSlots(ctx, newID)
	if err != nil {
		return fmt.Errorf("load open slots: %w", err)
	}

	for i := range booked {
		slot := booked[i]
		slot.PatientID = nil
		if err := tx.Update(ctx, &slot); err != nil {
			return fmt.Errorf("release slot %d: %w", slot.ID, err)
		}

		idx := matchingSlot(candidates, slot)
		if idx < 0 {
			result.Cancelled++
			continue
		}

		match := candidates[idx]
		candidates = append(candidates[:idx], candidates[idx+1:]...)
		match.PatientID = ptr(patientID)
		if err := tx.Update(ctx, &match); err != nil {
			return fmt.Errorf("book slot %d: %w", match.ID, err)
		}
		result.Moved++
	}
	return nil
}

func matchingSlot(candidates []Slot, booked Slot) int {
	for i, c := range candidates {
		if clock.SameMinute(c.StartTime, booked.StartTime) && clock.SameMinute(c.EndTime, booked.EndTime) {
			return i
		}
	}
	return -1
}
