package appointment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/covigo-scheduling/internal/clock"
)

var (
	ErrEmptyDaySet                 = errors.New("at least one weekday must be selected")
	ErrInvalidSlotDuration         = errors.New("slot duration must be positive")
	ErrInvalidDateRange            = errors.New("dates must satisfy today <= start <= end <= one year from today")
	ErrInvalidWindow               = errors.New("window start must be before its end")
	ErrWindowNotMultipleOfDuration = errors.New("window length must be a multiple of the slot duration")
	ErrInvalidTimeOfDay            = errors.New("time of day must be HH:MM")
	ErrCollision                   = errors.New("slot collides with an existing slot")
	ErrNoMatchingDates             = errors.New("no date in the range falls on a selected weekday")
)

// CollisionError names the first candidate slot that could not be placed.
type CollisionError struct {
	Start time.Time
	End   time.Time
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("slot %s to %s collides with an existing slot",
		e.Start.Format("2006-01-02 15:04"), e.End.Format("15:04"))
}

func (e *CollisionError) Is(target error) bool {
	return target == ErrCollision
}

// TimeOfDay is a wall-clock time as minutes after midnight. 24:00 is accepted
// so a window can run to the end of the day.
type TimeOfDay int

const endOfDay TimeOfDay = 24 * 60

func ParseTimeOfDay(s string) (TimeOfDay, error) {
	if len(s) != 5 || s[2] != ':' {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, s)
	}
	h, err1 := strconv.Atoi(s[:2])
	m, err2 := strconv.Atoi(s[3:])
	if err1 != nil || err2 != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, s)
	}
	t := TimeOfDay(h*60 + m)
	if h < 0 || m < 0 || m > 59 || t > endOfDay {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, s)
	}
	return t, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	v, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// On places t on day's calendar date in day's location.
func (t TimeOfDay) On(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), int(t)/60, int(t)%60, 0, 0, day.Location())
}

type TimeWindow struct {
	Start TimeOfDay `json:"start"`
	End   TimeOfDay `json:"end"`
}

// AvailabilitySpec describes a recurring weekly pattern of open slots.
// StartDate and EndDate are calendar dates; only their Y/M/D is used.
type AvailabilitySpec struct {
	Days        []time.Weekday
	SlotHours   int
	SlotMinutes int
	StartDate   time.Time
	EndDate     time.Time
	Windows     []TimeWindow
}

func (s AvailabilitySpec) SlotDuration() time.Duration {
	return time.Duration(s.SlotHours)*time.Hour + time.Duration(s.SlotMinutes)*time.Minute
}

// Validate checks the spec against today, whose location is used to read
// StartDate and EndDate.
func (s AvailabilitySpec) Validate(today time.Time) error {
	if len(s.Days) == 0 {
		return ErrEmptyDaySet
	}

	if s.SlotHours < 0 || s.SlotMinutes < 0 || s.SlotDuration() <= 0 {
		return ErrInvalidSlotDuration
	}

	today = clock.StartOfDay(today)
	start := calendarDate(s.StartDate, today.Location())
	end := calendarDate(s.EndDate, today.Location())
	if start.Before(today) || end.Before(start) || end.After(today.AddDate(1, 0, 0)) {
		return ErrInvalidDateRange
	}

	if len(s.Windows) == 0 {
		return fmt.Errorf("%w: no time windows given", ErrInvalidWindow)
	}
	step := int(s.SlotDuration() / time.Minute)
	for _, w := range s.Windows {
		if w.Start >= w.End {
			return fmt.Errorf("%w: %s-%s", ErrInvalidWindow, w.Start, w.End)
		}
		if int(w.End-w.Start)%step != 0 {
			return fmt.Errorf("%w: %s-%s", ErrWindowNotMultipleOfDuration, w.Start, w.End)
		}
	}
	return nil
}

func calendarDate(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// GenerateAvailabilities publishes open slots for staffID following spec. The
// whole run happens in one transaction under the staff member's session lock;
// the first collision aborts it and nothing is written.
func (s *Service) GenerateAvailabilities(ctx context.Context, staffID int64, spec AvailabilitySpec) (*GenerateResult, error) {
	role, err := s.users.RoleOf(ctx, staffID)
	if err != nil {
		return nil, fmt.Errorf("load staff role: %w", err)
	}
	if !role.OwnsSlots() {
		return nil, ErrNotStaff
	}

	if err := spec.Validate(s.clock.Today()); err != nil {
		return nil, err
	}

	var result GenerateResult
	err = s.locker.WithSessionLock(ctx, staffID, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(tx Store) error {
			result = GenerateResult{}
			return s.generate(ctx, tx, staffID, spec, &result)
		})
	})
	if err != nil {
		if errors.Is(err, ErrCollision) {
			s.metrics.GenerationCollision()
		}
		return nil, err
	}

	s.metrics.SlotsGenerated(result.Created)
	s.logEvent(ctx, nil, ptr(staffID), EventAvailabilityGenerated, map[string]any{
		"staff_id": staffID,
		"created":  result.Created,
	})
	s.logger.Info("availabilities generated",
		zap.Int64("staff_id", staffID),
		zap.Int("created", result.Created),
	)
	return &result, nil
}

func (s *Service) generate(ctx context.Context, tx Store, staffID int64, spec AvailabilitySpec, result *GenerateResult) error {
	loc := s.clock.Location()
	start := calendarDate(spec.StartDate, loc)
	end := calendarDate(spec.EndDate, loc)
	duration := spec.SlotDuration()

	weekdays := make(map[time.Weekday]bool, len(spec.Days))
	for _, d := range spec.Days {
		weekdays[d] = true
	}

	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		if !weekdays[day.Weekday()] {
			continue
		}

		existing, err := tx.SlotsOnDay(ctx, staffID, day)
		if err != nil {
			return fmt.Errorf("load slots on %s: %w", day.Format(time.DateOnly), err)
		}

		for _, w := range spec.Windows {
			windowEnd := w.End.On(day)
			for cur := w.Start.On(day); cur.Before(windowEnd); cur = cur.Add(duration) {
				candidate := Slot{
					StaffID:   staffID,
					StartTime: cur,
					EndTime:   cur.Add(duration),
				}
				for _, other := range existing {
					if Overlaps(candidate, other) {
						return &CollisionError{Start: candidate.StartTime, End: candidate.EndTime}
					}
				}

				if _, err := tx.Create(ctx, &candidate); err != nil {
					return fmt.Errorf("create slot: %w", err)
				}
				existing = append(existing, candidate)
				result.Slots = append(result.Slots, candidate)
				result.Created++
			}
		}
	}
	if result.Created == 0 {
		return ErrNoMatchingDates
	}
	return nil
}
