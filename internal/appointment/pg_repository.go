package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hackgods/covigo-scheduling/internal/clock"
	"github.com/hackgods/covigo-scheduling/internal/db"
)

const slotColumns = `id, staff_id, patient_id, start_time, end_time, created_at, updated_at`

type PgRepository struct {
	db db.DBTX
}

func NewPgRepository(conn db.DBTX) *PgRepository {
	return &PgRepository{db: conn}
}

// Helpers

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot

	err := row.Scan(
		&s.ID,
		&s.StaffID,
		&s.PatientID,
		&s.StartTime,
		&s.EndTime,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}

	return &s, nil
}

func (r *PgRepository) querySlots(ctx context.Context, sql string, args ...any) ([]Slot, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// Interface methods

func (r *PgRepository) Create(ctx context.Context, slot *Slot) (int64, error) {
	slot.StartTime = clock.TruncateToMinute(slot.StartTime)
	slot.EndTime = clock.TruncateToMinute(slot.EndTime)
	if !slot.StartTime.Before(slot.EndTime) {
		return 0, ErrInvalidSlotRange
	}

	err := r.db.QueryRow(ctx, `
		INSERT INTO slots (staff_id, patient_id, start_time, end_time, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		RETURNING id, created_at, updated_at
	`, slot.StaffID, slot.PatientID, slot.StartTime, slot.EndTime).Scan(&slot.ID, &slot.CreatedAt, &slot.UpdatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert slot: %w", err)
	}

	return slot.ID, nil
}

func (r *PgRepository) Get(ctx context.Context, id int64) (*Slot, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE id = $1
	`, id)
	return scanSlot(row)
}

func (r *PgRepository) SlotsOnDay(ctx context.Context, staffID int64, day time.Time) ([]Slot, error) {
	from := clock.StartOfDay(day)
	to := from.AddDate(0, 0, 1)

	return r.querySlots(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE staff_id = $1
		  AND start_time >= $2
		  AND start_time < $3
		ORDER BY start_time, id
	`, staffID, from, to)
}

func (r *PgRepository) OpenSlots(ctx context.Context, staffID int64) ([]Slot, error) {
	return r.querySlots(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE staff_id = $1
		  AND patient_id IS NULL
		ORDER BY start_time, id
	`, staffID)
}

func (r *PgRepository) BookedSlots(ctx context.Context, staffID int64) ([]Slot, error) {
	return r.querySlots(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE staff_id = $1
		  AND patient_id IS NOT NULL
		ORDER BY start_time, id
	`, staffID)
}

func (r *PgRepository) SlotsFor(ctx context.Context, patientID int64) ([]Slot, error) {
	return r.querySlots(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE patient_id = $1
		ORDER BY start_time, id
	`, patientID)
}

func (r *PgRepository) SlotsWith(ctx context.Context, staffID, patientID int64) ([]Slot, error) {
	return r.querySlots(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE staff_id = $1
		  AND patient_id = $2
		ORDER BY start_time, id
	`, staffID, patientID)
}

func (r *PgRepository) Update(ctx context.Context, slot *Slot) error {
	start := clock.TruncateToMinute(slot.StartTime)
	end := clock.TruncateToMinute(slot.EndTime)
	if !start.Before(end) {
		return ErrInvalidSlotRange
	}

	var updatedAt time.Time
	err := r.db.QueryRow(ctx, `
		UPDATE slots
		SET patient_id = $2,
		    start_time = $3,
		    end_time = $4,
		    updated_at = clock_timestamp()
		WHERE id = $1
		  AND updated_at = $5
		RETURNING updated_at
	`, slot.ID, slot.PatientID, start, end, slot.UpdatedAt).Scan(&updatedAt)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("update slot: %w", err)
		}
		if _, getErr := r.Get(ctx, slot.ID); getErr != nil {
			return getErr
		}
		return ErrStaleSlot
	}

	slot.StartTime = start
	slot.EndTime = end
	slot.UpdatedAt = updatedAt
	return nil
}

func (r *PgRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM slots WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSlotNotFound
	}
	return nil
}

func (r *PgRepository) BookIfOpen(ctx context.Context, id, patientID int64) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE slots
		SET patient_id = $2,
		    updated_at = clock_timestamp()
		WHERE id = $1
		  AND patient_id IS NULL
	`, id, patientID)
	if err != nil {
		return false, fmt.Errorf("book slot: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgRepository) CancelBooking(ctx context.Context, id, patientID int64) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE slots
		SET patient_id = NULL,
		    updated_at = clock_timestamp()
		WHERE id = $1
		  AND patient_id = $2
	`, id, patientID)
	if err != nil {
		return false, fmt.Errorf("cancel slot: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgRepository) DeleteIfOpen(ctx context.Context, id, staffID int64) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM slots
		WHERE id = $1
		  AND staff_id = $2
		  AND patient_id IS NULL
	`, id, staffID)
	if err != nil {
		return false, fmt.Errorf("delete open slot: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgRepository) DeleteOpenEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM slots
		WHERE patient_id IS NULL
		  AND end_time < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune open slots: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PgRepository) WithTx(ctx context.Context, fn func(tx Store) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(&PgRepository{db: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO slot_events (event_type, slot_id, actor_id, payload, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
	`, ev.EventType, ev.SlotID, ev.ActorID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
