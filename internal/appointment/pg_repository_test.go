package appointment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRepo(t *testing.T) (*PgRepository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPgRepository(mock), mock
}

func TestPgCreateTruncatesToMinute(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()

	mock.ExpectQuery("INSERT INTO slots").
		WithArgs(int64(10), pgxmock.AnyArg(), at("2024-05-03 09:00"), at("2024-05-03 10:00")).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(int64(7), now, now))

	slot := Slot{
		StaffID:   10,
		StartTime: at("2024-05-03 09:00").Add(42 * time.Second),
		EndTime:   at("2024-05-03 10:00").Add(5 * time.Millisecond),
	}
	id, err := repo.Create(context.Background(), &slot)
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.Equal(t, at("2024-05-03 09:00"), slot.StartTime)
	assert.Equal(t, now, slot.UpdatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgCreateRejectsEmptyRange(t *testing.T) {
	repo, mock := newMockRepo(t)

	// equal once truncated
	slot := Slot{
		StaffID:   10,
		StartTime: at("2024-05-03 09:00").Add(10 * time.Second),
		EndTime:   at("2024-05-03 09:00").Add(50 * time.Second),
	}
	_, err := repo.Create(context.Background(), &slot)
	assert.ErrorIs(t, err, ErrInvalidSlotRange)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgGetNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("SELECT (.+) FROM slots").
		WithArgs(int64(5)).
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.Get(context.Background(), 5)
	assert.ErrorIs(t, err, ErrSlotNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgUpdateOnDeletedRow(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("UPDATE slots").
		WithArgs(int64(5), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT (.+) FROM slots").
		WithArgs(int64(5)).
		WillReturnError(pgx.ErrNoRows)

	slot := Slot{ID: 5, StaffID: 10, StartTime: at("2024-05-03 09:00"), EndTime: at("2024-05-03 10:00")}
	err := repo.Update(context.Background(), &slot)
	assert.ErrorIs(t, err, ErrSlotNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgBookIfOpen(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{name: "open", affected: 1, want: true},
		{name: "taken", affected: 0, want: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			repo, mock := newMockRepo(t)
			mock.ExpectExec("UPDATE slots").
				WithArgs(int64(3), int64(20)).
				WillReturnResult(pgxmock.NewResult("UPDATE", tc.affected))

			ok, err := repo.BookIfOpen(context.Background(), 3, 20)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ok)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPgCancelBookingGuardsPatient(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec("UPDATE slots").
		WithArgs(int64(3), int64(20)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := repo.CancelBooking(context.Background(), 3, 20)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgDeleteIfOpenError(t *testing.T) {
	repo, mock := newMockRepo(t)
	boom := errors.New("boom")
	mock.ExpectExec("DELETE FROM slots").
		WithArgs(int64(3), int64(10)).
		WillReturnError(boom)

	_, err := repo.DeleteIfOpen(context.Background(), 3, 10)
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgDeleteOpenEndedBefore(t *testing.T) {
	repo, mock := newMockRepo(t)
	cutoff := at("2024-04-24 08:00")
	mock.ExpectExec("DELETE FROM slots").
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 4))

	n, err := repo.DeleteOpenEndedBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgDeleteMissing(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec("DELETE FROM slots").
		WithArgs(int64(9)).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	assert.ErrorIs(t, repo.Delete(context.Background(), 9), ErrSlotNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgWithTx(t *testing.T) {
	t.Run("commit", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectBegin()
		mock.ExpectExec("DELETE FROM slots").
			WithArgs(int64(3), int64(10)).
			WillReturnResult(pgxmock.NewResult("DELETE", 1))
		mock.ExpectCommit()

		err := repo.WithTx(context.Background(), func(tx Store) error {
			_, err := tx.DeleteIfOpen(context.Background(), 3, 10)
			return err
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rollback", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectBegin()
		mock.ExpectRollback()

		err := repo.WithTx(context.Background(), func(Store) error {
			return &CollisionError{Start: at("2024-05-03 09:00"), End: at("2024-05-03 10:00")}
		})
		assert.ErrorIs(t, err, ErrCollision)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPgInsertEvent(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec("INSERT INTO slot_events").
		WithArgs(EventSlotBooked, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := repo.InsertEvent(context.Background(), EventLog{
		EventType: EventSlotBooked,
		SlotID:    ptr(3),
		ActorID:   ptr(20),
		Payload:   []byte(`{"staff_id":10}`),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
