package principal

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PgStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPgStore(mock), mock
}

func TestPgGetNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM users").
		WithArgs(int64(99)).
		WillReturnError(pgx.ErrNoRows)

	_, err := store.RoleOf(context.Background(), 99)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgSetAssignedStaffRollsBackOnMissingPatient(t *testing.T) {
	store, mock := newMockStore(t)
	doc := int64(11)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM users (.+) FOR UPDATE").
		WithArgs(int64(99)).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := store.SetAssignedStaff(context.Background(), 99, &doc)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgSetAssignedStaffBeginFails(t *testing.T) {
	store, mock := newMockStore(t)
	boom := errors.New("connection reset")

	mock.ExpectBegin().WillReturnError(boom)

	_, err := store.SetAssignedStaff(context.Background(), 20, nil)
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgDisplayNames(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, display_name FROM users").
		WithArgs([]int64{10, 20}).
		WillReturnRows(pgxmock.NewRows([]string{"id", "display_name"}).
			AddRow(int64(10), "Dr. Grey").
			AddRow(int64(20), "Pat Doe"))

	names, err := store.DisplayNames(context.Background(), []int64{10, 20})
	require.NoError(t, err)
	assert.Equal(t, map[int64]string{10: "Dr. Grey", 20: "Pat Doe"}, names)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgDisplayNamesEmpty(t *testing.T) {
	store, mock := newMockStore(t)

	names, err := store.DisplayNames(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, names)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgInsert(t *testing.T) {
	store, mock := newMockStore(t)
	doc := int64(10)

	mock.ExpectQuery("INSERT INTO users").
		WithArgs("patient", "Pat Doe", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(42)))

	p := Principal{Role: RolePatient, DisplayName: "Pat Doe", AssignedStaffID: &doc}
	require.NoError(t, store.Insert(context.Background(), &p))
	assert.Equal(t, int64(42), p.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
