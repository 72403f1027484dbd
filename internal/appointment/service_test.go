package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/covigo-scheduling/internal/clock"
	"github.com/hackgods/covigo-scheduling/internal/config"
	"github.com/hackgods/covigo-scheduling/internal/principal"
	redisclient "github.com/hackgods/covigo-scheduling/internal/redis"
)

// 2024-05-01 is a Wednesday.
var testNow = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

const (
	drGrey     int64 = 10
	drShepherd int64 = 11
	patPat     int64 = 20
	patSam     int64 = 21
)

func at(s string) time.Time {
	t, err := time.ParseInLocation("2006-01-02 15:04", s, time.UTC)
	if err != nil {
		panic(err)
	}
	return t
}

func day(s string) time.Time {
	t, err := time.ParseInLocation(time.DateOnly, s, time.UTC)
	if err != nil {
		panic(err)
	}
	return t
}

type sentNote struct {
	to   int64
	text string
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []sentNote
}

func (r *recordingNotifier) Notify(_ context.Context, recipientID int64, text, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, sentNote{to: recipientID, text: text})
}

func (r *recordingNotifier) to(id int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range r.notes {
		if n.to == id {
			out = append(out, n.text)
		}
	}
	return out
}

type fixture struct {
	svc    *Service
	mem    *MemoryRepository
	users  *principal.MemoryStore
	locker redisclient.Locker
	notes  *recordingNotifier
	mr     *miniredis.Miniredis
}

// newFixture builds a service over an in-memory store and a miniredis-backed
// session locker. wrap may decorate the store.
func newFixture(t *testing.T, wrap func(*MemoryRepository) Store, opts ...Option) *fixture {
	t.Helper()
	return newFixtureWithLockTTL(t, time.Minute, wrap, opts...)
}

func newFixtureWithLockTTL(t *testing.T, lockTTL time.Duration, wrap func(*MemoryRepository) Store, opts ...Option) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb, err := redisclient.Connect(context.Background(), config.RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })

	mem := NewMemoryRepository()
	var store Store = mem
	if wrap != nil {
		store = wrap(mem)
	}

	users := principal.NewMemoryStore(
		principal.Principal{ID: drGrey, Role: principal.RoleStaff, DisplayName: "Dr. Grey"},
		principal.Principal{ID: drShepherd, Role: principal.RoleStaff, DisplayName: "Dr. Shepherd"},
		principal.Principal{ID: patPat, Role: principal.RolePatient, DisplayName: "Pat Doe", AssignedStaffID: ptr(drGrey)},
		principal.Principal{ID: patSam, Role: principal.RolePatient, DisplayName: "Sam Roe", AssignedStaffID: ptr(drShepherd)},
	)
	locker := redisclient.NewRedisSessionLocker(rdb, lockTTL)
	notes := &recordingNotifier{}

	opts = append([]Option{WithClock(clock.Fixed{At: testNow})}, opts...)
	svc := NewService(store, users, locker, notes, opts...)
	t.Cleanup(svc.Wait)

	return &fixture{svc: svc, mem: mem, users: users, locker: locker, notes: notes, mr: mr}
}

func (f *fixture) seed(t *testing.T, staffID int64, patientID *int64, from, to string) Slot {
	t.Helper()
	slot := Slot{StaffID: staffID, PatientID: patientID, StartTime: at(from), EndTime: at(to)}
	_, err := f.mem.Create(context.Background(), &slot)
	require.NoError(t, err)
	return slot
}

func (f *fixture) get(t *testing.T, id int64) *Slot {
	t.Helper()
	slot, err := f.mem.Get(context.Background(), id)
	require.NoError(t, err)
	return slot
}

func (f *fixture) principal(t *testing.T, id int64) principal.Principal {
	t.Helper()
	p, err := f.users.Get(context.Background(), id)
	require.NoError(t, err)
	return *p
}

func TestBook(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	open := f.seed(t, drGrey, nil, "2024-05-03 09:00", "2024-05-03 10:00")

	require.NoError(t, f.svc.Book(ctx, open.ID, patPat))

	slot := f.get(t, open.ID)
	assert.True(t, slot.BookedBy(patPat))
	require.Len(t, f.notes.to(drGrey), 1)
	assert.Contains(t, f.notes.to(drGrey)[0], "Pat Doe booked an appointment")

	events := f.mem.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, EventSlotBooked, events[len(events)-1].EventType)
}

func TestBookRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	booked := f.seed(t, drGrey, ptr(patSam), "2024-05-03 09:00", "2024-05-03 10:00")
	otherDoctor := f.seed(t, drShepherd, nil, "2024-05-03 09:00", "2024-05-03 10:00")

	assert.ErrorIs(t, f.svc.Book(ctx, booked.ID, patPat), ErrSlotAlreadyBooked)
	assert.ErrorIs(t, f.svc.Book(ctx, otherDoctor.ID, patPat), ErrNotAssignedDoctor)
	assert.ErrorIs(t, f.svc.Book(ctx, 9999, patPat), ErrSlotNotFound)

	// staff members have no assigned doctor
	assert.ErrorIs(t, f.svc.Book(ctx, otherDoctor.ID, drGrey), ErrNotAssignedDoctor)

	assert.Nil(t, f.get(t, otherDoctor.ID).PatientID)
	assert.Empty(t, f.notes.to(drShepherd))
}

func TestCancelByPatientNotifiesStaff(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	slot := f.seed(t, drGrey, ptr(patPat), "2024-05-03 09:00", "2024-05-03 10:00")

	require.NoError(t, f.svc.Cancel(ctx, slot.ID, patPat))

	assert.True(t, f.get(t, slot.ID).IsOpen())
	require.Len(t, f.notes.to(drGrey), 1)
	assert.Contains(t, f.notes.to(drGrey)[0], "Pat Doe cancelled their appointment")
}

func TestCancelByStaffNotifiesPatient(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	slot := f.seed(t, drGrey, ptr(patPat), "2024-05-03 09:00", "2024-05-03 10:00")

	require.NoError(t, f.svc.Cancel(ctx, slot.ID, drGrey))

	assert.True(t, f.get(t, slot.ID).IsOpen())
	require.Len(t, f.notes.to(patPat), 1)
	assert.Contains(t, f.notes.to(patPat)[0], "Dr. Grey cancelled your appointment")
}

func TestCancelRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	slot := f.seed(t, drGrey, ptr(patPat), "2024-05-03 09:00", "2024-05-03 10:00")
	open := f.seed(t, drGrey, nil, "2024-05-03 10:00", "2024-05-03 11:00")

	assert.ErrorIs(t, f.svc.Cancel(ctx, slot.ID, patSam), ErrNotAuthorized)
	assert.ErrorIs(t, f.svc.Cancel(ctx, slot.ID, drShepherd), ErrNotAuthorized)
	assert.ErrorIs(t, f.svc.Cancel(ctx, 9999, patPat), ErrSlotNotFound)
	assert.ErrorIs(t, f.svc.Cancel(ctx, open.ID, patPat), ErrNotAuthorized)
	assert.True(t, f.get(t, slot.ID).BookedBy(patPat))

	// the owner cancelling an open slot changes nothing
	require.NoError(t, f.svc.Cancel(ctx, open.ID, drGrey))
	assert.True(t, f.get(t, open.ID).IsOpen())
	assert.Empty(t, f.notes.to(patPat))
}

func TestDeleteAvailability(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	open := f.seed(t, drGrey, nil, "2024-05-03 09:00", "2024-05-03 10:00")
	booked := f.seed(t, drGrey, ptr(patPat), "2024-05-03 10:00", "2024-05-03 11:00")

	assert.ErrorIs(t, f.svc.DeleteAvailability(ctx, open.ID, drShepherd), ErrNotOwner)
	assert.ErrorIs(t, f.svc.DeleteAvailability(ctx, booked.ID, drGrey), ErrSlotIsBooked)
	assert.ErrorIs(t, f.svc.DeleteAvailability(ctx, 9999, drGrey), ErrSlotNotFound)

	require.NoError(t, f.svc.DeleteAvailability(ctx, open.ID, drGrey))
	_, err := f.mem.Get(ctx, open.ID)
	assert.ErrorIs(t, err, ErrSlotNotFound)

	// cancelled first, then deletable
	require.NoError(t, f.svc.Cancel(ctx, booked.ID, drGrey))
	require.NoError(t, f.svc.DeleteAvailability(ctx, booked.ID, drGrey))
}

func TestReassignWithMatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	first := f.seed(t, drGrey, ptr(patPat), "2024-05-03 09:00", "2024-05-03 10:00")
	second := f.seed(t, drGrey, ptr(patPat), "2024-05-03 10:00", "2024-05-03 11:00")
	match1 := f.seed(t, drShepherd, nil, "2024-05-03 09:00", "2024-05-03 10:00")
	match2 := f.seed(t, drShepherd, nil, "2024-05-03 10:00", "2024-05-03 11:00")
	extra := f.seed(t, drShepherd, nil, "2024-05-03 11:00", "2024-05-03 12:00")

	res, err := f.svc.ReassignPatient(ctx, patPat, ptr(drGrey), ptr(drShepherd))
	require.NoError(t, err)
	assert.Equal(t, &ReassignResult{Moved: 2, Cancelled: 0}, res)

	assert.True(t, f.get(t, first.ID).IsOpen())
	assert.True(t, f.get(t, second.ID).IsOpen())
	assert.True(t, f.get(t, match1.ID).BookedBy(patPat))
	assert.True(t, f.get(t, match2.ID).BookedBy(patPat))
	assert.True(t, f.get(t, extra.ID).IsOpen())
}

func TestReassignWithoutMatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	first := f.seed(t, drGrey, ptr(patPat), "2024-05-03 09:00", "2024-05-03 10:00")
	second := f.seed(t, drGrey, ptr(patPat), "2024-05-03 10:00", "2024-05-03 11:00")
	extra := f.seed(t, drShepherd, nil, "2024-05-03 11:00", "2024-05-03 12:00")

	res, err := f.svc.ReassignPatient(ctx, patPat, ptr(drGrey), ptr(drShepherd))
	require.NoError(t, err)
	assert.Equal(t, &ReassignResult{Moved: 0, Cancelled: 2}, res)

	assert.True(t, f.get(t, first.ID).IsOpen())
	assert.True(t, f.get(t, second.ID).IsOpen())
	assert.True(t, f.get(t, extra.ID).IsOpen())
}

func TestReassignKeepsOtherPatientsBookings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	mine := f.seed(t, drGrey, ptr(patPat), "2024-05-03 09:00", "2024-05-03 10:00")
	theirs := f.seed(t, drGrey, ptr(patSam), "2024-05-03 10:00", "2024-05-03 11:00")
	taken := f.seed(t, drShepherd, ptr(patSam), "2024-05-03 09:00", "2024-05-03 10:00")

	res, err := f.svc.ReassignPatient(ctx, patPat, ptr(drGrey), ptr(drShepherd))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Cancelled)

	assert.True(t, f.get(t, mine.ID).IsOpen())
	assert.True(t, f.get(t, theirs.ID).BookedBy(patSam))
	assert.True(t, f.get(t, taken.ID).BookedBy(patSam))
}

// staleTxStore fails the next fail transactions as if another writer got
// there first.
type staleTxStore struct {
	*MemoryRepository
	mu   sync.Mutex
	fail int
}

func (s *staleTxStore) setFailures(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = n
}

func (s *staleTxStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	s.mu.Lock()
	if s.fail > 0 {
		s.fail--
		s.mu.Unlock()
		return fmt.Errorf("release slot: %w", ErrStaleSlot)
	}
	s.mu.Unlock()
	return s.MemoryRepository.WithTx(ctx, fn)
}

func TestAssignStaffRetriesStaleReassign(t *testing.T) {
	ctx := context.Background()
	store := &staleTxStore{fail: maxReassignAttempts - 1}
	f := newFixture(t, func(m *MemoryRepository) Store {
		store.MemoryRepository = m
		return store
	})
	booked := f.seed(t, drGrey, ptr(patPat), "2024-05-03 09:00", "2024-05-03 10:00")
	match := f.seed(t, drShepherd, nil, "2024-05-03 09:00", "2024-05-03 10:00")

	res, err := f.svc.AssignStaff(ctx, patPat, ptr(drShepherd))
	require.NoError(t, err)
	assert.Equal(t, &ReassignResult{Moved: 1}, res)

	assert.True(t, f.get(t, booked.ID).IsOpen())
	assert.True(t, f.get(t, match.ID).BookedBy(patPat))
}

func TestAssignStaffRestoresDoctorWhenReassignFails(t *testing.T) {
	ctx := context.Background()
	store := &staleTxStore{fail: 100}
	f := newFixture(t, func(m *MemoryRepository) Store {
		store.MemoryRepository = m
		return store
	})
	booked := f.seed(t, drGrey, ptr(patPat), "2024-05-03 09:00", "2024-05-03 10:00")
	match := f.seed(t, drShepherd, nil, "2024-05-03 09:00", "2024-05-03 10:00")

	_, err := f.svc.AssignStaff(ctx, patPat, ptr(drShepherd))
	require.ErrorIs(t, err, ErrStaleSlot)

	doctor, err := f.users.AssignedStaffOf(ctx, patPat)
	require.NoError(t, err)
	require.NotNil(t, doctor)
	assert.Equal(t, drGrey, *doctor)
	assert.True(t, f.get(t, booked.ID).BookedBy(patPat))

	// once the store recovers the same request migrates the booking
	store.setFailures(0)
	res, err := f.svc.AssignStaff(ctx, patPat, ptr(drShepherd))
	require.NoError(t, err)
	assert.Equal(t, &ReassignResult{Moved: 1}, res)

	doctor, err = f.users.AssignedStaffOf(ctx, patPat)
	require.NoError(t, err)
	assert.Equal(t, drShepherd, *doctor)
	assert.True(t, f.get(t, booked.ID).IsOpen())
	assert.True(t, f.get(t, match.ID).BookedBy(patPat))
}

func TestReassignNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	slot := f.seed(t, drGrey, ptr(patPat), "2024-05-03 09:00", "2024-05-03 10:00")

	for name, tc := range map[string]struct{ old, new *int64 }{
		"same doctor": {ptr(drGrey), ptr(drGrey)},
		"no old":      {nil, ptr(drShepherd)},
		"no new":      {ptr(drGrey), nil},
	} {
		t.Run(name, func(t *testing.T) {
			res, err := f.svc.ReassignPatient(ctx, patPat, tc.old, tc.new)
			require.NoError(t, err)
			assert.Equal(t, &ReassignResult{}, res)
			assert.True(t, f.get(t, slot.ID).BookedBy(patPat))
		})
	}
}

func TestPruneExpiredAvailabilities(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	old := f.seed(t, drGrey, nil, "2024-04-20 09:00", "2024-04-20 10:00")
	oldBooked := f.seed(t, drGrey, ptr(patPat), "2024-04-20 10:00", "2024-04-20 11:00")
	recent := f.seed(t, drGrey, nil, "2024-04-28 09:00", "2024-04-28 10:00")

	n, err := f.svc.PruneExpiredAvailabilities(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = f.mem.Get(ctx, old.ID)
	assert.ErrorIs(t, err, ErrSlotNotFound)
	f.get(t, oldBooked.ID)
	f.get(t, recent.ID)
}

func TestAvailabilityTable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	later := f.seed(t, drGrey, nil, "2024-05-03 11:00", "2024-05-03 12:00")
	booked := f.seed(t, drGrey, ptr(patPat), "2024-05-03 09:00", "2024-05-03 10:00")
	f.seed(t, drShepherd, nil, "2024-05-03 08:00", "2024-05-03 09:00")

	t.Run("staff", func(t *testing.T) {
		rows, err := f.svc.AvailabilityTable(ctx, f.principal(t, drGrey))
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, booked.ID, rows[0].Slot.ID)
		require.NotNil(t, rows[0].With)
		assert.Equal(t, "Pat Doe", *rows[0].With)
		assert.Equal(t, later.ID, rows[1].Slot.ID)
		assert.Nil(t, rows[1].With)
	})

	t.Run("patient", func(t *testing.T) {
		rows, err := f.svc.AvailabilityTable(ctx, f.principal(t, patPat))
		require.NoError(t, err)
		require.Len(t, rows, 2)
		require.NotNil(t, rows[0].With)
		assert.Equal(t, "Dr. Grey", *rows[0].With)
		assert.Nil(t, rows[1].With)
	})

	t.Run("patient of another doctor", func(t *testing.T) {
		rows, err := f.svc.AvailabilityTable(ctx, f.principal(t, patSam))
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, drShepherd, rows[0].Slot.StaffID)
	})
}

func TestCollisionErrorMessage(t *testing.T) {
	err := &CollisionError{Start: at("2024-05-03 10:30"), End: at("2024-05-03 11:30")}
	assert.True(t, strings.Contains(err.Error(), "2024-05-03 10:30"))
	assert.ErrorIs(t, err, ErrCollision)
}

func TestBookRacesDeleteAvailability(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	for i := 0; i < 50; i++ {
		start := at("2024-05-03 00:00").Add(time.Duration(i) * 15 * time.Minute)
		slot := Slot{StaffID: drGrey, StartTime: start, EndTime: start.Add(15 * time.Minute)}
		_, err := f.mem.Create(ctx, &slot)
		require.NoError(t, err)

		var bookErr, deleteErr error
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			bookErr = f.svc.Book(ctx, slot.ID, patPat)
		}()
		go func() {
			defer wg.Done()
			deleteErr = f.svc.DeleteAvailability(ctx, slot.ID, drGrey)
		}()
		wg.Wait()

		if bookErr == nil {
			assert.ErrorIs(t, deleteErr, ErrSlotIsBooked)
			assert.True(t, f.get(t, slot.ID).BookedBy(patPat))
			continue
		}

		require.NoError(t, deleteErr, "exactly one side must win")
		assert.True(t, errors.Is(bookErr, ErrSlotNotFound) || errors.Is(bookErr, ErrSlotAlreadyBooked), bookErr)
		_, err = f.mem.Get(ctx, slot.ID)
		assert.ErrorIs(t, err, ErrSlotNotFound)
	}
}

func TestBookThenCancelRestoresSlot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	open := f.seed(t, drGrey, nil, "2024-05-03 09:00", "2024-05-03 10:00")

	before := f.get(t, open.ID)
	require.NoError(t, f.svc.Book(ctx, open.ID, patPat))
	require.NoError(t, f.svc.Cancel(ctx, open.ID, patPat))
	after := f.get(t, open.ID)

	after.UpdatedAt = before.UpdatedAt
	assert.Equal(t, before, after)
}
