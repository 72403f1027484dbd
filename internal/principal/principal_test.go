package principal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoleCapabilities(t *testing.T) {
	tests := []struct {
		role  Role
		owns  bool
		books bool
	}{
		{RoleStaff, true, false},
		{RoleAdmin, true, false},
		{RolePatient, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.role.String(), func(t *testing.T) {
			assert.Equal(t, tt.owns, tt.role.OwnsSlots())
			assert.Equal(t, tt.books, tt.role.BooksSlots())

			parsed, err := ParseRole(tt.role.String())
			require.NoError(t, err)
			assert.Equal(t, tt.role, parsed)
		})
	}

	_, err := ParseRole("doctor")
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestMemoryStoreAssignedStaff(t *testing.T) {
	ctx := context.Background()
	doctor := int64(10)
	store := NewMemoryStore(
		Principal{ID: 10, Role: RoleStaff, DisplayName: "Dr. Ada"},
		Principal{ID: 20, Role: RolePatient, DisplayName: "Pat", AssignedStaffID: &doctor},
	)

	got, err := store.AssignedStaffOf(ctx, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(10), *got)

	_, err = store.AssignedStaffOf(ctx, 10)
	assert.ErrorIs(t, err, ErrNotPatient)

	next := int64(11)
	prev, err := store.SetAssignedStaff(ctx, 20, &next)
	require.NoError(t, err)
	assert.Equal(t, int64(10), *prev)

	got, err = store.AssignedStaffOf(ctx, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(11), *got)

	_, err = store.Get(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)

	names, err := store.DisplayNames(ctx, []int64{10, 20, 99})
	require.NoError(t, err)
	assert.Equal(t, map[int64]string{10: "Dr. Ada", 20: "Pat"}, names)
}
