package principal

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound    = errors.New("principal not found")
	ErrNotPatient  = errors.New("principal is not a patient")
	ErrInvalidRole = errors.New("invalid role")
)

// Role is the capability set of a principal. Admins own slots the same way
// staff do but are kept distinct so the two can diverge.
type Role int

const (
	RoleStaff Role = iota + 1
	RolePatient
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleStaff:
		return "staff"
	case RolePatient:
		return "patient"
	case RoleAdmin:
		return "admin"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

func ParseRole(s string) (Role, error) {
	switch s {
	case "staff":
		return RoleStaff, nil
	case "patient":
		return RolePatient, nil
	case "admin":
		return RoleAdmin, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

// OwnsSlots reports whether the role may publish and delete availabilities.
func (r Role) OwnsSlots() bool {
	return r == RoleStaff || r == RoleAdmin
}

// BooksSlots reports whether the role may book availabilities.
func (r Role) BooksSlots() bool {
	return r == RolePatient
}

type Principal struct {
	ID              int64
	Role            Role
	DisplayName     string
	AssignedStaffID *int64
}

// Store is the slice of the user directory the scheduler depends on.
type Store interface {
	Get(ctx context.Context, id int64) (*Principal, error)
	RoleOf(ctx context.Context, id int64) (Role, error)
	AssignedStaffOf(ctx context.Context, patientID int64) (*int64, error)
	// SetAssignedStaff stores a new assigned doctor and returns the previous one.
	SetAssignedStaff(ctx context.Context, patientID int64, staffID *int64) (*int64, error)
	DisplayNames(ctx context.Context, ids []int64) (map[int64]string, error)
}
