package principal

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/hackgods/covigo-scheduling/internal/db"
)

type PgStore struct {
	db db.DBTX
}

func NewPgStore(conn db.DBTX) *PgStore {
	return &PgStore{db: conn}
}

func scanPrincipal(row pgx.Row) (*Principal, error) {
	var p Principal
	var role string

	err := row.Scan(&p.ID, &role, &p.DisplayName, &p.AssignedStaffID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	p.Role, err = ParseRole(role)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PgStore) Get(ctx context.Context, id int64) (*Principal, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, role, display_name, assigned_staff_id
		FROM users
		WHERE id = $1
	`, id)
	return scanPrincipal(row)
}

func (s *PgStore) RoleOf(ctx context.Context, id int64) (Role, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return p.Role, nil
}

func (s *PgStore) AssignedStaffOf(ctx context.Context, patientID int64) (*int64, error) {
	p, err := s.Get(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if p.Role != RolePatient {
		return nil, ErrNotPatient
	}
	return p.AssignedStaffID, nil
}

func (s *PgStore) SetAssignedStaff(ctx context.Context, patientID int64, staffID *int64) (*int64, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}

	previous, err := setAssignedStaff(ctx, tx, patientID, staffID)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return previous, nil
}

func setAssignedStaff(ctx context.Context, tx pgx.Tx, patientID int64, staffID *int64) (*int64, error) {
	p, err := scanPrincipal(tx.QueryRow(ctx, `
		SELECT id, role, display_name, assigned_staff_id
		FROM users
		WHERE id = $1
		FOR UPDATE
	`, patientID))
	if err != nil {
		return nil, err
	}
	if p.Role != RolePatient {
		return nil, ErrNotPatient
	}

	if _, err := tx.Exec(ctx, `
		UPDATE users
		SET assigned_staff_id = $2
		WHERE id = $1
	`, patientID, staffID); err != nil {
		return nil, fmt.Errorf("update assigned staff: %w", err)
	}
	return p.AssignedStaffID, nil
}

func (s *PgStore) DisplayNames(ctx context.Context, ids []int64) (map[int64]string, error) {
	names := make(map[int64]string, len(ids))
	if len(ids) == 0 {
		return names, nil
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, display_name
		FROM users
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		names[id] = name
	}
	return names, rows.Err()
}

// Insert adds a user row. Used by the seeder; regular user management lives elsewhere.
func (s *PgStore) Insert(ctx context.Context, p *Principal) error {
	err := s.db.QueryRow(ctx, `
		INSERT INTO users (role, display_name, assigned_staff_id)
		VALUES ($1, $2, $3)
		RETURNING id
	`, p.Role.String(), p.DisplayName, p.AssignedStaffID).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}
