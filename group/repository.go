package group

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *repository {
	return &repository{db: db}
}

// CreateNew inserts the group and enrolls the creator as admin in one
// transaction.
func (r *repository) CreateNew(ctx context.Context, g Group) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	insertGroup := `INSERT INTO groups (id, name, created_by, created_at) VALUES ($1, $2, $3, $4)`
	_, err = tx.ExecContext(ctx, insertGroup, g.ID, g.Name, g.CreatedBy, g.CreatedAt)
	if err != nil {
		return err
	}

	insertMember := `INSERT INTO group_members (group_id, user_id, role, joined_at) VALUES ($1, $2, $3, $4)`
	_, err = tx.ExecContext(ctx, insertMember, g.ID, g.CreatedBy, RoleAdmin, g.CreatedAt)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (r *repository) GetByID(ctx context.Context, groupID uuid.UUID) (*Group, error) {
	query := `SELECT id, name, created_by, created_at FROM groups WHERE id = $1`

	var g Group
	err := r.db.QueryRowContext(ctx, query, groupID).Scan(&g.ID, &g.Name, &g.CreatedBy, &g.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying group: %w", err)
	}
	return &g, nil
}

func (r *repository) AddMember(ctx context.Context, groupID, userID uuid.UUID, role Role) error {
	member, err := r.IsMember(ctx, userID, groupID)
	if err != nil {
		return err
	}
	if member {
		return ErrAlreadyMember
	}

	query := `INSERT INTO group_members (group_id, user_id, role, joined_at) VALUES ($1, $2, $3, $4)`
	_, err = r.db.ExecContext(ctx, query, groupID, userID, role, time.Now().UTC())
	return err
}

func (r *repository) RemoveMember(ctx context.Context, groupID, userID uuid.UUID) error {
	query := `DELETE FROM group_members WHERE group_id = $1 AND user_id = $2`
	_, err := r.db.ExecContext(ctx, query, groupID, userID)
	return err
}

func (r *repository) Members(ctx context.Context, groupID uuid.UUID) ([]Member, error) {
	query := `SELECT group_id, user_id, role, joined_at FROM group_members WHERE group_id = $1`

	rows, err := r.db.QueryContext(ctx, query, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.GroupID, &m.UserID, &m.Role, &m.JoinedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (r *repository) GroupsByUser(ctx context.Context, userID uuid.UUID) ([]Group, error) {
	query := `SELECT g.id, g.name, g.created_by, g.created_at
	          FROM groups g
	          INNER JOIN group_members gm ON g.id = gm.group_id
	          WHERE gm.user_id = $1
	          ORDER BY g.created_at ASC`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Name, &g.CreatedBy, &g.CreatedAt); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (r *repository) IsMember(ctx context.Context, userID, groupID uuid.UUID) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM group_members WHERE group_id = $1 AND user_id = $2)`

	var exists bool
	if err := r.db.QueryRowContext(ctx, query, groupID, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("querying membership: %w", err)
	}
	return exists, nil
}

func (r *repository) IsAdmin(ctx context.Context, userID, groupID uuid.UUID) (bool, error) {
	query := `SELECT role FROM group_members WHERE group_id = $1 AND user_id = $2`

	var role Role
	err := r.db.QueryRowContext(ctx, query, groupID, userID).Scan(&role)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("querying member role: %w", err)
	}
	return role == RoleAdmin, nil
}
