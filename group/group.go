package group

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

var (
	ErrEmptyName     = errors.New("name can't be empty")
	ErrGroupNotFound = errors.New("group not found")
	ErrAlreadyMember = errors.New("user is already a member")
)

type Group struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedBy uuid.UUID `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

type Member struct {
	GroupID  uuid.UUID `json:"group_id"`
	UserID   uuid.UUID `json:"user_id"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

func NewGroup(name string, createdBy uuid.UUID) (Group, error) {
	if name == "" {
		return Group{}, ErrEmptyName
	}
	return Group{
		ID:        uuid.New(),
		Name:      name,
		CreatedBy: createdBy,
		CreatedAt: time.Now().UTC(),
	}, nil
}
