package store

import (
	"context"
	"database/sql"
	"errors"

	"splitledger/internal/models"
)

type MemberStore struct {
	db DB
}

func NewMemberStore(db DB) *MemberStore {
	return &MemberStore{db: db}
}

func (s *MemberStore) GetMember(ctx context.Context, q Getter, memberID string) (models.Member, error) {
	var row models.Member
	err := q.GetContext(ctx, &row, `
		SELECT id, group_id, user_id, display_name, avatar_url, role
		FROM group_members
		WHERE id = $1
	`, memberID)
	if err != nil {
		return models.Member{}, err
	}
	return row, nil
}

// MemberIDsForUser lists the group member rows linked to the user.
func (s *MemberStore) MemberIDsForUser(ctx context.Context, q Selecter, groupID, userID string) ([]string, error) {
	var ids []string
	err := q.SelectContext(ctx, &ids, `
		SELECT id
		FROM group_members
		WHERE group_id = $1 AND user_id = $2
		ORDER BY id
	`, groupID, userID)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *MemberStore) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(1)
		FROM group_members
		WHERE group_id = $1 AND user_id = $2
	`, groupID, userID)
	return count > 0, err
}

func (s *MemberStore) IsAdmin(ctx context.Context, q Getter, groupID, userID string) (bool, error) {
	var role string
	err := q.GetContext(ctx, &role, `
		SELECT role
		FROM group_members
		WHERE group_id = $1 AND user_id = $2 AND role = 'admin'
		LIMIT 1
	`, groupID, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
