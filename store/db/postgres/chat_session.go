package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lumichat/agentd/store"
)

func (d *DB) GetChatSession(ctx context.Context, id string) (*store.ChatSession, error) {
	query := `
		SELECT chat_session_id, chat_session_name, chat_session_type, create_time
		FROM chat_session
		WHERE chat_session_id = ` + placeholder(1)

	cs := &store.ChatSession{}
	err := d.db.QueryRowContext(ctx, query, id).Scan(&cs.ID, &cs.Name, &cs.Type, &cs.CreateTime)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get chat session: %w", err)
	}
	return cs, nil
}

func (d *DB) ListSessionMembers(ctx context.Context, sessionID string) ([]*store.SessionMemberInfo, error) {
	query := `
		SELECT csm.user_id, COALESCE(u.nickname, ''), COALESCE(u.description, ''), COALESCE(u.is_agent, FALSE)
		FROM chat_session_member csm
		LEFT JOIN "user" u ON csm.user_id = u.user_id
		WHERE csm.chat_session_id = ` + placeholder(1)

	rows, err := d.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list session members: %w", err)
	}
	defer rows.Close()

	list := make([]*store.SessionMemberInfo, 0)
	for rows.Next() {
		m := &store.SessionMemberInfo{}
		if err := rows.Scan(&m.UserID, &m.Nickname, &m.Description, &m.IsAgent); err != nil {
			return nil, fmt.Errorf("failed to scan session member: %w", err)
		}
		list = append(list, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session members: %w", err)
	}
	return list, nil
}

func (d *DB) ListUserSessions(ctx context.Context, userID string) ([]*store.ChatSession, error) {
	query := `
		SELECT cs.chat_session_id, cs.chat_session_name, cs.chat_session_type, cs.create_time
		FROM chat_session_member csm
		JOIN chat_session cs ON csm.chat_session_id = cs.chat_session_id
		WHERE csm.user_id = ` + placeholder(1)

	rows, err := d.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user sessions: %w", err)
	}
	defer rows.Close()

	list := make([]*store.ChatSession, 0)
	for rows.Next() {
		cs := &store.ChatSession{}
		if err := rows.Scan(&cs.ID, &cs.Name, &cs.Type, &cs.CreateTime); err != nil {
			return nil, fmt.Errorf("failed to scan chat session: %w", err)
		}
		list = append(list, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate user sessions: %w", err)
	}
	return list, nil
}

func (d *DB) AddSessionMember(ctx context.Context, sessionID, userID string) error {
	stmt := `
		INSERT INTO chat_session_member (chat_session_id, user_id)
		VALUES (` + placeholders(2) + `)
		ON CONFLICT (chat_session_id, user_id) DO NOTHING`

	if _, err := d.db.ExecContext(ctx, stmt, sessionID, userID); err != nil {
		return fmt.Errorf("failed to add session member: %w", err)
	}
	return nil
}

func (d *DB) RemoveSessionMember(ctx context.Context, sessionID, userID string) error {
	stmt := `DELETE FROM chat_session_member WHERE chat_session_id = ` + placeholder(1) + ` AND user_id = ` + placeholder(2)
	if _, err := d.db.ExecContext(ctx, stmt, sessionID, userID); err != nil {
		return fmt.Errorf("failed to remove session member: %w", err)
	}
	return nil
}

func (d *DB) IsSessionMember(ctx context.Context, sessionID, userID string) (bool, error) {
	query := `SELECT 1 FROM chat_session_member WHERE chat_session_id = ` + placeholder(1) + ` AND user_id = ` + placeholder(2)
	var one int
	err := d.db.QueryRowContext(ctx, query, sessionID, userID).Scan(&one)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("failed to check session member: %w", err)
	}
	return true, nil
}
