package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lumichat/agentd/store"
)

// UpsertMessage writes a message idempotently on its id. A repeated
// write with the same message_id replaces the content only.
func (d *DB) UpsertMessage(ctx context.Context, msg *store.Message) error {
	stmt := `
		INSERT INTO message (message_id, session_id, user_id, message_type, content, create_time)
		VALUES (` + placeholders(6) + `)
		ON CONFLICT (message_id) DO UPDATE SET content = EXCLUDED.content`

	if _, err := d.db.ExecContext(ctx, stmt,
		msg.ID, msg.SessionID, msg.SenderID, msg.MessageType, msg.Content, msg.CreateTime,
	); err != nil {
		return fmt.Errorf("failed to upsert message: %w", err)
	}
	return nil
}

func (d *DB) GetMessage(ctx context.Context, id string) (*store.Message, error) {
	query := `
		SELECT message_id, session_id, user_id, message_type, content, create_time
		FROM message
		WHERE message_id = ` + placeholder(1)

	m := &store.Message{}
	err := d.db.QueryRowContext(ctx, query, id).Scan(&m.ID, &m.SessionID, &m.SenderID, &m.MessageType, &m.Content, &m.CreateTime)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return m, nil
}

func (d *DB) ListMessagesWithSender(ctx context.Context, find *store.FindMessage) ([]*store.MessageWithSender, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.SessionID != nil {
		where, args = append(where, "m.session_id = "+placeholder(len(args)+1)), append(args, *find.SessionID)
	}
	if find.TextOnly {
		where = append(where, "m.message_type = 0")
	}
	if find.ContentLike != nil {
		where, args = append(where, "m.content LIKE "+placeholder(len(args)+1)), append(args, "%"+*find.ContentLike+"%")
	}

	query := `
		SELECT
			m.message_id, m.session_id, m.user_id, m.message_type, m.content, m.create_time,
			COALESCE(u.nickname, ''), COALESCE(u.is_agent, FALSE)
		FROM message m
		LEFT JOIN "user" u ON m.user_id = u.user_id
		WHERE ` + strings.Join(where, " AND ")

	if find.OrderByTimeDesc {
		query += ` ORDER BY m.create_time DESC`
	} else {
		query += ` ORDER BY m.create_time ASC`
	}
	if find.Limit > 0 {
		query += " LIMIT " + placeholder(len(args)+1)
		args = append(args, find.Limit)
	}
	if find.Offset > 0 {
		query += " OFFSET " + placeholder(len(args)+1)
		args = append(args, find.Offset)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	list := make([]*store.MessageWithSender, 0)
	for rows.Next() {
		m := &store.MessageWithSender{}
		if err := rows.Scan(&m.ID, &m.SessionID, &m.SenderID, &m.MessageType, &m.Content, &m.CreateTime, &m.SenderNickname, &m.SenderIsAgent); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		list = append(list, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return list, nil
}
