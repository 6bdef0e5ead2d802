package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/lumichat/agentd/store"
)

func (d *DB) ListUsers(ctx context.Context, find *store.FindUser) ([]*store.User, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "user_id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.IsAgent != nil {
		where, args = append(where, "is_agent = "+placeholder(len(args)+1)), append(args, *find.IsAgent)
	}

	query := `
		SELECT user_id, nickname, description, phone, is_agent, agent_model, agent_provider, create_time
		FROM "user"
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY user_id`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	list := make([]*store.User, 0)
	for rows.Next() {
		u := &store.User{}
		if err := rows.Scan(&u.ID, &u.Nickname, &u.Description, &u.Phone, &u.IsAgent, &u.AgentModel, &u.AgentProvider, &u.CreateTime); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		list = append(list, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate users: %w", err)
	}
	return list, nil
}

// UpsertAgentUser inserts or refreshes an agent identity row. NULLIF +
// COALESCE keeps existing column values when the upsert field is empty,
// so operator overrides in the database survive restarts.
func (d *DB) UpsertAgentUser(ctx context.Context, upsert *store.UpsertAgentUser) (*store.User, error) {
	stmt := `
		INSERT INTO "user" (user_id, nickname, description, is_agent, agent_model, agent_provider)
		VALUES (` + placeholders(6) + `)
		ON CONFLICT (user_id) DO UPDATE SET
			nickname = COALESCE(NULLIF(EXCLUDED.nickname, ''), "user".nickname),
			description = COALESCE(NULLIF(EXCLUDED.description, ''), "user".description),
			is_agent = TRUE,
			agent_model = COALESCE(NULLIF(EXCLUDED.agent_model, ''), "user".agent_model),
			agent_provider = COALESCE(NULLIF(EXCLUDED.agent_provider, ''), "user".agent_provider)
		RETURNING user_id, nickname, description, phone, is_agent, agent_model, agent_provider, create_time`

	u := &store.User{}
	err := d.db.QueryRowContext(ctx, stmt,
		upsert.ID, upsert.Nickname, upsert.Description, true, upsert.AgentModel, upsert.AgentProvider,
	).Scan(&u.ID, &u.Nickname, &u.Description, &u.Phone, &u.IsAgent, &u.AgentModel, &u.AgentProvider, &u.CreateTime)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert agent user: %w", err)
	}
	return u, nil
}
