// Package agentreg manages the configured agent identities. Agents are
// rows in the user table with is_agent set, so the chat gateway routes
// their membership and messages like any other user.
package agentreg

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/lumichat/agentd/ai/llm"
	"github.com/lumichat/agentd/internal/profile"
	"github.com/lumichat/agentd/store"
)

// Definition is one predefined agent identity.
type Definition struct {
	ID          string
	Nickname    string
	Description string
	Model       string
	Provider    string
}

// Defaults is the built-in catalog seeded at startup. Operators can
// override model and provider per row; UpsertAgentUser keeps non-empty
// existing columns.
var Defaults = []Definition{
	{
		ID:          "agent-veronica",
		Nickname:    "Veronica",
		Description: "General assistant: answers questions, searches the web and digs through chat history.",
	},
	{
		ID:          "agent-coder",
		Nickname:    "Coder",
		Description: "Programming assistant: explains code and runs Python snippets in a sandbox on request.",
	},
}

// SeedStore is the subset of store operations seeding needs.
type SeedStore interface {
	UpsertAgentUser(ctx context.Context, upsert *store.UpsertAgentUser) (*store.User, error)
	ListUsers(ctx context.Context, find *store.FindUser) ([]*store.User, error)
}

// Seed upserts the default catalog. Rows missing a model fall back to
// the profile's configured model and provider.
func Seed(ctx context.Context, s SeedStore, p *profile.Profile) error {
	for _, def := range Defaults {
		model := def.Model
		if model == "" {
			model = p.LLMModel
		}
		provider := def.Provider
		if provider == "" {
			provider = p.LLMProvider
		}
		if _, err := s.UpsertAgentUser(ctx, &store.UpsertAgentUser{
			ID:            def.ID,
			Nickname:      def.Nickname,
			Description:   def.Description,
			AgentModel:    model,
			AgentProvider: provider,
		}); err != nil {
			return errors.Wrapf(err, "failed to seed agent %s", def.ID)
		}
		slog.Info("agent seeded", "agent_id", def.ID, "model", model, "provider", provider)
	}
	return nil
}

// ListAgents returns all agent rows.
func ListAgents(ctx context.Context, s SeedStore) ([]*store.User, error) {
	isAgent := true
	return s.ListUsers(ctx, &store.FindUser{IsAgent: &isAgent})
}

// Resolver builds and caches one model gateway per provider/model
// pair. Agent rows without an explicit model use the profile default.
type Resolver struct {
	profile *profile.Profile

	mu       sync.Mutex
	services map[string]llm.Service
}

func NewResolver(p *profile.Profile) *Resolver {
	return &Resolver{profile: p, services: make(map[string]llm.Service)}
}

// Resolve returns the gateway for an agent identity.
func (r *Resolver) Resolve(agentUser *store.User) (llm.Service, error) {
	provider := agentUser.AgentProvider
	if provider == "" {
		provider = r.profile.LLMProvider
	}
	model := agentUser.AgentModel
	if model == "" {
		model = r.profile.LLMModel
	}
	key := provider + "/" + model

	r.mu.Lock()
	defer r.mu.Unlock()
	if svc, ok := r.services[key]; ok {
		return svc, nil
	}
	svc, err := llm.NewService(&llm.Config{
		Provider: provider,
		Model:    model,
		APIKey:   r.profile.LLMAPIKey,
		BaseURL:  r.profile.LLMBaseURL,
		Timeout:  r.profile.LLMTimeout,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build llm service for %s", key)
	}
	r.services[key] = svc
	return svc, nil
}
