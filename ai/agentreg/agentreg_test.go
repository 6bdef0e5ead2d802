package agentreg

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumichat/agentd/internal/profile"
	"github.com/lumichat/agentd/store"
)

type fakeSeedStore struct {
	upserts []*store.UpsertAgentUser
}

func (f *fakeSeedStore) UpsertAgentUser(_ context.Context, upsert *store.UpsertAgentUser) (*store.User, error) {
	f.upserts = append(f.upserts, upsert)
	return &store.User{ID: upsert.ID, Nickname: upsert.Nickname, IsAgent: true}, nil
}

func (f *fakeSeedStore) ListUsers(context.Context, *store.FindUser) ([]*store.User, error) {
	out := make([]*store.User, 0, len(f.upserts))
	for _, u := range f.upserts {
		out = append(out, &store.User{ID: u.ID, Nickname: u.Nickname, IsAgent: true})
	}
	return out, nil
}

func TestSeedFillsProfileDefaults(t *testing.T) {
	fs := &fakeSeedStore{}
	p := &profile.Profile{LLMProvider: "openai", LLMModel: "gpt-4o"}

	require.NoError(t, Seed(context.Background(), fs, p))
	require.Len(t, fs.upserts, len(Defaults))
	for _, upsert := range fs.upserts {
		assert.Equal(t, "gpt-4o", upsert.AgentModel)
		assert.Equal(t, "openai", upsert.AgentProvider)
		assert.NotEmpty(t, upsert.Nickname)
	}

	agents, err := ListAgents(context.Background(), fs)
	require.NoError(t, err)
	assert.Len(t, agents, len(Defaults))
}

func TestResolverCachesPerProviderModel(t *testing.T) {
	r := NewResolver(&profile.Profile{LLMProvider: "openai", LLMModel: "gpt-4o", LLMAPIKey: "k"})

	first, err := r.Resolve(&store.User{ID: "agent-a", IsAgent: true})
	require.NoError(t, err)
	second, err := r.Resolve(&store.User{ID: "agent-b", IsAgent: true})
	require.NoError(t, err)
	assert.Same(t, first, second, "same provider/model shares one gateway")

	other, err := r.Resolve(&store.User{ID: "agent-c", IsAgent: true, AgentModel: "gpt-4o-mini"})
	require.NoError(t, err)
	assert.NotSame(t, first, other)
}
