package contextmgr

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/lumichat/agentd/store"
)

// fakeCache is an in-memory Cache implementation for tests.
type fakeCache struct {
	mu      sync.Mutex
	lists   map[string][]string
	ttls    map[string]time.Duration
	expires int
}

func newFakeCache() *fakeCache {
	return &fakeCache{lists: map[string][]string{}, ttls: map[string]time.Duration{}}
}

func encodeValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	raw, _ := json.Marshal(v)
	return string(raw)
}

func (f *fakeCache) Delete(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.lists, k)
		delete(f.ttls, k)
	}
	return nil
}

func (f *fakeCache) Expire(_ context.Context, key string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expires++
	f.ttls[key] = ttl
	return nil
}

func (f *fakeCache) RPush(_ context.Context, key string, ttl time.Duration, values ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range values {
		f.lists[key] = append(f.lists[key], encodeValue(v))
	}
	f.ttls[key] = ttl
	return nil
}

func (f *fakeCache) ReplaceList(_ context.Context, key string, ttl time.Duration, values ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists[key] = nil
	for _, v := range values {
		f.lists[key] = append(f.lists[key], encodeValue(v))
	}
	f.ttls[key] = ttl
	return nil
}

func (f *fakeCache) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.lists[key]
	if len(list) == 0 {
		return nil, nil
	}
	if stop < 0 || stop >= int64(len(list)) {
		stop = int64(len(list)) - 1
	}
	if start > stop {
		return nil, nil
	}
	out := make([]string, 0, stop-start+1)
	for i := start; i <= stop; i++ {
		out = append(out, list[i])
	}
	return out, nil
}

func (f *fakeCache) LLen(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.lists[key])), nil
}

func (f *fakeCache) LTrim(_ context.Context, key string, start, stop int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.lists[key]
	if stop < 0 || stop >= int64(len(list)) {
		stop = int64(len(list)) - 1
	}
	if start < 0 {
		start = 0
	}
	if start > stop {
		f.lists[key] = nil
		return nil
	}
	f.lists[key] = list[start : stop+1]
	return nil
}

// fakeStore is an in-memory MessageStore implementation for tests.
type fakeStore struct {
	mu        sync.Mutex
	messages  []*store.MessageWithSender
	upserts   map[string]*store.Message
	failures  int // number of UpsertMessage calls to fail before succeeding
	listCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{upserts: map[string]*store.Message{}}
}

func (f *fakeStore) ListMessagesWithSender(_ context.Context, find *store.FindMessage) ([]*store.MessageWithSender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	out := make([]*store.MessageWithSender, 0)
	for _, m := range f.messages {
		if find.SessionID != nil && m.SessionID != *find.SessionID {
			continue
		}
		out = append(out, m)
	}
	if find.OrderByTimeDesc {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if find.Limit > 0 && len(out) > find.Limit {
		out = out[:find.Limit]
	}
	return out, nil
}

func (f *fakeStore) UpsertMessage(_ context.Context, msg *store.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return context.DeadlineExceeded
	}
	stored := *msg
	if existing, ok := f.upserts[msg.ID]; ok {
		existing.Content = msg.Content
		return nil
	}
	f.upserts[msg.ID] = &stored
	return nil
}
