package interventions

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKV implements the key/value subset of the Redis API in memory,
// tracking TTLs so tests can assert expiry policy.
type fakeKV struct {
	mu   sync.Mutex
	data map[string]string
	ttl  map[string]time.Duration
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string]string), ttl: make(map[string]time.Duration)}
}

func (f *fakeKV) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch v := value.(type) {
	case string:
		f.data[key] = v
	case []byte:
		f.data[key] = string(v)
	}
	f.ttl[key] = expiration
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeKV) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewStringCmd(ctx)
	if v, ok := f.data[key]; ok {
		cmd.SetVal(v)
	} else {
		cmd.SetErr(redis.Nil)
	}
	return cmd
}

func (f *fakeKV) GetDel(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewStringCmd(ctx)
	if v, ok := f.data[key]; ok {
		cmd.SetVal(v)
		delete(f.data, key)
		delete(f.ttl, key)
	} else {
		cmd.SetErr(redis.Nil)
	}
	return cmd
}

func (f *fakeKV) Append(ctx context.Context, key, value string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] += value
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(f.data[key])))
	return cmd
}

func (f *fakeKV) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	if ok {
		f.ttl[key] = expiration
	}
	cmd := redis.NewBoolCmd(ctx)
	cmd.SetVal(ok)
	return cmd
}

func (f *fakeKV) Keys(ctx context.Context, pattern string) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	var keys []string
	for k := range f.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	cmd := redis.NewStringSliceCmd(ctx)
	cmd.SetVal(keys)
	return cmd
}

func newTestManager() (*Manager, *fakeKV) {
	fake := newFakeKV()
	m := newManagerWithClient(fake)
	return m, fake
}

func TestInterventionConsumeOnce(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	require.NoError(t, m.SetIntervention(ctx, "CR-1", "hold the release"))

	val, ok, err := m.ConsumeIntervention(ctx, "CR-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hold the release", val)

	// Second consume sees nothing.
	_, ok, err = m.ConsumeIntervention(ctx, "CR-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInterventionOverwrites(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	require.NoError(t, m.SetIntervention(ctx, "CR-1", "first"))
	require.NoError(t, m.SetIntervention(ctx, "CR-1", "second"))

	val, ok, err := m.ConsumeIntervention(ctx, "CR-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "second", val)
}

func TestNudgeIsPerRole(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	require.NoError(t, m.SetNudge(ctx, "CR-1", "code_writer", "use table tests"))

	_, ok, err := m.ConsumeNudge(ctx, "CR-1", "test_writer")
	require.NoError(t, err)
	assert.False(t, ok)

	val, ok, err := m.ConsumeNudge(ctx, "CR-1", "code_writer")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "use table tests", val)
}

func TestResumeOverridesRoundTripWithTTL(t *testing.T) {
	m, fake := newTestManager()
	ctx := context.Background()

	require.NoError(t, m.StoreResumeOverrides(ctx, "CR-2", map[string]any{"review_passed": true}))
	assert.Equal(t, time.Hour, fake.ttl[resumeOverridesKey("CR-2")])

	overrides, err := m.TakeResumeOverrides(ctx, "CR-2")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"review_passed": true}, overrides)

	// Taken exactly once.
	overrides, err = m.TakeResumeOverrides(ctx, "CR-2")
	require.NoError(t, err)
	assert.Nil(t, overrides)
}

func TestConversationStorage(t *testing.T) {
	m, fake := newTestManager()
	m.now = func() time.Time { return time.Unix(1700000000, 0) }
	ctx := context.Background()

	key, err := m.StoreConversation(ctx, "CR-3", "spec_writer", "demo", []byte(`[{"role":"user"}]`))
	require.NoError(t, err)
	assert.Equal(t, "hadron:cr:CR-3:conv:spec_writer:demo:1700000000", key)
	assert.Equal(t, conversationTTL, fake.ttl[key])

	val, err := m.GetConversation(ctx, "CR-3", key)
	require.NoError(t, err)
	assert.Equal(t, `[{"role":"user"}]`, val)

	keys, err := m.ListConversationKeys(ctx, "CR-3")
	require.NoError(t, err)
	assert.Equal(t, []string{key}, keys)
}

func TestConversationKeyMustMatchCR(t *testing.T) {
	m, _ := newTestManager()
	_, err := m.GetConversation(context.Background(), "CR-3", "hadron:cr:CR-4:conv:spec_writer:demo:1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not belong")
}

func TestWorkerLogAppend(t *testing.T) {
	m, fake := newTestManager()
	ctx := context.Background()

	require.NoError(t, m.AppendWorkerLog(ctx, "CR-5", "line one\n"))
	require.NoError(t, m.AppendWorkerLog(ctx, "CR-5", "line two\n"))

	log, err := m.WorkerLog(ctx, "CR-5")
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", log)
	assert.Equal(t, workerLogTTL, fake.ttl[workerLogKey("CR-5")])

	// No log stored yet for another CR.
	log, err = m.WorkerLog(ctx, "CR-6")
	require.NoError(t, err)
	assert.Empty(t, log)
}
