// Package interventions stores the human-in-the-loop overrides in Redis:
// per-CR interventions, per-role nudges, resume overrides, stored agent
// conversations, and captured worker logs.
//
// Interventions, nudges, and resume overrides are consume-once: reads go
// through GETDEL, so each stored value is observed by at most one consumer.
package interventions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	resumeOverridesTTL = time.Hour
	conversationTTL    = 7 * 24 * time.Hour
	workerLogTTL       = 24 * time.Hour
)

// Key helpers. All hadron KVS keys live under hadron:cr:{id}.

func interventionKey(crID string) string {
	return fmt.Sprintf("hadron:cr:%s:intervention", crID)
}

func nudgeKey(crID, role string) string {
	return fmt.Sprintf("hadron:cr:%s:nudge:%s", crID, role)
}

func resumeOverridesKey(crID string) string {
	return fmt.Sprintf("hadron:cr:%s:resume_overrides", crID)
}

func workerLogKey(crID string) string {
	return fmt.Sprintf("hadron:cr:%s:worker_log", crID)
}

// ConversationPrefix is the key prefix all of a CR's conversations share.
// The conversation HTTP endpoint only serves keys under this prefix.
func ConversationPrefix(crID string) string {
	return fmt.Sprintf("hadron:cr:%s:conv:", crID)
}

func conversationKey(crID, role, repo string, ts int64) string {
	return fmt.Sprintf("%s%s:%s:%d", ConversationPrefix(crID), role, repo, ts)
}

// kvClient is the slice of the Redis API the manager needs. *redis.Client
// satisfies it; tests substitute an in-memory fake.
type kvClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	GetDel(ctx context.Context, key string) *redis.StringCmd
	Append(ctx context.Context, key, value string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Keys(ctx context.Context, pattern string) *redis.StringSliceCmd
}

// Manager owns the per-CR override entries.
type Manager struct {
	rdb kvClient
	now func() time.Time
}

// NewManager creates a manager on a Redis client.
func NewManager(rdb *redis.Client) *Manager {
	return &Manager{rdb: rdb, now: time.Now}
}

func newManagerWithClient(rdb kvClient) *Manager {
	return &Manager{rdb: rdb, now: time.Now}
}

// SetIntervention stores free-form operator instructions for a CR,
// overwriting any prior entry.
func (m *Manager) SetIntervention(ctx context.Context, crID, instructions string) error {
	if err := m.rdb.Set(ctx, interventionKey(crID), instructions, 0).Err(); err != nil {
		return fmt.Errorf("failed to set intervention: %w", err)
	}
	return nil
}

// ConsumeIntervention atomically takes and clears the intervention.
// Returns ok=false when none is stored.
func (m *Manager) ConsumeIntervention(ctx context.Context, crID string) (string, bool, error) {
	return m.consume(ctx, interventionKey(crID))
}

// SetNudge stores a per-role nudge, overwriting any prior entry.
func (m *Manager) SetNudge(ctx context.Context, crID, role, message string) error {
	if err := m.rdb.Set(ctx, nudgeKey(crID, role), message, 0).Err(); err != nil {
		return fmt.Errorf("failed to set nudge: %w", err)
	}
	return nil
}

// ConsumeNudge atomically takes and clears the nudge for a role.
func (m *Manager) ConsumeNudge(ctx context.Context, crID, role string) (string, bool, error) {
	return m.consume(ctx, nudgeKey(crID, role))
}

func (m *Manager) consume(ctx context.Context, key string) (string, bool, error) {
	val, err := m.rdb.GetDel(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to consume %s: %w", key, err)
	}
	return val, true, nil
}

// StoreResumeOverrides stores the resume state overrides with a 1-hour TTL.
func (m *Manager) StoreResumeOverrides(ctx context.Context, crID string, overrides map[string]any) error {
	payload, err := json.Marshal(overrides)
	if err != nil {
		return fmt.Errorf("failed to marshal resume overrides: %w", err)
	}
	if err := m.rdb.Set(ctx, resumeOverridesKey(crID), payload, resumeOverridesTTL).Err(); err != nil {
		return fmt.Errorf("failed to store resume overrides: %w", err)
	}
	return nil
}

// TakeResumeOverrides atomically fetches and clears the stored overrides.
// Returns nil when none are stored.
func (m *Manager) TakeResumeOverrides(ctx context.Context, crID string) (map[string]any, error) {
	val, ok, err := m.consume(ctx, resumeOverridesKey(crID))
	if err != nil || !ok {
		return nil, err
	}
	var overrides map[string]any
	if err := json.Unmarshal([]byte(val), &overrides); err != nil {
		return nil, fmt.Errorf("failed to decode resume overrides: %w", err)
	}
	return overrides, nil
}

// StoreConversation saves a serialized agent conversation under a
// timestamped key with a 7-day TTL and returns the key.
func (m *Manager) StoreConversation(ctx context.Context, crID, role, repo string, conversation []byte) (string, error) {
	key := conversationKey(crID, role, repo, m.now().Unix())
	if err := m.rdb.Set(ctx, key, conversation, conversationTTL).Err(); err != nil {
		return "", fmt.Errorf("failed to store conversation: %w", err)
	}
	return key, nil
}

// GetConversation fetches a stored conversation. The key must belong to
// the CR's conversation namespace.
func (m *Manager) GetConversation(ctx context.Context, crID, key string) (string, error) {
	if !strings.HasPrefix(key, ConversationPrefix(crID)) {
		return "", fmt.Errorf("conversation key does not belong to CR %s", crID)
	}
	val, err := m.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("conversation not found")
	}
	if err != nil {
		return "", fmt.Errorf("failed to get conversation: %w", err)
	}
	return val, nil
}

// ListConversationKeys lists a CR's stored conversation keys.
func (m *Manager) ListConversationKeys(ctx context.Context, crID string) ([]string, error) {
	keys, err := m.rdb.Keys(ctx, ConversationPrefix(crID)+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return keys, nil
}

// AppendWorkerLog appends captured worker output and refreshes the 24-hour
// TTL.
func (m *Manager) AppendWorkerLog(ctx context.Context, crID, text string) error {
	key := workerLogKey(crID)
	if err := m.rdb.Append(ctx, key, text).Err(); err != nil {
		return fmt.Errorf("failed to append worker log: %w", err)
	}
	if err := m.rdb.Expire(ctx, key, workerLogTTL).Err(); err != nil {
		return fmt.Errorf("failed to expire worker log: %w", err)
	}
	return nil
}

// WorkerLog returns the captured log, or "" when none exists.
func (m *Manager) WorkerLog(ctx context.Context, crID string) (string, error) {
	val, err := m.rdb.Get(ctx, workerLogKey(crID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get worker log: %w", err)
	}
	return val, nil
}
