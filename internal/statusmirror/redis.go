// Package statusmirror copies session phase changes into Redis so an
// external supervisor can watch workflows without calling the API.
package statusmirror

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shehryarbajwa/docfetch/internal/session"
	"github.com/shehryarbajwa/docfetch/pkg/models"
)

// KeyPrefix is the Redis key prefix for mirrored session hashes.
const KeyPrefix = "docfetch:session:"

const writeTimeout = 2 * time.Second

// Mirror writes one hash per session key. Writes are best-effort: a Redis
// outage is logged and never fails a session step.
type Mirror struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to Redis at addr.
func New(addr string, ttl time.Duration) (*Mirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("statusmirror: redis connection failed: %w", err)
	}

	return NewWithClient(client, ttl), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, ttl time.Duration) *Mirror {
	return &Mirror{client: client, ttl: ttl}
}

// Key returns the Redis key mirroring a session key.
func Key(key models.SessionKey) string {
	return KeyPrefix + session.DirName(key)
}

func (m *Mirror) Transition(key models.SessionKey, instance string, from, to models.Phase) {
	fields := map[string]interface{}{
		"lead":       key.Lead,
		"app":        key.App,
		"instance":   instance,
		"phase":      string(to),
		"updated_at": time.Now().Unix(),
	}
	if from == models.PhaseCreated {
		fields["error"] = ""
	}
	m.write(key, fields)
}

func (m *Mirror) StepFailed(key models.SessionKey, op string, err error) {
	m.write(key, map[string]interface{}{
		"error":      fmt.Sprintf("%s: %v", op, err),
		"error_kind": session.Kind(err),
		"updated_at": time.Now().Unix(),
	})
}

// Get returns the mirrored fields for key.
func (m *Mirror) Get(ctx context.Context, key models.SessionKey) (map[string]string, error) {
	return m.client.HGetAll(ctx, Key(key)).Result()
}

func (m *Mirror) Close() error {
	return m.client.Close()
}

func (m *Mirror) write(key models.SessionKey, fields map[string]interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	rk := Key(key)
	pipe := m.client.Pipeline()
	pipe.HSet(ctx, rk, fields)
	pipe.Expire(ctx, rk, m.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("⚠️ statusmirror: write %s failed: %v", rk, err)
	}
}
