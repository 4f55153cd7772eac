package commands

import (
	"binance-ladder-bot-go/internal/models"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultQueueKey is the Redis list holding pending commands.
const DefaultQueueKey = "ladderbot:commands"

// Queue buffers commands between whoever receives them and the cycle that
// applies them. Drain returns everything queued so far, oldest first, and
// removes it.
type Queue interface {
	Push(ctx context.Context, cmds ...models.Command) error
	Drain(ctx context.Context) ([]models.Command, error)
}

// MemoryQueue is a process-local queue.
type MemoryQueue struct {
	mu   sync.Mutex
	cmds []models.Command
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Push(ctx context.Context, cmds ...models.Command) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cmds = append(q.cmds, cmds...)
	return nil
}

func (q *MemoryQueue) Drain(ctx context.Context) ([]models.Command, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.cmds
	q.cmds = nil
	return out, nil
}

// RedisQueue keeps commands in a Redis list so a listener process and the
// cron-driven cycle can share them.
type RedisQueue struct {
	client *redis.Client
	key    string
	logger *zap.Logger
}

// NewRedisClient connects using url when given, otherwise cfg.Addr and cfg.DB.
func NewRedisClient(cfg models.RedisConfig, url string) (*redis.Client, error) {
	if url != "" {
		opts, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{Addr: cfg.Addr, DB: cfg.DB}), nil
}

func NewRedisQueue(client *redis.Client, key string, logger *zap.Logger) *RedisQueue {
	if key == "" {
		key = DefaultQueueKey
	}
	return &RedisQueue{client: client, key: key, logger: logger}
}

func (q *RedisQueue) Push(ctx context.Context, cmds ...models.Command) error {
	if len(cmds) == 0 {
		return nil
	}
	vals := make([]interface{}, 0, len(cmds))
	for _, c := range cmds {
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal command: %w", err)
		}
		vals = append(vals, data)
	}
	if err := q.client.RPush(ctx, q.key, vals...).Err(); err != nil {
		return fmt.Errorf("failed to queue commands in Redis: %w", err)
	}
	return nil
}

// Drain reads and clears the list in one MULTI/EXEC so a concurrent push is
// either fully drained or left for the next call.
func (q *RedisQueue) Drain(ctx context.Context) ([]models.Command, error) {
	var lrange *redis.StringSliceCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lrange = pipe.LRange(ctx, q.key, 0, -1)
		pipe.Del(ctx, q.key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to drain command queue: %w", err)
	}
	cmds, bad := decodeAll(lrange.Val())
	for _, err := range bad {
		q.logger.Error("dropped undecodable command", zap.Error(err))
	}
	return cmds, nil
}

// decodeAll keeps every entry that decodes. The list is already deleted, so a
// bad entry must not take the ones after it down too.
func decodeAll(raw []string) ([]models.Command, []error) {
	cmds := make([]models.Command, 0, len(raw))
	var bad []error
	for _, r := range raw {
		var c models.Command
		if err := json.Unmarshal([]byte(r), &c); err != nil {
			bad = append(bad, fmt.Errorf("undecodable command %q: %w", r, err))
			continue
		}
		cmds = append(cmds, c)
	}
	return cmds, bad
}
