package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"sceneForge/worker/models"
)

const (
	statusKeyPrefix = "task:status:"
	DefaultTTL      = 24 * time.Hour
)

var ErrNotCached = errors.New("task not cached")

// StatusCache mirrors task snapshots into redis so that other processes can read
// them. The store remains the source of truth.
type StatusCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewStatusCache(client redis.UniversalClient, ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &StatusCache{client: client, ttl: ttl}
}

func key(taskID string) string {
	return fmt.Sprintf("%s%s", statusKeyPrefix, taskID)
}

func (sc *StatusCache) Get(ctx context.Context, taskID string) (*models.Task, error) {
	data, err := sc.client.Get(ctx, key(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotCached
		}
		return nil, err
	}

	var task models.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("decode cached task %s: %w", taskID, err)
	}
	return &task, nil
}

func (sc *StatusCache) Set(ctx context.Context, task *models.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return sc.client.Set(ctx, key(task.ID), data, sc.ttl).Err()
}

func (sc *StatusCache) Delete(ctx context.Context, taskID string) error {
	return sc.client.Del(ctx, key(taskID)).Err()
}

// TaskChanged stores the latest snapshot of t.
func (sc *StatusCache) TaskChanged(ctx context.Context, t *models.Task) error {
	return sc.Set(ctx, t)
}
