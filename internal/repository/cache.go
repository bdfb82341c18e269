package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lekesiz/BDC-sub001/internal/models"

	redis_v9 "github.com/redis/go-redis/v9"
)

// CacheRepository keeps read-heavy immutable records in Redis: published
// test definitions and finalized score results. Both are safe to cache
// because neither changes after the state that put them there.
type CacheRepository struct {
	client *redis_v9.Client
	ttl    time.Duration
}

func NewCacheRepository(client *redis_v9.Client, ttl time.Duration) *CacheRepository {
	return &CacheRepository{
		client: client,
		ttl:    ttl,
	}
}

func testKey(id string) string   { return "evaluation:test:" + id }
func resultKey(id string) string { return "evaluation:result:" + id }

func (c *CacheRepository) SaveTest(ctx context.Context, definition *models.TestDefinition) error {
	val, err := json.Marshal(definition)
	if err != nil {
		return fmt.Errorf("error caching test definition: %w", err)
	}
	return c.client.Set(ctx, testKey(definition.ID.Hex()), val, c.ttl).Err()
}

func (c *CacheRepository) GetTest(ctx context.Context, id string) (*models.TestDefinition, error) {
	raw, err := c.client.Get(ctx, testKey(id)).Bytes()
	if err != nil {
		return nil, err
	}

	var definition models.TestDefinition
	if err := json.Unmarshal(raw, &definition); err != nil {
		return nil, fmt.Errorf("error decoding cached test definition: %w", err)
	}
	return &definition, nil
}

func (c *CacheRepository) DeleteTest(ctx context.Context, id string) error {
	return c.client.Del(ctx, testKey(id)).Err()
}

func (c *CacheRepository) SaveResult(ctx context.Context, sessionID string, result *models.ScoreResult) error {
	val, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("error caching score result: %w", err)
	}
	return c.client.Set(ctx, resultKey(sessionID), val, c.ttl).Err()
}

func (c *CacheRepository) GetResult(ctx context.Context, sessionID string) (*models.ScoreResult, error) {
	raw, err := c.client.Get(ctx, resultKey(sessionID)).Bytes()
	if err != nil {
		return nil, err
	}

	var result models.ScoreResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("error decoding cached score result: %w", err)
	}
	return &result, nil
}

func (c *CacheRepository) IsMiss(err error) bool {
	return err == redis_v9.Nil
}
