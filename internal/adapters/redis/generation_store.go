package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/go-redis/redis/v8"

	"github.com/selivandex/decision-engine/internal/adapters/ai"
)

const generationKeyPrefix = "gen:"

// GenerationStore shares gateway results between engine replicas
type GenerationStore struct {
	cache *redis.Client
}

// NewGenerationStore creates new generation store
func NewGenerationStore(cache *redis.Client) *GenerationStore {
	return &GenerationStore{cache: cache}
}

// Load returns the shared entry for key. Corrupt entries are misses and are
// overwritten on the next store.
func (s *GenerationStore) Load(ctx context.Context, key string) (ai.SharedEntry, bool, error) {
	raw, err := s.cache.Get(ctx, generationKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ai.SharedEntry{}, false, nil
	}
	if err != nil {
		return ai.SharedEntry{}, false, fmt.Errorf("failed to load generation: %w", err)
	}

	entry, err := decodeEntry(raw)
	if err != nil {
		return ai.SharedEntry{}, false, nil
	}
	return entry, true, nil
}

// Store writes entry with ttl. The key expires with the entry.
func (s *GenerationStore) Store(ctx context.Context, key string, entry ai.SharedEntry, ttl time.Duration) error {
	raw, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	if err := s.cache.Set(ctx, generationKeyPrefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store generation: %w", err)
	}
	return nil
}

// Delete removes the entry for key; a missing key is not an error.
func (s *GenerationStore) Delete(ctx context.Context, key string) error {
	if err := s.cache.Del(ctx, generationKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete generation: %w", err)
	}
	return nil
}

func encodeEntry(entry ai.SharedEntry) ([]byte, error) {
	if entry.Result == nil {
		return nil, errors.New("nil generation result")
	}
	if entry.CreatedAt.IsZero() {
		return nil, errors.New("generation without creation time")
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to encode generation: %w", err)
	}
	return raw, nil
}

func decodeEntry(raw []byte) (ai.SharedEntry, error) {
	var entry ai.SharedEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return ai.SharedEntry{}, err
	}
	if entry.Result == nil || entry.Result.Text == "" {
		return ai.SharedEntry{}, errors.New("empty generation text")
	}
	if entry.CreatedAt.IsZero() {
		return ai.SharedEntry{}, errors.New("generation without creation time")
	}
	return entry, nil
}
