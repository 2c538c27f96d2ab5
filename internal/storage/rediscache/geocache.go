// Package rediscache stores resolved geocodes in Redis as JSON values.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/hwik-project/hwik/internal/domain/conflict"
)

// KeyPrefix namespaces cache keys.
const KeyPrefix = "hwik:geocode:"

// maxPutAttempts bounds optimistic-lock retries when writers race on a key.
const maxPutAttempts = 5

// GeocodeStore is a durable geocode cache backed by Redis.
type GeocodeStore struct {
	client *redis.Client
}

// NewGeocodeStore wraps an existing client.
func NewGeocodeStore(client *redis.Client) *GeocodeStore {
	return &GeocodeStore{client: client}
}

// Open parses a redis:// URL and verifies the connection.
func Open(ctx context.Context, redisURL string) (*GeocodeStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewGeocodeStore(client), nil
}

// Close closes the underlying client.
func (s *GeocodeStore) Close() error {
	return s.client.Close()
}

func (s *GeocodeStore) Get(ctx context.Context, key string) (conflict.GeocodeResult, bool, error) {
	data, err := s.client.Get(ctx, KeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return conflict.GeocodeResult{}, false, nil
	}
	if err != nil {
		return conflict.GeocodeResult{}, false, fmt.Errorf("get cached geocode: %w", err)
	}

	var res conflict.GeocodeResult
	if err := json.Unmarshal(data, &res); err != nil {
		return conflict.GeocodeResult{}, false, fmt.Errorf("decode cached geocode: %w", err)
	}
	return res, true, nil
}

// Put writes result without expiry. A concurrent writer on the same key
// restarts the read-modify-write so PreviousResolvedAt stays accurate.
func (s *GeocodeStore) Put(ctx context.Context, result conflict.GeocodeResult) error {
	key := KeyPrefix + result.NormalizedText

	txf := func(tx *redis.Tx) error {
		out := result.Clone()
		prevData, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var prev conflict.GeocodeResult
			if json.Unmarshal(prevData, &prev) == nil && !prev.ResolvedAt.IsZero() {
				t := prev.ResolvedAt
				out.PreviousResolvedAt = &t
			}
		}

		data, err := json.Marshal(out)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxPutAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("cache geocode: %w", err)
		}
		return nil
	}
	return fmt.Errorf("cache geocode: too much contention on %q", result.NormalizedText)
}

func (s *GeocodeStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, KeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("delete cached geocode: %w", err)
	}
	return nil
}

// Keys scans the keyspace for cache entries.
func (s *GeocodeStore) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, KeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), KeyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan cached geocodes: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}
