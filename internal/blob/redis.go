package blob

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis stores blobs in a Redis instance, keyed "blob:<hash>". Useful when
// several hubs share assets or the hub host has no durable disk.
type Redis struct {
	client *redis.Client
}

// NewRedis connects and pings.
func NewRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("blob: redis ping %s: %w", addr, err)
	}
	return &Redis{client: client}, nil
}

func (r *Redis) key(hash string) string { return "blob:" + hash }

func (r *Redis) Put(ctx context.Context, data []byte) (string, error) {
	if len(data) > MaxBlobSize {
		return "", ErrTooLarge
	}
	hash := Hash(data)
	if err := r.client.Set(ctx, r.key(hash), data, 0).Err(); err != nil {
		return "", fmt.Errorf("blob: redis set: %w", err)
	}
	return hash, nil
}

func (r *Redis) Get(ctx context.Context, hash string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(hash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blob: redis get: %w", err)
	}
	return data, nil
}

// Close releases the client.
func (r *Redis) Close() error { return r.client.Close() }
