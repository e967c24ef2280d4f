// Package session tracks revoked bearer credentials so a logout takes effect
// before the credential's natural expiry.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RevocationStore records revoked credential ids (jti) in Redis. Entries
// expire on their own when the underlying token would have expired anyway.
type RevocationStore struct {
	client *redis.Client
	prefix string
}

func NewRevocationStore(redisURL string) (*RevocationStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RevocationStore{client: client, prefix: "revoked:"}, nil
}

func NewRevocationStoreWithClient(client *redis.Client) *RevocationStore {
	return &RevocationStore{client: client, prefix: "revoked:"}
}

func (s *RevocationStore) key(jti string) string {
	return s.prefix + jti
}

// Revoke marks a credential id as revoked until expiresAt.
func (s *RevocationStore) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		// Already expired; nothing to deny.
		return nil
	}
	if err := s.client.Set(ctx, s.key(jti), "1", ttl).Err(); err != nil {
		return fmt.Errorf("revoke credential: %w", err)
	}
	return nil
}

func (s *RevocationStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	_, err := s.client.Get(ctx, s.key(jti)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check revoked credential: %w", err)
	}
	return true, nil
}

func (s *RevocationStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RevocationStore) Close() error {
	return s.client.Close()
}
