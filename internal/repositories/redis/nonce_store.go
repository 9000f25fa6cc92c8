package redis

import (
	"context"
	"errors"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// NonceStore reserves request nonces with SET NX so replays are rejected across instances.
type NonceStore struct {
	client goredis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewNonceStore constructs a Redis-backed nonce store.
func NewNonceStore(client goredis.UniversalClient, prefix string, now func() time.Time) (*NonceStore, error) {
	if client == nil {
		return nil, errors.New("nonce store requires redis client")
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if now == nil {
		now = time.Now
	}
	return &NonceStore{client: client, prefix: prefix, now: now}, nil
}

// UseNonce stores the nonce until expiry. It reports false when the nonce is already reserved.
func (s *NonceStore) UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	scope = strings.TrimSpace(scope)
	nonce = strings.TrimSpace(nonce)
	if scope == "" || nonce == "" {
		return false, errors.New("nonce store: scope and nonce are required")
	}
	ttl := expiry.Sub(s.now())
	if ttl <= 0 {
		return false, errors.New("nonce store: nonce expiry is in the past")
	}
	stored, err := s.client.SetNX(ctx, s.prefix+":nonce:"+scope+":"+nonce, 1, ttl).Result()
	if err != nil {
		return false, classify("nonces.use", err)
	}
	return stored, nil
}
