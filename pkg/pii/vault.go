package pii

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// ErrTokenNotFound is returned by Resolve when a token is unknown or expired.
var ErrTokenNotFound = errors.New("pii: token not found")

// TokenVault stores original values behind opaque tokens so tokenize-mode
// redaction stays reversible for authorized callers. Entries expire: a vault
// is a short-lived escrow, not a datastore.
type TokenVault interface {
	// Store escrows value and returns the opaque token that replaced it.
	Store(ctx context.Context, entityType, value string) (string, error)

	// Resolve returns the original value for a token, or ErrTokenNotFound.
	Resolve(ctx context.Context, token string) (string, error)
}

// mintToken builds a token that is self-describing about the entity type but
// reveals nothing about the value, e.g. [PII_EMAIL_9f31c2d84a7b].
func mintToken(entityType string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("[PII_%s_%s]", strings.ToUpper(entityType), id)
}

// MemoryVault keeps tokens in process memory. Suitable for single-instance
// deployments and tests; tokens do not survive restarts.
type MemoryVault struct {
	store *gocache.Cache
}

// NewMemoryVault builds an in-memory vault. ttl <= 0 means entries never
// expire.
func NewMemoryVault(ttl time.Duration) *MemoryVault {
	if ttl <= 0 {
		return &MemoryVault{store: gocache.New(gocache.NoExpiration, 0)}
	}
	return &MemoryVault{store: gocache.New(ttl, 2*ttl)}
}

func (m *MemoryVault) Store(_ context.Context, entityType, value string) (string, error) {
	token := mintToken(entityType)
	m.store.Set(token, value, gocache.DefaultExpiration)
	return token, nil
}

func (m *MemoryVault) Resolve(_ context.Context, token string) (string, error) {
	v, ok := m.store.Get(token)
	if !ok {
		return "", ErrTokenNotFound
	}
	return v.(string), nil
}

// vaultKeyPrefix namespaces vault entries in a shared redis.
const vaultKeyPrefix = "rampart:vault:"

// RedisVault shares tokens across gateway instances with a hard TTL, so a
// token minted on one replica resolves on another.
type RedisVault struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisVault builds a redis-backed vault. ttl <= 0 defaults to one hour;
// unbounded escrow of raw PII is never allowed here.
func NewRedisVault(client *redis.Client, ttl time.Duration) *RedisVault {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisVault{client: client, ttl: ttl}
}

func (v *RedisVault) Store(ctx context.Context, entityType, value string) (string, error) {
	token := mintToken(entityType)
	if err := v.client.Set(ctx, vaultKeyPrefix+token, value, v.ttl).Err(); err != nil {
		return "", fmt.Errorf("vault store: %w", err)
	}
	return token, nil
}

func (v *RedisVault) Resolve(ctx context.Context, token string) (string, error) {
	val, err := v.client.Get(ctx, vaultKeyPrefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrTokenNotFound
	}
	if err != nil {
		return "", fmt.Errorf("vault resolve: %w", err)
	}
	return val, nil
}
