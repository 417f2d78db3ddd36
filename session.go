// This file contains the SessionStore interface and its implementations.
// The gateway resolves a session token to an identity exactly once per
// connection, during the handshake; everything after that trusts the
// identity attached to the connection.
package gridsync

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionStore maps an opaque session token to a user identity.
type SessionStore interface {
	// ResolveSession returns the identity behind token, or a not-found
	// error when the token does not resolve to a live session.
	ResolveSession(ctx context.Context, token string) (Identity, error)
}

// MemorySessionStore is an in-process SessionStore, suitable for tests and
// single-binary deployments without an external session backend.
type MemorySessionStore struct {
	sessions *store[Identity]
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: newStore[Identity]()}
}

// Put registers or replaces the session for token.
func (m *MemorySessionStore) Put(token string, identity Identity) {
	m.sessions.Upsert(token, identity)
}

// Remove deletes the session for token. Removing an unknown token is a no-op.
func (m *MemorySessionStore) Remove(token string) {
	_ = m.sessions.Delete(token)
}

func (m *MemorySessionStore) ResolveSession(_ context.Context, token string) (Identity, error) {
	identity, err := m.sessions.Read(token)

	if err != nil {
		return Identity{}, unauthorized(string(gatewayEntity), "Invalid session")
	}
	return identity, nil
}

// RedisSessionStore resolves sessions from Redis. Sessions are stored as
// JSON-encoded identities under keyPrefix+token, with the TTL managed by
// whatever wrote them.
type RedisSessionStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisSessionStore creates a RedisSessionStore on the given client.
// If keyPrefix is empty, "gridsync:session:" is used.
func NewRedisSessionStore(client redis.UniversalClient, keyPrefix string) *RedisSessionStore {
	if keyPrefix == "" {
		keyPrefix = "gridsync:session:"
	}
	return &RedisSessionStore{client: client, keyPrefix: keyPrefix}
}

// Put stores the session for token with the given TTL. A zero TTL stores the
// session without expiry.
func (r *RedisSessionStore) Put(ctx context.Context, token string, identity Identity, ttl time.Duration) error {
	data, err := json.Marshal(identity)

	if err != nil {
		return wrapF(err, "failed to marshal session for token %s", token)
	}
	if err := r.client.Set(ctx, r.keyPrefix+token, data, ttl).Err(); err != nil {
		return wrapF(err, "failed to store session for token %s", token)
	}
	return nil
}

// Remove deletes the session for token.
func (r *RedisSessionStore) Remove(ctx context.Context, token string) error {
	if err := r.client.Del(ctx, r.keyPrefix+token).Err(); err != nil {
		return wrapF(err, "failed to delete session for token %s", token)
	}
	return nil
}

func (r *RedisSessionStore) ResolveSession(ctx context.Context, token string) (Identity, error) {
	data, err := r.client.Get(ctx, r.keyPrefix+token).Bytes()

	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Identity{}, unauthorized(string(gatewayEntity), "Invalid session")
		}
		return Identity{}, wrapF(err, "failed to read session for token %s", token)
	}

	var identity Identity
	if err := json.Unmarshal(data, &identity); err != nil {
		return Identity{}, wrapF(err, "failed to decode session for token %s", token)
	}
	return identity, nil
}
