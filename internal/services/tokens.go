package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RefreshSession is the ephemeral record behind an opaque refresh token.
type RefreshSession struct {
	UserID    uuid.UUID `json:"userID"`
	UserAgent string    `json:"userAgent,omitempty"`
	IP        string    `json:"ip,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// TokenService owns refresh-token storage, rotation and revocation.
//
// Key layout: the token itself is the primary key (refresh:<token>), and a
// per-user set (refresh:user:<userID>) is kept as a secondary index so
// "revoke all for user" never has to scan the keyspace.
type TokenService struct {
	Redis           *redis.Client
	refreshLifetime time.Duration
}

func NewTokenService(redisClient *redis.Client, refreshLifetime time.Duration) *TokenService {
	return &TokenService{
		Redis:           redisClient,
		refreshLifetime: refreshLifetime,
	}
}

func (s *TokenService) RefreshLifetime() time.Duration {
	return s.refreshLifetime
}

func refreshKey(token string) string {
	return "refresh:" + token
}

func refreshUserKey(userID uuid.UUID) string {
	return "refresh:user:" + userID.String()
}

// IssueRefreshToken generates a 256-bit opaque token and writes its session
// record with a TTL. Ephemeral-store failure here is fatal to the login.
func (s *TokenService) IssueRefreshToken(ctx context.Context, userID uuid.UUID, userAgent, ip string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	token := hex.EncodeToString(buf)

	session := RefreshSession{
		UserID:    userID,
		UserAgent: userAgent,
		IP:        ip,
		CreatedAt: time.Now().UTC(),
	}
	encoded, err := json.Marshal(session)
	if err != nil {
		return "", err
	}

	pipe := s.Redis.TxPipeline()
	pipe.Set(ctx, refreshKey(token), encoded, s.refreshLifetime)
	pipe.SAdd(ctx, refreshUserKey(userID), token)
	pipe.Expire(ctx, refreshUserKey(userID), s.refreshLifetime)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return token, nil
}

// ValidateRefreshToken resolves a token to its session. A missing key means
// the token was revoked or expired; store errors fail closed.
func (s *TokenService) ValidateRefreshToken(ctx context.Context, token string) (*RefreshSession, error) {
	if token == "" {
		return nil, ErrTokenInvalid
	}

	data, err := s.Redis.Get(ctx, refreshKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrTokenInvalid
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var session RefreshSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, ErrTokenInvalid
	}

	return &session, nil
}

// RevokeRefreshToken deletes a single session. Revoking an absent token is
// not an error.
func (s *TokenService) RevokeRefreshToken(ctx context.Context, userID uuid.UUID, token string) error {
	pipe := s.Redis.TxPipeline()
	pipe.Del(ctx, refreshKey(token))
	pipe.SRem(ctx, refreshUserKey(userID), token)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// RevokeAllRefreshTokens deletes every session for the user via the secondary
// index and returns how many live sessions were removed.
func (s *TokenService) RevokeAllRefreshTokens(ctx context.Context, userID uuid.UUID) (int, error) {
	tokens, err := s.Redis.SMembers(ctx, refreshUserKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if len(tokens) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(tokens))
	for _, token := range tokens {
		keys = append(keys, refreshKey(token))
	}

	pipe := s.Redis.TxPipeline()
	deleted := pipe.Del(ctx, keys...)
	pipe.Del(ctx, refreshUserKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return int(deleted.Val()), nil
}
