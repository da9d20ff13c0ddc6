package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Claims are the JWT claims accepted for players.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWTValidator checks HS256 tokens. When a Redis client is set, token ids
// listed under the revocation key prefix are rejected.
type JWTValidator struct {
	secret           []byte
	redis            *redis.Client
	revocationPrefix string
}

// NewJWTValidator creates a validator. redisClient may be nil.
func NewJWTValidator(secret string, redisClient *redis.Client) *JWTValidator {
	return &JWTValidator{
		secret:           []byte(secret),
		redis:            redisClient,
		revocationPrefix: "chessmatch:revoked",
	}
}

func (v *JWTValidator) Validate(ctx context.Context, tokenString string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}

	if v.isRevoked(ctx, claims.ID) {
		return nil, fmt.Errorf("%w: token revoked", ErrUnauthenticated)
	}

	return &Identity{ID: claims.Subject, Name: claims.Name, Provider: "jwt"}, nil
}

// isRevoked fails open when Redis is unreachable so an outage does not
// lock every player out.
func (v *JWTValidator) isRevoked(ctx context.Context, jti string) bool {
	if v.redis == nil || jti == "" {
		return false
	}
	n, err := v.redis.Exists(ctx, v.revocationPrefix+":"+jti).Result()
	if err != nil {
		log.Error().Err(err).Msg("token revocation check failed")
		return false
	}
	return n == 1
}

// Revoke lists jti as revoked until ttl passes.
func (v *JWTValidator) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if v.redis == nil {
		return fmt.Errorf("revocation requires redis")
	}
	return v.redis.Set(ctx, v.revocationPrefix+":"+jti, 1, ttl).Err()
}

// Issue signs a token for subject. Used by the CLI and tests.
func (v *JWTValidator) Issue(subject, name, jti string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
