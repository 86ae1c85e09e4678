package identity

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/procguard-labs/procguard/pkg/domain"
)

// ActorClaims extends standard JWT claims with the actor role.
type ActorClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// TokenManager signs and validates service tokens for non-browser callers.
// HMAC-SHA256; the key is deployment configuration and never logged.
type TokenManager struct {
	key    []byte
	issuer string
}

func NewTokenManager(key []byte) *TokenManager {
	return &TokenManager{key: key, issuer: "procguard/identity"}
}

// GenerateToken creates a signed token for an actor.
func (tm *TokenManager) GenerateToken(actor Actor, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := ActorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    tm.issuer,
		},
		Role: string(actor.Role),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(tm.key)
}

// FromToken parses and validates a token, returning the embedded actor.
// Any parse or signature failure surfaces as INVALID_ROLE: an unverifiable
// caller has no role.
func (tm *TokenManager) FromToken(tokenString string) (Actor, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ActorClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return tm.key, nil
	}, jwt.WithIssuer(tm.issuer))
	if err != nil {
		return Actor{}, domain.WrapError(domain.CodeInvalidRole, err, "token rejected")
	}

	claims, ok := token.Claims.(*ActorClaims)
	if !ok || !token.Valid {
		return Actor{}, domain.NewError(domain.CodeInvalidRole, "token rejected")
	}
	return FromHeaders(claims.Subject, claims.Role)
}
