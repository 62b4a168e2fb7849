package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/FairForge/labforge/internal/users"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Principal is the caller identity attached to every request. How tokens get
// issued is outside this service; we only verify and map them.
type Principal struct {
	UserID uuid.UUID
	Role   string
}

func (p Principal) Admin() bool {
	return p.Role == users.RoleAdmin
}

// Identity verifies a bearer credential and resolves the caller.
type Identity interface {
	Authenticate(ctx context.Context, token string) (Principal, error)
}

// JWTIdentity validates HS256 bearer tokens carrying sub (user id) and role
// claims. When a user store is wired it also rejects deactivated accounts.
type JWTIdentity struct {
	secret []byte
	store  users.Store
}

func NewJWTIdentity(secret string, store users.Store) *JWTIdentity {
	return &JWTIdentity{secret: []byte(secret), store: store}
}

func (j *JWTIdentity) Authenticate(ctx context.Context, tokenString string) (Principal, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil || !token.Valid {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, fmt.Errorf("%w: malformed claims", ErrUnauthorized)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Principal{}, fmt.Errorf("%w: missing subject", ErrUnauthorized)
	}
	userID, err := uuid.Parse(sub)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: subject is not a user id", ErrUnauthorized)
	}

	role, _ := claims["role"].(string)
	if role == "" {
		role = users.RoleUser
	}

	if j.store != nil {
		u, err := j.store.Get(ctx, userID)
		if err == nil && !u.Active {
			return Principal{}, fmt.Errorf("%w: account deactivated", ErrUnauthorized)
		}
	}

	return Principal{UserID: userID, Role: role}, nil
}

// IssueToken mints a token for a principal. Used by tests and local
// development; production deployments front this with a real identity
// provider.
func (j *JWTIdentity) IssueToken(p Principal) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  p.UserID.String(),
		"role": p.Role,
	})
	return token.SignedString(j.secret)
}
