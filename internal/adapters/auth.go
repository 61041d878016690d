// Package adapters holds the external collaborators this system names but
// deliberately excludes from the hard core: session token issuance and
// password hashing, a JWT+bcrypt flow kept behind an interface pair so
// the HTTP layer never touches jwt or bcrypt directly.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"slotauction/internal/model"
	"slotauction/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("adapters: invalid credentials")
	ErrInvalidToken       = errors.New("adapters: invalid token")
	ErrDuplicateUser      = errors.New("adapters: duplicate username or email")
)

// SessionIssuer mints an opaque bearer token for an authenticated user.
type SessionIssuer interface {
	Issue(userID string) (string, error)
}

// SessionValidator resolves a bearer token back to a userID. The
// WebSocket hub and the HTTP auth middleware both depend on this
// interface, never on the concrete JWT implementation.
type SessionValidator interface {
	Validate(token string) (userID string, ok bool)
}

type JWTAuth struct {
	secret []byte
	ttl    time.Duration
}

func NewJWTAuth(secret string, ttlHours int) *JWTAuth {
	return &JWTAuth{secret: []byte(secret), ttl: time.Duration(ttlHours) * time.Hour}
}

func (a *JWTAuth) Issue(userID string) (string, error) {
	claims := jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(a.ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *JWTAuth) Validate(tokenStr string) (string, bool) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return "", false
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", false
	}
	userID, ok := claims["sub"].(string)
	if !ok || userID == "" {
		return "", false
	}
	return userID, true
}

// Credentials owns registration and login against the store's
// credential-only methods (SetPasswordHash/PasswordHash), keeping
// bcrypt hashes out of the domain model entirely.
type Credentials struct {
	store   store.Store
	issuer  SessionIssuer
	initial int64
}

func NewCredentials(st store.Store, issuer SessionIssuer, initialBalance int64) *Credentials {
	return &Credentials{store: st, issuer: issuer, initial: initialBalance}
}

func (c *Credentials) Register(ctx context.Context, username, password, email string) (*model.User, string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", err
	}
	u := &model.User{
		ID: uuid.NewString(), Username: username, Email: email, Balance: c.initial, CreatedAt: time.Now(),
	}
	if err := c.store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, "", ErrDuplicateUser
		}
		return nil, "", err
	}
	if err := c.store.SetPasswordHash(ctx, u.ID, string(hash)); err != nil {
		return nil, "", err
	}
	token, err := c.issuer.Issue(u.ID)
	if err != nil {
		return nil, "", err
	}
	return u, token, nil
}

func (c *Credentials) Login(ctx context.Context, username, password string) (*model.User, string, error) {
	u, err := c.store.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, "", ErrInvalidCredentials
	}
	hash, err := c.store.PasswordHash(ctx, u.ID)
	if err != nil {
		return nil, "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, "", ErrInvalidCredentials
	}
	token, err := c.issuer.Issue(u.ID)
	if err != nil {
		return nil, "", err
	}
	return u, token, nil
}
