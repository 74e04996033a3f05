// Package auth verifies bearer credentials presented at connection
// handshake and resolves them to the authenticated user.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/go-messenger/internal/database"
	"github.com/npezzotti/go-messenger/internal/types"
)

const (
	TokenCookieKey = "token"

	userIdClaim = "user-id"
	expClaim    = "exp"
)

var ErrAuthentication = errors.New("authentication failed")

type UserStore interface {
	GetUser(ctx context.Context, userId string) (database.User, error)
}

type Verifier struct {
	signingKey []byte
	users      UserStore
}

func NewVerifier(signingKey []byte, users UserStore) *Verifier {
	return &Verifier{signingKey: signingKey, users: users}
}

// CreateToken issues a signed token for userId. Account services own token
// issuance in production; this is used by tooling and tests.
func (v *Verifier) CreateToken(userId string, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim: userId,
		expClaim:    time.Now().Add(exp).Unix(),
	})

	return token.SignedString(v.signingKey)
}

// Verify validates tokenString and loads the user it names.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (types.User, error) {
	userId, err := v.userIdFromToken(tokenString)
	if err != nil {
		return types.User{}, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	u, err := v.users.GetUser(ctx, userId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return types.User{}, fmt.Errorf("%w: unknown user %q", ErrAuthentication, userId)
		}
		return types.User{}, fmt.Errorf("get user: %w", err)
	}

	return types.User{
		Id:          u.Id,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		Avatar:      u.Avatar,
	}, nil
}

// Authenticate verifies the credential carried by r.
func (v *Verifier) Authenticate(r *http.Request) (types.User, error) {
	tokenString, ok := TokenFromRequest(r)
	if !ok {
		return types.User{}, fmt.Errorf("%w: missing credential", ErrAuthentication)
	}

	return v.Verify(r.Context(), tokenString)
}

// TokenFromRequest looks for a credential in the token cookie, the
// Authorization header and finally the token query parameter, which
// browsers need since they cannot set headers on websocket upgrades.
func TokenFromRequest(r *http.Request) (string, bool) {
	if c, err := r.Cookie(TokenCookieKey); err == nil && c.Value != "" {
		return c.Value, true
	}

	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok && token != "" {
			return token, true
		}
	}

	if token := r.URL.Query().Get("token"); token != "" {
		return token, true
	}

	return "", false
}

func (v *Verifier) userIdFromToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.signingKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}

	userId, ok := claims[userIdClaim].(string)
	if !ok || userId == "" {
		return "", fmt.Errorf("invalid user id claim")
	}

	return userId, nil
}
