package auth

import (
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTClient validates HS256 bearer tokens. The identity is the `email` claim,
// falling back to `sub`.
type JWTClient struct {
	Secret []byte
}

func (c *JWTClient) Auth(r *http.Request) (string, error) {
	tokenStr := BearerToken(r)
	if tokenStr == "" {
		return "", fmt.Errorf("missing bearer token")
	}
	return c.Verify(tokenStr)
}

// Verify parses tokenStr and returns its identity.
func (c *JWTClient) Verify(tokenStr string) (string, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return c.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}
	if email, _ := claims["email"].(string); email != "" {
		return email, nil
	}
	if sub, _ := claims["sub"].(string); sub != "" {
		return sub, nil
	}
	return "", fmt.Errorf("token without email or subject")
}

// IssueToken signs an HS256 token for email valid for ttl.
func IssueToken(secret []byte, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   email,
		"email": email,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	})
	return token.SignedString(secret)
}
