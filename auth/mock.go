package auth

import (
	"fmt"
	"net/http"
	"strings"
)

// MockClient accepts any bearer token that looks like an email and uses it
// as the identity. Tokens maps other tokens to identities.
type MockClient struct {
	Tokens map[string]string
}

func (c *MockClient) Auth(r *http.Request) (string, error) {
	token := BearerToken(r)
	if token == "" {
		return "", fmt.Errorf("empty bearer token")
	}
	if id, ok := c.Tokens[token]; ok {
		return id, nil
	}
	if strings.Contains(token, "@") {
		return token, nil
	}
	return "", fmt.Errorf("unknown token")
}
