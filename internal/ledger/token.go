package ledger

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// DefaultInvalidTokenSentinel is what the external refresher hands out when it has no token.
const DefaultInvalidTokenSentinel = "invalid_token_handled_gracefully"

// TokenProvider supplies the bearer token for ledger calls.
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token.
type StaticToken string

// AccessToken implements TokenProvider.
func (t StaticToken) AccessToken(context.Context) (string, error) {
	return string(t), nil
}

// TokenFunc adapts a function to TokenProvider.
type TokenFunc func(ctx context.Context) (string, error)

// AccessToken implements TokenProvider.
func (f TokenFunc) AccessToken(ctx context.Context) (string, error) {
	return f(ctx)
}

// FileToken re-reads the token file on every call.
type FileToken struct {
	Path string
}

// AccessToken implements TokenProvider.
func (f FileToken) AccessToken(context.Context) (string, error) {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("ledger: read token file: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

// checkToken rejects blank tokens and the sentinel.
func checkToken(token, sentinel string) error {
	token = strings.TrimSpace(token)
	if token == "" || token == sentinel {
		return ErrNoCredential
	}
	return nil
}
