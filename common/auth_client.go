package common

import (
	"context"

	"golang.org/x/oauth2"
)

// AuthClient hands out bearer tokens for API calls.
type AuthClient interface {
	// Token returns a valid token, from cache when possible.
	Token(ctx context.Context) (*oauth2.Token, error)
	// NewToken always performs a fresh credential exchange and replaces
	// any cached token.
	NewToken(ctx context.Context) (*oauth2.Token, error)
}
