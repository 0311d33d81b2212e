package apteligent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/guarzo/apteligent-importer/common"
	"github.com/guarzo/apteligent-importer/common/clock"
	"github.com/guarzo/apteligent-importer/common/model"
)

const tokenPath = "/v1.0/token"

// Credentials are exchanged for a bearer token with the password grant.
// The client id is the basic auth user with an empty secret.
type Credentials struct {
	ClientID string
	Username string
	Password string
}

// TokenStore caches the bearer token on disk and exchanges the
// credentials for a new one when the cached token is missing or expired.
type TokenStore struct {
	cache       common.CacheRepository[model.Token]
	oauth       oauth2.Config
	credentials Credentials
	httpClient  *http.Client
	clock       clock.Clock
	log         common.Logger
	group       singleflight.Group
}

var _ common.AuthClient = (*TokenStore)(nil)

// NewTokenStore builds a TokenStore for the API rooted at baseURL.
// httpClient performs the exchange; nil selects http.DefaultClient.
func NewTokenStore(baseURL string, creds Credentials, cache common.CacheRepository[model.Token], httpClient *http.Client, clk clock.Clock, log common.Logger) *TokenStore {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &TokenStore{
		cache: cache,
		oauth: oauth2.Config{
			ClientID: creds.ClientID,
			Endpoint: oauth2.Endpoint{
				TokenURL:  strings.TrimRight(baseURL, "/") + tokenPath,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		credentials: creds,
		httpClient:  httpClient,
		clock:       clk,
		log:         log,
	}
}

// Token returns the cached token while it has not expired. The cache file
// is reloaded first if another process replaced it.
func (s *TokenStore) Token(ctx context.Context) (*oauth2.Token, error) {
	if !s.cache.Exists() {
		return s.NewToken(ctx)
	}
	if _, err := s.cache.Refresh(); err != nil {
		return nil, err
	}
	cached, err := s.cache.Data()
	if err != nil {
		return nil, err
	}
	if !cached.ValidAt(s.clock.Now()) {
		s.log.Infof("Cached token expired at %s", cached.ExpiresAt().Format("2006-01-02 15:04:05"))
		return s.NewToken(ctx)
	}
	return cached.OAuth2(), nil
}

// NewToken performs the credential exchange, stores the result and
// returns it. Concurrent callers share one exchange. The exchange is not
// cancelled with the caller that started it; the http client timeout
// bounds it instead.
func (s *TokenStore) NewToken(ctx context.Context) (*oauth2.Token, error) {
	ch := s.group.DoChan("token", func() (interface{}, error) {
		return s.exchange(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*oauth2.Token), nil
	}
}

func (s *TokenStore) exchange(ctx context.Context) (*oauth2.Token, error) {
	s.log.Infof("Getting a new authorization token from apteligent")

	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	tok, err := s.oauth.PasswordCredentialsToken(ctx, s.credentials.Username, s.credentials.Password)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			if httpErr := common.CheckResponse(s.log, re.Response.StatusCode, re.Response.Header, re.Body); httpErr != nil {
				err = httpErr
			}
		}
		return nil, fmt.Errorf("token exchange: %w", err)
	}

	now := s.clock.Now()
	expiresIn := expiresInSeconds(tok)
	if expiresIn <= 0 && !tok.Expiry.IsZero() {
		expiresIn = int64(tok.Expiry.Sub(now).Seconds())
	}
	if expiresIn <= 0 {
		s.log.Warnf("Token response carried no expires_in, token will be renewed on next use")
	}

	record := model.Token{
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
		ExpiresIn:   expiresIn,
		Expiration:  float64(now.UnixNano())/1e9 + float64(expiresIn),
	}
	s.cache.Set(record)
	stored, err := s.cache.Store()
	if err != nil {
		return nil, err
	}
	if !stored {
		s.log.Warnf("Token not persisted, another writer holds the lock")
	}
	return record.OAuth2(), nil
}

func expiresInSeconds(tok *oauth2.Token) int64 {
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}
