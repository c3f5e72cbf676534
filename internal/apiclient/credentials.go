package apiclient

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/oauth2"

	"github.com/torrentclaw/truestream/internal/apperr"
)

// ErrNotRefreshable is returned by Refresh on credentials that cannot be renewed.
var ErrNotRefreshable = errors.New("credential is not refreshable")

// Credentials supplies bearer tokens.
type Credentials interface {
	Token(ctx context.Context) (string, error)
	// Refresh discards the current token so the next Token call fetches a
	// new one. Static credentials return ErrNotRefreshable.
	Refresh(ctx context.Context) error
}

// Static is a fixed API token. It is never cleared on rejection: a static
// token can be refused transiently (IP throttling) without being invalid.
type Static string

func (s Static) Token(context.Context) (string, error) {
	if s == "" {
		return "", apperr.New(apperr.AuthInvalid, "no API token configured")
	}
	return string(s), nil
}

func (Static) Refresh(context.Context) error { return ErrNotRefreshable }

// OAuth is a refreshable credential backed by an OAuth2 refresh token.
type OAuth struct {
	cfg *oauth2.Config

	mu  sync.Mutex
	tok *oauth2.Token
}

// NewOAuth returns a credential that exchanges refreshToken at tokenURL.
// accessToken may be empty, in which case the first Token call refreshes.
func NewOAuth(clientID, clientSecret, tokenURL, refreshToken, accessToken string) *OAuth {
	return &OAuth{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInParams},
		},
		tok: &oauth2.Token{AccessToken: accessToken, RefreshToken: refreshToken, TokenType: "Bearer"},
	}
}

func (o *OAuth) Token(ctx context.Context) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	// A token without expiry and with an access token is treated as valid.
	tok, err := o.cfg.TokenSource(ctx, o.tok).Token()
	if err != nil {
		return "", apperr.Wrap(apperr.AuthInvalid, err, "refresh access token")
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = o.tok.RefreshToken
	}
	o.tok = tok
	return tok.AccessToken, nil
}

func (o *OAuth) Refresh(context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.tok.RefreshToken == "" {
		return ErrNotRefreshable
	}
	o.tok = &oauth2.Token{RefreshToken: o.tok.RefreshToken}
	return nil
}
