package githubclt

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v59/github"
	"go.uber.org/zap"

	"github.com/paritybot/cascade/internal/logfields"
)

const (
	jwtExpiry          = 10 * time.Minute
	tokenRefreshMargin = time.Minute
)

// Retryer drives a retry loop around an upstream call that may fail with a
// goorderr.RetryableError. Satisfied by *retryer.Retryer.
type Retryer interface {
	Run(ctx context.Context, fn func(context.Context) error, logF []zap.Field) error
}

// AppClient is a github API client that authenticates as a GitHub App
// installation. It mints a short-lived JWT to exchange for per-installation
// access tokens and caches them until shortly before expiry.
type AppClient struct {
	appID      int64
	privateKey any // *rsa.PrivateKey, parsed by NewAppClient

	appsClt *github.Client
	logger  *zap.Logger
	retryer Retryer

	mu     sync.Mutex
	tokens map[int64]*installationToken

	// newClientForToken builds a Client authenticated with an
	// installation token, isolated for testability.
	newClientForToken func(token string) *Client
}

type installationToken struct {
	token    string
	expiry   time.Time
	inflight chan struct{} // non-nil while a refresh is underway
}

// NewAppClient parses pemPrivateKey (PKCS#1 or PKCS#8 PEM, RSA) and returns
// a client that signs installation JWTs as appID. retryer drives retries
// around the JWT-to-token exchange calls below the same way it drives
// retries around the installation client's own upstream calls.
func NewAppClient(appID int64, pemPrivateKey []byte, retryer Retryer) (*AppClient, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("parsing app private key failed: %w", err)
	}

	return &AppClient{
		appID:      appID,
		privateKey: key,
		appsClt:    github.NewClient(&http.Client{Timeout: DefaultHTTPClientTimeout}),
		logger:     zap.L().Named(loggerName).Named("app"),
		retryer:    retryer,
		tokens:     map[int64]*installationToken{},
		newClientForToken: func(token string) *Client {
			return New(token)
		},
	}, nil
}

func (a *AppClient) signedJWT() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-30 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(jwtExpiry)),
		Issuer:    fmt.Sprintf("%d", a.appID),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(a.privateKey)
}

// InstallationClient returns a Client authenticated with a cached or
// freshly minted access token for installationID. Concurrent calls for the
// same installation ID single-flight the refresh.
func (a *AppClient) InstallationClient(ctx context.Context, installationID int64) (*Client, error) {
	token, err := a.installationToken(ctx, installationID)
	if err != nil {
		return nil, err
	}

	return a.newClientForToken(token), nil
}

// InstallationToken returns a cached or freshly minted installation access
// token, for callers (the git worker) that need the raw token rather than
// a Client wrapping it.
func (a *AppClient) InstallationToken(ctx context.Context, installationID int64) (string, error) {
	return a.installationToken(ctx, installationID)
}

// OrgInstallationID resolves the installation id for the app's
// installation on org.
func (a *AppClient) OrgInstallationID(ctx context.Context, org string) (int64, error) {
	signed, err := a.signedJWT()
	if err != nil {
		return 0, fmt.Errorf("signing app jwt failed: %w", err)
	}

	req, err := a.appsClt.NewRequest(http.MethodGet, fmt.Sprintf("orgs/%s/installation", org), nil)
	if err != nil {
		return 0, fmt.Errorf("creating installation lookup request failed: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+signed)

	var result github.Installation
	err = a.retryer.Run(ctx, func(ctx context.Context) error {
		_, doErr := a.appsClt.Do(ctx, req, &result)
		if doErr != nil {
			return wrapRetryableErrors(a.logger, doErr)
		}
		return nil
	}, []zap.Field{zap.String("org", org)})
	if err != nil {
		return 0, err
	}

	return result.GetID(), nil
}

func (a *AppClient) installationToken(ctx context.Context, installationID int64) (string, error) {
	a.mu.Lock()
	entry, exists := a.tokens[installationID]

	if exists && entry.inflight == nil && time.Now().Before(entry.expiry.Add(-tokenRefreshMargin)) {
		token := entry.token
		a.mu.Unlock()
		return token, nil
	}

	if exists && entry.inflight != nil {
		wait := entry.inflight
		a.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return "", ctx.Err()
		}

		return a.installationToken(ctx, installationID)
	}

	entry = &installationToken{inflight: make(chan struct{})}
	a.tokens[installationID] = entry
	a.mu.Unlock()

	tok, expiry, err := a.mintInstallationToken(ctx, installationID)

	a.mu.Lock()
	if err != nil {
		delete(a.tokens, installationID)
		close(entry.inflight)
		a.mu.Unlock()
		return "", err
	}

	entry.token = tok
	entry.expiry = expiry
	close(entry.inflight)
	entry.inflight = nil
	a.mu.Unlock()

	return tok, nil
}

func (a *AppClient) mintInstallationToken(ctx context.Context, installationID int64) (string, time.Time, error) {
	signed, err := a.signedJWT()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing app jwt failed: %w", err)
	}

	req, err := a.appsClt.NewRequest(
		http.MethodPost,
		fmt.Sprintf("app/installations/%d/access_tokens", installationID),
		nil,
	)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("creating access token request failed: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+signed)

	var result github.InstallationToken
	err = a.retryer.Run(ctx, func(ctx context.Context) error {
		_, doErr := a.appsClt.Do(ctx, req, &result)
		if doErr != nil {
			return wrapRetryableErrors(a.logger, doErr)
		}
		return nil
	}, []zap.Field{zap.Int64("installation_id", installationID)})
	if err != nil {
		return "", time.Time{}, err
	}

	a.logger.Debug(
		"minted installation access token",
		logfields.Event("github_installation_token_minted"),
		zap.Int64("installation_id", installationID),
	)

	return result.GetToken(), result.GetExpiresAt().Time, nil
}
