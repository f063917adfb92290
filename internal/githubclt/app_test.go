package githubclt

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/google/go-github/v59/github"
	"github.com/stretchr/testify/require"

	"github.com/paritybot/cascade/internal/retryer"
)

func testPrivateKeyPEM(t *testing.T) []byte {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	der := x509.MarshalPKCS1PrivateKey(key)
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der})
}

func TestInstallationTokenServesCachedValue(t *testing.T) {
	appClt, err := NewAppClient(1, testPrivateKeyPEM(t), retryer.New())
	require.NoError(t, err)

	appClt.tokens[42] = &installationToken{
		token:  "tok-1",
		expiry: time.Now().Add(time.Hour),
	}

	tok, err := appClt.installationToken(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, "tok-1", tok)
}

func TestInstallationTokenMintsWhenExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(github.InstallationToken{
			Token:     github.String("tok-2"),
			ExpiresAt: &github.Timestamp{Time: time.Now().Add(time.Hour)},
		})
	}))
	t.Cleanup(srv.Close)

	appClt, err := NewAppClient(1, testPrivateKeyPEM(t), retryer.New())
	require.NoError(t, err)

	baseURL, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	appClt.appsClt.BaseURL = baseURL

	appClt.tokens[43] = &installationToken{
		token:  "tok-expired",
		expiry: time.Now().Add(-time.Hour),
	}

	tok, err := appClt.installationToken(context.Background(), 43)
	require.NoError(t, err)
	require.Equal(t, "tok-2", tok)
}
