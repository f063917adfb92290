package gitlabclt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/paritybot/cascade/internal/retryer"
)

func newTestServer(t *testing.T, jobStatus string) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/jobs/") && !strings.Contains(r.URL.Path, "/pipelines/"):
			_ = json.NewEncoder(w).Encode(job{ID: 555, Name: "build", Status: jobStatus, WebURL: "https://gitlab.example.com/group/proj/-/jobs/555"})
		case strings.Contains(r.URL.Path, "/pipelines") && strings.Contains(r.URL.Path, "/jobs"):
			_ = json.NewEncoder(w).Encode([]job{{ID: 555, Name: "build", Status: jobStatus}})
		case strings.Contains(r.URL.Path, "/pipelines"):
			_ = json.NewEncoder(w).Encode([]pipeline{{ID: 99}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestIsRetryingTrueWhenJobRunning(t *testing.T) {
	srv := newTestServer(t, "running")
	t.Cleanup(srv.Close)

	c := New(srv.URL, "token", retryer.New())
	got := c.IsRetrying(context.Background(), "abc123", "https://gitlab.example.com/group/proj/-/jobs/555")
	require.True(t, got)
}

func TestIsRetryingFalseWhenJobFailed(t *testing.T) {
	srv := newTestServer(t, "failed")
	t.Cleanup(srv.Close)

	c := New(srv.URL, "token", retryer.New())
	got := c.IsRetrying(context.Background(), "abc123", "https://gitlab.example.com/group/proj/-/jobs/555")
	require.False(t, got)
}

func TestIsRetryingFalseOnMalformedURL(t *testing.T) {
	c := New("https://gitlab.example.com", "token", retryer.New())
	got := c.IsRetrying(context.Background(), "abc123", "not-a-job-url")
	require.False(t, got)
}
