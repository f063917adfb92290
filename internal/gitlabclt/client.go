// Package gitlabclt determines whether a GitLab CI job for a given commit
// is currently retrying, so the orchestrator can tell a job that is being
// re-run apart from one that failed for good.
package gitlabclt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/paritybot/cascade/internal/goorderr"
	"github.com/paritybot/cascade/internal/logfields"
)

const loggerName = "gitlab_client"

// Retryer drives a retry loop around an upstream call that may fail with a
// goorderr.RetryableError. Satisfied by *retryer.Retryer.
type Retryer interface {
	Run(ctx context.Context, fn func(context.Context) error, logF []zap.Field) error
}

// Client queries a single GitLab project for pipeline and job state.
//
// GITLAB_URL is deployed already pointing at that project's API root
// (e.g. "https://gitlab.parity.io/api/v4/projects/parity%2Fsubstrate"), the
// same single-project scope the original bot's GITLAB_PROJECT variable
// named; this keeps the configuration surface to the GITLAB_URL and
// GITLAB_ACCESS_TOKEN pair the spec lists.
type Client struct {
	httpClt      *http.Client
	baseURL      string
	privateToken string
	logger       *zap.Logger
	retryer      Retryer
}

// New returns a client that queries the GitLab project whose API root is
// baseURL. retryer drives retries around transient failures from the
// underlying get() calls, which tag them with goorderr.RetryableError but
// do not retry them themselves.
func New(baseURL, privateToken string, retryer Retryer) *Client {
	return &Client{
		httpClt:      &http.Client{Timeout: 30 * time.Second},
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		privateToken: privateToken,
		logger:       zap.L().Named(loggerName),
		retryer:      retryer,
	}
}

type pipeline struct {
	ID int64 `json:"id"`
}

type job struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	WebURL string `json:"web_url"`
}

// retryingStates are GitLab job statuses that indicate the job is currently
// executing or queued to execute again, as opposed to having reached a
// terminal result.
var retryingStates = map[string]bool{
	"running": true,
	"pending": true,
}

// jobURLRe extracts the job id from a GitLab job web URL, e.g.
// https://gitlab.parity.io/parity/substrate/-/jobs/123456
var jobURLRe = regexp.MustCompile(`/-/jobs/(\d+)$`)

// IsRetrying reports whether the job identified by jobWebURL is, according
// to the latest pipeline run for commitSHA, currently running or queued to
// run. Any client error is logged and reported as false: a job we cannot
// positively confirm is retrying must be treated as failed, never as
// optimistically still-in-flight.
func (c *Client) IsRetrying(ctx context.Context, commitSHA, jobWebURL string) bool {
	var retrying bool
	err := c.retryer.Run(ctx, func(ctx context.Context) error {
		var runErr error
		retrying, runErr = c.isRetrying(ctx, commitSHA, jobWebURL)
		return runErr
	}, []zap.Field{zap.String("commit", commitSHA), zap.String("job_url", jobWebURL)})
	if err != nil {
		c.logger.Warn(
			"determining gitlab job retry status failed, treating as not retrying",
			logfields.Event("gitlab_retry_check_failed"),
			zap.String("commit", commitSHA),
			zap.String("job_url", jobWebURL),
			zap.Error(err),
		)
		return false
	}

	return retrying
}

func (c *Client) isRetrying(ctx context.Context, commitSHA, jobWebURL string) (bool, error) {
	jobName, err := c.jobNameFromURL(ctx, jobWebURL)
	if err != nil {
		return false, err
	}

	j, err := c.latestJob(ctx, commitSHA, jobName)
	if err != nil {
		return false, err
	}
	if j == nil {
		return false, nil
	}

	return retryingStates[j.Status], nil
}

// jobNameFromURL resolves the job name referenced by a GitLab job web URL
// by extracting its numeric id and looking the job up directly.
func (c *Client) jobNameFromURL(ctx context.Context, jobWebURL string) (string, error) {
	matches := jobURLRe.FindStringSubmatch(jobWebURL)
	if len(matches) != 2 {
		return "", fmt.Errorf("could not extract job id from url %q", jobWebURL)
	}

	jobID, err := strconv.ParseInt(matches[1], 10, 64)
	if err != nil {
		return "", fmt.Errorf("parsing job id from url %q failed: %w", jobWebURL, err)
	}

	var j job
	if err := c.get(ctx, fmt.Sprintf("%s/jobs/%d", c.baseURL, jobID), &j); err != nil {
		return "", err
	}

	return j.Name, nil
}

func (c *Client) latestJob(ctx context.Context, commitSHA, jobName string) (*job, error) {
	var pipelines []pipeline
	pipelinesURL := fmt.Sprintf("%s/pipelines?sha=%s&order_by=updated_at&per_page=1", c.baseURL, url.QueryEscape(commitSHA))
	if err := c.get(ctx, pipelinesURL, &pipelines); err != nil {
		return nil, err
	}

	if len(pipelines) == 0 {
		return nil, nil
	}

	var jobs []job
	jobsURL := fmt.Sprintf("%s/pipelines/%d/jobs?per_page=100", c.baseURL, pipelines[0].ID)
	if err := c.get(ctx, jobsURL, &jobs); err != nil {
		return nil, err
	}

	for i := range jobs {
		if jobs[i].Name == jobName {
			return &jobs[i], nil
		}
	}

	return nil, nil
}

func (c *Client) get(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("building request failed: %w", err)
	}
	req.Header.Set("PRIVATE-TOKEN", c.privateToken)

	resp, err := c.httpClt.Do(req)
	if err != nil {
		return goorderr.NewRetryableAnytimeError(fmt.Errorf("request to %q failed: %w", rawURL, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return goorderr.NewRetryableAnytimeError(fmt.Errorf("gitlab returned status %d for %q", resp.StatusCode, rawURL))
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("gitlab returned status %d for %q", resp.StatusCode, rawURL)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response from %q failed: %w", rawURL, err)
	}

	return nil
}
