package githubclt

import (
	"context"
	"fmt"

	"github.com/google/go-github/v59/github"
)

// PullRequest is the subset of a GitHub pull request the orchestrator
// needs to evaluate policy and drive a merge.
type PullRequest struct {
	Number    int
	State     string
	Body      string
	HeadSHA   string
	HeadRef   string
	HeadOwner string
	HeadRepo  string
	BaseRef   string
	Merged    bool
}

// GetPullRequest fetches a pull request.
func (clt *Client) GetPullRequest(ctx context.Context, owner, repo string, number int) (*PullRequest, error) {
	pr, _, err := clt.restClt.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, clt.wrapRetryableErrors(err)
	}

	head := pr.GetHead()
	base := pr.GetBase()

	return &PullRequest{
		Number:    pr.GetNumber(),
		State:     pr.GetState(),
		Body:      pr.GetBody(),
		HeadSHA:   head.GetSHA(),
		HeadRef:   head.GetRef(),
		HeadOwner: head.GetUser().GetLogin(),
		HeadRepo:  head.GetRepo().GetName(),
		BaseRef:   base.GetRef(),
		Merged:    pr.GetMerged(),
	}, nil
}

// Review is a single pull request review.
type Review struct {
	ID          int64
	Login       string
	State       string // APPROVED, CHANGES_REQUESTED, COMMENTED, DISMISSED
	CommitID    string
	SubmittedAt string
}

// ListReviews returns all reviews submitted on a pull request, oldest first,
// matching GitHub's default ordering.
func (clt *Client) ListReviews(ctx context.Context, owner, repo string, number int) ([]*Review, error) {
	var result []*Review

	opts := &github.ListOptions{PerPage: 100}
	for {
		reviews, resp, err := clt.restClt.PullRequests.ListReviews(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, clt.wrapRetryableErrors(err)
		}

		for _, r := range reviews {
			result = append(result, &Review{
				ID:       r.GetID(),
				Login:    r.GetUser().GetLogin(),
				State:    r.GetState(),
				CommitID: r.GetCommitID(),
			})
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return result, nil
}

// CreateApprovingReview submits an approving review as the authenticated
// user (the app installation).
func (clt *Client) CreateApprovingReview(ctx context.Context, owner, repo string, number int, body string) error {
	_, _, err := clt.restClt.PullRequests.CreateReview(ctx, owner, repo, number, &github.PullRequestReviewRequest{
		Body:  &body,
		Event: github.String("APPROVE"),
	})
	return clt.wrapRetryableErrors(err)
}

// Status is a commit status or check-run observed for a head SHA.
type Status struct {
	Context     string
	State       string // success, failure, pending, error
	Description string
	TargetURL   string
}

// ListStatuses returns the commit statuses reported for ref, most recent
// state per context (GitHub lists statuses newest first, so the first entry
// seen for a context is kept and older ones are skipped).
func (clt *Client) ListStatuses(ctx context.Context, owner, repo, ref string) ([]*Status, error) {
	var result []*Status
	seen := map[string]bool{}

	opts := &github.ListOptions{PerPage: 100}
	for {
		statuses, resp, err := clt.restClt.Repositories.ListStatuses(ctx, owner, repo, ref, opts)
		if err != nil {
			return nil, clt.wrapRetryableErrors(err)
		}

		for _, s := range statuses {
			if seen[s.GetContext()] {
				continue
			}
			seen[s.GetContext()] = true

			result = append(result, &Status{
				Context:     s.GetContext(),
				State:       s.GetState(),
				Description: s.GetDescription(),
				TargetURL:   s.GetTargetURL(),
			})
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return result, nil
}

// ListCheckRuns returns all check-runs reported for ref, translated into
// the same Status shape used for commit statuses so the policy engine can
// treat them uniformly.
func (clt *Client) ListCheckRuns(ctx context.Context, owner, repo, ref string) ([]*Status, error) {
	var result []*Status

	opts := &github.ListCheckRunsOptions{ListOptions: github.ListOptions{PerPage: 100}}
	for {
		resp, httpResp, err := clt.restClt.Checks.ListCheckRunsForRef(ctx, owner, repo, ref, opts)
		if err != nil {
			return nil, clt.wrapRetryableErrors(err)
		}

		for _, cr := range resp.CheckRuns {
			result = append(result, &Status{
				Context:     cr.GetName(),
				State:       checkRunState(cr),
				Description: cr.GetOutput().GetSummary(),
				TargetURL:   cr.GetDetailsURL(),
			})
		}

		if httpResp.NextPage == 0 {
			break
		}
		opts.Page = httpResp.NextPage
	}

	return result, nil
}

func checkRunState(cr *github.CheckRun) string {
	if cr.GetStatus() != "completed" {
		return "pending"
	}

	switch cr.GetConclusion() {
	case "success", "neutral", "skipped":
		return "success"
	case "action_required":
		return "pending"
	default:
		return "failure"
	}
}

// RequiredStatusChecks returns the branch-protection required status check
// contexts for branch. An empty slice means no required checks are
// configured, which is not an error.
func (clt *Client) RequiredStatusChecks(ctx context.Context, owner, repo, branch string) ([]string, error) {
	protection, resp, err := clt.restClt.Repositories.GetBranchProtection(ctx, owner, repo, branch)
	if err != nil {
		if resp != nil && resp.StatusCode == 404 {
			return nil, nil
		}
		return nil, clt.wrapRetryableErrors(err)
	}

	checks := protection.GetRequiredStatusChecks()
	if checks == nil {
		return nil, nil
	}

	return checks.Contexts, nil
}

// MergeMethod selects how MergePullRequest integrates a pull request.
type MergeMethod string

const (
	MergeMethodSquash MergeMethod = "squash"
	MergeMethodMerge  MergeMethod = "merge"
	MergeMethodRebase MergeMethod = "rebase"
)

// ErrHeadChanged is returned by MergePullRequest when GitHub rejects the
// merge because expectedHeadSHA no longer matches the PR's current head.
var ErrHeadChanged = fmt.Errorf("pull request head changed since it was last fetched")

// MergePullRequest merges a pull request, failing with ErrHeadChanged if
// expectedHeadSHA is stale.
func (clt *Client) MergePullRequest(ctx context.Context, owner, repo string, number int, expectedHeadSHA string, method MergeMethod) (mergeCommitSHA string, err error) {
	result, resp, err := clt.restClt.PullRequests.Merge(ctx, owner, repo, number, "", &github.PullRequestOptions{
		SHA:         expectedHeadSHA,
		MergeMethod: string(method),
	})
	if err != nil {
		if resp != nil && resp.StatusCode == 405 {
			return "", ErrHeadChanged
		}
		return "", clt.wrapRetryableErrors(err)
	}

	return result.GetSHA(), nil
}

// CreateReaction adds an emoji reaction to an issue comment.
func (clt *Client) CreateReaction(ctx context.Context, owner, repo string, commentID int64, reaction string) error {
	_, _, err := clt.restClt.Reactions.CreateIssueCommentReaction(ctx, owner, repo, commentID, reaction)
	return clt.wrapRetryableErrors(err)
}

// GetFileContents returns the raw contents of path at ref.
func (clt *Client) GetFileContents(ctx context.Context, owner, repo, path, ref string) ([]byte, error) {
	contents, _, _, err := clt.restClt.Repositories.GetContents(ctx, owner, repo, path, &github.RepositoryContentGetOptions{Ref: ref})
	if err != nil {
		return nil, clt.wrapRetryableErrors(err)
	}

	decoded, err := contents.GetContent()
	if err != nil {
		return nil, fmt.Errorf("decoding contents of %q failed: %w", path, err)
	}

	return []byte(decoded), nil
}
