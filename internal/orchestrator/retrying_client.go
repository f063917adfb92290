package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/paritybot/cascade/internal/githubclt"
	"github.com/paritybot/cascade/internal/logfields"
)

// Retryer runs an action repeatedly while it keeps failing with a
// goorderr.RetryableError, matching the contract the teacher's own
// internal/autoupdate.Retryer interface declares for its queue's GithubClient
// calls.
type Retryer interface {
	Run(ctx context.Context, fn func(context.Context) error, logF []zap.Field) error
	Stop()
}

// retryingGithubClient wraps a GithubClient so every upstream call is driven
// through a Retryer, the same way the teacher's queue wraps each individual
// q.ghClient call in q.retryer.Run rather than leaving retry to its callers:
// the clients below only tag errors with goorderr.RetryableError, this is
// what actually consumes the tag.
type retryingGithubClient struct {
	gh      GithubClient
	retryer Retryer
}

func newRetryingGithubClient(gh GithubClient, r Retryer) GithubClient {
	return &retryingGithubClient{gh: gh, retryer: r}
}

func (r *retryingGithubClient) GetPullRequest(ctx context.Context, owner, repo string, number int) (*githubclt.PullRequest, error) {
	var result *githubclt.PullRequest
	err := r.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		result, err = r.gh.GetPullRequest(ctx, owner, repo, number)
		return err
	}, []zap.Field{logfields.RepositoryOwner(owner), logfields.Repository(repo), logfields.PullRequest(number)})
	return result, err
}

func (r *retryingGithubClient) ListReviews(ctx context.Context, owner, repo string, number int) ([]*githubclt.Review, error) {
	var result []*githubclt.Review
	err := r.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		result, err = r.gh.ListReviews(ctx, owner, repo, number)
		return err
	}, []zap.Field{logfields.RepositoryOwner(owner), logfields.Repository(repo), logfields.PullRequest(number)})
	return result, err
}

func (r *retryingGithubClient) CreateApprovingReview(ctx context.Context, owner, repo string, number int, body string) error {
	return r.retryer.Run(ctx, func(ctx context.Context) error {
		return r.gh.CreateApprovingReview(ctx, owner, repo, number, body)
	}, []zap.Field{logfields.RepositoryOwner(owner), logfields.Repository(repo), logfields.PullRequest(number)})
}

func (r *retryingGithubClient) ListStatuses(ctx context.Context, owner, repo, ref string) ([]*githubclt.Status, error) {
	var result []*githubclt.Status
	err := r.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		result, err = r.gh.ListStatuses(ctx, owner, repo, ref)
		return err
	}, []zap.Field{logfields.RepositoryOwner(owner), logfields.Repository(repo), logfields.Commit(ref)})
	return result, err
}

func (r *retryingGithubClient) ListCheckRuns(ctx context.Context, owner, repo, ref string) ([]*githubclt.Status, error) {
	var result []*githubclt.Status
	err := r.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		result, err = r.gh.ListCheckRuns(ctx, owner, repo, ref)
		return err
	}, []zap.Field{logfields.RepositoryOwner(owner), logfields.Repository(repo), logfields.Commit(ref)})
	return result, err
}

func (r *retryingGithubClient) RequiredStatusChecks(ctx context.Context, owner, repo, branch string) ([]string, error) {
	var result []string
	err := r.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		result, err = r.gh.RequiredStatusChecks(ctx, owner, repo, branch)
		return err
	}, []zap.Field{logfields.RepositoryOwner(owner), logfields.Repository(repo), logfields.BaseBranch(branch)})
	return result, err
}

func (r *retryingGithubClient) MergePullRequest(ctx context.Context, owner, repo string, number int, expectedHeadSHA string, method githubclt.MergeMethod) (string, error) {
	var result string
	err := r.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		result, err = r.gh.MergePullRequest(ctx, owner, repo, number, expectedHeadSHA, method)
		return err
	}, []zap.Field{logfields.RepositoryOwner(owner), logfields.Repository(repo), logfields.PullRequest(number)})
	return result, err
}

func (r *retryingGithubClient) CreateIssueComment(ctx context.Context, owner, repo string, issueOrPRNr int, comment string) error {
	return r.retryer.Run(ctx, func(ctx context.Context) error {
		return r.gh.CreateIssueComment(ctx, owner, repo, issueOrPRNr, comment)
	}, []zap.Field{logfields.RepositoryOwner(owner), logfields.Repository(repo), logfields.PullRequest(issueOrPRNr)})
}

func (r *retryingGithubClient) CreateReaction(ctx context.Context, owner, repo string, commentID int64, reaction string) error {
	return r.retryer.Run(ctx, func(ctx context.Context) error {
		return r.gh.CreateReaction(ctx, owner, repo, commentID, reaction)
	}, []zap.Field{logfields.RepositoryOwner(owner), logfields.Repository(repo)})
}

func (r *retryingGithubClient) IsOrgMember(ctx context.Context, org, login string) (bool, error) {
	var result bool
	err := r.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		result, err = r.gh.IsOrgMember(ctx, org, login)
		return err
	}, []zap.Field{logfields.Login(login)})
	return result, err
}

func (r *retryingGithubClient) IsTeamMember(ctx context.Context, org, teamSlug, login string) (bool, error) {
	var result bool
	err := r.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		result, err = r.gh.IsTeamMember(ctx, org, teamSlug, login)
		return err
	}, []zap.Field{logfields.Login(login)})
	return result, err
}

func (r *retryingGithubClient) GetFileContents(ctx context.Context, owner, repo, path, ref string) ([]byte, error) {
	var result []byte
	err := r.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		result, err = r.gh.GetFileContents(ctx, owner, repo, path, ref)
		return err
	}, []zap.Field{logfields.RepositoryOwner(owner), logfields.Repository(repo), logfields.Commit(ref)})
	return result, err
}

func (r *retryingGithubClient) FindOpenPRForBranch(ctx context.Context, owner, repo, branch string) (int, bool, error) {
	var number int
	var found bool
	err := r.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		number, found, err = r.gh.FindOpenPRForBranch(ctx, owner, repo, branch)
		return err
	}, []zap.Field{logfields.RepositoryOwner(owner), logfields.Repository(repo), logfields.HeadBranch(branch)})
	return number, found, err
}

func (r *retryingGithubClient) UpdateBranch(ctx context.Context, owner, repo string, number int) (bool, bool, error) {
	var changed, scheduled bool
	err := r.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		changed, scheduled, err = r.gh.UpdateBranch(ctx, owner, repo, number)
		return err
	}, []zap.Field{logfields.RepositoryOwner(owner), logfields.Repository(repo), logfields.PullRequest(number)})
	return changed, scheduled, err
}

func (r *retryingGithubClient) AddLabel(ctx context.Context, owner, repo string, number int, label string) error {
	return r.retryer.Run(ctx, func(ctx context.Context) error {
		return r.gh.AddLabel(ctx, owner, repo, number, label)
	}, []zap.Field{logfields.RepositoryOwner(owner), logfields.Repository(repo), logfields.PullRequest(number), logfields.Label(label)})
}

func (r *retryingGithubClient) RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error {
	return r.retryer.Run(ctx, func(ctx context.Context) error {
		return r.gh.RemoveLabel(ctx, owner, repo, number, label)
	}, []zap.Field{logfields.RepositoryOwner(owner), logfields.Repository(repo), logfields.PullRequest(number), logfields.Label(label)})
}
