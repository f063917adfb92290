package githubclt

import (
	"context"

	"github.com/google/go-github/v59/github"
)

// FindOpenPRForBranch returns the number of the open pull request whose
// head branch is branch, if one exists.
func (clt *Client) FindOpenPRForBranch(ctx context.Context, owner, repo, branch string) (number int, found bool, err error) {
	prs, _, err := clt.restClt.PullRequests.List(ctx, owner, repo, &github.PullRequestListOptions{
		State: "open",
		Head:  owner + ":" + branch,
	})
	if err != nil {
		return 0, false, clt.wrapRetryableErrors(err)
	}

	if len(prs) == 0 {
		return 0, false, nil
	}

	return prs[0].GetNumber(), true, nil
}
