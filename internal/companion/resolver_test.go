package companion

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeGithubClient struct {
	prs       map[Identity]*PullRequest
	manifests map[Identity][]byte
	branchPRs map[string]int // "owner/repo/branch" -> number
}

func (f *fakeGithubClient) GetPullRequest(_ context.Context, owner, repo string, number int) (*PullRequest, error) {
	id := Identity{Owner: owner, Repo: repo, Number: number}
	pr, ok := f.prs[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return pr, nil
}

func (f *fakeGithubClient) GetFileContents(_ context.Context, owner, repo, _, _ string) ([]byte, error) {
	for k, v := range f.manifests {
		if k.Owner == owner && k.Repo == repo {
			return v, nil
		}
	}
	return nil, nil
}

func (f *fakeGithubClient) FindOpenPRForBranch(_ context.Context, owner, repo, branch string) (int, bool, error) {
	n, ok := f.branchPRs[owner+"/"+repo+"/"+branch]
	return n, ok, nil
}

func TestResolveSinglePRNoCompanions(t *testing.T) {
	clt := &fakeGithubClient{
		prs: map[Identity]*PullRequest{
			{Owner: "paritytech", Repo: "polkadot", Number: 1}: {Body: "no companions here"},
		},
	}

	g, err := Resolve(context.Background(), clt, Identity{Owner: "paritytech", Repo: "polkadot", Number: 1}, "https://github.com", "")
	require.NoError(t, err)
	require.Equal(t, []Identity{{Owner: "paritytech", Repo: "polkadot", Number: 1}}, g.Nodes())
}

func TestResolveCompanionFromBodyURL(t *testing.T) {
	root := Identity{Owner: "paritytech", Repo: "polkadot", Number: 20}
	dep := Identity{Owner: "paritytech", Repo: "substrate", Number: 30}

	clt := &fakeGithubClient{
		prs: map[Identity]*PullRequest{
			root: {Body: "companion: https://github.com/paritytech/substrate/pull/30"},
			dep:  {Body: "no further companions"},
		},
	}

	g, err := Resolve(context.Background(), clt, root, "https://github.com", "")
	require.NoError(t, err)
	require.Equal(t, []Identity{dep}, g.Dependencies(root))
	require.Equal(t, []Identity{dep, root}, g.TopoOrder())
}

func TestResolveCompanionFromOwnerRepoHashNumber(t *testing.T) {
	root := Identity{Owner: "paritytech", Repo: "polkadot", Number: 20}
	dep := Identity{Owner: "paritytech", Repo: "substrate", Number: 30}

	clt := &fakeGithubClient{
		prs: map[Identity]*PullRequest{
			root: {Body: "companion: paritytech/substrate#30"},
			dep:  {Body: "ok"},
		},
	}

	g, err := Resolve(context.Background(), clt, root, "https://github.com", "")
	require.NoError(t, err)
	require.Equal(t, []Identity{dep}, g.Dependencies(root))
}

func TestResolveDetectsCycle(t *testing.T) {
	a := Identity{Owner: "o", Repo: "a", Number: 1}
	b := Identity{Owner: "o", Repo: "b", Number: 2}

	clt := &fakeGithubClient{
		prs: map[Identity]*PullRequest{
			a: {Body: "companion: o/b#2"},
			b: {Body: "companion: o/a#1"},
		},
	}

	_, err := Resolve(context.Background(), clt, a, "https://github.com", "")
	require.Error(t, err)

	var cycleErr *CompanionCycleError
	require.ErrorAs(t, err, &cycleErr)
}

func TestResolveManifestDependencyOnOpenBranch(t *testing.T) {
	root := Identity{Owner: "paritytech", Repo: "polkadot", Number: 20}
	dep := Identity{Owner: "paritytech", Repo: "substrate", Number: 30}

	manifest := []byte(`
[dependencies.sp-io]
git = "https://github.com/paritytech/substrate"
branch = "feature-x"
`)

	clt := &fakeGithubClient{
		prs: map[Identity]*PullRequest{
			root: {Body: "no companion line", HeadRef: "my-branch"},
			dep:  {Body: "ok"},
		},
		manifests: map[Identity][]byte{root: manifest},
		branchPRs: map[string]int{"paritytech/substrate/feature-x": 30},
	}

	g, err := Resolve(context.Background(), clt, root, "https://github.com", "")
	require.NoError(t, err)
	require.Equal(t, []Identity{dep}, g.Dependencies(root))
}
