package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/paritybot/cascade/internal/cfg"
	"github.com/paritybot/cascade/internal/githubclt"
	"github.com/paritybot/cascade/internal/gitworker"
	"github.com/paritybot/cascade/internal/store"
)

// fakeGithub is a minimal in-memory stand-in for GithubClient, built around
// per-PR fixtures keyed by Identity rather than a mock framework, matching
// how the rest of this codebase's packages fake their collaborators.
type fakeGithub struct {
	mu sync.Mutex

	prs       map[Identity]*githubclt.PullRequest
	reviews   map[Identity][]*githubclt.Review
	statuses  map[Identity][]*githubclt.Status
	checkRuns map[Identity][]*githubclt.Status
	required  map[string][]string // "owner/repo/branch" -> contexts
	orgMember map[string]bool
	teamMember map[string]bool

	comments  []string
	reactions []string
	approvals []Identity
	merged    []Identity
	labels    map[Identity]map[string]bool

	mergeErr      error
	nextMergeSHA  string
	branchChanged bool
}

func newFakeGithub() *fakeGithub {
	return &fakeGithub{
		prs:        map[Identity]*githubclt.PullRequest{},
		reviews:    map[Identity][]*githubclt.Review{},
		statuses:   map[Identity][]*githubclt.Status{},
		checkRuns:  map[Identity][]*githubclt.Status{},
		required:   map[string][]string{},
		orgMember:  map[string]bool{},
		teamMember: map[string]bool{},
		labels:     map[Identity]map[string]bool{},
	}
}

func (f *fakeGithub) GetPullRequest(_ context.Context, owner, repo string, number int) (*githubclt.PullRequest, error) {
	id := Identity{Owner: owner, Repo: repo, Number: number}
	pr, ok := f.prs[id]
	if !ok {
		return nil, fmt.Errorf("no fixture pull request for %s", id.Key())
	}
	return pr, nil
}

func (f *fakeGithub) ListReviews(_ context.Context, owner, repo string, number int) ([]*githubclt.Review, error) {
	return f.reviews[Identity{Owner: owner, Repo: repo, Number: number}], nil
}

func (f *fakeGithub) CreateApprovingReview(_ context.Context, owner, repo string, number int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := Identity{Owner: owner, Repo: repo, Number: number}
	f.approvals = append(f.approvals, id)
	f.reviews[id] = append(f.reviews[id], &githubclt.Review{Login: BotLogin, State: "APPROVED", CommitID: f.prs[id].HeadSHA})
	return nil
}

func (f *fakeGithub) ListStatuses(_ context.Context, owner, repo, _ string) ([]*githubclt.Status, error) {
	return f.statuses[f.findByRepo(owner, repo)], nil
}

func (f *fakeGithub) ListCheckRuns(_ context.Context, owner, repo, _ string) ([]*githubclt.Status, error) {
	return f.checkRuns[f.findByRepo(owner, repo)], nil
}

// findByRepo exists because ListStatuses/ListCheckRuns are keyed by ref in
// the real client, but these fixtures only ever have one open PR per repo.
func (f *fakeGithub) findByRepo(owner, repo string) Identity {
	for id := range f.prs {
		if id.Owner == owner && id.Repo == repo {
			return id
		}
	}
	return Identity{Owner: owner, Repo: repo}
}

func (f *fakeGithub) RequiredStatusChecks(_ context.Context, owner, repo, branch string) ([]string, error) {
	return f.required[owner+"/"+repo+"/"+branch], nil
}

func (f *fakeGithub) MergePullRequest(_ context.Context, owner, repo string, number int, _ string, _ githubclt.MergeMethod) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.mergeErr != nil {
		err := f.mergeErr
		f.mergeErr = nil
		return "", err
	}

	id := Identity{Owner: owner, Repo: repo, Number: number}
	f.merged = append(f.merged, id)
	if pr, ok := f.prs[id]; ok {
		pr.Merged = true
		pr.State = "closed"
	}

	sha := f.nextMergeSHA
	if sha == "" {
		sha = fmt.Sprintf("merged-%s", id.Key())
	}
	return sha, nil
}

func (f *fakeGithub) CreateIssueComment(_ context.Context, _, _ string, _ int, comment string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, comment)
	return nil
}

func (f *fakeGithub) CreateReaction(_ context.Context, _, _ string, _ int64, reaction string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, reaction)
	return nil
}

func (f *fakeGithub) IsOrgMember(_ context.Context, _, login string) (bool, error) {
	return f.orgMember[login], nil
}

func (f *fakeGithub) IsTeamMember(_ context.Context, _, teamSlug, login string) (bool, error) {
	return f.teamMember[teamSlug+"/"+login], nil
}

func (f *fakeGithub) GetFileContents(context.Context, string, string, string, string) ([]byte, error) {
	return nil, nil
}

func (f *fakeGithub) FindOpenPRForBranch(context.Context, string, string, string) (int, bool, error) {
	return 0, false, nil
}

func (f *fakeGithub) UpdateBranch(_ context.Context, owner, repo string, number int) (bool, bool, error) {
	id := Identity{Owner: owner, Repo: repo, Number: number}
	_ = id
	changed := f.branchChanged
	f.branchChanged = false
	return changed, changed, nil
}

func (f *fakeGithub) AddLabel(_ context.Context, owner, repo string, number int, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := Identity{Owner: owner, Repo: repo, Number: number}
	if f.labels[id] == nil {
		f.labels[id] = map[string]bool{}
	}
	f.labels[id][label] = true
	return nil
}

func (f *fakeGithub) RemoveLabel(_ context.Context, owner, repo string, number int, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := Identity{Owner: owner, Repo: repo, Number: number}
	delete(f.labels[id], label)
	return nil
}

func (f *fakeGithub) hasLabel(id Identity, label string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.labels[id][label]
}

type fakeGitlab struct {
	retrying map[string]bool
}

func (f *fakeGitlab) IsRetrying(_ context.Context, _, jobWebURL string) bool {
	if f == nil {
		return false
	}
	return f.retrying[jobWebURL]
}

type fakeGitWorker struct {
	mu sync.Mutex

	rebaseSHA   string
	rebaseErr   error
	manifestSHA string
	manifestErr error

	updatedWith []gitworker.DependencyUpdate
}

func (f *fakeGitWorker) Rebase(context.Context, string, string, string, string, string) (string, error) {
	if f.rebaseErr != nil {
		return "", f.rebaseErr
	}
	return f.rebaseSHA, nil
}

func (f *fakeGitWorker) UpdateDependencies(_ context.Context, _, _, _, _ string, updates []gitworker.DependencyUpdate) (string, error) {
	f.mu.Lock()
	f.updatedWith = append(f.updatedWith, updates...)
	f.mu.Unlock()
	return f.manifestSHA, f.manifestErr
}

type fakeTokenSource struct{}

func (fakeTokenSource) InstallationToken(context.Context, int64) (string, error) {
	return "test-token", nil
}

// passthroughRetryer runs fn exactly once, since none of these fakes ever
// return a goorderr.RetryableError; the real Retryer's backoff/timeout
// behavior is exercised by internal/retryer's own tests instead.
type passthroughRetryer struct{}

func (passthroughRetryer) Run(ctx context.Context, fn func(context.Context) error, _ []zap.Field) error {
	return fn(ctx)
}

func (passthroughRetryer) Stop() {}

// testHarness bundles an Orchestrator with its fakes, openly accessible to
// assert against, matching how companion/resolver_test.go exposes its fake
// rather than hiding it behind the production interface.
type testHarness struct {
	orch  *Orchestrator
	gh    *fakeGithub
	git   *fakeGitWorker
	store *store.Store
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "pending.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, st.Close()) })

	gh := newFakeGithub()
	git := &fakeGitWorker{}
	gitlab := &fakeGitlab{retrying: map[string]bool{}}

	c := &cfg.Config{
		InstallationLogin: "paritytech",
		DisableOrgChecks:  true,
	}

	orch := New(c, 1, gh, gitlab, git, fakeTokenSource{}, st, passthroughRetryer{})

	return &testHarness{orch: orch, gh: gh, git: git, store: st}
}

// addPR registers an open pull request fixture with no required checks and
// no reviews, ready for individual tests to adjust.
func (h *testHarness) addPR(id Identity, headSHA, baseRef string) {
	h.gh.prs[id] = &githubclt.PullRequest{
		Number:  id.Number,
		State:   "open",
		HeadSHA: headSHA,
		HeadRef: fmt.Sprintf("branch-%d", id.Number),
		BaseRef: baseRef,
	}
}

func (h *testHarness) approve(id Identity, login, headSHA string) {
	h.gh.reviews[id] = append(h.gh.reviews[id], &githubclt.Review{
		Login: login, State: "APPROVED", CommitID: headSHA,
	})
}

func (h *testHarness) requestChanges(id Identity, login, headSHA string) {
	h.gh.reviews[id] = append(h.gh.reviews[id], &githubclt.Review{
		Login: login, State: "CHANGES_REQUESTED", CommitID: headSHA,
	})
}

// pendingRequiredCheck registers a single Required status on id's head that
// policy.Classify will treat as pending, so evaluate() returns
// KindWaitingForChecks.
func (h *testHarness) pendingRequiredCheck(id Identity, baseRef, context string) {
	h.gh.required[id.Owner+"/"+id.Repo+"/"+baseRef] = []string{context}
	h.gh.statuses[id] = []*githubclt.Status{{Context: context, State: "pending"}}
}

func newPendingMergeRecord(id Identity) *store.PendingMerge {
	return &store.PendingMerge{Identity: id, Requester: "alice"}
}

func storePendingMergeWithHead(id Identity, headSHA string) *store.PendingMerge {
	return &store.PendingMerge{Identity: id, HeadSHA: headSHA, Requester: "alice"}
}
