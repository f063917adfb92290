// Package orchestrator implements the Merge Orchestrator state machine:
// it handles bot commands, persists pending-merge intent, reacts to
// webhook-driven CI updates, and runs the ordered companion merge
// cascade.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/paritybot/cascade/internal/cfg"
	"github.com/paritybot/cascade/internal/command"
	"github.com/paritybot/cascade/internal/companion"
	"github.com/paritybot/cascade/internal/githubclt"
	"github.com/paritybot/cascade/internal/gitworker"
	"github.com/paritybot/cascade/internal/logfields"
	"github.com/paritybot/cascade/internal/policy"
	"github.com/paritybot/cascade/internal/store"
)

// Identity aliases the store's PR identity triple.
type Identity = store.Identity

// BotLogin is the login the bot's own reviews and comments are posted
// under.
const BotLogin = "parity-processbot"

// GithubClient is the subset of github operations the orchestrator needs.
// It is satisfied by *githubclt.Client.
type GithubClient interface {
	GetPullRequest(ctx context.Context, owner, repo string, number int) (*githubclt.PullRequest, error)
	ListReviews(ctx context.Context, owner, repo string, number int) ([]*githubclt.Review, error)
	CreateApprovingReview(ctx context.Context, owner, repo string, number int, body string) error
	ListStatuses(ctx context.Context, owner, repo, ref string) ([]*githubclt.Status, error)
	ListCheckRuns(ctx context.Context, owner, repo, ref string) ([]*githubclt.Status, error)
	RequiredStatusChecks(ctx context.Context, owner, repo, branch string) ([]string, error)
	MergePullRequest(ctx context.Context, owner, repo string, number int, expectedHeadSHA string, method githubclt.MergeMethod) (string, error)
	CreateIssueComment(ctx context.Context, owner, repo string, issueOrPRNr int, comment string) error
	CreateReaction(ctx context.Context, owner, repo string, commentID int64, reaction string) error
	IsOrgMember(ctx context.Context, org, login string) (bool, error)
	IsTeamMember(ctx context.Context, org, teamSlug, login string) (bool, error)
	GetFileContents(ctx context.Context, owner, repo, path, ref string) ([]byte, error)
	FindOpenPRForBranch(ctx context.Context, owner, repo, branch string) (int, bool, error)
	UpdateBranch(ctx context.Context, owner, repo string, number int) (changed, scheduled bool, err error)
	AddLabel(ctx context.Context, owner, repo string, number int, label string) error
	RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error
}

// pendingLabel is applied to the pull request a merge was requested on
// while a pending merge record for it is stored, and removed once the
// cascade resolves one way or another.
const pendingLabel = "merge-pending"

// GitlabClient determines whether a failing job is currently retrying.
type GitlabClient interface {
	IsRetrying(ctx context.Context, commitSHA, jobWebURL string) bool
}

// GitWorker performs the local git operations a cascade step needs.
type GitWorker interface {
	Rebase(ctx context.Context, owner, repo, baseRef, headRef, token string) (string, error)
	UpdateDependencies(ctx context.Context, owner, repo, headRef, token string, updates []gitworker.DependencyUpdate) (string, error)
}

// TokenSource mints the installation access token used for git pushes.
type TokenSource interface {
	InstallationToken(ctx context.Context, installationID int64) (string, error)
}

// Orchestrator owns all pending-merge state transitions.
type Orchestrator struct {
	cfg            *cfg.Config
	installationID int64

	gh     GithubClient
	gitlab GitlabClient
	git    GitWorker
	tokens TokenSource
	store  *store.Store

	logger *zap.Logger

	prLocks sync.Map // Identity -> *sync.Mutex

	cascadeMu   sync.Mutex
	cancelFlags map[Identity]bool
}

// New returns an Orchestrator wired to its collaborators. Every call gh
// makes is driven through retryer (7 Error handling and retries), so
// individual GithubClient implementations only need to tag transient
// failures with goorderr.RetryableError, not retry them themselves.
func New(
	c *cfg.Config,
	installationID int64,
	gh GithubClient,
	gitlab GitlabClient,
	git GitWorker,
	tokens TokenSource,
	st *store.Store,
	retryer Retryer,
) *Orchestrator {
	return &Orchestrator{
		cfg:            c,
		installationID: installationID,
		gh:             newRetryingGithubClient(gh, retryer),
		gitlab:         gitlab,
		git:            git,
		tokens:         tokens,
		store:          st,
		logger:         zap.L().Named("orchestrator"),
		cancelFlags:    map[Identity]bool{},
	}
}

func (o *Orchestrator) lockFor(id Identity) *sync.Mutex {
	l, _ := o.prLocks.LoadOrStore(id, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// withPRLock runs fn while holding the per-PR-identity lock, guaranteeing
// at most one orchestration task per PR runs concurrently.
func (o *Orchestrator) withPRLock(id Identity, fn func()) {
	lock := o.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	fn()
}

func (o *Orchestrator) companionClient() companion.GithubClient {
	return companionAdapter{o.gh}
}

// companionAdapter adapts GithubClient to companion.GithubClient, which
// uses its own narrow PullRequest shape.
type companionAdapter struct {
	gh GithubClient
}

func (a companionAdapter) GetPullRequest(ctx context.Context, owner, repo string, number int) (*companion.PullRequest, error) {
	pr, err := a.gh.GetPullRequest(ctx, owner, repo, number)
	if err != nil {
		return nil, err
	}

	return &companion.PullRequest{Body: pr.Body, HeadRef: pr.HeadRef, BaseRef: pr.BaseRef}, nil
}

func (a companionAdapter) GetFileContents(ctx context.Context, owner, repo, path, ref string) ([]byte, error) {
	return a.gh.GetFileContents(ctx, owner, repo, path, ref)
}

func (a companionAdapter) FindOpenPRForBranch(ctx context.Context, owner, repo, branch string) (int, bool, error) {
	return a.gh.FindOpenPRForBranch(ctx, owner, repo, branch)
}

// Startup replays every persisted PendingMerge record, re-evaluating each
// against the current state of the world. Stale records are dropped.
func (o *Orchestrator) Startup(ctx context.Context) error {
	var records []*store.PendingMerge

	if err := o.store.ScanAll(func(rec *store.PendingMerge) error {
		records = append(records, rec)
		return nil
	}); err != nil {
		return err
	}

	o.logger.Info(
		"replaying pending merges from startup",
		logfields.Event("orchestrator_startup_replay"),
		zap.Int("count", len(records)),
	)

	for _, rec := range records {
		rec := rec
		o.withPRLock(rec.Identity, func() {
			o.resumePending(ctx, rec)
		})
	}

	return nil
}

const staleHeadGraceWindow = 7 * 24 * time.Hour

func (o *Orchestrator) resumePending(ctx context.Context, rec *store.PendingMerge) {
	logger := o.logger.With(
		logfields.RepositoryOwner(rec.Identity.Owner),
		logfields.Repository(rec.Identity.Repo),
		logfields.PullRequest(rec.Identity.Number),
	)

	pr, err := o.gh.GetPullRequest(ctx, rec.Identity.Owner, rec.Identity.Repo, rec.Identity.Number)
	if err != nil {
		logger.Warn("fetching pull request for pending merge failed, leaving record in place",
			logfields.Event("orchestrator_startup_fetch_failed"), zap.Error(err))
		return
	}

	if pr.State == "closed" {
		logger.Info("dropping pending merge for closed pull request",
			logfields.Event("orchestrator_startup_drop_closed"))
		_ = o.store.Delete(rec.Identity)
		return
	}

	if pr.HeadSHA != rec.HeadSHA && time.Since(rec.CreatedAt) > staleHeadGraceWindow {
		logger.Info("dropping stale pending merge, head diverged past grace window",
			logfields.Event("orchestrator_startup_drop_stale"))
		_ = o.store.Delete(rec.Identity)
		return
	}

	o.attemptMerge(ctx, rec.Identity, rec.Requester, rec.Force)
}

// approvalRoles resolves the policy.Role memberships for login.
func (o *Orchestrator) approvalRoles(ctx context.Context, login string) ([]policy.Role, error) {
	var roles []policy.Role

	isCoreDev, err := o.gh.IsTeamMember(ctx, o.cfg.InstallationLogin, "core-devs", login)
	if err != nil {
		return nil, err
	}
	if isCoreDev {
		roles = append(roles, policy.RoleCoreDev)
	}

	isTeamLead, err := o.gh.IsTeamMember(ctx, o.cfg.InstallationLogin, "substrate-team-leads", login)
	if err != nil {
		return nil, err
	}
	if isTeamLead {
		roles = append(roles, policy.RoleSubstrateTeamLead)
	}

	return roles, nil
}

// reaction picks the emoji reaction acknowledging a command: a thumbs-up
// once it is accepted for processing, a thumbs-down if it is then rejected.
func (o *Orchestrator) reaction(accepted bool) string {
	if accepted {
		return "+1"
	}
	return "-1"
}

// commandString renders a command.Command for log fields and replies.
func commandString(c command.Command) string { return c.String() }

// setPendingLabel/clearPendingLabel best-effort label the root PR of a
// companion set so humans can see at a glance that the bot currently owns
// it; a failure here never blocks the cascade itself.
func (o *Orchestrator) setPendingLabel(ctx context.Context, id Identity) {
	if err := o.gh.AddLabel(ctx, id.Owner, id.Repo, id.Number, pendingLabel); err != nil {
		o.logger.Warn("adding pending label failed",
			logfields.Event("orchestrator_add_label_failed"), zap.Error(err))
	}
}

func (o *Orchestrator) clearPendingLabel(ctx context.Context, id Identity) {
	if err := o.gh.RemoveLabel(ctx, id.Owner, id.Repo, id.Number, pendingLabel); err != nil {
		o.logger.Warn("removing pending label failed",
			logfields.Event("orchestrator_remove_label_failed"), zap.Error(err))
	}
}
