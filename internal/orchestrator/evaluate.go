package orchestrator

import (
	"context"
	"fmt"

	"github.com/paritybot/cascade/internal/githubclt"
	"github.com/paritybot/cascade/internal/policy"
)

// prState is a pull request's current reviews and classified checks,
// fetched fresh for each policy evaluation.
type prState struct {
	pr      *githubclt.PullRequest
	reviews []policy.Review
	checks  []policy.Check
}

func (o *Orchestrator) fetchPRState(ctx context.Context, id Identity) (*prState, error) {
	pr, err := o.gh.GetPullRequest(ctx, id.Owner, id.Repo, id.Number)
	if err != nil {
		return nil, fmt.Errorf("fetching pull request failed: %w", err)
	}

	reviews, err := o.latestReviewsByLogin(ctx, id, pr.HeadSHA)
	if err != nil {
		return nil, fmt.Errorf("fetching reviews failed: %w", err)
	}

	checks, err := o.classifiedChecks(ctx, id, pr.BaseRef, pr.HeadSHA)
	if err != nil {
		return nil, fmt.Errorf("fetching check status failed: %w", err)
	}

	return &prState{pr: pr, reviews: reviews, checks: checks}, nil
}

// latestReviewsByLogin keeps only each reviewer's most recent review
// submitted on headSHA, per 4.2's "most recent review on the current head
// SHA" rule, and resolves each reviewer's role memberships.
func (o *Orchestrator) latestReviewsByLogin(ctx context.Context, id Identity, headSHA string) ([]policy.Review, error) {
	raw, err := o.gh.ListReviews(ctx, id.Owner, id.Repo, id.Number)
	if err != nil {
		return nil, err
	}

	latest := map[string]*githubclt.Review{}
	for _, r := range raw {
		if r.CommitID != headSHA {
			continue
		}
		latest[r.Login] = r // ListReviews is ordered oldest-first
	}

	result := make([]policy.Review, 0, len(latest))
	for login, r := range latest {
		roles, err := o.approvalRoles(ctx, login)
		if err != nil {
			return nil, fmt.Errorf("resolving roles for %q failed: %w", login, err)
		}

		result = append(result, policy.Review{
			Login: login,
			State: policy.ReviewState(normalizeReviewState(r.State)),
			Roles: roles,
		})
	}

	return result, nil
}

func normalizeReviewState(raw string) string {
	switch raw {
	case "APPROVED":
		return string(policy.ReviewApproved)
	case "CHANGES_REQUESTED":
		return string(policy.ReviewChangesRequested)
	case "DISMISSED":
		return string(policy.ReviewDismissed)
	default:
		return string(policy.ReviewCommented)
	}
}

func (o *Orchestrator) classifiedChecks(ctx context.Context, id Identity, baseRef, headSHA string) ([]policy.Check, error) {
	statuses, err := o.gh.ListStatuses(ctx, id.Owner, id.Repo, headSHA)
	if err != nil {
		return nil, err
	}

	checkRuns, err := o.gh.ListCheckRuns(ctx, id.Owner, id.Repo, headSHA)
	if err != nil {
		return nil, err
	}

	required, err := o.gh.RequiredStatusChecks(ctx, id.Owner, id.Repo, baseRef)
	if err != nil {
		return nil, err
	}

	raw := make([]policy.RawCheck, 0, len(statuses)+len(checkRuns))
	for _, s := range statuses {
		raw = append(raw, policy.RawCheck{Context: s.Context, State: s.State, Description: s.Description, TargetURL: s.TargetURL})
	}
	for _, c := range checkRuns {
		raw = append(raw, policy.RawCheck{Context: c.Context, State: c.State, Description: c.Description, TargetURL: c.TargetURL})
	}

	checks := policy.Classify(raw, required)

	return o.resolveRetryingChecks(ctx, headSHA, checks), nil
}

// resolveRetryingChecks treats a failing Important check as pending rather
// than fatal when GitLab reports the underlying job is currently retrying
// (4.3 GitLab Retry Detection).
func (o *Orchestrator) resolveRetryingChecks(ctx context.Context, headSHA string, checks []policy.Check) []policy.Check {
	for i := range checks {
		c := &checks[i]
		if c.Category != policy.Important || c.State != policy.CheckFailure {
			continue
		}

		if o.gitlab.IsRetrying(ctx, headSHA, c.TargetURL) {
			c.State = policy.CheckPending
		}
	}

	return checks
}

// evaluate runs the Policy Engine for id, pitching in a bot approval and
// re-evaluating once if that resolves the decision.
func (o *Orchestrator) evaluate(ctx context.Context, id Identity, requester string, force bool) (policy.Decision, error) {
	state, err := o.fetchPRState(ctx, id)
	if err != nil {
		return policy.Decision{}, err
	}

	requesterIsTeamLead, err := o.gh.IsTeamMember(ctx, o.cfg.InstallationLogin, "substrate-team-leads", requester)
	if err != nil {
		return policy.Decision{}, fmt.Errorf("resolving requester's team membership failed: %w", err)
	}

	prPolicy := policy.PR{Repo: id.Repo, Requester: requester, RequesterIsTeamLead: requesterIsTeamLead}
	decision := policy.Evaluate(prPolicy, state.reviews, state.checks, force, BotLogin)

	if decision.Kind != policy.KindNeedsBotApproval {
		return decision, nil
	}

	if err := o.gh.CreateApprovingReview(ctx, id.Owner, id.Repo, id.Number, "approving on behalf of a qualifying team lead"); err != nil {
		return policy.Decision{}, fmt.Errorf("posting bot approval failed: %w", err)
	}

	state, err = o.fetchPRState(ctx, id)
	if err != nil {
		return policy.Decision{}, err
	}

	return policy.Evaluate(prPolicy, state.reviews, state.checks, force, BotLogin), nil
}
