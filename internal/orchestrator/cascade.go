package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/paritybot/cascade/internal/companion"
	"github.com/paritybot/cascade/internal/githubclt"
	"github.com/paritybot/cascade/internal/gitworker"
	"github.com/paritybot/cascade/internal/logfields"
	"github.com/paritybot/cascade/internal/policy"
)

const maxMergeRetries = 3

func (o *Orchestrator) setCancelFlag(id Identity, v bool) {
	o.cascadeMu.Lock()
	defer o.cascadeMu.Unlock()
	o.cancelFlags[id] = v
}

func (o *Orchestrator) clearCancelFlag(id Identity) {
	o.cascadeMu.Lock()
	defer o.cascadeMu.Unlock()
	delete(o.cancelFlags, id)
}

func (o *Orchestrator) cancelled(id Identity) bool {
	o.cascadeMu.Lock()
	defer o.cascadeMu.Unlock()
	return o.cancelFlags[id]
}

// runCascade implements 4.7's merge cascade: a topological walk of the
// companion graph, merging dependencies before dependents and updating
// each dependent's manifest to reference freshly merged heads.
func (o *Orchestrator) runCascade(ctx context.Context, startID Identity, requester string, force bool, graph *companion.Graph) {
	order := graph.TopoOrder()

	logger := o.logger.With(
		logfields.RepositoryOwner(startID.Owner),
		logfields.Repository(startID.Repo),
		logfields.PullRequest(startID.Number),
	)

	mergedHeads := map[Identity]string{} // identity -> merge commit sha

	for _, id := range order {
		if o.cancelled(startID) {
			logger.Info("cascade cancelled, stopping before next PR",
				logfields.Event("orchestrator_cascade_cancelled"))
			return
		}

		if err := o.mergeCascadeStep(ctx, id, force, graph, mergedHeads); err != nil {
			var suspend *pendingAfterUpdateError
			if errors.As(err, &suspend) {
				logger.Info("suspending cascade, waiting for required checks after branch update",
					logfields.RepositoryOwner(id.Owner),
					logfields.Repository(id.Repo),
					logfields.PullRequest(id.Number),
					logfields.Event("orchestrator_cascade_suspended"),
				)
				o.persistPending(ctx, startID, requester, force, graph)
				o.setPendingLabel(ctx, startID)
				o.reply(ctx, startID, fmt.Sprintf("queued, waiting on required checks for %s after its branch was updated.", id.Key()))
				return
			}

			logger.Warn("cascade step failed, aborting cascade",
				logfields.RepositoryOwner(id.Owner),
				logfields.Repository(id.Repo),
				logfields.PullRequest(id.Number),
				logfields.Event("orchestrator_cascade_step_failed"),
				zap.Error(err),
			)

			_ = o.store.Delete(startID)
			o.clearPendingLabel(ctx, startID)
			metrics.CascadeMergeInc(startID.Owner, startID.Repo, false)
			metrics.PendingMergesSet(startID.Owner, startID.Repo, o.countPending(startID.Owner, startID.Repo))

			msg := fmt.Sprintf("merge cascade failed on %s: %s.", id.Key(), err)
			if len(mergedHeads) > 0 {
				msg += " The chain is partially applied; already-merged PRs were not rolled back."
			}
			o.reply(ctx, startID, msg)
			return
		}
	}

	_ = o.store.Delete(startID)
	o.clearPendingLabel(ctx, startID)
	metrics.CascadeMergeInc(startID.Owner, startID.Repo, true)
	metrics.PendingMergesSet(startID.Owner, startID.Repo, o.countPending(startID.Owner, startID.Repo))
	o.reply(ctx, startID, fmt.Sprintf("merged %s.", startID.Key()))
}

type headChangedAfterRetries struct{}

func (e *headChangedAfterRetries) Error() string { return "head changed too many times" }

func (o *Orchestrator) mergeCascadeStep(
	ctx context.Context,
	id Identity,
	force bool,
	graph *companion.Graph,
	mergedHeads map[Identity]string,
) error {
	pr, err := o.gh.GetPullRequest(ctx, id.Owner, id.Repo, id.Number)
	if err != nil {
		return fmt.Errorf("re-fetching pull request failed: %w", err)
	}

	deps := graph.Dependencies(id)
	justMergedDeps := depsJustMerged(deps, mergedHeads)

	headSHA := pr.HeadSHA

	if len(justMergedDeps) > 0 {
		headSHA, err = o.updateDependencies(ctx, id, pr, justMergedDeps, mergedHeads)
		if err != nil {
			return err
		}

		if err := o.waitForRequiredChecksGreen(ctx, id, pr.BaseRef, headSHA, force); err != nil {
			return err
		}
	} else if err := o.syncWithBase(ctx, id); err != nil {
		return err
	}

	mergeCommitSHA, err := o.mergeWithRetry(ctx, id, headSHA)
	if err != nil {
		return err
	}

	mergedHeads[id] = mergeCommitSHA
	return nil
}

func depsJustMerged(deps []Identity, mergedHeads map[Identity]string) []Identity {
	var result []Identity
	for _, d := range deps {
		if _, ok := mergedHeads[d]; ok {
			result = append(result, d)
		}
	}
	return result
}

func (o *Orchestrator) updateDependencies(ctx context.Context, id Identity, pr *githubclt.PullRequest, deps []Identity, mergedHeads map[Identity]string) (newHeadSHA string, err error) {
	token, err := o.tokens.InstallationToken(ctx, o.installationID)
	if err != nil {
		return "", fmt.Errorf("minting access token failed: %w", err)
	}

	updates := make([]gitworker.DependencyUpdate, 0, len(deps))
	for _, d := range deps {
		if !o.manifestUpdateConfigured(id.Repo, d.Repo) {
			continue
		}
		updates = append(updates, gitworker.DependencyUpdate{
			Dependency: d.Repo,
			Reference:  mergedHeads[d],
		})
	}

	if len(updates) == 0 {
		return pr.HeadSHA, nil
	}

	newHeadSHA, err = o.git.UpdateDependencies(ctx, id.Owner, id.Repo, pr.HeadRef, token, updates)
	if err != nil {
		return "", fmt.Errorf("updating dependencies failed: %w", err)
	}

	return newHeadSHA, nil
}

// manifestUpdateConfigured reports whether dependency is one of the
// dependencies DEPENDENCY_UPDATE_CONFIGURATION names for repo. An unlisted
// repo defaults to updating every just-merged companion, matching the
// permissive behaviour expected when no explicit allow-list was deployed.
func (o *Orchestrator) manifestUpdateConfigured(repo, dependency string) bool {
	configured, ok := o.cfg.DependencyUpdates[repo]
	if !ok {
		return true
	}

	for _, d := range configured {
		if d == dependency {
			return true
		}
	}

	return false
}

// syncWithBase schedules a GitHub-native update-branch merge when id's PR
// has fallen behind its base, so a long cascade does not leave early
// dependents stale while later dependencies are still merging. A scheduled
// update restarts Required checks, so the cascade suspends the same way it
// does after a manifest update, resuming on the next check/status event for
// the repository.
func (o *Orchestrator) syncWithBase(ctx context.Context, id Identity) error {
	changed, _, err := o.gh.UpdateBranch(ctx, id.Owner, id.Repo, id.Number)
	if err != nil {
		return fmt.Errorf("syncing with base branch failed: %w", err)
	}
	if !changed {
		return nil
	}

	return &pendingAfterUpdateError{id: id}
}

// waitForRequiredChecksGreen polls once: the dependency update just pushed
// a new head, so Required checks restart. The cascade does not busy-wait
// in-process; instead it persists a pending record so the next
// StatusOrCheck wake-up resumes from here, unless checks are already
// green by the time we ask (common for fast CI or force merges with no
// Required checks configured).
func (o *Orchestrator) waitForRequiredChecksGreen(ctx context.Context, id Identity, baseRef, headSHA string, force bool) error {
	checks, err := o.classifiedChecks(ctx, id, baseRef, headSHA)
	if err != nil {
		return fmt.Errorf("checking post-update CI status failed: %w", err)
	}

	required, err := o.gh.RequiredStatusChecks(ctx, id.Owner, id.Repo, baseRef)
	if err != nil {
		return fmt.Errorf("checking post-update CI status failed: %w", err)
	}

	green := map[string]bool{}
	for _, c := range checks {
		if c.Category != policy.Required {
			continue
		}
		if c.State != policy.CheckSuccess {
			return &pendingAfterUpdateError{id: id}
		}
		green[c.Context] = true
	}

	// A Required context that has not reported on the new head yet is not
	// green either.
	for _, name := range required {
		if !green[name] {
			return &pendingAfterUpdateError{id: id}
		}
	}

	return nil
}

// pendingAfterUpdateError signals that the cascade must suspend: it is
// translated by the caller into a persisted PendingMerge record rather
// than a fatal cascade failure.
type pendingAfterUpdateError struct{ id Identity }

func (e *pendingAfterUpdateError) Error() string {
	return fmt.Sprintf("waiting for required checks on %s after its branch was updated", e.id.Key())
}

func (o *Orchestrator) mergeWithRetry(ctx context.Context, id Identity, expectedHeadSHA string) (string, error) {
	method := githubclt.MergeMethodSquash

	for attempt := 1; attempt <= maxMergeRetries; attempt++ {
		sha, err := o.gh.MergePullRequest(ctx, id.Owner, id.Repo, id.Number, expectedHeadSHA, method)
		if err == nil {
			return sha, nil
		}

		if !errors.Is(err, githubclt.ErrHeadChanged) {
			return "", fmt.Errorf("merge API call failed: %w", err)
		}

		pr, refetchErr := o.gh.GetPullRequest(ctx, id.Owner, id.Repo, id.Number)
		if refetchErr != nil {
			return "", fmt.Errorf("re-fetching head after merge conflict failed: %w", refetchErr)
		}
		expectedHeadSHA = pr.HeadSHA
	}

	return "", &headChangedAfterRetries{}
}
