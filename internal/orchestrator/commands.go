package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/paritybot/cascade/internal/command"
	"github.com/paritybot/cascade/internal/companion"
	"github.com/paritybot/cascade/internal/logfields"
	"github.com/paritybot/cascade/internal/policy"
	"github.com/paritybot/cascade/internal/routines"
	"github.com/paritybot/cascade/internal/store"
)

// policyEvalConcurrency bounds how many companion members' policies are
// evaluated against GitHub at once: a companion set can span many repos,
// and each evaluation makes several API calls.
const policyEvalConcurrency = 4

// HandleIssueComment processes a bot command found on a pull request
// comment (4.7 Command handling). commentID/owner/repo are used to react
// to and reply on the originating comment.
func (o *Orchestrator) HandleIssueComment(ctx context.Context, owner, repo string, prNumber int, commentID int64, body, sender string) {
	id := Identity{Owner: owner, Repo: repo, Number: prNumber}

	cmd := command.Parse(body)
	if cmd == command.None {
		return
	}

	logger := o.logger.With(
		logfields.RepositoryOwner(owner),
		logfields.Repository(repo),
		logfields.PullRequest(prNumber),
		logfields.Login(sender),
		zap.String("command", commandString(cmd)),
	)

	o.withPRLock(id, func() {
		metrics.CommandInc(owner, repo, commandString(cmd))
		o.react(ctx, id, commentID, o.reaction(true))

		if !o.authorized(ctx, sender) {
			logger.Info("rejecting command, requester is not authorized",
				logfields.Event("orchestrator_command_not_authorized"))
			o.reply(ctx, id, fmt.Sprintf("@%s is not authorized to run bot commands here.", sender))
			o.react(ctx, id, commentID, o.reaction(false))
			return
		}

		switch cmd {
		case command.MergeCancel:
			o.handleCancel(ctx, id)
		case command.Rebase:
			o.handleRebase(ctx, id)
		case command.Merge:
			o.attemptMerge(ctx, id, sender, false)
		case command.MergeForce:
			o.attemptMerge(ctx, id, sender, true)
		}
	})
}

func (o *Orchestrator) authorized(ctx context.Context, login string) bool {
	if o.cfg.DisableOrgChecks {
		return true
	}

	ok, err := o.gh.IsOrgMember(ctx, o.cfg.InstallationLogin, login)
	if err != nil {
		o.logger.Warn("checking org membership failed, denying command",
			logfields.Event("orchestrator_org_check_failed"), zap.Error(err))
		return false
	}

	return ok
}

func (o *Orchestrator) react(ctx context.Context, id Identity, commentID int64, reaction string) {
	if commentID == 0 {
		return
	}

	if err := o.gh.CreateReaction(ctx, id.Owner, id.Repo, commentID, reaction); err != nil {
		o.logger.Warn("posting reaction failed",
			logfields.Event("orchestrator_reaction_failed"), zap.Error(err))
	}
}

func (o *Orchestrator) reply(ctx context.Context, id Identity, msg string) {
	if err := o.gh.CreateIssueComment(ctx, id.Owner, id.Repo, id.Number, msg); err != nil {
		o.logger.Warn("posting reply comment failed",
			logfields.Event("orchestrator_reply_failed"), zap.Error(err))
	}
}

func (o *Orchestrator) handleCancel(ctx context.Context, id Identity) {
	existing, err := o.store.Get(id)
	if err != nil {
		o.logger.Warn("reading pending merge record failed",
			logfields.Event("orchestrator_cancel_read_failed"), zap.Error(err))
		return
	}

	if existing == nil {
		o.setCancelFlag(id, true)
		o.reply(ctx, id, "nothing to cancel.")
		return
	}

	if err := o.store.Delete(id); err != nil {
		o.logger.Warn("deleting pending merge record failed",
			logfields.Event("orchestrator_cancel_delete_failed"), zap.Error(err))
		return
	}

	o.setCancelFlag(id, true)
	o.clearPendingLabel(ctx, id)
	metrics.PendingMergesSet(id.Owner, id.Repo, o.countPending(id.Owner, id.Repo))
	o.reply(ctx, id, "merge cancelled.")
}

func (o *Orchestrator) handleRebase(ctx context.Context, id Identity) {
	pr, err := o.gh.GetPullRequest(ctx, id.Owner, id.Repo, id.Number)
	if err != nil {
		o.reply(ctx, id, fmt.Sprintf("rebase failed: could not fetch pull request: %s", err))
		return
	}

	token, err := o.tokens.InstallationToken(ctx, o.installationID)
	if err != nil {
		o.reply(ctx, id, fmt.Sprintf("rebase failed: could not mint access token: %s", err))
		return
	}

	newSHA, err := o.git.Rebase(ctx, id.Owner, id.Repo, pr.BaseRef, pr.HeadRef, token)
	if err != nil {
		o.reply(ctx, id, fmt.Sprintf("rebase failed: %s", err))
		return
	}

	o.reply(ctx, id, fmt.Sprintf("rebased onto `%s`, new head is `%s`.", pr.BaseRef, newSHA))
}

// attemptMerge implements the "bot merge"/"bot merge force" command and is
// also the re-entry point used by Startup replay and StatusOrCheck
// wake-ups, which re-run it as if the command had just been posted (4.7).
func (o *Orchestrator) attemptMerge(ctx context.Context, id Identity, requester string, force bool) {
	o.clearCancelFlag(id)

	graph, err := companion.Resolve(ctx, o.companionClient(), id, o.cfg.GithubSourcePrefix, o.cfg.GithubSourceSuffix)
	if err != nil {
		var cycleErr *companion.CompanionCycleError
		if errors.As(err, &cycleErr) {
			o.reply(ctx, id, fmt.Sprintf("cannot merge: companion cycle detected: %v", cycleErr.Path))
		} else {
			o.reply(ctx, id, fmt.Sprintf("cannot merge: resolving companions failed: %s", err))
		}
		_ = o.store.Delete(id)
		o.clearPendingLabel(ctx, id)
		return
	}

	blocked, pending, err := o.evaluateAll(ctx, graph.Nodes(), requester, force)
	if err != nil {
		o.reply(ctx, id, fmt.Sprintf("cannot evaluate policy for %s: %s", id.Key(), err))
		_ = o.store.Delete(id)
		o.clearPendingLabel(ctx, id)
		return
	}

	if len(blocked) > 0 {
		o.reply(ctx, id, fmt.Sprintf("cannot merge, blocked:\n%s", joinLines(blocked)))
		_ = o.store.Delete(id)
		o.clearPendingLabel(ctx, id)
		return
	}

	if len(pending) > 0 {
		o.persistPending(ctx, id, requester, force, graph)
		o.setPendingLabel(ctx, id)
		o.reply(ctx, id, fmt.Sprintf("queued, waiting on:\n%s", joinLines(pending)))
		return
	}

	o.runCascade(ctx, id, requester, force, graph)
}

// evaluateAll evaluates policy for every companion member concurrently,
// bounded by policyEvalConcurrency, and sorts the outcomes into blocked vs
// waiting-for-checks reasons. Every member is evaluated; if any evaluation
// fails, the first recorded error is returned instead of the lists: a
// companion set only merges as a unit, so one unreadable member is enough to
// stop everything.
func (o *Orchestrator) evaluateAll(ctx context.Context, members []Identity, requester string, force bool) (blocked, pending []string, err error) {
	pool := routines.NewPool(policyEvalConcurrency)

	var mu sync.Mutex
	var firstErr error

	for _, member := range members {
		member := member
		pool.Queue(func() {
			d, evalErr := o.evaluate(ctx, member, requester, force)

			mu.Lock()
			defer mu.Unlock()

			if evalErr != nil {
				if firstErr == nil {
					firstErr = evalErr
				}
				return
			}

			switch d.Kind {
			case policy.KindBlocked:
				blocked = append(blocked, fmt.Sprintf("%s: %s", member.Key(), d.Reason))
			case policy.KindWaitingForChecks:
				pending = append(pending, fmt.Sprintf("%s: waiting on %v", member.Key(), d.Contexts))
			}
		})
	}

	pool.Wait()

	if firstErr != nil {
		return nil, nil, firstErr
	}

	return blocked, pending, nil
}

func (o *Orchestrator) persistPending(ctx context.Context, id Identity, requester string, force bool, graph *companion.Graph) {
	companions := graph.Nodes()

	rec, err := o.store.Get(id)
	attempt := 1
	createdAt := time.Now()
	if err == nil && rec != nil {
		attempt = rec.Attempt + 1
		if !rec.CreatedAt.IsZero() {
			createdAt = rec.CreatedAt
		}
	}

	pr, err := o.gh.GetPullRequest(ctx, id.Owner, id.Repo, id.Number)
	headSHA := ""
	if err == nil {
		headSHA = pr.HeadSHA
	}

	err = o.store.Put(&store.PendingMerge{
		Identity:   id,
		HeadSHA:    headSHA,
		Requester:  requester,
		Force:      force,
		Companions: companions,
		Attempt:    attempt,
		CreatedAt:  createdAt,
	})
	if err != nil {
		o.logger.Warn("persisting pending merge record failed",
			logfields.Event("orchestrator_persist_failed"), zap.Error(err))
		return
	}

	metrics.PendingMergesSet(id.Owner, id.Repo, o.countPending(id.Owner, id.Repo))
}

func (o *Orchestrator) countPending(owner, repo string) int {
	count := 0
	_ = o.store.ScanAll(func(rec *store.PendingMerge) error {
		if rec.Identity.Owner == owner && rec.Identity.Repo == repo {
			count++
		}
		return nil
	})
	return count
}

func joinLines(lines []string) string {
	out := ""
	for _, l := range lines {
		out += "- " + l + "\n"
	}
	return out
}
