package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/paritybot/cascade/internal/logfields"
	"github.com/paritybot/cascade/internal/store"
	"github.com/paritybot/cascade/internal/webhook"
)

// HandleWebhookEvent dispatches a decoded webhook delivery to the handler
// for its kind (4.7 Event-driven wake-ups).
func (o *Orchestrator) HandleWebhookEvent(ctx context.Context, e webhook.Event) {
	switch e.Kind {
	case webhook.KindIssueComment:
		o.HandleIssueComment(ctx, e.Owner, e.Repo, e.PRNumber, e.CommentID, e.CommentBody, e.SenderLogin)
	case webhook.KindCheckRun, webhook.KindStatus, webhook.KindWorkflowJob:
		o.HandleStatusOrCheck(ctx, e.Owner, e.Repo, e.SHA)
	}
}

// HandleStatusOrCheck re-evaluates every pending merge whose *currently
// fetched* head matches sha (4.7: the match is against the live head, not
// the head observed when the record was persisted, since a status event
// can arrive after the watched PR has since moved again), as if "bot
// merge" had just been posted again. This is what lets a cascade
// suspended on a pending check resume without polling.
func (o *Orchestrator) HandleStatusOrCheck(ctx context.Context, owner, repo, sha string) {
	// watched maps a pending record to the identity within it (the root
	// itself, or one of its companions) whose repo the event concerns;
	// that identity's live head is what gets compared against sha.
	type watch struct {
		rec     *store.PendingMerge
		watched Identity
	}

	var candidates []watch

	if err := o.store.ScanAll(func(rec *store.PendingMerge) error {
		if rec.Identity.Owner == owner && rec.Identity.Repo == repo {
			candidates = append(candidates, watch{rec: rec, watched: rec.Identity})
			return nil
		}

		// A status update on a companion's repo can also unblock the
		// cascade (the dependency whose checks we were waiting on), even
		// though only the root PR's identity is persisted.
		for _, companion := range rec.Companions {
			if companion.Owner == owner && companion.Repo == repo {
				candidates = append(candidates, watch{rec: rec, watched: companion})
				return nil
			}
		}

		return nil
	}); err != nil {
		o.logger.Warn("scanning pending merges for status wake-up failed",
			logfields.Event("orchestrator_status_scan_failed"), zap.Error(err))
		return
	}

	for _, c := range candidates {
		c := c

		pr, err := o.gh.GetPullRequest(ctx, c.watched.Owner, c.watched.Repo, c.watched.Number)
		if err != nil {
			o.logger.Warn("fetching watched pull request for status wake-up failed",
				logfields.Event("orchestrator_status_fetch_failed"), zap.Error(err))
			continue
		}

		if pr.HeadSHA != sha {
			continue
		}

		o.withPRLock(c.rec.Identity, func() {
			o.attemptMerge(ctx, c.rec.Identity, c.rec.Requester, c.rec.Force)
		})
	}
}
