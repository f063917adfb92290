package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleIssueCommentIgnoresUnrecognizedBody(t *testing.T) {
	h := newTestHarness(t)
	id := Identity{Owner: "o", Repo: "r", Number: 1}
	h.addPR(id, "sha1", "main")

	h.orch.HandleIssueComment(context.Background(), id.Owner, id.Repo, id.Number, 0, "looks good to me", "alice")

	assert.Empty(t, h.gh.comments)
	assert.Empty(t, h.gh.reactions)
}

func TestHandleIssueCommentRejectsUnauthorizedRequester(t *testing.T) {
	h := newTestHarness(t)
	h.orch.cfg.DisableOrgChecks = false

	id := Identity{Owner: "o", Repo: "r", Number: 1}
	h.addPR(id, "sha1", "main")

	h.orch.HandleIssueComment(context.Background(), id.Owner, id.Repo, id.Number, 42, "bot merge", "mallory")

	require.Len(t, h.gh.comments, 1)
	assert.Contains(t, h.gh.comments[0], "not authorized")
	assert.Equal(t, []string{"+1", "-1"}, h.gh.reactions)
}

func TestHandleIssueCommentMergesReadyPR(t *testing.T) {
	h := newTestHarness(t)

	id := Identity{Owner: "o", Repo: "r", Number: 1}
	h.addPR(id, "sha1", "main")
	h.gh.teamMember["core-devs/alice"] = true
	h.approve(id, "alice", "sha1")

	h.orch.HandleIssueComment(context.Background(), id.Owner, id.Repo, id.Number, 42, "bot merge", "alice")

	assert.Equal(t, []Identity{id}, h.gh.merged)
	require.NotEmpty(t, h.gh.comments)
	assert.Contains(t, h.gh.comments[len(h.gh.comments)-1], "merged")
}

func TestHandleIssueCommentReportsBlockedPR(t *testing.T) {
	h := newTestHarness(t)

	id := Identity{Owner: "o", Repo: "r", Number: 1}
	h.addPR(id, "sha1", "main")
	h.requestChanges(id, "bob", "sha1")

	h.orch.HandleIssueComment(context.Background(), id.Owner, id.Repo, id.Number, 42, "bot merge", "alice")

	assert.Empty(t, h.gh.merged)
	require.NotEmpty(t, h.gh.comments)
	assert.Contains(t, h.gh.comments[len(h.gh.comments)-1], "blocked")
}

func TestHandleIssueCommentQueuesWhenWaitingOnChecks(t *testing.T) {
	h := newTestHarness(t)

	id := Identity{Owner: "o", Repo: "r", Number: 1}
	h.addPR(id, "sha1", "main")
	h.gh.teamMember["core-devs/alice"] = true
	h.approve(id, "alice", "sha1")
	h.pendingRequiredCheck(id, "main", "ci/build")

	h.orch.HandleIssueComment(context.Background(), id.Owner, id.Repo, id.Number, 42, "bot merge", "alice")

	assert.Empty(t, h.gh.merged)
	require.NotEmpty(t, h.gh.comments)
	assert.Contains(t, h.gh.comments[len(h.gh.comments)-1], "queued")

	rec, err := h.store.Get(id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, h.gh.hasLabel(id, pendingLabel))
}

func TestHandleCancelWithNoPendingRecordReplies(t *testing.T) {
	h := newTestHarness(t)
	id := Identity{Owner: "o", Repo: "r", Number: 1}

	h.orch.HandleIssueComment(context.Background(), id.Owner, id.Repo, id.Number, 0, "bot merge cancel", "alice")

	require.NotEmpty(t, h.gh.comments)
	assert.Contains(t, h.gh.comments[len(h.gh.comments)-1], "nothing to cancel")
}

func TestHandleCancelDeletesPendingRecordAndClearsLabel(t *testing.T) {
	h := newTestHarness(t)
	id := Identity{Owner: "o", Repo: "r", Number: 1}

	require.NoError(t, h.store.Put(newPendingMergeRecord(id)))
	h.gh.labels[id] = map[string]bool{pendingLabel: true}

	h.orch.HandleIssueComment(context.Background(), id.Owner, id.Repo, id.Number, 0, "bot merge cancel", "alice")

	rec, err := h.store.Get(id)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.False(t, h.gh.hasLabel(id, pendingLabel))
}

func TestHandleRebasePostsNewHead(t *testing.T) {
	h := newTestHarness(t)
	id := Identity{Owner: "o", Repo: "r", Number: 1}
	h.addPR(id, "sha1", "main")
	h.git.rebaseSHA = "sha2"

	h.orch.HandleIssueComment(context.Background(), id.Owner, id.Repo, id.Number, 0, "bot rebase", "alice")

	require.NotEmpty(t, h.gh.comments)
	assert.Contains(t, h.gh.comments[len(h.gh.comments)-1], "sha2")
}

func TestHandleIssueCommentPitchesInForTeamLeadRequesterOneApprovalShort(t *testing.T) {
	h := newTestHarness(t)

	id := Identity{Owner: "o", Repo: "substrate", Number: 1}
	h.addPR(id, "sha1", "main")
	h.gh.teamMember["core-devs/alice"] = true
	h.approve(id, "alice", "sha1")

	// erin is a substrate-team-leads member who posts "bot merge" without
	// ever submitting a review, since she cannot approve her own PR; this
	// is the only way the pitch-in path is reachable in production.
	h.gh.teamMember["substrate-team-leads/erin"] = true

	h.orch.HandleIssueComment(context.Background(), id.Owner, id.Repo, id.Number, 42, "bot merge", "erin")

	assert.Equal(t, []Identity{id}, h.gh.approvals)
	assert.Equal(t, []Identity{id}, h.gh.merged)
	require.NotEmpty(t, h.gh.comments)
	assert.Contains(t, h.gh.comments[len(h.gh.comments)-1], "merged")
}

func TestHandleIssueCommentNoPitchInForNonTeamLeadRequester(t *testing.T) {
	h := newTestHarness(t)

	id := Identity{Owner: "o", Repo: "substrate", Number: 1}
	h.addPR(id, "sha1", "main")
	h.gh.teamMember["core-devs/alice"] = true
	h.approve(id, "alice", "sha1")

	h.orch.HandleIssueComment(context.Background(), id.Owner, id.Repo, id.Number, 42, "bot merge", "erin")

	assert.Empty(t, h.gh.approvals)
	assert.Empty(t, h.gh.merged)
	require.NotEmpty(t, h.gh.comments)
	assert.Contains(t, h.gh.comments[len(h.gh.comments)-1], "blocked")
}

func TestEvaluateAllStopsOnFirstError(t *testing.T) {
	h := newTestHarness(t)
	members := []Identity{
		{Owner: "o", Repo: "r", Number: 1},
		{Owner: "o", Repo: "missing", Number: 2},
	}
	h.addPR(members[0], "sha1", "main")
	h.gh.teamMember["core-devs/alice"] = true
	h.approve(members[0], "alice", "sha1")

	_, _, err := h.orch.evaluateAll(context.Background(), members, "alice", false)
	require.Error(t, err)
}

func TestEvaluateAllCollectsBlockedAndPending(t *testing.T) {
	h := newTestHarness(t)

	blockedID := Identity{Owner: "o", Repo: "blocked", Number: 1}
	h.addPR(blockedID, "sha1", "main")
	h.requestChanges(blockedID, "bob", "sha1")

	readyID := Identity{Owner: "o", Repo: "ready", Number: 2}
	h.addPR(readyID, "sha2", "main")
	h.gh.teamMember["core-devs/alice"] = true
	h.approve(readyID, "alice", "sha2")

	blocked, pending, err := h.orch.evaluateAll(context.Background(), []Identity{blockedID, readyID}, "alice", false)
	require.NoError(t, err)
	assert.Len(t, blocked, 1)
	assert.Empty(t, pending)
}
