// Package webhook verifies and decodes inbound GitHub webhook deliveries
// into a typed event understood by the orchestrator. Unknown fields in the
// payload are ignored so new GitHub webhook fields never break decoding.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/go-github/v59/github"
	"go.uber.org/zap"

	"github.com/paritybot/cascade/internal/logfields"
)

// Kind identifies which GitHub webhook event an Event was decoded from.
type Kind string

const (
	KindIssueComment Kind = "issue_comment"
	KindCheckRun     Kind = "check_run"
	KindStatus       Kind = "status"
	KindWorkflowJob  Kind = "workflow_job"
)

// Event is the typed, forward-compatible shape handed to the orchestrator.
// Only the fields a given Kind populates are meaningful; the rest are
// zero-valued.
type Event struct {
	Kind Kind

	Owner string
	Repo  string

	// IssueComment
	PRNumber    int
	CommentID   int64
	CommentBody string
	SenderLogin string

	// StatusOrCheck (check_run, status, workflow_job)
	SHA       string
	Context   string
	State     string
	TargetURL string
}

var errUnhandledEventType = errors.New("webhook: unhandled event type")

// errIgnoredAction is returned (not as an error to the caller, but as a
// sentinel) when an event of a handled type arrives with an action this
// bot does not react to, e.g. issue_comment/deleted.
var errIgnoredAction = errors.New("webhook: ignored action")

// Dispatcher verifies webhook signatures and decodes deliveries into
// Events, handing each to Handle.
type Dispatcher struct {
	secret []byte
	Handle func(Event)
	logger *zap.Logger
}

// New returns a Dispatcher that verifies deliveries with secret and passes
// decoded events to handle.
func New(secret []byte, handle func(Event)) *Dispatcher {
	return &Dispatcher{
		secret: secret,
		Handle: handle,
		logger: zap.L().Named("webhook"),
	}
}

// HTTPHandler is an http.HandlerFunc that can be registered directly on a
// http.ServeMux.
func (d *Dispatcher) HTTPHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "reading body failed", http.StatusBadRequest)
		return
	}

	err = d.HandleDelivery(r.Header.Get("X-GitHub-Event"), body, r.Header.Get("X-Hub-Signature-256"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, errInvalidSignature):
		d.logger.Info("rejecting webhook delivery with invalid signature",
			logfields.Event("webhook_signature_invalid"), zap.Error(err))
		http.Error(w, "invalid signature", http.StatusUnauthorized)
	default:
		d.logger.Info("decoding webhook payload failed",
			logfields.Event("webhook_decode_failed"),
			zap.String("github_event_type", r.Header.Get("X-GitHub-Event")), zap.Error(err))
		http.Error(w, "decoding payload failed", http.StatusBadRequest)
	}
}

var errInvalidSignature = errors.New("webhook: invalid signature")

// HandleDelivery verifies and decodes a single delivery identified by
// ghEventType, handing it to Handle on success. It is shared by the HTTP
// listener and the SSE proxy client, which both receive the same
// (event type, body, signature) triple, just over different transports.
func (d *Dispatcher) HandleDelivery(ghEventType string, body []byte, signature string) error {
	if err := verifySignature(d.secret, body, signature); err != nil {
		return fmt.Errorf("%w: %s", errInvalidSignature, err)
	}

	event, err := decode(ghEventType, body)
	if err != nil {
		if errors.Is(err, errUnhandledEventType) || errors.Is(err, errIgnoredAction) {
			return nil
		}
		return err
	}

	d.Handle(*event)
	return nil
}

func verifySignature(secret, body []byte, header string) error {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return fmt.Errorf("missing or malformed %s header", "X-Hub-Signature-256")
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return fmt.Errorf("decoding signature failed: %w", err)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := mac.Sum(nil)

	if !hmac.Equal(sig, expected) {
		return errors.New("signature mismatch")
	}

	return nil
}

func decode(ghEventType string, body []byte) (*Event, error) {
	switch Kind(ghEventType) {
	case KindIssueComment:
		return decodeIssueComment(body)
	case KindCheckRun:
		return decodeCheckRun(body)
	case KindStatus:
		return decodeStatus(body)
	case KindWorkflowJob:
		return decodeWorkflowJob(body)
	default:
		return nil, errUnhandledEventType
	}
}

func decodeIssueComment(body []byte) (*Event, error) {
	var payload github.IssueCommentEvent
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("unmarshaling issue_comment payload failed: %w", err)
	}

	if payload.GetAction() != "created" {
		return nil, errIgnoredAction
	}

	return &Event{
		Kind:        KindIssueComment,
		Owner:       payload.GetRepo().GetOwner().GetLogin(),
		Repo:        payload.GetRepo().GetName(),
		PRNumber:    payload.GetIssue().GetNumber(),
		CommentID:   payload.GetComment().GetID(),
		CommentBody: payload.GetComment().GetBody(),
		SenderLogin: payload.GetSender().GetLogin(),
	}, nil
}

func decodeCheckRun(body []byte) (*Event, error) {
	var payload github.CheckRunEvent
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("unmarshaling check_run payload failed: %w", err)
	}

	cr := payload.GetCheckRun()

	return &Event{
		Kind:      KindCheckRun,
		Owner:     payload.GetRepo().GetOwner().GetLogin(),
		Repo:      payload.GetRepo().GetName(),
		SHA:       cr.GetHeadSHA(),
		Context:   cr.GetName(),
		State:     checkRunStateFrom(cr),
		TargetURL: cr.GetDetailsURL(),
	}, nil
}

func checkRunStateFrom(cr *github.CheckRun) string {
	if cr.GetStatus() != "completed" {
		return "pending"
	}

	switch cr.GetConclusion() {
	case "success", "neutral", "skipped":
		return "success"
	case "action_required":
		return "pending"
	default:
		return "failure"
	}
}

func decodeStatus(body []byte) (*Event, error) {
	var payload github.StatusEvent
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("unmarshaling status payload failed: %w", err)
	}

	return &Event{
		Kind:      KindStatus,
		Owner:     payload.GetRepo().GetOwner().GetLogin(),
		Repo:      payload.GetRepo().GetName(),
		SHA:       payload.GetSHA(),
		Context:   payload.GetContext(),
		State:     payload.GetState(),
		TargetURL: payload.GetTargetURL(),
	}, nil
}

func decodeWorkflowJob(body []byte) (*Event, error) {
	var payload github.WorkflowJobEvent
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("unmarshaling workflow_job payload failed: %w", err)
	}

	wj := payload.GetWorkflowJob()

	return &Event{
		Kind:      KindWorkflowJob,
		Owner:     payload.GetRepo().GetOwner().GetLogin(),
		Repo:      payload.GetRepo().GetName(),
		SHA:       wj.GetHeadSHA(),
		Context:   wj.GetName(),
		State:     workflowJobStateFrom(wj),
		TargetURL: wj.GetHTMLURL(),
	}, nil
}

func workflowJobStateFrom(wj *github.WorkflowJob) string {
	if wj.GetStatus() != "completed" {
		return "pending"
	}

	switch wj.GetConclusion() {
	case "success", "neutral", "skipped":
		return "success"
	case "action_required":
		return "pending"
	default:
		return "failure"
	}
}
