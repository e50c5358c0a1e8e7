// Package webhook implements the Webhook Ingress & Dispatch Engine (C14):
// the HTTP front door, the Submit(event) admission gate (event-type
// allow-list, per-repo enablement, signature verification, delivery dedup,
// bounded queue), and the worker loop that fans a dequeued event out to its
// parallel handler set. Grounded on the teacher's initRouter/
// handleGitHubWebhook pair in server/api.go and server/webhook.go — the
// route registration and the read-body-then-verify-then-route shape are
// reused directly — generalized from a single synchronous handler into an
// admission gate feeding a queued worker with parallel per-event fan-out.
// A delivery is marked seen in the dedup cache at admission, before it is
// queued, not after its handlers succeed.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/nickmisasi/ghrelay/internal/dedup"
	"github.com/nickmisasi/ghrelay/internal/observability"
	"github.com/nickmisasi/ghrelay/internal/repoconfig"
	"github.com/nickmisasi/ghrelay/internal/signature"
)

const (
	headerEventType  = "X-GitHub-Event"
	headerDeliveryID = "X-GitHub-Delivery"
	headerSigSHA256  = "X-Hub-Signature-256"
	headerSigSHA1    = "X-Hub-Signature"

	// maxBodyBytes bounds the read per request, mirroring the teacher's
	// maxWebhookBodySize guard in server/webhook.go.
	maxBodyBytes = 1 << 20

	// queueCapacity is spec §4.3's bounded queue size.
	queueCapacity = 1000

	maxBackoff            = 10 * time.Second
	consecutiveErrorsReset = 5
	resetSleep             = 30 * time.Second
)

// supportedEventTypes is spec §6's enumerated event_type set.
var supportedEventTypes = map[string]bool{
	"push": true, "pull_request": true, "issues": true, "issue_comment": true,
	"pull_request_review": true, "pull_request_review_comment": true,
	"release": true, "star": true, "fork": true, "watch": true,
	"create": true, "delete": true, "workflow_run": true, "workflow_job": true,
	"repository": true, "ping": true,
}

// Rejection reasons, spec §4.3.
const (
	ReasonMissingField     = "missing-field"
	ReasonUnsupportedEvent = "unsupported-event"
	ReasonRepoDisabled     = "repo-disabled"
	ReasonDuplicate        = "duplicate"
	ReasonSignatureFailed  = "signature-failed"
	ReasonQueueFull        = "queue-full"
)

// Outcome is Submit's accept/reject verdict.
type Outcome string

const (
	Accepted Outcome = "accepted"
	Rejected Outcome = "rejected"
)

// SubmitResult is Submit's return value.
type SubmitResult struct {
	Outcome Outcome
	Reason  string
}

// RawEvent is one admitted webhook delivery, carried through the queue to
// the worker's handler fan-out.
type RawEvent struct {
	EventType  string
	DeliveryID string
	Signature  string
	RawBody    []byte
	Payload    map[string]any
	Repository string
	Timestamp  time.Time
}

// Handler processes one RawEvent. A non-nil error marks this handler's
// contribution as failed; per spec §7 the dispatcher's own success/failure
// verdict is "at least one handler succeeded", not unanimity.
type Handler func(ctx context.Context, ev RawEvent) error

// Dispatcher is the queued, fan-out webhook processor.
type Dispatcher struct {
	repos *repoconfig.Store
	dedup *dedup.Cache
	queue chan RawEvent

	notificationPipeline Handler
	codeHostAutomation   Handler
	reviewRequestHandler Handler
	commentReplyHandler  Handler

	metrics *observability.Metrics
	log     logr.Logger
	now     func() time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

// New builds a Dispatcher. notificationPipeline is required (spec: "always"
// run); the other three handlers may be nil when their wiring is not yet
// available, in which case the corresponding event types simply skip that
// stage of fan-out.
func New(
	repos *repoconfig.Store,
	dedupCache *dedup.Cache,
	metrics *observability.Metrics,
	log logr.Logger,
	notificationPipeline, codeHostAutomation, reviewRequestHandler, commentReplyHandler Handler,
) *Dispatcher {
	return &Dispatcher{
		repos:                repos,
		dedup:                dedupCache,
		queue:                make(chan RawEvent, queueCapacity),
		notificationPipeline: notificationPipeline,
		codeHostAutomation:   codeHostAutomation,
		reviewRequestHandler: reviewRequestHandler,
		commentReplyHandler:  commentReplyHandler,
		metrics:              metrics,
		log:                  log,
		now:                  time.Now,
		closed:                make(chan struct{}),
	}
}

// Submit implements spec §4.3's admission gate.
func (d *Dispatcher) Submit(ctx context.Context, ev RawEvent) SubmitResult {
	if ev.EventType == "" || ev.DeliveryID == "" || ev.Repository == "" {
		d.observe(ev.EventType, ReasonMissingField)
		return SubmitResult{Rejected, ReasonMissingField}
	}
	if !supportedEventTypes[ev.EventType] {
		d.observe(ev.EventType, ReasonUnsupportedEvent)
		return SubmitResult{Rejected, ReasonUnsupportedEvent}
	}

	rc, ok := d.repos.Get(ev.Repository)
	if !ok || !rc.Enabled {
		d.observe(ev.EventType, ReasonRepoDisabled)
		return SubmitResult{Rejected, ReasonRepoDisabled}
	}

	if !rc.EventAllowed(ev.EventType) {
		// Silently dropped with success, per spec §4.3's allow-list gate.
		d.observe(ev.EventType, string(Accepted))
		return SubmitResult{Accepted, ""}
	}

	if !signature.Verify([]byte(rc.WebhookSecret), ev.Signature, ev.RawBody, rc.VerifySignature) {
		d.observe(ev.EventType, ReasonSignatureFailed)
		return SubmitResult{Rejected, ReasonSignatureFailed}
	}

	if d.dedup != nil {
		dup, err := d.dedup.SeenOrMark(ctx, ev.DeliveryID)
		if err != nil {
			d.log.Error(err, "checking delivery dedup cache", "delivery_id", ev.DeliveryID)
		} else if dup {
			d.observe(ev.EventType, ReasonDuplicate)
			if d.metrics != nil {
				d.metrics.WebhookDuplicatesTotal.Inc()
			}
			return SubmitResult{Accepted, ReasonDuplicate}
		}
	}

	select {
	case <-d.closed:
		d.observe(ev.EventType, ReasonQueueFull)
		return SubmitResult{Rejected, ReasonQueueFull}
	default:
	}

	select {
	case d.queue <- ev:
		d.observe(ev.EventType, string(Accepted))
		return SubmitResult{Accepted, ""}
	default:
		d.observe(ev.EventType, ReasonQueueFull)
		return SubmitResult{Rejected, ReasonQueueFull}
	}
}

func (d *Dispatcher) observe(eventType, outcome string) {
	if d.metrics == nil {
		return
	}
	d.metrics.WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// Shutdown stops Submit from accepting new work; the worker loop (Run)
// continues draining whatever is already buffered, per spec §4.3's
// cancellation contract.
func (d *Dispatcher) Shutdown() {
	d.closeOnce.Do(func() { close(d.closed) })
}

// Run drives the single queue worker until ctx is cancelled. It fans each
// dequeued event out to its parallel handler set and tracks the
// consecutive-error backoff of spec §4.3: linear 2*n seconds capped at 10s,
// with a 30s cooldown and counter reset after 5 consecutive errors.
func (d *Dispatcher) Run(ctx context.Context) {
	consecutiveErrors := 0

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.queue:
			if !ok {
				return
			}

			if err := d.dispatch(ctx, ev); err != nil {
				consecutiveErrors++
				d.log.Error(err, "dispatching webhook event", "event_type", ev.EventType, "delivery_id", ev.DeliveryID, "consecutive_errors", consecutiveErrors)

				if consecutiveErrors >= consecutiveErrorsReset {
					sleep(ctx, resetSleep)
					consecutiveErrors = 0
					continue
				}
				backoff := time.Duration(2*consecutiveErrors) * time.Second
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				sleep(ctx, backoff)
			} else {
				consecutiveErrors = 0
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// dispatch fans ev out to its parallel handler set (spec §4.3) and returns
// an error only when every invoked handler failed — per spec §7,
// "success ⇔ at least one handler succeeded".
func (d *Dispatcher) dispatch(ctx context.Context, ev RawEvent) error {
	handlers := d.handlersFor(ev)
	if len(handlers) == 0 {
		return fmt.Errorf("no handler wired for event_type %s", ev.EventType)
	}

	results := make([]error, len(handlers))
	var g errgroup.Group
	for i, h := range handlers {
		i, h := i, h
		g.Go(func() error {
			results[i] = h(ctx, ev)
			return nil
		})
	}
	_ = g.Wait()

	for _, err := range results {
		if err == nil {
			return nil
		}
	}
	return fmt.Errorf("all %d handlers failed for event_type %s: %w", len(handlers), ev.EventType, results[0])
}

func (d *Dispatcher) handlersFor(ev RawEvent) []Handler {
	var handlers []Handler
	if d.notificationPipeline != nil {
		handlers = append(handlers, d.notificationPipeline)
	}
	if (ev.EventType == "issues" || ev.EventType == "pull_request") && d.codeHostAutomation != nil {
		handlers = append(handlers, d.codeHostAutomation)
	}
	if ev.EventType == "pull_request" && d.reviewRequestHandler != nil {
		if action, _ := ev.Payload["action"].(string); action == "review_requested" || action == "review_request_removed" {
			handlers = append(handlers, d.reviewRequestHandler)
		}
	}
	if (ev.EventType == "issue_comment" || ev.EventType == "pull_request_review_comment") && d.commentReplyHandler != nil {
		handlers = append(handlers, d.commentReplyHandler)
	}
	return handlers
}

// ingressResponse is the §6 JSON body returned on every ingress response.
type ingressResponse struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	Timestamp  string `json:"timestamp"`
	DeliveryID string `json:"delivery_id,omitempty"`
}

// ServeHTTP implements spec §6's ingress contract: POST /webhook, body read
// under a size limit, payload decoded, repository extracted, and the result
// handed to Submit. Grounded on the teacher's handleGitHubWebhook
// (server/webhook.go): read-body-under-MaxBytesReader, header extraction,
// and writeJSON-style status responses are the same shape, generalized from
// a single synchronous handler to the admission gate in front of the queue.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ingressResponse{Status: "error", Message: "failed to read request body"})
		return
	}

	eventType := r.Header.Get(headerEventType)
	deliveryID := r.Header.Get(headerDeliveryID)
	sig := r.Header.Get(headerSigSHA256)
	if sig == "" {
		sig = r.Header.Get(headerSigSHA1)
	}
	if eventType == "" || deliveryID == "" {
		writeJSON(w, http.StatusBadRequest, ingressResponse{Status: "error", Message: "missing required webhook headers"})
		return
	}

	var payload map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			writeJSON(w, http.StatusBadRequest, ingressResponse{Status: "error", Message: "malformed JSON payload"})
			return
		}
	}

	ev := RawEvent{
		EventType:  eventType,
		DeliveryID: deliveryID,
		Signature:  sig,
		RawBody:    body,
		Payload:    payload,
		Repository: repositoryFromPayload(payload),
		Timestamp:  d.now(),
	}

	result := d.Submit(r.Context(), ev)
	switch result.Outcome {
	case Accepted:
		writeJSON(w, http.StatusAccepted, ingressResponse{
			Status:     "accepted",
			Message:    "event queued",
			Timestamp:  ev.Timestamp.UTC().Format(time.RFC3339),
			DeliveryID: deliveryID,
		})
	default:
		status := http.StatusBadRequest
		if result.Reason == ReasonQueueFull {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, ingressResponse{Status: "rejected", Message: result.Reason, DeliveryID: deliveryID})
	}
}

func repositoryFromPayload(payload map[string]any) string {
	repo, ok := payload["repository"].(map[string]any)
	if !ok {
		return ""
	}
	fullName, _ := repo["full_name"].(string)
	return fullName
}

func writeJSON(w http.ResponseWriter, status int, body ingressResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
