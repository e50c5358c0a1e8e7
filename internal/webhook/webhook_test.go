package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickmisasi/ghrelay/internal/observability"
	"github.com/nickmisasi/ghrelay/internal/repoconfig"
)

const testSecret = "test-webhook-secret"

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func newRepoStore(t *testing.T, body string) *repoconfig.Store {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "repos.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	store, err := repoconfig.NewStore(path, logr.Discard())
	require.NoError(t, err)
	return store
}

func newMetrics() *observability.Metrics {
	return observability.NewMetrics(prometheus.NewRegistry())
}

func samplePayload(t *testing.T) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"action": "opened",
		"repository": map[string]any{
			"full_name": "acme/widgets",
		},
	})
	require.NoError(t, err)
	return data
}

func TestSubmit_RejectsMissingFields(t *testing.T) {
	repos := newRepoStore(t, `repositories: []`)
	d := New(repos, nil, newMetrics(), logr.Discard(), nil, nil, nil, nil)

	result := d.Submit(context.Background(), RawEvent{})
	assert.Equal(t, Rejected, result.Outcome)
	assert.Equal(t, ReasonMissingField, result.Reason)
}

func TestSubmit_RejectsUnsupportedEventType(t *testing.T) {
	repos := newRepoStore(t, `repositories: []`)
	d := New(repos, nil, newMetrics(), logr.Discard(), nil, nil, nil, nil)

	result := d.Submit(context.Background(), RawEvent{EventType: "made_up_event", DeliveryID: "d1", Repository: "acme/widgets"})
	assert.Equal(t, Rejected, result.Outcome)
	assert.Equal(t, ReasonUnsupportedEvent, result.Reason)
}

func TestSubmit_RejectsDisabledRepo(t *testing.T) {
	repos := newRepoStore(t, `
repositories:
  - repository: acme/widgets
    enabled: false
`)
	d := New(repos, nil, newMetrics(), logr.Discard(), nil, nil, nil, nil)

	result := d.Submit(context.Background(), RawEvent{EventType: "push", DeliveryID: "d1", Repository: "acme/widgets"})
	assert.Equal(t, Rejected, result.Outcome)
	assert.Equal(t, ReasonRepoDisabled, result.Reason)
}

func TestSubmit_AllowListSilentlyDropsWithSuccess(t *testing.T) {
	repos := newRepoStore(t, `
repositories:
  - repository: acme/widgets
    enabled: true
    allowed_event_types: ["issues"]
`)
	d := New(repos, nil, newMetrics(), logr.Discard(), nil, nil, nil, nil)

	result := d.Submit(context.Background(), RawEvent{EventType: "push", DeliveryID: "d1", Repository: "acme/widgets"})
	assert.Equal(t, Accepted, result.Outcome)
}

func TestSubmit_RejectsBadSignature(t *testing.T) {
	repos := newRepoStore(t, `
repositories:
  - repository: acme/widgets
    enabled: true
    webhook_secret: `+testSecret+`
    verify_signature: true
`)
	d := New(repos, nil, newMetrics(), logr.Discard(), nil, nil, nil, nil)

	result := d.Submit(context.Background(), RawEvent{
		EventType: "push", DeliveryID: "d1", Repository: "acme/widgets",
		RawBody: []byte(`{}`), Signature: "sha256=deadbeef",
	})
	assert.Equal(t, Rejected, result.Outcome)
	assert.Equal(t, ReasonSignatureFailed, result.Reason)
}

func TestSubmit_AcceptsValidSignatureAndEnqueues(t *testing.T) {
	repos := newRepoStore(t, `
repositories:
  - repository: acme/widgets
    enabled: true
    webhook_secret: `+testSecret+`
    verify_signature: true
`)
	d := New(repos, nil, newMetrics(), logr.Discard(), nil, nil, nil, nil)

	body := []byte(`{}`)
	result := d.Submit(context.Background(), RawEvent{
		EventType: "push", DeliveryID: "d1", Repository: "acme/widgets",
		RawBody: body, Signature: sign(testSecret, body),
	})
	assert.Equal(t, Accepted, result.Outcome)
	assert.Len(t, d.queue, 1)
}

func TestDispatch_SucceedsIfAnyHandlerSucceeds(t *testing.T) {
	repos := newRepoStore(t, `repositories: []`)
	notify := func(ctx context.Context, ev RawEvent) error { return errors.New("notify failed") }
	automation := func(ctx context.Context, ev RawEvent) error { return nil }
	d := New(repos, nil, newMetrics(), logr.Discard(), notify, automation, nil, nil)

	err := d.dispatch(context.Background(), RawEvent{EventType: "issues"})
	assert.NoError(t, err)
}

func TestDispatch_FailsWhenEveryHandlerFails(t *testing.T) {
	repos := newRepoStore(t, `repositories: []`)
	notify := func(ctx context.Context, ev RawEvent) error { return errors.New("boom") }
	d := New(repos, nil, newMetrics(), logr.Discard(), notify, nil, nil, nil)

	err := d.dispatch(context.Background(), RawEvent{EventType: "push"})
	assert.Error(t, err)
}

func TestDispatch_RoutesReviewRequestedOnlyOnMatchingAction(t *testing.T) {
	repos := newRepoStore(t, `repositories: []`)
	var reviewCalled, notifyCalled bool
	notify := func(ctx context.Context, ev RawEvent) error { notifyCalled = true; return nil }
	review := func(ctx context.Context, ev RawEvent) error { reviewCalled = true; return nil }
	d := New(repos, nil, newMetrics(), logr.Discard(), notify, nil, review, nil)

	err := d.dispatch(context.Background(), RawEvent{
		EventType: "pull_request",
		Payload:   map[string]any{"action": "synchronize"},
	})
	require.NoError(t, err)
	assert.True(t, notifyCalled)
	assert.False(t, reviewCalled)

	notifyCalled, reviewCalled = false, false
	err = d.dispatch(context.Background(), RawEvent{
		EventType: "pull_request",
		Payload:   map[string]any{"action": "review_requested"},
	})
	require.NoError(t, err)
	assert.True(t, reviewCalled)
}

func TestRun_DrainsQueueAndAppliesBackoffOnFailure(t *testing.T) {
	repos := newRepoStore(t, `repositories: []`)
	attempts := 0
	notify := func(ctx context.Context, ev RawEvent) error {
		attempts++
		return errors.New("always fails")
	}
	d := New(repos, nil, newMetrics(), logr.Discard(), notify, nil, nil, nil)
	d.queue <- RawEvent{EventType: "push", DeliveryID: "d1"}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	d.Run(ctx)

	assert.Equal(t, 1, attempts)
}

func TestServeHTTP_AcceptsValidWebhook(t *testing.T) {
	repos := newRepoStore(t, `
repositories:
  - repository: acme/widgets
    enabled: true
    webhook_secret: `+testSecret+`
    verify_signature: true
`)
	d := New(repos, nil, newMetrics(), logr.Discard(), func(ctx context.Context, ev RawEvent) error { return nil }, nil, nil, nil)

	body := samplePayload(t)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set(headerEventType, "pull_request")
	req.Header.Set(headerDeliveryID, "d1")
	req.Header.Set(headerSigSHA256, sign(testSecret, body))

	rw := httptest.NewRecorder()
	d.ServeHTTP(rw, req)

	assert.Equal(t, http.StatusAccepted, rw.Code)
	var resp ingressResponse
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp.Status)
}

func TestServeHTTP_RejectsMissingHeaders(t *testing.T) {
	repos := newRepoStore(t, `repositories: []`)
	d := New(repos, nil, newMetrics(), logr.Discard(), nil, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader([]byte(`{}`)))
	rw := httptest.NewRecorder()
	d.ServeHTTP(rw, req)

	assert.Equal(t, http.StatusBadRequest, rw.Code)
}

func TestServeHTTP_RejectsMalformedJSON(t *testing.T) {
	repos := newRepoStore(t, `repositories: []`)
	d := New(repos, nil, newMetrics(), logr.Discard(), nil, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader([]byte(`not json`)))
	req.Header.Set(headerEventType, "push")
	req.Header.Set(headerDeliveryID, "d1")
	rw := httptest.NewRecorder()
	d.ServeHTTP(rw, req)

	assert.Equal(t, http.StatusBadRequest, rw.Code)
}
