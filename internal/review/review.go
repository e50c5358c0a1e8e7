// Package review implements the PR Review Controller (C13): at-most-one
// concurrent AI review per pull request, prompt assembly from PR metadata
// and diffs, LLM-driven scoring with a heuristic fallback, stale-review
// hiding, and standardized submission. Grounded on the teacher's
// async-task-over-a-persisted-record shape (`server/hitl.go`'s workflow
// continuation pattern) generalized from a human-in-the-loop approval chain
// to a single autonomous background task per PR, and its janitor-style
// cleanup idiom (`kvstore.GetAllFinishedAgentsWithPR`) adapted into the
// always-remove-on-completion discipline below.
package review

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-github/v68/github"

	"github.com/nickmisasi/ghrelay/internal/codehost"
	"github.com/nickmisasi/ghrelay/internal/llm"
	"github.com/nickmisasi/ghrelay/internal/notify/aggregate"
	"github.com/nickmisasi/ghrelay/internal/notify/formatter"
)

// maxActiveReviews is spec §4.11's active_reviews cap.
const maxActiveReviews = 100

// maxFilesInPrompt and maxPatchChars bound the prompt assembled per PR
// (spec §4.11 step 4).
const (
	maxFilesInPrompt = 10
	maxPatchChars    = 2000
)

// maxLineComments is spec §4.11 step 8's line-comment ceiling.
const maxLineComments = 10

// llmAttempts and llmTimeout are spec §4.11 step 4's "3-attempt exponential
// back-off and 180s timeout".
const llmAttempts = 3

var llmBaseDelay = 2 * time.Second
var llmTimeout = 180 * time.Second

// Comment is one line-level review finding (spec §3's ReviewResult.comments).
type Comment struct {
	FilePath   string `json:"file_path"`
	Line       int    `json:"line"`
	Severity   string `json:"severity"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
	Category   string `json:"category,omitempty"`
}

// Result is the model-or-heuristic review outcome (spec §3's ReviewResult).
type Result struct {
	OverallScore     int            `json:"overall_score"`
	Approved         bool           `json:"approved"`
	Status           string         `json:"status"`
	Summary          string         `json:"summary"`
	DetailedAnalysis string         `json:"detailed_analysis"`
	Comments         []Comment      `json:"comments"`
	IssuesCount      map[string]int `json:"issues_count"`
}

const (
	StatusApproved        = "APPROVED"
	StatusChangesRequested = "CHANGES_REQUESTED"
	StatusCommented       = "COMMENTED"
	StatusFailed          = "FAILED"
)

// PullRequestRef identifies the PR a review-requested event names.
type PullRequestRef struct {
	Owner  string
	Repo   string
	Number int
	Title  string
	Body   string
}

func (r PullRequestRef) key() string {
	return fmt.Sprintf("%s/%s#%d", r.Owner, r.Repo, r.Number)
}

type activeEntry struct {
	insertedAt time.Time
	completed  bool
}

// Controller drives spec §4.11's algorithm end to end.
type Controller struct {
	mu      sync.Mutex
	active  map[string]*activeEntry
	order   []string // insertion order, for FIFO-of-completed eviction

	client            codehost.Client
	llmClient         llm.Client
	aggregator        *aggregate.Engine
	log               logr.Logger
	reviewBotUsername string

	// ToolsReady reports whether the AI tool layer is available to run a
	// review; nil means always ready.
	ToolsReady func() bool

	// now is overridable for deterministic tests.
	now func() time.Time
}

// New builds a Controller.
func New(client codehost.Client, llmClient llm.Client, aggregator *aggregate.Engine, reviewBotUsername string, log logr.Logger) *Controller {
	return &Controller{
		active:            map[string]*activeEntry{},
		client:            client,
		llmClient:         llmClient,
		aggregator:        aggregator,
		log:               log,
		reviewBotUsername: reviewBotUsername,
		now:               time.Now,
	}
}

// HandleReviewRequested implements spec §4.11's trigger condition and
// algorithm steps 1-3; the actual review work runs asynchronously in
// runReview.
func (c *Controller) HandleReviewRequested(ctx context.Context, pr PullRequestRef, requestedReviewers []string) {
	if !containsFold(requestedReviewers, c.reviewBotUsername) {
		return
	}

	key := pr.key()

	c.mu.Lock()
	if _, exists := c.active[key]; exists {
		c.mu.Unlock()
		return
	}

	if c.ToolsReady != nil && !c.ToolsReady() {
		c.mu.Unlock()
		c.refuseAndWithdraw(ctx, pr)
		return
	}

	c.insertLocked(key)
	c.mu.Unlock()

	go c.runReview(ctx, pr, key)
}

// refuseAndWithdraw implements step 2's failure path: a refusal comment and
// removing the bot from the requested reviewers.
func (c *Controller) refuseAndWithdraw(ctx context.Context, pr PullRequestRef) {
	_, err := c.client.CreateComment(ctx, pr.Owner, pr.Repo, pr.Number,
		"Automated review is temporarily unavailable; please request a human reviewer.")
	if err != nil {
		c.log.Error(err, "posting review-unavailable comment", "pr", pr.key())
	}
	if err := c.client.RemoveReviewRequest(ctx, pr.Owner, pr.Repo, pr.Number, codehost.ReviewRequest{Reviewers: []string{c.reviewBotUsername}}); err != nil {
		c.log.Error(err, "removing bot from reviewers", "pr", pr.key())
	}
}

// insertLocked records key as active; it must be called with c.mu held.
// When at capacity, evicts the oldest entry whose task has already
// completed (Open Question (c)'s decided eviction policy) rather than the
// literal oldest entry, so an in-flight review is never displaced.
func (c *Controller) insertLocked(key string) {
	if len(c.active) >= maxActiveReviews {
		for i, k := range c.order {
			if c.active[k] != nil && c.active[k].completed {
				delete(c.active, k)
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	}
	c.active[key] = &activeEntry{insertedAt: c.now()}
	c.order = append(c.order, key)
}

// remove always removes key from active_reviews (spec §4.11 step 10).
func (c *Controller) remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// markCompleted flags key as eligible for eviction without removing it
// immediately (used when a later insert needs to reclaim capacity).
func (c *Controller) markCompleted(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.active[key]; ok {
		e.completed = true
	}
}

// runReview is the async task of spec §4.11 steps 4-10.
func (c *Controller) runReview(ctx context.Context, pr PullRequestRef, key string) {
	defer c.remove(key)

	result, err := c.review(ctx, pr)
	if err != nil {
		c.log.Error(err, "running PR review", "pr", key)
		if remErr := c.client.RemoveReviewRequest(ctx, pr.Owner, pr.Repo, pr.Number, codehost.ReviewRequest{Reviewers: []string{c.reviewBotUsername}}); remErr != nil {
			c.log.Error(remErr, "removing bot from reviewers after failure", "pr", key)
		}
		return
	}

	c.markCompleted(key)
	c.emitNotification(pr, result)
}

// review assembles the prompt, invokes the LLM, parses/repairs the result,
// hides stale prior reviews, and submits the new one.
func (c *Controller) review(ctx context.Context, pr PullRequestRef) (*Result, error) {
	files, err := c.client.GetPullRequestFiles(ctx, pr.Owner, pr.Repo, pr.Number)
	if err != nil {
		return nil, fmt.Errorf("fetching PR files: %w", err)
	}

	prompt := buildPrompt(pr, toFileViews(files))

	llmCtx, cancel := context.WithTimeout(ctx, llmTimeout)
	defer cancel()

	raw, err := llm.CompleteWithRetry(llmCtx, c.llmClient, []llm.Message{
		{Role: "system", Content: "You are an automated pull request reviewer. Respond with a single JSON object."},
		{Role: "user", Content: prompt},
	}, llmAttempts, llmBaseDelay)

	var result *Result
	if err != nil {
		c.log.Error(err, "LLM review call failed, using heuristic fallback", "pr", pr.key())
		result = heuristicFallback("")
	} else {
		result = parseResult(raw)
	}

	repairInvariants(result)

	if err := c.hideStaleReviews(ctx, pr); err != nil {
		c.log.Error(err, "hiding stale reviews", "pr", pr.key())
	}

	if err := c.submit(ctx, pr, result); err != nil {
		return nil, fmt.Errorf("submitting review: %w", err)
	}

	return result, nil
}

// buildPrompt composes the review prompt per spec §4.11 step 4: title,
// body, per-file metadata truncated to maxPatchChars, capped at
// maxFilesInPrompt files.
func buildPrompt(pr PullRequestRef, files []*commitFileView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Pull request: %s\n\n%s\n\nFiles changed:\n", pr.Title, pr.Body)

	n := len(files)
	if n > maxFilesInPrompt {
		n = maxFilesInPrompt
	}
	for _, f := range files[:n] {
		patch := f.Patch
		if len(patch) > maxPatchChars {
			patch = patch[:maxPatchChars]
		}
		fmt.Fprintf(&b, "\n- %s (%s, +%d/-%d)\n%s\n", f.Filename, f.Status, f.Additions, f.Deletions, patch)
	}

	b.WriteString("\nRespond with JSON: {\"overall_score\":0-100,\"approved\":bool,\"status\":\"APPROVED|CHANGES_REQUESTED|COMMENTED\",\"summary\":\"...\",\"detailed_analysis\":\"...\",\"comments\":[{\"file_path\":\"\",\"line\":0,\"severity\":\"info|warning|error|critical\",\"message\":\"\",\"suggestion\":\"\",\"category\":\"\"}],\"issues_count\":{\"info\":0,\"warning\":0,\"error\":0,\"critical\":0}}\n")
	return b.String()
}

var fencedJSONReviewRe = regexp.MustCompile("(?s)```json\\s*(\\{.*?\\})\\s*```")

// parseResult parses the model's JSON, fenced or raw (spec §4.11 step 5),
// falling back to heuristic scoring on any parse failure.
func parseResult(raw string) *Result {
	body := raw
	if m := fencedJSONReviewRe.FindStringSubmatch(raw); m != nil {
		body = m[1]
	}

	var r Result
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return heuristicFallback(raw)
	}
	if r.IssuesCount == nil {
		r.IssuesCount = map[string]int{}
	}
	return &r
}

var (
	positiveKeywords = []string{"looks good", "lgtm", "well done", "excellent", "clean"}
	negativeKeywords = []string{"critical", "security", "broken", "fails", "bug"}
	mixedKeywords    = []string{"minor", "nit", "consider", "suggest"}
)

// heuristicFallback implements spec §4.11 step 5's fallback: score
// 90/80/65/75 keyed on sentiment keywords found in the raw (unparseable)
// model text, with status derived from the usual thresholds.
func heuristicFallback(rawText string) *Result {
	lower := strings.ToLower(rawText)
	score := 75
	switch {
	case containsAny(lower, negativeKeywords):
		score = 65
	case containsAny(lower, positiveKeywords):
		score = 90
	case containsAny(lower, mixedKeywords):
		score = 80
	}

	r := &Result{
		OverallScore:     score,
		Approved:         score >= 90,
		Summary:          "Automated review could not parse a structured result; falling back to heuristic scoring.",
		DetailedAnalysis: rawText,
		IssuesCount:      map[string]int{"info": 0, "warning": 0, "error": 0, "critical": 0},
	}
	r.Status = statusForScore(r.Approved, score)
	return r
}

func statusForScore(approved bool, score int) string {
	switch {
	case approved && score >= 90:
		return StatusApproved
	case score < 70:
		return StatusChangesRequested
	default:
		return StatusCommented
	}
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// repairInvariants implements spec §4.11 step 6: clamp the score, flip an
// inconsistent approved+low-score combination, and ensure issues_count
// carries all four severity keys.
func repairInvariants(r *Result) {
	if r.OverallScore < 0 {
		r.OverallScore = 0
	}
	if r.OverallScore > 100 {
		r.OverallScore = 100
	}
	if r.Approved && r.OverallScore < 70 {
		r.Approved = false
		r.Status = StatusChangesRequested
	}
	if r.IssuesCount == nil {
		r.IssuesCount = map[string]int{}
	}
	for _, sev := range []string{"info", "warning", "error", "critical"} {
		if _, ok := r.IssuesCount[sev]; !ok {
			r.IssuesCount[sev] = 0
		}
	}
}

// hideStaleReviews implements spec §4.11 step 7: find and hide any prior
// bot review in CHANGES_REQUESTED or COMMENTED state.
func (c *Controller) hideStaleReviews(ctx context.Context, pr PullRequestRef) error {
	reviews, err := c.client.ListReviews(ctx, pr.Owner, pr.Repo, pr.Number)
	if err != nil {
		return err
	}

	for _, rv := range reviews {
		if rv.GetUser().GetLogin() != c.reviewBotUsername {
			continue
		}
		state := rv.GetState()
		if state != "CHANGES_REQUESTED" && state != "COMMENTED" {
			continue
		}
		if err := c.client.HideReviewAsOutdated(ctx, pr.Owner, pr.Repo, rv.GetID()); err != nil {
			c.log.Error(err, "hiding stale review", "pr", pr.key(), "review_id", rv.GetID())
		}
	}
	return nil
}

// submit implements spec §4.11 step 8: APPROVE iff approved && score>=90,
// else COMMENT (REQUEST_CHANGES is never submitted as the GitHub review
// event, even though Status may read CHANGES_REQUESTED for messaging),
// with up to maxLineComments inline comments.
func (c *Controller) submit(ctx context.Context, pr PullRequestRef, r *Result) error {
	event := codehost.ReviewComment
	if r.Approved && r.OverallScore >= 90 {
		event = codehost.ReviewApprove
	}

	comments := r.Comments
	if len(comments) > maxLineComments {
		comments = comments[:maxLineComments]
	}

	lineComments := make([]codehost.LineComment, 0, len(comments))
	for _, cm := range comments {
		lineComments = append(lineComments, codehost.LineComment{Path: cm.FilePath, Line: cm.Line, Body: cm.Message})
	}

	_, err := c.client.CreateReview(ctx, pr.Owner, pr.Repo, pr.Number, r.Summary, event, lineComments)
	return err
}

// emitNotification implements spec §4.11 step 9.
func (c *Controller) emitNotification(pr PullRequestRef, r *Result) {
	if c.aggregator == nil {
		return
	}
	record := formatter.NotificationRecord{
		Title:     fmt.Sprintf("📝 %s/%s#%d AI review: %s", pr.Owner, pr.Repo, pr.Number, r.Status),
		Body:      fmt.Sprintf("score %d/100 — %s", r.OverallScore, r.Summary),
		CreatedAt: time.Now(),
		Metadata:  map[string]any{"event_type": "ai_review", "pr": pr.key()},
	}
	key := fmt.Sprintf("github_%s/%s", pr.Owner, pr.Repo)
	c.aggregator.Add(key, record)
}

func containsFold(haystack []string, needle string) bool {
	if needle == "" {
		return false
	}
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}

// commitFileView is the subset of *github.CommitFile this package's prompt
// builder needs, decoupled from go-github so tests can build prompts
// without constructing the real SDK type.
type commitFileView struct {
	Filename  string
	Status    string
	Additions int
	Deletions int
	Patch     string
}

func toFileViews(files []*github.CommitFile) []*commitFileView {
	out := make([]*commitFileView, 0, len(files))
	for _, f := range files {
		out = append(out, &commitFileView{
			Filename:  f.GetFilename(),
			Status:    f.GetStatus(),
			Additions: f.GetAdditions(),
			Deletions: f.GetDeletions(),
			Patch:     f.GetPatch(),
		})
	}
	return out
}
