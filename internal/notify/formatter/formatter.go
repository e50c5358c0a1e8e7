// Package formatter implements the Message Formatter (C5): one formatter
// per supported webhook event type, producing a deterministic
// NotificationRecord title, bot-origin filtering, and the special policies
// spec §4.4 names (star milestones, fork/watch suppression, pusher
// resolution, mention extraction). Grounded on the teacher's
// server/webhook.go event-routing switch and its truncateText/
// sanitizeReviewBodyForMattermost helpers, and server/attachments/
// attachments.go's StatusColor-style icon-by-kind mapping.
package formatter

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// NotificationRecord is the formatter's output (spec §3).
type NotificationRecord struct {
	Title     string
	Body      string
	URL       string
	ImageURL  string
	Mentions  []string
	Priority  int
	Metadata  map[string]any
	CreatedAt time.Time
}

// Actor is the minimal sender/actor shape every formatter reads from.
type Actor struct {
	Login string
}

// Event is the generalized webhook payload shape every formatter consumes;
// concrete callers populate only the fields relevant to their event_type.
type Event struct {
	EventType  string
	Action     string
	Repository string
	Sender     Actor
	Timestamp  time.Time

	Title      string
	Body       string
	URL        string
	Number     int
	Kind       string // "issue", "pull_request", etc, for title rendering
	Verb       string // "opened", "closed", etc

	StargazersCount int
	PusherName      string
	LatestCommitAuthor string

	CommentBody   string
	CommentAuthor string
}

const botSuffix = "[bot]"

var mentionRe = regexp.MustCompile(`@([a-zA-Z0-9][a-zA-Z0-9-]{0,38}(?:\[bot\])?)`)

// icon maps an event kind to its display icon, generalizing the teacher's
// StatusColor-by-status mapping (attachments.go) from color hex codes to
// unicode icons since this service's NotificationRecord has no color field.
var icon = map[string]string{
	"issue":        "🐛",
	"pull_request": "🔀",
	"push":         "📦",
	"release":      "🚀",
	"star":         "⭐",
	"comment":      "💬",
	"review":       "📝",
	"create":       "🆕",
	"delete":       "🗑️",
	"workflow_run": "⚙️",
	"workflow_job": "⚙️",
	"repository":   "📁",
	"ping":         "🏓",
}

// Formatter turns an Event into a NotificationRecord, or (nil, false) when
// the event should be suppressed entirely.
type Formatter func(ev Event, reviewBotUsername string, starMilestones []int) (*NotificationRecord, bool)

// Format dispatches to the formatter for ev.EventType and applies the
// bot-origin filter common to every event type before doing so.
func Format(ev Event, reviewBotUsername string, starMilestones []int) (*NotificationRecord, bool) {
	if isBotOrigin(ev.Sender.Login, reviewBotUsername) {
		return nil, false
	}

	switch ev.EventType {
	case "fork", "watch":
		return nil, false
	case "star":
		return formatStar(ev, starMilestones)
	case "push":
		return formatPush(ev)
	default:
		return formatGeneric(ev)
	}
}

func isBotOrigin(login, reviewBotUsername string) bool {
	if reviewBotUsername != "" && login == reviewBotUsername {
		return true
	}
	return login == "github-actions[bot]"
}

func formatGeneric(ev Event) (*NotificationRecord, bool) {
	title := buildTitle(ev)
	body := truncateText(sanitizeBody(ev.Body), 2000)

	return &NotificationRecord{
		Title:     title,
		Body:      body,
		URL:       ev.URL,
		Mentions:  extractMentions(ev.Body, ev.CommentBody),
		Priority:  5,
		Metadata:  map[string]any{"event_type": ev.EventType, "action": ev.Action},
		CreatedAt: ev.Timestamp,
	}, true
}

// formatStar emits only when stargazers_count matches a configured
// milestone (spec §4.4's star.created special policy).
func formatStar(ev Event, milestones []int) (*NotificationRecord, bool) {
	if ev.Action != "created" {
		return nil, false
	}
	for _, m := range milestones {
		if ev.StargazersCount == m {
			title := buildTitle(ev)
			return &NotificationRecord{
				Title:     title,
				Body:      fmt.Sprintf("%s now has %d stars", ev.Repository, ev.StargazersCount),
				URL:       ev.URL,
				Priority:  3,
				Metadata:  map[string]any{"event_type": "star", "milestone": m},
				CreatedAt: ev.Timestamp,
			}, true
		}
	}
	return nil, false
}

// formatPush resolves the pusher per spec §4.4: skip github-actions[bot],
// fall back to latest commit author, then the webhook sender.
func formatPush(ev Event) (*NotificationRecord, bool) {
	pusher := resolvePusher(ev)
	title := buildTitle(ev)
	return &NotificationRecord{
		Title:     title,
		Body:      fmt.Sprintf("%s pushed to %s", pusher, ev.Repository),
		URL:       ev.URL,
		Priority:  4,
		Metadata:  map[string]any{"event_type": "push", "pusher": pusher},
		CreatedAt: ev.Timestamp,
	}, true
}

func resolvePusher(ev Event) string {
	if ev.PusherName != "" && ev.PusherName != "github-actions[bot]" {
		return ev.PusherName
	}
	if ev.LatestCommitAuthor != "" {
		return ev.LatestCommitAuthor
	}
	return ev.Sender.Login
}

// buildTitle renders the deterministic template of spec §4.4:
// "<icon> <displayName> (<HH:MM:SS>) <kind> <verb>".
func buildTitle(ev Event) string {
	ic := icon[ev.Kind]
	if ic == "" {
		ic = icon[ev.EventType]
	}
	clock := ev.Timestamp.Format("15:04:05")
	return fmt.Sprintf("%s %s (%s) %s %s", ic, ev.Repository, clock, ev.Kind, ev.Verb)
}

// extractMentions scans the given text fields for @name patterns, filtering
// bot-suffixed handles, per spec §4.4's mention extraction rule.
func extractMentions(fields ...string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, f := range fields {
		for _, m := range mentionRe.FindAllStringSubmatch(f, -1) {
			name := m[1]
			if strings.HasSuffix(name, botSuffix) {
				continue
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	return out
}

// sanitizeBody converts CodeRabbit-style HTML markup into Markdown,
// grounded on the teacher's sanitizeReviewBodyForMattermost.
func sanitizeBody(body string) string {
	body = regexp.MustCompile(`(?i)</?details>`).ReplaceAllString(body, "")
	body = regexp.MustCompile(`(?i)<summary>(.*?)</summary>`).ReplaceAllString(body, "**$1**")
	body = regexp.MustCompile(`(?is)<blockquote>(.*?)</blockquote>`).ReplaceAllStringFunc(body, func(match string) string {
		inner := regexp.MustCompile(`(?is)<blockquote>(.*?)</blockquote>`).FindStringSubmatch(match)
		if len(inner) > 1 {
			lines := strings.Split(strings.TrimSpace(inner[1]), "\n")
			for i, l := range lines {
				lines[i] = "> " + strings.TrimSpace(l)
			}
			return strings.Join(lines, "\n")
		}
		return match
	})
	body = regexp.MustCompile(`<[^>]+>`).ReplaceAllString(body, "")
	body = regexp.MustCompile(`\n{3,}`).ReplaceAllString(body, "\n\n")
	return strings.TrimSpace(body)
}

// truncateText truncates s to maxLen characters, appending "..." if
// truncated, matching the teacher's truncateText helper exactly.
func truncateText(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
