// Package mediator is the composition-root glue that breaks the cycle
// between webhook ingress, the AI orchestrator, and the chat platform: the
// orchestrator must not import a concrete chat-sending loop, and the
// webhook dispatcher must not import the orchestrator directly, so this
// package sits between them exactly the way the teacher's Plugin methods
// (MessageHasBeenPosted calling into the agent launcher, then posting its
// own reply) sit between Mattermost's plugin hooks and the agent package.
package mediator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/nickmisasi/ghrelay/internal/chatadapter"
	"github.com/nickmisasi/ghrelay/internal/codehost"
	"github.com/nickmisasi/ghrelay/internal/contextstore"
	"github.com/nickmisasi/ghrelay/internal/orchestrator"
)

// ChatPostEvent is an inbound chat-platform message, the mediator's
// equivalent of the teacher's MessageHasBeenPosted hook payload.
type ChatPostEvent struct {
	UserID      string
	GroupID     string // empty for a private/DM conversation
	TargetID    string // where to send the reply: GroupID normally, else UserID
	Content     string
	MessageID   string
	Repository  string
	IssueOrPRID int
}

// Mediator drives the orchestrator for inbound chat posts and sends its
// reply back through the ChatAdapter, then tags the persisted assistant
// message with the chat message id so internal/reconcile can later
// propagate a recall to it.
type Mediator struct {
	orchestrator *orchestrator.Orchestrator
	contexts     *contextstore.Store
	chat         chatadapter.Adapter
	codehost     codehost.Client
	labelKeywords map[string]string
	log          logr.Logger
}

// New builds a Mediator. labelKeywords maps a lowercase keyword to the
// label applied when that keyword appears in an issue/PR's title or body;
// a nil map falls back to DefaultLabelKeywords.
func New(
	orch *orchestrator.Orchestrator,
	contexts *contextstore.Store,
	chat chatadapter.Adapter,
	client codehost.Client,
	labelKeywords map[string]string,
	log logr.Logger,
) *Mediator {
	if labelKeywords == nil {
		labelKeywords = DefaultLabelKeywords()
	}
	return &Mediator{
		orchestrator:  orch,
		contexts:      contexts,
		chat:          chat,
		codehost:      client,
		labelKeywords: labelKeywords,
		log:           log,
	}
}

// DefaultLabelKeywords is the baseline keyword→label table for
// CodeHostAutomation's auto-labeling pass.
func DefaultLabelKeywords() map[string]string {
	return map[string]string{
		"bug":         "bug",
		"crash":       "bug",
		"regression":  "bug",
		"broken":      "bug",
		"feature":     "enhancement",
		"enhancement": "enhancement",
		"docs":        "documentation",
		"documentation": "documentation",
		"security":    "security",
		"vulnerability": "security",
		"question":    "question",
	}
}

// HandleChatPost drives spec §4.5's HandleChatMessage and, for any
// non-empty reply, sends it through the ChatAdapter and tags the persisted
// assistant message with the resulting chat message id. A write-op tool
// call already emitted its own status/result messages through the
// orchestrator directly (spec §4.8), in which case HandleChatMessage
// returns empty text and there is nothing left for this method to send.
func (m *Mediator) HandleChatPost(ctx context.Context, ev ChatPostEvent) error {
	reply := m.orchestrator.HandleChatMessage(ctx, orchestrator.ChatMessage{
		UserID:      ev.UserID,
		GroupID:     ev.GroupID,
		Content:     ev.Content,
		MessageID:   ev.MessageID,
		Repository:  ev.Repository,
		IssueOrPRID: ev.IssueOrPRID,
	})
	if reply == "" {
		return nil
	}

	target := ev.TargetID
	if target == "" {
		target = ev.GroupID
	}
	if target == "" {
		target = ev.UserID
	}

	sent, err := m.chat.Send(ctx, target, reply)
	if err != nil {
		return fmt.Errorf("sending chat reply: %w", err)
	}

	m.tagAssistantReply(ev, sent.ID)
	return nil
}

// tagAssistantReply reopens the conversation context HandleChatMessage just
// persisted and stamps the most recent assistant message with
// reply_to_message_id and chat_message_id, so internal/reconcile can later
// locate and best-effort recall this specific chat message. Failures here
// are logged, not returned: the chat reply has already been sent
// successfully, and losing the recall linkage is a degraded — not
// failed — outcome.
func (m *Mediator) tagAssistantReply(ev ChatPostEvent, chatMessageID string) {
	kind := contextstore.KindChatPrivate
	if ev.GroupID != "" {
		kind = contextstore.KindChatGroup
	}
	if ev.Repository != "" && ev.IssueOrPRID != 0 {
		kind = contextstore.KindCodeHostPR
	}
	contextID := contextstore.DeriveContextID(kind, ev.GroupID, ev.UserID, ev.Repository, ev.IssueOrPRID)

	cc, err := m.contexts.GetOrCreate(contextID, kind, time.Now())
	if err != nil {
		m.log.Error(err, "reloading context to tag chat reply", "context_id", contextID)
		return
	}

	for i := len(cc.Messages) - 1; i >= 0; i-- {
		if cc.Messages[i].Role != contextstore.RoleAssistant {
			continue
		}
		msg := &cc.Messages[i]
		if msg.Metadata == nil {
			msg.Metadata = map[string]any{}
		}
		msg.Metadata["reply_to_message_id"] = ev.MessageID
		msg.Metadata["chat_message_id"] = chatMessageID
		break
	}

	if err := m.contexts.Save(cc); err != nil {
		m.log.Error(err, "saving tagged context", "context_id", contextID)
	}
}

// AutomationEvent is the minimal issue/PR shape CodeHostAutomation needs,
// decoupled from the webhook package's RawEvent so this package stays free
// of an import-cycle-prone dependency on the dispatcher.
type AutomationEvent struct {
	Owner, Repo string
	Number      int
	Title, Body string
}

// minBodyLength is the format-validation threshold below which an
// issue/PR body is considered too sparse to triage without more detail.
const minBodyLength = 20

// CodeHostAutomation implements spec §4.3's per-event automation for
// issues/pull_request events: a format-validation comment when the body is
// too sparse, and keyword-driven auto-labeling.
func (m *Mediator) CodeHostAutomation(ctx context.Context, ev AutomationEvent) error {
	if strings.TrimSpace(ev.Body) == "" || len(strings.TrimSpace(ev.Body)) < minBodyLength {
		_, err := m.codehost.CreateComment(ctx, ev.Owner, ev.Repo, ev.Number,
			"Thanks for opening this! Could you add a bit more detail to the description "+
				"(steps to reproduce, expected vs. actual behavior, or the motivation for the change)? "+
				"It helps us triage faster.")
		if err != nil {
			return fmt.Errorf("posting format-validation comment: %w", err)
		}
	}

	labels := labelsFor(ev.Title+" "+ev.Body, m.labelKeywords)
	if len(labels) == 0 {
		return nil
	}
	if _, err := m.codehost.AddLabels(ctx, ev.Owner, ev.Repo, ev.Number, labels); err != nil {
		return fmt.Errorf("auto-labeling: %w", err)
	}
	return nil
}

// labelsFor scans text for keywords and returns the deduplicated set of
// labels they map to, in keyword-table iteration order.
func labelsFor(text string, keywords map[string]string) []string {
	lower := strings.ToLower(text)
	seen := map[string]bool{}
	var labels []string
	for keyword, label := range keywords {
		if !strings.Contains(lower, keyword) {
			continue
		}
		if seen[label] {
			continue
		}
		seen[label] = true
		labels = append(labels, label)
	}
	return labels
}
