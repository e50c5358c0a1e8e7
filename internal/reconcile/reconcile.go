// Package reconcile implements the Comment-Reply Reconciler (C15):
// bi-directional propagation of edits and deletions between a chat platform
// and the code host's comment threads. Grounded on the teacher's
// containsMention case-insensitive mention scan (server/handlers.go) and its
// thread-reply follow-up routing (handleMentionInThread in the same file),
// generalized from a single Mattermost-thread target to GitHub issue and PR
// review comments, plus the chat-recall-propagation direction the teacher
// never needed because Mattermost posts carry their own native thread
// linkage.
package reconcile

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-github/v68/github"

	"github.com/nickmisasi/ghrelay/internal/chatadapter"
	"github.com/nickmisasi/ghrelay/internal/codehost"
	"github.com/nickmisasi/ghrelay/internal/contextstore"
	"github.com/nickmisasi/ghrelay/internal/orchestrator"
)

// replyMarkerPrefix tags every bot-authored reply with the comment it
// answers, so a later edit or deletion of the source comment can find all
// of the bot's replies to it without relying on GitHub's flat comment
// threading.
const replyMarkerPrefix = "<!-- reconcile:reply-to:"

// poweredBySignature is the keyword spec §4.12 names for the secondary scan
// that confirms a comment is bot-authored content, not just bot-adjacent.
const poweredBySignature = "Powered by"

// CommentEvent is the inbound code-host comment notification, covering both
// issue_comment and pull_request_review_comment payloads.
type CommentEvent struct {
	Action                     string // "created", "edited", "deleted"
	Owner, Repo                string
	IssueOrPRID                int
	CommentID                  int64
	InReplyToID                int64
	Body                       string
	AuthorLogin                string
	IsPullRequestReviewComment bool
}

// RecallEvent is the inbound chat-side message recall notification (spec
// §4.12's "chat-side message recall" paragraph).
type RecallEvent struct {
	GroupID           string
	UserID            string
	RecalledMessageID string
}

// Reconciler wires the Context Store, Code-Host API Client, ChatAdapter and
// AI Orchestrator into the bi-directional propagation described above.
type Reconciler struct {
	contexts     *contextstore.Store
	client       codehost.Client
	chat         chatadapter.Adapter
	orchestrator *orchestrator.Orchestrator
	botUsername  string
	log          logr.Logger
}

// New builds a Reconciler.
func New(
	contexts *contextstore.Store,
	client codehost.Client,
	chat chatadapter.Adapter,
	orch *orchestrator.Orchestrator,
	botUsername string,
	log logr.Logger,
) *Reconciler {
	return &Reconciler{
		contexts:     contexts,
		client:       client,
		chat:         chat,
		orchestrator: orch,
		botUsername:  botUsername,
		log:          log,
	}
}

// HandleComment processes one issue_comment/pull_request_review_comment
// event per spec §4.12.
func (r *Reconciler) HandleComment(ctx context.Context, ev CommentEvent) error {
	if strings.EqualFold(ev.AuthorLogin, r.botUsername) {
		return nil
	}

	switch ev.Action {
	case "created":
		return r.handleCreated(ctx, ev)
	case "edited":
		return r.handleEdited(ctx, ev)
	case "deleted":
		return r.handleDeleted(ctx, ev)
	default:
		return nil
	}
}

func (r *Reconciler) handleCreated(ctx context.Context, ev CommentEvent) error {
	if !containsMention(ev.Body, r.botUsername) {
		return nil
	}

	reply, summary, err := r.generateReply(ctx, ev)
	if err != nil {
		return fmt.Errorf("generating reply for comment %d: %w", ev.CommentID, err)
	}

	body := formatReply(ev.CommentID, ev.Body, reply, summary, r.botUsername)
	_, err = r.client.CreateComment(ctx, ev.Owner, ev.Repo, ev.IssueOrPRID, body)
	if err != nil {
		return fmt.Errorf("posting reply to comment %d: %w", ev.CommentID, err)
	}
	return nil
}

func (r *Reconciler) handleEdited(ctx context.Context, ev CommentEvent) error {
	comments, err := r.client.ListComments(ctx, ev.Owner, ev.Repo, ev.IssueOrPRID)
	if err != nil {
		return fmt.Errorf("listing comments on %s/%s#%d: %w", ev.Owner, ev.Repo, ev.IssueOrPRID, err)
	}
	priorReplies := findBotReplies(comments, r.botUsername, ev.CommentID)

	if containsMention(ev.Body, r.botUsername) {
		if len(priorReplies) == 0 {
			return r.handleCreated(ctx, ev)
		}
		reply, summary, err := r.generateReply(ctx, ev)
		if err != nil {
			return fmt.Errorf("generating reply for edited comment %d: %w", ev.CommentID, err)
		}
		body := formatReply(ev.CommentID, ev.Body, reply, summary, r.botUsername)
		_, err = r.client.UpdateComment(ctx, ev.Owner, ev.Repo, priorReplies[0].GetID(), body)
		if err != nil {
			return fmt.Errorf("updating reply to comment %d: %w", ev.CommentID, err)
		}
		return nil
	}

	for _, reply := range priorReplies {
		if err := r.client.DeleteComment(ctx, ev.Owner, ev.Repo, reply.GetID()); err != nil {
			return fmt.Errorf("deleting stale reply %d: %w", reply.GetID(), err)
		}
	}
	return nil
}

func (r *Reconciler) handleDeleted(ctx context.Context, ev CommentEvent) error {
	comments, err := r.client.ListComments(ctx, ev.Owner, ev.Repo, ev.IssueOrPRID)
	if err != nil {
		return fmt.Errorf("listing comments on %s/%s#%d: %w", ev.Owner, ev.Repo, ev.IssueOrPRID, err)
	}
	for _, reply := range findBotReplies(comments, r.botUsername, ev.CommentID) {
		if err := r.client.DeleteComment(ctx, ev.Owner, ev.Repo, reply.GetID()); err != nil {
			return fmt.Errorf("deleting reply %d to removed comment %d: %w", reply.GetID(), ev.CommentID, err)
		}
	}

	contextID := contextIDFor(ev.Owner, ev.Repo, ev.IssueOrPRID)
	cc, err := r.contexts.GetOrCreate(contextID, contextstore.KindCodeHostPR, time.Now())
	if err != nil {
		return fmt.Errorf("loading context %s: %w", contextID, err)
	}
	if pruneMessages(cc, ev.CommentID) {
		if err := r.contexts.Save(cc); err != nil {
			return fmt.Errorf("saving pruned context %s: %w", contextID, err)
		}
	}
	return nil
}

// HandleChatRecall propagates a chat-side message recall to the matching
// ConversationContext and, best-effort, to the bot's own chat reply (spec
// §4.12's chat-side message recall paragraph).
func (r *Reconciler) HandleChatRecall(ctx context.Context, ev RecallEvent) error {
	kind := contextstore.KindChatPrivate
	if ev.GroupID != "" {
		kind = contextstore.KindChatGroup
	}
	contextID := contextstore.DeriveContextID(kind, ev.GroupID, ev.UserID, "", 0)

	cc, err := r.contexts.GetOrCreate(contextID, kind, time.Now())
	if err != nil {
		return fmt.Errorf("loading context %s: %w", contextID, err)
	}

	removed, botMessageIDs := removeRecalledMessage(cc, ev.RecalledMessageID)
	if !removed {
		return nil
	}
	if err := r.contexts.Save(cc); err != nil {
		return fmt.Errorf("saving context %s after recall: %w", contextID, err)
	}

	target := ev.GroupID
	if target == "" {
		target = ev.UserID
	}
	for _, msgID := range botMessageIDs {
		_ = r.chat.Recall(ctx, chatadapter.Message{ID: msgID, TargetID: target})
	}
	return nil
}

// generateReply drives the orchestrator for a code-host comment and
// summarizes the tool calls it made while doing so, for inclusion in the
// signature block.
func (r *Reconciler) generateReply(ctx context.Context, ev CommentEvent) (string, toolSummary, error) {
	contextID := contextIDFor(ev.Owner, ev.Repo, ev.IssueOrPRID)

	before, err := r.contexts.GetOrCreate(contextID, contextstore.KindCodeHostPR, time.Now())
	if err != nil {
		return "", toolSummary{}, fmt.Errorf("loading context %s: %w", contextID, err)
	}
	beforeCalls := len(before.ToolCalls)

	reply := r.orchestrator.HandleChatMessage(ctx, orchestrator.ChatMessage{
		UserID:      ev.AuthorLogin,
		Content:     ev.Body,
		MessageID:   strconv.FormatInt(ev.CommentID, 10),
		Repository:  ev.Owner + "/" + ev.Repo,
		IssueOrPRID: ev.IssueOrPRID,
	})

	after, err := r.contexts.GetOrCreate(contextID, contextstore.KindCodeHostPR, time.Now())
	if err != nil {
		return reply, toolSummary{}, fmt.Errorf("reloading context %s: %w", contextID, err)
	}

	var calls []contextstore.ToolCall
	if len(after.ToolCalls) > beforeCalls {
		calls = after.ToolCalls[beforeCalls:]
	}
	return reply, summarize(calls), nil
}

func contextIDFor(owner, repo string, issueOrPRID int) string {
	return contextstore.DeriveContextID(contextstore.KindCodeHostPR, "", "", owner+"/"+repo, issueOrPRID)
}

type toolSummary struct {
	total     int
	succeeded int
	failed    int
}

func summarize(calls []contextstore.ToolCall) toolSummary {
	s := toolSummary{total: len(calls)}
	for _, c := range calls {
		switch c.Status {
		case "SUCCESS":
			s.succeeded++
		case "FAILED", "TIMEOUT":
			s.failed++
		}
	}
	return s
}

// formatReply builds a bot reply body: a hidden reply-to marker, a quoted
// excerpt of the source comment, the generated reply text, and a
// standardized signature block.
func formatReply(sourceCommentID int64, sourceBody, reply string, summary toolSummary, botUsername string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s%d -->\n", replyMarkerPrefix, sourceCommentID)
	b.WriteString(quoteExcerpt(sourceBody))
	b.WriteString("\n\n")
	b.WriteString(reply)
	b.WriteString("\n\n---\n")
	fmt.Fprintf(&b, "✨ %s @%s · %d tool call(s): %d succeeded, %d failed\n",
		poweredBySignature, botUsername, summary.total, summary.succeeded, summary.failed)
	return b.String()
}

// quoteExcerpt renders the first 3 lines of body as a blockquote, with a
// trailing ellipsis line if body has more.
func quoteExcerpt(body string) string {
	lines := strings.Split(strings.TrimSpace(body), "\n")
	const maxLines = 3

	var b strings.Builder
	n := len(lines)
	if n > maxLines {
		n = maxLines
	}
	for i := 0; i < n; i++ {
		b.WriteString("> ")
		b.WriteString(lines[i])
		b.WriteString("\n")
	}
	if len(lines) > maxLines {
		b.WriteString("> …\n")
	}
	return b.String()
}

// containsMention is a case-insensitive scan for an @-mention of botUsername.
func containsMention(body, botUsername string) bool {
	return strings.Contains(strings.ToLower(body), strings.ToLower("@"+botUsername))
}

// findBotReplies filters comments down to ones the bot previously posted in
// reply to originalCommentID: authored by the bot, carrying that comment's
// reply marker, and carrying either the spec-named secondary keyword
// signature or an @-mention of the bot.
func findBotReplies(comments []*github.IssueComment, botUsername string, originalCommentID int64) []*github.IssueComment {
	marker := fmt.Sprintf("%s%d -->", replyMarkerPrefix, originalCommentID)

	var out []*github.IssueComment
	for _, c := range comments {
		if c.GetUser() == nil || !strings.EqualFold(c.GetUser().GetLogin(), botUsername) {
			continue
		}
		body := c.GetBody()
		if !strings.Contains(body, marker) {
			continue
		}
		if !strings.Contains(body, poweredBySignature) && !containsMention(body, botUsername) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// pruneMessages removes the user message tagged with commentID and its
// immediately following assistant message from cc, reporting whether
// anything was removed.
func pruneMessages(cc *contextstore.ConversationContext, commentID int64) bool {
	tag := strconv.FormatInt(commentID, 10)
	removed := false

	out := make([]contextstore.Message, 0, len(cc.Messages))
	for i := 0; i < len(cc.Messages); i++ {
		m := cc.Messages[i]
		if m.Role == contextstore.RoleUser && m.MessageID == tag {
			removed = true
			if i+1 < len(cc.Messages) && cc.Messages[i+1].Role == contextstore.RoleAssistant {
				i++
			}
			continue
		}
		out = append(out, m)
	}
	cc.Messages = out
	return removed
}

// removeRecalledMessage removes the user message tagged with recalledID and
// its immediately following assistant message (matched by
// metadata.reply_to_message_id) from cc, returning whether anything was
// removed and the chat_message_id of any removed assistant message so the
// caller can best-effort recall the bot's own chat reply.
func removeRecalledMessage(cc *contextstore.ConversationContext, recalledID string) (bool, []string) {
	removed := false
	var botMessageIDs []string

	out := make([]contextstore.Message, 0, len(cc.Messages))
	for i := 0; i < len(cc.Messages); i++ {
		m := cc.Messages[i]
		if m.Role == contextstore.RoleUser && m.MessageID == recalledID {
			removed = true
			if i+1 < len(cc.Messages) {
				next := cc.Messages[i+1]
				if next.Role == contextstore.RoleAssistant && fmt.Sprint(next.Metadata["reply_to_message_id"]) == recalledID {
					if id, ok := next.Metadata["chat_message_id"].(string); ok && id != "" {
						botMessageIDs = append(botMessageIDs, id)
					}
					i++
				}
			}
			continue
		}
		out = append(out, m)
	}
	cc.Messages = out
	return removed, botMessageIDs
}
