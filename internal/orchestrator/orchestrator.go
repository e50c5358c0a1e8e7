// Package orchestrator implements the AI Tool-Call Orchestrator (C12): the
// multi-turn LLM loop that answers chat messages and, subject to the
// permission model, executes GitHub write operations through the tool-call
// protocol. Grounded on the teacher's HITL workflow driver
// (server/hitl.go's phase-stepping over a persisted workflow record) and its
// status-post/recall/result-post write pattern (startContextReview's
// CreatePost-then-later-update dance), generalized from a human-in-the-loop
// approve/reject workflow to an autonomous multi-turn tool-execution loop.
package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/nickmisasi/ghrelay/internal/chatadapter"
	"github.com/nickmisasi/ghrelay/internal/contextstore"
	"github.com/nickmisasi/ghrelay/internal/llm"
	"github.com/nickmisasi/ghrelay/internal/permission"
	"github.com/nickmisasi/ghrelay/internal/ratelimit"
	"github.com/nickmisasi/ghrelay/internal/toolcall"
	"github.com/nickmisasi/ghrelay/internal/tools"
)

// maxContentLength is spec §4.5's precondition on inbound chat message size.
const maxContentLength = 4000

// MaxLoopTurns is spec §4.5's multi-turn loop ceiling.
const MaxLoopTurns = 15

// endTokenRe matches any of the explicit end-of-turn tokens the model may
// emit to terminate the loop early, in any of the six spelled-out forms.
var endTokenRe = regexp.MustCompile(`\[(END|DONE|COMPLETE|FINISHED|对话结束|完成)\]`)

// ChatMessage is the inbound request to HandleChatMessage.
type ChatMessage struct {
	UserID    string
	GroupID   string // empty for a private/DM context
	Content   string
	MessageID string
	// Repository and IssueOrPRID optionally bind the derived context to a
	// code-host entity (e.g. a reply originating from a PR thread mirror).
	Repository  string
	IssueOrPRID int
}

const (
	refusalRateLimited  = "You're sending requests too quickly. Please wait a moment and try again."
	refusalTooLong      = "That message is too long for me to process."
	refusalNoPermission = "You don't have permission to use this feature."
)

// Orchestrator wires the Context Store, Tool Registry, Tool Call Parser,
// Permission Store, rate limiter, LLM client and ChatAdapter into spec
// §4.5's HandleChatMessage flow.
type Orchestrator struct {
	contexts    *contextstore.Store
	registry    *tools.Registry
	permissions *permission.Store
	limiter     *ratelimit.Limiter
	llmClient   llm.Client
	chat        chatadapter.Adapter
	log         logr.Logger

	// SystemPrompt builds the system-role message for a given kind,
	// permission level and tool schema summary. Injectable so callers can
	// template it per deployment without this package owning presentation.
	SystemPrompt func(kind contextstore.Kind, chatLevel permission.ChatLevel, toolSchema string) string
}

// New builds an Orchestrator. SystemPrompt defaults to DefaultSystemPrompt
// when nil.
func New(
	contexts *contextstore.Store,
	registry *tools.Registry,
	permissions *permission.Store,
	limiter *ratelimit.Limiter,
	llmClient llm.Client,
	chat chatadapter.Adapter,
	log logr.Logger,
) *Orchestrator {
	return &Orchestrator{
		contexts:     contexts,
		registry:     registry,
		permissions:  permissions,
		limiter:      limiter,
		llmClient:    llmClient,
		chat:         chat,
		log:          log,
		SystemPrompt: DefaultSystemPrompt,
	}
}

// DefaultSystemPrompt renders a minimal but complete system prompt: the
// kind-specific framing, the caller's effective permission level, and the
// tool schema summary built from the registry (spec §4.5 step 2).
func DefaultSystemPrompt(kind contextstore.Kind, chatLevel permission.ChatLevel, toolSchema string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are an assistant embedded in a %s conversation.\n", kind)
	fmt.Fprintf(&b, "The current user's permission level is %s.\n\n", chatLevel)
	b.WriteString("Available tools:\n")
	b.WriteString(toolSchema)
	b.WriteString("\nInvoke a tool using [TOOL_CALL]name(key=value, ...)[/TOOL_CALL]. ")
	b.WriteString("When you are finished, emit [END].\n")
	return b.String()
}

// ToolSchemaSummary renders every registered tool's name, description and
// parameter signature, for injection into the system prompt.
func ToolSchemaSummary(registry *tools.Registry) string {
	var b strings.Builder
	for _, t := range registry.All() {
		fmt.Fprintf(&b, "- %s (%s): %s\n", t.Name, t.Category, t.Description)
		for name, spec := range t.Parameters {
			req := "optional"
			if spec.Required {
				req = "required"
			}
			fmt.Fprintf(&b, "    %s (%s, %s): %s\n", name, spec.Type, req, spec.Description)
		}
	}
	return b.String()
}

// HandleChatMessage implements spec §4.5's entry point end to end:
// preconditions, context derivation, system-prompt construction, the
// multi-turn loop, and context persistence.
func (o *Orchestrator) HandleChatMessage(ctx context.Context, msg ChatMessage) string {
	if !o.limiter.Allow(ratelimit.ClassGeneric, msg.UserID) {
		return refusalRateLimited
	}
	if len(msg.Content) > maxContentLength {
		return refusalTooLong
	}

	chatLevel := o.permissions.EffectiveChatLevel(msg.UserID)
	if chatLevel < permission.ChatRead {
		return refusalNoPermission
	}

	kind := contextstore.KindChatPrivate
	if msg.GroupID != "" {
		kind = contextstore.KindChatGroup
	}
	if msg.Repository != "" && msg.IssueOrPRID != 0 {
		kind = contextstore.KindCodeHostPR
	}

	contextID := contextstore.DeriveContextID(kind, msg.GroupID, msg.UserID, msg.Repository, msg.IssueOrPRID)

	now := time.Now()
	cc, err := o.contexts.GetOrCreate(contextID, kind, now)
	if err != nil {
		o.log.Error(err, "loading conversation context", "context_id", contextID)
		return "Something went wrong loading your conversation. Please try again."
	}

	cc.Repository = msg.Repository
	if msg.IssueOrPRID != 0 {
		cc.IssueOrPRID = fmt.Sprintf("%d", msg.IssueOrPRID)
	}
	cc.GroupID = msg.GroupID
	cc.UserID = msg.UserID

	cc.AppendMessage(contextstore.Message{
		Role:      contextstore.RoleUser,
		Content:   msg.Content,
		Timestamp: now,
		Author:    msg.UserID,
		MessageID: msg.MessageID,
	})

	systemPrompt := o.SystemPrompt(kind, chatLevel, ToolSchemaSummary(o.registry))

	messages := []llm.Message{{Role: "system", Content: systemPrompt}}
	for _, m := range cc.Tail(10) {
		messages = append(messages, llm.Message{Role: string(m.Role), Content: m.Content})
	}

	finalText, persist := o.runLoop(ctx, messages, cc, msg, chatLevel)

	if persist {
		if err := o.contexts.Save(cc); err != nil {
			o.log.Error(err, "persisting conversation context", "context_id", contextID)
		}
	}

	return finalText
}

// runLoop drives spec §4.5 step 3's multi-turn loop. It returns the text to
// surface to the chat layer (empty when a write-op tool already emitted its
// own status messages) and whether the context should be persisted.
func (o *Orchestrator) runLoop(ctx context.Context, messages []llm.Message, cc *contextstore.ConversationContext, msg ChatMessage, chatLevel permission.ChatLevel) (text string, persist bool) {
	var lastAssistant string
	sawWriteOp := false

	for turn := 0; turn < MaxLoopTurns; turn++ {
		if !o.limiter.Allow(ratelimit.ClassAICall, msg.UserID) {
			return refusalRateLimited, true
		}

		reply, err := o.llmClient.Complete(ctx, messages)
		if err != nil {
			o.log.Error(err, "invoking LLM", "turn", turn)
			return fmt.Sprintf("Error talking to the assistant: %v", err), true
		}

		messages = append(messages, llm.Message{Role: "assistant", Content: reply})
		lastAssistant = reply

		if endTokenRe.MatchString(reply) {
			cleaned := strings.TrimSpace(endTokenRe.ReplaceAllString(reply, ""))
			cc.AppendMessage(contextstore.Message{Role: contextstore.RoleAssistant, Content: cleaned, Timestamp: time.Now()})
			if sawWriteOp {
				return "", true
			}
			return cleaned, true
		}

		calls := toolcall.ParseAll(reply)
		if len(calls) == 0 {
			cc.AppendMessage(contextstore.Message{Role: contextstore.RoleAssistant, Content: reply, Timestamp: time.Now()})
			if sawWriteOp {
				return "", true
			}
			return reply, true
		}

		results, anyWrite := o.executeAll(ctx, calls, cc, msg, chatLevel)
		if anyWrite {
			sawWriteOp = true
		}

		resultMsg := "Tool results:\n" + results
		messages = append(messages, llm.Message{Role: "user", Content: resultMsg})
		cc.AppendMessage(contextstore.Message{Role: contextstore.RoleAssistant, Content: reply, Timestamp: time.Now()})
		cc.AppendMessage(contextstore.Message{Role: contextstore.RoleUser, Content: resultMsg, Timestamp: time.Now()})
	}

	if sawWriteOp {
		return "", true
	}
	return lastAssistant, true
}

// executeAll runs every parsed tool call in sequence (spec §4.8), returning
// the formatted result block and whether any executed call was a write-op.
func (o *Orchestrator) executeAll(ctx context.Context, calls []toolcall.Call, cc *contextstore.ConversationContext, msg ChatMessage, chatLevel permission.ChatLevel) (string, bool) {
	var b strings.Builder
	anyWrite := false

	for _, call := range calls {
		result, isWrite := o.executeOne(ctx, call, cc, msg, chatLevel)
		if isWrite {
			anyWrite = true
		}
		fmt.Fprintf(&b, "- %s: %s\n", call.Name, result)
	}

	return b.String(), anyWrite
}

// executeOne validates, permission-checks, and runs a single parsed call,
// applying the write-op UX protocol (status → recall → result) from spec
// §4.8 when the context is a chat group and the call is write-class.
func (o *Orchestrator) executeOne(ctx context.Context, call toolcall.Call, cc *contextstore.ConversationContext, msg ChatMessage, chatLevel permission.ChatLevel) (result string, isWrite bool) {
	params, err := o.registry.Validate(call.Name, call.Parameters)
	if err != nil {
		return fmt.Sprintf("FAILED: %v", err), false
	}

	tool, _ := o.registry.Get(call.Name)
	isWrite = tools.IsWriteOp(call.Name)

	if !o.permitted(tool, isWrite, chatLevel, msg.UserID) {
		return "FAILED: insufficient permission", isWrite
	}

	var statusMsgID chatadapter.Message
	emitStatus := isWrite && cc.Kind == contextstore.KindChatGroup
	if emitStatus {
		status := fmt.Sprintf("正在执行… / Executing… {action=%s repo=%s initiator=%s}", call.Name, cc.Repository, msg.UserID)
		sent, err := o.chat.Send(ctx, cc.GroupID, status)
		if err != nil {
			o.log.Error(err, "sending write-op status message", "tool", call.Name)
		} else {
			statusMsgID = sent
		}
	}

	start := time.Now()
	output, execErr := tool.Handler(params)
	elapsed := time.Since(start)

	toolCallRecord := contextstore.ToolCall{
		CallID:          uuid.New().String(),
		Name:            call.Name,
		Parameters:      params,
		Status:          "SUCCESS",
		Result:          output,
		ExecutionTimeMS: elapsed.Milliseconds(),
	}
	if execErr != nil {
		toolCallRecord.Status = "FAILED"
		toolCallRecord.Error = execErr.Error()
	}
	cc.ToolCalls = append(cc.ToolCalls, toolCallRecord)

	if emitStatus && statusMsgID.ID != "" {
		_ = o.chat.Recall(ctx, statusMsgID)
		final := fmt.Sprintf("✅ done: %s {action=%s repo=%s initiator=%s}", call.Name, call.Name, cc.Repository, msg.UserID)
		if execErr != nil {
			final = fmt.Sprintf("❌ failed: %s {action=%s repo=%s initiator=%s error=%v}", call.Name, call.Name, cc.Repository, msg.UserID, execErr)
		}
		if _, err := o.chat.Send(ctx, cc.GroupID, final); err != nil {
			o.log.Error(err, "sending write-op result message", "tool", call.Name)
		}
	}

	if execErr != nil {
		return fmt.Sprintf("FAILED: %v", execErr), isWrite
	}
	return output, isWrite
}

// permitted implements spec §4.8's permission evaluation: SU bypasses all
// checks; read-class tools require effective level ≥ READ; write-class
// tools require chat-user level ≥ WRITE or a WRITE-level bound code-host
// user.
func (o *Orchestrator) permitted(tool *tools.Tool, isWrite bool, chatLevel permission.ChatLevel, chatUserID string) bool {
	if tool == nil {
		return false
	}
	if o.permissions.IsSU(chatUserID) {
		return true
	}
	if isWrite {
		return o.permissions.EffectivelyWriteCapable(chatUserID)
	}
	return chatLevel >= permission.ChatRead
}
