// Package contextstore implements the Context Store (C10): conversation
// persistence with message and tool-call history, a sticky-first-5-on-
// eviction message cap, 24h TTL since last activity, and a hard 1000-context
// LRU eviction ceiling. Grounded on the teacher's JSON-struct-per-record
// persistence style (server/store/kvstore/kvstore.go's AgentRecord/
// HITLWorkflow) and its UUID-keyed record idiom (server/hitl.go's
// uuid.New().String() primary keys), generalized from the teacher's
// Mattermost-KV-backed single-record-per-key model to one JSON file per
// context on disk, per spec §6's persisted-state layout.
package contextstore

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Kind is the conversation context's binding shape.
type Kind string

const (
	KindChatGroup       Kind = "CHAT_GROUP"
	KindChatPrivate     Kind = "CHAT_PRIVATE"
	KindCodeHostPR      Kind = "CODE_HOST_PR"
	KindCodeHostIssue   Kind = "CODE_HOST_ISSUE"
	KindCodeHostReview  Kind = "CODE_HOST_PR_REVIEW"
	KindGeneral         Kind = "GENERAL"
)

// MaxMessages is the sticky-first-5-on-eviction cap (spec §3, M=100).
const MaxMessages = 100

// stickyMessages is the number of leading system messages preserved when a
// context's message list is trimmed for overflow.
const stickyMessages = 5

// MaxContexts is the hard LRU eviction ceiling (spec §3, N_CTX=1000).
const MaxContexts = 1000

// DefaultTTL is the 24h-since-last-activity expiry (spec §3).
const DefaultTTL = 24 * time.Hour

// Role is a message author role.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one turn of a ConversationContext.
type Message struct {
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Author    string         `json:"author,omitempty"`
	MessageID string         `json:"message_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ToolCall records one tool invocation for audit/history.
type ToolCall struct {
	Name            string         `json:"name"`
	Parameters      map[string]any `json:"parameters"`
	CallID          string         `json:"call_id"`
	Status          string         `json:"status"`
	Result          string         `json:"result,omitempty"`
	Error           string         `json:"error,omitempty"`
	ExecutionTimeMS int64          `json:"execution_time_ms,omitempty"`
	RetryCount      int            `json:"retry_count"`
}

// ConversationContext is one persisted conversation thread.
type ConversationContext struct {
	ContextID    string         `json:"context_id"`
	Kind         Kind           `json:"kind"`
	Messages     []Message      `json:"messages"`
	CreatedAt    time.Time      `json:"created_at"`
	LastActivity time.Time      `json:"last_activity"`
	Metadata     map[string]any `json:"metadata,omitempty"`

	GroupID      string     `json:"group_id,omitempty"`
	UserID       string     `json:"user_id,omitempty"`
	Repository   string     `json:"repository,omitempty"`
	IssueOrPRID  string     `json:"issue_or_pr_id,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
}

// AppendMessage appends m, bumps last_activity, and trims to MaxMessages
// preserving the first stickyMessages entries (intended to be the system
// prompt and earliest orientation turns) when the cap is exceeded.
func (c *ConversationContext) AppendMessage(m Message) {
	c.Messages = append(c.Messages, m)
	c.LastActivity = m.Timestamp
	if len(c.Messages) <= MaxMessages {
		return
	}

	sticky := c.Messages[:stickyMessages]
	overflowCount := len(c.Messages) - MaxMessages
	rest := c.Messages[stickyMessages+overflowCount:]
	trimmed := make([]Message, 0, MaxMessages)
	trimmed = append(trimmed, sticky...)
	trimmed = append(trimmed, rest...)
	c.Messages = trimmed
}

// Tail returns the last n messages (used to build the LLM's conversation
// tail per spec §4.5).
func (c *ConversationContext) Tail(n int) []Message {
	if n >= len(c.Messages) {
		return c.Messages
	}
	return c.Messages[len(c.Messages)-n:]
}

// DeriveContextID implements the deterministic context-id scheme of spec
// §4.12.
func DeriveContextID(kind Kind, groupID, userID, repository string, numericID int) string {
	repoKey := strings.ReplaceAll(repository, "/", "_")
	switch kind {
	case KindChatGroup:
		return fmt.Sprintf("qq_group_%s_%s", groupID, userID)
	case KindChatPrivate:
		return fmt.Sprintf("qq_private_%s", userID)
	case KindCodeHostPR:
		return fmt.Sprintf("github_pr_%s_%d", repoKey, numericID)
	case KindCodeHostIssue:
		return fmt.Sprintf("github_issue_%s_%d", repoKey, numericID)
	default:
		sum := md5.Sum([]byte(fmt.Sprintf("%s|%s|%s|%s|%d", kind, groupID, userID, repository, numericID)))
		return fmt.Sprintf("%s_%s", strings.ToLower(string(kind)), hex.EncodeToString(sum[:])[:8])
	}
}

type indexEntry struct {
	ContextID    string    `json:"context_id"`
	LastActivity time.Time `json:"last_activity"`
}

// Store is the filesystem-backed, LRU-bounded context persistence layer.
type Store struct {
	mu  sync.Mutex
	dir string
	ttl time.Duration
}

// NewStore builds a Store rooted at dir (created if missing).
func NewStore(dir string, ttl time.Duration) (*Store, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating context dir %s: %w", dir, err)
	}
	return &Store{dir: dir, ttl: ttl}, nil
}

func (s *Store) pathFor(contextID string) string {
	return filepath.Join(s.dir, contextID+".json")
}

// GetOrCreate loads an existing, non-expired context or creates a fresh one.
func (s *Store) GetOrCreate(contextID string, kind Kind, now time.Time) (*ConversationContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cc, err := s.read(contextID)
	if err != nil {
		return nil, err
	}
	if cc != nil && now.Sub(cc.LastActivity) < s.ttl {
		return cc, nil
	}

	cc = &ConversationContext{
		ContextID:    contextID,
		Kind:         kind,
		CreatedAt:    now,
		LastActivity: now,
		Metadata:     map[string]any{},
	}
	return cc, nil
}

// Find looks up contextID without creating it, reporting whether a
// non-expired context exists. Used by tools that need to probe for a
// related conversation (e.g. find_related_contexts) without the
// side effect of materializing a fresh one.
func (s *Store) Find(contextID string, now time.Time) (*ConversationContext, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cc, err := s.read(contextID)
	if err != nil {
		return nil, false, err
	}
	if cc == nil || now.Sub(cc.LastActivity) >= s.ttl {
		return nil, false, nil
	}
	return cc, true, nil
}

func (s *Store) read(contextID string) (*ConversationContext, error) {
	data, err := os.ReadFile(s.pathFor(contextID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading context %s: %w", contextID, err)
	}
	var cc ConversationContext
	if err := json.Unmarshal(data, &cc); err != nil {
		return nil, fmt.Errorf("parsing context %s: %w", contextID, err)
	}
	return &cc, nil
}

// Save persists cc atomically (temp file + rename) and enforces the
// MaxContexts LRU ceiling afterward.
func (s *Store) Save(cc *ConversationContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(cc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling context %s: %w", cc.ContextID, err)
	}

	tmp, err := os.CreateTemp(s.dir, ".context-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp context file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp context file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp context file: %w", err)
	}
	if err := os.Rename(tmpPath, s.pathFor(cc.ContextID)); err != nil {
		return fmt.Errorf("renaming context file into place: %w", err)
	}

	return s.enforceCapacity()
}

// enforceCapacity evicts the least-recently-active contexts beyond
// MaxContexts. Called with s.mu held.
func (s *Store) enforceCapacity() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("listing context dir: %w", err)
	}

	var index []indexEntry
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		contextID := strings.TrimSuffix(e.Name(), ".json")
		cc, err := s.read(contextID)
		if err != nil || cc == nil {
			continue
		}
		index = append(index, indexEntry{ContextID: contextID, LastActivity: cc.LastActivity})
	}

	if len(index) <= MaxContexts {
		return nil
	}

	sort.Slice(index, func(i, j int) bool {
		return index[i].LastActivity.Before(index[j].LastActivity)
	})

	overflow := len(index) - MaxContexts
	for _, victim := range index[:overflow] {
		if err := os.Remove(s.pathFor(victim.ContextID)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("evicting context %s: %w", victim.ContextID, err)
		}
	}
	return nil
}

// PruneExpired removes every context whose last_activity is older than ttl
// and reports how many it removed. No component in this module calls it.
func (s *Store) PruneExpired(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("listing context dir: %w", err)
	}

	pruned := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		contextID := strings.TrimSuffix(e.Name(), ".json")
		cc, err := s.read(contextID)
		if err != nil || cc == nil {
			continue
		}
		if now.Sub(cc.LastActivity) >= s.ttl {
			if err := os.Remove(s.pathFor(contextID)); err != nil && !os.IsNotExist(err) {
				return pruned, fmt.Errorf("pruning context %s: %w", contextID, err)
			}
			pruned++
		}
	}
	return pruned, nil
}

// All returns every non-expired context currently on disk, for tools that
// search or report across the whole context set (search_conversations).
func (s *Store) All(now time.Time) ([]*ConversationContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing context dir: %w", err)
	}

	var all []*ConversationContext
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		contextID := strings.TrimSuffix(e.Name(), ".json")
		cc, err := s.read(contextID)
		if err != nil || cc == nil {
			continue
		}
		if now.Sub(cc.LastActivity) >= s.ttl {
			continue
		}
		all = append(all, cc)
	}
	return all, nil
}
