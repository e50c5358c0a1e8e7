// Package permission implements the two-tier permission model (C3): chat-user
// levels {NONE<READ<WRITE<SU} and code-host-user levels {NONE<WRITE}, bound
// 1:1 (chat-user -> code-host-user) with an inverse index, plus the
// "NONE + bound => effectively READ" mapping rule from spec §3. Grounded on
// the teacher's Clone()/RWMutex-guarded configuration idiom (server/
// configuration.go) and its SaveUserSettings persistence pattern (server/
// store/kvstore/store.go), generalized from per-user KV records to a single
// atomically-persisted JSON document since this permission table is small,
// read on every chat message, and has no plugin-host KV store to lean on.
package permission

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ChatLevel is a chat-platform user's permission level.
type ChatLevel int

const (
	ChatNone ChatLevel = iota
	ChatRead
	ChatWrite
	ChatSU
)

// CodeHostLevel is a code-host user's permission level.
type CodeHostLevel int

const (
	CodeHostNone CodeHostLevel = iota
	CodeHostWrite
)

type document struct {
	// ChatLevels holds explicitly assigned (non-SU) chat-user levels.
	ChatLevels map[string]ChatLevel `json:"chat_levels"`
	// CodeHostLevels holds assigned code-host-user levels.
	CodeHostLevels map[string]CodeHostLevel `json:"code_host_levels"`
	// Bindings maps chat-user id -> code-host-user id (1:1).
	Bindings map[string]string `json:"bindings"`
}

// Store is the persisted, mutex-guarded permission table.
type Store struct {
	mu   sync.RWMutex
	doc  document
	path string

	// suUsers is read-only at runtime, sourced from an external bootstrap
	// file per spec §3 ("SU is not assignable").
	suUsers map[string]struct{}
}

// bootstrapFile is the shape of the SU bootstrap file.
type bootstrapFile struct {
	SuperUsers []string `json:"super_users"`
}

// LoadStore reads the permission document at path (if present) and the SU
// bootstrap file at suPath, returning a ready Store.
func LoadStore(path, suPath string) (*Store, error) {
	s := &Store{path: path, suUsers: map[string]struct{}{}}

	if data, err := os.ReadFile(path); err == nil {
		var doc document
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing permissions file %s: %w", path, err)
		}
		s.doc = doc
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading permissions file %s: %w", path, err)
	}
	if s.doc.ChatLevels == nil {
		s.doc.ChatLevels = map[string]ChatLevel{}
	}
	if s.doc.CodeHostLevels == nil {
		s.doc.CodeHostLevels = map[string]CodeHostLevel{}
	}
	if s.doc.Bindings == nil {
		s.doc.Bindings = map[string]string{}
	}

	if suPath != "" {
		if data, err := os.ReadFile(suPath); err == nil {
			var bf bootstrapFile
			if err := json.Unmarshal(data, &bf); err != nil {
				return nil, fmt.Errorf("parsing SU bootstrap file %s: %w", suPath, err)
			}
			for _, u := range bf.SuperUsers {
				s.suUsers[u] = struct{}{}
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading SU bootstrap file %s: %w", suPath, err)
		}
	}

	return s, nil
}

// IsSU reports whether chatUserID is a bootstrap superuser.
func (s *Store) IsSU(chatUserID string) bool {
	_, ok := s.suUsers[chatUserID]
	return ok
}

// EffectiveChatLevel computes a chat-user's level per spec §3's mapping
// rule: SU bypasses everything; otherwise the explicitly assigned level,
// promoted to at least READ when the user is bound to any code-host-user
// (regardless of that code-host-user's own level).
func (s *Store) EffectiveChatLevel(chatUserID string) ChatLevel {
	if s.IsSU(chatUserID) {
		return ChatSU
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	level := s.doc.ChatLevels[chatUserID]
	if level == ChatNone {
		if _, bound := s.doc.Bindings[chatUserID]; bound {
			return ChatRead
		}
	}
	return level
}

// EffectivelyWriteCapable reports whether chatUserID may invoke a write-class
// tool: chat-user level >= WRITE, or bound to a code-host-user whose level
// is WRITE (spec §4.8's write-class permission rule).
func (s *Store) EffectivelyWriteCapable(chatUserID string) bool {
	if s.IsSU(chatUserID) {
		return true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.doc.ChatLevels[chatUserID] >= ChatWrite {
		return true
	}
	if codeHostID, bound := s.doc.Bindings[chatUserID]; bound {
		if s.doc.CodeHostLevels[codeHostID] >= CodeHostWrite {
			return true
		}
	}
	return false
}

// CodeHostUserFor returns the code-host-user bound to chatUserID, if any.
func (s *Store) CodeHostUserFor(chatUserID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.doc.Bindings[chatUserID]
	return id, ok
}

// ChatUsersFor returns every chat-user bound to codeHostUserID (the inverse
// index named in spec §3).
func (s *Store) ChatUsersFor(codeHostUserID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for chatUser, bound := range s.doc.Bindings {
		if bound == codeHostUserID {
			out = append(out, chatUser)
		}
	}
	return out
}

// SetChatLevel assigns an explicit (non-SU) chat-user level and persists.
func (s *Store) SetChatLevel(chatUserID string, level ChatLevel) error {
	if level == ChatSU {
		return fmt.Errorf("SU is not assignable at runtime; edit the bootstrap file instead")
	}
	s.mu.Lock()
	s.doc.ChatLevels[chatUserID] = level
	s.mu.Unlock()
	return s.persist()
}

// Bind records a chat-user <-> code-host-user binding and persists.
func (s *Store) Bind(chatUserID, codeHostUserID string) error {
	s.mu.Lock()
	s.doc.Bindings[chatUserID] = codeHostUserID
	s.mu.Unlock()
	return s.persist()
}

// persist writes the document atomically via temp-file-then-rename, so a
// crash mid-write never leaves a corrupt permissions.json behind.
func (s *Store) persist() error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s.doc, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshaling permissions: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".permissions-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp permissions file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp permissions file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp permissions file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("renaming permissions file into place: %w", err)
	}
	return nil
}
