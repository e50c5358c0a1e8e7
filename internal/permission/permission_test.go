package permission

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, doc *document, su []string) *Store {
	t.Helper()
	dir := t.TempDir()
	permPath := filepath.Join(dir, "permissions.json")
	suPath := filepath.Join(dir, "su.json")

	if doc != nil {
		data, err := json.Marshal(doc)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(permPath, data, 0o600))
	}
	if su != nil {
		data, err := json.Marshal(bootstrapFile{SuperUsers: su})
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(suPath, data, 0o600))
	}

	store, err := LoadStore(permPath, suPath)
	require.NoError(t, err)
	return store
}

func TestEffectiveChatLevel_SUBypassesEverything(t *testing.T) {
	store := newTestStore(t, nil, []string{"root-user"})
	require.Equal(t, ChatSU, store.EffectiveChatLevel("root-user"))
}

func TestEffectiveChatLevel_NoneBoundBecomesRead(t *testing.T) {
	store := newTestStore(t, &document{
		Bindings: map[string]string{"alice": "alice-gh"},
	}, nil)
	require.Equal(t, ChatRead, store.EffectiveChatLevel("alice"))
}

func TestEffectiveChatLevel_NoneUnboundStaysNone(t *testing.T) {
	store := newTestStore(t, nil, nil)
	require.Equal(t, ChatNone, store.EffectiveChatLevel("stranger"))
}

func TestEffectiveChatLevel_ExplicitLevelHonored(t *testing.T) {
	store := newTestStore(t, &document{
		ChatLevels: map[string]ChatLevel{"bob": ChatWrite},
	}, nil)
	require.Equal(t, ChatWrite, store.EffectiveChatLevel("bob"))
}

func TestEffectivelyWriteCapable_ByExplicitLevel(t *testing.T) {
	store := newTestStore(t, &document{
		ChatLevels: map[string]ChatLevel{"bob": ChatWrite},
	}, nil)
	require.True(t, store.EffectivelyWriteCapable("bob"))
}

func TestEffectivelyWriteCapable_ByBoundCodeHostWrite(t *testing.T) {
	store := newTestStore(t, &document{
		Bindings:       map[string]string{"alice": "alice-gh"},
		CodeHostLevels: map[string]CodeHostLevel{"alice-gh": CodeHostWrite},
	}, nil)
	require.True(t, store.EffectivelyWriteCapable("alice"))
}

func TestEffectivelyWriteCapable_BoundButCodeHostNone(t *testing.T) {
	store := newTestStore(t, &document{
		Bindings: map[string]string{"alice": "alice-gh"},
	}, nil)
	require.False(t, store.EffectivelyWriteCapable("alice"))
}

func TestSetChatLevel_RejectsSU(t *testing.T) {
	store := newTestStore(t, nil, nil)
	err := store.SetChatLevel("alice", ChatSU)
	require.Error(t, err)
}

func TestBind_PersistsAndRoundTrips(t *testing.T) {
	dir := t.TempDir()
	permPath := filepath.Join(dir, "permissions.json")

	store, err := LoadStore(permPath, "")
	require.NoError(t, err)
	require.NoError(t, store.Bind("alice", "alice-gh"))

	reloaded, err := LoadStore(permPath, "")
	require.NoError(t, err)
	id, ok := reloaded.CodeHostUserFor("alice")
	require.True(t, ok)
	require.Equal(t, "alice-gh", id)
}

func TestChatUsersFor_InverseIndex(t *testing.T) {
	store := newTestStore(t, &document{
		Bindings: map[string]string{"alice": "shared-gh", "carol": "shared-gh", "bob": "bob-gh"},
	}, nil)

	users := store.ChatUsersFor("shared-gh")
	require.ElementsMatch(t, []string{"alice", "carol"}, users)
}
