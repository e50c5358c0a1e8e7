package codehost

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-github/v68/github"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickmisasi/ghrelay/internal/cache"
)

const baseURLPath = "/api-v3"

// setup mirrors the teacher's ghclient test harness: an httptest server
// behind a path prefix, with a go-github client pointed at it.
func setup(t *testing.T, withCache bool) (client Client, mux *http.ServeMux, getCalls *int) {
	t.Helper()

	mux = http.NewServeMux()
	apiHandler := http.NewServeMux()
	apiHandler.Handle(baseURLPath+"/", http.StripPrefix(baseURLPath, mux))

	server := httptest.NewServer(apiHandler)
	t.Cleanup(server.Close)

	ghClient := github.NewClient(nil)
	u, _ := url.Parse(server.URL + baseURLPath + "/")
	ghClient.BaseURL = u

	var c *cache.Cache
	if withCache {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		t.Cleanup(mr.Close)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { rdb.Close() })
		c = cache.New(rdb, 300*time.Second)
	}

	calls := 0
	getCalls = &calls
	return NewClientWithGitHub(ghClient, c), mux, getCalls
}

func TestGetIssue_CachesSecondCall(t *testing.T) {
	client, mux, getCalls := setup(t, true)

	mux.HandleFunc("/repos/owner/repo/issues/1", func(w http.ResponseWriter, r *http.Request) {
		*getCalls++
		_, _ = fmt.Fprint(w, `{"number":1,"title":"bug"}`)
	})

	ctx := context.Background()
	issue1, err := client.GetIssue(ctx, "owner", "repo", 1)
	require.NoError(t, err)
	assert.Equal(t, "bug", issue1.GetTitle())

	issue2, err := client.GetIssue(ctx, "owner", "repo", 1)
	require.NoError(t, err)
	assert.Equal(t, "bug", issue2.GetTitle())

	assert.Equal(t, 1, *getCalls, "second GetIssue should be served from cache")
}

func TestCreateComment_ReturnsCreatedComment(t *testing.T) {
	client, mux, _ := setup(t, true)

	mux.HandleFunc("/repos/owner/repo/issues/1/comments", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `{"id":1,"body":"hi"}`)
	})

	ctx := context.Background()
	comment, err := client.CreateComment(ctx, "owner", "repo", 1, "hi")
	require.NoError(t, err)
	assert.Equal(t, "hi", comment.GetBody())
}

func TestAssignIssue_PostsAssignees(t *testing.T) {
	client, mux, _ := setup(t, false)

	mux.HandleFunc("/repos/owner/repo/issues/1/assignees", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		_, _ = fmt.Fprint(w, `{"number":1,"assignees":[{"login":"alice"}]}`)
	})

	issue, err := client.AssignIssue(context.Background(), "owner", "repo", 1, []string{"alice"})
	require.NoError(t, err)
	require.Len(t, issue.Assignees, 1)
	assert.Equal(t, "alice", issue.Assignees[0].GetLogin())
}

func TestUnassignIssue_DeletesAssignees(t *testing.T) {
	client, mux, _ := setup(t, false)

	mux.HandleFunc("/repos/owner/repo/issues/1/assignees", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		_, _ = fmt.Fprint(w, `{"number":1,"assignees":[]}`)
	})

	issue, err := client.UnassignIssue(context.Background(), "owner", "repo", 1, []string{"alice"})
	require.NoError(t, err)
	assert.Equal(t, 1, issue.GetNumber())
}

func TestSearchCode_ScopesQueryToRepo(t *testing.T) {
	client, mux, _ := setup(t, false)

	var gotQuery string
	mux.HandleFunc("/search/code", func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		_, _ = fmt.Fprint(w, `{"total_count":1,"items":[{"path":"main.go"}]}`)
	})

	results, err := client.SearchCode(context.Background(), "owner", "repo", "TODO", 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "main.go", results[0].GetPath())
	assert.Contains(t, gotQuery, "repo:owner/repo")
}

func TestGetFileContent_ReturnsFile(t *testing.T) {
	client, mux, _ := setup(t, false)

	mux.HandleFunc("/repos/owner/repo/contents/README.md", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `{"type":"file","name":"README.md","content":"aGVsbG8=","encoding":"base64"}`)
	})

	file, err := client.GetFileContent(context.Background(), "owner", "repo", "README.md", "")
	require.NoError(t, err)
	content, err := file.GetContent()
	require.NoError(t, err)
	assert.Equal(t, "hello", content)
}

func TestListRepositoryFiles_ReturnsDirectoryEntries(t *testing.T) {
	client, mux, _ := setup(t, false)

	mux.HandleFunc("/repos/owner/repo/contents/docs", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `[{"type":"file","name":"a.md","path":"docs/a.md"},{"type":"file","name":"b.md","path":"docs/b.md"}]`)
	})

	entries, err := client.ListRepositoryFiles(context.Background(), "owner", "repo", "docs", "")
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestParsePRURL_Valid(t *testing.T) {
	ref, err := ParsePRURL("https://github.com/acme/widgets/pull/42")
	require.NoError(t, err)
	assert.Equal(t, "acme", ref.Owner)
	assert.Equal(t, "widgets", ref.Repo)
	assert.Equal(t, 42, ref.Number)
}

func TestParsePRURL_InvalidURL(t *testing.T) {
	_, err := ParsePRURL("https://example.com/not-a-pr")
	require.Error(t, err)
}

func TestParsePRURL_TrailingSegmentsIgnored(t *testing.T) {
	ref, err := ParsePRURL("https://github.com/acme/widgets/pull/42/files")
	require.NoError(t, err)
	assert.Equal(t, 42, ref.Number)
}

func TestReviewNodeID_Deterministic(t *testing.T) {
	assert.Equal(t, reviewNodeID(7), reviewNodeID(7))
	assert.NotEqual(t, reviewNodeID(7), reviewNodeID(8))
}
