package builtin

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-github/v68/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickmisasi/ghrelay/internal/codehost"
	"github.com/nickmisasi/ghrelay/internal/contextstore"
	"github.com/nickmisasi/ghrelay/internal/tools"
)

type fakeCodehost struct {
	codehost.Client

	issues       []*github.Issue
	comments     []string
	updatedID    int64
	deletedID    int64
	createdPR    *github.NewPullRequest
	mergedNumber int
	labeled      [][]string
	removedLabel string
	reviewReq    codehost.ReviewRequest
	updatedPR    *github.PullRequest
	assigned     []string
	unassigned   []string
	searchQuery  string
	fetchedPath  string
	listedPath   string
}

func (f *fakeCodehost) GetIssue(ctx context.Context, owner, repo string, number int) (*github.Issue, error) {
	n, state, title, body := number, "open", "some bug", "details here"
	return &github.Issue{Number: &n, State: &state, Title: &title, Body: &body}, nil
}

func (f *fakeCodehost) ListIssues(ctx context.Context, owner, repo string, opts *github.IssueListByRepoOptions) ([]*github.Issue, error) {
	return f.issues, nil
}

func (f *fakeCodehost) CreateIssue(ctx context.Context, owner, repo string, req *github.IssueRequest) (*github.Issue, error) {
	n := 7
	return &github.Issue{Number: &n, Title: req.Title, Body: req.Body, HTMLURL: strPtr("https://example.test/issues/7")}, nil
}

func (f *fakeCodehost) UpdateIssue(ctx context.Context, owner, repo string, number int, req *github.IssueRequest) (*github.Issue, error) {
	n := number
	return &github.Issue{Number: &n}, nil
}

func (f *fakeCodehost) CloseIssue(ctx context.Context, owner, repo string, number int) (*github.Issue, error) {
	n, state := number, "closed"
	return &github.Issue{Number: &n, State: &state}, nil
}

func (f *fakeCodehost) ReopenIssue(ctx context.Context, owner, repo string, number int) (*github.Issue, error) {
	n, state := number, "open"
	return &github.Issue{Number: &n, State: &state}, nil
}

func (f *fakeCodehost) CreateComment(ctx context.Context, owner, repo string, number int, body string) (*github.IssueComment, error) {
	f.comments = append(f.comments, body)
	id := int64(len(f.comments))
	return &github.IssueComment{ID: &id}, nil
}

func (f *fakeCodehost) UpdateComment(ctx context.Context, owner, repo string, commentID int64, body string) (*github.IssueComment, error) {
	f.updatedID = commentID
	return &github.IssueComment{ID: &commentID}, nil
}

func (f *fakeCodehost) DeleteComment(ctx context.Context, owner, repo string, commentID int64) error {
	f.deletedID = commentID
	return nil
}

func (f *fakeCodehost) CreatePullRequest(ctx context.Context, owner, repo string, req *github.NewPullRequest) (*github.PullRequest, error) {
	f.createdPR = req
	n := 42
	return &github.PullRequest{Number: &n, HTMLURL: strPtr("https://example.test/pull/42")}, nil
}

func (f *fakeCodehost) MergePullRequest(ctx context.Context, owner, repo string, number int, commitMessage string) (*github.PullRequestMergeResult, error) {
	f.mergedNumber = number
	merged, msg := true, "merged"
	return &github.PullRequestMergeResult{Merged: &merged, Message: &msg}, nil
}

func (f *fakeCodehost) CreateLabel(ctx context.Context, owner, repo, name, color string) (*github.Label, error) {
	return &github.Label{Name: &name, Color: &color}, nil
}

func (f *fakeCodehost) AddLabels(ctx context.Context, owner, repo string, number int, labels []string) ([]*github.Label, error) {
	f.labeled = append(f.labeled, labels)
	out := make([]*github.Label, len(labels))
	for i, l := range labels {
		name := l
		out[i] = &github.Label{Name: &name}
	}
	return out, nil
}

func (f *fakeCodehost) RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error {
	f.removedLabel = label
	return nil
}

func (f *fakeCodehost) RequestReviewers(ctx context.Context, owner, repo string, number int, req codehost.ReviewRequest) error {
	f.reviewReq = req
	return nil
}

func (f *fakeCodehost) UpdatePullRequest(ctx context.Context, owner, repo string, number int, req *github.PullRequest) (*github.PullRequest, error) {
	f.updatedPR = req
	n := number
	return &github.PullRequest{Number: &n}, nil
}

func (f *fakeCodehost) AssignIssue(ctx context.Context, owner, repo string, number int, assignees []string) (*github.Issue, error) {
	f.assigned = assignees
	n := number
	ghAssignees := make([]*github.User, len(assignees))
	for i, a := range assignees {
		login := a
		ghAssignees[i] = &github.User{Login: &login}
	}
	return &github.Issue{Number: &n, Assignees: ghAssignees}, nil
}

func (f *fakeCodehost) UnassignIssue(ctx context.Context, owner, repo string, number int, assignees []string) (*github.Issue, error) {
	f.unassigned = assignees
	n := number
	return &github.Issue{Number: &n}, nil
}

func (f *fakeCodehost) SearchCode(ctx context.Context, owner, repo, query string, limit int) ([]*github.CodeResult, error) {
	f.searchQuery = query
	path := "main.go"
	return []*github.CodeResult{{Path: &path}}, nil
}

func (f *fakeCodehost) GetFileContent(ctx context.Context, owner, repo, path, ref string) (*github.RepositoryContent, error) {
	f.fetchedPath = path
	encoding, content := "base64", "aGVsbG8="
	return &github.RepositoryContent{Encoding: &encoding, Content: &content}, nil
}

func (f *fakeCodehost) ListRepositoryFiles(ctx context.Context, owner, repo, path, ref string) ([]*github.RepositoryContent, error) {
	f.listedPath = path
	typ, p := "file", path+"/README.md"
	return []*github.RepositoryContent{{Type: &typ, Path: &p}}, nil
}

func strPtr(s string) *string { return &s }

func newRegistry(t *testing.T, fc codehost.Client, contexts *contextstore.Store) *tools.Registry {
	t.Helper()
	return tools.NewRegistry(Build(fc, contexts))
}

func invoke(t *testing.T, reg *tools.Registry, name string, raw map[string]any) string {
	t.Helper()
	tool, ok := reg.Get(name)
	require.True(t, ok, "tool %s not registered", name)
	params, err := reg.Validate(name, raw)
	require.NoError(t, err)
	out, err := tool.Handler(params)
	require.NoError(t, err)
	return out
}

func newContextStore(t *testing.T) *contextstore.Store {
	t.Helper()
	s, err := contextstore.NewStore(t.TempDir(), contextstore.DefaultTTL)
	require.NoError(t, err)
	return s
}

func TestBuild_RegistersEveryDeclaredCategory(t *testing.T) {
	reg := newRegistry(t, &fakeCodehost{}, newContextStore(t))
	seen := map[tools.Category]bool{}
	for _, tool := range reg.All() {
		seen[tool.Category] = true
	}
	assert.True(t, seen[tools.CategoryCodeHost])
	assert.True(t, seen[tools.CategorySearch])
	assert.True(t, seen[tools.CategoryContext])
	assert.True(t, seen[tools.CategoryUtility])
}

func TestGetIssue_RendersStateAndBody(t *testing.T) {
	reg := newRegistry(t, &fakeCodehost{}, newContextStore(t))
	out := invoke(t, reg, "get_issue", map[string]any{"owner": "acme", "repo": "widgets", "number": 3})
	assert.Contains(t, out, "#3")
	assert.Contains(t, out, "open")
}

func TestSearchIssues_FiltersByTitleSubstring(t *testing.T) {
	n1, n2 := 1, 2
	title1, title2 := "login crash", "improve docs"
	fc := &fakeCodehost{issues: []*github.Issue{
		{Number: &n1, Title: &title1},
		{Number: &n2, Title: &title2},
	}}
	reg := newRegistry(t, fc, newContextStore(t))
	out := invoke(t, reg, "search_issues", map[string]any{"owner": "acme", "repo": "widgets", "query": "crash"})
	assert.Contains(t, out, "#1")
	assert.NotContains(t, out, "#2")
}

func TestSearchIssues_NoMatchesReportsEmpty(t *testing.T) {
	fc := &fakeCodehost{}
	reg := newRegistry(t, fc, newContextStore(t))
	out := invoke(t, reg, "search_issues", map[string]any{"owner": "acme", "repo": "widgets", "query": "nothing"})
	assert.Equal(t, "no matching issues", out)
}

func TestCreateIssue_ReturnsNumberAndURL(t *testing.T) {
	fc := &fakeCodehost{}
	reg := newRegistry(t, fc, newContextStore(t))
	out := invoke(t, reg, "create_issue", map[string]any{"owner": "acme", "repo": "widgets", "title": "bug", "body": "oops"})
	assert.Contains(t, out, "#7")
	assert.Contains(t, out, "https://example.test/issues/7")
}

func TestCreateIssueComment_AndAliasShareHandler(t *testing.T) {
	fc := &fakeCodehost{}
	reg := newRegistry(t, fc, newContextStore(t))
	invoke(t, reg, "create_issue_comment", map[string]any{"owner": "a", "repo": "b", "number": 1, "body": "hi"})
	invoke(t, reg, "add_comment", map[string]any{"owner": "a", "repo": "b", "number": 1, "body": "again"})
	require.Len(t, fc.comments, 2)
	assert.Equal(t, []string{"hi", "again"}, fc.comments)
}

func TestDeleteComment_PassesCommentID(t *testing.T) {
	fc := &fakeCodehost{}
	reg := newRegistry(t, fc, newContextStore(t))
	invoke(t, reg, "delete_comment", map[string]any{"owner": "a", "repo": "b", "comment_id": 99})
	assert.EqualValues(t, 99, fc.deletedID)
}

func TestAddLabel_PassesLabelSlice(t *testing.T) {
	fc := &fakeCodehost{}
	reg := newRegistry(t, fc, newContextStore(t))
	out := invoke(t, reg, "add_label", map[string]any{"owner": "a", "repo": "b", "number": 1, "labels": []any{"bug", "priority"}})
	require.Len(t, fc.labeled, 1)
	assert.ElementsMatch(t, []string{"bug", "priority"}, fc.labeled[0])
	assert.Contains(t, out, "2")
}

func TestRequestReview_PassesReviewers(t *testing.T) {
	fc := &fakeCodehost{}
	reg := newRegistry(t, fc, newContextStore(t))
	invoke(t, reg, "request_review", map[string]any{"owner": "a", "repo": "b", "number": 1, "reviewers": []any{"bob"}})
	assert.Equal(t, []string{"bob"}, fc.reviewReq.Reviewers)
}

func TestMergePullRequest_ReturnsMessage(t *testing.T) {
	fc := &fakeCodehost{}
	reg := newRegistry(t, fc, newContextStore(t))
	out := invoke(t, reg, "merge_pull_request", map[string]any{"owner": "a", "repo": "b", "number": 5})
	assert.Equal(t, 5, fc.mergedNumber)
	assert.Equal(t, "merged", out)
}

func TestGetContextStats_ReportsCountsForExistingContext(t *testing.T) {
	contexts := newContextStore(t)
	cc, err := contexts.GetOrCreate("ctx-1", contextstore.KindGeneral, time.Now())
	require.NoError(t, err)
	cc.AppendMessage(contextstore.Message{Role: contextstore.RoleUser, Content: "hi", Timestamp: time.Now()})
	require.NoError(t, contexts.Save(cc))

	reg := newRegistry(t, &fakeCodehost{}, contexts)
	out := invoke(t, reg, "get_context_stats", map[string]any{"context_id": "ctx-1"})
	assert.Contains(t, out, "messages=1")
}

func TestGetContextStats_MissingContextReportsNoActiveContext(t *testing.T) {
	reg := newRegistry(t, &fakeCodehost{}, newContextStore(t))
	out := invoke(t, reg, "get_context_stats", map[string]any{"context_id": "does-not-exist"})
	assert.Equal(t, "no active context with that id", out)
}

func TestFindRelatedContexts_FindsExistingPRContext(t *testing.T) {
	contexts := newContextStore(t)
	contextID := contextstore.DeriveContextID(contextstore.KindCodeHostPR, "", "", "acme/widgets", 42)
	cc, err := contexts.GetOrCreate(contextID, contextstore.KindCodeHostPR, time.Now())
	require.NoError(t, err)
	require.NoError(t, contexts.Save(cc))

	reg := newRegistry(t, &fakeCodehost{}, contexts)
	out := invoke(t, reg, "find_related_contexts", map[string]any{"repository": "acme/widgets", "issue_or_pr_id": 42})
	assert.Contains(t, out, contextID)
}

func TestFindRelatedContexts_NoneFound(t *testing.T) {
	reg := newRegistry(t, &fakeCodehost{}, newContextStore(t))
	out := invoke(t, reg, "find_related_contexts", map[string]any{"repository": "acme/widgets", "issue_or_pr_id": 1})
	assert.Equal(t, "no related contexts found", out)
}

func TestGetCurrentTime_ReturnsRFC3339(t *testing.T) {
	reg := newRegistry(t, &fakeCodehost{}, newContextStore(t))
	out := invoke(t, reg, "get_current_time", map[string]any{})
	_, err := time.Parse(time.RFC3339, out)
	assert.NoError(t, err)
}

func TestUpdatePullRequest_PassesEditedFields(t *testing.T) {
	fc := &fakeCodehost{}
	reg := newRegistry(t, fc, newContextStore(t))
	out := invoke(t, reg, "update_pull_request", map[string]any{"owner": "a", "repo": "b", "number": 9, "title": "new title"})
	require.NotNil(t, fc.updatedPR)
	assert.Equal(t, "new title", fc.updatedPR.GetTitle())
	assert.Contains(t, out, "#9")
}

func TestAssign_PassesAssigneeSlice(t *testing.T) {
	fc := &fakeCodehost{}
	reg := newRegistry(t, fc, newContextStore(t))
	out := invoke(t, reg, "assign", map[string]any{"owner": "a", "repo": "b", "number": 1, "assignees": []any{"alice", "bob"}})
	assert.Equal(t, []string{"alice", "bob"}, fc.assigned)
	assert.Contains(t, out, "2")
}

func TestUnassign_PassesAssigneeSlice(t *testing.T) {
	fc := &fakeCodehost{}
	reg := newRegistry(t, fc, newContextStore(t))
	invoke(t, reg, "unassign", map[string]any{"owner": "a", "repo": "b", "number": 1, "assignees": []any{"alice"}})
	assert.Equal(t, []string{"alice"}, fc.unassigned)
}

func TestSearchCode_ScopesQueryAndRendersPaths(t *testing.T) {
	fc := &fakeCodehost{}
	reg := newRegistry(t, fc, newContextStore(t))
	out := invoke(t, reg, "search_code", map[string]any{"owner": "a", "repo": "b", "query": "TODO"})
	assert.Equal(t, "TODO", fc.searchQuery)
	assert.Contains(t, out, "main.go")
}

func TestGetFileContent_DecodesBase64(t *testing.T) {
	fc := &fakeCodehost{}
	reg := newRegistry(t, fc, newContextStore(t))
	out := invoke(t, reg, "get_file_content", map[string]any{"owner": "a", "repo": "b", "path": "README.md"})
	assert.Equal(t, "README.md", fc.fetchedPath)
	assert.Equal(t, "hello", out)
}

func TestListRepositoryFiles_RendersTypeAndPath(t *testing.T) {
	fc := &fakeCodehost{}
	reg := newRegistry(t, fc, newContextStore(t))
	out := invoke(t, reg, "list_repository_files", map[string]any{"owner": "a", "repo": "b", "path": "docs"})
	assert.Equal(t, "docs", fc.listedPath)
	assert.Contains(t, out, "file")
	assert.Contains(t, out, "docs/README.md")
}

func TestExportContext_TextFormatIncludesMessages(t *testing.T) {
	contexts := newContextStore(t)
	cc, err := contexts.GetOrCreate("ctx-export", contextstore.KindGeneral, time.Now())
	require.NoError(t, err)
	cc.AppendMessage(contextstore.Message{Role: contextstore.RoleUser, Content: "please review this", Timestamp: time.Now()})
	require.NoError(t, contexts.Save(cc))

	reg := newRegistry(t, &fakeCodehost{}, contexts)
	out := invoke(t, reg, "export_context", map[string]any{"context_id": "ctx-export"})
	assert.Contains(t, out, "ctx-export")
	assert.Contains(t, out, "please review this")
}

func TestExportContext_JSONFormatRoundTrips(t *testing.T) {
	contexts := newContextStore(t)
	cc, err := contexts.GetOrCreate("ctx-export-json", contextstore.KindGeneral, time.Now())
	require.NoError(t, err)
	require.NoError(t, contexts.Save(cc))

	reg := newRegistry(t, &fakeCodehost{}, contexts)
	out := invoke(t, reg, "export_context", map[string]any{"context_id": "ctx-export-json", "format": "json"})
	assert.Contains(t, out, `"context_id": "ctx-export-json"`)
}

func TestSearchConversations_MatchesMessageSubstringAcrossContexts(t *testing.T) {
	contexts := newContextStore(t)
	cc1, err := contexts.GetOrCreate("ctx-a", contextstore.KindGeneral, time.Now())
	require.NoError(t, err)
	cc1.AppendMessage(contextstore.Message{Role: contextstore.RoleUser, Content: "the deploy failed again", Timestamp: time.Now()})
	require.NoError(t, contexts.Save(cc1))

	cc2, err := contexts.GetOrCreate("ctx-b", contextstore.KindGeneral, time.Now())
	require.NoError(t, err)
	cc2.AppendMessage(contextstore.Message{Role: contextstore.RoleUser, Content: "looks good to merge", Timestamp: time.Now()})
	require.NoError(t, contexts.Save(cc2))

	reg := newRegistry(t, &fakeCodehost{}, contexts)
	out := invoke(t, reg, "search_conversations", map[string]any{"query": "deploy"})
	assert.Contains(t, out, "ctx-a")
	assert.NotContains(t, out, "ctx-b")
}

func TestSearchConversations_NoMatchesReportsEmpty(t *testing.T) {
	reg := newRegistry(t, &fakeCodehost{}, newContextStore(t))
	out := invoke(t, reg, "search_conversations", map[string]any{"query": "nothing"})
	assert.Equal(t, "no matching conversations", out)
}
