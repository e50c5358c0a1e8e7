// Package builtin declares the concrete Tool Registry catalogue (spec
// §4.6/§4.8): one *tools.Tool per named operation, each Handler closing
// over a codehost.Client and a contextstore.Store. Grounded on the
// teacher's own fixed agent-action surface (server/cursor/client.go's
// LaunchAgent/FollowUp/Stop being the full set of things the bot can do to
// a PR), generalized from "one tool the bot always uses" to the declarative
// multi-tool catalogue this spec's Tool Call Parser dispatches into.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/go-github/v68/github"

	"github.com/nickmisasi/ghrelay/internal/codehost"
	"github.com/nickmisasi/ghrelay/internal/contextstore"
	"github.com/nickmisasi/ghrelay/internal/tools"
)

// Build returns the full declarative tool catalogue wired to client and
// contexts, ready to pass to tools.NewRegistry.
func Build(client codehost.Client, contexts *contextstore.Store) []*tools.Tool {
	return []*tools.Tool{
		getIssue(client),
		listIssues(client),
		searchIssues(client),
		createIssue(client),
		updateIssue(client),
		closeIssue(client),
		reopenIssue(client),
		createIssueComment(client, "create_issue_comment"),
		createIssueComment(client, "add_comment"),
		updateComment(client),
		deleteComment(client),
		createPullRequest(client),
		updatePullRequest(client),
		mergePullRequest(client),
		createLabel(client),
		addLabel(client),
		removeLabel(client),
		assignIssue(client),
		unassignIssue(client),
		requestReview(client),
		searchCode(client),
		getFileContent(client),
		listRepositoryFiles(client),
		getContextStats(contexts),
		findRelatedContexts(contexts),
		exportContext(contexts),
		searchConversations(contexts),
		getCurrentTime(),
	}
}

func ownerRepoParams() map[string]tools.ParamSpec {
	return map[string]tools.ParamSpec{
		"owner": {Type: tools.TypeString, Required: true, Description: "repository owner/org"},
		"repo":  {Type: tools.TypeString, Required: true, Description: "repository name"},
	}
}

func withNumber(params map[string]tools.ParamSpec) map[string]tools.ParamSpec {
	params["number"] = tools.ParamSpec{Type: tools.TypeInteger, Required: true, Description: "issue or pull request number"}
	return params
}

func str(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

func intParam(params map[string]any, key string) int {
	n, _ := params[key].(int)
	return n
}

func int64Param(params map[string]any, key string) int64 {
	return int64(intParam(params, key))
}

func stringSlice(params map[string]any, key string) []string {
	raw, _ := params[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func getIssue(client codehost.Client) *tools.Tool {
	return &tools.Tool{
		Name:                "get_issue",
		Category:            tools.CategoryCodeHost,
		Description:         "fetch an issue's current title, body, and state",
		Parameters:          withNumber(ownerRepoParams()),
		RequiredPermissions: []tools.RequiredPermission{tools.PermGitHubRead},
		Handler: func(params map[string]any) (string, error) {
			issue, err := client.GetIssue(context.Background(), str(params, "owner"), str(params, "repo"), intParam(params, "number"))
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("#%d [%s] %s\n%s", issue.GetNumber(), issue.GetState(), issue.GetTitle(), issue.GetBody()), nil
		},
	}
}

func listIssues(client codehost.Client) *tools.Tool {
	params := ownerRepoParams()
	params["state"] = tools.ParamSpec{Type: tools.TypeString, Required: false, Description: "open, closed, or all", Default: "open"}
	return &tools.Tool{
		Name:                "list_issues",
		Category:            tools.CategoryCodeHost,
		Description:         "list issues in a repository filtered by state",
		Parameters:          params,
		RequiredPermissions: []tools.RequiredPermission{tools.PermGitHubRead},
		Handler: func(params map[string]any) (string, error) {
			state := str(params, "state")
			if state == "" {
				state = "open"
			}
			issues, err := client.ListIssues(context.Background(), str(params, "owner"), str(params, "repo"), &github.IssueListByRepoOptions{State: state})
			if err != nil {
				return "", err
			}
			return renderIssueList(issues), nil
		},
	}
}

func searchIssues(client codehost.Client) *tools.Tool {
	params := ownerRepoParams()
	params["query"] = tools.ParamSpec{Type: tools.TypeString, Required: true, Description: "substring to match against title or body"}
	return &tools.Tool{
		Name:                "search_issues",
		Category:            tools.CategorySearch,
		Description:         "search open issues in a repository for a title/body substring",
		Parameters:          params,
		RequiredPermissions: []tools.RequiredPermission{tools.PermGitHubRead},
		Handler: func(params map[string]any) (string, error) {
			issues, err := client.ListIssues(context.Background(), str(params, "owner"), str(params, "repo"), &github.IssueListByRepoOptions{State: "open"})
			if err != nil {
				return "", err
			}
			query := strings.ToLower(str(params, "query"))
			var matched []*github.Issue
			for _, issue := range issues {
				if strings.Contains(strings.ToLower(issue.GetTitle()), query) || strings.Contains(strings.ToLower(issue.GetBody()), query) {
					matched = append(matched, issue)
				}
			}
			return renderIssueList(matched), nil
		},
	}
}

func renderIssueList(issues []*github.Issue) string {
	if len(issues) == 0 {
		return "no matching issues"
	}
	var b strings.Builder
	for _, issue := range issues {
		fmt.Fprintf(&b, "#%d [%s] %s\n", issue.GetNumber(), issue.GetState(), issue.GetTitle())
	}
	return b.String()
}

func createIssue(client codehost.Client) *tools.Tool {
	params := ownerRepoParams()
	params["title"] = tools.ParamSpec{Type: tools.TypeString, Required: true, Description: "issue title"}
	params["body"] = tools.ParamSpec{Type: tools.TypeString, Required: false, Description: "issue body", Default: ""}
	return &tools.Tool{
		Name:                "create_issue",
		Category:            tools.CategoryCodeHost,
		Description:         "open a new issue",
		Parameters:          params,
		RequiredPermissions: []tools.RequiredPermission{tools.PermGitHubWrite},
		Handler: func(params map[string]any) (string, error) {
			title, body := str(params, "title"), str(params, "body")
			issue, err := client.CreateIssue(context.Background(), str(params, "owner"), str(params, "repo"), &github.IssueRequest{Title: &title, Body: &body})
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("created #%d: %s", issue.GetNumber(), issue.GetHTMLURL()), nil
		},
	}
}

func updateIssue(client codehost.Client) *tools.Tool {
	params := withNumber(ownerRepoParams())
	params["title"] = tools.ParamSpec{Type: tools.TypeString, Required: false, Description: "new title", Default: ""}
	params["body"] = tools.ParamSpec{Type: tools.TypeString, Required: false, Description: "new body", Default: ""}
	return &tools.Tool{
		Name:                "update_issue",
		Category:            tools.CategoryCodeHost,
		Description:         "update an issue's title and/or body",
		Parameters:          params,
		RequiredPermissions: []tools.RequiredPermission{tools.PermGitHubWrite},
		Handler: func(params map[string]any) (string, error) {
			req := &github.IssueRequest{}
			if title := str(params, "title"); title != "" {
				req.Title = &title
			}
			if body := str(params, "body"); body != "" {
				req.Body = &body
			}
			issue, err := client.UpdateIssue(context.Background(), str(params, "owner"), str(params, "repo"), intParam(params, "number"), req)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("updated #%d", issue.GetNumber()), nil
		},
	}
}

func closeIssue(client codehost.Client) *tools.Tool {
	return &tools.Tool{
		Name:                "close_issue",
		Category:            tools.CategoryCodeHost,
		Description:         "close an issue",
		Parameters:          withNumber(ownerRepoParams()),
		RequiredPermissions: []tools.RequiredPermission{tools.PermGitHubWrite},
		Handler: func(params map[string]any) (string, error) {
			issue, err := client.CloseIssue(context.Background(), str(params, "owner"), str(params, "repo"), intParam(params, "number"))
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("closed #%d", issue.GetNumber()), nil
		},
	}
}

func reopenIssue(client codehost.Client) *tools.Tool {
	return &tools.Tool{
		Name:                "reopen_issue",
		Category:            tools.CategoryCodeHost,
		Description:         "reopen a closed issue",
		Parameters:          withNumber(ownerRepoParams()),
		RequiredPermissions: []tools.RequiredPermission{tools.PermGitHubWrite},
		Handler: func(params map[string]any) (string, error) {
			issue, err := client.ReopenIssue(context.Background(), str(params, "owner"), str(params, "repo"), intParam(params, "number"))
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("reopened #%d", issue.GetNumber()), nil
		},
	}
}

func createIssueComment(client codehost.Client, name string) *tools.Tool {
	params := withNumber(ownerRepoParams())
	params["body"] = tools.ParamSpec{Type: tools.TypeString, Required: true, Description: "comment body"}
	return &tools.Tool{
		Name:                name,
		Category:            tools.CategoryCodeHost,
		Description:         "post a comment on an issue or pull request",
		Parameters:          params,
		RequiredPermissions: []tools.RequiredPermission{tools.PermGitHubWrite},
		Handler: func(params map[string]any) (string, error) {
			comment, err := client.CreateComment(context.Background(), str(params, "owner"), str(params, "repo"), intParam(params, "number"), str(params, "body"))
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("posted comment %d", comment.GetID()), nil
		},
	}
}

func updateComment(client codehost.Client) *tools.Tool {
	params := ownerRepoParams()
	params["comment_id"] = tools.ParamSpec{Type: tools.TypeInteger, Required: true, Description: "comment id"}
	params["body"] = tools.ParamSpec{Type: tools.TypeString, Required: true, Description: "new comment body"}
	return &tools.Tool{
		Name:                "update_comment",
		Category:            tools.CategoryCodeHost,
		Description:         "edit an existing comment",
		Parameters:          params,
		RequiredPermissions: []tools.RequiredPermission{tools.PermGitHubWrite},
		Handler: func(params map[string]any) (string, error) {
			comment, err := client.UpdateComment(context.Background(), str(params, "owner"), str(params, "repo"), int64Param(params, "comment_id"), str(params, "body"))
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("updated comment %d", comment.GetID()), nil
		},
	}
}

func deleteComment(client codehost.Client) *tools.Tool {
	params := ownerRepoParams()
	params["comment_id"] = tools.ParamSpec{Type: tools.TypeInteger, Required: true, Description: "comment id"}
	return &tools.Tool{
		Name:                "delete_comment",
		Category:            tools.CategoryCodeHost,
		Description:         "delete a comment",
		Parameters:          params,
		RequiredPermissions: []tools.RequiredPermission{tools.PermGitHubWrite},
		Handler: func(params map[string]any) (string, error) {
			if err := client.DeleteComment(context.Background(), str(params, "owner"), str(params, "repo"), int64Param(params, "comment_id")); err != nil {
				return "", err
			}
			return "comment deleted", nil
		},
	}
}

func createPullRequest(client codehost.Client) *tools.Tool {
	params := ownerRepoParams()
	params["title"] = tools.ParamSpec{Type: tools.TypeString, Required: true, Description: "pull request title"}
	params["head"] = tools.ParamSpec{Type: tools.TypeString, Required: true, Description: "source branch"}
	params["base"] = tools.ParamSpec{Type: tools.TypeString, Required: true, Description: "target branch"}
	params["body"] = tools.ParamSpec{Type: tools.TypeString, Required: false, Description: "pull request description", Default: ""}
	return &tools.Tool{
		Name:                "create_pull_request",
		Category:            tools.CategoryCodeHost,
		Description:         "open a new pull request",
		Parameters:          params,
		RequiredPermissions: []tools.RequiredPermission{tools.PermGitHubWrite},
		Handler: func(params map[string]any) (string, error) {
			title, head, base, body := str(params, "title"), str(params, "head"), str(params, "base"), str(params, "body")
			pr, err := client.CreatePullRequest(context.Background(), str(params, "owner"), str(params, "repo"), &github.NewPullRequest{
				Title: &title, Head: &head, Base: &base, Body: &body,
			})
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("created PR #%d: %s", pr.GetNumber(), pr.GetHTMLURL()), nil
		},
	}
}

func mergePullRequest(client codehost.Client) *tools.Tool {
	params := withNumber(ownerRepoParams())
	params["commit_message"] = tools.ParamSpec{Type: tools.TypeString, Required: false, Description: "merge commit message", Default: ""}
	return &tools.Tool{
		Name:                "merge_pull_request",
		Category:            tools.CategoryCodeHost,
		Description:         "merge a pull request",
		Parameters:          params,
		RequiredPermissions: []tools.RequiredPermission{tools.PermGitHubWrite},
		Handler: func(params map[string]any) (string, error) {
			result, err := client.MergePullRequest(context.Background(), str(params, "owner"), str(params, "repo"), intParam(params, "number"), str(params, "commit_message"))
			if err != nil {
				return "", err
			}
			return result.GetMessage(), nil
		},
	}
}

func updatePullRequest(client codehost.Client) *tools.Tool {
	params := withNumber(ownerRepoParams())
	params["title"] = tools.ParamSpec{Type: tools.TypeString, Required: false, Description: "new title", Default: ""}
	params["body"] = tools.ParamSpec{Type: tools.TypeString, Required: false, Description: "new body", Default: ""}
	params["state"] = tools.ParamSpec{Type: tools.TypeString, Required: false, Description: "open or closed", Default: ""}
	params["base"] = tools.ParamSpec{Type: tools.TypeString, Required: false, Description: "new base branch", Default: ""}
	return &tools.Tool{
		Name:                "update_pull_request",
		Category:            tools.CategoryCodeHost,
		Description:         "update a pull request's title, body, state, or base branch",
		Parameters:          params,
		RequiredPermissions: []tools.RequiredPermission{tools.PermGitHubWrite},
		Handler: func(params map[string]any) (string, error) {
			req := &github.PullRequest{}
			if title := str(params, "title"); title != "" {
				req.Title = &title
			}
			if body := str(params, "body"); body != "" {
				req.Body = &body
			}
			if state := str(params, "state"); state != "" {
				req.State = &state
			}
			if base := str(params, "base"); base != "" {
				req.Base = &github.PullRequestBranch{Ref: &base}
			}
			pr, err := client.UpdatePullRequest(context.Background(), str(params, "owner"), str(params, "repo"), intParam(params, "number"), req)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("updated PR #%d", pr.GetNumber()), nil
		},
	}
}

func assignIssue(client codehost.Client) *tools.Tool {
	params := withNumber(ownerRepoParams())
	params["assignees"] = tools.ParamSpec{Type: tools.TypeArray, Required: true, Description: "usernames to assign"}
	return &tools.Tool{
		Name:                "assign",
		Category:            tools.CategoryCodeHost,
		Description:         "assign one or more users to an issue or pull request",
		Parameters:          params,
		RequiredPermissions: []tools.RequiredPermission{tools.PermGitHubWrite},
		Handler: func(params map[string]any) (string, error) {
			issue, err := client.AssignIssue(context.Background(), str(params, "owner"), str(params, "repo"), intParam(params, "number"), stringSlice(params, "assignees"))
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("#%d now assigned to %d user(s)", issue.GetNumber(), len(issue.Assignees)), nil
		},
	}
}

func unassignIssue(client codehost.Client) *tools.Tool {
	params := withNumber(ownerRepoParams())
	params["assignees"] = tools.ParamSpec{Type: tools.TypeArray, Required: true, Description: "usernames to unassign"}
	return &tools.Tool{
		Name:                "unassign",
		Category:            tools.CategoryCodeHost,
		Description:         "remove one or more assignees from an issue or pull request",
		Parameters:          params,
		RequiredPermissions: []tools.RequiredPermission{tools.PermGitHubWrite},
		Handler: func(params map[string]any) (string, error) {
			issue, err := client.UnassignIssue(context.Background(), str(params, "owner"), str(params, "repo"), intParam(params, "number"), stringSlice(params, "assignees"))
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("#%d now has %d assignee(s)", issue.GetNumber(), len(issue.Assignees)), nil
		},
	}
}

func createLabel(client codehost.Client) *tools.Tool {
	params := ownerRepoParams()
	params["name"] = tools.ParamSpec{Type: tools.TypeString, Required: true, Description: "label name"}
	params["color"] = tools.ParamSpec{Type: tools.TypeString, Required: false, Description: "6-digit hex color", Default: "ededed"}
	return &tools.Tool{
		Name:                "create_label",
		Category:            tools.CategoryCodeHost,
		Description:         "create a new repository label",
		Parameters:          params,
		RequiredPermissions: []tools.RequiredPermission{tools.PermGitHubWrite},
		Handler: func(params map[string]any) (string, error) {
			color := str(params, "color")
			if color == "" {
				color = "ededed"
			}
			label, err := client.CreateLabel(context.Background(), str(params, "owner"), str(params, "repo"), str(params, "name"), color)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("created label %s", label.GetName()), nil
		},
	}
}

func addLabel(client codehost.Client) *tools.Tool {
	params := withNumber(ownerRepoParams())
	params["labels"] = tools.ParamSpec{Type: tools.TypeArray, Required: true, Description: "labels to add"}
	return &tools.Tool{
		Name:                "add_label",
		Category:            tools.CategoryCodeHost,
		Description:         "add one or more labels to an issue or pull request",
		Parameters:          params,
		RequiredPermissions: []tools.RequiredPermission{tools.PermGitHubWrite},
		Handler: func(params map[string]any) (string, error) {
			labels, err := client.AddLabels(context.Background(), str(params, "owner"), str(params, "repo"), intParam(params, "number"), stringSlice(params, "labels"))
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%d label(s) now applied", len(labels)), nil
		},
	}
}

func removeLabel(client codehost.Client) *tools.Tool {
	params := withNumber(ownerRepoParams())
	params["label"] = tools.ParamSpec{Type: tools.TypeString, Required: true, Description: "label to remove"}
	return &tools.Tool{
		Name:                "remove_label",
		Category:            tools.CategoryCodeHost,
		Description:         "remove a label from an issue or pull request",
		Parameters:          params,
		RequiredPermissions: []tools.RequiredPermission{tools.PermGitHubWrite},
		Handler: func(params map[string]any) (string, error) {
			if err := client.RemoveLabel(context.Background(), str(params, "owner"), str(params, "repo"), intParam(params, "number"), str(params, "label")); err != nil {
				return "", err
			}
			return "label removed", nil
		},
	}
}

func requestReview(client codehost.Client) *tools.Tool {
	params := withNumber(ownerRepoParams())
	params["reviewers"] = tools.ParamSpec{Type: tools.TypeArray, Required: true, Description: "usernames to request review from"}
	return &tools.Tool{
		Name:                "request_review",
		Category:            tools.CategoryCodeHost,
		Description:         "request review from one or more users on a pull request",
		Parameters:          params,
		RequiredPermissions: []tools.RequiredPermission{tools.PermGitHubWrite},
		Handler: func(params map[string]any) (string, error) {
			err := client.RequestReviewers(context.Background(), str(params, "owner"), str(params, "repo"), intParam(params, "number"), codehost.ReviewRequest{
				Reviewers: stringSlice(params, "reviewers"),
			})
			if err != nil {
				return "", err
			}
			return "review requested", nil
		},
	}
}

func searchCode(client codehost.Client) *tools.Tool {
	params := ownerRepoParams()
	params["query"] = tools.ParamSpec{Type: tools.TypeString, Required: true, Description: "GitHub code search query, scoped to this repository"}
	params["limit"] = tools.ParamSpec{Type: tools.TypeInteger, Required: false, Description: "max results (default 30, max 100)", Default: 30}
	return &tools.Tool{
		Name:                "search_code",
		Category:            tools.CategorySearch,
		Description:         "search source code within a repository using GitHub's code search",
		Parameters:          params,
		RequiredPermissions: []tools.RequiredPermission{tools.PermGitHubRead},
		Handler: func(params map[string]any) (string, error) {
			results, err := client.SearchCode(context.Background(), str(params, "owner"), str(params, "repo"), str(params, "query"), intParam(params, "limit"))
			if err != nil {
				return "", err
			}
			if len(results) == 0 {
				return "no matching code", nil
			}
			var b strings.Builder
			for _, r := range results {
				fmt.Fprintf(&b, "%s\n", r.GetPath())
			}
			return b.String(), nil
		},
	}
}

func getFileContent(client codehost.Client) *tools.Tool {
	params := ownerRepoParams()
	params["path"] = tools.ParamSpec{Type: tools.TypeString, Required: true, Description: "file path within the repository"}
	params["ref"] = tools.ParamSpec{Type: tools.TypeString, Required: false, Description: "branch, tag, or commit SHA", Default: ""}
	return &tools.Tool{
		Name:                "get_file_content",
		Category:            tools.CategoryCodeHost,
		Description:         "fetch the decoded content of a single file",
		Parameters:          params,
		RequiredPermissions: []tools.RequiredPermission{tools.PermGitHubRead},
		Handler: func(params map[string]any) (string, error) {
			file, err := client.GetFileContent(context.Background(), str(params, "owner"), str(params, "repo"), str(params, "path"), str(params, "ref"))
			if err != nil {
				return "", err
			}
			content, err := file.GetContent()
			if err != nil {
				return "", fmt.Errorf("decoding %s: %w", str(params, "path"), err)
			}
			return content, nil
		},
	}
}

func listRepositoryFiles(client codehost.Client) *tools.Tool {
	params := ownerRepoParams()
	params["path"] = tools.ParamSpec{Type: tools.TypeString, Required: false, Description: "directory path (empty for repository root)", Default: ""}
	params["ref"] = tools.ParamSpec{Type: tools.TypeString, Required: false, Description: "branch, tag, or commit SHA", Default: ""}
	return &tools.Tool{
		Name:                "list_repository_files",
		Category:            tools.CategoryCodeHost,
		Description:         "list the files and subdirectories at a path",
		Parameters:          params,
		RequiredPermissions: []tools.RequiredPermission{tools.PermGitHubRead},
		Handler: func(params map[string]any) (string, error) {
			entries, err := client.ListRepositoryFiles(context.Background(), str(params, "owner"), str(params, "repo"), str(params, "path"), str(params, "ref"))
			if err != nil {
				return "", err
			}
			if len(entries) == 0 {
				return "no entries", nil
			}
			var b strings.Builder
			for _, e := range entries {
				fmt.Fprintf(&b, "%s\t%s\n", e.GetType(), e.GetPath())
			}
			return b.String(), nil
		},
	}
}

func getContextStats(contexts *contextstore.Store) *tools.Tool {
	return &tools.Tool{
		Name:        "get_context_stats",
		Category:    tools.CategoryContext,
		Description: "report message and tool-call counts for a conversation context",
		Parameters: map[string]tools.ParamSpec{
			"context_id": {Type: tools.TypeString, Required: true, Description: "the conversation context id"},
		},
		RequiredPermissions: []tools.RequiredPermission{tools.PermAIChat},
		Handler: func(params map[string]any) (string, error) {
			cc, ok, err := contexts.Find(str(params, "context_id"), time.Now())
			if err != nil {
				return "", err
			}
			if !ok {
				return "no active context with that id", nil
			}
			return fmt.Sprintf("messages=%d tool_calls=%d last_activity=%s",
				len(cc.Messages), len(cc.ToolCalls), cc.LastActivity.Format(time.RFC3339)), nil
		},
	}
}

func findRelatedContexts(contexts *contextstore.Store) *tools.Tool {
	return &tools.Tool{
		Name:        "find_related_contexts",
		Category:    tools.CategoryContext,
		Description: "check whether a PR- or issue-bound conversation already exists for a repository and number",
		Parameters: map[string]tools.ParamSpec{
			"repository":    {Type: tools.TypeString, Required: true, Description: "owner/repo"},
			"issue_or_pr_id": {Type: tools.TypeInteger, Required: true, Description: "issue or pull request number"},
		},
		RequiredPermissions: []tools.RequiredPermission{tools.PermAIChat},
		Handler: func(params map[string]any) (string, error) {
			repository := str(params, "repository")
			number := intParam(params, "issue_or_pr_id")
			now := time.Now()

			var found []string
			for _, kind := range []contextstore.Kind{contextstore.KindCodeHostPR, contextstore.KindCodeHostIssue} {
				contextID := contextstore.DeriveContextID(kind, "", "", repository, number)
				if _, ok, err := contexts.Find(contextID, now); err == nil && ok {
					found = append(found, contextID)
				}
			}
			if len(found) == 0 {
				return "no related contexts found", nil
			}
			return strings.Join(found, ", "), nil
		},
	}
}

func exportContext(contexts *contextstore.Store) *tools.Tool {
	params := map[string]tools.ParamSpec{
		"context_id": {Type: tools.TypeString, Required: true, Description: "the conversation context id"},
		"format":     {Type: tools.TypeString, Required: false, Description: "json or text", Default: "text"},
	}
	return &tools.Tool{
		Name:                "export_context",
		Category:            tools.CategoryContext,
		Description:         "export a conversation context's full message and tool-call history",
		Parameters:          params,
		RequiredPermissions: []tools.RequiredPermission{tools.PermAIChat},
		Handler: func(params map[string]any) (string, error) {
			cc, ok, err := contexts.Find(str(params, "context_id"), time.Now())
			if err != nil {
				return "", err
			}
			if !ok {
				return "no active context with that id", nil
			}
			if str(params, "format") == "json" {
				data, err := json.MarshalIndent(cc, "", "  ")
				if err != nil {
					return "", err
				}
				return string(data), nil
			}
			return exportContextAsText(cc), nil
		},
	}
}

func exportContextAsText(cc *contextstore.ConversationContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "context: %s (%s)\n", cc.ContextID, cc.Kind)
	fmt.Fprintf(&b, "created: %s  last_activity: %s\n", cc.CreatedAt.Format(time.RFC3339), cc.LastActivity.Format(time.RFC3339))
	fmt.Fprintf(&b, "--- messages (%d) ---\n", len(cc.Messages))
	for _, m := range cc.Messages {
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.Timestamp.Format("15:04:05"), m.Role, m.Content)
	}
	if len(cc.ToolCalls) > 0 {
		fmt.Fprintf(&b, "--- tool calls (%d) ---\n", len(cc.ToolCalls))
		for _, tc := range cc.ToolCalls {
			fmt.Fprintf(&b, "%s [%s]\n", tc.Name, tc.Status)
		}
	}
	return b.String()
}

func searchConversations(contexts *contextstore.Store) *tools.Tool {
	params := map[string]tools.ParamSpec{
		"query":      {Type: tools.TypeString, Required: true, Description: "substring to match against message content"},
		"repository": {Type: tools.TypeString, Required: false, Description: "restrict to a repository (owner/repo)", Default: ""},
		"kind":       {Type: tools.TypeString, Required: false, Description: "restrict to a context kind", Default: ""},
	}
	return &tools.Tool{
		Name:                "search_conversations",
		Category:            tools.CategorySearch,
		Description:         "search across all active conversation contexts for messages matching a query",
		Parameters:          params,
		RequiredPermissions: []tools.RequiredPermission{tools.PermAIChat},
		Handler: func(params map[string]any) (string, error) {
			all, err := contexts.All(time.Now())
			if err != nil {
				return "", err
			}
			query := strings.ToLower(str(params, "query"))
			repository := str(params, "repository")
			kind := str(params, "kind")

			var matches []string
			for _, cc := range all {
				if repository != "" && cc.Repository != repository {
					continue
				}
				if kind != "" && string(cc.Kind) != kind {
					continue
				}
				for _, m := range cc.Messages {
					if strings.Contains(strings.ToLower(m.Content), query) {
						matches = append(matches, fmt.Sprintf("%s [%s]: %s", cc.ContextID, m.Role, truncateForSearch(m.Content)))
					}
				}
			}
			if len(matches) == 0 {
				return "no matching conversations", nil
			}
			return strings.Join(matches, "\n"), nil
		},
	}
}

func truncateForSearch(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func getCurrentTime() *tools.Tool {
	return &tools.Tool{
		Name:                "get_current_time",
		Category:            tools.CategoryUtility,
		Description:         "return the current UTC time",
		Parameters:          map[string]tools.ParamSpec{},
		RequiredPermissions: []tools.RequiredPermission{tools.PermAIChat},
		Handler: func(params map[string]any) (string, error) {
			return time.Now().UTC().Format(time.RFC3339), nil
		},
	}
}
