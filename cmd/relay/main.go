// Command relay is the composition root (spec module layout note): it loads
// configuration, builds every collaborator, wires the mediator between
// webhook ingress, the AI orchestrator and the chat platform, and exposes
// http.Handlers for the webhook ingress and the chat platform's inbound
// callbacks. It never calls http.ListenAndServe itself — hosting the web
// server is explicitly out of scope here, matching the teacher's
// Plugin.ServeHTTP being invoked by an external host process rather than
// the plugin binding its own listener.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-logr/logr"
	validator "github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/nickmisasi/ghrelay/internal/cache"
	"github.com/nickmisasi/ghrelay/internal/chatadapter"
	"github.com/nickmisasi/ghrelay/internal/codehost"
	"github.com/nickmisasi/ghrelay/internal/config"
	"github.com/nickmisasi/ghrelay/internal/contextstore"
	"github.com/nickmisasi/ghrelay/internal/dedup"
	"github.com/nickmisasi/ghrelay/internal/llm"
	"github.com/nickmisasi/ghrelay/internal/mediator"
	"github.com/nickmisasi/ghrelay/internal/notify/aggregate"
	"github.com/nickmisasi/ghrelay/internal/notify/formatter"
	"github.com/nickmisasi/ghrelay/internal/notify/sender"
	"github.com/nickmisasi/ghrelay/internal/observability"
	"github.com/nickmisasi/ghrelay/internal/orchestrator"
	"github.com/nickmisasi/ghrelay/internal/permission"
	"github.com/nickmisasi/ghrelay/internal/ratelimit"
	"github.com/nickmisasi/ghrelay/internal/reconcile"
	"github.com/nickmisasi/ghrelay/internal/repoconfig"
	"github.com/nickmisasi/ghrelay/internal/review"
	"github.com/nickmisasi/ghrelay/internal/tools"
	"github.com/nickmisasi/ghrelay/internal/tools/builtin"
	"github.com/nickmisasi/ghrelay/internal/webhook"
)

// defaultReviewBotUsername is the identity the PR Review Controller filters
// requested-reviewer lists against and the reconciler treats as the bot's
// own comment author. It is used for every repository; a repository's own
// review_bot_username in repos.yaml is not consulted by either of them (it
// only feeds the notification formatter's bot-origin filter).
const defaultReviewBotUsername = "ghrelay[bot]"

// App bundles every composition-root collaborator, so tests and
// alternative entry points (a CLI subcommand, an integration harness) can
// build one without duplicating this wiring.
type App struct {
	Config     *config.Config
	Dispatcher *webhook.Dispatcher
	ChatRouter http.Handler
	Metrics    *observability.Metrics
	Mediator   *mediator.Mediator
	Review     *review.Controller
	Reconciler *reconcile.Reconciler
	Run        func(ctx context.Context)
	Close      func() error
}

func main() {
	app, err := Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, "building composition root:", err)
		os.Exit(1)
	}
	defer app.Close()

	router := mux.NewRouter()
	router.Handle("/webhook", app.Dispatcher).Methods(http.MethodPost)
	router.Handle("/chat/callback", app.ChatRouter).Methods(http.MethodPost)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Hosting this router is the embedding host's job — see the package
	// comment. Callers wire `router` into their own server (or another
	// cmd/ entry point) and drive app.Dispatcher.Run(ctx) alongside it.
}

// Build loads configuration and wires every collaborator, without binding
// any listener.
func Build() (*App, error) {
	configPath := os.Getenv("GHRELAY_CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/ghrelay.toml"
	}

	cfg, warnings, err := config.LoadFrom(configPath)
	if err != nil {
		return nil, errors.Wrap(err, "loading config")
	}
	cfg.EnvOverlay(os.Environ())
	if err := cfg.IsValid(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}

	log, syncLog, err := observability.NewLogger(cfg.EnableDebugLogging)
	if err != nil {
		return nil, errors.Wrap(err, "building logger")
	}
	for _, w := range warnings {
		log.Info("config warning", "warning", w)
	}

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	contexts, err := contextstore.NewStore(cfg.ListenContextDir, cfg.ContextTTL)
	if err != nil {
		return nil, errors.Wrap(err, "building context store")
	}

	repos, err := repoconfig.NewStore(cfg.RepoConfigPath, log)
	if err != nil {
		return nil, errors.Wrap(err, "building repo config store")
	}
	if err := repos.Watch(); err != nil {
		log.Error(err, "starting repo config watcher")
	}

	perms, err := permission.LoadStore(cfg.PermissionsPath, cfg.SUBootstrapPath)
	if err != nil {
		return nil, errors.Wrap(err, "loading permissions")
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	dedupCache := dedup.New(rdb, cfg.DedupWindow)
	apiCache := cache.New(rdb, 0)

	codeHost := codehost.NewClient(cfg.GlobalCodeHostToken, apiCache)

	llmClient := llm.NewClient(llm.Config{
		BaseURL:     cfg.LLMBaseURL,
		APIKey:      cfg.LLMAPIKey,
		Model:       cfg.LLMModel,
		Temperature: cfg.LLMTemperature,
		MaxTokens:   cfg.LLMMaxTokens,
	})

	chatAdapter := chatadapter.NewInMemoryAdapter()

	registry := tools.NewRegistry(builtin.Build(codeHost, contexts))
	limiter := ratelimit.NewLimiter(time.Now)

	orch := orchestrator.New(contexts, registry, perms, limiter, llmClient, chatAdapter, log)

	notifySender := sender.NewSender(chatAdapter, log)
	aggregator := aggregate.NewEngine(cfg.AggregationDelay, &aggregate.MuteState{}, notifySender)

	med := mediator.New(orch, contexts, chatAdapter, codeHost, mediator.DefaultLabelKeywords(), log)
	reviewController := review.New(codeHost, llmClient, aggregator, defaultReviewBotUsername, log)
	reconciler := reconcile.New(contexts, codeHost, chatAdapter, orch, defaultReviewBotUsername, log)

	dispatcher := webhook.New(
		repos,
		dedupCache,
		metrics,
		log,
		notificationPipelineHandler(repos, aggregator, cfg.StarMilestones),
		codeHostAutomationHandler(med),
		reviewRequestHandler(reviewController),
		commentReplyHandler(reconciler),
	)

	chatRouter := newChatCallbackHandler(med, log)

	app := &App{
		Config:     cfg,
		Dispatcher: dispatcher,
		ChatRouter: chatRouter,
		Metrics:    metrics,
		Mediator:   med,
		Review:     reviewController,
		Reconciler: reconciler,
		Run: func(ctx context.Context) {
			dispatcher.Run(ctx)
		},
		Close: func() error {
			dispatcher.Shutdown()
			if err := repos.Close(); err != nil {
				log.Error(err, "closing repo config store")
			}
			return syncLog()
		},
	}
	return app, nil
}

// notificationPipelineHandler adapts a dispatched RawEvent into a
// formatter.Event and enqueues it once per chat target listed in the
// repository's chat_target_ids (spec §4.4); the repository's
// notification_channels list is not consulted.
func notificationPipelineHandler(repos *repoconfig.Store, aggregator *aggregate.Engine, starMilestones []int) webhook.Handler {
	return func(ctx context.Context, ev webhook.RawEvent) error {
		rc, ok := repos.Get(ev.Repository)
		if !ok {
			return fmt.Errorf("no repository config for %s", ev.Repository)
		}

		fev := eventFromPayload(ev)
		record, emit := formatter.Format(fev, rc.ReviewBotUsername, starMilestones)
		if !emit {
			return nil
		}

		targets := rc.ChatTargetIDs
		if len(targets) == 0 {
			return nil
		}
		for _, target := range targets {
			aggregator.Add("chat_"+target, *record)
		}
		return nil
	}
}

// codeHostAutomationHandler adapts a dispatched issues/pull_request event
// into a mediator.AutomationEvent.
func codeHostAutomationHandler(med *mediator.Mediator) webhook.Handler {
	return func(ctx context.Context, ev webhook.RawEvent) error {
		owner, repoName := splitRepository(ev.Repository)
		number, title, body := issueOrPRFields(ev.Payload)
		if number == 0 {
			return nil
		}
		return med.CodeHostAutomation(ctx, mediator.AutomationEvent{
			Owner: owner, Repo: repoName, Number: number, Title: title, Body: body,
		})
	}
}

// reviewRequestHandler adapts a dispatched pull_request(review_requested)
// event into a review.PullRequestRef and the list of requested reviewers.
func reviewRequestHandler(controller *review.Controller) webhook.Handler {
	return func(ctx context.Context, ev webhook.RawEvent) error {
		owner, repoName := splitRepository(ev.Repository)
		pr, ok := ev.Payload["pull_request"].(map[string]any)
		if !ok {
			return fmt.Errorf("pull_request_review_requested event missing pull_request object")
		}
		number, _ := pr["number"].(float64)
		title, _ := pr["title"].(string)
		body, _ := pr["body"].(string)

		var reviewers []string
		if reqReviewers, ok := ev.Payload["requested_reviewers"].([]any); ok {
			for _, r := range reqReviewers {
				if user, ok := r.(map[string]any); ok {
					if login, ok := user["login"].(string); ok {
						reviewers = append(reviewers, login)
					}
				}
			}
		}

		controller.HandleReviewRequested(ctx, review.PullRequestRef{
			Owner: owner, Repo: repoName, Number: int(number), Title: title, Body: body,
		}, reviewers)
		return nil
	}
}

// commentReplyHandler adapts a dispatched issue_comment/
// pull_request_review_comment event into a reconcile.CommentEvent.
func commentReplyHandler(reconciler *reconcile.Reconciler) webhook.Handler {
	return func(ctx context.Context, ev webhook.RawEvent) error {
		owner, repoName := splitRepository(ev.Repository)
		comment, ok := ev.Payload["comment"].(map[string]any)
		if !ok {
			return fmt.Errorf("comment event missing comment object")
		}

		number := 0
		if issue, ok := ev.Payload["issue"].(map[string]any); ok {
			if n, ok := issue["number"].(float64); ok {
				number = int(n)
			}
		}
		if pr, ok := ev.Payload["pull_request"].(map[string]any); ok {
			if n, ok := pr["number"].(float64); ok {
				number = int(n)
			}
		}

		id, _ := comment["id"].(float64)
		body, _ := comment["body"].(string)
		var inReplyTo float64
		if v, ok := comment["in_reply_to_id"].(float64); ok {
			inReplyTo = v
		}
		author := ""
		if user, ok := comment["user"].(map[string]any); ok {
			author, _ = user["login"].(string)
		}

		action, _ := ev.Payload["action"].(string)
		return reconciler.HandleComment(ctx, reconcile.CommentEvent{
			Action:                     action,
			Owner:                      owner,
			Repo:                       repoName,
			IssueOrPRID:                number,
			CommentID:                  int64(id),
			InReplyToID:                int64(inReplyTo),
			Body:                       body,
			AuthorLogin:                author,
			IsPullRequestReviewComment: ev.EventType == "pull_request_review_comment",
		})
	}
}

// eventFromPayload translates a RawEvent's raw GitHub JSON into the
// formatter's generalized Event shape.
func eventFromPayload(ev webhook.RawEvent) formatter.Event {
	fev := formatter.Event{
		EventType:  ev.EventType,
		Repository: ev.Repository,
		Timestamp:  ev.Timestamp,
	}
	if action, ok := ev.Payload["action"].(string); ok {
		fev.Action = action
	}
	if sender, ok := ev.Payload["sender"].(map[string]any); ok {
		fev.Sender.Login, _ = sender["login"].(string)
	}
	if repo, ok := ev.Payload["repository"].(map[string]any); ok {
		if count, ok := repo["stargazers_count"].(float64); ok {
			fev.StargazersCount = int(count)
		}
	}
	if pusher, ok := ev.Payload["pusher"].(map[string]any); ok {
		fev.PusherName, _ = pusher["name"].(string)
	}
	if headCommit, ok := ev.Payload["head_commit"].(map[string]any); ok {
		if author, ok := headCommit["author"].(map[string]any); ok {
			fev.LatestCommitAuthor, _ = author["username"].(string)
		}
	}

	switch {
	case ev.EventType == "issues":
		fev.Kind = "issue"
		if issue, ok := ev.Payload["issue"].(map[string]any); ok {
			fev.Title, _ = issue["title"].(string)
			fev.Body, _ = issue["body"].(string)
			if n, ok := issue["number"].(float64); ok {
				fev.Number = int(n)
			}
		}
	case ev.EventType == "pull_request":
		fev.Kind = "pull_request"
		if pr, ok := ev.Payload["pull_request"].(map[string]any); ok {
			fev.Title, _ = pr["title"].(string)
			fev.Body, _ = pr["body"].(string)
			if n, ok := pr["number"].(float64); ok {
				fev.Number = int(n)
			}
		}
	case ev.EventType == "issue_comment" || ev.EventType == "pull_request_review_comment":
		fev.Kind = "comment"
		if comment, ok := ev.Payload["comment"].(map[string]any); ok {
			fev.CommentBody, _ = comment["body"].(string)
			if user, ok := comment["user"].(map[string]any); ok {
				fev.CommentAuthor, _ = user["login"].(string)
			}
		}
	case ev.EventType == "pull_request_review":
		fev.Kind = "review"
		if review, ok := ev.Payload["review"].(map[string]any); ok {
			fev.CommentBody, _ = review["body"].(string)
			if user, ok := review["user"].(map[string]any); ok {
				fev.CommentAuthor, _ = user["login"].(string)
			}
		}
	case ev.EventType == "create" || ev.EventType == "delete":
		fev.Kind = ev.EventType
		refType, _ := ev.Payload["ref_type"].(string)
		ref, _ := ev.Payload["ref"].(string)
		fev.Body = fmt.Sprintf("ref_type=%s ref=%s", refType, ref)
	case ev.EventType == "workflow_run":
		fev.Kind = ev.EventType
		if run, ok := ev.Payload["workflow_run"].(map[string]any); ok {
			name, _ := run["name"].(string)
			status, _ := run["status"].(string)
			conclusion, _ := run["conclusion"].(string)
			fev.Body = fmt.Sprintf("workflow=%s status=%s conclusion=%s", name, status, conclusion)
		}
	case ev.EventType == "workflow_job":
		fev.Kind = ev.EventType
		if job, ok := ev.Payload["workflow_job"].(map[string]any); ok {
			name, _ := job["name"].(string)
			status, _ := job["status"].(string)
			conclusion, _ := job["conclusion"].(string)
			fev.Body = fmt.Sprintf("job=%s status=%s conclusion=%s", name, status, conclusion)
		}
	case ev.EventType == "repository":
		fev.Kind = ev.EventType
		if repo, ok := ev.Payload["repository"].(map[string]any); ok {
			fev.Body, _ = repo["full_name"].(string)
		}
	case ev.EventType == "ping":
		fev.Kind = ev.EventType
		zen, _ := ev.Payload["zen"].(string)
		fev.Body = zen
	case ev.EventType == "push" || ev.EventType == "release" || ev.EventType == "star" ||
		ev.EventType == "fork" || ev.EventType == "watch":
		fev.Kind = ev.EventType
	}
	fev.Verb = fev.Action
	return fev
}

func splitRepository(repository string) (owner, repo string) {
	for i := 0; i < len(repository); i++ {
		if repository[i] == '/' {
			return repository[:i], repository[i+1:]
		}
	}
	return repository, ""
}

// issueOrPRFields extracts the number/title/body fields shared by an
// issues or pull_request payload (whichever is present).
func issueOrPRFields(payload map[string]any) (number int, title, body string) {
	if issue, ok := payload["issue"].(map[string]any); ok {
		if n, ok := issue["number"].(float64); ok {
			number = int(n)
		}
		title, _ = issue["title"].(string)
		body, _ = issue["body"].(string)
		return
	}
	if pr, ok := payload["pull_request"].(map[string]any); ok {
		if n, ok := pr["number"].(float64); ok {
			number = int(n)
		}
		title, _ = pr["title"].(string)
		body, _ = pr["body"].(string)
		return
	}
	return
}

// chatCallbackPayload is the inbound shape expected from the chat
// platform's own webhook callback, validated before it is adapted into a
// mediator.ChatPostEvent.
type chatCallbackPayload struct {
	UserID      string `json:"user_id" validate:"required"`
	GroupID     string `json:"group_id"`
	TargetID    string `json:"target_id"`
	Content     string `json:"content" validate:"required"`
	MessageID   string `json:"message_id" validate:"required"`
	Repository  string `json:"repository"`
	IssueOrPRID int    `json:"issue_or_pr_id"`
}

// newChatCallbackHandler builds the http.Handler the composition root
// exposes for the chat platform's inbound message callback. The concrete
// chat platform transport is out of scope (spec Non-goals); this handler
// only needs to exist so a host process has something to mount.
func newChatCallbackHandler(med *mediator.Mediator, log logr.Logger) http.Handler {
	validate := validator.New()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload chatCallbackPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "malformed JSON payload", http.StatusBadRequest)
			return
		}
		if err := validate.Struct(payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		err := med.HandleChatPost(r.Context(), mediator.ChatPostEvent{
			UserID:      payload.UserID,
			GroupID:     payload.GroupID,
			TargetID:    payload.TargetID,
			Content:     payload.Content,
			MessageID:   payload.MessageID,
			Repository:  payload.Repository,
			IssueOrPRID: payload.IssueOrPRID,
		})
		if err != nil {
			log.Error(err, "handling chat callback", "user_id", payload.UserID)
			http.Error(w, "failed to process message", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}
