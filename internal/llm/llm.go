// Package llm wraps the OpenAI-compatible chat-completions transport used by
// the AI Orchestrator (C12) and PR Review Controller (C13), circuit-broken
// against the repeated-timeout failure mode spec §4.11's 3-attempt
// exponential backoff is meant to guard against. Grounded on the teacher's
// network-call-with-retry shape (server/ghclient/client.go's REST-then-
// GraphQL-fallback pattern generalizes to "try, then degrade"), enriched
// with sony/gobreaker — named in the domain-stack table as the library this
// pack's examples reach for around any "retry a transient remote call"
// concern — for the circuit breaker; CompleteWithRetry adds a small
// doubling back-off retry loop on top of it.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"
)

// Message is one chat-completion turn, decoupled from go-openai's own type
// so callers in internal/orchestrator and internal/review never import it
// directly.
type Message struct {
	Role    string
	Content string
}

// Client is the narrow chat-completions surface this service needs.
type Client interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

type client struct {
	oai         *openai.Client
	model       string
	temperature float32
	maxTokens   int
	breaker     *gobreaker.CircuitBreaker
}

// Config configures the LLM client's endpoint and generation parameters.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float32
	MaxTokens   int
}

// NewClient builds a circuit-broken chat-completions client. The breaker
// trips after 5 consecutive failures within a 60s window and stays open
// for 30s before allowing a single trial request through, matching the
// kind of "give the remote time to recover" policy the teacher's manual
// backoff loops approximate by hand.
func NewClient(cfg Config) Client {
	oaiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oaiCfg.BaseURL = cfg.BaseURL
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm-chat-completions",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &client{
		oai:         openai.NewClientWithConfig(oaiCfg),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		breaker:     breaker,
	}
}

// Complete invokes the chat-completions endpoint through the circuit
// breaker, returning the first choice's message content.
func (c *client) Complete(ctx context.Context, messages []Message) (string, error) {
	oaiMessages := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		oaiMessages = append(oaiMessages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	result, err := c.breaker.Execute(func() (any, error) {
		resp, err := c.oai.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       c.model,
			Messages:    oaiMessages,
			Temperature: c.temperature,
			MaxTokens:   c.maxTokens,
		})
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", errors.New("llm returned no choices")
		}
		return resp.Choices[0].Message.Content, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			return "", fmt.Errorf("llm circuit open, refusing call: %w", err)
		}
		return "", fmt.Errorf("llm completion failed: %w", err)
	}

	return result.(string), nil
}

// CompleteWithRetry makes up to attempts calls to c, waiting baseDelay before
// the second call and doubling the wait before each later one, implementing
// the "3-attempt exponential back-off" language of spec §4.11 for the review
// controller's call site (attempts=3).
func CompleteWithRetry(ctx context.Context, c Client, messages []Message, attempts int, baseDelay time.Duration) (string, error) {
	var lastErr error
	delay := baseDelay
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return "", ctx.Err()
			case <-timer.C:
			}
			delay *= 2
		}

		out, err := c.Complete(ctx, messages)
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("llm completion failed after %d attempts: %w", attempts, lastErr)
}
