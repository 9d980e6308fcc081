// Package llm is the model client: it sends conversation turns to the
// Gemini API and converts the function calls the model proposes into
// tool-call requests ready for scheduling.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"agentcore/internal/fallback"
	"agentcore/internal/logging"
	"agentcore/internal/quota"
	"agentcore/internal/tools"
)

// Options configures the model client.
type Options struct {
	APIKey string
	Model  string
	// SystemPrompt is sent as the system instruction on every turn.
	SystemPrompt string
	// AuthType gates model-downgrade fallback.
	AuthType fallback.AuthType
	// Fallback is consulted on terminal quota failures. Optional.
	Fallback *fallback.Handler
	// Retry overrides the default backoff settings.
	Retry *quota.RetryConfig
	// OnRateLimited observes consecutive rate-limit streaks. Optional.
	OnRateLimited quota.OnRateLimited
}

// generateFunc is the raw model call, swapped out in tests.
type generateFunc func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)

// Client wraps the Gemini SDK client.
type Client struct {
	gc       *genai.Client
	opts     Options
	retry    quota.RetryConfig
	generate generateFunc
}

// NewClient creates a model client.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if opts.Model == "" {
		opts.Model = fallback.StableModel
	}

	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: opts.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	retry := quota.DefaultRetryConfig()
	if opts.Retry != nil {
		retry = *opts.Retry
	}
	c := &Client{gc: gc, opts: opts, retry: retry}
	c.generate = func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		return gc.Models.GenerateContent(ctx, model, contents, config)
	}
	return c, nil
}

// Model returns the model the next request will use, accounting for
// fallback mode.
func (c *Client) Model() string {
	if c.opts.Fallback != nil {
		return c.opts.Fallback.ActiveModel(c.opts.Model)
	}
	return c.opts.Model
}

// Turn is one model response: free text plus any proposed tool calls.
type Turn struct {
	Text  string
	Calls []tools.CallRequest
}

// Generate sends a turn to the model. Transient failures are retried with
// backoff; terminal quota failures consult the fallback handler, and a
// retry intent repeats the request once on the downgraded model.
func (c *Client) Generate(ctx context.Context, promptID string, contents []*genai.Content, decls []*genai.FunctionDeclaration) (*Turn, error) {
	model := c.Model()
	turn, err := c.generateOnce(ctx, model, promptID, contents, decls)
	if err == nil {
		return turn, nil
	}

	if c.opts.Fallback == nil || !downgradeWorthy(err) {
		return nil, err
	}
	intent := c.opts.Fallback.Handle(ctx, c.opts.Model, model, c.opts.AuthType, err)
	if intent == nil {
		return nil, err
	}
	switch *intent {
	case fallback.IntentRetryAlways, fallback.IntentRetryOnce:
		downgraded := c.opts.Fallback.ActiveModel(c.opts.Model)
		if downgraded == model {
			return nil, err
		}
		logging.LLM("retrying prompt %s on %s after %s failed", promptID, downgraded, model)
		return c.generateOnce(ctx, downgraded, promptID, contents, decls)
	default:
		return nil, err
	}
}

// downgradeWorthy reports whether a generation failure is the kind a model
// downgrade can help with. Quota exhaustion and model availability failures
// qualify; ordinary transport errors surface to the caller unchanged.
func downgradeWorthy(err error) bool {
	var terminal *quota.TerminalQuotaError
	if errors.As(err, &terminal) {
		return true
	}
	var retryable *quota.RetryableQuotaError
	if errors.As(err, &retryable) {
		return true
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code == 429 {
		return true
	}
	return fallback.ModelNotFound(err)
}

func (c *Client) generateOnce(ctx context.Context, model, promptID string, contents []*genai.Content, decls []*genai.FunctionDeclaration) (*Turn, error) {
	config := &genai.GenerateContentConfig{}
	if c.opts.SystemPrompt != "" {
		config.SystemInstruction = genai.NewContentFromText(c.opts.SystemPrompt, genai.RoleUser)
	}
	if len(decls) > 0 {
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	var resp *genai.GenerateContentResponse
	started := time.Now()
	err := quota.Retry(ctx, c.retry, "generate "+model, func(ctx context.Context) error {
		var err error
		resp, err = c.generate(ctx, model, contents, config)
		return err
	}, c.opts.OnRateLimited)
	if err != nil {
		return nil, err
	}
	logging.LLM("prompt %s answered by %s in %v", promptID, model, time.Since(started))

	return &Turn{
		Text:  resp.Text(),
		Calls: RequestsFromCalls(promptID, resp.FunctionCalls()),
	}, nil
}

// RequestsFromCalls converts model-proposed function calls into scheduler
// requests. Calls without a provider id get a generated one; call ids must
// be unique within a batch.
func RequestsFromCalls(promptID string, calls []*genai.FunctionCall) []tools.CallRequest {
	if len(calls) == 0 {
		return nil
	}
	requests := make([]tools.CallRequest, 0, len(calls))
	for _, call := range calls {
		if call == nil || call.Name == "" {
			continue
		}
		id := call.ID
		if id == "" {
			id = fmt.Sprintf("%s-%s", call.Name, uuid.NewString())
		}
		requests = append(requests, tools.CallRequest{
			CallID:   id,
			Name:     call.Name,
			Args:     call.Args,
			PromptID: promptID,
		})
	}
	return requests
}

// Declarations builds minimal function declarations for registered tools
// so the model can propose calls by name.
func Declarations(reg *tools.Registry) []*genai.FunctionDeclaration {
	names := reg.Names()
	decls := make([]*genai.FunctionDeclaration, 0, len(names))
	for _, name := range names {
		tool := reg.Get(name)
		if tool == nil {
			continue
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
		})
	}
	return decls
}
