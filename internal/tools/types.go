// Package tools defines the tool-call request shape, the invocation
// capability the scheduler executes, and a registry of invocation builders.
//
// The package is deliberately leaf-level: the scheduler, the policy engine,
// and the hook runner all consume these types without this package knowing
// about any of them.
package tools

import (
	"context"
	"fmt"
	"strings"
)

// CallRequest is a single tool call proposed by the model (or by the client
// itself, e.g. slash commands). It is immutable: the scheduler copies what it
// needs and never writes back into a request.
type CallRequest struct {
	// CallID is unique within one scheduled batch.
	CallID string `json:"call_id"`

	// Name is the tool name, optionally server-qualified as "server__tool".
	Name string `json:"name"`

	// Args is the opaque argument payload from the model.
	Args map[string]any `json:"args"`

	// IsClientInitiated marks calls the client issued on its own behalf;
	// these skip model-facing bookkeeping downstream.
	IsClientInitiated bool `json:"is_client_initiated"`

	// PromptID ties the call back to the prompt that produced it.
	PromptID string `json:"prompt_id"`
}

// ServerName extracts the "server" part of a server-qualified tool name, or
// "" for plain names.
func (r CallRequest) ServerName() string {
	if i := strings.Index(r.Name, "__"); i > 0 {
		return r.Name[:i]
	}
	return ""
}

// OutputSink receives streamed output chunks while an invocation runs.
type OutputSink func(chunk string)

// InvocationResult is the terminal payload of a successful invocation.
type InvocationResult struct {
	// Content is the model-facing result text.
	Content string

	// OutputFile optionally points at a file holding oversized output.
	OutputFile string
}

// Invocation is a request bound to an executable capability. Execute must
// honor ctx cancellation cooperatively; output may be streamed through sink
// (which may be nil).
type Invocation interface {
	// Description renders a short human-readable summary for approval
	// prompts and logs.
	Description() string

	// Execute runs the tool. Errors are returned, never panicked, and the
	// caller converts them to a terminal error state.
	Execute(ctx context.Context, sink OutputSink) (InvocationResult, error)
}

// EditPreview is the proposed-content preview for a content-modifying
// invocation, computed fresh each time it is requested.
type EditPreview struct {
	Path       string
	OldContent string
	NewContent string
}

// EditPreviewer is implemented by invocations that modify file content. The
// scheduler uses it to build a diff before asking for approval.
type EditPreviewer interface {
	ProposedContent(ctx context.Context) (EditPreview, error)
}

// Builder constructs an Invocation from a validated request.
type Builder func(req CallRequest) (Invocation, error)

// Kind classifies a tool for approval handling.
type Kind string

const (
	// KindRead tools only inspect state.
	KindRead Kind = "read"

	// KindEdit tools modify file content and produce diff previews.
	KindEdit Kind = "edit"

	// KindExecute tools run commands or other side-effecting actions.
	KindExecute Kind = "execute"
)

// Tool is a registered capability the scheduler can resolve requests against.
type Tool struct {
	// Name must match CallRequest.Name exactly (including any server
	// qualifier).
	Name string

	// Description explains what the tool does.
	Description string

	// Kind classifies the tool for approval handling.
	Kind Kind

	// Build binds a request to an executable invocation.
	Build Builder
}

// Validate checks the tool definition.
func (t *Tool) Validate() error {
	if t.Name == "" {
		return ErrToolNameEmpty
	}
	if t.Build == nil {
		return ErrToolBuildNil
	}
	return nil
}

// RequiredString extracts a required string argument.
func RequiredString(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingRequiredArg, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", ErrInvalidArgType, key)
	}
	return s, nil
}

// OptionalString extracts an optional string argument, "" when absent.
func OptionalString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}
