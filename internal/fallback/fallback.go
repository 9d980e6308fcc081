// Package fallback drives model-downgrade decisions after quota or
// availability failures. When the active model keeps failing, an injected
// UI handler is asked what to do; the answer can make the downgrade sticky
// for the rest of the session.
package fallback

import (
	"context"
	"errors"
	"strings"
	"sync"

	"google.golang.org/genai"

	"agentcore/internal/logging"
)

// AuthType is the authentication mode of the current session.
type AuthType string

const (
	AuthOAuthPersonal AuthType = "oauth-personal"
	AuthAPIKey        AuthType = "api-key"
	AuthVertexAI      AuthType = "vertex-ai"
)

// Intent is the user's answer to a fallback prompt.
type Intent string

const (
	// IntentRetryAlways retries on the fallback model and keeps using it
	// for the rest of the session.
	IntentRetryAlways Intent = "retry_always"
	// IntentRetryOnce retries on the fallback model this one time.
	IntentRetryOnce Intent = "retry_once"
	// IntentStop aborts the current request but pins subsequent ones to
	// the fallback model.
	IntentStop Intent = "stop"
	// IntentRetryLater aborts without retrying.
	IntentRetryLater Intent = "retry_later"
	// IntentUpgrade opens the plan-upgrade page and aborts like
	// retry_later.
	IntentUpgrade Intent = "upgrade"
)

// Known model tiers for the downgrade ladder.
const (
	PreviewModel   = "gemini-3-pro-preview"
	StableModel    = "gemini-2.5-pro"
	FlashLiteModel = "gemini-2.5-flash-lite"
)

const upgradeURL = "https://goo.gle/gemini-upgrade"

// UIHandler asks the user (or an automation policy) how to proceed after
// failedModel hit a quota or availability failure.
type UIHandler func(ctx context.Context, failedModel, fallbackModel string, cause error) (Intent, error)

// OpenURLFunc opens a URL in the user's browser.
type OpenURLFunc func(url string) error

// Handler holds the session's sticky fallback state.
type Handler struct {
	ui      UIHandler
	openURL OpenURLFunc

	mu     sync.Mutex
	active bool
}

// NewHandler builds a Handler. A nil ui disables fallback entirely; a nil
// openURL makes the upgrade intent skip the browser.
func NewHandler(ui UIHandler, openURL OpenURLFunc) *Handler {
	return &Handler{ui: ui, openURL: openURL}
}

// InFallbackMode reports whether the session is pinned to a downgraded
// model.
func (h *Handler) InFallbackMode() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

// ActiveModel maps the requested model to the one the session should
// actually use, honouring fallback mode.
func (h *Handler) ActiveModel(requested string) string {
	if !h.InFallbackMode() {
		return requested
	}
	if candidate, ok := fallbackModelFor(requested); ok {
		return candidate
	}
	return requested
}

// Reset clears fallback mode, for example after a new billing day.
func (h *Handler) Reset() {
	h.mu.Lock()
	h.active = false
	h.mu.Unlock()
}

// Handle decides how to react to a model failure. It returns nil when
// fallback does not apply and the error should propagate normally.
// Returned intents mean: retry_always and retry_once retry the request on
// the fallback model, stop and retry_later abort it. Once fallback mode is
// sticky the prompt is skipped and subsequent calls retry silently.
func (h *Handler) Handle(ctx context.Context, currentModel, failedModel string, authType AuthType, cause error) *Intent {
	if h.ui == nil {
		return nil
	}
	if authType != AuthOAuthPersonal {
		return nil
	}
	// A model-not-found failure only triggers fallback for the preview
	// model, whose availability genuinely varies by account.
	if ModelNotFound(cause) && failedModel != PreviewModel {
		return nil
	}

	candidate, ok := fallbackModelFor(failedModel)
	if !ok {
		return nil
	}

	h.mu.Lock()
	alreadyActive := h.active
	h.mu.Unlock()
	if alreadyActive {
		return intentPtr(IntentRetryAlways)
	}

	intent, err := h.ui(ctx, failedModel, candidate, cause)
	if err != nil {
		logging.LLM("fallback handler failed, propagating original error: %v", err)
		return nil
	}

	switch intent {
	case IntentRetryAlways, IntentStop:
		h.mu.Lock()
		h.active = true
		h.mu.Unlock()
		logging.LLM("fallback mode enabled: %s -> %s", failedModel, candidate)
		return intentPtr(intent)
	case IntentRetryOnce, IntentRetryLater:
		return intentPtr(intent)
	case IntentUpgrade:
		if h.openURL != nil {
			if err := h.openURL(upgradeURL); err != nil {
				logging.LLM("could not open upgrade page: %v", err)
			}
		}
		return intentPtr(IntentRetryLater)
	default:
		logging.LLM("fallback handler returned unknown intent %q", intent)
		return nil
	}
}

// fallbackModelFor returns the next model down the ladder. The lightest
// tier has nowhere to fall back to.
func fallbackModelFor(model string) (string, bool) {
	switch model {
	case PreviewModel:
		return StableModel, true
	case FlashLiteModel:
		return "", false
	default:
		return FlashLiteModel, true
	}
}

// ModelNotFound reports whether an error indicates the requested model is
// unavailable, either a 404 from the API or a "not found" message.
func ModelNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code == 404 {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "not found")
}

func intentPtr(i Intent) *Intent { return &i }
