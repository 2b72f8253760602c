// Package dialogue provides reply generators for the session controller: an
// OpenAI-compatible chat client and a remote MCP tool.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sashabaranov/go-openai"

	"github.com/discord-voice-lab/voicesession/internal/logging"
	"github.com/discord-voice-lab/voicesession/internal/resilience"
)

const defaultSystemPrompt = "You are a voice assistant. Answer in one or two short spoken sentences without markdown."

// OpenAIOptions configures an OpenAIEngine.
type OpenAIOptions struct {
	BaseURL       string
	APIKey        string
	Model         string
	FallbackModel string
	MaxTokens     int
	SystemPrompt  string
	// MaxHistory caps the remembered messages per session, replies included.
	MaxHistory int
	Log        logging.Logger
}

// OpenAIEngine keeps a short chat history per session and asks an
// OpenAI-compatible endpoint for the next reply.
type OpenAIEngine struct {
	client *openai.Client
	opts   OpenAIOptions
	log    logging.Logger

	mu      sync.Mutex
	history map[string][]openai.ChatCompletionMessage
}

func NewOpenAIEngine(o OpenAIOptions) *OpenAIEngine {
	cfg := openai.DefaultConfig(o.APIKey)
	if o.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(o.BaseURL, "/")
	}
	if o.Model == "" {
		o.Model = openai.GPT4oMini
	}
	if o.SystemPrompt == "" {
		o.SystemPrompt = defaultSystemPrompt
	}
	if o.MaxHistory <= 0 {
		o.MaxHistory = 20
	}
	if o.Log == nil {
		o.Log = logging.Nop()
	}
	return &OpenAIEngine{
		client:  openai.NewClientWithConfig(cfg),
		opts:    o,
		log:     o.Log.With("component", "dialogue", "backend", "openai"),
		history: make(map[string][]openai.ChatCompletionMessage),
	}
}

// Respond implements session.DialogueEngine. History is only extended when
// a reply is produced.
func (e *OpenAIEngine) Respond(ctx context.Context, sessionID, text string) (string, error) {
	msgs := e.messages(sessionID, text)
	log := logging.Ctx(ctx, e.log)

	reply, err := e.complete(ctx, e.opts.Model, msgs)
	if err != nil && resilience.IsRetryable(err) && ctx.Err() == nil &&
		e.opts.FallbackModel != "" && e.opts.FallbackModel != e.opts.Model {
		log.Warnw("primary model failed; trying fallback", "model", e.opts.Model, "fallback", e.opts.FallbackModel, "err", err)
		reply, err = e.complete(ctx, e.opts.FallbackModel, msgs)
	}
	if err != nil {
		return "", err
	}
	e.remember(sessionID, text, reply)
	return reply, nil
}

func (e *OpenAIEngine) complete(ctx context.Context, model string, msgs []openai.ChatCompletionMessage) (string, error) {
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     model,
		Messages:  msgs,
		MaxTokens: e.opts.MaxTokens,
	})
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: %w: no choices returned", resilience.ErrTransient)
	}
	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	logging.Ctx(ctx, e.log).Debugw("dialogue reply", "model", model, "reply_len", len(reply), "total_tokens", resp.Usage.TotalTokens)
	return reply, nil
}

// Forget implements session.SessionForgetter.
func (e *OpenAIEngine) Forget(sessionID string) {
	e.mu.Lock()
	delete(e.history, sessionID)
	e.mu.Unlock()
}

func (e *OpenAIEngine) messages(sessionID, text string) []openai.ChatCompletionMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	past := e.history[sessionID]
	msgs := make([]openai.ChatCompletionMessage, 0, len(past)+2)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: e.opts.SystemPrompt})
	msgs = append(msgs, past...)
	return append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text})
}

func (e *OpenAIEngine) remember(sessionID, text, reply string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := append(e.history[sessionID],
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text},
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: reply},
	)
	if over := len(h) - e.opts.MaxHistory; over > 0 {
		h = h[over:]
	}
	e.history[sessionID] = h
}

func (e *OpenAIEngine) historyLen(sessionID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.history[sessionID])
}

// classify maps client errors onto StatusError so the retry classifier sees
// the HTTP status.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		body := apiErr.Message
		if apiErr.Code != nil {
			body = fmt.Sprintf("%v: %s", apiErr.Code, body)
		}
		if apiErr.Type != "" {
			body = apiErr.Type + ": " + body
		}
		return fmt.Errorf("openai: %w", &resilience.StatusError{Service: "openai", Status: apiErr.HTTPStatusCode, Body: body})
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return fmt.Errorf("openai: %w", &resilience.StatusError{Service: "openai", Status: reqErr.HTTPStatusCode, Body: reqErr.HTTPStatus})
	}
	return fmt.Errorf("openai: %w", err)
}
