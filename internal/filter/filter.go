// Package filter wraps the AI classification call. Given a candidate and the
// operator prompt pair it returns a send/skip decision plus a short summary
// used as the notification body.
package filter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"scrapius/internal/feed"
	"scrapius/pkg/logx"
)

// ErrClassification marks a decision that could not actually be evaluated
// (timeout, transport failure, unparseable reply). The decision returned
// alongside it is always reject, and the item stays eligible for
// re-evaluation if a later scrape rediscovers it.
var ErrClassification = errors.New("filter: classification failed")

type Decision struct {
	Send    bool   `json:"send"`
	Summary string `json:"summary"`
}

const (
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 30 * time.Second

	// The model is told to answer with this exact JSON shape.
	responseContract = `Respond ONLY with valid JSON: {"send": <true|false>, "summary": "<string>"}`
)

type Options struct {
	APIKey string
	// BaseURL overrides the OpenAI endpoint (used by tests).
	BaseURL string
	Model   string
	Timeout time.Duration
	Log     logx.Logger
}

type Engine struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	log     logx.Logger
}

func New(opts Options) *Engine {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	e := &Engine{
		client:  openai.NewClientWithConfig(cfg),
		model:   opts.Model,
		timeout: opts.Timeout,
		log:     opts.Log,
	}
	if e.model == "" {
		e.model = defaultModel
	}
	if e.timeout <= 0 {
		e.timeout = defaultTimeout
	}
	return e
}

// Classify evaluates one candidate against the prompt pair. On any failure it
// returns a reject decision together with an ErrClassification-wrapped error
// so the caller can tell "rejected" from "could not evaluate".
func (e *Engine) Classify(ctx context.Context, item feed.Candidate, prompts feed.PromptPair) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	system := strings.TrimSpace(prompts.System)
	if system != "" {
		system += "\n"
	}
	system += responseContract

	user := strings.TrimSpace(prompts.User)
	if user != "" {
		user += "\n\n"
	}
	user += item.Content

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       e.model,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrClassification, err)
	}
	if len(resp.Choices) == 0 {
		return Decision{}, fmt.Errorf("%w: empty response", ErrClassification)
	}

	d, err := parseDecision(resp.Choices[0].Message.Content)
	if err != nil {
		e.log.Warn("unparseable classifier reply",
			logx.String("item", item.ID), logx.Err(err))
		return Decision{}, fmt.Errorf("%w: %v", ErrClassification, err)
	}
	return d, nil
}

// parseDecision is lenient: models occasionally wrap the JSON in code fences
// or prose, so after a strict parse fails we retry on the outermost braces.
func parseDecision(reply string) (Decision, error) {
	reply = strings.TrimSpace(reply)

	var d Decision
	if err := json.Unmarshal([]byte(reply), &d); err == nil {
		return d, nil
	}

	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(reply[start:end+1]), &d); err == nil {
			return d, nil
		}
	}
	return Decision{}, fmt.Errorf("no JSON decision in %q", truncate(reply, 120))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
