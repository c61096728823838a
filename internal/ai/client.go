package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"yipyap/pkg/logx"
)

// Usage reports token spend for one capability call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Config configures the shared completion client.
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	RequestTimeout time.Duration // per call; default 30s
	RatePerSec     int           // default 5
	Burst          int           // default RatePerSec
}

// Client is a thin wrapper over an OpenAI-compatible completion API. All
// capabilities (classification, opportunity scoring, FAQ matching, reply
// drafting) share one client, one rate limiter and one model.
type Client struct {
	api     *openai.Client
	model   string
	timeout time.Duration
	limiter *rate.Limiter
	log     logx.Logger
}

func NewClient(cfg Config, log logx.Logger) *Client {
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = rps
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	return &Client{
		api:     openai.NewClientWithConfig(oc),
		model:   cfg.Model,
		timeout: cfg.RequestTimeout,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		log:     log,
	}
}

// completeJSON sends one system+user completion and decodes the answer as
// JSON into out. Low temperature keeps answers deterministic.
func (c *Client) completeJSON(ctx context.Context, system, user string, maxTokens int, out any) (Usage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Usage{}, err
	}

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.api.CreateChatCompletion(cctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: 0.1,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		kind, werr := ClassifyErr(err)
		c.logFailure(kind, werr)
		return Usage{}, werr
	}
	usage := Usage{PromptTokens: resp.Usage.PromptTokens, CompletionTokens: resp.Usage.CompletionTokens}

	if len(resp.Choices) == 0 {
		return usage, fmt.Errorf("completion returned no choices")
	}
	raw := stripFences(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		// A malformed answer is not worth retrying with the same prompt.
		return usage, NoRetry(fmt.Errorf("decode completion answer: %w", err))
	}
	return usage, nil
}

// logFailure records a completion failure with its taxonomy kind, so quota
// rejections stay distinguishable from plain network blips in the logs.
// Non-retryable failures are louder: the retry policy gives up on them
// immediately.
func (c *Client) logFailure(kind Kind, err error) {
	if IsNoRetry(err) {
		c.log.Warn("completion failed", logx.String("kind", kind.String()), logx.Err(err))
		return
	}
	c.log.Debug("completion failed", logx.String("kind", kind.String()), logx.Err(err))
}

// complete sends one system+user completion and returns the raw text answer.
func (c *Client) complete(ctx context.Context, system, user string, maxTokens int) (string, Usage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", Usage{}, err
	}

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.api.CreateChatCompletion(cctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: 0.3,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		kind, werr := ClassifyErr(err)
		c.logFailure(kind, werr)
		return "", Usage{}, werr
	}
	usage := Usage{PromptTokens: resp.Usage.PromptTokens, CompletionTokens: resp.Usage.CompletionTokens}

	if len(resp.Choices) == 0 {
		return "", usage, fmt.Errorf("completion returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), usage, nil
}

// stripFences removes a markdown code fence around a JSON answer, which
// some models add despite instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
