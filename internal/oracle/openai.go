package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/aonescu/aegis/internal/diagnosis"
)

const systemPrompt = `You diagnose failures in a simulated Kubernetes cluster.
Given violated invariants, answer with a JSON object {"hypotheses": [...]} where each
item has "kind" (one of the listed kinds), "target" ("workload/<id>", "node/<id>" or
"policy/<id>"), "confidence" in [0,1] and a short "rationale". Rank the most likely first.`

var ErrNoChoices = errors.New("oracle returned no choices")

type Config struct {
	// Enabled turns the oracle on; without it diagnosis is deterministic only.
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	APIKey  string `json:"-" mapstructure:"api_key"`
	BaseURL string `json:"base_url" mapstructure:"base_url"`
	Model   string `json:"model" mapstructure:"model"`
}

// OpenAI proposes hypotheses through an OpenAI-compatible chat endpoint.
type OpenAI struct {
	client *openai.Client
	model  string
	logger *zap.Logger
}

func NewOpenAI(cfg Config, logger *zap.Logger) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("oracle api key not set")
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	logger.Info("initializing openai oracle", zap.String("model", cfg.Model), zap.String("base_url", clientCfg.BaseURL))
	return &OpenAI{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		logger: logger,
	}, nil
}

func (o *OpenAI) Name() string { return "openai" }

type response struct {
	Hypotheses []diagnosis.Candidate `json:"hypotheses"`
}

func (o *OpenAI) Propose(ctx context.Context, prompt diagnosis.Prompt) ([]diagnosis.Candidate, error) {
	user := prompt.Text + "\nKnown kinds: " + strings.Join(prompt.Kinds, ", ")
	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: 0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoices
	}
	o.logger.Debug("oracle response received",
		zap.String("finish_reason", string(resp.Choices[0].FinishReason)),
		zap.Int("total_tokens", resp.Usage.TotalTokens))

	var parsed response
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &parsed); err != nil {
		return nil, fmt.Errorf("decode oracle answer: %w", err)
	}

	known := make(map[string]bool, len(prompt.Kinds))
	for _, k := range prompt.Kinds {
		known[k] = true
	}
	out := make([]diagnosis.Candidate, 0, len(parsed.Hypotheses))
	for _, c := range parsed.Hypotheses {
		if len(known) > 0 && !known[c.Kind] {
			o.logger.Debug("dropping unknown hypothesis kind", zap.String("kind", c.Kind))
			continue
		}
		out = append(out, c)
	}
	return out, nil
}
