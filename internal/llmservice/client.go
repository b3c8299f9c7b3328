package llmservice

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"pdfchat/internal/config"
	"pdfchat/internal/metrics"
	"pdfchat/internal/models"
)

var thinkRe = regexp.MustCompile(models.ThinkTag)

// Client generates answers with a langchaingo model.
type Client struct {
	llm         llms.Model
	provider    string
	model       string
	system      string
	temperature float64
}

func New(llm llms.Model, provider, model string, temperature float64) *Client {
	return &Client{
		llm:         llm,
		provider:    provider,
		model:       model,
		system:      models.SystemPrompt,
		temperature: temperature,
	}
}

// NewFromConfig builds an ollama or OpenAI-compatible chat client.
func NewFromConfig(llmConfig *config.LLMConfig) (*Client, error) {
	log.Debug().
		Str("provider", llmConfig.Provider).
		Str("base_url", llmConfig.BaseURL).
		Str("model", llmConfig.Model).
		Msg("Creating LLM client")

	var llm llms.Model
	switch llmConfig.Provider {
	case "openai":
		opts := []openai.Option{
			openai.WithToken(strings.TrimPrefix(llmConfig.Key, "Bearer ")),
			openai.WithModel(llmConfig.Model),
		}
		if llmConfig.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(llmConfig.BaseURL))
		}
		m, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize openai client: %w", err)
		}
		llm = m
	default:
		opts := []ollama.Option{ollama.WithModel(llmConfig.Model)}
		if llmConfig.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(llmConfig.BaseURL))
		}
		m, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize ollama client: %w", err)
		}
		llm = m
	}
	return New(llm, llmConfig.Provider, llmConfig.Model, llmConfig.Temperature), nil
}

// Generate sends prompt as a single user turn after the system instruction.
// Reasoning blocks some models emit are stripped from the answer.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	msgContent := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, c.system),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}

	var opts []llms.CallOption
	if c.temperature > 0 {
		opts = append(opts, llms.WithTemperature(c.temperature))
	}

	res, err := c.llm.GenerateContent(ctx, msgContent, opts...)
	if err != nil {
		metrics.GenerationRequestsTotal.WithLabelValues(c.provider, c.model, "error").Inc()
		return "", fmt.Errorf("%w: %w", models.ErrGeneration, err)
	}
	if len(res.Choices) == 0 {
		metrics.GenerationRequestsTotal.WithLabelValues(c.provider, c.model, "error").Inc()
		return "", fmt.Errorf("%w: no choices returned", models.ErrGeneration)
	}

	answer := strings.TrimSpace(thinkRe.ReplaceAllString(res.Choices[0].Content, ""))
	if answer == "" {
		metrics.GenerationRequestsTotal.WithLabelValues(c.provider, c.model, "error").Inc()
		return "", fmt.Errorf("%w: empty completion", models.ErrGeneration)
	}
	metrics.GenerationRequestsTotal.WithLabelValues(c.provider, c.model, "success").Inc()
	return answer, nil
}
