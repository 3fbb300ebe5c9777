// Package llm produces mail summaries. A Provider wraps one concrete
// backend (local llama-server, ollama, or a cloud API) behind a uniform
// summarize call; the engine in this package layers chunking and synthesis
// on top for long messages.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/bedrock"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/repairer5812/ai-email-summarizer/internal/models"
)

// Backends.
const (
	BackendLocal  = "local"
	BackendOllama = "ollama"
	BackendCloud  = "cloud"
)

// Cloud providers.
const (
	CloudOpenAI    = "openai"
	CloudAnthropic = "anthropic"
	CloudBedrock   = "bedrock"
)

// Config selects and parameterizes one provider.
type Config struct {
	Backend       string
	CloudProvider string
	Model         string
	APIKey        string

	// LocalBaseURL is the llama-server address for the local backend; its
	// OpenAI-compatible endpoint is used.
	LocalBaseURL string
	OllamaHost   string
}

// Provider generates summaries through one configured model.
type Provider struct {
	llm  llms.Model
	tier models.SummaryTier
	name string
}

// New builds a provider from config. Local backends get the tier of the
// chosen local model; cloud backends are always the cloud tier.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	switch cfg.Backend {
	case BackendLocal:
		if cfg.LocalBaseURL == "" {
			return nil, fmt.Errorf("%w: local server not running", ErrNotReady)
		}
		// llama-server speaks the OpenAI chat API.
		model, err := openai.New(
			openai.WithBaseURL(cfg.LocalBaseURL+"/v1"),
			openai.WithToken("local"),
			openai.WithModel(cfg.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("create local provider: %w", err)
		}
		return &Provider{llm: model, tier: LocalModelTier(cfg.Model), name: "local/" + cfg.Model}, nil

	case BackendOllama:
		model, err := ollama.New(
			ollama.WithModel(cfg.Model),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama provider: %w", err)
		}
		return &Provider{llm: model, tier: models.TierStandard, name: "ollama/" + cfg.Model}, nil

	case BackendCloud:
		return newCloud(ctx, cfg)

	default:
		return nil, fmt.Errorf("%w: unsupported backend %q", ErrNotReady, cfg.Backend)
	}
}

func newCloud(ctx context.Context, cfg Config) (*Provider, error) {
	var model llms.Model
	var err error

	switch cfg.CloudProvider {
	case CloudOpenAI, "":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("%w: OpenAI API key not set", ErrNotReady)
		}
		name := cfg.Model
		if name == "" {
			name = "gpt-4o-mini"
		}
		model, err = openai.New(openai.WithToken(cfg.APIKey), openai.WithModel(name))

	case CloudAnthropic:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("%w: Anthropic API key not set", ErrNotReady)
		}
		name := cfg.Model
		if name == "" {
			name = "claude-3-5-haiku-20241022"
		}
		model, err = anthropic.New(anthropic.WithToken(cfg.APIKey), anthropic.WithModel(name))

	case CloudBedrock:
		loaded, lerr := awsconfig.LoadDefaultConfig(ctx)
		if lerr != nil {
			return nil, fmt.Errorf("%w: load AWS config: %v", ErrNotReady, lerr)
		}
		client := bedrockruntime.NewFromConfig(loaded)
		name := cfg.Model
		if name == "" {
			name = "anthropic.claude-3-haiku-20240307-v1:0"
		}
		model, err = bedrock.New(bedrock.WithClient(client), bedrock.WithModel(name))

	default:
		return nil, fmt.Errorf("%w: unsupported cloud provider %q", ErrNotReady, cfg.CloudProvider)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s provider: %w", cfg.CloudProvider, err)
	}

	return &Provider{llm: model, tier: models.TierCloud, name: "cloud/" + cfg.CloudProvider}, nil
}

// Tier returns the quality tier summaries from this provider carry.
func (p *Provider) Tier() models.SummaryTier {
	return p.tier
}

// Name returns a short provider label for logs.
func (p *Provider) Name() string {
	return p.name
}

// Result is one summarize call's parsed output.
type Result struct {
	Summary string
	Tags    []string
	Topics  []string
}

const summarizeSystemPrompt = `You summarize email for a personal archive.
Write a compact summary of the message as markdown bullet points.
Ignore noise: postal addresses, copyright footers, unsubscribe instructions, tracking boilerplate.
After the summary, output exactly two extra lines:
Tags: comma-separated lowercase keywords (max 10)
Topics: comma-separated topic names suitable as note titles (max 10)`

// Summarize produces a summary of one message (or chunk). Failures map to
// the package sentinel errors so callers can branch on errors.Is.
func (p *Provider) Summarize(ctx context.Context, subject, body string) (*Result, error) {
	user := fmt.Sprintf("Subject: %s\n\n%s", subject, body)
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, summarizeSystemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, user),
	}

	resp, err := p.llm.GenerateContent(ctx, messages)
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrProviderUnavailable)
	}

	return ParseResult(resp.Choices[0].Content), nil
}

// Generate runs a raw prompt, used for synthesis and overview steps where
// the engine controls the full instruction text.
func (p *Provider) Generate(ctx context.Context, prompt string) (string, error) {
	out, err := llms.GenerateFromSinglePrompt(ctx, p.llm, prompt)
	if err != nil {
		return "", classify(err)
	}
	return out, nil
}

// classify maps transport-level failures onto the package sentinels.
func classify(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrProviderTimeout, err)
	case strings.Contains(err.Error(), "timeout"),
		strings.Contains(err.Error(), "deadline"):
		return fmt.Errorf("%w: %v", ErrProviderTimeout, err)
	case strings.Contains(err.Error(), "connection refused"),
		strings.Contains(err.Error(), "no such host"),
		strings.Contains(err.Error(), "EOF"):
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	default:
		return fmt.Errorf("generate: %w", err)
	}
}

// ParseResult splits a model reply into summary text and the trailing
// Tags/Topics lines. Missing lines leave the slices empty.
func ParseResult(text string) *Result {
	res := &Result{}
	var summaryLines []string

	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		switch {
		case strings.HasPrefix(lower, "tags:"):
			res.Tags = splitList(trimmed[len("tags:"):])
		case strings.HasPrefix(lower, "topics:"):
			res.Topics = splitList(trimmed[len("topics:"):])
		default:
			summaryLines = append(summaryLines, line)
		}
	}

	res.Summary = strings.TrimSpace(strings.Join(summaryLines, "\n"))
	return res
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if v := strings.TrimSpace(item); v != "" {
			out = append(out, v)
		}
	}
	return out
}
