package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/ShayCichocki/dispatch/internal/recovery"
)

// defaultMaxTokens caps response length when a request sets none.
const defaultMaxTokens = 8192

// AnthropicConfig configures the Anthropic execution backend.
type AnthropicConfig struct {
	// Model is the model to invoke.
	Model anthropic.Model
	// APIKey overrides the ANTHROPIC_API_KEY environment variable.
	APIKey string
	// UseAWSBedrock routes calls through AWS Bedrock instead of the
	// direct API.
	UseAWSBedrock bool
	// AWSRegion is the Bedrock region.
	AWSRegion string
	// AWSProfile is the optional shared-config profile.
	AWSProfile string
}

// Anthropic executes prompts against the Anthropic API, directly or
// through Bedrock.
type Anthropic struct {
	inner   anthropic.Client
	model   anthropic.Model
	tracker *TokenTracker
}

// NewAnthropic creates the Anthropic backend.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	var opts []option.RequestOption

	if cfg.UseAWSBedrock {
		ctx := context.Background()

		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}

		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	model := cfg.Model
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	if cfg.UseAWSBedrock {
		model = translateModelForBedrock(model)
	}

	return &Anthropic{
		inner:   anthropic.NewClient(opts...),
		model:   model,
		tracker: NewTokenTracker(),
	}, nil
}

// translateModelForBedrock converts standard model names to Bedrock
// cross-region inference profile format.
func translateModelForBedrock(model anthropic.Model) anthropic.Model {
	bedrockModels := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:  "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaudeOpus4_1_20250805:  "us.anthropic.claude-opus-4-1-20250805-v1:0",
		anthropic.ModelClaude3_7Sonnet20250219: "us.anthropic.claude-3-7-sonnet-20250219-v1:0",
		anthropic.ModelClaude3_5Haiku20241022:  "us.anthropic.claude-3-5-haiku-20241022-v1:0",
	}

	if bedrockModel, ok := bedrockModels[model]; ok {
		return anthropic.Model(bedrockModel)
	}
	return model
}

// Model returns the configured model name.
func (a *Anthropic) Model() anthropic.Model {
	return a.model
}

// Tracker returns the cumulative usage tracker.
func (a *Anthropic) Tracker() *TokenTracker {
	return a.tracker
}

// Execute runs one prompt and returns the text response with usage.
// Errors carry retry classification: rate limits, overload, and server
// errors are transient; auth and request errors are permanent.
func (a *Anthropic) Execute(ctx context.Context, req Request) (*Result, error) {
	system := req.System
	if system == "" {
		system = systemPrompt(req.Specialization)
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	resp, err := a.inner.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	if err != nil {
		return nil, classifyAPIError(err)
	}

	a.tracker.Add(resp.Usage.InputTokens, resp.Usage.OutputTokens)

	var text strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(variant.Text)
		}
	}

	return &Result{
		Output:       text.String(),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		Cost:         cost(resp.Usage.InputTokens, resp.Usage.OutputTokens),
	}, nil
}

// classifyAPIError maps API failures onto retry classes.
func classifyAPIError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 429 || apierr.StatusCode == 529 || apierr.StatusCode >= 500:
			return recovery.Transient(fmt.Errorf("anthropic api: %w", err))
		case apierr.StatusCode >= 400:
			return recovery.Permanent(fmt.Errorf("anthropic api: %w", err))
		}
	}
	// Network-level failures with no HTTP status are worth retrying.
	return recovery.Transient(fmt.Errorf("anthropic api: %w", err))
}

// systemPrompt builds the worker system prompt for a specialization.
func systemPrompt(specialization string) string {
	base := "You are a task worker in a scheduling system. Complete the task you are given and reply with the result only."
	if specialization == "" {
		return base
	}
	return fmt.Sprintf("%s You are specialized in %s.", base, specialization)
}
