// Package planner provides the Anthropic planning client used by the
// orchestrator, with direct-API and AWS Bedrock construction and token
// usage accounting.
package planner

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/ohlala-ops/smartops/internal/orchestrator"
	"github.com/ohlala-ops/smartops/internal/throttle"
)

// Client wraps the Anthropic SDK client with token tracking. It implements
// the orchestrator's Planner interface.
type Client struct {
	inner   anthropic.Client
	model   anthropic.Model
	tokens  *TokenTracker
	catalog []anthropic.ToolUnionParam

	throttler *throttle.Throttler
}

// Config contains configuration for creating a new Client.
type Config struct {
	// Model is the model to use. Empty selects a default.
	Model anthropic.Model
	// APIKey is the Anthropic API key. If empty, uses ANTHROPIC_API_KEY.
	APIKey string
	// UseBedrock routes calls through AWS Bedrock instead of the direct API.
	UseBedrock bool
	// AWSRegion is the Bedrock region (e.g., "eu-west-1").
	AWSRegion string
	// AWSProfile is the optional AWS shared-config profile.
	AWSProfile string
	// Tools is the full tool catalog; Invoke offers the requested subset.
	Tools []anthropic.ToolUnionParam
}

// New creates a planning client.
func New(cfg Config) (*Client, error) {
	var opts []option.RequestOption

	if cfg.UseBedrock {
		ctx := context.Background()

		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(cfg.AWSProfile))
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
	if cfg.UseBedrock {
		model = translateModelForBedrock(model)
	}

	return &Client{
		inner:   anthropic.NewClient(opts...),
		model:   model,
		tokens:  NewTokenTracker(),
		catalog: cfg.Tools,
	}, nil
}

// SetThrottler routes model calls through the shared throttle guard.
func (c *Client) SetThrottler(t *throttle.Throttler) {
	c.throttler = t
}

// Model returns the configured model name.
func (c *Client) Model() anthropic.Model {
	return c.model
}

// Tokens returns the token tracker for this client.
func (c *Client) Tokens() *TokenTracker {
	return c.tokens
}

// translateModelForBedrock converts standard Anthropic model names to
// Bedrock cross-region inference profile format (us.anthropic.{model}-v1:0).
func translateModelForBedrock(model anthropic.Model) anthropic.Model {
	bedrockModels := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		anthropic.ModelClaudeOpus4_1_20250805:   "us.anthropic.claude-opus-4-1-20250805-v1:0",
		anthropic.ModelClaude3_7Sonnet20250219:  "us.anthropic.claude-3-7-sonnet-20250219-v1:0",
		anthropic.ModelClaude3_5Haiku20241022:   "us.anthropic.claude-3-5-haiku-20241022-v1:0",
	}

	if bedrockModel, ok := bedrockModels[model]; ok {
		return anthropic.Model(bedrockModel)
	}

	// Might already be Bedrock format or a custom model.
	return model
}

// Invoke makes one planning call: it converts the stored conversation to
// the SDK's wire types, offers the requested tool subset, and parses the
// response into text parts and tool invocation requests.
func (c *Client) Invoke(ctx context.Context, messages []orchestrator.Message, systemPrompt string, toolNames []string, maxTokens int, temperature float64) (*orchestrator.PlannerResponse, error) {
	params := anthropic.MessageNewParams{
		Model:       c.model,
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(temperature),
		Messages:    convertMessages(messages),
		Tools:       c.toolParams(toolNames),
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}

	var resp *anthropic.Message
	call := func(ctx context.Context) error {
		var err error
		resp, err = c.inner.Messages.New(ctx, params)
		return err
	}

	var err error
	if c.throttler != nil {
		err = c.throttler.Do(ctx, "anthropic.messages", call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("messages call: %w", err)
	}

	c.tokens.Add(resp.Usage.InputTokens, resp.Usage.OutputTokens)

	return parseResponse(resp), nil
}

// toolParams returns the catalog entries matching the requested names. An
// empty request offers the full catalog.
func (c *Client) toolParams(names []string) []anthropic.ToolUnionParam {
	if len(names) == 0 {
		return c.catalog
	}
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	var tools []anthropic.ToolUnionParam
	for _, tool := range c.catalog {
		if tool.OfTool != nil && wanted[tool.OfTool.Name] {
			tools = append(tools, tool)
		}
	}
	return tools
}

// convertMessages maps the stored conversation onto SDK message params.
func convertMessages(messages []orchestrator.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		var blocks []anthropic.ContentBlockParamUnion
		for _, block := range msg.Content {
			switch block.Type {
			case orchestrator.BlockText:
				blocks = append(blocks, anthropic.NewTextBlock(block.Text))
			case orchestrator.BlockToolUse:
				blocks = append(blocks, anthropic.NewToolUseBlock(block.ToolID, block.Input, block.ToolName))
			case orchestrator.BlockToolResult:
				blocks = append(blocks, anthropic.NewToolResultBlock(block.ToolID, block.Content, block.IsError))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if msg.Role == orchestrator.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

// parseResponse splits a model response into text parts and tool requests.
func parseResponse(resp *anthropic.Message) *orchestrator.PlannerResponse {
	out := &orchestrator.PlannerResponse{}
	for _, block := range resp.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			if text := strings.TrimSpace(variant.Text); text != "" {
				out.TextParts = append(out.TextParts, variant.Text)
			}
		case anthropic.ToolUseBlock:
			out.ToolUses = append(out.ToolUses, orchestrator.ToolUse{
				ID:    variant.ID,
				Name:  variant.Name,
				Input: variant.Input,
			})
		}
	}
	return out
}

// TokenTracker tracks token usage across API calls.
type TokenTracker struct {
	mu        sync.Mutex
	inputTok  int64
	outputTok int64
	calls     int
}

// NewTokenTracker creates a new token tracker.
func NewTokenTracker() *TokenTracker {
	return &TokenTracker{}
}

// Add records token usage from an API call.
func (t *TokenTracker) Add(input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputTok += input
	t.outputTok += output
	t.calls++
}

// Total returns the total input and output tokens tracked.
func (t *TokenTracker) Total() (input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inputTok, t.outputTok
}

// Calls returns the number of API calls made.
func (t *TokenTracker) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// Reset clears all tracked token usage.
func (t *TokenTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputTok = 0
	t.outputTok = 0
	t.calls = 0
}

// Cost estimates the cost in USD based on current Sonnet pricing
// ($3/1M input, $15/1M output). Approximate.
func (t *TokenTracker) Cost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	inputCost := float64(t.inputTok) / 1_000_000 * 3.0
	outputCost := float64(t.outputTok) / 1_000_000 * 15.0
	return inputCost + outputCost
}
