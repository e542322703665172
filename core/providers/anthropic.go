package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicAdapter implements Adapter for Anthropic's Claude models.
// Anthropic has no embeddings endpoint, so the adapter only serves the
// classification and generation capabilities.
type AnthropicAdapter struct {
	client *anthropic.Client
	config AnthropicConfig
}

// NewAnthropicAdapter creates an Anthropic adapter.
func NewAnthropicAdapter(config AnthropicConfig) (*AnthropicAdapter, error) {
	if config.Model == "" {
		config.Model = DefaultAnthropicConfig().Model
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = DefaultAnthropicConfig().MaxTokens
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	opts := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	return &AnthropicAdapter{client: &client, config: config}, nil
}

func (p *AnthropicAdapter) Name() string {
	return "anthropic"
}

func (p *AnthropicAdapter) Supports(capability Capability) bool {
	return capability != CapabilityEmbed
}

func (p *AnthropicAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("anthropic: embeddings not supported")
}

func (p *AnthropicAdapter) Generate(ctx context.Context, req *Request) (*Response, error) {
	msg, err := p.client.Messages.New(ctx, p.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("anthropic generate: %w", err)
	}
	return p.convertResponse(msg), nil
}

func (p *AnthropicAdapter) StreamWithHandler(ctx context.Context, req *Request, handler StreamHandler) error {
	stream := p.client.Messages.NewStreaming(ctx, p.buildParams(req))

	if err := handler(&StreamChunk{Index: 0, Type: ChunkTypeStart, Timestamp: time.Now()}); err != nil {
		return err
	}

	var chunkIndex int
	var inputTokens, outputTokens int
	var stopReason StopReason

	for stream.Next() {
		event := stream.Current()
		chunkIndex++

		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				if err := handler(&StreamChunk{
					Index:     chunkIndex,
					Type:      ChunkTypeText,
					Text:      delta.Text,
					Timestamp: time.Now(),
				}); err != nil {
					return err
				}
			}
		case anthropic.MessageStartEvent:
			if ev.Message.Usage.InputTokens > 0 {
				inputTokens = int(ev.Message.Usage.InputTokens)
			}
		case anthropic.MessageDeltaEvent:
			if ev.Usage.OutputTokens > 0 {
				outputTokens = int(ev.Usage.OutputTokens)
			}
			if ev.Delta.StopReason != "" {
				stopReason = convertAnthropicStopReason(string(ev.Delta.StopReason))
			}
		}
	}

	if err := stream.Err(); err != nil {
		handler(&StreamChunk{
			Index:     chunkIndex + 1,
			Type:      ChunkTypeError,
			Text:      err.Error(),
			Timestamp: time.Now(),
		})
		return fmt.Errorf("anthropic stream: %w", err)
	}

	if stopReason == "" {
		stopReason = StopReasonEndTurn
	}
	return handler(&StreamChunk{
		Index:      chunkIndex + 1,
		Type:       ChunkTypeEnd,
		StopReason: stopReason,
		Usage: &Usage{
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
			TotalTokens:  inputTokens + outputTokens,
		},
		Timestamp: time.Now(),
	})
}

func (p *AnthropicAdapter) buildParams(req *Request) anthropic.MessageNewParams {
	model := req.Model
	if model == "" {
		model = p.config.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.config.MaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  convertAnthropicMessages(req.Messages),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	} else if p.config.Temperature > 0 {
		params.Temperature = anthropic.Float(p.config.Temperature)
	}
	return params
}

func convertAnthropicMessages(messages []Message) []anthropic.MessageParam {
	result := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleUser:
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case RoleAssistant:
			result = append(result, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	return result
}

func (p *AnthropicAdapter) convertResponse(msg *anthropic.Message) *Response {
	var content string
	for _, block := range msg.Content {
		if b, ok := block.AsAny().(anthropic.TextBlock); ok {
			content += b.Text
		}
	}

	return &Response{
		Content:    content,
		Model:      string(msg.Model),
		StopReason: convertAnthropicStopReason(string(msg.StopReason)),
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}
}

func convertAnthropicStopReason(reason string) StopReason {
	switch reason {
	case "end_turn":
		return StopReasonEndTurn
	case "max_tokens":
		return StopReasonMaxTokens
	case "stop_sequence":
		return StopReasonStopSequence
	default:
		return StopReasonEndTurn
	}
}
