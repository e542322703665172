package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIAdapter implements Adapter for OpenAI models. It is the only
// adapter in the default chain that serves all four capabilities.
type OpenAIAdapter struct {
	client *openai.Client
	config OpenAIConfig
}

// NewOpenAIAdapter creates an OpenAI adapter.
func NewOpenAIAdapter(config OpenAIConfig) (*OpenAIAdapter, error) {
	if config.Model == "" {
		config.Model = DefaultOpenAIConfig().Model
	}
	if config.EmbeddingModel == "" {
		config.EmbeddingModel = DefaultOpenAIConfig().EmbeddingModel
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = DefaultOpenAIConfig().MaxTokens
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	opts := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	client := openai.NewClient(opts...)

	return &OpenAIAdapter{client: &client, config: config}, nil
}

func (p *OpenAIAdapter) Name() string {
	return "openai"
}

func (p *OpenAIAdapter) Supports(Capability) bool {
	return true
}

func (p *OpenAIAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	result, err := p.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(p.config.EmbeddingModel),
		Input: openai.EmbeddingNewParamsInputUnion{
			OfString: openai.String(text),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	if len(result.Data) == 0 {
		return nil, fmt.Errorf("openai embed: empty response")
	}

	vector := make([]float32, len(result.Data[0].Embedding))
	for i, v := range result.Data[0].Embedding {
		vector[i] = float32(v)
	}
	return vector, nil
}

func (p *OpenAIAdapter) Generate(ctx context.Context, req *Request) (*Response, error) {
	completion, err := p.client.Chat.Completions.New(ctx, p.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("openai generate: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("openai generate: no choices returned")
	}

	choice := completion.Choices[0]
	return &Response{
		Content:    choice.Message.Content,
		Model:      completion.Model,
		StopReason: convertOpenAIFinishReason(choice.FinishReason),
		Usage: Usage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:  int(completion.Usage.TotalTokens),
		},
	}, nil
}

func (p *OpenAIAdapter) StreamWithHandler(ctx context.Context, req *Request, handler StreamHandler) error {
	stream := p.client.Chat.Completions.NewStreaming(ctx, p.buildParams(req))

	if err := handler(&StreamChunk{Index: 0, Type: ChunkTypeStart, Timestamp: time.Now()}); err != nil {
		return err
	}

	acc := openai.ChatCompletionAccumulator{}
	var chunkIndex int

	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		chunkIndex++
		if err := handler(&StreamChunk{
			Index:     chunkIndex,
			Type:      ChunkTypeText,
			Text:      chunk.Choices[0].Delta.Content,
			Timestamp: time.Now(),
		}); err != nil {
			return err
		}
	}

	if err := stream.Err(); err != nil {
		handler(&StreamChunk{
			Index:     chunkIndex + 1,
			Type:      ChunkTypeError,
			Text:      err.Error(),
			Timestamp: time.Now(),
		})
		return fmt.Errorf("openai stream: %w", err)
	}

	stopReason := StopReasonEndTurn
	if len(acc.Choices) > 0 {
		stopReason = convertOpenAIFinishReason(acc.Choices[0].FinishReason)
	}
	return handler(&StreamChunk{
		Index:      chunkIndex + 1,
		Type:       ChunkTypeEnd,
		StopReason: stopReason,
		Usage: &Usage{
			InputTokens:  int(acc.Usage.PromptTokens),
			OutputTokens: int(acc.Usage.CompletionTokens),
			TotalTokens:  int(acc.Usage.TotalTokens),
		},
		Timestamp: time.Now(),
	})
}

func (p *OpenAIAdapter) buildParams(req *Request) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = p.config.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.config.MaxTokens
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		case RoleUser:
			messages = append(messages, openai.UserMessage(msg.Content))
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(model),
		Messages:            messages,
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	} else if p.config.Temperature > 0 {
		params.Temperature = openai.Float(p.config.Temperature)
	}
	return params
}

func convertOpenAIFinishReason(reason string) StopReason {
	switch reason {
	case "stop":
		return StopReasonEndTurn
	case "length":
		return StopReasonMaxTokens
	default:
		return StopReasonEndTurn
	}
}
