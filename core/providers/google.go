package providers

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"
)

// GoogleAdapter implements Adapter for Gemini models via the GenAI SDK.
type GoogleAdapter struct {
	client *genai.Client
	config GoogleConfig
}

// NewGoogleAdapter creates a Google adapter.
func NewGoogleAdapter(ctx context.Context, config GoogleConfig) (*GoogleAdapter, error) {
	if config.Model == "" {
		config.Model = DefaultGoogleConfig().Model
	}
	if config.EmbeddingModel == "" {
		config.EmbeddingModel = DefaultGoogleConfig().EmbeddingModel
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = DefaultGoogleConfig().MaxTokens
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google client: %w", err)
	}

	return &GoogleAdapter{client: client, config: config}, nil
}

func (p *GoogleAdapter) Name() string {
	return "google"
}

func (p *GoogleAdapter) Supports(Capability) bool {
	return true
}

func (p *GoogleAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	result, err := p.client.Models.EmbedContent(ctx, p.config.EmbeddingModel, genai.Text(text), nil)
	if err != nil {
		return nil, fmt.Errorf("google embed: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("google embed: empty response")
	}
	return result.Embeddings[0].Values, nil
}

func (p *GoogleAdapter) Generate(ctx context.Context, req *Request) (*Response, error) {
	model, contents, cfg := p.buildParams(req)

	result, err := p.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("google generate: %w", err)
	}

	resp := &Response{
		Content:    result.Text(),
		Model:      model,
		StopReason: StopReasonEndTurn,
	}
	if result.UsageMetadata != nil {
		resp.Usage = Usage{
			InputTokens:  int(result.UsageMetadata.PromptTokenCount),
			OutputTokens: int(result.UsageMetadata.CandidatesTokenCount),
			TotalTokens:  int(result.UsageMetadata.TotalTokenCount),
		}
	}
	return resp, nil
}

func (p *GoogleAdapter) StreamWithHandler(ctx context.Context, req *Request, handler StreamHandler) error {
	model, contents, cfg := p.buildParams(req)

	if err := handler(&StreamChunk{Index: 0, Type: ChunkTypeStart, Timestamp: time.Now()}); err != nil {
		return err
	}

	var chunkIndex int
	var usage Usage
	for result, err := range p.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
		if err != nil {
			handler(&StreamChunk{
				Index:     chunkIndex + 1,
				Type:      ChunkTypeError,
				Text:      err.Error(),
				Timestamp: time.Now(),
			})
			return fmt.Errorf("google stream: %w", err)
		}

		text := result.Text()
		if text != "" {
			chunkIndex++
			if err := handler(&StreamChunk{
				Index:     chunkIndex,
				Type:      ChunkTypeText,
				Text:      text,
				Timestamp: time.Now(),
			}); err != nil {
				return err
			}
		}
		if result.UsageMetadata != nil {
			usage = Usage{
				InputTokens:  int(result.UsageMetadata.PromptTokenCount),
				OutputTokens: int(result.UsageMetadata.CandidatesTokenCount),
				TotalTokens:  int(result.UsageMetadata.TotalTokenCount),
			}
		}
	}

	return handler(&StreamChunk{
		Index:      chunkIndex + 1,
		Type:       ChunkTypeEnd,
		StopReason: StopReasonEndTurn,
		Usage:      &usage,
		Timestamp:  time.Now(),
	})
}

func (p *GoogleAdapter) buildParams(req *Request) (string, []*genai.Content, *genai.GenerateContentConfig) {
	model := req.Model
	if model == "" {
		model = p.config.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.config.MaxTokens
	}

	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, msg := range req.Messages {
		role := genai.RoleUser
		if msg.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(msg.Content, genai.Role(role)))
	}

	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(maxTokens),
	}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.Temperature != nil {
		temp := float32(*req.Temperature)
		cfg.Temperature = &temp
	}
	return model, contents, cfg
}
