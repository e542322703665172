// Package providers defines the unified model-backend interface and
// the adapters for the configured language-model services. Adapters are
// deliberately thin: capability selection, health tracking and fallback
// live in the router package.
package providers

import (
	"context"
	"time"
)

// Capability names one kind of model work a backend can perform.
type Capability string

const (
	CapabilityEmbed          Capability = "embed"
	CapabilityClassify       Capability = "classify"
	CapabilityGenerate       Capability = "generate"
	CapabilityStreamGenerate Capability = "stream_generate"
)

// Adapter is the unified call interface over one model backend.
type Adapter interface {
	Name() string
	Supports(capability Capability) bool
	Embed(ctx context.Context, text string) ([]float32, error)
	Generate(ctx context.Context, req *Request) (*Response, error)
	StreamWithHandler(ctx context.Context, req *Request, handler StreamHandler) error
}

// Request is a provider-neutral completion request.
type Request struct {
	Messages     []Message `json:"messages"`
	Model        string    `json:"model,omitempty"`
	MaxTokens    int       `json:"max_tokens,omitempty"`
	Temperature  *float64  `json:"temperature,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
}

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Response is a provider-neutral completion result.
type Response struct {
	Content    string     `json:"content"`
	Model      string     `json:"model"`
	StopReason StopReason `json:"stop_reason"`
	Usage      Usage      `json:"usage"`
}

type StopReason string

const (
	StopReasonEndTurn      StopReason = "end_turn"
	StopReasonMaxTokens    StopReason = "max_tokens"
	StopReasonStopSequence StopReason = "stop_sequence"
	StopReasonError        StopReason = "error"
)

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// StreamChunk is a single event from a streaming generation.
type StreamChunk struct {
	Index      int             `json:"index"`
	Text       string          `json:"text"`
	Type       StreamChunkType `json:"type"`
	Usage      *Usage          `json:"usage,omitempty"`
	StopReason StopReason      `json:"stop_reason,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

type StreamChunkType string

const (
	ChunkTypeStart StreamChunkType = "start"
	ChunkTypeText  StreamChunkType = "text"
	ChunkTypeEnd   StreamChunkType = "end"
	ChunkTypeError StreamChunkType = "error"
)

// StreamHandler receives chunks in emission order. Returning an error
// stops the stream.
type StreamHandler func(chunk *StreamChunk) error
