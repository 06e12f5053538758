// Package genai generates Ally's replies through the OpenAI chat completions API.
//
// The client never decides whether a dose may be given. It receives the gate's
// instructions as additional system guidance and relays them to the model.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/AllybyWaiter/AllyGate/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	// DefaultModel is used when no model is configured.
	DefaultModel = openai.ChatModelGPT4oMini
	// DefaultTemperature keeps replies consistent across turns.
	DefaultTemperature = 0.3
	// DefaultMaxTokens caps the length of a single reply.
	DefaultMaxTokens = 600
	debugDirName     = "debug"
)

// SystemPrompt establishes Ally's persona for every generated reply.
const SystemPrompt = `You are Ally, a friendly water care assistant for pool owners, spa and hot tub owners, and aquarium keepers.
You help with water testing, chemical balance, equipment and fish health.
Keep answers practical and concise. Ask one or two questions at a time.
Never invent test readings or volumes the user has not given you.`

var (
	// ErrNoChoicesReturned is returned when the API responds without any choices.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrMissingAPIKey is returned by NewClient when no API key is configured.
	ErrMissingAPIKey = errors.New("OpenAI API key not set")
)

// ClientInterface generates a reply for a transcript under extra system guidance.
type ClientInterface interface {
	Respond(ctx context.Context, transcript []models.Message, guidance string) (string, error)
}

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsService adapts the SDK's chat completions service to chatService.
type completionsService struct {
	svc *openai.ChatCompletionService
}

func (s completionsService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	DebugMode   bool
	StateDir    string
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature overrides the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens overrides the completion token cap.
func WithMaxTokens(n int) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithDebugMode writes each request and response as JSON under
// {stateDir}/debug.
func WithDebugMode(enabled bool, stateDir string) Option {
	return func(o *Opts) {
		o.DebugMode = enabled
		o.StateDir = stateDir
	}
}

// Client wraps the OpenAI chat completions service.
type Client struct {
	chat        chatService
	model       string
	temperature float64
	maxTokens   int
	debugMode   bool
	stateDir    string
}

// NewClient initializes a new GenAI client. An API key is required.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Temperature: DefaultTemperature, MaxTokens: DefaultMaxTokens}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.Model == "" {
		cfg.Model = string(DefaultModel)
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("genai.NewClient: client configured", "model", cfg.Model, "debugMode", cfg.DebugMode)
	return &Client{
		chat:        completionsService{svc: &cli.Chat.Completions},
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		debugMode:   cfg.DebugMode,
		stateDir:    cfg.StateDir,
	}, nil
}

// Respond generates the assistant's next message. Guidance, when non-empty, is
// sent as a second system message after the persona prompt.
func (c *Client) Respond(ctx context.Context, transcript []models.Message, guidance string) (string, error) {
	return c.GenerateWithMessages(ctx, BuildMessages(transcript, guidance))
}

// BuildMessages converts a transcript into chat completion messages.
func BuildMessages(transcript []models.Message, guidance string) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(transcript)+2)
	messages = append(messages, openai.SystemMessage(SystemPrompt))
	if guidance != "" {
		messages = append(messages, openai.SystemMessage(guidance))
	}
	for _, m := range transcript {
		content := m.Content
		if m.HasAttachment {
			content += "\n[The user attached a photo.]"
		}
		switch m.Role {
		case models.RoleUser:
			messages = append(messages, openai.UserMessage(content))
		case models.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(content))
		}
	}
	return messages
}

// GenerateWithMessages sends a prepared message list and returns the first choice.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	params := openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               openai.ChatModel(c.model),
		Temperature:         openai.Float(c.temperature),
		MaxCompletionTokens: openai.Int(int64(c.maxTokens)),
	}
	start := time.Now()
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("Client.GenerateWithMessages: chat completion failed", "error", err, "model", c.model)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if c.debugMode {
		c.writeDebugLog(params, resp)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	slog.Debug("Client.GenerateWithMessages: completion received", "model", c.model, "duration", time.Since(start))
	return resp.Choices[0].Message.Content, nil
}

type debugEntry struct {
	Timestamp time.Time                      `json:"timestamp"`
	Request   openai.ChatCompletionNewParams `json:"request"`
	Response  openai.ChatCompletion          `json:"response"`
}

// writeDebugLog failures are logged and never surface to the caller.
func (c *Client) writeDebugLog(params openai.ChatCompletionNewParams, resp openai.ChatCompletion) {
	dir := filepath.Join(c.stateDir, debugDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Warn("Client.writeDebugLog: failed to create debug directory", "error", err, "dir", dir)
		return
	}
	now := time.Now().UTC()
	data, err := json.MarshalIndent(debugEntry{Timestamp: now, Request: params, Response: resp}, "", "  ")
	if err != nil {
		slog.Warn("Client.writeDebugLog: failed to marshal debug entry", "error", err)
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("completion_%s.json", now.Format("20060102T150405.000000000")))
	if err := os.WriteFile(path, data, 0644); err != nil {
		slog.Warn("Client.writeDebugLog: failed to write debug entry", "error", err, "path", path)
	}
}
