package classify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAIGatewayOptions configures the OpenAI-backed gateway.
type OpenAIGatewayOptions struct {
	BaseURL string
	APIKey  string
	Model   string
}

// OpenAIGateway implements Gateway on top of an OpenAI-compatible chat
// completions API using JSON-object responses.
type OpenAIGateway struct {
	client openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAIGateway creates a gateway client. BaseURL may point at any
// OpenAI-compatible endpoint.
func NewOpenAIGateway(opts OpenAIGatewayOptions, logger *slog.Logger) *OpenAIGateway {
	if logger == nil {
		logger = slog.Default()
	}

	clientOpts := []option.RequestOption{}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}

	return &OpenAIGateway{
		client: openai.NewClient(clientOpts...),
		model:  opts.Model,
		logger: logger,
	}
}

// Classify sends instructions plus the submission text and decodes the
// JSON reply into out. Failures are reported as *Error; no retries happen
// here.
func (g *OpenAIGateway) Classify(ctx context.Context, instructions, input string, out any) error {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(g.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(instructions),
			openai.UserMessage(input),
		},
		Temperature: openai.Float(0),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	}

	resp, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return g.wrapCallError(err)
	}

	if len(resp.Choices) == 0 {
		return &Error{Kind: KindSchemaMismatch, Op: "chat", Err: errors.New("no completion choices returned")}
	}

	content := resp.Choices[0].Message.Content
	if err := json.Unmarshal([]byte(content), out); err != nil {
		g.logger.Warn("classifier returned undecodable structured output", "error", err)
		return &Error{Kind: KindSchemaMismatch, Op: "chat", Err: err}
	}
	return nil
}

func (g *OpenAIGateway) wrapCallError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Op: "chat", Err: err}
	}

	var apierr *openai.Error
	if errors.As(err, &apierr) {
		switch apierr.StatusCode {
		case http.StatusTooManyRequests:
			return &Error{Kind: KindRateLimited, Op: "chat", Err: err}
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return &Error{Kind: KindTimeout, Op: "chat", Err: err}
		}
	}
	return &Error{Kind: KindTransport, Op: "chat", Err: err}
}
