// Package openai implements the comparison oracle and the sold-search query
// builder on the OpenAI Chat Completions API. Every call goes through the
// process-wide call gate so throttling is shared across runs.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/JakeFAU/dealscan/internal/callgate"
	"github.com/JakeFAU/dealscan/internal/deal"
	"github.com/JakeFAU/dealscan/internal/session"
)

// ChatClient captures the subset of the openai-go client used here.
type ChatClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Gate runs a call under the shared permit set.
type Gate interface {
	Call(ctx context.Context, tok *session.Token, fn func(ctx context.Context) error) error
}

// Config configures the oracle.
type Config struct {
	APIKey          string
	BaseURL         string
	Model           string
	MaxOutputTokens int64
	Temperature     float64
	// Enrich adds a product identification call before each query is
	// built. ReconModel overrides Model for that call.
	Enrich     bool
	ReconModel string
	Logger     *zap.Logger
}

// Client implements batchfilter.Oracle and the pipeline query builder.
type Client struct {
	chat      ChatClient
	gate      Gate
	model      string
	reconModel string
	enrich     bool
	maxTokens  int64
	temp      float64
	logger    *zap.Logger

	decisionSchema *jsonschema.Schema
	querySchema    *jsonschema.Schema
	reconSchema    *jsonschema.Schema
}

// NewFromConfig constructs a client backed by the default openai-go HTTP
// client. Retries are left to the gate.
func NewFromConfig(cfg Config, gate Gate) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("oracle api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	c := openai.NewClient(opts...)
	return New(cfg, &c.Chat.Completions, gate)
}

// New builds a client around chat.
func New(cfg Config, chat ChatClient, gate Gate) (*Client, error) {
	if chat == nil {
		return nil, errors.New("chat client is required")
	}
	if gate == nil {
		return nil, errors.New("call gate is required")
	}
	if cfg.Model == "" {
		cfg.Model = string(shared.ChatModelGPT4oMini)
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = 2048
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	decisions, err := compileSchema("decisions.json", decisionSchemaJSON)
	if err != nil {
		return nil, err
	}
	query, err := compileSchema("query.json", querySchemaJSON)
	if err != nil {
		return nil, err
	}
	recon, err := compileSchema("recon.json", reconSchemaJSON)
	if err != nil {
		return nil, err
	}
	if cfg.ReconModel == "" {
		cfg.ReconModel = cfg.Model
	}
	return &Client{
		chat:           chat,
		gate:           gate,
		model:          cfg.Model,
		reconModel:     cfg.ReconModel,
		enrich:         cfg.Enrich,
		maxTokens:      cfg.MaxOutputTokens,
		temp:           cfg.Temperature,
		logger:         logger.Named("oracle"),
		decisionSchema: decisions,
		querySchema:    query,
		reconSchema:    recon,
	}, nil
}

// complete sends one system+user exchange to model and returns the raw reply.
func (c *Client) complete(ctx context.Context, model, system, user string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		MaxCompletionTokens: openai.Int(c.maxTokens),
		Temperature:         openai.Float(c.temp),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	}
	var content string
	err := c.gate.Call(ctx, session.FromContext(ctx), func(ctx context.Context) error {
		resp, err := c.chat.New(ctx, params)
		if err != nil {
			return classify(err)
		}
		if resp == nil || len(resp.Choices) == 0 {
			return fmt.Errorf("%w: no choices", deal.ErrInvalidResponse)
		}
		content = resp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return "", err
	}
	return content, nil
}

// classify turns throttling responses into callgate.RateLimitError so the
// gate retries them.
func classify(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("chat completion: %w", err)
	}
	msg := strings.TrimSpace(apiErr.Message)
	if apiErr.StatusCode == http.StatusTooManyRequests {
		header := ""
		if apiErr.Response != nil {
			header = apiErr.Response.Header.Get("Retry-After")
		}
		return &callgate.RateLimitError{
			RetryAfter: callgate.ParseRetryAfter(header, msg),
			Err:        fmt.Errorf("chat completion throttled: %s", msg),
		}
	}
	return fmt.Errorf("chat completion status %d: %s", apiErr.StatusCode, msg)
}

func compileSchema(name, doc string) (*jsonschema.Schema, error) {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, parsed); err != nil {
		return nil, fmt.Errorf("add %s: %w", name, err)
	}
	sch, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	return sch, nil
}

// decode validates raw against sch and returns the parsed document.
func decode(sch *jsonschema.Schema, raw string) (any, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", deal.ErrInvalidResponse, err)
	}
	if err := sch.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", deal.ErrInvalidResponse, err)
	}
	return doc, nil
}
