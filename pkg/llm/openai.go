package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/packages/ssestream"
)

var _ Client = (*OpenAI)(nil)

const (
	oaiFinishReasonStop          = "stop"
	oaiFinishReasonToolCalls     = "tool_calls"
	oaiFinishReasonLength        = "length"
	oaiFinishReasonContentFilter = "content_filter"

	defaultChatModel   = "gpt-4o-mini"
	defaultImageModel  = openai.ImageModelDallE3
	defaultRealtimeURL = "https://api.openai.com/v1/realtime/sessions"
)

// OpenAI implements Client on the OpenAI API.
type OpenAI struct {
	oc          openai.Client
	apiKey      string
	chatModel   string
	imageModel  string
	realtimeURL string
	hc          *http.Client

	// imageGen, when set, overrides the built-in DALL-E backend.
	imageGen ImageGenerator
}

// OpenAIOption configures an OpenAI client.
type OpenAIOption func(*OpenAI)

// WithChatModel sets the chat completion model.
func WithChatModel(model string) OpenAIOption {
	return func(c *OpenAI) { c.chatModel = model }
}

// WithImageModel sets the image generation model.
func WithImageModel(model string) OpenAIOption {
	return func(c *OpenAI) { c.imageModel = model }
}

// WithImageGenerator routes GenerateImage to an alternate backend,
// e.g. a Gemini image generator.
func WithImageGenerator(g ImageGenerator) OpenAIOption {
	return func(c *OpenAI) { c.imageGen = g }
}

// WithRealtimeURL overrides the realtime session minting endpoint.
func WithRealtimeURL(url string) OpenAIOption {
	return func(c *OpenAI) { c.realtimeURL = url }
}

// WithHTTPClient sets the HTTP client used for realtime session minting.
func WithHTTPClient(hc *http.Client) OpenAIOption {
	return func(c *OpenAI) { c.hc = hc }
}

// NewOpenAI creates an OpenAI-backed Client.
func NewOpenAI(apiKey string, opts ...OpenAIOption) *OpenAI {
	c := &OpenAI{
		oc:          openai.NewClient(option.WithAPIKey(apiKey)),
		apiKey:      apiKey,
		chatModel:   defaultChatModel,
		imageModel:  defaultImageModel,
		realtimeURL: defaultRealtimeURL,
		hc:          http.DefaultClient,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *OpenAI) ChatComplete(ctx context.Context, msgs []Message, tools []*Tool) (*Completion, error) {
	params, err := c.chatParams(msgs)
	if err != nil {
		return nil, err
	}
	if len(tools) > 0 {
		for _, t := range tools {
			params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
				Function: openai.FunctionDefinitionParam{
					Name:        t.Name,
					Description: param.NewOpt(t.Description),
					Parameters:  convSchemaForFunc(t.Argument),
				},
			})
		}
		params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{
			OfAuto: param.NewOpt("auto"),
		}
	}

	resp, err := c.oc.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llm: no choices")
	}
	choice := resp.Choices[0]
	if choice.Message.Refusal != "" {
		return nil, fmt.Errorf("llm: completion blocked: %s", choice.Message.Refusal)
	}

	out := &Completion{Usage: oaiConvUsage(&resp.Usage)}
	switch choice.FinishReason {
	case oaiFinishReasonToolCalls:
		for _, tc := range choice.Message.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
	case oaiFinishReasonStop, oaiFinishReasonLength:
		out.Text = choice.Message.Content
	default:
		return nil, fmt.Errorf("llm: unexpected finish reason: %s", choice.FinishReason)
	}
	return out, nil
}

func (c *OpenAI) ChatCompleteStream(ctx context.Context, msgs []Message) (Stream, error) {
	params, err := c.chatParams(msgs)
	if err != nil {
		return nil, err
	}
	sb := NewStreamBuilder(32)
	go func() {
		if err := oaiPull(sb, c.oc.Chat.Completions.NewStreaming(ctx, params)); err != nil {
			sb.Abort(err)
		}
	}()
	return sb.Stream(), nil
}

func oaiPull(sb *StreamBuilder, stream *ssestream.Stream[openai.ChatCompletionChunk]) error {
	defer stream.Close()
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		sel := chunk.Choices[0]
		if s := sel.Delta.Content; s != "" {
			if err := sb.Add(s); err != nil {
				return err
			}
		}
		if s := sel.Delta.Refusal; s != "" {
			return fmt.Errorf("llm: stream blocked: %s", s)
		}
		switch sel.FinishReason {
		case oaiFinishReasonStop, oaiFinishReasonLength, oaiFinishReasonToolCalls:
			return sb.Done()
		case oaiFinishReasonContentFilter:
			return fmt.Errorf("llm: stream blocked: content filter")
		}
	}
	if err := stream.Err(); err != nil {
		return err
	}
	return sb.Done()
}

func (c *OpenAI) GenerateImage(ctx context.Context, prompt string) (string, error) {
	if c.imageGen != nil {
		return c.imageGen.GenerateImage(ctx, prompt)
	}
	resp, err := c.oc.Images.Generate(ctx, openai.ImageGenerateParams{
		Model:          c.imageModel,
		Prompt:         prompt,
		N:              param.NewOpt(int64(1)),
		Size:           openai.ImageGenerateParamsSize1024x1024,
		ResponseFormat: openai.ImageGenerateParamsResponseFormatURL,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return "", fmt.Errorf("llm: image generation returned no image")
	}
	return resp.Data[0].URL, nil
}

// CreateRealtimeSession mints an ephemeral realtime session via the
// sessions endpoint and returns the raw session document. The document's
// client_secret is short-lived and safe to hand to an end-user client.
func (c *OpenAI) CreateRealtimeSession(ctx context.Context, cfg RealtimeSessionConfig) (json.RawMessage, error) {
	body, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.realtimeURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("llm: create realtime session: status %d: %s", resp.StatusCode, raw)
	}
	return json.RawMessage(raw), nil
}

func (c *OpenAI) chatParams(msgs []Message) (openai.ChatCompletionNewParams, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for i := range msgs {
		mp, err := convMessage(&msgs[i])
		if err != nil {
			return openai.ChatCompletionNewParams{}, err
		}
		out = append(out, mp)
	}
	return openai.ChatCompletionNewParams{
		Messages: out,
		Model:    c.chatModel,
	}, nil
}

func convMessage(msg *Message) (openai.ChatCompletionMessageParamUnion, error) {
	switch p := msg.Payload.(type) {
	case Text:
		switch msg.Role {
		case RoleSystem:
			return openai.SystemMessage(string(p)), nil
		case RoleUser:
			return openai.UserMessage(string(p)), nil
		case RoleAssistant:
			return openai.AssistantMessage(string(p)), nil
		default:
			return openai.ChatCompletionMessageParamUnion{}, fmt.Errorf(
				"llm: unexpected role %q for text message", msg.Role)
		}
	case *ToolCall:
		return openai.ChatCompletionMessageParamUnion{
			OfAssistant: &openai.ChatCompletionAssistantMessageParam{
				ToolCalls: []openai.ChatCompletionMessageToolCallParam{
					{
						ID: p.ID,
						Function: openai.ChatCompletionMessageToolCallFunctionParam{
							Name:      p.Name,
							Arguments: p.Arguments,
						},
					},
				},
			},
		}, nil
	case *ToolResult:
		return openai.ToolMessage(p.Result, p.ID), nil
	default:
		return openai.ChatCompletionMessageParamUnion{}, fmt.Errorf(
			"llm: unexpected payload type %T", p)
	}
}

func convSchemaForFunc(s *jsonschema.Schema) openai.FunctionParameters {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(formatStrictSchema(s.CloneSchemas()))
	if err != nil {
		return nil
	}
	var m openai.FunctionParameters
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}

func oaiConvUsage(usage *openai.CompletionUsage) Usage {
	return Usage{
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
	}
}
