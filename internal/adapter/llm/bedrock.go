package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"testscribe/internal/domain"
	"testscribe/internal/infra/config"
	"testscribe/internal/infra/tracer"
)

const bedrockDefaultRegion = "us-east-1"

// converseClient is the slice of the Bedrock runtime client the provider calls.
type converseClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// BedrockProvider serves the bedrock family through the Converse API.
// Credentials come from the AWS default chain, never from the client's
// provider keys.
type BedrockProvider struct {
	name      string
	maxTokens int
	rt        converseClient
	logger    *slog.Logger
}

func NewBedrockProvider(ctx context.Context, cfg config.ProviderConfig, logger *slog.Logger) (*BedrockProvider, error) {
	region := cfg.Region
	if region == "" {
		region = bedrockDefaultRegion
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("aws config for %s: %w", region, err)
	}
	return newBedrockWith(bedrockruntime.NewFromConfig(awsCfg), cfg.Name, cfg.MaxTokens, logger), nil
}

func newBedrockWith(rt converseClient, name string, maxTokens int, logger *slog.Logger) *BedrockProvider {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &BedrockProvider{name: name, maxTokens: maxTokens, rt: rt, logger: logger}
}

func (p *BedrockProvider) Name() string { return p.name }

func (p *BedrockProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	ctx, span := startChatSpan(ctx, p.name, req.Model, false)
	defer span.End()

	out, err := p.rt.Converse(ctx, buildConverseRequest(req, p.maxTokens).converse())
	if err != nil {
		tracer.RecordError(span, err)
		return nil, mapBedrockError(err)
	}

	resp := bedrockResponse(out, req.Model)
	setUsageAttrs(span, resp.Usage)
	tracer.SetOK(span)
	logChatCompleted(p.logger, p.name, resp)
	return resp, nil
}

func (p *BedrockProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	ctx, span := startChatSpan(ctx, p.name, req.Model, true)

	out, err := p.rt.ConverseStream(ctx, buildConverseRequest(req, p.maxTokens).stream())
	if err != nil {
		tracer.RecordError(span, err)
		span.End()
		return nil, mapBedrockError(err)
	}

	ch := make(chan domain.StreamDelta, 16)
	go func() {
		defer close(ch)
		defer span.End()

		events := out.GetStream()
		defer events.Close()

		send := func(d domain.StreamDelta) bool {
			select {
			case ch <- d:
				return true
			case <-ctx.Done():
				return false
			}
		}

		dec := newStreamDecoder()
		for evt := range events.Events() {
			d, ok := dec.decode(evt)
			if !ok {
				continue
			}
			if d.Usage != nil {
				setUsageAttrs(span, *d.Usage)
			}
			if !send(d) {
				return
			}
		}

		if err := events.Err(); err != nil && ctx.Err() == nil {
			tracer.RecordError(span, err)
			send(domain.StreamDelta{Done: true, Err: mapBedrockError(err)})
			return
		}
		tracer.SetOK(span)
	}()
	return ch, nil
}

// converseRequest carries the fields Converse and ConverseStream share.
type converseRequest struct {
	model     *string
	system    []types.SystemContentBlock
	messages  []types.Message
	inference *types.InferenceConfiguration
	tools     *types.ToolConfiguration
}

func buildConverseRequest(req domain.ChatRequest, defaultMax int) converseRequest {
	limit := req.MaxTokens
	if limit <= 0 {
		limit = defaultMax
	}
	r := converseRequest{
		model:     aws.String(req.Model),
		inference: &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(limit))},
		tools:     bedrockTools(req.Tools),
	}
	if req.Temperature > 0 {
		r.inference.Temperature = aws.Float32(float32(req.Temperature))
	}

	system, turns := domain.SystemPrompt(req.Messages)
	if system != "" {
		r.system = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: system}}
	}
	for _, m := range turns {
		if msg, ok := bedrockTurn(m); ok {
			r.messages = append(r.messages, msg)
		}
	}
	return r
}

func (r converseRequest) converse() *bedrockruntime.ConverseInput {
	return &bedrockruntime.ConverseInput{
		ModelId:         r.model,
		System:          r.system,
		Messages:        r.messages,
		InferenceConfig: r.inference,
		ToolConfig:      r.tools,
	}
}

func (r converseRequest) stream() *bedrockruntime.ConverseStreamInput {
	return &bedrockruntime.ConverseStreamInput{
		ModelId:         r.model,
		System:          r.system,
		Messages:        r.messages,
		InferenceConfig: r.inference,
		ToolConfig:      r.tools,
	}
}

// bedrockTurn maps one conversation message. Tool results travel as user
// turns; system messages have already been lifted out.
func bedrockTurn(m domain.Message) (types.Message, bool) {
	switch m.Role {
	case domain.RoleUser:
		return types.Message{
			Role:    types.ConversationRoleUser,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
		}, true
	case domain.RoleTool:
		result := types.ToolResultBlock{
			ToolUseId: aws.String(toolCallIDOf(m)),
			Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: m.Content}},
		}
		return types.Message{
			Role:    types.ConversationRoleUser,
			Content: []types.ContentBlock{&types.ContentBlockMemberToolResult{Value: result}},
		}, true
	case domain.RoleAssistant:
		var blocks []types.ContentBlock
		if m.Content != "" {
			blocks = append(blocks, &types.ContentBlockMemberText{Value: m.Content})
		}
		for _, tc := range m.ToolCalls {
			blocks = append(blocks, &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
				ToolUseId: aws.String(tc.ID),
				Name:      aws.String(tc.Name),
				Input:     jsonDocument(tc.Arguments, map[string]any{}),
			}})
		}
		return types.Message{Role: types.ConversationRoleAssistant, Content: blocks}, true
	}
	return types.Message{}, false
}

// jsonDocument wraps a JSON object for the Bedrock document model, using
// fallback when raw is empty or not an object.
func jsonDocument(raw json.RawMessage, fallback map[string]any) document.Interface {
	var obj map[string]any
	if len(raw) == 0 || json.Unmarshal(raw, &obj) != nil || obj == nil {
		obj = fallback
	}
	return document.NewLazyDocument(obj)
}

// documentJSON is the inverse of jsonDocument. Undecodable input maps to {}.
func documentJSON(doc document.Interface) json.RawMessage {
	empty := json.RawMessage("{}")
	if doc == nil {
		return empty
	}
	var v any
	if err := doc.UnmarshalSmithyDocument(&v); err != nil {
		return empty
	}
	data, err := json.Marshal(v)
	if err != nil {
		return empty
	}
	return data
}

// bedrockTools declares the function tools. Builtin tools have no Bedrock
// equivalent and are left out; nil means no tool config at all.
func bedrockTools(schemas []domain.ToolSchema) *types.ToolConfiguration {
	var specs []types.Tool
	for _, s := range schemas {
		if s.Type != "" {
			continue
		}
		specs = append(specs, &types.ToolMemberToolSpec{Value: types.ToolSpecification{
			Name:        aws.String(s.Name),
			Description: aws.String(s.Description),
			InputSchema: &types.ToolInputSchemaMemberJson{
				Value: jsonDocument(s.Parameters, map[string]any{"type": "object"}),
			},
		}})
	}
	if len(specs) == 0 {
		return nil
	}
	return &types.ToolConfiguration{Tools: specs}
}

func bedrockUsage(u *types.TokenUsage) domain.Usage {
	in, out := int(aws.ToInt32(u.InputTokens)), int(aws.ToInt32(u.OutputTokens))
	return domain.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
}

func bedrockResponse(out *bedrockruntime.ConverseOutput, model string) *domain.ChatResponse {
	now := time.Now()
	resp := &domain.ChatResponse{
		Model:     model,
		CreatedAt: now,
		Message:   domain.Message{Role: domain.RoleAssistant, Timestamp: now},
	}
	if out.Usage != nil {
		resp.Usage = bedrockUsage(out.Usage)
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return resp
	}
	var text strings.Builder
	for _, block := range msg.Value.Content {
		switch b := block.(type) {
		case *types.ContentBlockMemberText:
			text.WriteString(b.Value)
		case *types.ContentBlockMemberToolUse:
			resp.Message.ToolCalls = append(resp.Message.ToolCalls, domain.ToolCall{
				ID:        aws.ToString(b.Value.ToolUseId),
				Name:      aws.ToString(b.Value.Name),
				Arguments: documentJSON(b.Value.Input),
			})
		}
	}
	resp.Message.Content = text.String()
	return resp
}

// streamDecoder turns ConverseStream events into deltas. Bedrock numbers
// content blocks across text and tool use; deltas carry the tool's ordinal
// among tool blocks only.
type streamDecoder struct {
	toolSlot map[int32]int
}

func newStreamDecoder() *streamDecoder {
	return &streamDecoder{toolSlot: make(map[int32]int)}
}

// decode reports false for events that produce no delta.
func (d *streamDecoder) decode(evt types.ConverseStreamOutput) (domain.StreamDelta, bool) {
	switch e := evt.(type) {
	case *types.ConverseStreamOutputMemberContentBlockStart:
		start, ok := e.Value.Start.(*types.ContentBlockStartMemberToolUse)
		if !ok {
			break
		}
		slot := len(d.toolSlot)
		d.toolSlot[aws.ToInt32(e.Value.ContentBlockIndex)] = slot
		return domain.StreamDelta{ToolCalls: placeToolCall(nil, slot, domain.ToolCall{
			ID:   aws.ToString(start.Value.ToolUseId),
			Name: aws.ToString(start.Value.Name),
		})}, true

	case *types.ConverseStreamOutputMemberContentBlockDelta:
		switch delta := e.Value.Delta.(type) {
		case *types.ContentBlockDeltaMemberText:
			return domain.StreamDelta{Content: delta.Value}, true
		case *types.ContentBlockDeltaMemberToolUse:
			slot, known := d.toolSlot[aws.ToInt32(e.Value.ContentBlockIndex)]
			if !known {
				break
			}
			return domain.StreamDelta{ToolCalls: placeToolCall(nil, slot, domain.ToolCall{
				Arguments: json.RawMessage(aws.ToString(delta.Value.Input)),
			})}, true
		}

	case *types.ConverseStreamOutputMemberMetadata:
		done := domain.StreamDelta{Done: true}
		if e.Value.Usage != nil {
			u := bedrockUsage(e.Value.Usage)
			done.Usage = &u
		}
		return done, true
	}
	return domain.StreamDelta{}, false
}

// bedrockErrorKinds maps AWS error codes to domain sentinels.
// ValidationException is handled separately since only some are overflows.
var bedrockErrorKinds = map[string]error{
	"ThrottlingException":         domain.ErrRateLimit,
	"TooManyRequestsException":    domain.ErrRateLimit,
	"AccessDeniedException":       domain.ErrAuthInvalid,
	"UnrecognizedClientException": domain.ErrAuthInvalid,
	"ModelNotReadyException":      domain.ErrProviderError,
	"ServiceUnavailableException": domain.ErrProviderError,
	"InternalServerException":     domain.ErrProviderError,
}

func mapBedrockError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return domain.WrapOp("bedrock", err)
	}
	code := apiErr.ErrorCode()
	if kind, ok := bedrockErrorKinds[code]; ok {
		return fmt.Errorf("%w: %s", kind, err.Error())
	}
	if code == "ValidationException" && strings.Contains(err.Error(), "too long") {
		return fmt.Errorf("%w: %s", domain.ErrContextOverflow, err.Error())
	}
	return domain.WrapOp("bedrock", err)
}
