package llm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testscribe/internal/domain"
)

// fakeConverse answers Converse with out/err and records the request.
type fakeConverse struct {
	out       *bedrockruntime.ConverseOutput
	err       error
	streamErr error
	got       *bedrockruntime.ConverseInput
}

func (f *fakeConverse) Converse(_ context.Context, in *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.got = in
	return f.out, f.err
}

func (f *fakeConverse) ConverseStream(context.Context, *bedrockruntime.ConverseStreamInput, ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return nil, errors.New("stream not faked")
}

type awsError struct{ code, msg string }

func (e *awsError) Error() string                 { return e.code + ": " + e.msg }
func (e *awsError) ErrorCode() string             { return e.code }
func (e *awsError) ErrorMessage() string          { return e.msg }
func (e *awsError) ErrorFault() smithy.ErrorFault { return smithy.FaultServer }

func TestBedrockChat(t *testing.T) {
	fake := &fakeConverse{out: &bedrockruntime.ConverseOutput{
		Output: &types.ConverseOutputMemberMessage{Value: types.Message{
			Role: types.ConversationRoleAssistant,
			Content: []types.ContentBlock{
				&types.ContentBlockMemberText{Value: "await page.click('#login');"},
				&types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
					ToolUseId: aws.String("tu_1"),
					Name:      aws.String("SEARCH"),
					Input:     document.NewLazyDocument(map[string]any{"q": "login"}),
				}},
			},
		}},
		Usage: &types.TokenUsage{InputTokens: aws.Int32(10), OutputTokens: aws.Int32(5)},
	}}

	p := newBedrockWith(fake, "bedrock", 0, newTestLogger())
	resp, err := p.Chat(context.Background(), domain.ChatRequest{
		Model: "anthropic.claude-3-5-haiku-20241022-v1:0",
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "You write tests."},
			{Role: domain.RoleUser, Content: "Click login"},
		},
		Tools: []domain.ToolSchema{
			{Name: "SEARCH", Description: "Search"},
			{Type: domain.BuiltinBrowserSearch},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "await page.click('#login');", resp.Message.Content)
	require.Len(t, resp.Message.ToolCalls, 1)
	assert.JSONEq(t, `{"q":"login"}`, string(resp.Message.ToolCalls[0].Arguments))
	assert.Equal(t, 15, resp.Usage.TotalTokens)

	in := fake.got
	assert.Equal(t, "anthropic.claude-3-5-haiku-20241022-v1:0", aws.ToString(in.ModelId))
	assert.Len(t, in.System, 1)
	assert.Len(t, in.Messages, 1)
	assert.EqualValues(t, 4096, aws.ToInt32(in.InferenceConfig.MaxTokens))
	require.NotNil(t, in.ToolConfig)
	assert.Len(t, in.ToolConfig.Tools, 1, "builtin tools are not sent")
}

func TestBedrockTools_OnlyBuiltins(t *testing.T) {
	assert.Nil(t, bedrockTools([]domain.ToolSchema{{Type: domain.BuiltinBrowserSearch}}))
}

func TestBuildConverseRequest(t *testing.T) {
	r := buildConverseRequest(domain.ChatRequest{
		Model: "m",
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "go"},
			{Role: domain.RoleAssistant, Content: "ok", ToolCalls: []domain.ToolCall{{ID: "c1", Name: "T", Arguments: json.RawMessage(`{"a":1}`)}}},
			{Role: domain.RoleTool, ToolCallID: "c1", Content: "done"},
		},
		MaxTokens:   2048,
		Temperature: 0.5,
	}, 4096)

	require.Len(t, r.messages, 3)
	assert.Equal(t, types.ConversationRoleAssistant, r.messages[1].Role)
	assert.Len(t, r.messages[1].Content, 2)

	assert.Equal(t, types.ConversationRoleUser, r.messages[2].Role)
	res, ok := r.messages[2].Content[0].(*types.ContentBlockMemberToolResult)
	require.True(t, ok)
	assert.Equal(t, "c1", aws.ToString(res.Value.ToolUseId))

	assert.EqualValues(t, 2048, aws.ToInt32(r.inference.MaxTokens))
	assert.EqualValues(t, 0.5, aws.ToFloat32(r.inference.Temperature))

	in, stream := r.converse(), r.stream()
	assert.Equal(t, in.Messages, stream.Messages)
	assert.Equal(t, in.ModelId, stream.ModelId)
}

func TestDocumentJSON_Fallbacks(t *testing.T) {
	assert.JSONEq(t, `{}`, string(documentJSON(nil)))
	assert.JSONEq(t, `{"type":"object"}`, string(documentJSON(jsonDocument(json.RawMessage(`[1]`), map[string]any{"type": "object"}))))
}

func TestMapBedrockError(t *testing.T) {
	cases := []struct {
		code, msg string
		want      error
	}{
		{"ThrottlingException", "rate limited", domain.ErrRateLimit},
		{"TooManyRequestsException", "too many", domain.ErrRateLimit},
		{"AccessDeniedException", "no access", domain.ErrAuthInvalid},
		{"UnrecognizedClientException", "bad token", domain.ErrAuthInvalid},
		{"ValidationException", "input is too long", domain.ErrContextOverflow},
		{"InternalServerException", "server error", domain.ErrProviderError},
		{"ServiceUnavailableException", "unavailable", domain.ErrProviderError},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			fake := &fakeConverse{err: &awsError{code: tc.code, msg: tc.msg}}
			_, err := newBedrockWith(fake, "bedrock", 0, newTestLogger()).Chat(context.Background(), domain.ChatRequest{Model: "m"})
			assert.ErrorIs(t, err, tc.want)
		})
	}

	assert.NoError(t, mapBedrockError(nil))
	assert.NotErrorIs(t, mapBedrockError(&awsError{code: "ValidationException", msg: "bad field"}), domain.ErrContextOverflow)
}

func TestBedrockChatStream_OpenError(t *testing.T) {
	fake := &fakeConverse{streamErr: &awsError{code: "AccessDeniedException", msg: "denied"}}
	_, err := newBedrockWith(fake, "bedrock", 0, newTestLogger()).ChatStream(context.Background(), domain.ChatRequest{Model: "m"})
	assert.ErrorIs(t, err, domain.ErrAuthInvalid)
}

func TestStreamDecoder(t *testing.T) {
	dec := newStreamDecoder()

	d, ok := dec.decode(&types.ConverseStreamOutputMemberContentBlockDelta{Value: types.ContentBlockDeltaEvent{
		ContentBlockIndex: aws.Int32(0),
		Delta:             &types.ContentBlockDeltaMemberText{Value: "Hello"},
	}})
	require.True(t, ok)
	assert.Equal(t, "Hello", d.Content)

	d, ok = dec.decode(&types.ConverseStreamOutputMemberContentBlockStart{Value: types.ContentBlockStartEvent{
		ContentBlockIndex: aws.Int32(1),
		Start: &types.ContentBlockStartMemberToolUse{Value: types.ToolUseBlockStart{
			ToolUseId: aws.String("tool_1"),
			Name:      aws.String("SEARCH"),
		}},
	}})
	require.True(t, ok)
	require.Len(t, d.ToolCalls, 1)
	assert.Equal(t, "tool_1", d.ToolCalls[0].ID)

	d, ok = dec.decode(&types.ConverseStreamOutputMemberContentBlockDelta{Value: types.ContentBlockDeltaEvent{
		ContentBlockIndex: aws.Int32(1),
		Delta:             &types.ContentBlockDeltaMemberToolUse{Value: types.ToolUseBlockDelta{Input: aws.String(`{"q":1}`)}},
	}})
	require.True(t, ok)
	require.Len(t, d.ToolCalls, 1)
	assert.Equal(t, `{"q":1}`, string(d.ToolCalls[0].Arguments))

	_, ok = dec.decode(&types.ConverseStreamOutputMemberContentBlockDelta{Value: types.ContentBlockDeltaEvent{
		ContentBlockIndex: aws.Int32(7),
		Delta:             &types.ContentBlockDeltaMemberToolUse{Value: types.ToolUseBlockDelta{Input: aws.String(`{}`)}},
	}})
	assert.False(t, ok, "delta for an unknown block is dropped")

	_, ok = dec.decode(&types.ConverseStreamOutputMemberMessageStop{})
	assert.False(t, ok)

	d, ok = dec.decode(&types.ConverseStreamOutputMemberMetadata{Value: types.ConverseStreamMetadataEvent{
		Usage: &types.TokenUsage{InputTokens: aws.Int32(10), OutputTokens: aws.Int32(20)},
	}})
	require.True(t, ok)
	assert.True(t, d.Done)
	require.NotNil(t, d.Usage)
	assert.Equal(t, 30, d.Usage.TotalTokens)
}
