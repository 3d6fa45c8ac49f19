package chat

import (
	"strings"
	"time"

	"testscribe/internal/domain"
)

// maxToolCalls bounds the tool call slots one response may allocate.
const maxToolCalls = 50

// streamAccumulator collects incremental deltas into a complete message.
type streamAccumulator struct {
	content   strings.Builder
	toolCalls []domain.ToolCall
	usage     domain.Usage
}

// addDelta merges one delta. Tool calls are positional: the first delta
// for a slot provides ID and Name, later ones append to Arguments.
func (acc *streamAccumulator) addDelta(delta domain.StreamDelta) {
	acc.content.WriteString(delta.Content)

	for idx, tc := range delta.ToolCalls {
		if idx >= maxToolCalls {
			break
		}
		for len(acc.toolCalls) <= idx {
			acc.toolCalls = append(acc.toolCalls, domain.ToolCall{})
		}
		existing := &acc.toolCalls[idx]
		if tc.ID != "" {
			existing.ID = tc.ID
		}
		if tc.Name != "" {
			existing.Name = tc.Name
		}
		if len(tc.Arguments) > 0 {
			existing.Arguments = append(existing.Arguments, tc.Arguments...)
		}
	}

	if delta.Usage != nil {
		acc.usage = *delta.Usage
	}
}

// build returns the accumulated message. Slots that never received a name
// are padding and are dropped.
func (acc *streamAccumulator) build(now time.Time) domain.Message {
	var calls []domain.ToolCall
	for _, tc := range acc.toolCalls {
		if tc.Name != "" {
			calls = append(calls, tc)
		}
	}
	return domain.Message{
		Role:      domain.RoleAssistant,
		Content:   acc.content.String(),
		ToolCalls: calls,
		Timestamp: now,
	}
}
