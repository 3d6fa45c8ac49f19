package chat

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"testscribe/internal/domain"
)

const assistantTemplate = `You are an AI assistant that specializes in web automation and test code generation, with expertise in Playwright (TypeScript), Cypress, and Selenium frameworks.

The current date is {{currentDateTime}}.

Core capabilities:
- Generating automated test case code for web forms and UI elements.
- Processing DOM extraction data (JSON with "dom_insp_extr_data_json": true marker) and maintaining its full context throughout the conversation.
- Analyzing web page structures, XPaths, various selector types (CSS, ID, Name, Text), and element attributes to identify the most robust and stable interaction strategies.
- Creating comprehensive test scripts for form interactions, validations, and UI automation.
- Explaining test code logic, web automation concepts, and best practices clearly.

When users provide DOM extraction data (marked with "dom_insp_extr_data_json": true), you will reference the exact JSON content, XPaths, element attributes, and structure accurately in your responses.

For test code generation, you provide:
- Complete, runnable test scripts in the requested framework.
- Clear explanations of the test logic and approach.
- **Best practices for element selection**: Always prioritize resilient locators such as unique IDs (` + "`#myId`" + `), ` + "`data-test`" + ` attributes (` + "`[data-test=\"my-element\"]`" + `), meaningful ARIA attributes (` + "`[role=\"button\"]`" + `), or human-readable text-based selectors (` + "`page.getByText('Submit')`" + `, ` + "`page.getByLabel('Customer Name')`" + `). **When using XPaths, always prefix them explicitly with ` + "`xpath=`" + `** (e.g., ` + "`page.locator('xpath=//button[@id=\"submit\"]')`" + `) to avoid ambiguity and ensure correct parsing by the framework. Also include best practices for waits and assertions.
- Comprehensive handling of different input types (text, dropdowns, checkboxes, radio buttons).
- Detailed steps for form submission and validation.

You communicate in a professional, clear, and helpful manner. You provide thorough responses for complex queries but keep simple questions concise. You use code blocks with proper syntax highlighting for generated scripts.

Your knowledge cutoff is January 2025. You will inform users if they ask about framework features or updates after this date.

You maintain conversation context and can reference previously discussed DOM data, test requirements, or code throughout the chat session.
`

const toolGuidance = "You are a helpful assistant. When using tools, always provide a clear response based on the tool results. After executing any tool, explain what you found or accomplished."

// Headers that open the synthetic attachment messages. A conversation
// that already carries one is not sent the block again.
const (
	DOMHeader      = "--- ATTACHED DOM EXTRACTION DATA ---"
	ExternalHeader = "--- ATTACHED EXTERNAL CONTEXT ---"
)

const toolSummaryIntro = "Based on the following tool results, please provide a helpful response:\n\n"

// isoMillis matches JavaScript's Date.toISOString.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// SystemPrompt renders the assistant prompt for now, with the tool
// guidance appended when tools are active.
func SystemPrompt(now time.Time, withTools bool) string {
	p := strings.ReplaceAll(assistantTemplate, "{{currentDateTime}}", now.UTC().Format(isoMillis))
	if withTools {
		p += "\n\n" + toolGuidance
	}
	return p
}

// baseMessages returns msgs, or a single user message holding prompt
// when msgs is empty.
func baseMessages(msgs []domain.TurnMessage, prompt *string) []domain.TurnMessage {
	if len(msgs) > 0 {
		return msgs
	}
	var text string
	if prompt != nil {
		text = *prompt
	}
	return []domain.TurnMessage{{Role: domain.RoleUser, Content: text}}
}

// WithAttachments prepends the attachment blocks to msgs. The external
// context block ends up first and the DOM block second; each is added
// only when it has content and no user message already carries it.
func WithAttachments(msgs []domain.TurnMessage, atts []domain.AttachmentMeta) []domain.TurnMessage {
	if len(atts) == 0 {
		return msgs
	}

	out := msgs
	if block := domBlock(atts); block != "" && !carries(msgs, DOMHeader) {
		out = append([]domain.TurnMessage{{Role: domain.RoleUser, Content: block}}, out...)
	}
	if block := externalBlock(atts); block != "" && !carries(out, ExternalHeader) {
		out = append([]domain.TurnMessage{{Role: domain.RoleUser, Content: block}}, out...)
	}
	return out
}

func carries(msgs []domain.TurnMessage, header string) bool {
	for _, m := range msgs {
		if m.Role == domain.RoleUser && strings.Contains(m.Content, header) {
			return true
		}
	}
	return false
}

func domBlock(atts []domain.AttachmentMeta) string {
	var parts []string
	for _, a := range atts {
		if a.DomInspExtractData && a.Content != "" {
			parts = append(parts, "Attachment: "+a.Name+"\n\n```json\n"+a.Content+"\n```")
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return DOMHeader + "\n" +
		"DOM extraction data provided by the user. This data persists throughout our conversation - always refer to this exact data when answering questions about the JSON, elements, XPaths, or any related content:\n\n" +
		strings.Join(parts, "\n\n") + "\n--- END ATTACHMENT DATA ---"
}

func externalBlock(atts []domain.AttachmentMeta) string {
	var parts []string
	for _, a := range atts {
		if a.ExternalContext && a.Content != "" {
			parts = append(parts, "Attachment: "+a.Name+"\n\n```\n"+a.Content+"\n```")
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return ExternalHeader + "\n" +
		"The following framework reference material is provided by the user. Use it as guidance and ground truth when writing code, picking APIs, and proposing examples. Do not quote excessively; summarize and apply appropriately.\n\n" +
		strings.Join(parts, "\n\n") + "\n--- END EXTERNAL CONTEXT ---"
}

// toolSummary is the user message of the second generation phase.
func toolSummary(results []domain.ToolResultEvent) string {
	blocks := make([]string, len(results))
	for i, r := range results {
		blocks[i] = "Tool: " + r.ToolName + "\nResult: " + indentJSON(r.Result)
	}
	return toolSummaryIntro + strings.Join(blocks, "\n\n")
}

func indentJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

func providerMessages(system string, msgs []domain.TurnMessage) []domain.Message {
	out := make([]domain.Message, 0, len(msgs)+1)
	out = append(out, domain.Message{Role: domain.RoleSystem, Content: system})
	for _, m := range msgs {
		out = append(out, domain.Message{Role: m.Role, Content: m.Content})
	}
	return out
}
