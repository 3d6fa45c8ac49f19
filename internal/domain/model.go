package domain

// ModelEntry is a resolved model catalog row: the provider family and the
// concrete model id behind a user-facing name.
type ModelEntry struct {
	Name   string
	Family ProviderFamily
	Model  string

	// GroqTuned entries are sent with parallel tool calls and the flex
	// service tier; Reasoning adds parsed reasoning output.
	GroqTuned bool
	Reasoning bool

	// BrowserSearch entries accept the provider builtin web search tool.
	BrowserSearch bool
}

// Options returns the provider options carried by requests for e.
func (e ModelEntry) Options() map[string]any {
	if !e.GroqTuned {
		return nil
	}
	opts := map[string]any{
		"parallel_tool_calls": true,
		"service_tier":        "flex",
	}
	if e.Reasoning {
		opts["reasoning_format"] = "parsed"
	}
	return opts
}
