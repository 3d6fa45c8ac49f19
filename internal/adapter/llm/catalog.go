package llm

import (
	"sort"
	"strings"

	"testscribe/internal/domain"
	"testscribe/internal/infra/config"
)

// Entry is a resolved catalog row.
type Entry = domain.ModelEntry

// DefaultEntry is used for every name the catalog does not know.
var DefaultEntry = Entry{Name: "gemini-2.5-flash", Family: domain.FamilyGoogle, Model: "gemini-2.5-flash"}

// Catalog resolves model names by exact match.
type Catalog struct {
	entries  map[string]Entry
	order    []string
	fallback Entry
}

// NewCatalog builds the chat catalog: the built-in table plus configured
// extra entries. Extras override built-ins of the same name.
func NewCatalog(extra []config.ModelConfig) *Catalog {
	c := newCatalog(DefaultEntry)
	for _, row := range chatModels {
		c.add(row)
	}
	for _, m := range extra {
		c.add(Entry{Name: m.Name, Family: domain.ProviderFamily(m.Family), Model: m.Model})
	}
	return c
}

// NewFormatCatalog builds the smaller table used by the prompt formatter.
func NewFormatCatalog() *Catalog {
	c := newCatalog(DefaultEntry)
	for _, row := range formatModels {
		c.add(row)
	}
	return c
}

func newCatalog(fallback Entry) *Catalog {
	return &Catalog{entries: make(map[string]Entry), fallback: fallback}
}

func (c *Catalog) add(e Entry) {
	if _, ok := c.entries[e.Name]; !ok {
		c.order = append(c.order, e.Name)
	}
	c.entries[e.Name] = e
}

// Resolve maps a name to its entry. Surrounding whitespace is ignored and
// unknown names resolve to the fallback; Resolve never fails.
func (c *Catalog) Resolve(name string) Entry {
	if e, ok := c.entries[strings.TrimSpace(name)]; ok {
		return e
	}
	return c.fallback
}

// Lookup reports whether name is a known entry.
func (c *Catalog) Lookup(name string) (Entry, bool) {
	e, ok := c.entries[strings.TrimSpace(name)]
	return e, ok
}

// Names lists entry names in table order.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.order...)
}

// Families groups entry names by family, each group sorted.
func (c *Catalog) Families() map[domain.ProviderFamily][]string {
	out := make(map[domain.ProviderFamily][]string)
	for _, name := range c.order {
		e := c.entries[name]
		out[e.Family] = append(out[e.Family], name)
	}
	for _, names := range out {
		sort.Strings(names)
	}
	return out
}

func openai(name, model string) Entry {
	return Entry{Name: name, Family: domain.FamilyOpenAI, Model: model}
}

func anthropic(name, model string) Entry {
	return Entry{Name: name, Family: domain.FamilyAnthropic, Model: model}
}

func google(name, model string) Entry {
	return Entry{Name: name, Family: domain.FamilyGoogle, Model: model}
}

func groq(name, model string) Entry {
	return Entry{Name: name, Family: domain.FamilyGroq, Model: model}
}

func groqTuned(name, model string) Entry {
	e := groq(name, model)
	e.GroqTuned = true
	return e
}

func groqReasoning(name, model string) Entry {
	e := groqTuned(name, model)
	e.Reasoning = true
	return e
}

func groqSearch(name, model string) Entry {
	e := groqTuned(name, model)
	e.BrowserSearch = true
	return e
}

func bedrock(name, model string) Entry {
	return Entry{Name: name, Family: domain.FamilyBedrock, Model: model}
}

// same builds entries whose name is the model id.
func same(family func(string, string) Entry, ids ...string) []Entry {
	out := make([]Entry, len(ids))
	for i, id := range ids {
		out[i] = family(id, id)
	}
	return out
}

var chatModels = concat(
	[]Entry{
		openai("GPT-4.1", "gpt-4.1"),
		openai("GPT-4.1 Mini", "gpt-4.1-mini"),
	},
	same(openai,
		"gpt-4.1", "gpt-4.1-mini", "gpt-4.1-nano", "gpt-4o", "gpt-4o-mini",
		"gpt-4o-audio-preview", "gpt-4-turbo", "gpt-4", "gpt-3.5-turbo",
		"o1", "o3-mini", "o3", "o4-mini", "chatgpt-4o-latest",
		"gpt-5", "gpt-5-mini", "gpt-5-nano", "gpt-5-chat-latest",
	),

	[]Entry{
		anthropic("Claude 4 Opus", "claude-opus-4-20250514"),
		anthropic("Claude 4 Sonnet", "claude-sonnet-4-20250514"),
		anthropic("Claude 3.5 Sonnet", "claude-3-5-sonnet-20241022"),
		anthropic("Claude 3.5 Haiku", "claude-3-5-haiku-20241022"),
	},
	same(anthropic,
		"claude-opus-4-20250514", "claude-sonnet-4-20250514",
		"claude-3-7-sonnet-20250219", "claude-3-5-sonnet-20241022",
		"claude-3-5-sonnet-20240620", "claude-3-5-haiku-20241022",
		"claude-3-opus-20240229", "claude-3-sonnet-20240229", "claude-3-haiku-20240307",
	),

	[]Entry{
		google("Gemini 2.5 Pro", "gemini-2.5-pro"),
		google("Gemini 2.5 Flash", "gemini-2.5-flash"),
		google("Gemini 2.0 Flash", "gemini-2.0-flash"),
		google("Gemini 2.0 Flash Thinking", "gemini-2.0-flash"),
	},
	same(google,
		"gemini-2.5-pro", "gemini-2.5-flash", "gemini-2.5-flash-lite",
		"gemini-2.5-flash-lite-preview-06-17", "gemini-2.0-flash",
		"gemini-1.5-pro", "gemini-1.5-pro-latest", "gemini-1.5-flash",
		"gemini-1.5-flash-latest", "gemini-1.5-flash-8b", "gemini-1.5-flash-8b-latest",
	),

	[]Entry{
		groqReasoning("DeepSeek R1 Llama 70B", "deepseek-r1-distill-llama-70b"),
		groqReasoning("DeepSeek R1 Qwen 32B", "deepseek-r1-distill-qwen-32b"),
		groqReasoning("Qwen 3 32B", "qwen/qwen3-32b"),
		groqReasoning("Qwen QWQ 32B", "qwen-qwq-32b"),
		groq("qwen-2.5-32b", "qwen-2.5-32b"),
		groqTuned("Llama 3.3 70B", "llama-3.3-70b-versatile"),
		groqTuned("Llama 3.1 8B Instant", "llama-3.1-8b-instant"),
		groqTuned("Llama 3 70B 8k", "llama3-70b-8192"),
		groqTuned("Llama 3 8B 8k", "llama3-8b-8192"),
		groqTuned("Gemma2 9B", "gemma2-9b-it"),
		groqTuned("Mixtral 8x7B 32k", "mixtral-8x7b-32768"),
		groqTuned("Moonshot Kimi K2", "moonshotai/kimi-k2-instruct"),
		groqTuned("Llama 4 Scout 17B", "meta-llama/llama-4-scout-17b-16e-instruct"),
		groqTuned("Llama 4 Maverick 17B", "meta-llama/llama-4-maverick-17b-128e-instruct"),
		groqTuned("Llama Guard 3 8B", "llama-guard-3-8b"),
	},
	same(groq,
		"meta-llama/llama-guard-4-12b",
		"meta-llama/llama-prompt-guard-2-22m",
		"meta-llama/llama-prompt-guard-2-86m",
	),
	[]Entry{
		groqSearch("OpenAI GPT-OSS 20B (Groq)", "openai/gpt-oss-20b"),
		groqSearch("OpenAI GPT-OSS 120B (Groq)", "openai/gpt-oss-120b"),
	},
	same(groq,
		"gemma2-9b-it", "llama-3.1-8b-instant", "llama-3.3-70b-versatile",
		"deepseek-r1-distill-llama-70b",
		"meta-llama/llama-4-maverick-17b-128e-instruct",
		"meta-llama/llama-4-scout-17b-16e-instruct",
		"moonshotai/kimi-k2-instruct", "qwen/qwen3-32b", "llama-guard-3-8b",
		"llama3-70b-8192", "llama3-8b-8192", "mixtral-8x7b-32768",
		"qwen-qwq-32b", "deepseek-r1-distill-qwen-32b",
		"openai/gpt-oss-20b", "openai/gpt-oss-120b",
	),

	[]Entry{
		bedrock("Claude 3.5 Sonnet (Bedrock)", "anthropic.claude-3-5-sonnet-20241022-v2:0"),
		bedrock("Claude 3.5 Haiku (Bedrock)", "anthropic.claude-3-5-haiku-20241022-v1:0"),
		bedrock("Llama 3.3 70B (Bedrock)", "meta.llama3-3-70b-instruct-v1:0"),
	},
)

var formatModels = []Entry{
	openai("gpt-5", "gpt-5"),
	openai("gpt-5-mini", "gpt-5-mini"),
	openai("gpt-5-nano", "gpt-5-nano"),
	openai("o3", "o3"),
	openai("o4-mini", "o4-mini"),
	openai("GPT-4.1", "gpt-4.1"),
	openai("GPT-4.1 Mini", "gpt-4.1-mini"),

	anthropic("Claude 4 Opus", "claude-4-opus-latest"),
	anthropic("Claude 4 Sonnet", "claude-4-sonnet-latest"),
	anthropic("Claude 3.5 Sonnet", "claude-3-5-sonnet-20241022"),
	anthropic("Claude 3.5 Haiku", "claude-3-5-haiku-20241022"),

	google("Gemini 2.5 Pro", "gemini-2.5-pro"),
	google("Gemini 2.5 Flash", "gemini-2.5-flash"),
	google("Gemini 2.0 Flash", "gemini-2.0-flash-exp"),
	google("Gemini 2.0 Flash Thinking", "gemini-2.0-flash-thinking-exp"),

	groq("DeepSeek R1 Llama 70B", "deepseek-r1-distill-llama-70b"),
	groq("Llama 3.3 70B", "llama-3.3-70b-versatile"),
}

func concat(groups ...[]Entry) []Entry {
	var out []Entry
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}
