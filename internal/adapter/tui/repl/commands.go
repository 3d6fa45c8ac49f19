package repl

import (
	"context"
	"fmt"
	"mime"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"testscribe/internal/adapter/dom"
	"testscribe/internal/adapter/tui/theme"
	"testscribe/internal/domain"
	"testscribe/internal/usecase/conversation"
	"testscribe/internal/usecase/format"
)

type command func(r *REPL, ctx context.Context, args string) (<-chan error, bool)

var commands = map[string]command{
	"help":    cmdHelp,
	"quit":    cmdQuit,
	"exit":    cmdQuit,
	"new":     cmdNew,
	"threads": cmdThreads,
	"select":  cmdSelect,
	"rename":  cmdRename,
	"delete":  cmdDelete,
	"history": cmdHistory,
	"show":    cmdShow,
	"branch":  cmdBranch,
	"edit":    cmdEdit,
	"retry":   cmdRetry,
	"model":   cmdModel,
	"tools":   cmdTools,
	"context": cmdContext,
	"attach":  cmdAttach,
	"format":  cmdFormat,
	"keys":    cmdKeys,
	"abort":   cmdAbort,
	"tokens":  cmdTokens,
}

var helpLines = []string{
	"/new                      start a new thread",
	"/threads                  list threads",
	"/select <n|id>            switch thread",
	"/rename <title>           rename the active thread",
	"/delete [n|id]            delete a thread (default: active)",
	"/history                  list messages with their ids",
	"/show [message id]        render a message as markdown (default: last)",
	"/branch <message id>      branch the thread at a message",
	"/edit <message id> <text> edit a user message and resend",
	"/retry [message id]       regenerate a reply (default: last)",
	"/model [name]             show or pick the model",
	"/tools [ids|clear|search <q>]",
	"                          pick tools for the next messages",
	"/context [keys|clear]     attach playwright, selenium or cypress docs",
	"/attach <file>            attach a file to the next message",
	"/format <text>            rewrite a draft into a clearer prompt",
	"/keys [name=value|clear]  show or set your own API keys",
	"/abort                    stop the reply being generated",
	"/tokens                   estimated tokens in the thread",
	"/quit                     leave",
}

func cmdHelp(r *REPL, _ context.Context, _ string) (<-chan error, bool) {
	r.println(theme.Panel.Render(strings.Join(helpLines, "\n")))
	return nil, false
}

func cmdQuit(*REPL, context.Context, string) (<-chan error, bool) { return nil, true }

func async(fn func() error) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- fn() }()
	return ch
}

// send posts text with the pending attachments and any selected framework
// context the thread does not carry yet.
func (r *REPL) send(ctx context.Context, text string) <-chan error {
	docs, keys := r.frameworkAttachments(ctx)
	atts := append(r.pending, docs...)
	r.pending = nil

	r.startReply(len(r.store.ActiveThread().Messages))
	in := conversation.SendInput{Text: text, Tools: r.tools, Attachments: atts}
	return async(func() error {
		if err := r.store.SendMessage(ctx, in); err != nil {
			return err
		}
		if len(keys) == 0 {
			return nil
		}
		return r.store.MarkContextsAttached(ctx, keys...)
	})
}

func (r *REPL) frameworkAttachments(ctx context.Context) ([]domain.AttachmentMeta, []domain.FrameworkContextKey) {
	fetched := make(map[domain.FrameworkContextKey]string, len(r.contexts))
	for _, k := range r.contexts {
		if r.store.IsContextAttached(k) {
			continue
		}
		text, err := r.api.Context(ctx, k)
		if err != nil {
			r.logger.Warn("context fetch failed", "key", k, "error", err)
			r.errorf("could not fetch %s docs: %v", k, err)
			continue
		}
		fetched[k] = text
	}
	return r.store.FrameworkAttachments(r.contexts, fetched)
}

// threadID resolves a 1-based list position or a thread id. Empty means
// the active thread.
func (r *REPL) threadID(arg string) (string, error) {
	if arg == "" {
		return r.store.ActiveThreadID(), nil
	}
	threads := r.store.Threads()
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(threads) {
			return "", fmt.Errorf("no thread #%d", n)
		}
		return threads[n-1].ID, nil
	}
	for _, t := range threads {
		if t.ID == arg {
			return t.ID, nil
		}
	}
	return "", fmt.Errorf("no thread %s", arg)
}

func cmdNew(r *REPL, ctx context.Context, _ string) (<-chan error, bool) {
	t, err := r.store.NewThread(ctx)
	if err != nil {
		r.errorf("%v", err)
		return nil, false
	}
	r.okf("new thread %s", t.ID)
	return nil, false
}

func cmdThreads(r *REPL, _ context.Context, _ string) (<-chan error, bool) {
	active := r.store.ActiveThreadID()
	threads := r.store.Threads()
	lines := make([]string, len(threads))
	for i, t := range threads {
		marker := " "
		if t.ID == active {
			marker = theme.Symbols.Active
		}
		line := fmt.Sprintf("%s %d. %s %s", marker, i+1, t.Title,
			theme.Dim.Render(fmt.Sprintf("(%d messages, %s)", len(t.Messages), t.ID)))
		if t.IsBranched {
			line += theme.TextMuted.Render(" branch")
		}
		if r.store.Busy(t.ID) {
			line += theme.TextWarning.Render(" busy")
		}
		lines[i] = line
	}
	r.println(theme.Panel.MaxWidth(theme.MaxContentWidth).Render(strings.Join(lines, "\n")))
	return nil, false
}

func cmdSelect(r *REPL, ctx context.Context, args string) (<-chan error, bool) {
	if args == "" {
		r.errorf("usage: /select <n|id>")
		return nil, false
	}
	id, err := r.threadID(args)
	if err == nil {
		err = r.store.SelectThread(ctx, id)
	}
	if err != nil {
		r.errorf("%v", err)
		return nil, false
	}
	t := r.store.ActiveThread()
	r.okf("switched to %q", t.Title)
	return nil, false
}

func cmdRename(r *REPL, ctx context.Context, args string) (<-chan error, bool) {
	if args == "" {
		r.errorf("usage: /rename <title>")
		return nil, false
	}
	if err := r.store.RenameThread(ctx, r.store.ActiveThreadID(), args); err != nil {
		r.errorf("%v", err)
		return nil, false
	}
	r.okf("renamed to %q", args)
	return nil, false
}

func cmdDelete(r *REPL, ctx context.Context, args string) (<-chan error, bool) {
	id, err := r.threadID(args)
	if err == nil {
		err = r.store.DeleteThread(ctx, id)
	}
	if err != nil {
		r.errorf("%v", err)
		return nil, false
	}
	r.okf("deleted %s", id)
	return nil, false
}

func cmdHistory(r *REPL, _ context.Context, _ string) (<-chan error, bool) {
	t := r.store.ActiveThread()
	if len(t.Messages) == 0 {
		r.println(theme.Dim.Render("no messages yet"))
		return nil, false
	}
	for _, m := range t.Messages {
		label := theme.UserLabel.Render(theme.Symbols.User)
		if m.Role == domain.RoleAssistant {
			label = theme.BotLabel.Render(theme.Symbols.Bot)
		}
		content := strings.ReplaceAll(domain.Truncate(m.Content, 80), "\n", " ")
		r.println(fmt.Sprintf("%s %s %s", theme.Dim.Render(m.ID), label, content))
	}
	return nil, false
}

func cmdShow(r *REPL, _ context.Context, args string) (<-chan error, bool) {
	t := r.store.ActiveThread()
	idx := len(t.Messages) - 1
	if args != "" {
		idx = t.IndexOf(args)
	}
	if idx < 0 {
		r.errorf("no message to show")
		return nil, false
	}
	out, err := r.renderMarkdown(t.Messages[idx].Content)
	if err != nil {
		r.logger.Warn("markdown render failed", "error", err)
		out = t.Messages[idx].Content + "\n"
	}
	r.printf("%s", out)
	return nil, false
}

func cmdBranch(r *REPL, ctx context.Context, args string) (<-chan error, bool) {
	if args == "" {
		r.errorf("usage: /branch <message id>")
		return nil, false
	}
	t, err := r.store.BranchOff(ctx, args)
	if err != nil {
		r.errorf("%v", err)
		return nil, false
	}
	r.okf("branched into %q", t.Title)
	return nil, false
}

func cmdEdit(r *REPL, ctx context.Context, args string) (<-chan error, bool) {
	id, text, _ := strings.Cut(args, " ")
	text = strings.TrimSpace(text)
	if id == "" || text == "" {
		r.errorf("usage: /edit <message id> <text>")
		return nil, false
	}
	idx := r.store.ActiveThread().IndexOf(id)
	if idx < 0 {
		r.errorf("no message %s in this thread", id)
		return nil, false
	}
	r.startReply(idx)
	tools := r.tools
	return async(func() error { return r.store.EditUserMessage(ctx, id, text, tools) }), false
}

func cmdRetry(r *REPL, ctx context.Context, args string) (<-chan error, bool) {
	t := r.store.ActiveThread()
	id := args
	if id == "" {
		for i := len(t.Messages) - 1; i >= 0; i-- {
			if t.Messages[i].Role == domain.RoleAssistant {
				id = t.Messages[i].ID
				break
			}
		}
	}
	idx := t.IndexOf(id)
	if idx < 1 {
		r.errorf("nothing to retry")
		return nil, false
	}
	extra := r.pending
	r.pending = nil
	r.startReply(idx - 1)
	tools := r.tools
	return async(func() error { return r.store.Retry(ctx, id, tools, extra...) }), false
}

func cmdModel(r *REPL, ctx context.Context, args string) (<-chan error, bool) {
	if args == "" {
		r.println("model: " + theme.Bold.Render(r.store.SelectedModel()))
		return nil, false
	}
	if err := r.store.SetSelectedModel(ctx, args); err != nil {
		r.errorf("%v", err)
		return nil, false
	}
	r.okf("model set to %s", args)
	return nil, false
}

func cmdTools(r *REPL, ctx context.Context, args string) (<-chan error, bool) {
	switch {
	case args == "":
		if len(r.tools) == 0 {
			r.println("tools: none")
		} else {
			r.println("tools: " + strings.Join(r.tools, ", "))
		}
	case args == "clear":
		r.tools = nil
		r.okf("tools cleared")
	case strings.HasPrefix(args, "search"):
		r.searchTools(ctx, strings.TrimSpace(strings.TrimPrefix(args, "search")))
	default:
		r.tools = strings.Fields(args)
		r.okf("tools: %s", strings.Join(r.tools, ", "))
	}
	return nil, false
}

const maxListedTools = 20

func (r *REPL) searchTools(ctx context.Context, q string) {
	params := url.Values{}
	if q != "" {
		params.Set("search", q)
	}
	body, err := r.api.Tools(ctx, params, r.store.Keys().Composio)
	if err != nil {
		r.errorf("tool search failed: %v", err)
		return
	}
	items := gjson.GetBytes(body, "items").Array()
	if len(items) == 0 {
		r.println(theme.Dim.Render("no tools found"))
		return
	}
	for i, it := range items {
		if i == maxListedTools {
			r.println(theme.Dim.Render(fmt.Sprintf("... %d more", len(items)-maxListedTools)))
			break
		}
		desc := domain.Truncate(it.Get("description").String(), 70)
		r.println(fmt.Sprintf("%s %s %s", theme.Symbols.Bullet, theme.Bold.Render(it.Get("slug").String()), theme.Dim.Render(desc)))
	}
}

func cmdContext(r *REPL, _ context.Context, args string) (<-chan error, bool) {
	switch args {
	case "":
		selected := make(map[domain.FrameworkContextKey]bool, len(r.contexts))
		for _, k := range r.contexts {
			selected[k] = true
		}
		for _, k := range domain.FrameworkContextKeys {
			state := theme.Dim.Render("off")
			switch {
			case r.store.IsContextAttached(k):
				state = theme.TextSuccess.Render("attached")
			case selected[k]:
				state = theme.TextInfo.Render("next message")
			}
			r.println(fmt.Sprintf("%s %-10s %s", theme.Symbols.Bullet, k, state))
		}
	case "clear":
		r.contexts = nil
		r.okf("context selection cleared")
	default:
		var keys []domain.FrameworkContextKey
		for _, name := range strings.Fields(args) {
			k, ok := domain.ParseFrameworkContextKey(strings.ToLower(name))
			if !ok {
				r.errorf("unknown context %q (playwright, selenium, cypress)", name)
				return nil, false
			}
			keys = append(keys, k)
		}
		r.contexts = keys
		r.okf("context docs will be attached to the next message")
	}
	return nil, false
}

func cmdAttach(r *REPL, _ context.Context, args string) (<-chan error, bool) {
	if args == "" {
		r.errorf("usage: /attach <file>")
		return nil, false
	}
	data, err := r.readFile(args)
	if err != nil {
		r.errorf("%v", err)
		return nil, false
	}
	mimeType, _, _ := strings.Cut(mime.TypeByExtension(filepath.Ext(args)), ";")
	meta := dom.PrepareAttachment(filepath.Base(args), mimeType, data)
	r.pending = append(r.pending, meta)

	kind := "file"
	if meta.DomInspExtractData {
		kind = "DOM extraction"
	}
	r.okf("attached %s (%d bytes, %s)", meta.Name, meta.Size, kind)
	return nil, false
}

func cmdFormat(r *REPL, ctx context.Context, args string) (<-chan error, bool) {
	if args == "" {
		r.errorf("usage: /format <text>")
		return nil, false
	}
	req := format.Request{Text: args, Model: r.store.SelectedModel()}
	if keys := r.store.Keys(); !keys.IsZero() {
		req.Keys = &keys
	}
	out, err := r.api.Format(ctx, req)
	if err != nil {
		r.errorf("format failed: %v", err)
		return nil, false
	}
	if out == "" {
		r.println(theme.Dim.Render("no formatted text returned"))
		return nil, false
	}
	r.println(out)
	return nil, false
}

func cmdKeys(r *REPL, ctx context.Context, args string) (<-chan error, bool) {
	keys := r.store.Keys()
	if args == "" {
		for _, f := range keyFields(&keys) {
			r.println(fmt.Sprintf("%-10s %s", f.name, mask(*f.value)))
		}
		return nil, false
	}
	if args == "clear" {
		keys = domain.ProviderKeys{}
	} else {
		for _, pair := range strings.Fields(args) {
			name, value, ok := strings.Cut(pair, "=")
			field := findKeyField(&keys, name)
			if !ok || field == nil {
				r.errorf("expected name=value with name one of openai, anthropic, google, groq, composio")
				return nil, false
			}
			*field = value
		}
	}
	if err := r.store.SetKeys(ctx, keys); err != nil {
		r.errorf("%v", err)
		return nil, false
	}
	r.okf("keys saved")
	return nil, false
}

type keyField struct {
	name  string
	value *string
}

func keyFields(k *domain.ProviderKeys) []keyField {
	return []keyField{
		{"openai", &k.OpenAI},
		{"anthropic", &k.Anthropic},
		{"google", &k.Google},
		{"groq", &k.Groq},
		{"composio", &k.Composio},
	}
}

func findKeyField(k *domain.ProviderKeys, name string) *string {
	for _, f := range keyFields(k) {
		if f.name == strings.ToLower(name) {
			return f.value
		}
	}
	return nil
}

// mask shows only the last four characters of a key.
func mask(v string) string {
	switch {
	case v == "":
		return theme.Dim.Render("not set")
	case len(v) <= 4:
		return "****"
	}
	return "****" + v[len(v)-4:]
}

func cmdAbort(r *REPL, _ context.Context, _ string) (<-chan error, bool) {
	r.println(theme.Dim.Render("nothing to abort"))
	return nil, false
}

func cmdTokens(r *REPL, _ context.Context, _ string) (<-chan error, bool) {
	r.println(fmt.Sprintf("~%d tokens in this thread", r.store.TotalThreadTokens()))
	return nil, false
}
