// Package repl is the line-oriented terminal chat client. It drives a
// conversation store: plain lines are sent as messages, slash commands
// manage threads, tools, contexts, attachments and keys.
package repl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"

	"testscribe/internal/adapter/tui/theme"
	"testscribe/internal/domain"
	"testscribe/internal/usecase/conversation"
	"testscribe/internal/usecase/format"
)

// API is the server surface the client uses besides chat.
type API interface {
	Format(ctx context.Context, in format.Request) (string, error)
	Context(ctx context.Context, key domain.FrameworkContextKey) (string, error)
	Tools(ctx context.Context, q url.Values, composioKey string) (json.RawMessage, error)
}

// REPL reads commands from in and writes to out.
type REPL struct {
	store  *conversation.Store
	api    API
	in     io.Reader
	out    io.Writer
	logger *slog.Logger

	readFile func(path string) ([]byte, error)
	md       *glamour.TermRenderer

	tools    []string
	contexts []domain.FrameworkContextKey
	pending  []domain.AttachmentMeta

	outMu   sync.Mutex
	printer *streamPrinter
}

// New creates a REPL over a hydrated store.
func New(store *conversation.Store, api API, in io.Reader, out io.Writer, logger *slog.Logger) *REPL {
	if logger == nil {
		logger = slog.Default()
	}
	return &REPL{
		store:    store,
		api:      api,
		in:       in,
		out:      out,
		logger:   logger,
		readFile: os.ReadFile,
	}
}

func (r *REPL) printf(format string, args ...any) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// renderMarkdown renders content for the terminal. The renderer is built
// on first use.
func (r *REPL) renderMarkdown(content string) (string, error) {
	if r.md == nil {
		md, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(theme.MaxContentWidth),
		)
		if err != nil {
			return "", err
		}
		r.md = md
	}
	return r.md.Render(content)
}

func (r *REPL) println(s string) { r.printf("%s\n", s) }

func (r *REPL) errorf(format string, args ...any) {
	r.println(theme.TextError.Render(theme.Symbols.Error + " " + fmt.Sprintf(format, args...)))
}

func (r *REPL) okf(format string, args ...any) {
	r.println(theme.TextSuccess.Render(theme.Symbols.Success) + " " + fmt.Sprintf(format, args...))
}

// Run processes input until EOF, /quit or ctx ends. While a reply is
// streaming only /abort takes effect immediately; other lines wait for
// the reply to finish.
func (r *REPL) Run(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r.in)
		sc.Buffer(make([]byte, 64*1024), 1<<20)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	unsubscribe := r.store.Subscribe(r.onChange)
	defer unsubscribe()

	r.banner()

	var (
		inflight <-chan error
		queued   []string
		in       = lines
	)
	for {
		if inflight == nil && len(queued) > 0 {
			line := queued[0]
			queued = queued[1:]
			var quit bool
			inflight, quit = r.handle(ctx, line)
			if quit {
				return nil
			}
			continue
		}
		if inflight == nil && in == nil {
			return nil
		}
		if inflight == nil {
			r.prompt()
		}

		select {
		case err := <-inflight:
			inflight = nil
			r.finishReply(err)

		case line, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			if inflight != nil {
				if strings.TrimSpace(line) == "/abort" {
					r.abort()
				} else {
					queued = append(queued, line)
				}
				continue
			}
			var quit bool
			inflight, quit = r.handle(ctx, line)
			if quit {
				return nil
			}

		case <-ctx.Done():
			if inflight != nil {
				r.store.Abort(r.store.ActiveThreadID())
				<-inflight
			}
			return nil
		}
	}
}

func (r *REPL) banner() {
	t := r.store.ActiveThread()
	r.println(theme.BotLabel.Render(theme.Symbols.Bot) + theme.Dim.Render(
		fmt.Sprintf("  thread %q, model %s. /help lists commands.", t.Title, r.store.SelectedModel())))
}

func (r *REPL) prompt() {
	r.printf("%s ", theme.Prompt.Render(theme.Symbols.User+" >"))
}

// handle runs one input line. A returned channel means a reply is
// streaming and yields the send result when it ends.
func (r *REPL) handle(ctx context.Context, line string) (<-chan error, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, false
	}
	if !strings.HasPrefix(line, "/") {
		return r.send(ctx, line), false
	}

	name, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	cmd, ok := commands[name]
	if !ok {
		r.errorf("unknown command /%s (try /help)", name)
		return nil, false
	}
	return cmd(r, ctx, rest)
}

// streamPrinter echoes the growing assistant message of one thread.
type streamPrinter struct {
	threadID string
	after    int // messages present before the send
	msgID    string
	printed  string
	header   bool
}

// startReply arms the printer for the active thread. after is the number
// of messages the reply will follow.
func (r *REPL) startReply(after int) {
	r.outMu.Lock()
	r.printer = &streamPrinter{threadID: r.store.ActiveThreadID(), after: after}
	r.outMu.Unlock()
}

func (r *REPL) onChange(threadID string) {
	r.outMu.Lock()
	p := r.printer
	r.outMu.Unlock()
	if p == nil || p.threadID != threadID {
		return
	}
	t, err := r.store.Thread(threadID)
	if err != nil {
		return
	}
	var reply *domain.ChatMessage
	for i := len(t.Messages) - 1; i >= p.after && i >= 0; i-- {
		if t.Messages[i].Role == domain.RoleAssistant {
			reply = &t.Messages[i]
			break
		}
	}
	if reply == nil {
		return
	}

	r.outMu.Lock()
	defer r.outMu.Unlock()
	if r.printer != p {
		return
	}
	if !p.header {
		fmt.Fprintf(r.out, "%s ", theme.BotLabel.Render(theme.Symbols.Bot+":"))
		p.header = true
	}
	switch {
	case reply.ID != p.msgID && p.msgID != "":
		fmt.Fprintf(r.out, "\n%s", reply.Content)
	case strings.HasPrefix(reply.Content, p.printed):
		fmt.Fprint(r.out, reply.Content[len(p.printed):])
	default:
		fmt.Fprintf(r.out, "\n%s", reply.Content)
	}
	p.msgID = reply.ID
	p.printed = reply.Content
}

// finishReply closes the streamed output with tool activity and metrics.
func (r *REPL) finishReply(err error) {
	r.outMu.Lock()
	p := r.printer
	r.printer = nil
	r.outMu.Unlock()

	if p != nil && p.header {
		r.printf("\n")
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		r.errorf("%v", err)
		return
	}
	if p == nil {
		return
	}
	t, tErr := r.store.Thread(p.threadID)
	if tErr != nil || len(t.Messages) == 0 {
		return
	}
	last := t.Messages[len(t.Messages)-1]
	if last.Role != domain.RoleAssistant {
		return
	}
	if !p.header {
		r.println(theme.BotLabel.Render(theme.Symbols.Bot+":") + " " + last.Content)
	}
	for _, c := range last.ToolCalls {
		r.println(theme.ToolLabel.Render(theme.Symbols.Tool+" "+c.ToolName) + theme.Dim.Render(" "+string(c.Args)))
	}
	for _, res := range last.ToolResults {
		r.println(theme.ToolLabel.Render(theme.Symbols.Tool+" "+res.ToolName+" result") + theme.Dim.Render(" "+domain.Truncate(string(res.Result), 200)))
	}
	r.println(theme.Metrics.Render(metricsLine(last)))
}

func metricsLine(m domain.ChatMessage) string {
	parts := []string{m.Model}
	if m.TotalTokens != nil {
		parts = append(parts, fmt.Sprintf("%d tokens", *m.TotalTokens))
	}
	if m.TokensPerSecond != nil {
		parts = append(parts, fmt.Sprintf("%.1f tok/s", *m.TokensPerSecond))
	}
	if m.TimeToFirstToken != nil {
		parts = append(parts, fmt.Sprintf("first token %dms", *m.TimeToFirstToken))
	}
	return strings.Join(parts, " · ")
}

func (r *REPL) abort() {
	if r.store.Abort(r.store.ActiveThreadID()) {
		r.printf("\n")
		r.println(theme.TextWarning.Render(theme.Symbols.Warning + " aborted"))
	}
}
