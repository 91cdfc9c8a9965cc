// Package chatcli is a line-mode terminal front end driving a session.Session.
package chatcli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/glamour"
	"github.com/peterh/liner"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/streamchat/pkg/config"
	"github.com/go-go-golems/streamchat/pkg/filefilter"
	"github.com/go-go-golems/streamchat/pkg/session"
	"github.com/go-go-golems/streamchat/pkg/tokens"
	"github.com/go-go-golems/streamchat/pkg/transport"
)

// errQuit ends Run without an error.
var errQuit = errors.New("quit")

// FileService is the part of the files client the REPL uses.
type FileService interface {
	Upload(ctx context.Context, paths ...string) (map[string]string, error)
	Delete(ctx context.Context, key string) error
}

type REPL struct {
	session  *session.Session
	files    FileService
	settings config.ClientSettings
	styles   Styles
	tokens   *tokens.Counter
	filter   *filefilter.FileFilter

	copy   func(string) error
	render func(string) (string, error)

	outMu sync.Mutex
	out   io.Writer

	// written only from onUpdate, which the session serialises
	midLine    bool
	turnOutput bool

	// uploads made from this REPL, by key
	uploadsMu sync.Mutex
	uploads   map[string]string
}

type Option func(*REPL)

func WithStyles(s Styles) Option { return func(r *REPL) { r.styles = s } }

// WithClipboard replaces the system clipboard writer.
func WithClipboard(fn func(string) error) Option { return func(r *REPL) { r.copy = fn } }

// WithRenderer replaces the markdown renderer used when settings.Markdown is set.
func WithRenderer(fn func(string) (string, error)) Option {
	return func(r *REPL) { r.render = fn }
}

func WithTokenCounter(c *tokens.Counter) Option { return func(r *REPL) { r.tokens = c } }

func New(s *session.Session, files FileService, settings config.ClientSettings, out io.Writer, opts ...Option) *REPL {
	r := &REPL{
		session:  s,
		files:    files,
		settings: settings,
		styles:   DefaultStyles(),
		copy:     clipboard.WriteAll,
		out:      out,
		filter:   filefilter.FromSettings(settings.Upload),
		uploads:  map[string]string{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.render == nil {
		r.render = glamourRenderer()
	}
	if r.tokens == nil {
		r.tokens = tokens.NewCounter(tokens.DefaultEncoding)
	}
	return r
}

func glamourRenderer() func(string) (string, error) {
	var (
		once     sync.Once
		renderer *glamour.TermRenderer
		err      error
	)
	return func(md string) (string, error) {
		once.Do(func() {
			renderer, err = glamour.NewTermRenderer(
				glamour.WithStandardStyle("dark"),
				glamour.WithWordWrap(80),
			)
		})
		if err != nil {
			return "", err
		}
		return renderer.Render(md)
	}
}

func (r *REPL) printf(format string, args ...any) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	_, _ = fmt.Fprintf(r.out, format, args...)
}

func (r *REPL) println(s string) { r.printf("%s\n", s) }

// Run reads commands and messages from in until EOF, /quit or ctx is done. Session
// updates are printed as they arrive.
func (r *REPL) Run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return r.loop(ctx, func() (string, error) {
		if scanner.Scan() {
			return scanner.Text(), nil
		}
		if err := scanner.Err(); err != nil {
			return "", errors.Wrap(err, "read input")
		}
		return "", io.EOF
	})
}

// Prompter is the part of liner.State used for terminal input.
type Prompter interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
}

// RunTerminal is Run with line editing and history on the controlling terminal. History
// is read from and written back to historyPath unless it is empty.
func (r *REPL) RunTerminal(ctx context.Context, historyPath string) error {
	state := liner.NewLiner()
	state.SetCtrlCAborts(true)
	if historyPath != "" {
		if f, err := os.Open(historyPath); err == nil {
			_, _ = state.ReadHistory(f)
			_ = f.Close()
		}
	}
	defer func() {
		if historyPath != "" {
			saveHistory(state, historyPath)
		}
		_ = state.Close()
	}()
	return r.loop(ctx, r.promptReader(state))
}

func saveHistory(state *liner.State, path string) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		log.Debug().Err(err).Str("component", "chatcli").Str("path", path).Msg("history not saved")
		return
	}
	defer func() { _ = f.Close() }()
	if _, err := state.WriteHistory(f); err != nil {
		log.Debug().Err(err).Str("component", "chatcli").Str("path", path).Msg("history not saved")
	}
}

// promptReader reads one line per call. Ctrl-C interrupts a streaming reply and
// otherwise ends input like Ctrl-D.
func (r *REPL) promptReader(p Prompter) func() (string, error) {
	return func() (string, error) {
		for {
			line, err := p.Prompt(r.styles.Info.Render("> "))
			if errors.Is(err, liner.ErrPromptAborted) {
				if r.session.Snapshot().Generation == session.Streaming {
					r.report(r.session.Interrupt())
					continue
				}
				return "", io.EOF
			}
			if err != nil {
				return "", err
			}
			if strings.TrimSpace(line) != "" {
				p.AppendHistory(line)
			}
			return line, nil
		}
	}
}

type readResult struct {
	line string
	err  error
}

// loop asks read for the next line only after the previous one has been handled, so a
// prompt never appears ahead of a command's output. read may block; it runs apart from
// the select that watches ctx.
func (r *REPL) loop(ctx context.Context, read func() (string, error)) error {
	unsubscribe := r.session.Subscribe(r.onUpdate)
	defer unsubscribe()

	r.println(r.styles.Info.Render("streamchat: type /help for commands"))

	results := make(chan readResult, 1)
	for {
		go func() {
			line, err := read()
			results <- readResult{line: line, err: err}
		}()
		select {
		case <-ctx.Done():
			return nil
		case res := <-results:
			if res.err != nil {
				if errors.Is(res.err, io.EOF) {
					return nil
				}
				return res.err
			}
			if err := r.HandleLine(ctx, res.line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				return err
			}
		}
	}
}

// HandleLine executes one input line. Command failures are printed, not returned; only
// /quit produces an error.
func (r *REPL) HandleLine(ctx context.Context, line string) error {
	cmd, text, isCmd := ParseCommand(line)
	if !isCmd {
		if strings.TrimSpace(text) == "" {
			return nil
		}
		r.report(r.session.SendUserMessage(text))
		return nil
	}

	switch cmd.Name {
	case "quit", "exit", "q":
		return errQuit
	case "help", "h", "?":
		r.printHelp()
	case "connect":
		url := r.settings.URL
		if len(cmd.Args) > 0 {
			url = cmd.Args[0]
		}
		r.report(r.session.Connect(url))
	case "disconnect":
		r.report(r.session.Disconnect())
	case "stop":
		r.report(r.session.Interrupt())
	case "context":
		r.report(r.session.RequestContextLoad())
	case "mode":
		r.report(r.session.SetMode(cmd.Rest))
	case "upload":
		r.upload(ctx, cmd.Args)
	case "delete":
		r.delete(ctx, cmd.Args)
	case "files":
		r.listFiles()
	case "copy":
		r.copyLast()
	case "status":
		r.printStatus()
	default:
		r.println(r.styles.Error.Render("unknown command /" + cmd.Name + ", try /help"))
	}
	return nil
}

func (r *REPL) printHelp() {
	var b strings.Builder
	for _, c := range commands {
		fmt.Fprintf(&b, "  %-20s %s\n", c.usage, c.text)
	}
	b.WriteString("  anything else is sent as a message; start with // to send a leading /\n")
	r.printf("%s", b.String())
}

// report prints err as a short hint when it is an illegal-state error.
func (r *REPL) report(err error) {
	if err == nil {
		return
	}
	r.println(r.styles.Error.Render(Hint(err)))
}

// Hint turns session errors into one-line advice for the user.
func Hint(err error) string {
	switch {
	case errors.Is(err, session.ErrBusy):
		return "generation in progress, use /stop"
	case errors.Is(err, session.ErrNotStreaming):
		return "nothing to stop"
	case errors.Is(err, session.ErrBlankMessage):
		return "nothing to send"
	case errors.Is(err, session.ErrNotDisconnected):
		return "already connected, use /disconnect first"
	case errors.Is(err, transport.ErrNotConnected):
		return "not connected, use /connect"
	default:
		return "error: " + err.Error()
	}
}

func (r *REPL) upload(ctx context.Context, paths []string) {
	if len(paths) == 0 {
		r.println(r.styles.Error.Render("usage: /upload <path>..."))
		return
	}
	if r.files == nil {
		r.println(r.styles.Error.Render("no file service configured"))
		return
	}
	expanded, err := r.filter.Expand(paths...)
	if err != nil {
		r.report(err)
		return
	}
	if len(expanded) == 0 {
		r.println(r.styles.Error.Render("no files left to upload after filtering"))
		return
	}
	uploaded, err := r.files.Upload(ctx, expanded...)
	if err != nil {
		r.report(err)
		return
	}
	r.uploadsMu.Lock()
	for key, name := range uploaded {
		r.uploads[key] = name
	}
	r.uploadsMu.Unlock()
	for _, key := range sortedKeys(uploaded) {
		r.println(r.styles.Info.Render(fmt.Sprintf("uploaded %s as %s", uploaded[key], key)))
	}
	r.println(r.styles.Info.Render("use /context to load uploads into the conversation"))
}

func (r *REPL) delete(ctx context.Context, args []string) {
	if len(args) != 1 {
		r.println(r.styles.Error.Render("usage: /delete <key>"))
		return
	}
	if r.files == nil {
		r.println(r.styles.Error.Render("no file service configured"))
		return
	}
	key := args[0]
	if err := r.files.Delete(ctx, key); err != nil {
		r.report(err)
		return
	}
	r.uploadsMu.Lock()
	delete(r.uploads, key)
	r.uploadsMu.Unlock()
	r.println(r.styles.Info.Render("deleted " + key))
}

func (r *REPL) listFiles() {
	r.uploadsMu.Lock()
	uploads := make(map[string]string, len(r.uploads))
	for k, v := range r.uploads {
		uploads[k] = v
	}
	r.uploadsMu.Unlock()
	if len(uploads) == 0 {
		r.println(r.styles.Info.Render("no uploads"))
		return
	}
	for _, key := range sortedKeys(uploads) {
		state := "not loaded"
		if r.session.IsLoaded(key) {
			state = "loaded"
		}
		r.printf("  %s  %s  (%s)\n", key, uploads[key], state)
	}
}

func (r *REPL) copyLast() {
	last, ok := r.session.Snapshot().LastAssistant()
	if !ok {
		r.println(r.styles.Error.Render("no reply to copy"))
		return
	}
	if err := r.copy(last); err != nil {
		r.report(errors.Wrap(err, "copy to clipboard"))
		return
	}
	r.println(r.styles.Info.Render(fmt.Sprintf("copied %d characters", len(last))))
}

func (r *REPL) printStatus() {
	snap := r.session.Snapshot()
	texts := make([]string, 0, len(snap.Messages))
	for _, m := range snap.Messages {
		texts = append(texts, m.Text)
	}
	line := fmt.Sprintf("connection=%s generation=%s context=%s messages=%d loaded=%d",
		snap.Connection, snap.Generation, snap.ContextLoad, len(snap.Messages), len(snap.LoadedKeys))
	if n, ok := r.tokens.CountAll(texts...); ok {
		line += fmt.Sprintf(" tokens=%d", n)
	}
	r.println(r.styles.Info.Render(line))
	if snap.LastError != nil {
		r.println(r.styles.Error.Render("last error: " + snap.LastError.Error()))
	}
}

// onUpdate runs on the session's notifying goroutine and only prints.
func (r *REPL) onUpdate(u session.Update) {
	switch u.Change {
	case session.ChangeConnection:
		r.breakLine()
		r.turnOutput = false
		r.println(r.styles.Info.Render("[" + u.Snapshot.Connection.String() + "]"))
	case session.ChangeChunk:
		r.turnOutput = true
		if r.settings.Markdown {
			return
		}
		if u.NewMessage {
			r.printf("%s ", r.styles.Assistant.Render("assistant:"))
		}
		r.printf("%s", u.Chunk)
		r.midLine = true
	case session.ChangeTurnEnded:
		r.endTurn(u.Snapshot)
	case session.ChangeContextLoaded:
		if len(u.Keys) > 0 {
			r.println(r.styles.Info.Render("[context: " + strings.Join(u.Keys, ", ") + "]"))
		}
	case session.ChangeInterrupted:
		r.breakLine()
		r.println(r.styles.Info.Render("[interrupted]"))
	case session.ChangeError:
		r.breakLine()
		r.println(r.styles.Error.Render(Hint(u.Err)))
	}
}

// breakLine ends a partially printed reply so the next line starts clean.
func (r *REPL) breakLine() {
	if r.midLine {
		r.printf("\n")
		r.midLine = false
	}
}

// endTurn renders a markdown reply only when this turn streamed content; sentinel-only
// turns and stops before the first chunk leave the previous reply alone.
func (r *REPL) endTurn(snap session.Snapshot) {
	hadOutput := r.turnOutput
	r.turnOutput = false
	if !r.settings.Markdown {
		r.breakLine()
		return
	}
	if !hadOutput {
		return
	}
	last, ok := snap.LastAssistant()
	if !ok {
		return
	}
	rendered, err := r.render(last)
	if err != nil {
		log.Debug().Err(err).Str("component", "chatcli").Msg("markdown rendering failed")
		rendered = last + "\n"
	}
	r.printf("%s\n%s", r.styles.Assistant.Render("assistant:"), rendered)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
