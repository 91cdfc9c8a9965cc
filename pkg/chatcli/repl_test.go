package chatcli

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/peterh/liner"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/streamchat/pkg/config"
	"github.com/go-go-golems/streamchat/pkg/session"
	"github.com/go-go-golems/streamchat/pkg/tokens"
	"github.com/go-go-golems/streamchat/pkg/transport"
	"github.com/go-go-golems/streamchat/pkg/transport/transporttest"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fakeFiles struct {
	uploads   map[string]string
	uploadErr error
	deleteErr error
	paths     []string
	deleted   []string
}

func (f *fakeFiles) Upload(_ context.Context, paths ...string) (map[string]string, error) {
	f.paths = append(f.paths, paths...)
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	return f.uploads, nil
}

func (f *fakeFiles) Delete(_ context.Context, key string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, key)
	return nil
}

type harness struct {
	repl    *REPL
	ft      *transporttest.Fake
	files   *fakeFiles
	out     *syncBuffer
	copied  []string
	session *session.Session
}

func newHarness(t *testing.T, settings config.ClientSettings) *harness {
	t.Helper()
	h := &harness{ft: &transporttest.Fake{}, files: &fakeFiles{}, out: &syncBuffer{}}
	h.session = session.New(h.ft)
	h.repl = New(h.session, h.files, settings, h.out,
		WithStyles(PlainStyles()),
		WithTokenCounter(tokens.NewCounter("no-such-encoding")),
		WithClipboard(func(s string) error {
			h.copied = append(h.copied, s)
			return nil
		}),
		WithRenderer(func(md string) (string, error) { return "<md:" + md + ">\n", nil }),
	)
	unsubscribe := h.session.Subscribe(h.repl.onUpdate)
	t.Cleanup(unsubscribe)
	return h
}

func (h *harness) line(t *testing.T, line string) {
	t.Helper()
	require.NoError(t, h.repl.HandleLine(context.Background(), line))
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	h.line(t, "/connect")
	h.ft.EmitOpen()
	require.Equal(t, session.Connected, h.session.Snapshot().Connection)
}

func clientSettings() config.ClientSettings {
	return config.Default().Client
}

func TestREPL_ConnectAndStream(t *testing.T) {
	h := newHarness(t, clientSettings())
	h.connect(t)
	require.Equal(t, []string{clientSettings().URL}, h.ft.Opened())
	require.Contains(t, h.out.String(), "[connecting]\n[connected]\n")

	h.line(t, "hello")
	require.Equal(t, []string{"hello"}, h.ft.Sent())
	h.line(t, "again")
	require.Contains(t, h.out.String(), "generation in progress, use /stop")

	h.ft.EmitFrames("He", "llo", "[[END]]")
	require.Contains(t, h.out.String(), "assistant: Hello\n")

	h.line(t, "   ")
	require.Equal(t, []string{"hello"}, h.ft.Sent())
}

func TestREPL_MarkdownRendersAtEndOfTurn(t *testing.T) {
	settings := clientSettings()
	settings.Markdown = true
	h := newHarness(t, settings)
	h.connect(t)

	h.line(t, "show code")
	h.ft.EmitFrames("# Ti", "tle")
	require.NotContains(t, h.out.String(), "# Ti")
	h.ft.EmitFrames("[[END]]")
	require.Contains(t, h.out.String(), "assistant:\n<md:# Title>\n")
}

func TestREPL_MarkdownSkipsTurnsWithoutContent(t *testing.T) {
	settings := clientSettings()
	settings.Markdown = true
	h := newHarness(t, settings)
	h.connect(t)

	h.line(t, "first")
	h.ft.EmitFrames("reply one", "[[END]]")

	h.line(t, "second")
	h.line(t, "/stop")
	h.ft.EmitFrames("[[END]]")

	h.line(t, "/context")
	h.ft.EmitFrames("[[LOADED::k]]", "[[END]]")

	require.Equal(t, 1, strings.Count(h.out.String(), "<md:reply one>"))
}

func TestREPL_ConnectionLossEndsPartialLine(t *testing.T) {
	h := newHarness(t, clientSettings())
	h.connect(t)

	h.line(t, "hi")
	h.ft.EmitFrames("partial")
	h.ft.EmitClose()
	require.Contains(t, h.out.String(), "assistant: partial\n[disconnected]\n")

	h.connect(t)
	h.line(t, "again")
	h.ft.EmitFrames("half")
	h.ft.EmitError(errors.New("connection reset"))
	out := h.out.String()
	require.Contains(t, out, "assistant: half\n")
	require.NotContains(t, out, "half[")
	require.NotContains(t, out, "halferror")
}

type fakePrompter struct {
	replies []readResult
	history []string
}

func (p *fakePrompter) Prompt(string) (string, error) {
	if len(p.replies) == 0 {
		return "", io.EOF
	}
	next := p.replies[0]
	p.replies = p.replies[1:]
	return next.line, next.err
}

func (p *fakePrompter) AppendHistory(item string) { p.history = append(p.history, item) }

func TestREPL_PromptReader(t *testing.T) {
	h := newHarness(t, clientSettings())
	h.connect(t)
	h.line(t, "long answer please")
	h.ft.EmitFrames("part")

	p := &fakePrompter{replies: []readResult{
		{err: liner.ErrPromptAborted},
		{line: "next"},
		{line: "   "},
		{err: liner.ErrPromptAborted},
	}}
	read := h.repl.promptReader(p)

	// Ctrl-C while streaming interrupts and prompts again
	line, err := read()
	require.NoError(t, err)
	require.Equal(t, "next", line)
	require.Equal(t, []string{"long answer please", "__STOP__"}, h.ft.Sent())
	require.Equal(t, session.Idle, h.session.Snapshot().Generation)

	line, err = read()
	require.NoError(t, err)
	require.Equal(t, "   ", line)
	require.Equal(t, []string{"next"}, p.history)

	// Ctrl-C while idle ends input
	_, err = read()
	require.ErrorIs(t, err, io.EOF)
}

func TestREPL_StopAndMode(t *testing.T) {
	h := newHarness(t, clientSettings())
	h.connect(t)

	h.line(t, "/stop")
	require.Contains(t, h.out.String(), "nothing to stop")

	h.line(t, "long answer please")
	h.ft.EmitFrames("part")
	h.line(t, "/stop")
	require.Contains(t, h.out.String(), "[interrupted]")

	h.line(t, "/mode")
	require.Contains(t, h.out.String(), "nothing to send")
	h.line(t, "/mode shakespeare")
	h.line(t, "//mode literal")
	require.Equal(t, []string{"long answer please", "__STOP__", "/mode shakespeare", "/mode literal"}, h.ft.Sent())
}

func TestREPL_NotConnectedHints(t *testing.T) {
	h := newHarness(t, clientSettings())
	h.line(t, "hello")
	h.line(t, "/context")
	h.line(t, "/disconnect")
	require.Equal(t, 3, strings.Count(h.out.String(), "not connected, use /connect"))

	h.line(t, "/connect ws://other:1/ws/chat")
	h.line(t, "/connect")
	require.Contains(t, h.out.String(), "already connected, use /disconnect first")
	require.Equal(t, []string{"ws://other:1/ws/chat"}, h.ft.Opened())
}

func TestREPL_FilesCommands(t *testing.T) {
	h := newHarness(t, clientSettings())
	h.connect(t)

	h.line(t, "/files")
	require.Contains(t, h.out.String(), "no uploads")

	h.line(t, "/upload")
	require.Contains(t, h.out.String(), "usage: /upload <path>...")

	dir := t.TempDir()
	a := writeFile(t, dir, "a.txt", "alpha")
	b := writeFile(t, dir, "b.md", "# beta")
	h.files.uploads = map[string]string{"1_a.txt": "a.txt", "1_b.md": "b.md"}
	h.line(t, "/upload "+a+" "+b)
	require.Equal(t, []string{a, b}, h.files.paths)
	require.Contains(t, h.out.String(), "uploaded a.txt as 1_a.txt")

	h.line(t, "/context")
	require.Equal(t, "__CONTEXT__", h.ft.Sent()[len(h.ft.Sent())-1])
	h.ft.EmitFrames("[[LOADED::1_a.txt]]", "Loaded 1 file(s) into context: a.txt.", "[[END]]")
	require.Contains(t, h.out.String(), "[context: 1_a.txt]")

	h.line(t, "/files")
	out := h.out.String()
	require.Contains(t, out, "1_a.txt  a.txt  (loaded)")
	require.Contains(t, out, "1_b.md  b.md  (not loaded)")

	h.line(t, "/delete 1_b.md")
	require.Equal(t, []string{"1_b.md"}, h.files.deleted)
	require.Contains(t, h.out.String(), "deleted 1_b.md")

	h.files.deleteErr = errors.New("File not found")
	h.line(t, "/delete nope")
	require.Contains(t, h.out.String(), "error: File not found")

	h.line(t, "/upload "+filepath.Join(dir, "missing.txt"))
	require.Contains(t, h.out.String(), "error: stat ")

	h.files.uploadErr = errors.New("disk full")
	h.line(t, "/upload "+a)
	require.Contains(t, h.out.String(), "error: disk full")
}

func TestREPL_UploadDirectoryIsFiltered(t *testing.T) {
	h := newHarness(t, clientSettings())
	dir := t.TempDir()
	main := writeFile(t, dir, "main.go", "package main")
	writeFile(t, dir, "logo.png", "png")
	writeFile(t, filepath.Join(dir, "node_modules"), "dep.js", "x")
	h.files.uploads = map[string]string{"1_main.go": "main.go"}

	h.line(t, "/upload "+dir)
	require.Equal(t, []string{main}, h.files.paths)

	empty := t.TempDir()
	writeFile(t, empty, "blob.bin", "\x00")
	h.line(t, "/upload "+empty)
	require.Equal(t, []string{main}, h.files.paths)
	require.Contains(t, h.out.String(), "no files left to upload after filtering")
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestREPL_CopyAndStatus(t *testing.T) {
	h := newHarness(t, clientSettings())

	h.line(t, "/copy")
	require.Contains(t, h.out.String(), "no reply to copy")

	h.connect(t)
	h.line(t, "hi")
	h.ft.EmitFrames("Hello", "[[END]]")
	h.line(t, "/copy")
	require.Equal(t, []string{"Hello"}, h.copied)

	h.line(t, "/status")
	require.Contains(t, h.out.String(), "connection=connected generation=idle context=idle messages=2 loaded=0")
	require.NotContains(t, h.out.String(), "tokens=")

	h.ft.EmitError(errors.New("connection reset"))
	require.Contains(t, h.out.String(), "error: session transport: connection reset")
	h.line(t, "/status")
	require.Contains(t, h.out.String(), "last error:")
}

func TestREPL_UnknownCommandAndHelp(t *testing.T) {
	h := newHarness(t, clientSettings())
	h.line(t, "/frobnicate")
	require.Contains(t, h.out.String(), "unknown command /frobnicate, try /help")

	h.line(t, "/help")
	for _, c := range commands {
		require.Contains(t, h.out.String(), c.usage)
	}
}

func TestREPL_RunStopsAtQuit(t *testing.T) {
	h := newHarness(t, clientSettings())
	in := strings.NewReader("/connect\nhello\n/quit\nignored\n")
	require.NoError(t, h.repl.Run(context.Background(), in))
	require.Empty(t, h.ft.Sent())
	require.Contains(t, h.out.String(), "not connected, use /connect")
	require.Contains(t, h.out.String(), "type /help for commands")
}

func TestHint(t *testing.T) {
	illegal := func(cause error) error {
		return &session.IllegalStateError{Op: "x", Err: cause}
	}
	require.Equal(t, "generation in progress, use /stop", Hint(illegal(session.ErrBusy)))
	require.Equal(t, "nothing to stop", Hint(illegal(session.ErrNotStreaming)))
	require.Equal(t, "nothing to send", Hint(illegal(session.ErrBlankMessage)))
	require.Equal(t, "already connected, use /disconnect first", Hint(illegal(session.ErrNotDisconnected)))
	require.Equal(t, "not connected, use /connect", Hint(illegal(transport.ErrNotConnected)))
	require.Equal(t, "error: boom", Hint(errors.New("boom")))
}
